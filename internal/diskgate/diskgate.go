package diskgate

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"time"
)

const bytesPerMB = 1024 * 1024

// Limits configures the disk budget. A value of 0 always means "no
// constraint", never "zero allowed".
type Limits struct {
	MinFreeMB      int64 `mapstructure:"min_free_mb"`
	MaxCaptureMB   int64 `mapstructure:"max_capture_size_mb"`
	MaxTotalMB     int64 `mapstructure:"max_total_size_mb"`
	MaxDurationHrs int64 `mapstructure:"max_duration_hours"`
}

// Validate rejects negative limit values.
func (l Limits) Validate() error {
	if l.MinFreeMB < 0 || l.MaxCaptureMB < 0 || l.MaxTotalMB < 0 || l.MaxDurationHrs < 0 {
		return fmt.Errorf("disk limits must not be negative")
	}
	return nil
}

// MaxDuration returns the configured per-capture runtime cap, 0 = unlimited.
// Duration is not a filesystem fact; the supervisor enforces it with a
// watchdog on the running capture.
func (l Limits) MaxDuration() time.Duration {
	return time.Duration(l.MaxDurationHrs) * time.Hour
}

// Usage holds the filesystem facts a decision is made over.
type Usage struct {
	FreeBytes  uint64 // free space on the volume holding the capture directory
	TotalBytes int64  // aggregate size of the capture directory contents
}

// Decision is the gate's structured admit/deny answer.
type Decision struct {
	Allowed bool
	Reason  string // human-readable denial reason; empty when allowed
	Code    string // stable denial code for metrics: free_space, total_size, capture_budget
}

// Check decides admit/deny for a new capture. Pure and synchronous: all
// filesystem facts come in via u. Free-space and size checks use megabyte
// granularity.
func Check(l Limits, u Usage) Decision {
	freeMB := int64(u.FreeBytes / bytesPerMB)
	totalMB := u.TotalBytes / bytesPerMB

	if l.MinFreeMB > 0 && freeMB < l.MinFreeMB {
		return Decision{
			Reason: fmt.Sprintf("insufficient free space: %d MB free, %d MB required", freeMB, l.MinFreeMB),
			Code:   "free_space",
		}
	}
	if l.MaxTotalMB > 0 && totalMB >= l.MaxTotalMB {
		return Decision{
			Reason: fmt.Sprintf("capture directory at %d MB exceeds %d MB limit", totalMB, l.MaxTotalMB),
			Code:   "total_size",
		}
	}
	// A capture may legitimately grow to the per-capture cap, so require that
	// much headroom up front.
	if l.MaxCaptureMB > 0 && freeMB < l.MaxCaptureMB {
		return Decision{
			Reason: fmt.Sprintf("only %d MB free, below the %d MB per-capture budget", freeMB, l.MaxCaptureMB),
			Code:   "capture_budget",
		}
	}
	return Decision{Allowed: true}
}

// statfsFunc allows tests to stub filesystem stats.
type statfsFunc func(path string) (total uint64, free uint64, err error)

// Gate gathers filesystem facts for a directory and applies Check.
type Gate struct {
	dir    string
	limits Limits
	statfs statfsFunc
}

func New(dir string, limits Limits) *Gate {
	return &Gate{dir: dir, limits: limits, statfs: realStatfs}
}

func (g *Gate) Limits() Limits { return g.limits }

// Admit measures the capture directory and decides. Measurement errors deny
// fail-closed with the error as reason.
func (g *Gate) Admit() Decision {
	_, free, err := g.statfs(g.dir)
	if err != nil {
		return Decision{Reason: fmt.Sprintf("cannot stat filesystem: %v", err), Code: "stat_failure"}
	}
	total, err := dirSize(g.dir)
	if err != nil {
		return Decision{Reason: fmt.Sprintf("cannot measure capture directory: %v", err), Code: "stat_failure"}
	}
	return Check(g.limits, Usage{FreeBytes: free, TotalBytes: total})
}

// dirSize sums regular file sizes under root. A missing directory counts as
// empty: nothing has been captured yet.
func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return fs.SkipAll
			}
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total, err
}
