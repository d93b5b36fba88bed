package scanner

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/capturd/capturd/internal/diskgate"
	"github.com/capturd/capturd/internal/logger"
	"github.com/capturd/capturd/internal/probe"
	"github.com/capturd/capturd/internal/store"
	"github.com/capturd/capturd/internal/store/sqlite"
	"github.com/capturd/capturd/internal/supervisor"
)

func openStore(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "scan.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	return db
}

func addSource(t *testing.T, db *sqlite.DB, name string, auto bool) store.Source {
	t.Helper()
	src := store.Source{Name: name, Monitored: true, AutoCapture: auto, Quality: "best", Active: true}
	if err := db.CreateSource(context.Background(), &src); err != nil {
		t.Fatal(err)
	}
	return src
}

func newSupervisor(t *testing.T, db store.Store, p *probe.Prober) *supervisor.Supervisor {
	t.Helper()
	dir := t.TempDir()
	sup := supervisor.New(db, p, diskgate.New(dir, diskgate.Limits{}), logger.Config{}, nil, supervisor.Options{
		Binary:      "/bin/sh",
		URLTemplate: "https://example.test/%s",
		OutputDir:   dir,
		StopGrace:   200 * time.Millisecond,
	})
	sup.SetCommandFunc(func(outputPath, url, quality string) *exec.Cmd {
		cmd := exec.Command("/bin/sh", "-c", `printf data > "$OUT"; sleep 30`)
		cmd.Env = append(os.Environ(), "OUT="+outputPath)
		return cmd
	})
	return sup
}

func TestScanStartsLiveAutoSources(t *testing.T) {
	db := openStore(t)
	alice := addSource(t, db, "alice", true)
	bob := addSource(t, db, "bob", true)      // offline
	carol := addSource(t, db, "carol", false) // manual only

	p := probe.NewWithRunner("https://example.test/%s", time.Second, nil,
		func(_ context.Context, url, _ string) ([]byte, error) {
			if url == "https://example.test/alice" {
				return []byte(`{"type":"live"}`), nil
			}
			return []byte(`{"error":"offline"}`), nil
		})
	sup := newSupervisor(t, db, p)
	defer func() { _ = sup.Shutdown(context.Background()) }()

	s := New(db, p, sup, time.Hour, nil)
	s.Scan(context.Background())

	if !sup.IsCapturing(alice.ID) {
		t.Fatal("live auto source must be capturing after a scan")
	}
	if sup.IsCapturing(bob.ID) {
		t.Fatal("offline source must not be capturing")
	}
	if sup.IsCapturing(carol.ID) {
		t.Fatal("manual-only source must not be captured by the scanner")
	}
}

func TestScanSkipsCapturingSources(t *testing.T) {
	db := openStore(t)
	alice := addSource(t, db, "alice", true)

	var probes atomic.Int64
	p := probe.NewWithRunner("https://example.test/%s", time.Second, nil,
		func(context.Context, string, string) ([]byte, error) {
			probes.Add(1)
			return []byte(`{"type":"live"}`), nil
		})
	sup := newSupervisor(t, db, p)
	defer func() { _ = sup.Shutdown(context.Background()) }()

	s := New(db, p, sup, time.Hour, nil)
	s.Scan(context.Background())
	if !sup.IsCapturing(alice.ID) {
		t.Fatal("first scan should start the capture")
	}
	n := probes.Load()

	// the running capture must not be probed again
	s.Scan(context.Background())
	if probes.Load() != n {
		t.Fatal("capturing source was probed on the second scan")
	}
}

func TestScanOverlapIsSkipped(t *testing.T) {
	db := openStore(t)
	addSource(t, db, "alice", true)

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	p := probe.NewWithRunner("https://example.test/%s", 10*time.Second, nil,
		func(ctx context.Context, _, _ string) ([]byte, error) {
			entered <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return []byte(`{"error":"offline"}`), nil
		})
	sup := newSupervisor(t, db, p)
	var logBuf bytes.Buffer
	s := New(db, p, sup, time.Hour, slog.New(slog.NewTextHandler(&logBuf, nil)))

	done := make(chan struct{})
	go func() {
		s.Scan(context.Background())
		close(done)
	}()
	<-entered

	// second pass while the first is blocked in the probe
	start := time.Now()
	s.Scan(context.Background())
	if time.Since(start) > time.Second {
		t.Fatal("overlapping scan must return immediately")
	}
	select {
	case <-entered:
		t.Fatal("skipped scan still probed a source")
	default:
	}

	close(release)
	<-done

	out := logBuf.String()
	if !strings.Contains(out, "skipping tick") {
		t.Fatalf("skip not logged: %q", out)
	}
	if !strings.Contains(out, "level=INFO") {
		t.Fatalf("skip is expected behavior and belongs at info: %q", out)
	}
}

func TestStartStopLoop(t *testing.T) {
	db := openStore(t)
	var probes atomic.Int64
	p := probe.NewWithRunner("https://example.test/%s", time.Second, nil,
		func(context.Context, string, string) ([]byte, error) {
			probes.Add(1)
			return []byte(`{"error":"offline"}`), nil
		})
	addSource(t, db, "alice", true)
	sup := newSupervisor(t, db, p)

	s := New(db, p, sup, 50*time.Millisecond, nil)
	s.Start()
	s.Start() // second Start is a no-op
	time.Sleep(200 * time.Millisecond)
	s.Stop()
	if probes.Load() == 0 {
		t.Fatal("loop never scanned")
	}
	n := probes.Load()
	time.Sleep(150 * time.Millisecond)
	if probes.Load() != n {
		t.Fatal("loop still scanning after Stop")
	}
	s.Stop() // second Stop is a no-op
}
