// Package supervisor owns the lifecycle of capture processes: at most one per
// source, admission through the disk budget gate, and exactly-once
// finalization of the persisted capture record.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/capturd/capturd/internal/diskgate"
	"github.com/capturd/capturd/internal/events"
	"github.com/capturd/capturd/internal/logger"
	"github.com/capturd/capturd/internal/metrics"
	"github.com/capturd/capturd/internal/probe"
	"github.com/capturd/capturd/internal/store"
)

// DefaultStopGrace is the window between SIGTERM and SIGKILL.
const DefaultStopGrace = 5 * time.Second

// Options configures how capture processes are spawned and stopped.
type Options struct {
	Binary      string        // capture binary path
	ExtraFlags  []string      // extra flags inserted before -o
	URLTemplate string        // one %s verb for the source name
	OutputDir   string        // recording directory
	StopGrace   time.Duration // SIGTERM to SIGKILL window, default 5s
	MaxDuration time.Duration // per-capture runtime cap, 0 = unlimited
}

// handle tracks one live capture. A pending handle (cmd nil) reserves the
// source slot while Start is still probing and persisting.
type handle struct {
	captureID  int64
	sourceID   int64
	sourceName string
	outputPath string
	startedAt  time.Time
	pending    bool

	cmd       *exec.Cmd
	mirror    io.WriteCloser // raw process output copy, may be nil
	waitDone  chan struct{}  // closed when cmd.Wait returns
	stopped   bool           // Stop was requested for this capture
	killTimer *time.Timer
	watchdog  *time.Timer
}

// View is a read-only snapshot of an active capture.
type View struct {
	CaptureID  int64     `json:"capture_id"`
	SourceID   int64     `json:"source_id"`
	SourceName string    `json:"source_name"`
	OutputPath string    `json:"output_path"`
	StartedAt  time.Time `json:"started_at"`
	PID        int       `json:"pid"`
}

// Supervisor launches and reaps capture processes. All map access is guarded
// by mu; process waits and log forwarding run in per-capture goroutines.
type Supervisor struct {
	mu           sync.Mutex
	active       map[int64]*handle // keyed by source ID
	shuttingDown bool

	st     store.Store
	prober *probe.Prober
	gate   *diskgate.Gate
	sinks  []events.Sink
	log    *slog.Logger
	logCfg logger.Config
	opts   Options

	// command builds the exec.Cmd for a capture; swapped in tests.
	command func(outputPath, url, quality string) *exec.Cmd
}

func New(st store.Store, prober *probe.Prober, gate *diskgate.Gate, logCfg logger.Config, log *slog.Logger, opts Options) *Supervisor {
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		active: make(map[int64]*handle),
		st:     st,
		prober: prober,
		gate:   gate,
		log:    log,
		logCfg: logCfg,
		opts:   opts,
	}
	s.command = s.captureCommand
	return s
}

// SetEventSinks registers lifecycle event destinations. Not safe to call once
// captures are running.
func (s *Supervisor) SetEventSinks(sinks ...events.Sink) { s.sinks = sinks }

// SetCommandFunc overrides process construction, for tests.
func (s *Supervisor) SetCommandFunc(f func(outputPath, url, quality string) *exec.Cmd) {
	s.command = f
}

func (s *Supervisor) captureCommand(outputPath, url, quality string) *exec.Cmd {
	args := make([]string, 0, len(s.opts.ExtraFlags)+4)
	args = append(args, s.opts.ExtraFlags...)
	args = append(args, "-o", outputPath, url, quality)
	// #nosec G204 -- binary comes from operator config
	return exec.Command(s.opts.Binary, args...)
}

// Start launches a capture for the source. It returns the new capture ID, or
// ErrSourceNotFound, ErrAlreadyCapturing, ErrShuttingDown, an
// *InsufficientResourcesError, or a spawn/store failure.
func (s *Supervisor) Start(ctx context.Context, sourceID int64) (int64, error) {
	// Reserve the source slot before any blocking work so a concurrent Start
	// for the same source loses immediately.
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return 0, ErrShuttingDown
	}
	if _, busy := s.active[sourceID]; busy {
		s.mu.Unlock()
		return 0, ErrAlreadyCapturing
	}
	s.active[sourceID] = &handle{sourceID: sourceID, pending: true}
	s.mu.Unlock()

	id, err := s.start(ctx, sourceID)
	if err != nil {
		s.mu.Lock()
		if h, ok := s.active[sourceID]; ok && h.pending {
			delete(s.active, sourceID)
		}
		s.mu.Unlock()
		return 0, err
	}
	return id, nil
}

func (s *Supervisor) start(ctx context.Context, sourceID int64) (int64, error) {
	src, err := s.st.GetSource(ctx, sourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, ErrSourceNotFound
		}
		return 0, fmt.Errorf("load source: %w", err)
	}

	// The persisted view is authoritative across restarts; the in-memory map
	// alone cannot rule out an active record left by another path.
	if _, err := s.st.FindActiveCapture(ctx, sourceID); err == nil {
		return 0, ErrAlreadyCapturing
	} else if !errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("check active capture: %w", err)
	}

	dec := s.gate.Admit()
	if !dec.Allowed {
		metrics.IncGateDenial(dec.Code)
		s.log.Warn("capture denied by disk budget", "source", src.Name, "reason", dec.Reason)
		_ = s.st.AppendLog(ctx, store.LogEntry{
			SourceName: src.Name,
			Level:      "warn",
			Message:    fmt.Sprintf("Capture denied: %s", dec.Reason),
		})
		return 0, &InsufficientResourcesError{Reason: dec.Reason}
	}

	quality := src.Quality
	if quality == "" {
		quality = "best"
	}
	res := s.prober.Probe(ctx, src.Name, quality)

	// The probe can block for seconds; shutdown may have begun meanwhile.
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return 0, ErrShuttingDown
	}
	s.mu.Unlock()

	now := time.Now()
	outputPath := filepath.Join(s.opts.OutputDir, captureFilename(src.Name, now))
	rec := store.Capture{
		SourceID:   src.ID,
		SourceName: src.Name,
		OutputPath: outputPath,
		Quality:    quality,
		StartedAt:  now,
		Status:     store.StatusActive,
	}
	if res.Title != "" {
		rec.Title = nullString(res.Title)
	}
	if res.Category != "" {
		rec.Category = nullString(res.Category)
	}
	if err := s.st.CreateCapture(ctx, &rec); err != nil {
		return 0, fmt.Errorf("create capture record: %w", err)
	}
	_ = s.st.AppendLog(ctx, store.LogEntry{
		CaptureID:  nullInt64(rec.ID),
		SourceName: src.Name,
		Level:      "info",
		Message:    "Disk budget check passed",
	})

	url := fmt.Sprintf(s.opts.URLTemplate, src.Name)
	cmd := s.command(outputPath, url, quality)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.failSpawn(ctx, rec, err)
		return 0, fmt.Errorf("capture stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.failSpawn(ctx, rec, err)
		return 0, fmt.Errorf("capture stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		s.failSpawn(ctx, rec, err)
		return 0, fmt.Errorf("spawn capture process: %w", err)
	}

	h := &handle{
		captureID:  rec.ID,
		sourceID:   src.ID,
		sourceName: src.Name,
		outputPath: outputPath,
		startedAt:  now,
		cmd:        cmd,
		mirror:     s.logCfg.CaptureWriter(src.Name),
		waitDone:   make(chan struct{}),
	}
	if s.opts.MaxDuration > 0 {
		h.watchdog = time.AfterFunc(s.opts.MaxDuration, func() {
			s.log.Warn("capture hit max duration, stopping", "source", src.Name, "capture", rec.ID)
			s.Stop(src.ID)
		})
	}

	// Re-check under the lock: the store writes above are suspension points
	// and shutdown drains the map without knowing about this process yet.
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		s.abortSpawn(ctx, h, rec)
		return 0, ErrShuttingDown
	}
	s.active[sourceID] = h
	n := s.activeCountLocked()
	s.mu.Unlock()

	metrics.IncCaptureStart(src.Name)
	metrics.SetActiveCaptures(n)
	s.log.Info("capture started", "source", src.Name, "capture", rec.ID, "pid", cmd.Process.Pid, "output", outputPath)
	_ = s.st.AppendLog(ctx, store.LogEntry{
		CaptureID:  nullInt64(rec.ID),
		SourceName: src.Name,
		Level:      "info",
		Message:    fmt.Sprintf("Started capture of %s (quality %s)", src.Name, quality),
	})
	s.publish(events.CaptureStarted, rec)

	go s.forwardOutput(h, stdout, "info")
	go s.forwardOutput(h, stderr, "warn")
	go func() {
		err := cmd.Wait()
		close(h.waitDone)
		s.finalize(h, exitCode(err), err)
	}()

	return rec.ID, nil
}

// failSpawn finalizes a capture record that never got a running process.
func (s *Supervisor) failSpawn(ctx context.Context, rec store.Capture, cause error) {
	_ = s.st.FinishCapture(ctx, rec.ID, store.FinishUpdate{
		Status:  store.StatusError,
		EndedAt: time.Now(),
		ErrMsg:  cause.Error(),
	})
	_ = s.st.AppendLog(ctx, store.LogEntry{
		CaptureID:  nullInt64(rec.ID),
		SourceName: rec.SourceName,
		Level:      "error",
		Message:    fmt.Sprintf("Failed to start capture: %v", cause),
	})
	metrics.IncCaptureEnd(rec.SourceName, store.StatusError)
	rec.Status = store.StatusError
	s.publish(events.CaptureEnded, rec)
}

// abortSpawn kills a process that got spawned while shutdown was draining the
// active set, and finalizes its record as stopped. The handle was never
// registered, so no other path can finalize it.
func (s *Supervisor) abortSpawn(ctx context.Context, h *handle, rec store.Capture) {
	pid := h.cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	_ = h.cmd.Wait()
	if h.watchdog != nil {
		h.watchdog.Stop()
	}
	if h.mirror != nil {
		_ = h.mirror.Close()
	}

	ended := time.Now()
	size := outputSize(h.outputPath)
	if err := s.st.FinishCapture(ctx, rec.ID, store.FinishUpdate{
		Status:       store.StatusStopped,
		EndedAt:      ended,
		DurationSecs: int64(ended.Sub(h.startedAt) / time.Second),
		SizeBytes:    size,
		ErrMsg:       "stopped by shutdown",
	}); err != nil {
		s.log.Error("persist aborted capture failed", "capture", rec.ID, "err", err)
	}
	_ = s.st.AppendLog(ctx, store.LogEntry{
		CaptureID:  nullInt64(rec.ID),
		SourceName: h.sourceName,
		Level:      "warn",
		Message:    "Capture aborted, daemon is shutting down",
	})
	metrics.IncCaptureEnd(h.sourceName, store.StatusStopped)
	s.log.Warn("capture aborted, shutdown in progress", "source", h.sourceName, "capture", rec.ID)

	rec.Status = store.StatusStopped
	rec.EndedAt = nullTime(ended)
	rec.SizeBytes = size
	s.publish(events.CaptureEnded, rec)
}

// Stop requests termination of the source's capture and returns immediately.
// SIGTERM first; SIGKILL after the grace window if the process lingers.
func (s *Supervisor) Stop(sourceID int64) bool {
	s.mu.Lock()
	h, ok := s.active[sourceID]
	if !ok || h.pending {
		s.mu.Unlock()
		return false
	}
	h.stopped = true
	s.mu.Unlock()

	s.log.Info("stopping capture", "source", h.sourceName, "capture", h.captureID)
	s.terminate(h)
	return true
}

// terminate signals the handle's process group and arms kill escalation.
func (s *Supervisor) terminate(h *handle) {
	pid := h.cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	h.killTimer = time.AfterFunc(s.opts.StopGrace, func() {
		select {
		case <-h.waitDone:
		default:
			s.log.Warn("capture ignored SIGTERM, killing", "source", h.sourceName, "capture", h.captureID)
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		}
	})
}

// finalize runs once per capture: it claims the handle under lock, persists
// the terminal record and publishes the end event. The second caller (process
// exit vs shutdown) finds the handle gone and returns.
func (s *Supervisor) finalize(h *handle, code int, waitErr error) {
	s.mu.Lock()
	cur, ok := s.active[h.sourceID]
	if !ok || cur != h {
		s.mu.Unlock()
		return
	}
	delete(s.active, h.sourceID)
	n := s.activeCountLocked()
	s.mu.Unlock()

	if h.killTimer != nil {
		h.killTimer.Stop()
	}
	if h.watchdog != nil {
		h.watchdog.Stop()
	}
	if h.mirror != nil {
		_ = h.mirror.Close()
	}

	ended := time.Now()
	durationSecs := int64(ended.Sub(h.startedAt) / time.Second)
	size := outputSize(h.outputPath)

	status := store.StatusCompleted
	errMsg := ""
	switch {
	case code == 0:
		// clean exit
	case h.stopped || size > 0:
		status = store.StatusStopped
	default:
		// died before producing anything
		status = store.StatusError
		if waitErr != nil {
			errMsg = waitErr.Error()
		} else {
			errMsg = fmt.Sprintf("exit code %d", code)
		}
	}

	ctx := context.Background()
	if err := s.st.FinishCapture(ctx, h.captureID, store.FinishUpdate{
		Status:       status,
		EndedAt:      ended,
		DurationSecs: durationSecs,
		SizeBytes:    size,
		ErrMsg:       errMsg,
	}); err != nil {
		s.log.Error("persist capture end failed", "capture", h.captureID, "err", err)
	}
	_ = s.st.AppendLog(ctx, store.LogEntry{
		CaptureID:  nullInt64(h.captureID),
		SourceName: h.sourceName,
		Level:      "info",
		Message:    fmt.Sprintf("Capture finished: %s, %d seconds, %d bytes", status, durationSecs, size),
	})

	metrics.IncCaptureEnd(h.sourceName, status)
	metrics.AddCapturedBytes(h.sourceName, size)
	metrics.SetActiveCaptures(n)
	s.log.Info("capture ended", "source", h.sourceName, "capture", h.captureID,
		"status", status, "exit_code", code, "duration_secs", durationSecs, "bytes", size)

	s.publish(events.CaptureEnded, store.Capture{
		ID:           h.captureID,
		SourceID:     h.sourceID,
		SourceName:   h.sourceName,
		OutputPath:   h.outputPath,
		SizeBytes:    size,
		DurationSecs: durationSecs,
		StartedAt:    h.startedAt,
		EndedAt:      nullTime(ended),
		Status:       status,
	})
}

// Shutdown persists terminal records for every active capture, then signals
// the processes and waits for them to exit. Safe to call more than once.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		s.log.Debug("shutdown already in progress")
		return nil
	}
	s.shuttingDown = true
	handles := make([]*handle, 0, len(s.active))
	for _, h := range s.active {
		if !h.pending {
			handles = append(handles, h)
		}
	}
	// Claim every handle so the per-capture exit goroutines become no-ops.
	s.active = make(map[int64]*handle)
	s.mu.Unlock()

	s.log.Info("shutting down", "active_captures", len(handles))

	// Persist first. If the host dies mid-shutdown the records are already
	// terminal and no capture is stranded in active.
	ended := time.Now()
	for _, h := range handles {
		durationSecs := int64(ended.Sub(h.startedAt) / time.Second)
		size := outputSize(h.outputPath)
		if err := s.st.FinishCapture(ctx, h.captureID, store.FinishUpdate{
			Status:       store.StatusStopped,
			EndedAt:      ended,
			DurationSecs: durationSecs,
			SizeBytes:    size,
			ErrMsg:       "stopped by shutdown",
		}); err != nil {
			s.log.Error("persist shutdown stop failed", "capture", h.captureID, "err", err)
		}
		_ = s.st.AppendLog(ctx, store.LogEntry{
			CaptureID:  nullInt64(h.captureID),
			SourceName: h.sourceName,
			Level:      "info",
			Message:    "Capture stopped by daemon shutdown",
		})
		metrics.IncCaptureEnd(h.sourceName, store.StatusStopped)
		s.publish(events.CaptureEnded, store.Capture{
			ID:           h.captureID,
			SourceID:     h.sourceID,
			SourceName:   h.sourceName,
			OutputPath:   h.outputPath,
			SizeBytes:    size,
			DurationSecs: durationSecs,
			StartedAt:    h.startedAt,
			EndedAt:      nullTime(ended),
			Status:       store.StatusStopped,
		})
	}

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *handle) {
			defer wg.Done()
			pid := h.cmd.Process.Pid
			_ = syscall.Kill(-pid, syscall.SIGTERM)
			select {
			case <-h.waitDone:
			case <-time.After(s.opts.StopGrace):
				_ = syscall.Kill(-pid, syscall.SIGKILL)
				<-h.waitDone
			}
			if h.mirror != nil {
				_ = h.mirror.Close()
			}
			if h.watchdog != nil {
				h.watchdog.Stop()
			}
		}(h)
	}
	wg.Wait()
	metrics.SetActiveCaptures(0)
	s.log.Info("all captures stopped")
	return nil
}

// IsCapturing reports whether a capture (or a start in flight) exists for the
// source. In-memory only, no store round trip.
func (s *Supervisor) IsCapturing(sourceID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[sourceID]
	return ok
}

// ActiveCount returns the number of running captures.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCountLocked()
}

// ListActive snapshots the running captures.
func (s *Supervisor) ListActive() []View {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]View, 0, len(s.active))
	for _, h := range s.active {
		if h.pending {
			continue
		}
		out = append(out, View{
			CaptureID:  h.captureID,
			SourceID:   h.sourceID,
			SourceName: h.sourceName,
			OutputPath: h.outputPath,
			StartedAt:  h.startedAt,
			PID:        h.cmd.Process.Pid,
		})
	}
	return out
}

func (s *Supervisor) activeCountLocked() int {
	n := 0
	for _, h := range s.active {
		if !h.pending {
			n++
		}
	}
	return n
}

// forwardOutput relays one process stream line by line into the log trail and
// the per-source mirror file.
func (s *Supervisor) forwardOutput(h *handle, r io.Reader, level string) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if h.mirror != nil {
			_, _ = fmt.Fprintln(h.mirror, line)
		}
		_ = s.st.AppendLog(context.Background(), store.LogEntry{
			CaptureID:  nullInt64(h.captureID),
			SourceName: h.sourceName,
			Level:      level,
			Message:    line,
		})
	}
}

func (s *Supervisor) publish(t events.Type, rec store.Capture) {
	if len(s.sinks) == 0 {
		return
	}
	e := events.Event{Type: t, OccurredAt: time.Now(), Capture: rec}
	for _, sink := range s.sinks {
		if err := sink.Send(context.Background(), e); err != nil {
			s.log.Warn("event sink send failed", "type", t, "err", err)
		}
	}
}

// captureFilename builds <name>_<timestamp>_<shortid>.ts. The short id keeps
// names unique when a source restarts within the same second.
func captureFilename(name string, t time.Time) string {
	return fmt.Sprintf("%s_%s_%s.ts", name, t.Format("20060102_150405"), uuid.NewString()[:8])
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func outputSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
