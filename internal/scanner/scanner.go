// Package scanner periodically probes auto-capture sources and starts
// captures for the ones that are live.
package scanner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/capturd/capturd/internal/metrics"
	"github.com/capturd/capturd/internal/probe"
	"github.com/capturd/capturd/internal/store"
	"github.com/capturd/capturd/internal/supervisor"
)

// Scanner drives the auto-capture loop. One scan runs at a time; a tick that
// fires while the previous scan is still probing is skipped, never queued.
type Scanner struct {
	st       store.Store
	prober   *probe.Prober
	sup      *supervisor.Supervisor
	interval time.Duration
	log      *slog.Logger

	running atomic.Bool // a scan pass is in flight
	cancel  context.CancelFunc
	done    chan struct{}
	startMu sync.Mutex
	started bool
}

func New(st store.Store, prober *probe.Prober, sup *supervisor.Supervisor, interval time.Duration, log *slog.Logger) *Scanner {
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{st: st, prober: prober, sup: sup, interval: interval, log: log}
}

// Start launches the scan loop. The first scan runs immediately, then on
// every interval tick. Calling Start twice is a no-op.
func (s *Scanner) Start() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.Scan(ctx)
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Scan(ctx)
			}
		}
	}()
	s.log.Info("auto-scan started", "interval", s.interval)
}

// Stop halts the loop and waits for an in-flight scan to finish.
func (s *Scanner) Stop() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	s.cancel()
	<-s.done
	s.log.Info("auto-scan stopped")
}

// Scan runs one pass over the auto-capture sources. If a pass is already
// running the call returns immediately and the pass is skipped.
func (s *Scanner) Scan(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.IncScanSkip()
		s.log.Info("scan still running, skipping tick")
		return
	}
	defer s.running.Store(false)

	sources, err := s.st.ListAutoCaptureSources(ctx)
	if err != nil {
		s.log.Error("scan: list sources failed", "err", err)
		return
	}
	s.log.Debug("scan pass", "sources", len(sources))

	for _, src := range sources {
		if ctx.Err() != nil {
			return
		}
		if s.sup.IsCapturing(src.ID) {
			continue
		}
		res := s.prober.Probe(ctx, src.Name, src.Quality)
		if !res.Live {
			continue
		}
		s.log.Info("source is live", "source", src.Name, "title", res.Title)
		if _, err := s.sup.Start(ctx, src.ID); err != nil {
			// Losing to a manual start between probe and launch is normal.
			if errors.Is(err, supervisor.ErrAlreadyCapturing) {
				s.log.Debug("scan: capture already running", "source", src.Name)
				continue
			}
			var ire *supervisor.InsufficientResourcesError
			if errors.As(err, &ire) {
				s.log.Warn("scan: capture denied", "source", src.Name, "reason", ire.Reason)
				continue
			}
			if errors.Is(err, supervisor.ErrShuttingDown) {
				return
			}
			s.log.Error("scan: capture start failed", "source", src.Name, "err", err)
		}
	}
}
