package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/capturd/capturd/internal/metrics"
)

// DefaultTimeout is the hard probe deadline. An unresponsive source is never
// assumed live.
const DefaultTimeout = 10 * time.Second

// Result is the outcome of one liveness probe. There is no error: every
// failure mode collapses to not-live and is logged, so callers never branch
// on probe errors.
type Result struct {
	Live     bool
	Title    string
	Category string
}

// queryOutput mirrors the capture binary's query-mode JSON document.
type queryOutput struct {
	Error    string `json:"error"`
	Type     string `json:"type"`
	URL      string `json:"url"`
	Metadata struct {
		Title    string `json:"title"`
		Category string `json:"category"`
	} `json:"metadata"`
}

// Runner spawns the capture binary in query mode and returns its stdout.
// Injectable so tests can substitute fakes.
type Runner func(ctx context.Context, url, quality string) ([]byte, error)

// Prober answers "is this source live right now, and what is it showing".
type Prober struct {
	urlTemplate string
	timeout     time.Duration
	log         *slog.Logger
	run         Runner
}

// New builds a Prober that invokes binary in query mode. urlTemplate must
// contain one %s verb for the source name.
func New(binary, urlTemplate string, timeout time.Duration, log *slog.Logger) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Prober{
		urlTemplate: urlTemplate,
		timeout:     timeout,
		log:         log,
		run:         execRunner(binary),
	}
}

// NewWithRunner is New with an injected runner, for tests.
func NewWithRunner(urlTemplate string, timeout time.Duration, log *slog.Logger, run Runner) *Prober {
	p := New("", urlTemplate, timeout, log)
	p.run = run
	return p
}

// Probe checks whether source is live. Fail-closed: spawn errors, timeouts
// and malformed output all yield not-live.
func (p *Prober) Probe(ctx context.Context, source, quality string) Result {
	if quality == "" {
		quality = "best"
	}
	url := fmt.Sprintf(p.urlTemplate, source)

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.run(cctx, url, quality)
	if err != nil {
		metrics.IncProbeFailure()
		p.log.Warn("probe failed, treating source as offline", "source", source, "err", err)
		return Result{}
	}

	var q queryOutput
	if err := json.Unmarshal(out, &q); err != nil {
		metrics.IncProbeFailure()
		p.log.Warn("probe output is not valid JSON, treating source as offline", "source", source, "err", err)
		return Result{}
	}
	if q.Error != "" {
		p.log.Debug("source offline", "source", source, "reason", q.Error)
		return Result{}
	}
	if q.Type == "" && q.URL == "" {
		// no playable stream indicator
		p.log.Debug("source offline", "source", source, "reason", "no stream in probe output")
		return Result{}
	}
	return Result{Live: true, Title: q.Metadata.Title, Category: q.Metadata.Category}
}

// execRunner invokes the real capture binary: <binary> --json <url> <quality>.
// CommandContext kills the process when the probe deadline passes.
func execRunner(binary string) Runner {
	return func(ctx context.Context, url, quality string) ([]byte, error) {
		// #nosec G204 -- binary comes from operator config
		cmd := exec.CommandContext(ctx, binary, "--json", url, quality)
		out, err := cmd.Output()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("probe timed out: %w", ctx.Err())
		}
		// The binary exits nonzero for offline sources while still printing a
		// JSON document with an error field; classify from the output.
		var ee *exec.ExitError
		if err != nil && !errors.As(err, &ee) {
			return nil, err
		}
		return out, nil
	}
}
