package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/capturd/capturd/internal/diskgate"
	"github.com/capturd/capturd/internal/events"
	"github.com/capturd/capturd/internal/logger"
	"github.com/capturd/capturd/internal/probe"
	"github.com/capturd/capturd/internal/store"
)

// mockStore is an in-memory store.Store for supervisor tests.
type mockStore struct {
	mu       sync.Mutex
	sources  map[int64]store.Source
	captures map[int64]store.Capture
	logs     []store.LogEntry
	nextID   int64

	createCaptureHook func() // runs before CreateCapture takes effect
}

func newMockStore() *mockStore {
	return &mockStore{
		sources:  make(map[int64]store.Source),
		captures: make(map[int64]store.Capture),
		nextID:   1,
	}
}

func (m *mockStore) EnsureSchema(context.Context) error { return nil }
func (m *mockStore) Close() error                       { return nil }

func (m *mockStore) CreateSource(_ context.Context, s *store.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = m.nextID
	m.nextID++
	m.sources[s.ID] = *s
	return nil
}

func (m *mockStore) GetSource(_ context.Context, id int64) (store.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok {
		return store.Source{}, store.ErrNotFound
	}
	return s, nil
}

func (m *mockStore) GetSourceByName(_ context.Context, name string) (store.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sources {
		if s.Name == name {
			return s, nil
		}
	}
	return store.Source{}, store.ErrNotFound
}

func (m *mockStore) ListSources(context.Context) ([]store.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Source, 0, len(m.sources))
	for _, s := range m.sources {
		out = append(out, s)
	}
	return out, nil
}

func (m *mockStore) ListAutoCaptureSources(ctx context.Context) ([]store.Source, error) {
	all, _ := m.ListSources(ctx)
	var out []store.Source
	for _, s := range all {
		if s.Active && s.Monitored && s.AutoCapture {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockStore) UpdateSource(_ context.Context, s store.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[s.ID]; !ok {
		return store.ErrNotFound
	}
	m.sources[s.ID] = s
	return nil
}

func (m *mockStore) CreateCapture(_ context.Context, c *store.Capture) error {
	if m.createCaptureHook != nil {
		m.createCaptureHook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = m.nextID
	m.nextID++
	m.captures[c.ID] = *c
	return nil
}

func (m *mockStore) FindActiveCapture(_ context.Context, sourceID int64) (store.Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.captures {
		if c.SourceID == sourceID && c.Status == store.StatusActive {
			return c, nil
		}
	}
	return store.Capture{}, store.ErrNotFound
}

func (m *mockStore) FinishCapture(_ context.Context, id int64, upd store.FinishUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.captures[id]
	if !ok || c.Status != store.StatusActive {
		return store.ErrNotFound
	}
	c.Status = upd.Status
	c.EndedAt = nullTime(upd.EndedAt)
	c.DurationSecs = upd.DurationSecs
	c.SizeBytes = upd.SizeBytes
	if upd.ErrMsg != "" {
		c.ErrMsg = nullString(upd.ErrMsg)
	}
	m.captures[id] = c
	return nil
}

func (m *mockStore) ListCaptures(context.Context, string, int64, int) ([]store.Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Capture, 0, len(m.captures))
	for _, c := range m.captures {
		out = append(out, c)
	}
	return out, nil
}

func (m *mockStore) AppendLog(_ context.Context, e store.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, e)
	return nil
}

func (m *mockStore) GetLogs(context.Context, int64, int) ([]store.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.LogEntry(nil), m.logs...), nil
}

func (m *mockStore) Stats(context.Context) (store.Stats, error) { return store.Stats{}, nil }

func (m *mockStore) capture(t *testing.T, id int64) store.Capture {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.captures[id]
	if !ok {
		t.Fatalf("capture %d not found", id)
	}
	return c
}

func (m *mockStore) hasLogContaining(substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.logs {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

// recordingSink captures published lifecycle events.
type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Send(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func liveProber() *probe.Prober {
	return probe.NewWithRunner("https://example.test/%s", time.Second, nil,
		func(context.Context, string, string) ([]byte, error) {
			return []byte(`{"type":"live","metadata":{"title":"Test Stream","category":"Testing"}}`), nil
		})
}

// newTestSupervisor builds a supervisor whose capture command runs script
// under /bin/sh with OUT set to the output path.
func newTestSupervisor(t *testing.T, st store.Store, limits diskgate.Limits, script string) *Supervisor {
	t.Helper()
	return newTestSupervisorWith(t, st, liveProber(), limits, script)
}

func newTestSupervisorWith(t *testing.T, st store.Store, p *probe.Prober, limits diskgate.Limits, script string) *Supervisor {
	t.Helper()
	dir := t.TempDir()
	sup := New(st, p, diskgate.New(dir, limits), logger.Config{}, nil, Options{
		Binary:      "/bin/sh",
		URLTemplate: "https://example.test/%s",
		OutputDir:   dir,
		StopGrace:   200 * time.Millisecond,
	})
	sup.SetCommandFunc(func(outputPath, url, quality string) *exec.Cmd {
		cmd := exec.Command("/bin/sh", "-c", script)
		cmd.Env = append(os.Environ(), "OUT="+outputPath)
		return cmd
	})
	return sup
}

func addMockSource(t *testing.T, st *mockStore, name string) store.Source {
	t.Helper()
	src := store.Source{Name: name, Monitored: true, AutoCapture: true, Quality: "best", Active: true}
	if err := st.CreateSource(context.Background(), &src); err != nil {
		t.Fatal(err)
	}
	return src
}

// waitStatus polls until the capture leaves active or the deadline passes.
func waitStatus(t *testing.T, st *mockStore, id int64, want string) store.Capture {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c := st.capture(t, id)
		if c.Status != store.StatusActive {
			if c.Status != want {
				t.Fatalf("capture %d ended as %s, want %s (err=%q)", id, c.Status, want, c.ErrMsg.String)
			}
			return c
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("capture %d never left active", id)
	return store.Capture{}
}

func TestStartUnknownSource(t *testing.T) {
	st := newMockStore()
	sup := newTestSupervisor(t, st, diskgate.Limits{}, "exit 0")
	if _, err := sup.Start(context.Background(), 42); !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("expected ErrSourceNotFound, got %v", err)
	}
}

func TestStartAndComplete(t *testing.T) {
	st := newMockStore()
	sink := &recordingSink{}
	sup := newTestSupervisor(t, st, diskgate.Limits{}, `printf data > "$OUT"; echo recording; exit 0`)
	sup.SetEventSinks(sink)
	src := addMockSource(t, st, "alice")

	id, err := sup.Start(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	c := waitStatus(t, st, id, store.StatusCompleted)
	if c.SizeBytes != 4 {
		t.Fatalf("size not measured: %d", c.SizeBytes)
	}
	if c.Title.String != "Test Stream" || c.Category.String != "Testing" {
		t.Fatalf("probe metadata missing: %+v", c)
	}
	if !st.hasLogContaining("Started capture") {
		t.Fatal("start log entry missing")
	}
	if !st.hasLogContaining("recording") {
		t.Fatal("process output not forwarded to log trail")
	}

	// finalize removed the handle
	deadline := time.Now().Add(time.Second)
	for sup.IsCapturing(src.ID) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sup.IsCapturing(src.ID) {
		t.Fatal("handle not removed after exit")
	}

	got := sink.types()
	if len(got) != 2 || got[0] != events.CaptureStarted || got[1] != events.CaptureEnded {
		t.Fatalf("unexpected event sequence: %v", got)
	}
}

func TestStartWhileCapturing(t *testing.T) {
	st := newMockStore()
	sup := newTestSupervisor(t, st, diskgate.Limits{}, `printf data > "$OUT"; sleep 30`)
	src := addMockSource(t, st, "alice")

	if _, err := sup.Start(context.Background(), src.ID); err != nil {
		t.Fatalf("first start: %v", err)
	}
	defer sup.Stop(src.ID)

	if _, err := sup.Start(context.Background(), src.ID); !errors.Is(err, ErrAlreadyCapturing) {
		t.Fatalf("expected ErrAlreadyCapturing, got %v", err)
	}
	if sup.ActiveCount() != 1 {
		t.Fatalf("expected one active capture, got %d", sup.ActiveCount())
	}
}

func TestStopMarksStopped(t *testing.T) {
	st := newMockStore()
	sup := newTestSupervisor(t, st, diskgate.Limits{},
		`printf data > "$OUT"; trap 'exit 1' TERM; while :; do sleep 0.05; done`)
	src := addMockSource(t, st, "alice")

	id, err := sup.Start(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	begun := time.Now()
	if !sup.Stop(src.ID) {
		t.Fatal("Stop must report an active capture")
	}
	if time.Since(begun) > time.Second {
		t.Fatal("Stop must return without waiting for the process")
	}

	waitStatus(t, st, id, store.StatusStopped)
	if sup.Stop(src.ID) {
		t.Fatal("second Stop must find nothing")
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	st := newMockStore()
	// ignores SIGTERM, only SIGKILL ends it
	sup := newTestSupervisor(t, st, diskgate.Limits{},
		`printf data > "$OUT"; trap '' TERM; while :; do sleep 0.05; done`)
	src := addMockSource(t, st, "alice")

	id, err := sup.Start(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if !sup.Stop(src.ID) {
		t.Fatal("Stop must report an active capture")
	}
	waitStatus(t, st, id, store.StatusStopped)
}

func TestRuntimeFaultWithoutOutputIsError(t *testing.T) {
	st := newMockStore()
	sup := newTestSupervisor(t, st, diskgate.Limits{}, "exit 3")
	src := addMockSource(t, st, "alice")

	id, err := sup.Start(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	c := waitStatus(t, st, id, store.StatusError)
	if c.ErrMsg.String == "" {
		t.Fatal("error captures must carry a message")
	}
}

func TestDiskGateDenial(t *testing.T) {
	st := newMockStore()
	sup := newTestSupervisor(t, st, diskgate.Limits{MaxTotalMB: 1}, "exit 0")
	src := addMockSource(t, st, "alice")

	// fill the output directory past the cap
	if err := os.WriteFile(filepath.Join(sup.opts.OutputDir, "old.ts"), make([]byte, 2<<20), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := sup.Start(context.Background(), src.ID)
	var ire *InsufficientResourcesError
	if !errors.As(err, &ire) {
		t.Fatalf("expected InsufficientResourcesError, got %v", err)
	}
	st.mu.Lock()
	n := len(st.captures)
	st.mu.Unlock()
	if n != 0 {
		t.Fatal("denied start must not create a capture record")
	}
	if !st.hasLogContaining("Capture denied") {
		t.Fatal("denial must be logged")
	}
}

func TestShutdownPersistsThenKills(t *testing.T) {
	st := newMockStore()
	sink := &recordingSink{}
	sup := newTestSupervisor(t, st, diskgate.Limits{},
		`printf data > "$OUT"; trap '' TERM; while :; do sleep 0.05; done`)
	sup.SetEventSinks(sink)
	a := addMockSource(t, st, "alice")
	b := addMockSource(t, st, "bob")

	ida, err := sup.Start(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	idb, err := sup.Start(context.Background(), b.ID)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := sup.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	for _, id := range []int64{ida, idb} {
		c := st.capture(t, id)
		if c.Status != store.StatusStopped {
			t.Fatalf("capture %d left as %s after shutdown", id, c.Status)
		}
		if !c.EndedAt.Valid {
			t.Fatalf("capture %d has no end time", id)
		}
	}
	if sup.ActiveCount() != 0 {
		t.Fatal("handles survived shutdown")
	}

	// sinks that saw the starts must also see the shutdown stops
	var endedEvents int
	for _, typ := range sink.types() {
		if typ == events.CaptureEnded {
			endedEvents++
		}
	}
	if endedEvents != 2 {
		t.Fatalf("expected an end event per capture, got %d", endedEvents)
	}

	if _, err := sup.Start(context.Background(), a.ID); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}

	// second shutdown is a no-op
	if err := sup.Shutdown(context.Background()); err != nil {
		t.Fatalf("repeat shutdown: %v", err)
	}
}

func TestStartBlockedInProbeLosesToShutdown(t *testing.T) {
	st := newMockStore()
	entered := make(chan struct{})
	release := make(chan struct{})
	p := probe.NewWithRunner("https://example.test/%s", 10*time.Second, nil,
		func(ctx context.Context, _, _ string) ([]byte, error) {
			close(entered)
			<-release
			return []byte(`{"type":"live"}`), nil
		})
	sup := newTestSupervisorWith(t, st, p, diskgate.Limits{}, `printf data > "$OUT"; sleep 30`)
	src := addMockSource(t, st, "alice")

	errc := make(chan error, 1)
	go func() {
		_, err := sup.Start(context.Background(), src.ID)
		errc <- err
	}()
	<-entered
	if err := sup.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	close(release)

	if err := <-errc; !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
	if sup.ActiveCount() != 0 {
		t.Fatalf("active count after shutdown: %d", sup.ActiveCount())
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.captures) != 0 {
		t.Fatalf("losing start must not create a record, got %d", len(st.captures))
	}
}

func TestStartBlockedInStoreLosesToShutdown(t *testing.T) {
	st := newMockStore()
	entered := make(chan struct{})
	release := make(chan struct{})
	st.createCaptureHook = func() {
		close(entered)
		<-release
	}
	sup := newTestSupervisor(t, st, diskgate.Limits{}, `printf data > "$OUT"; sleep 30`)
	src := addMockSource(t, st, "alice")

	errc := make(chan error, 1)
	go func() {
		_, err := sup.Start(context.Background(), src.ID)
		errc <- err
	}()
	<-entered
	if err := sup.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	close(release)

	if err := <-errc; !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
	if sup.ActiveCount() != 0 {
		t.Fatalf("active count after shutdown: %d", sup.ActiveCount())
	}
	// the record created mid-race must not be left active
	st.mu.Lock()
	defer st.mu.Unlock()
	for id, c := range st.captures {
		if c.Status != store.StatusStopped || !c.EndedAt.Valid {
			t.Fatalf("capture %d left as %s after shutdown", id, c.Status)
		}
	}
}

func TestConcurrentStartsSingleWinner(t *testing.T) {
	st := newMockStore()
	sup := newTestSupervisor(t, st, diskgate.Limits{}, `printf data > "$OUT"; sleep 30`)
	src := addMockSource(t, st, "alice")

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = sup.Start(context.Background(), src.ID)
		}(i)
	}
	wg.Wait()
	defer sup.Stop(src.ID)

	won := 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrAlreadyCapturing):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}
}

func TestCaptureFilename(t *testing.T) {
	ts := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	name := captureFilename("alice", ts)
	if !strings.Contains(name, "alice_20260314_150926_") {
		t.Fatalf("unexpected filename %q", name)
	}
	if name == captureFilename("alice", ts) {
		t.Fatal("filenames for the same second must differ")
	}
	if filepath.Ext(name) != ".ts" {
		t.Fatalf("unexpected extension in %q", name)
	}
}

func TestExitCode(t *testing.T) {
	if exitCode(nil) != 0 {
		t.Fatal("nil error is exit 0")
	}
	if exitCode(fmt.Errorf("bang")) != -1 {
		t.Fatal("non-exit errors map to -1")
	}
}
