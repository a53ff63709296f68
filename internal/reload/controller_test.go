package reload

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/eshe-huli/devreload/internal/build"
	"github.com/eshe-huli/devreload/internal/console"
	"github.com/eshe-huli/devreload/internal/hub"
	"github.com/eshe-huli/devreload/internal/store"
	"github.com/eshe-huli/devreload/internal/watcher"
)

const testCooldown = 30 * time.Millisecond

type fakeCompiler struct {
	mu      sync.Mutex
	calls   map[string]int
	results map[string]build.Result
	delay   time.Duration
	started chan string
	panics  bool
}

func newFakeCompiler() *fakeCompiler {
	return &fakeCompiler{
		calls:   make(map[string]int),
		results: make(map[string]build.Result),
	}
}

func (f *fakeCompiler) Run(command string) build.Result {
	f.mu.Lock()
	f.calls[command]++
	res, ok := f.results[command]
	f.mu.Unlock()

	if f.started != nil {
		f.started <- command
	}
	if f.panics {
		panic("compiler crashed")
	}
	time.Sleep(f.delay)
	if !ok {
		res = build.Result{Success: true}
	}
	return res
}

func (f *fakeCompiler) count(command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[command]
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingBroadcaster) Broadcast(event string, payload any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return 1
}

func (r *recordingBroadcaster) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type memoryRecorder struct {
	mu     sync.Mutex
	builds []store.Build
	err    error
}

func (m *memoryRecorder) RecordBuild(b store.Build) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builds = append(m.builds, b)
	return m.err
}

var testSources = []Source{
	{Name: "app", Roots: []string{"src"}, Command: "npm run elm-make", Event: hub.EventReloadBrowser},
	{Name: "styles", Roots: []string{"public/scss"}, Command: "npm run compile-sass", Event: hub.EventReloadCSS},
}

func newTestController(t *testing.T, fc *fakeCompiler, b Broadcaster, out *console.Printer, opts ...Option) *Controller {
	t.Helper()
	opts = append([]Option{WithCooldown(testCooldown)}, opts...)
	c, err := New(testSources, fc, b, out, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Stop)
	return c
}

func change(path string) watcher.Event {
	return watcher.Event{Op: fsnotify.Write, Path: path}
}

func waitIdle(t *testing.T, c *Controller, name string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.Busy(name) {
		if time.Now().After(deadline) {
			t.Fatalf("%s never re-armed", name)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestNewValidatesSources(t *testing.T) {
	fc := newFakeCompiler()
	cases := map[string][]Source{
		"empty":     nil,
		"no name":   {{Command: "make"}},
		"duplicate": {{Name: "a", Command: "make"}, {Name: "a", Command: "make"}},
		"no cmd":    {{Name: "a", Command: "  "}},
	}
	for name, sources := range cases {
		if _, err := New(sources, fc, nil, nil); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestSuccessfulBuildBroadcastsOwnEvent(t *testing.T) {
	fc := newFakeCompiler()
	rb := &recordingBroadcaster{}
	c := newTestController(t, fc, rb, console.Discard())

	if !c.HandleChange("app", change("src/Main.elm")) {
		t.Fatal("first change should be accepted")
	}
	waitIdle(t, c, "app")
	if !c.HandleChange("styles", change("public/scss/main.scss")) {
		t.Fatal("stylesheet change should be accepted")
	}

	got := rb.sent()
	want := []string{hub.EventReloadBrowser, hub.EventReloadCSS}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestOneBroadcastPerAcceptedChange(t *testing.T) {
	fc := newFakeCompiler()
	rb := &recordingBroadcaster{}
	c := newTestController(t, fc, rb, console.Discard())

	accepted := 0
	for i := 0; i < 3; i++ {
		if c.HandleChange("app", change("src/Main.elm")) {
			accepted++
		}
		waitIdle(t, c, "app")
	}

	if accepted != 3 {
		t.Fatalf("accepted = %d, want 3", accepted)
	}
	if n := len(rb.sent()); n != accepted {
		t.Fatalf("broadcasts = %d, want %d", n, accepted)
	}
}

func TestBurstDuringCompileIsDropped(t *testing.T) {
	fc := newFakeCompiler()
	fc.delay = 200 * time.Millisecond
	fc.started = make(chan string, 16)
	rb := &recordingBroadcaster{}
	c := newTestController(t, fc, rb, console.Discard(), WithCooldown(200*time.Millisecond))

	done := make(chan bool)
	go func() { done <- c.HandleChange("app", change("src/Main.elm")) }()
	<-fc.started

	var dropped atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.HandleChange("app", change("src/Main.elm")) {
				dropped.Add(1)
			}
		}()
	}
	wg.Wait()
	if !<-done {
		t.Fatal("first change should be accepted")
	}
	if dropped.Load() != 20 {
		t.Fatalf("dropped = %d, want 20", dropped.Load())
	}

	// Still cooling down: dropped, not queued.
	if c.HandleChange("app", change("src/Main.elm")) {
		t.Fatal("change during cooldown must be dropped")
	}
	waitIdle(t, c, "app")
	if fc.count("npm run elm-make") != 1 {
		t.Fatalf("compiles = %d, want 1", fc.count("npm run elm-make"))
	}

	if !c.HandleChange("app", change("src/Main.elm")) {
		t.Fatal("change after cooldown should be accepted")
	}
	if fc.count("npm run elm-make") != 2 {
		t.Fatalf("compiles = %d, want 2", fc.count("npm run elm-make"))
	}
}

func TestFailingBuildNeverBroadcastsAndReArms(t *testing.T) {
	fc := newFakeCompiler()
	fc.results["npm run compile-sass"] = build.Result{
		ExitCode: 1,
		Output:   "syntax error line 4",
		Err:      errors.New("exit status 1"),
	}
	rb := &recordingBroadcaster{}
	var buf bytes.Buffer
	c := newTestController(t, fc, rb, console.New(&buf, false))

	if !c.HandleChange("styles", change("public/scss/main.scss")) {
		t.Fatal("change should be accepted")
	}
	if len(rb.sent()) != 0 {
		t.Fatalf("failed build broadcast %v", rb.sent())
	}
	if !strings.Contains(buf.String(), "syntax error line 4") {
		t.Fatalf("diagnostic not logged:\n%s", buf.String())
	}

	waitIdle(t, c, "styles")
	if !c.HandleChange("styles", change("public/scss/main.scss")) {
		t.Fatal("gate should re-arm after a failed build")
	}
	if fc.count("npm run compile-sass") != 2 {
		t.Fatalf("compiles = %d, want 2", fc.count("npm run compile-sass"))
	}
	if len(rb.sent()) != 0 {
		t.Fatalf("failed build broadcast %v", rb.sent())
	}
}

func TestPanickingCompilerIsContained(t *testing.T) {
	fc := newFakeCompiler()
	fc.panics = true
	rb := &recordingBroadcaster{}
	var buf bytes.Buffer
	c := newTestController(t, fc, rb, console.New(&buf, false))

	if !c.HandleChange("app", change("src/Main.elm")) {
		t.Fatal("change should be accepted")
	}
	if len(rb.sent()) != 0 {
		t.Fatal("panicking build must not broadcast")
	}
	if !strings.Contains(buf.String(), "build panicked") {
		t.Fatalf("panic not reported:\n%s", buf.String())
	}
	waitIdle(t, c, "app")
}

func TestSourcesAreIndependent(t *testing.T) {
	fc := newFakeCompiler()
	fc.delay = 50 * time.Millisecond
	fc.started = make(chan string, 4)
	rb := &recordingBroadcaster{}
	c := newTestController(t, fc, rb, console.Discard())

	done := make(chan struct{})
	go func() {
		c.HandleChange("app", change("src/Main.elm"))
		close(done)
	}()
	<-fc.started

	if !c.HandleChange("styles", change("public/scss/main.scss")) {
		t.Fatal("a busy app build must not block stylesheet builds")
	}
	<-done
}

func TestRunOnlySourceDoesNotBroadcast(t *testing.T) {
	fc := newFakeCompiler()
	fc.results["npm test"] = build.Result{Success: true, Output: "All tests passed"}
	rb := &recordingBroadcaster{}
	var buf bytes.Buffer
	c, err := New([]Source{{Name: "tests", Roots: []string{"tests"}, Command: "npm test"}}, fc, rb, console.New(&buf, false))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	c.HandleChange("tests", change("tests/Spec.elm"))
	if len(rb.sent()) != 0 {
		t.Fatalf("run-only source broadcast %v", rb.sent())
	}
	if !strings.Contains(buf.String(), "All tests passed") {
		t.Fatalf("output not printed:\n%s", buf.String())
	}
}

func TestUnknownSourceIsIgnored(t *testing.T) {
	c := newTestController(t, newFakeCompiler(), &recordingBroadcaster{}, console.Discard())
	if c.HandleChange("docs", change("docs/a.md")) {
		t.Fatal("unknown source should be ignored")
	}
}

func TestBuildsAreRecorded(t *testing.T) {
	fc := newFakeCompiler()
	fc.results["npm run elm-make"] = build.Result{Success: true, Output: "OK", Duration: time.Second}
	rec := &memoryRecorder{err: errors.New("disk full")}
	c := newTestController(t, fc, &recordingBroadcaster{}, console.Discard(), WithRecorder(rec))

	if !c.HandleChange("app", watcher.Event{Op: fsnotify.Create, Path: "/p/src/Main.elm", Root: "/p/src"}) {
		t.Fatal("change should be accepted")
	}

	if len(rec.builds) != 1 {
		t.Fatalf("recorded %d builds, want 1", len(rec.builds))
	}
	b := rec.builds[0]
	if b.Source != "app" || b.Path != "Main.elm" || b.Op != "create" || !b.Success || b.Output != "OK" {
		t.Fatalf("unexpected record %+v", b)
	}
	if len(b.OutputHash) != 64 {
		t.Fatalf("output hash = %q", b.OutputHash)
	}
}

func TestArtifactsAreFingerprinted(t *testing.T) {
	outDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(outDir, "main.js"), []byte("Elm.Main.init()"), 0644); err != nil {
		t.Fatal(err)
	}

	fc := newFakeCompiler()
	fc.results["npm run compile-sass"] = build.Result{ExitCode: 1, Output: "syntax error line 4"}
	rec := &memoryRecorder{}
	sources := []Source{
		{Name: "app", Roots: []string{"src"}, Command: "npm run elm-make", Event: hub.EventReloadBrowser, Outputs: []string{outDir}},
		{Name: "styles", Roots: []string{"public/scss"}, Command: "npm run compile-sass", Event: hub.EventReloadCSS, Outputs: []string{outDir}},
	}
	c, err := New(sources, fc, &recordingBroadcaster{}, console.Discard(), WithCooldown(0), WithRecorder(rec))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	c.HandleChange("app", change("src/Main.elm"))
	c.HandleChange("styles", change("public/scss/main.scss"))
	if err := os.WriteFile(filepath.Join(outDir, "main.js"), []byte("Elm.Main.init({})"), 0644); err != nil {
		t.Fatal(err)
	}
	c.HandleChange("app", change("src/Main.elm"))

	if len(rec.builds) != 3 {
		t.Fatalf("recorded %d builds, want 3", len(rec.builds))
	}
	first, failed, second := rec.builds[0], rec.builds[1], rec.builds[2]
	if len(first.ArtifactHash) != 64 {
		t.Fatalf("artifact hash = %q", first.ArtifactHash)
	}
	if failed.ArtifactHash != "" {
		t.Fatalf("failed build fingerprinted outputs: %q", failed.ArtifactHash)
	}
	if second.ArtifactHash == first.ArtifactHash {
		t.Fatal("rebuilt output kept the same fingerprint")
	}
}

func TestDroppedChangeIsLogged(t *testing.T) {
	var logs bytes.Buffer
	log.SetOutput(&logs)
	defer log.SetOutput(os.Stderr)

	fc := newFakeCompiler()
	c := newTestController(t, fc, &recordingBroadcaster{}, console.Discard(), WithCooldown(time.Hour))

	c.HandleChange("app", change("src/Main.elm"))
	if c.HandleChange("app", change("src/Page.elm")) {
		t.Fatal("change during cooldown should be dropped")
	}
	if !strings.Contains(logs.String(), "app: ignored change of src/Page.elm, cooling down for") {
		t.Fatalf("drop not logged:\n%s", logs.String())
	}
}

func TestWatchRejectsMissingRoot(t *testing.T) {
	fc := newFakeCompiler()
	c, err := New([]Source{{Name: "app", Roots: []string{filepath.Join(t.TempDir(), "missing")}, Command: "make"}}, fc, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Watch(context.Background()); err == nil {
		t.Fatal("expected startup error for missing root")
	}
}

func TestWatchCompilesOnFileChange(t *testing.T) {
	src := t.TempDir()
	scss := t.TempDir()
	fc := newFakeCompiler()
	fc.started = make(chan string, 16)
	rb := &recordingBroadcaster{}

	c, err := New([]Source{
		{Name: "app", Roots: []string{src}, Command: "elm", Event: hub.EventReloadBrowser},
		{Name: "styles", Roots: []string{scss}, Command: "sass", Event: hub.EventReloadCSS},
	}, fc, rb, console.Discard(), WithCooldown(testCooldown))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watchers time to start.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(scss, "main.scss"), []byte("body{}"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cmd := <-fc.started:
		if cmd != "sass" {
			t.Fatalf("started %q, want sass", cmd)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no build started")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(rb.sent()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no broadcast")
		}
		time.Sleep(5 * time.Millisecond)
	}
	for _, ev := range rb.sent() {
		if ev != hub.EventReloadCSS {
			t.Fatalf("stylesheet change sent %q", ev)
		}
	}
}
