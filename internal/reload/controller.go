// Package reload runs the watch, compile and notify loop: a change under a
// source's roots starts a build unless one is already running or cooling
// down, and a successful build pushes the source's reload event to every
// connected browser.
package reload

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/eshe-huli/devreload/internal/build"
	"github.com/eshe-huli/devreload/internal/console"
	"github.com/eshe-huli/devreload/internal/digest"
	"github.com/eshe-huli/devreload/internal/store"
	"github.com/eshe-huli/devreload/internal/watcher"
)

// DefaultCooldown is how long a source ignores changes after a build returns.
const DefaultCooldown = time.Second

// Source is a group of files under one or more roots, built by one command.
// Event is broadcast after a successful build; an empty Event only builds.
// Outputs are the files or directories the command writes; their contents
// are fingerprinted into the build history.
type Source struct {
	Name    string
	Roots   []string
	Command string
	Event   string
	Outputs []string
}

// Compiler runs a build command to completion.
type Compiler interface {
	Run(command string) build.Result
}

// Broadcaster pushes a named event to every connected client.
type Broadcaster interface {
	Broadcast(event string, payload any) int
}

// Recorder keeps a history of builds.
type Recorder interface {
	RecordBuild(b store.Build) error
}

// Notice is the payload sent along with a reload event.
type Notice struct {
	Source     string `json:"source"`
	Path       string `json:"path,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type slot struct {
	source Source
	gate   *Gate
}

// Controller owns the compile state of every source. It is created once at
// startup and lives for the process.
type Controller struct {
	slots    map[string]*slot
	order    []string
	compiler Compiler
	hub      Broadcaster
	out      *console.Printer
	recorder Recorder
	ignore   []string
	cooldown time.Duration
}

// Option configures a Controller.
type Option func(*Controller)

// WithCooldown overrides DefaultCooldown.
func WithCooldown(d time.Duration) Option {
	return func(c *Controller) { c.cooldown = d }
}

// WithRecorder stores every build in r.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithIgnore sets the glob patterns excluded from watching.
func WithIgnore(patterns []string) Option {
	return func(c *Controller) { c.ignore = patterns }
}

// New creates a Controller for sources. Source names must be unique and
// every source needs a command.
func New(sources []Source, compiler Compiler, hub Broadcaster, out *console.Printer, opts ...Option) (*Controller, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources configured")
	}
	if out == nil {
		out = console.Discard()
	}

	c := &Controller{
		slots:    make(map[string]*slot, len(sources)),
		compiler: compiler,
		hub:      hub,
		out:      out,
		ignore:   watcher.DefaultIgnore,
		cooldown: DefaultCooldown,
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, src := range sources {
		if src.Name == "" {
			return nil, fmt.Errorf("source without a name")
		}
		if _, dup := c.slots[src.Name]; dup {
			return nil, fmt.Errorf("duplicate source %q", src.Name)
		}
		if strings.TrimSpace(src.Command) == "" {
			return nil, fmt.Errorf("source %q has no build command", src.Name)
		}
		src.Roots = append([]string(nil), src.Roots...)
		src.Outputs = append([]string(nil), src.Outputs...)
		c.slots[src.Name] = &slot{source: src, gate: NewGate(c.cooldown)}
		c.order = append(c.order, src.Name)
	}
	return c, nil
}

// Sources returns the configured sources in order.
func (c *Controller) Sources() []Source {
	out := make([]Source, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.slots[name].source)
	}
	return out
}

// Busy reports whether the named source is compiling or cooling down.
func (c *Controller) Busy(name string) bool {
	s, ok := c.slots[name]
	return ok && s.gate.Busy()
}

// HandleChange reacts to a change under the named source. It returns false
// when the change is dropped because a build is running or cooling down.
// Otherwise it runs the build on the calling goroutine and returns true
// once the build has finished; the source re-arms after the cooldown.
func (c *Controller) HandleChange(name string, ev watcher.Event) bool {
	s, ok := c.slots[name]
	if !ok {
		log.Printf("[reload] change for unknown source %q", name)
		return false
	}
	if !s.gate.TryAcquire() {
		c.dropped(name, ev, s.gate)
		return false
	}
	defer s.gate.Release()

	c.out.Blank()
	c.out.Info("Detected a %s event on %s (%s). Compiling...", ev.Kind(), ev.Rel(), name)

	started := time.Now()
	res := c.compile(s.source.Command)
	c.report(s.source, ev, res)
	c.record(s.source, ev, res, started)
	return true
}

func (c *Controller) dropped(name string, ev watcher.Event, g *Gate) {
	if until := g.CoolingUntil(); !until.IsZero() {
		log.Printf("[reload] %s: ignored %s of %s, cooling down for %s", name, ev.Kind(), ev.Rel(), time.Until(until).Round(time.Millisecond))
		return
	}
	log.Printf("[reload] %s: ignored %s of %s, build in progress", name, ev.Kind(), ev.Rel())
}

// compile runs the build and turns a panicking compiler into a failed result.
func (c *Controller) compile(command string) (res build.Result) {
	defer func() {
		if p := recover(); p != nil {
			res = build.Result{ExitCode: -1, Err: fmt.Errorf("build panicked: %v", p)}
		}
	}()
	return c.compiler.Run(command)
}

func (c *Controller) report(src Source, ev watcher.Event, res build.Result) {
	took := formatDuration(res.Duration)

	if !res.Success {
		c.out.Error("%s build failed after %s (exit %d):\n%s", src.Name, took, res.ExitCode, res.Diagnostic())
		return
	}

	if text := strings.TrimSpace(res.Output); text != "" {
		c.out.Info("%s", text)
	}

	if src.Event == "" {
		c.out.Success("%s finished in %s.", src.Name, took)
		return
	}

	c.out.Success("%s compilation was complete in %s. Sending %s...", src.Name, took, src.Event)
	if c.hub == nil {
		return
	}
	n := c.hub.Broadcast(src.Event, Notice{
		Source:     src.Name,
		Path:       ev.Rel(),
		DurationMS: res.Duration.Milliseconds(),
	})
	if n == 0 {
		c.out.Warn("No browser connected.")
	}
}

func (c *Controller) record(src Source, ev watcher.Event, res build.Result, started time.Time) {
	if c.recorder == nil {
		return
	}
	b := store.Build{
		Source:     src.Name,
		Path:       ev.Rel(),
		Op:         ev.Kind(),
		Success:    res.Success,
		ExitCode:   res.ExitCode,
		Output:     res.Diagnostic(),
		OutputHash: digest.SumString(res.Output),
		StartedAt:  started,
		Duration:   res.Duration,
	}
	if res.Success && len(src.Outputs) > 0 {
		sum, err := digest.SumTree(src.Outputs...)
		if err != nil {
			log.Printf("[history] fingerprint %s outputs: %v", src.Name, err)
		}
		b.ArtifactHash = sum
	}
	if err := c.recorder.RecordBuild(b); err != nil {
		log.Printf("[history] record %s build: %v", src.Name, err)
	}
}

// Watch starts one watcher per source and blocks until ctx is done. A root
// that cannot be watched is returned as an error before anything runs.
func (c *Controller) Watch(ctx context.Context) error {
	watchers := make([]*watcher.Watcher, 0, len(c.order))
	defer func() {
		for _, w := range watchers {
			_ = w.Close()
		}
	}()

	for _, name := range c.order {
		src := c.slots[name].source
		w, err := watcher.New(src.Roots, c.ignore)
		if err != nil {
			return fmt.Errorf("source %s: %w", name, err)
		}
		watchers = append(watchers, w)
		for _, root := range w.Roots() {
			log.Printf("[watcher] watching %s for %s", root, name)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, name := range c.order {
		w := watchers[i]
		g.Go(func() error {
			return w.Run(ctx, func(ev watcher.Event) {
				c.HandleChange(name, ev)
			})
		})
	}
	return g.Wait()
}

// Stop cancels pending cooldowns. The controller accepts no further builds.
func (c *Controller) Stop() {
	for _, s := range c.slots {
		s.gate.Stop()
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0 s"
	}
	return humanize.SIWithDigits(d.Seconds(), 1, "s")
}
