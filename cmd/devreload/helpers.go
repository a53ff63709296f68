package main

// Thin wrappers so main.go stays readable. Real logic lives in internal/.

import (
	"log"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/eshe-huli/devreload/internal/build"
	"github.com/eshe-huli/devreload/internal/client"
	"github.com/eshe-huli/devreload/internal/config"
	"github.com/eshe-huli/devreload/internal/console"
	"github.com/eshe-huli/devreload/internal/reload"
	"github.com/eshe-huli/devreload/internal/store"
	"github.com/eshe-huli/devreload/internal/watcher"
)

const (
	metaLastStart = "last_start"
	historyMaxAge = 30 * 24 * time.Hour
)

// serveFlags override the config file for serve.
type serveFlags struct {
	port      int
	cooldown  time.Duration
	noHistory bool
}

func (f *serveFlags) bind(fs *pflag.FlagSet) {
	fs.IntVarP(&f.port, "port", "p", 0, "listen port (default from config, 3765)")
	fs.DurationVar(&f.cooldown, "cooldown", 0, "ignore changes for this long after a build (default from config, 1s)")
	fs.BoolVar(&f.noHistory, "no-history", false, "do not record builds")
}

func (f *serveFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	if fs.Changed("port") {
		cfg.Port = f.port
	}
	if fs.Changed("cooldown") {
		cfg.Cooldown = config.Duration(f.cooldown)
	}
	if f.noHistory {
		cfg.History = ""
	}
}

// loadConfig reads --config. The default file may be absent; an explicitly
// named one must exist.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(cfgFile, cmd.Flags().Changed("config"))
}

func newPrinter() *console.Printer {
	return console.Stdout(!noColor)
}

func newRunner(cfg *config.Config) *build.Runner {
	return build.NewRunner(cfg.Dir)
}

func newClient(url string) (*client.Client, error) {
	return client.New(url)
}

func openHistory(cfg *config.Config) (*store.Store, error) {
	return store.Open(cfg.Path(cfg.History))
}

// markStarted notes the server start and trims old builds. Failures only
// cost history, so they are logged.
func markStarted(st *store.Store) {
	if err := st.SetMeta(metaLastStart, time.Now().UTC().Format(time.RFC3339)); err != nil {
		log.Printf("[history] record start: %v", err)
	}
	if n, err := st.PurgeOld(historyMaxAge); err != nil {
		log.Printf("[history] purge: %v", err)
	} else if n > 0 {
		log.Printf("[history] purged %d old builds", n)
	}
}

func sourcesFromConfig(cfg *config.Config) []reload.Source {
	sources := make([]reload.Source, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sources = append(sources, reload.Source{
			Name:    s.Name,
			Roots:   cfg.Paths(s.Roots),
			Command: s.Command,
			Event:   s.Event,
			Outputs: cfg.Paths(s.Outputs),
		})
	}
	return sources
}

// testSource builds the test watcher: one source over every test root,
// sharing a single gate, that never reloads the browser.
func testSource(cfg *config.Config) reload.Source {
	return reload.Source{
		Name:    "tests",
		Roots:   cfg.Paths(cfg.Test.Roots),
		Command: cfg.Test.Command,
	}
}

func ignorePatterns(cfg *config.Config) []string {
	patterns := append([]string(nil), watcher.DefaultIgnore...)
	return append(patterns, cfg.Ignore...)
}

func formatMillis(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return humanize.SIWithDigits(d.Seconds(), 1, "s")
}

func shortHash(h string) string {
	if h == "" {
		return "-"
	}
	return h[:min(8, len(h))]
}

func indent(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "    " + l
	}
	return strings.Join(lines, "\n")
}
