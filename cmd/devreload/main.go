package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eshe-huli/devreload/internal/config"
	"github.com/eshe-huli/devreload/internal/hub"
	"github.com/eshe-huli/devreload/internal/reload"
	"github.com/eshe-huli/devreload/internal/server"
)

var (
	version = "0.1.0"
	cfgFile string
	noColor bool
	serve   serveFlags
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "devreload",
		Short: "Rebuild on save and reload the browser",
		Long: `devreload watches your source and stylesheet trees, runs the matching
build command when something changes, serves the result and tells every
connected browser to reload the page or just its stylesheets.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultPath, "project config file")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable coloured output")
	serve.bind(rootCmd.Flags())

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(testCmd())
	rootCmd.AddCommand(listenCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(initCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "devreload:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Watch, build, serve and push reloads (default)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serve.bind(cmd.Flags())
	return cmd
}

func testCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Re-run the test command whenever tests or sources change",
		Args:  cobra.NoArgs,
		RunE:  runTest,
	}
	cmd.Flags().Duration("cooldown", 0, "ignore changes for this long after a run (default from config)")
	return cmd
}

func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen [url]",
		Short: "Print the events a running server pushes",
		Long:  "Connects to the reload channel of a running devreload server (default: the configured port on localhost) and prints every event.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runListen,
	}
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent builds",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}
	cmd.Flags().IntP("limit", "n", 20, "number of builds to show")
	cmd.Flags().StringP("source", "s", "", "only show builds of this source")
	cmd.Flags().BoolP("verbose", "v", false, "print the captured output of failed builds")
	return cmd
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE:  runInit,
	}
	cmd.Flags().BoolP("force", "f", false, "overwrite an existing file")
	return cmd
}

// ── Command Implementations ──────────────────────────────────────────

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	serve.apply(cmd.Flags(), cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	out := newPrinter()
	ln, err := server.Listen(fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return err
	}
	defer ln.Close()

	h := hub.New()
	srv, err := server.New(server.Options{
		Index:        cfg.Path(cfg.Index),
		StylesDir:    cfg.Path(cfg.StylesDir),
		ScriptsDir:   cfg.Path(cfg.ScriptsDir),
		InjectClient: cfg.InjectClient,
		Socket:       h,
	})
	if err != nil {
		return err
	}

	opts := []reload.Option{
		reload.WithCooldown(time.Duration(cfg.Cooldown)),
		reload.WithIgnore(ignorePatterns(cfg)),
	}
	if cfg.History != "" {
		st, err := openHistory(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		markStarted(st)
		opts = append(opts, reload.WithRecorder(st))
	}

	ctl, err := reload.New(sourcesFromConfig(cfg), newRunner(cfg), h, out, opts...)
	if err != nil {
		return err
	}
	defer ctl.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, src := range ctl.Sources() {
		event := src.Event
		if event == "" {
			event = "no reload"
		}
		out.Info("Watching %s for %s (%s → %s)", strings.Join(src.Roots, ", "), src.Name, src.Command, event)
	}
	out.Success("Listening on http://localhost:%d", cfg.Port)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctl.Watch(ctx) })
	g.Go(func() error { return srv.Serve(ctx, ln) })
	if err := g.Wait(); err != nil {
		return err
	}

	out.Blank()
	out.Info("Shutting down.")
	return nil
}

func runTest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("cooldown") {
		d, _ := cmd.Flags().GetDuration("cooldown")
		cfg.Cooldown = config.Duration(d)
	}
	if err := cfg.ValidateTest(); err != nil {
		return err
	}

	out := newPrinter()
	ctl, err := reload.New(
		[]reload.Source{testSource(cfg)},
		newRunner(cfg),
		nil,
		out,
		reload.WithCooldown(time.Duration(cfg.Cooldown)),
		reload.WithIgnore(ignorePatterns(cfg)),
	)
	if err != nil {
		return err
	}
	defer ctl.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out.Info("Tests watch initialised and waiting for changes...")
	return ctl.Watch(ctx)
}

func runListen(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("ws://localhost:%d%s", cfg.Port, server.SocketPath)
	if len(args) > 0 {
		url = args[0]
	}

	c, err := newClient(url)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer c.Close()

	out := newPrinter()
	c.OnAny(func(msg hub.Message) {
		stamp := time.Now().Format("15:04:05")
		switch msg.Event {
		case hub.EventReloadBrowser:
			out.Success("%s %s %s", stamp, msg.Event, msg.Payload)
		case hub.EventReloadCSS:
			out.Info("%s %s %s", stamp, msg.Event, msg.Payload)
		default:
			out.Warn("%s unexpected event %q", stamp, msg.Event)
		}
	})

	out.Info("Listening to %s (Ctrl+C to stop)", url)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	source, _ := cmd.Flags().GetString("source")
	verbose, _ := cmd.Flags().GetBool("verbose")
	if cfg.History == "" {
		return fmt.Errorf("build history is disabled in %s", cfgFile)
	}

	st, err := openHistory(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	builds, err := st.RecentBuilds(source, limit)
	if err != nil {
		return err
	}
	total, failed, err := st.BuildCount()
	if err != nil {
		return fmt.Errorf("count builds: %w", err)
	}

	out := newPrinter()
	if started, _ := st.GetMeta(metaLastStart); started != "" {
		if t, err := time.Parse(time.RFC3339, started); err == nil {
			out.Info("Server last started %s", humanize.Time(t))
		}
	}
	out.Info("%s builds recorded, %s failed", humanize.Comma(int64(total)), humanize.Comma(int64(failed)))
	if len(builds) == 0 {
		return nil
	}
	out.Blank()

	for _, b := range builds {
		line := fmt.Sprintf("%-14s %-8s %-20s %8s  %-8s %s",
			humanize.Time(b.StartedAt), b.Source, b.Op+" "+b.Path, formatMillis(b.Duration), shortHash(b.OutputHash), shortHash(b.ArtifactHash))
		if b.Success {
			out.Success("ok   %s", line)
			continue
		}
		out.Error("FAIL %s (exit %d)", line, b.ExitCode)
		if verbose && b.Output != "" {
			out.Info("%s", indent(b.Output))
		}
	}
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	if err := config.Write(cfgFile, config.Default(), force); err != nil {
		return err
	}
	newPrinter().Success("✓ Wrote %s", cfgFile)
	return nil
}
