// fcitx-session is an interactive fcitx5 input method client.
//
// It keeps one input context alive on the session bus, reconnecting
// whenever the service restarts, and drives it from stdin:
//
//	key <keyval> <keycode> [release]
//	focus in|out
//	reset
//	cursor <x> <y> <w> <h> [scale]
//	surrounding <cursor> <anchor> [text]
//	features a,b,c
//	select <index>
//	prev | next
//	reconnect | status | quit
//
// Every notification from the service is printed to stdout. SIGHUP rereads
// the config file; --write-default-config creates one and exits.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"imsession/internal/config"
	"imsession/internal/ime"
	"imsession/internal/ipc"
	"imsession/internal/logging"
	"imsession/internal/mainloop"
	"imsession/internal/metrics"
	"imsession/internal/tracing"
	"imsession/internal/watcher"
)

type options struct {
	configPath    string
	program       string
	display       string
	sync          bool
	logLevel      string
	metricsListen string
	noPortal      bool
	writeDefault  bool
}

func parseFlags(args []string) (options, *pflag.FlagSet, error) {
	var o options
	fs := pflag.NewFlagSet("fcitx-session", pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", "", "config file (default: search ./config.* and the user config dir)")
	fs.StringVar(&o.program, "program", "", "program name sent to the input method")
	fs.StringVar(&o.display, "display", "", "display name sent to the input method, e.g. x11::0")
	fs.BoolVar(&o.sync, "sync", false, "deliver key events synchronously")
	fs.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&o.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	fs.BoolVar(&o.noPortal, "no-portal", false, "do not watch the portal service name")
	fs.BoolVar(&o.writeDefault, "write-default-config", false, "write the default config to --config (or the user config dir) and exit")
	err := fs.Parse(args)
	return o, fs, err
}

// applyFlags overrides cfg with every flag the user set.
func applyFlags(cfg *config.Config, o options, fs *pflag.FlagSet) {
	if fs.Changed("program") {
		cfg.Session.Program = o.program
	}
	if fs.Changed("display") {
		cfg.Session.Display = o.display
	}
	if fs.Changed("sync") {
		v := o.sync
		cfg.Delivery.EnableSyncMode = &v
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}
	if fs.Changed("metrics-listen") {
		cfg.Metrics.Enabled = o.metricsListen != ""
		cfg.Metrics.Listen = o.metricsListen
	}
	if fs.Changed("no-portal") {
		cfg.Bus.WatchPortal = !o.noPortal
	}
	if cfg.Session.Program == "" {
		cfg.Session.Program = filepath.Base(os.Args[0])
	}
	if cfg.Session.Display == "" {
		cfg.Session.Display = displayFromEnv()
	}
}

func displayFromEnv() string {
	if d := os.Getenv("WAYLAND_DISPLAY"); d != "" {
		return "wayland:" + d
	}
	if d := os.Getenv("DISPLAY"); d != "" {
		return "x11:" + d
	}
	return ""
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:     level,
		Format:    format,
		Output:    cfg.Logging.Output,
		FilePath:  cfg.Logging.FilePath,
		AddSource: cfg.Logging.AddSource,
		Component: "fcitx-session",
	})
}

// writeDefaultConfig creates a config file holding the defaults unless one
// already exists at path, and says which happened.
func writeDefaultConfig(path string, out io.Writer) error {
	if path == "" {
		path = config.ConfigPath()
	}
	_, created, err := config.LoadOrCreate(path)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(out, "wrote %s\n", path)
	} else {
		fmt.Fprintf(out, "%s already exists\n", path)
	}
	return nil
}

// applyReload installs what a reloaded config may change at runtime: the
// log level and the declared features. Bus, identity and delivery settings
// take effect on the next start.
func applyReload(loop mainloop.Scheduler, session func() *ime.Session, logger *logging.Logger, c *config.Config) {
	if level, err := logging.ParseLevel(c.Logging.Level); err != nil {
		logger.Warn("ignoring reloaded log level", "error", err)
	} else {
		logger.SetLevel(level)
	}
	features, err := c.FeatureFlags()
	if err != nil {
		logger.Warn("ignoring reloaded features", "error", err)
		return
	}
	loop.Post(func() {
		if s := session(); s != nil {
			s.SetLocalFeatures(features)
		}
	})
	logger.Info("config reloaded",
		"log_level", logging.LevelString(logger.Level()),
		"features", features.String())
}

func main() {
	o, fs, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if o.writeDefault {
		if err := writeDefaultConfig(o.configPath, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "fcitx-session:", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o, fs, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "fcitx-session:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o options, fs *pflag.FlagSet, in io.Reader, out io.Writer) error {
	path := o.configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	var loader *config.Loader
	cfg := config.DefaultConfig()
	cfg.ApplyEnvOverrides()
	if path != "" {
		loader = config.NewLoader(path)
		loaded, err := loader.Load()
		if err != nil {
			return err
		}
		cfg = loaded
	}
	applyFlags(cfg, o, fs)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()
	logging.SetDefault(logger)

	tp, err := tracing.NewProvider(tracing.TracerConfig{
		ServiceName: "fcitx-session",
		Enabled:     cfg.Tracing.Enabled,
		Pretty:      cfg.Tracing.Pretty,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("trace shutdown", "error", err)
		}
	}()
	tp.SetGlobal()

	registry := metrics.NewRegistry(true)
	m := metrics.NewSessionMetrics(registry)

	sessionCfg, err := cfg.SessionConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loop := mainloop.New()
	dial := dialer(cfg, logger)
	w := watcher.New(loop, dial,
		watcher.WithPortal(cfg.Bus.WatchPortal),
		watcher.WithLogger(logger.Logger),
		watcher.WithMetrics(m))

	var session *ime.Session
	loop.Post(func() {
		w.Watch(ctx)
		session = ime.New(loop, w, printHandler{out: out}, sessionCfg,
			ime.WithLogger(logger.Logger),
			ime.WithRecorder(m),
			ime.WithTracer(tp.Tracer()))
		session.OnStateChange(func(st ime.State) {
			fmt.Fprintf(out, "state %s\n", st)
		})
		logger.Info("session started",
			"program", sessionCfg.Program,
			"display", sessionCfg.Display,
			"delivery", sessionCfg.Delivery.String())
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := loop.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		defer cancel()
		return readCommands(gctx, loop, in, out, func() *ime.Session { return session })
	})

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			logger.Info("serving metrics", "listen", cfg.Metrics.Listen)
			return registry.Serve(gctx, cfg.Metrics.Listen)
		})
	}

	if loader != nil {
		loader.OnChange(func(c *config.Config) {
			applyFlags(c, o, fs)
			applyReload(loop, func() *ime.Session { return session }, logger, c)
		})
		g.Go(func() error {
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-hup:
					if err := loader.Reload(); err != nil {
						logger.Warn("config reload failed", "error", err)
					}
				}
			}
		})
		if err := loader.Watch(); err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		} else {
			defer loader.Close()
			g.Go(func() error {
				for {
					select {
					case <-gctx.Done():
						return nil
					case err := <-loader.Errors():
						logger.Warn("config reload failed", "error", err)
					}
				}
			})
		}
	}

	err = g.Wait()

	// Release the input context before the bus goes away.
	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	defer closeCancel()
	done := make(chan struct{})
	go func() {
		_ = loop.Run(closeCtx)
	}()
	loop.Post(func() {
		if session != nil {
			session.Close()
		}
		w.Unwatch()
		close(done)
	})
	select {
	case <-done:
	case <-closeCtx.Done():
	}
	return err
}

func dialer(cfg *config.Config, logger *logging.Logger) ipc.Dialer {
	clientCfg := ipc.DefaultClientConfig()
	clientCfg.Address = cfg.Bus.Address
	if t := cfg.CallTimeout(); t > 0 {
		clientCfg.CallTimeout = t
	}
	clientCfg.Logger = logger.WithComponent("ipc").Logger
	dial := ipc.NewDialer(clientCfg)
	timeout := cfg.DialTimeout()
	return func(ctx context.Context) (ipc.Conn, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return dial(ctx)
	}
}

// readCommands parses stdin and posts each command to the loop. It returns
// on EOF, quit or cancellation.
func readCommands(ctx context.Context, loop *mainloop.Loop, in io.Reader, out io.Writer, session func() *ime.Session) error {
	start := time.Now()
	r := &runner{
		out:   out,
		clock: func() uint32 { return uint32(time.Since(start).Milliseconds()) },
	}

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			cmd, err := ParseCommand(line)
			if errors.Is(err, errEmpty) {
				continue
			}
			if err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			quit := make(chan bool, 1)
			if err := loop.Invoke(ctx, func() {
				r.session = session()
				quit <- !r.run(cmd)
			}); err != nil {
				return nil
			}
			if <-quit {
				return nil
			}
		}
	}
}
