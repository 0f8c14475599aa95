// edgerunner hosts actors for an orchestrator. It keeps a control
// connection and a tunnel open, runs a demo host that echoes tunnelled
// traffic and logs lifecycle changes, and shuts down on SIGINT or SIGTERM.
// A second signal skips the graceful stop. SIGUSR1 prints the runner state.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lguibr/edgerunner/bollywood"
	"github.com/lguibr/edgerunner/render"
	"github.com/lguibr/edgerunner/runner"
	"github.com/lguibr/edgerunner/server"
	"github.com/lguibr/edgerunner/tunnel"
	"github.com/lguibr/edgerunner/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var log = logrus.New()

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	endpoint   string
	namespace  string
	runnerName string
	runnerKey  string
	totalSlots uint32
	serve      string
	logLevel   string
	logJSON    bool
}

func run(args []string) error {
	var opts options
	flagSet := pflag.NewFlagSet("edgerunner", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "YAML config file; flags override its values")
	flagSet.StringVar(&opts.endpoint, "endpoint", "", "orchestrator endpoint (http, https, ws or wss)")
	flagSet.StringVar(&opts.namespace, "namespace", "", "orchestrator namespace")
	flagSet.StringVar(&opts.runnerName, "runner-name", "", "pool the runner joins")
	flagSet.StringVar(&opts.runnerKey, "runner-key", "", "stable runner key (default: random)")
	flagSet.Uint32Var(&opts.totalSlots, "total-slots", 0, "maximum number of hosted actors")
	flagSet.StringVar(&opts.serve, "serve", "", "also run the local test orchestrator on this address and connect to it")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	flagSet.BoolVar(&opts.logJSON, "log-json", false, "log as JSON")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if err := setupLogging(opts.logLevel, opts.logJSON); err != nil {
		return err
	}
	cfg, err := loadConfig(flagSet, opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if opts.serve != "" {
		ln, err := net.Listen("tcp", opts.serve)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", opts.serve, err)
		}
		cfg.Endpoint = "http://" + ln.Addr().String()
		srv := &http.Server{Handler: server.New(server.Config{RunnerLostThreshold: 30 * time.Second, AckEvents: true}).Handler()}
		log.WithField("addr", ln.Addr().String()).Info("serving local orchestrator")
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	r, err := runner.New(cfg, demoHost(log.WithField("component", "host")), runner.Options{})
	if err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	log.WithFields(logrus.Fields{
		"endpoint":  cfg.Endpoint,
		"namespace": cfg.Namespace,
		"name":      cfg.RunnerName,
		"key":       cfg.RunnerKey,
	}).Info("starting runner")
	r.Start()

	g.Go(func() error {
		defer cancel()
		return waitForSignals(ctx, r, cfg.ShutdownTimeout)
	})
	return g.Wait()
}

func setupLogging(level string, asJSON bool) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	var formatter logrus.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	if asJSON {
		formatter = &logrus.JSONFormatter{}
	}
	for _, l := range []*logrus.Logger{log, runner.Log, tunnel.Log, server.Log, bollywood.Log} {
		l.SetLevel(lvl)
		l.SetFormatter(formatter)
		l.SetOutput(os.Stderr)
	}
	return nil
}

func loadConfig(flagSet *pflag.FlagSet, opts options) (utils.Config, error) {
	cfg := utils.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = utils.LoadConfig(opts.configPath); err != nil {
			return cfg, err
		}
	}
	if flagSet.Changed("endpoint") {
		cfg.Endpoint = opts.endpoint
	}
	if flagSet.Changed("namespace") {
		cfg.Namespace = opts.namespace
	}
	if flagSet.Changed("runner-name") {
		cfg.RunnerName = opts.runnerName
	}
	if flagSet.Changed("runner-key") {
		cfg.RunnerKey = opts.runnerKey
	}
	if flagSet.Changed("total-slots") {
		cfg.TotalSlots = opts.totalSlots
	}
	if cfg.RunnerKey == "" {
		cfg.RunnerKey = uuid.NewString()
	}
	// The endpoint is filled in later when serving locally.
	if opts.serve != "" && cfg.Endpoint == "" {
		cfg.Endpoint = "http://" + opts.serve
	}
	return cfg, cfg.Validate()
}

// waitForSignals blocks until the runner is shut down. The first
// SIGINT/SIGTERM starts a graceful shutdown bounded by timeout, the second
// forces an immediate one.
func waitForSignals(ctx context.Context, r *runner.Runner, timeout time.Duration) error {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigs)

	var stopped chan error
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return r.Shutdown(shutdownCtx, false)

		case err := <-stopped:
			return err

		case sig := <-sigs:
			if sig == syscall.SIGUSR1 {
				printStatus(r)
				continue
			}
			if stopped != nil {
				log.Warn("second signal, stopping immediately")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				return r.Shutdown(shutdownCtx, true)
			}
			log.WithField("signal", sig.String()).Info("shutting down")
			stopped = make(chan error, 1)
			go func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()
				stopped <- r.Shutdown(shutdownCtx, false)
			}()
		}
	}
}

func printStatus(r *runner.Runner) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := r.Snapshot(ctx)
	if err != nil {
		log.WithError(err).Warn("reading runner state")
		return
	}
	fmt.Fprint(os.Stdout, render.Status(snap))
}
