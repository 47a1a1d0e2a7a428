// Tether is a conversational agent that answers through a tool-use loop.
//
// It serves an HTTP API with a websocket event stream, optionally
// publishes telemetry and accepts messages over MQTT, and offers a CLI
// for one-shot questions and an interactive console. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	tether serve              Start the API server
//	tether init [dir]         Initialize a working directory with defaults
//	tether ask <question>     Ask a single question
//	tether chat               Talk to the agent on the terminal
//	tether plugins            List the plugins the agent would load
//	tether version            Print version and build information
//	tether -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/tether-agent/internal/api"
	"github.com/nugget/tether-agent/internal/buildinfo"
	"github.com/nugget/tether-agent/internal/config"
	"github.com/nugget/tether-agent/internal/events"
	"github.com/nugget/tether-agent/internal/mqtt"
)

// consoleUser is the user id for ask and chat unless -user is given.
const consoleUser = "console"

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags.
type options struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
	user       string
}

// run is the real entry point. All OS-level dependencies are injected so
// the full lifecycle can be driven from tests. Arguments are parsed by
// hand because the flag package's globals get in the way of calling run
// concurrently.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			// Everything after the command belongs to it, including
			// words that start with a dash.
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-user" && i+1 < len(args):
			opts.user = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-user="):
			opts.user = strings.TrimPrefix(args[i], "-user=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}
	if opts.user == "" {
		opts.user = consoleUser
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: tether ask <question>")
		}
		return runAsk(ctx, stdout, stderr, opts, strings.Join(cmdArgs, " "))
	case "chat":
		return runChat(ctx, stdin, stdout, stderr, opts)
	case "plugins":
		return runPlugins(ctx, stdout, stderr, opts)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Tether - tool-using conversational agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: tether [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Start the API server")
	fmt.Fprintln(w, "  init [dir]     Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask <text>     Ask a single question")
	fmt.Fprintln(w, "  chat           Talk to the agent on the terminal")
	fmt.Fprintln(w, "  plugins        List available plugins")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -user <id>        User id for ask and chat (default: console)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runServe is the primary operating mode. It blocks until SIGINT or
// SIGTERM, then drains the API server, stops background work and closes
// the stores.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger, logCloser, err := config.NewLogger(stdout, cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	logger.Info("starting tether", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"provider", cfg.Models.Provider,
		"model", cfg.Models.Model,
	)

	bus := events.New()
	outbox := api.NewOutbox(bus)
	a, err := newApp(ctx, cfg, bus, outbox, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	monitor := a.watchProviders(ctx)
	defer monitor.Stop()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Inbound:  a.handler,
		Outbox:   outbox,
		Sessions: a.sessions,
		Plugins:  a.registry,
		Services: monitor,
		Usage:    a.usage,
		Events:   a.bus,
	}, logger)

	var pub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		pub = mqtt.New(cfg.MQTT, instanceID, a.stats, a.bus, logger)
		pub.SetInbound(a.handler.Handle)
		logger.Info("mqtt enabled", "broker", cfg.MQTT.Broker, "device", cfg.MQTT.DeviceName, "inbox", cfg.MQTT.Inbox)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return a.poller.Run(gctx) })
	g.Go(func() error { return a.recorder.Run(gctx) })
	if pub != nil {
		g.Go(func() error { return pub.Start(gctx) })
	}

	err = g.Wait()

	if pub != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if serr := pub.Stop(stopCtx); serr != nil {
			logger.Warn("mqtt shutdown failed", "error", serr)
		}
		cancel()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("tether stopped")
	return nil
}

// loadConfig locates and parses the config file.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}
