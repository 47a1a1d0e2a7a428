package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/tether-agent/internal/agent"
	"github.com/nugget/tether-agent/internal/config"
	"github.com/nugget/tether-agent/internal/events"
)

// console is the terminal transport. Replies go to out; progress lines
// go to status so `tether ask` output stays clean for pipes.
type console struct {
	out    io.Writer
	status io.Writer
	prefix string // printed before each reply, e.g. "Tether: "

	mu     sync.Mutex
	nextID int
}

func (c *console) SendText(_ context.Context, _ string, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "%s%s\n", c.prefix, text)
	return err
}

func (c *console) SendStatus(_ context.Context, userID, text string) (agent.StatusHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	fmt.Fprintf(c.status, "  %s\n", text)
	return agent.StatusHandle{UserID: userID, ID: strconv.Itoa(c.nextID)}, nil
}

func (c *console) EditStatus(_ context.Context, _ agent.StatusHandle, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.status, "  %s\n", text)
	return nil
}

// DeleteStatus is a no-op; printed lines stay in the scrollback.
func (c *console) DeleteStatus(context.Context, agent.StatusHandle) error { return nil }

// consoleLogger keeps interactive output readable: at the default info
// level only warnings and errors reach the terminal.
func consoleLogger(stderr io.Writer, cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	if strings.EqualFold(cfg.Level, "info") || cfg.Level == "" {
		cfg.Level = "warn"
	}
	return config.NewLogger(stderr, cfg)
}

// openConsole loads config and builds the app with a terminal transport.
// With named set, replies are prefixed with the agent's name.
func openConsole(ctx context.Context, stdout, stderr io.Writer, opts options, named bool) (*app, func(), error) {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, logCloser, err := consoleLogger(stderr, cfg.Logging)
	if err != nil {
		return nil, nil, err
	}

	t := &console{out: stdout, status: stderr}
	if named {
		t.prefix = cfg.Agent.Name + ": "
	}
	a, err := newApp(ctx, cfg, events.New(), t, logger)
	if err != nil {
		logCloser.Close()
		return nil, nil, err
	}
	return a, func() {
		a.Close()
		logCloser.Close()
	}, nil
}

// runAsk sends one message through the chat handler and prints every
// reply. Slash commands work too.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options, question string) error {
	a, closeApp, err := openConsole(ctx, stdout, stderr, opts, false)
	if err != nil {
		return err
	}
	defer closeApp()

	if err := a.handler.Handle(ctx, opts.user, question); err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	return nil
}

// runChat reads messages from stdin until EOF or /quit. Reminders are
// delivered to the terminal while the session is open.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts options) error {
	a, closeApp, err := openConsole(ctx, stdout, stderr, opts, true)
	if err != nil {
		return err
	}
	defer closeApp()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.poller.Run(gctx) })
	g.Go(func() error { return a.recorder.Run(gctx) })

	fmt.Fprintf(stderr, "Talking to %s as %q. /help lists commands, /quit exits.\n", a.cfg.Agent.Name, opts.user)

	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stderr, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "/quit" || line == "/exit" {
			break
		}
		if err := a.handler.Handle(ctx, opts.user, line); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
		}
	}

	cancel()
	if err := g.Wait(); err != nil {
		return err
	}
	return scanner.Err()
}

// runPlugins lists the plugins the agent would load with this config.
func runPlugins(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	a, closeApp, err := openConsole(ctx, stdout, stderr, opts, false)
	if err != nil {
		return err
	}
	defer closeApp()

	descs := a.registry.List()
	if opts.outputFmt == "json" {
		type pluginJSON struct {
			Name        string   `json:"name"`
			DisplayName string   `json:"display_name"`
			Priority    int      `json:"priority"`
			Functions   []string `json:"functions"`
			Source      string   `json:"source,omitempty"`
		}
		out := make([]pluginJSON, 0, len(descs))
		for _, d := range descs {
			out = append(out, pluginJSON{
				Name:        d.Name,
				DisplayName: d.Label(),
				Priority:    d.Priority,
				Functions:   d.FunctionNames(),
				Source:      d.Source,
			})
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	for _, d := range descs {
		fmt.Fprintf(stdout, "%-16s %-2d %-24s %s\n", d.Name, d.Priority, d.Label(), strings.Join(d.FunctionNames(), ", "))
	}
	return nil
}
