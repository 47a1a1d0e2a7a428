package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Declaration artifacts every plugin directory must provide.
const (
	MetaFile   = "_meta.json"
	SystemFile = "system.yaml"
	ExecFile   = "plugin"
)

// DefaultExecTimeout bounds a single external plugin invocation.
const DefaultExecTimeout = 60 * time.Second

// meta is the contents of _meta.json.
type meta struct {
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	Version  string `json:"version"`
	Disabled bool   `json:"disabled"`
}

// system is the contents of system.yaml.
type system struct {
	Name           string    `yaml:"name"`
	DisplayName    string    `yaml:"display_name"`
	Priority       int       `yaml:"priority"`
	Description    string    `yaml:"description"`
	IntentPatterns []string  `yaml:"intent_patterns"`
	Functions      yaml.Node `yaml:"functions"`
}

type functionDecl struct {
	Description string `yaml:"description"`
	Parameters  struct {
		Properties yaml.Node `yaml:"properties"`
		Required   []string  `yaml:"required"`
	} `yaml:"parameters"`
}

// DirLoader discovers external plugins below a directory. Each
// immediate subdirectory holding all three declaration artifacts
// becomes one plugin whose functions run the directory's executable.
type DirLoader struct {
	Dir     string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Load scans the directory. Incomplete plugin directories are skipped
// with a warning and malformed ones are logged as errors; neither stops
// the scan. A missing root directory yields no plugins.
func (l *DirLoader) Load() ([]*Descriptor, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "plugin_loader", "dir", l.Dir)

	entries, err := os.ReadDir(l.Dir)
	if os.IsNotExist(err) {
		logger.Debug("plugin directory does not exist")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read plugin dir: %w", err)
	}

	var out []*Descriptor
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(l.Dir, e.Name())

		if missing := missingArtifacts(dir); len(missing) > 0 {
			logger.Warn("skipping incomplete plugin", "plugin", e.Name(), "missing", missing)
			continue
		}

		d, err := l.loadOne(dir)
		if err != nil {
			logger.Error("failed to load plugin", "plugin", e.Name(), "error", err)
			continue
		}
		if d == nil {
			logger.Info("plugin disabled", "plugin", e.Name())
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func missingArtifacts(dir string) []string {
	var missing []string
	for _, name := range []string{MetaFile, SystemFile, ExecFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			missing = append(missing, name)
		}
	}
	return missing
}

func (l *DirLoader) loadOne(dir string) (*Descriptor, error) {
	raw, err := os.ReadFile(filepath.Join(dir, MetaFile))
	if err != nil {
		return nil, err
	}
	var m meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", MetaFile, err)
	}
	if m.Disabled {
		return nil, nil
	}

	raw, err = os.ReadFile(filepath.Join(dir, SystemFile))
	if err != nil {
		return nil, err
	}
	var sys system
	if err := yaml.Unmarshal(raw, &sys); err != nil {
		return nil, fmt.Errorf("parse %s: %w", SystemFile, err)
	}

	name := sys.Name
	if name == "" {
		name = m.Name
	}
	if name == "" {
		name = filepath.Base(dir)
	}

	d := &Descriptor{
		Name:        name,
		DisplayName: sys.DisplayName,
		Slug:        m.Slug,
		Priority:    sys.Priority,
		Description: sys.Description,
		Functions:   make(map[string]*Function),
		Source:      dir,
	}
	if m.Name != "" && !strings.EqualFold(m.Name, name) && d.Slug == "" {
		d.Slug = m.Name
	}

	for _, expr := range sys.IntentPatterns {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return nil, fmt.Errorf("intent pattern %q: %w", expr, err)
		}
		d.IntentPatterns = append(d.IntentPatterns, re)
	}

	exe := filepath.Join(dir, ExecFile)
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}

	fns, err := decodeFunctions(&sys.Functions)
	if err != nil {
		return nil, err
	}
	for _, fn := range fns {
		fn.Handler = execHandler(exe, fn.Name, timeout)
		d.Functions[fn.Name] = fn
	}
	return d, nil
}

// decodeFunctions walks the functions mapping node directly so that
// parameter declaration order survives decoding.
func decodeFunctions(node *yaml.Node) ([]*Function, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("functions must be a mapping")
	}

	var out []*Function
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		var decl functionDecl
		if err := node.Content[i+1].Decode(&decl); err != nil {
			return nil, fmt.Errorf("function %s: %w", name, err)
		}

		fn := &Function{
			Name:        name,
			Description: decl.Description,
			Required:    decl.Parameters.Required,
		}
		props := &decl.Parameters.Properties
		if props.Kind == yaml.MappingNode {
			for j := 0; j+1 < len(props.Content); j += 2 {
				fn.Parameters = append(fn.Parameters, props.Content[j].Value)
			}
		}
		out = append(out, fn)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// execHandler runs "<exe> <function>" with the JSON arguments on stdin.
// Standard output is the result; a non-zero exit becomes an error
// carrying the trimmed standard error.
func execHandler(exe, function string, timeout time.Duration) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		payload, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode args: %w", err)
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, exe, function)
		cmd.Dir = filepath.Dir(exe)
		cmd.Stdin = bytes.NewReader(payload)
		cmd.Env = append(os.Environ(), "TETHER_USER_ID="+UserIDFromContext(ctx))

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("timed out after %s", timeout)
			}
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			return nil, errors.New(msg)
		}

		out := strings.TrimSpace(stdout.String())
		if out == "" {
			return nil, nil
		}
		return out, nil
	}
}
