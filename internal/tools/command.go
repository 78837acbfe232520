package tools

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const defaultCommandTimeout = 30 * time.Second

// commandToolsFile is the on-disk layout of a command tools manifest:
//
//	[tools.weather]
//	description = "Current weather for a location"
//	command = "curl"
//	args = ["-s", "wttr.in/$location?format=3"]
//	timeout_secs = 15
//	[tools.weather.params]
//	location = "City name"
type commandToolsFile struct {
	Tools map[string]commandSpec `toml:"tools"`
}

type commandSpec struct {
	Description string            `toml:"description"`
	Command     string            `toml:"command"`
	Args        []string          `toml:"args"`
	Env         []string          `toml:"env"`
	TimeoutSecs int               `toml:"timeout_secs"`
	Params      map[string]string `toml:"params"`
}

// CommandTool is an operator-defined tool backed by a subprocess. Tokens of
// the form $name in the argument list are replaced with the model-supplied
// argument of that name.
type CommandTool struct {
	name   string
	spec   commandSpec
	logger *slog.Logger
}

// LoadCommandTools reads a TOML manifest and returns one tool per section.
// A missing file is not an error; deployments without operator tools simply
// omit the manifest.
func LoadCommandTools(path string, logger *slog.Logger) ([]Tool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read command tools: %w", err)
	}

	var file commandToolsFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse command tools: %w", err)
	}

	out := make([]Tool, 0, len(file.Tools))
	for name, spec := range file.Tools {
		if spec.Command == "" {
			return nil, fmt.Errorf("command tool %q: command is required", name)
		}
		out = append(out, &CommandTool{
			name:   name,
			spec:   spec,
			logger: logger.With("plugin", name),
		})
	}
	return out, nil
}

func (t *CommandTool) Name() string        { return t.name }
func (t *CommandTool) Description() string { return t.spec.Description }

func (t *CommandTool) Schema() map[string]any {
	props := make(map[string]any, len(t.spec.Params))
	required := make([]string, 0, len(t.spec.Params))
	for param, desc := range t.spec.Params {
		props[param] = map[string]any{"type": "string", "description": desc}
		required = append(required, param)
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func (t *CommandTool) Execute(ctx context.Context, botID string, args map[string]any) (string, error) {
	timeout := defaultCommandTimeout
	if t.spec.TimeoutSecs > 0 {
		timeout = time.Duration(t.spec.TimeoutSecs) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmdArgs := make([]string, len(t.spec.Args))
	for i, arg := range t.spec.Args {
		cmdArgs[i] = substituteArgs(arg, args)
	}

	t.logger.Debug("running command tool", "command", t.spec.Command, "args", cmdArgs)

	cmd := exec.CommandContext(ctx, t.spec.Command, cmdArgs...)
	cmd.Env = os.Environ()
	for _, envDef := range t.spec.Env {
		cmd.Env = append(cmd.Env, os.ExpandEnv(envDef))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("command failed: %s", msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// substituteArgs replaces $name tokens inside a single argument. Values are
// passed as discrete argv entries so shell injection is not a concern.
func substituteArgs(arg string, args map[string]any) string {
	if !strings.Contains(arg, "$") {
		return arg
	}
	out := arg
	for key, val := range args {
		out = strings.ReplaceAll(out, "$"+key, fmt.Sprintf("%v", val))
	}
	return out
}
