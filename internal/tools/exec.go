package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	shellTimeout = 30 * time.Second
	shellBufCap  = 1 << 20 // 1 MiB
)

var shellMetachars = []string{"|", "&", ";", "$", "`", ">", "<", "\n", "&&", "||", "\\", "*", "?", "~"}

// ExecuteCommandTool runs an allow-listed base command with plain
// arguments. Arguments containing shell metacharacters or path-traversal
// sequences are rejected outright; this tool never invokes a shell, so
// metacharacters have no special meaning to the child process either way,
// but rejecting them catches arguments an LLM copy-pasted from a shell
// pipeline it didn't mean to run literally.
type ExecuteCommandTool struct {
	RootDir        string
	AllowedCommands []string
}

func (t *ExecuteCommandTool) Name() string        { return "execute_command" }
func (t *ExecuteCommandTool) Description() string { return "Run an allow-listed command in the project root." }
func (t *ExecuteCommandTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{"type": "string"},
			"args":    map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		},
		"required": []string{"command"},
	}
}

func (t *ExecuteCommandTool) isAllowed(cmd string) bool {
	for _, allowed := range t.AllowedCommands {
		if cmd == allowed {
			return true
		}
	}
	return false
}

func containsMetachar(s string) bool {
	for _, m := range shellMetachars {
		if strings.Contains(s, m) {
			return true
		}
	}
	return strings.Contains(s, "..")
}

func (t *ExecuteCommandTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	command, ok := argString(args, "command")
	if !ok {
		return "", fmt.Errorf("execute_command: missing command argument")
	}
	if !t.isAllowed(command) {
		return "", fmt.Errorf("execute_command: %q is not an allow-listed command", command)
	}
	if containsMetachar(command) {
		return "", fmt.Errorf("execute_command: command contains disallowed characters")
	}

	var cmdArgs []string
	if raw, ok := args["args"].([]interface{}); ok {
		for _, a := range raw {
			s, ok := a.(string)
			if !ok {
				return "", fmt.Errorf("execute_command: non-string argument")
			}
			if containsMetachar(s) {
				return "", fmt.Errorf("execute_command: argument %q contains disallowed characters", s)
			}
			cmdArgs = append(cmdArgs, s)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command, cmdArgs...)
	cmd.Dir = t.RootDir

	var buf bytes.Buffer
	limited := &capWriter{buf: &buf, remaining: shellBufCap}
	cmd.Stdout = limited
	cmd.Stderr = limited

	runErr := cmd.Run()
	output := buf.String()
	if runErr != nil {
		return output, fmt.Errorf("execute_command: %w", runErr)
	}
	return output, nil
}

type capWriter struct {
	buf       *bytes.Buffer
	remaining int
}

func (c *capWriter) Write(p []byte) (int, error) {
	if c.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > c.remaining {
		n = c.remaining
	}
	written, err := c.buf.Write(p[:n])
	c.remaining -= written
	return len(p), err
}
