package actuator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"vigil/internal/logging"
)

// execFunc is the signature shared by all built-in executors.
type execFunc func(ctx context.Context, env ExecEnv, action Action) (string, error)

// ExecEnv is the execution environment handed to built-in executors.
type ExecEnv struct {
	// Workspace roots file operations and is the working directory for
	// sandboxed shell commands.
	Workspace string
	// Sandboxed scrubs the shell environment and pins the working
	// directory to the workspace.
	Sandboxed bool
}

// internalExecutors maps action keywords to built-in implementations.
var internalExecutors = map[string]execFunc{
	"chat":       executeChat,
	"grep":       executeGrep,
	"glob":       executeGlob,
	"shell":      executeShell,
	"web_search": executeWebSearch,
}

// InternalActions returns the keywords of all built-in executors, sorted.
func InternalActions() []string {
	names := make([]string, 0, len(internalExecutors))
	for name := range internalExecutors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const (
	maxExecutorOutput   = 50000
	defaultShellTimeout = 60 * time.Second
)

func truncateOutput(s string) string {
	if len(s) > maxExecutorOutput {
		return s[:maxExecutorOutput] + "\n...[truncated]"
	}
	return s
}

// executeChat answers a conversational percept. There is no outbound
// channel of its own; the response text is the side effect, recorded in the
// iteration and delivered to whoever is watching the event stream.
func executeChat(_ context.Context, _ ExecEnv, action Action) (string, error) {
	message, ok := action.StringArg("message")
	if !ok || message == "" {
		return "", fmt.Errorf("chat requires a message argument")
	}
	return message, nil
}

// executeGrep searches files under the workspace for a regular expression.
func executeGrep(ctx context.Context, env ExecEnv, action Action) (string, error) {
	pattern, ok := action.StringArg("pattern")
	if !ok || pattern == "" {
		return "", fmt.Errorf("grep requires a pattern argument")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid grep pattern: %w", err)
	}

	root := env.Workspace
	if sub, ok := action.StringArg("path"); ok && sub != "" {
		root = filepath.Join(env.Workspace, sub)
	}

	var b strings.Builder
	matches := 0
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil || bytes.IndexByte(data, 0) >= 0 {
			return nil // skip unreadable and binary files
		}
		rel, _ := filepath.Rel(env.Workspace, path)
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				fmt.Fprintf(&b, "%s:%d: %s\n", rel, i+1, line)
				matches++
			}
			if b.Len() > maxExecutorOutput {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("grep walk failed: %w", err)
	}

	if matches == 0 {
		return "no matches", nil
	}
	return truncateOutput(b.String()), nil
}

// executeGlob lists workspace files matching a glob pattern.
func executeGlob(_ context.Context, env ExecEnv, action Action) (string, error) {
	pattern, ok := action.StringArg("pattern")
	if !ok || pattern == "" {
		return "", fmt.Errorf("glob requires a pattern argument")
	}

	paths, err := filepath.Glob(filepath.Join(env.Workspace, pattern))
	if err != nil {
		return "", fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
	}
	if len(paths) == 0 {
		return "no matches", nil
	}

	rels := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := filepath.Rel(env.Workspace, p)
		if err != nil {
			rel = p
		}
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	return truncateOutput(strings.Join(rels, "\n")), nil
}

// executeShell runs a command through sh -c. Sandboxed runs get a scrubbed
// environment and are pinned to the workspace directory.
func executeShell(ctx context.Context, env ExecEnv, action Action) (string, error) {
	command, ok := action.StringArg("command")
	if !ok || command == "" {
		return "", fmt.Errorf("shell requires a command argument")
	}

	timeout := defaultShellTimeout
	if secs, ok := action.Args["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	if env.Sandboxed {
		cmd.Dir = env.Workspace
		cmd.Env = sandboxEnv()
	} else {
		cmd.Env = os.Environ()
		if wd, ok := action.StringArg("working_dir"); ok && wd != "" {
			cmd.Dir = wd
		}
	}

	logging.ActuatorsDebug("shell: cmd=%q sandboxed=%v timeout=%s", command, env.Sandboxed, timeout)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}
	output = truncateOutput(output)

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return output, fmt.Errorf("command timed out after %s", timeout)
		}
		return output, fmt.Errorf("command failed: %w", err)
	}
	return output, nil
}

// sandboxEnv returns the minimal environment a sandboxed shell command
// sees. Credentials and the caller's environment never leak in.
func sandboxEnv() []string {
	keep := []string{"PATH", "HOME", "LANG", "TMPDIR", "TZ"}
	env := make([]string, 0, len(keep))
	for _, key := range keep {
		if v := os.Getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// executeWebSearch acknowledges a search request. Real retrieval goes
// through an MCP actuator; the built-in keeps plans executable offline.
func executeWebSearch(_ context.Context, _ ExecEnv, action Action) (string, error) {
	query, ok := action.StringArg("query")
	if !ok || query == "" {
		return "", fmt.Errorf("web_search requires a query argument")
	}
	return fmt.Sprintf("search queued: %s", query), nil
}
