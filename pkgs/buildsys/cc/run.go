package cc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// Command is one toolchain invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env overrides the process environment for this command.
	Env map[string]string
}

func (c *Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, quote(c.Name))
	for _, a := range c.Args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\"'") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

// Runner executes toolchain commands. Stdout and stderr are captured
// separately.
type Runner interface {
	Run(ctx context.Context, cmd *Command) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c *Command) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	if len(c.Env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), c.Env)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// CompilationError reports a toolchain invocation that did not succeed. The
// message carries everything needed to reproduce the failure.
type CompilationError struct {
	Command  string
	Dir      string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *CompilationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "compilation: %s", e.Command)
	if e.Dir != "" {
		fmt.Fprintf(&b, " (in %s)", e.Dir)
	}
	fmt.Fprintf(&b, ": exit code %d", e.ExitCode)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if s := strings.TrimSpace(e.Stdout); s != "" {
		fmt.Fprintf(&b, "\n--- stdout ---\n%s", s)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, "\n--- stderr ---\n%s", s)
	}
	return b.String()
}

func (e *CompilationError) Unwrap() error { return e.Err }

func run(ctx context.Context, r Runner, c *Command) error {
	stdout, stderr, err := r.Run(ctx, c)
	if err == nil {
		return nil
	}
	code := -1
	var ee interface{ ExitCode() int }
	if errors.As(err, &ee) {
		code = ee.ExitCode()
	}
	return &CompilationError{
		Command:  c.String(),
		Dir:      c.Dir,
		ExitCode: code,
		Stdout:   string(stdout),
		Stderr:   string(stderr),
		Err:      err,
	}
}

func mergeEnv(base []string, override map[string]string) []string {
	envMap := make(map[string]string, len(base))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			envMap[k] = v
		}
	}
	for k, v := range override {
		envMap[k] = v
	}
	keys := make([]string, 0, len(envMap))
	for k := range envMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+envMap[k])
	}
	return out
}
