package utils

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Console runs host commands on behalf of the build steps.
type Console interface {
	// Run executes the command, streaming its merged stdout/stderr into the log.
	Run(ctx context.Context, name string, args ...string) error
	// Output executes the command and returns its stdout. Stderr is discarded.
	Output(ctx context.Context, name string, args ...string) (string, error)
}

// BuilderConsole is the Console that actually executes commands.
type BuilderConsole struct{}

func (s BuilderConsole) Run(ctx context.Context, name string, args ...string) error {
	c := PrepareCommandWithPath(ctx, name, args...)
	l := Log.With().Str("cmd", name).Logger()
	l.Info().Msgf(">> %s", CommandLine(name, args...))

	pr, pw := io.Pipe()
	c.Stdout = pw
	c.Stderr = pw

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			l.Info().Msg(scanner.Text())
		}
		// keep draining so the child never blocks on a full pipe
		_, _ = io.Copy(io.Discard, pr)
	}()

	err := c.Run()
	_ = pw.Close()
	<-done

	if err != nil {
		l.Error().Err(err).Msgf("command failed: %s", CommandLine(name, args...))
		return fmt.Errorf("failed to run %s: %w", CommandLine(name, args...), err)
	}
	return nil
}

func (s BuilderConsole) Output(ctx context.Context, name string, args ...string) (string, error) {
	c := PrepareCommandWithPath(ctx, name, args...)
	Log.Debug().Str("cmd", name).Msgf(">> %s", CommandLine(name, args...))
	out, err := c.Output()
	if err != nil {
		return string(out), fmt.Errorf("failed to run %s: %w", CommandLine(name, args...), err)
	}
	return string(out), nil
}

// PrepareCommandWithPath returns a command with /usr/sbin appended to PATH, some
// of the tools we need (mmdebstrap, useradd, chroot) live there on most hosts.
// name is resolved over that PATH too, not only the child environment.
func PrepareCommandWithPath(ctx context.Context, name string, args ...string) *exec.Cmd {
	bin := name
	if p, err := LookPathWithSbin(name); err == nil {
		bin = p
	}
	c := exec.CommandContext(ctx, bin, args...)
	c.Args[0] = name
	c.Env = append(os.Environ(), fmt.Sprintf("PATH=%s", PathWithSbin()))
	return c
}

// LookPathWithSbin finds name in PATH with /usr/sbin appended.
func LookPathWithSbin(name string) (string, error) {
	if strings.Contains(name, "/") {
		return exec.LookPath(name)
	}
	for _, dir := range filepath.SplitList(PathWithSbin()) {
		if dir == "" {
			continue
		}
		if p, err := exec.LookPath(filepath.Join(dir, name)); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s: %w", name, exec.ErrNotFound)
}

// PathWithSbin returns the current PATH with /usr/sbin appended if missing.
func PathWithSbin() string {
	p := os.Getenv("PATH")
	for _, d := range strings.Split(p, string(os.PathListSeparator)) {
		if d == "/usr/sbin" {
			return p
		}
	}
	if p == "" {
		return "/usr/sbin"
	}
	return p + string(os.PathListSeparator) + "/usr/sbin"
}

// CommandLine renders a command for logs.
func CommandLine(name string, args ...string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}
