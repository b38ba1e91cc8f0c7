package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"golang.org/x/sync/singleflight"
)

// ErrUnavailable is returned when the addressed pane or window no longer exists
// or the tmux server cannot be reached.
var ErrUnavailable = errors.New("tmux target unavailable")

// Client handles tmux operations, optionally on a remote host
type Client struct {
	Remote string // "user@host" or empty for local

	// CaptureLines is how many lines of scrollback CapturePane requests.
	CaptureLines int

	captures singleflight.Group
	exec     func(ctx context.Context, name string, args ...string) (string, error)
}

// NewClient creates a new tmux client
func NewClient(remote string) *Client {
	return &Client{Remote: remote, CaptureLines: DefaultCaptureLines}
}

// DefaultCaptureLines is the capture depth used when none is configured.
const DefaultCaptureLines = 60

// Run executes a tmux command
func (c *Client) Run(ctx context.Context, args ...string) (string, error) {
	if c.Remote == "" {
		return c.runner()(ctx, "tmux", args...)
	}
	// ssh concatenates its arguments, so each tmux arg is quoted for the remote shell.
	sshArgs := []string{c.Remote, "tmux"}
	for _, a := range args {
		sshArgs = append(sshArgs, shellQuote(a))
	}
	return c.runner()(ctx, "ssh", sshArgs...)
}

func (c *Client) runner() func(ctx context.Context, name string, args ...string) (string, error) {
	if c.exec != nil {
		return c.exec
	}
	return runCommand
}

// runCommand executes a command and returns trimmed stdout
func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

// IsInstalled checks if tmux is available on the target host
func (c *Client) IsInstalled(ctx context.Context) bool {
	if c.Remote == "" {
		_, err := exec.LookPath("tmux")
		return err == nil
	}
	_, err := c.Run(ctx, "-V")
	return err == nil
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`#;&|<>(){}*?!~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// noServer reports whether a tmux error means there is simply nothing running.
func noServer(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no server running") ||
		strings.Contains(msg, "no sessions") ||
		strings.Contains(msg, "No such file or directory") ||
		strings.Contains(msg, "error connecting to")
}

// missingTarget reports whether a tmux error means the pane, window or session is gone.
func missingTarget(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "can't find") ||
		strings.Contains(msg, "no such window") ||
		strings.Contains(msg, "no such session") ||
		strings.Contains(msg, "session not found") ||
		strings.Contains(msg, "window not found") ||
		noServer(err)
}
