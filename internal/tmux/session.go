package tmux

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Window is one tmux window inside a session.
type Window struct {
	Index int
	Name  string
}

// ListSessions returns the names of all tmux sessions.
// A missing tmux server is reported as an empty list.
func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	output, err := c.Run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if noServer(err) {
			return nil, nil
		}
		return nil, err
	}
	if strings.TrimSpace(output) == "" {
		return nil, nil
	}

	var sessions []string
	for _, line := range strings.Split(output, "\n") {
		name := strings.TrimSpace(line)
		if name != "" {
			sessions = append(sessions, name)
		}
	}
	return sessions, nil
}

// ListWindows returns the windows of a session ordered as tmux reports them.
func (c *Client) ListWindows(ctx context.Context, session string) ([]Window, error) {
	sep := "|#|"
	output, err := c.Run(ctx, "list-windows", "-t", session, "-F", "#{window_index}"+sep+"#{window_name}")
	if err != nil {
		if missingTarget(err) {
			return nil, fmt.Errorf("list windows %s: %w", session, ErrUnavailable)
		}
		return nil, err
	}
	return parseWindows(output, sep), nil
}

func parseWindows(output, sep string) []Window {
	var windows []Window
	for _, line := range strings.Split(output, "\n") {
		parts := strings.SplitN(line, sep, 2)
		if len(parts) < 2 {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			continue
		}
		windows = append(windows, Window{Index: idx, Name: parts[1]})
	}
	return windows
}

// CapturePane captures the visible text of a pane plus recent scrollback.
// Concurrent captures of the same target share one tmux invocation.
func (c *Client) CapturePane(ctx context.Context, target string) (string, error) {
	lines := c.CaptureLines
	if lines <= 0 {
		lines = DefaultCaptureLines
	}
	v, err, _ := c.captures.Do(target, func() (interface{}, error) {
		return c.Run(ctx, "capture-pane", "-t", target, "-p", "-J", "-S", fmt.Sprintf("-%d", lines))
	})
	if err != nil {
		if missingTarget(err) {
			return "", fmt.Errorf("capture %s: %w", target, ErrUnavailable)
		}
		return "", err
	}
	return v.(string), nil
}

// SendKeys types text into a pane literally, then presses Enter if submit is set.
// An empty text with submit only presses Enter.
func (c *Client) SendKeys(ctx context.Context, target, text string, submit bool) error {
	if text != "" {
		if _, err := c.Run(ctx, "send-keys", "-t", target, "-l", "--", text); err != nil {
			return c.sendErr(target, err)
		}
	}
	if submit {
		if _, err := c.Run(ctx, "send-keys", "-t", target, "Enter"); err != nil {
			return c.sendErr(target, err)
		}
	}
	return nil
}

// KillWindow destroys a window.
func (c *Client) KillWindow(ctx context.Context, target string) error {
	if _, err := c.Run(ctx, "kill-window", "-t", target); err != nil {
		return c.sendErr(target, err)
	}
	return nil
}

func (c *Client) sendErr(target string, err error) error {
	if missingTarget(err) {
		return fmt.Errorf("%s: %w", target, ErrUnavailable)
	}
	return err
}
