package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Dicklesworthstone/paneward/internal/agent"
	"github.com/Dicklesworthstone/paneward/internal/util"
)

// ErrNoDeliverer is returned when no delivery channel is enabled.
var ErrNoDeliverer = errors.New("notify: no deliverer configured")

// Deliverer sends a rendered batch to a managing agent.
type Deliverer interface {
	Deliver(ctx context.Context, manager agent.Target, msg OutboundMessage) error
}

// Config holds notification configuration
type Config struct {
	Enabled bool `toml:"enabled"`

	// Minimum spacing between two messages to the same manager.
	MinIntervalSec int `toml:"min_interval_sec"`
	Width          int `toml:"width"`        // wrap width for log/bus payloads
	DetailWidth    int `toml:"detail_width"` // per-item detail truncation

	Tmux TmuxConfig `toml:"tmux"`
	NATS NATSConfig `toml:"nats"`
	Log  LogConfig  `toml:"log"`
}

// TmuxConfig configures injection into the manager's pane.
type TmuxConfig struct {
	Enabled bool `toml:"enabled"`
}

// NATSConfig configures bus delivery.
type NATSConfig struct {
	Enabled       bool   `toml:"enabled"`
	URL           string `toml:"url"`
	Token         string `toml:"token"`
	SubjectPrefix string `toml:"subject_prefix"` // message subject is <prefix>.<session>
}

// LogConfig configures the JSONL log channel.
type LogConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// DefaultConfig returns a default notification configuration
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		MinIntervalSec: 60,
		Width:          100,
		DetailWidth:    120,
		Tmux:           TmuxConfig{Enabled: true},
		NATS: NATSConfig{
			URL:           nats.DefaultURL,
			SubjectPrefix: "paneward.notify",
		},
		Log: LogConfig{
			Path: "~/.local/state/paneward/notifications.jsonl",
		},
	}
}

// MinInterval returns the per-manager message spacing.
func (c Config) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSec) * time.Second
}

// RenderOptions returns the layout configured for payload text.
func (c Config) RenderOptions() RenderOptions {
	return RenderOptions{Width: c.Width, DetailWidth: c.DetailWidth}
}

// Sender types text into a pane.
type Sender interface {
	SendKeys(ctx context.Context, target, text string, submit bool) error
}

// TmuxDeliverer types the message into the manager's pane and submits it.
type TmuxDeliverer struct {
	host Sender
	opts RenderOptions
}

// NewTmuxDeliverer creates a deliverer writing into panes through host.
func NewTmuxDeliverer(host Sender, opts RenderOptions) *TmuxDeliverer {
	return &TmuxDeliverer{host: host, opts: opts}
}

// Deliver implements Deliverer.
func (d *TmuxDeliverer) Deliver(ctx context.Context, manager agent.Target, msg OutboundMessage) error {
	if err := d.host.SendKeys(ctx, manager.String(), RenderLine(msg, d.opts), true); err != nil {
		return fmt.Errorf("tmux deliver to %s: %w", manager, err)
	}
	return nil
}

// payload is the JSON form of a message on the bus and in the log file.
type payload struct {
	ID        string        `json:"id"`
	Manager   string        `json:"manager"`
	Session   string        `json:"session"`
	Priority  Priority      `json:"priority"`
	Summary   string        `json:"summary"`
	Text      string        `json:"text"`
	Items     []payloadItem `json:"items"`
	CreatedAt time.Time     `json:"created_at"`
}

type payloadItem struct {
	Target string      `json:"target"`
	Name   string      `json:"name,omitempty"`
	Kind   Kind        `json:"kind"`
	State  agent.State `json:"state,omitempty"`
	Detail string      `json:"detail,omitempty"`
}

func encode(manager agent.Target, msg OutboundMessage, opts RenderOptions) ([]byte, error) {
	p := payload{
		ID:        msg.ID,
		Manager:   manager.String(),
		Session:   manager.Session,
		Priority:  msg.Priority,
		Summary:   msg.Summary,
		Text:      Render(msg, opts),
		CreatedAt: msg.CreatedAt.UTC(),
	}
	for _, f := range msg.Items {
		p.Items = append(p.Items, payloadItem{
			Target: f.Target.String(),
			Name:   f.Target.Name,
			Kind:   f.Kind,
			State:  f.Result.State,
			Detail: f.Detail,
		})
	}
	return json.Marshal(p)
}

// LogDeliverer appends one JSON line per message to a file.
type LogDeliverer struct {
	mu   sync.Mutex
	path string
	opts RenderOptions
}

// NewLogDeliverer creates a deliverer appending to path. A leading ~ is
// expanded to the home directory.
func NewLogDeliverer(path string, opts RenderOptions) *LogDeliverer {
	return &LogDeliverer{path: util.ExpandHome(os.ExpandEnv(path)), opts: opts}
}

// Deliver implements Deliverer.
func (d *LogDeliverer) Deliver(ctx context.Context, manager agent.Target, msg OutboundMessage) error {
	line, err := encode(manager, msg, d.opts)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(d.path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(d.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write to log: %w", err)
	}
	return nil
}

// Publisher is the part of a NATS connection used for delivery.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSDeliverer publishes messages to <prefix>.<session>.
type NATSDeliverer struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
	opts   RenderOptions
}

// NewNATSDeliverer connects to the configured server.
func NewNATSDeliverer(cfg NATSConfig, opts RenderOptions) (*NATSDeliverer, error) {
	natsOpts := []nats.Option{
		nats.Name("paneward"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
	}
	if token := os.ExpandEnv(cfg.Token); token != "" {
		natsOpts = append(natsOpts, nats.Token(token))
	}
	nc, err := nats.Connect(os.ExpandEnv(cfg.URL), natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	d := NewNATSPublisherDeliverer(nc, cfg.SubjectPrefix, opts)
	d.conn = nc
	return d, nil
}

// NewNATSPublisherDeliverer wraps an existing publisher.
func NewNATSPublisherDeliverer(pub Publisher, prefix string, opts RenderOptions) *NATSDeliverer {
	if prefix == "" {
		prefix = "paneward.notify"
	}
	return &NATSDeliverer{pub: pub, prefix: prefix, opts: opts}
}

// Subject returns the subject messages for session are published on.
func (d *NATSDeliverer) Subject(session string) string {
	return d.prefix + "." + subjectToken(session)
}

// Deliver implements Deliverer.
func (d *NATSDeliverer) Deliver(ctx context.Context, manager agent.Target, msg OutboundMessage) error {
	data, err := encode(manager, msg, d.opts)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	subject := d.Subject(manager.Session)
	if err := d.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection if this deliverer owns one.
func (d *NATSDeliverer) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Drain()
}

// subjectToken makes a session name usable as a single subject token.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

// MultiDeliverer fans a message out to every channel. It fails only when all
// channels fail.
type MultiDeliverer struct {
	names    []string
	channels []Deliverer
	closers  []func() error
}

// NewMultiDeliverer creates an empty fan-out.
func NewMultiDeliverer() *MultiDeliverer {
	return &MultiDeliverer{}
}

// Add registers a named channel.
func (m *MultiDeliverer) Add(name string, d Deliverer) *MultiDeliverer {
	m.names = append(m.names, name)
	m.channels = append(m.channels, d)
	if c, ok := d.(interface{ Close() error }); ok {
		m.closers = append(m.closers, c.Close)
	}
	return m
}

// Channels returns the registered channel names.
func (m *MultiDeliverer) Channels() []string {
	return append([]string(nil), m.names...)
}

// Deliver implements Deliverer.
func (m *MultiDeliverer) Deliver(ctx context.Context, manager agent.Target, msg OutboundMessage) error {
	if len(m.channels) == 0 {
		return ErrNoDeliverer
	}

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for i, d := range m.channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.Deliver(ctx, manager, msg); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", m.names[i], err))
				errMu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(errs) == len(m.channels) {
		return fmt.Errorf("all channels failed: %w", errors.Join(errs...))
	}
	return nil
}

// Close releases channel resources.
func (m *MultiDeliverer) Close() error {
	var errs []error
	for _, c := range m.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Build creates the fan-out described by cfg. Channel setup errors are
// returned; a configuration with no channel yields an empty fan-out whose
// Deliver returns ErrNoDeliverer.
func Build(cfg Config, host Sender) (*MultiDeliverer, error) {
	m := NewMultiDeliverer()
	if !cfg.Enabled {
		return m, nil
	}
	opts := cfg.RenderOptions()
	if cfg.Tmux.Enabled && host != nil {
		m.Add("tmux", NewTmuxDeliverer(host, opts))
	}
	if cfg.Log.Enabled && cfg.Log.Path != "" {
		m.Add("log", NewLogDeliverer(cfg.Log.Path, opts))
	}
	if cfg.NATS.Enabled {
		d, err := NewNATSDeliverer(cfg.NATS, opts)
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		m.Add("nats", d)
	}
	return m, nil
}
