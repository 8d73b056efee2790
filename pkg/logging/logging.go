// Package logging configures the daemon's structured logging: slog with
// a text handler on stderr, optionally mirrored to a remote syslog
// collector so capture diagnostics reach the same place as the sensor
// alerts.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// Syslog severity levels (RFC 3164).
const (
	sevError   = 3
	sevWarning = 4
	sevInfo    = 6
	sevDebug   = 7
)

// Syslog facility: local0 (16).
const facility = 16

// Setup installs the default slog logger. With a non-empty syslogAddr
// (host:port, UDP) records are also forwarded there. The returned
// closer shuts the forwarding connection down.
func Setup(debug bool, syslogAddr string) (func(), error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	base := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})

	if syslogAddr == "" {
		slog.SetDefault(slog.New(base))
		return func() {}, nil
	}

	client, err := newSyslogClient(syslogAddr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(&forwardingHandler{base: base, client: client}))
	return func() { client.Close() }, nil
}

// forwardingHandler is an slog.Handler that mirrors records to a syslog
// client on top of a wrapped base handler.
type forwardingHandler struct {
	base   slog.Handler
	client *syslogClient
	attrs  []slog.Attr
}

// Enabled implements slog.Handler.
func (h *forwardingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *forwardingHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.base.Handle(ctx, r)
	h.client.send(levelSeverity(r.Level), formatRecord(r, h.attrs))
	return err
}

// WithAttrs implements slog.Handler.
func (h *forwardingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &forwardingHandler{
		base:   h.base.WithAttrs(attrs),
		client: h.client,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

// WithGroup implements slog.Handler.
func (h *forwardingHandler) WithGroup(name string) slog.Handler {
	return &forwardingHandler{
		base:   h.base.WithGroup(name),
		client: h.client,
		attrs:  h.attrs,
	}
}

func levelSeverity(level slog.Level) int {
	switch {
	case level >= slog.LevelError:
		return sevError
	case level >= slog.LevelWarn:
		return sevWarning
	case level >= slog.LevelInfo:
		return sevInfo
	default:
		return sevDebug
	}
}

// formatRecord produces a compact text representation of a log record.
func formatRecord(r slog.Record, preAttrs []slog.Attr) string {
	var b strings.Builder
	b.WriteString(r.Message)
	for _, a := range preAttrs {
		fmt.Fprintf(&b, " %s=%s", a.Key, a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%s", a.Key, a.Value.String())
		return true
	})
	return b.String()
}

// syslogClient sends UDP syslog messages (RFC 3164).
type syslogClient struct {
	conn     net.Conn
	hostname string
}

func newSyslogClient(addr string) (*syslogClient, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial syslog %s: %w", addr, err)
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "ringcap"
	}
	return &syslogClient{conn: conn, hostname: hostname}, nil
}

func (s *syslogClient) send(severity int, msg string) error {
	priority := facility*8 + severity
	ts := time.Now().Format(time.Stamp) // "Jan _2 15:04:05"
	line := fmt.Sprintf("<%d>%s %s ringcapd: %s", priority, ts, s.hostname, msg)
	_, err := s.conn.Write([]byte(line))
	return err
}

// Close closes the underlying connection.
func (s *syslogClient) Close() error {
	return s.conn.Close()
}
