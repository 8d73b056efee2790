package logging

import (
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"
)

func TestLevelSeverity(t *testing.T) {
	tests := []struct {
		level slog.Level
		want  int
	}{
		{slog.LevelDebug, sevDebug},
		{slog.LevelInfo, sevInfo},
		{slog.LevelWarn, sevWarning},
		{slog.LevelError, sevError},
		{slog.LevelError + 4, sevError},
	}
	for _, tc := range tests {
		if got := levelSeverity(tc.level); got != tc.want {
			t.Errorf("levelSeverity(%v) = %d, want %d", tc.level, got, tc.want)
		}
	}
}

func TestFormatRecord(t *testing.T) {
	r := slog.NewRecord(time.Now(), slog.LevelInfo, "worker ready", 0)
	r.AddAttrs(slog.String("iface", "em0"), slog.Int("rings", 4))

	got := formatRecord(r, []slog.Attr{slog.String("pid", "42")})
	want := "worker ready pid=42 iface=em0 rings=4"
	if got != want {
		t.Fatalf("formatRecord = %q, want %q", got, want)
	}
}

func TestSyslogForwarding(t *testing.T) {
	// Listen on a local UDP socket acting as the collector.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	client, err := newSyslogClient(pc.LocalAddr().String())
	if err != nil {
		t.Fatalf("newSyslogClient: %v", err)
	}
	defer client.Close()

	if err := client.send(sevWarning, "ring error event iface=em0"); err != nil {
		t.Fatalf("send: %v", err)
	}

	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("collector read: %v", err)
	}
	msg := string(buf[:n])

	if !strings.HasPrefix(msg, "<132>") { // local0.warning
		t.Errorf("priority wrong: %q", msg)
	}
	if !strings.Contains(msg, "ringcapd: ring error event iface=em0") {
		t.Errorf("payload wrong: %q", msg)
	}
}
