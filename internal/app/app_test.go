package app

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"labrelay/internal/transport/loopback"
)

const appConfig = `{
  "channel": {"driver": "loopback", "loopback": {"auto_ack": true}},
  "session": {"reconnect_base": "50ms", "max_reconnect_attempts": 3, "auto_initialize": true},
  "delivery": {"inter_message_delay": "10ms", "attachment_grace": "10ms", "country_code": "%CC%"},
  "api": {"enabled": true, "addr": "127.0.0.1:0"},
  "logging": {"level": "error", "console": false}
}`

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func writeConfig(t *testing.T, path, cc string) {
	t.Helper()
	body := strings.ReplaceAll(appConfig, "%CC%", cc)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

// Not parallel: New installs the process-wide logger.
func TestAppLifecycleAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, "91")

	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stopped := false
	defer func() {
		if !stopped {
			_ = a.Stop(context.Background(), StopUnknown)
		}
	}()

	eventually(t, a.Relay().IsReady, "session ready")
	eventually(t, func() bool { return a.APIAddr() != "" }, "api listening")

	resp, err := http.Get("http://" + a.APIAddr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	ch := a.channel.(*loopback.Channel)
	if _, err := a.Relay().Enqueue(ctx, "98765 43210", "report ready", ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	eventually(t, func() bool { return len(ch.Sent()) == 1 }, "first send")
	if got := ch.Sent()[0].Recipient; got != "919876543210" {
		t.Fatalf("recipient = %q", got)
	}

	writeConfig(t, path, "44")
	eventually(t, func() bool { return a.cfgm.Get().Delivery.CountryCode == "44" }, "config reload")
	// applyConfig runs after the manager commits; poll through the relay.
	eventually(t, func() bool {
		id, err := a.Relay().Enqueue(ctx, "9876543210", "reload check", "")
		if err != nil {
			return false
		}
		e, ok := a.Relay().Message(id)
		return ok && e.Recipient == "449876543210"
	}, "delivery config applied")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	stopped = true
	select {
	case <-a.Done():
	default:
		t.Fatal("app context still live after Stop")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"channel": {"driver": "carrier-pigeon"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
