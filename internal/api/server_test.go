package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"labrelay/internal/delivery"
	"labrelay/internal/eventbus"
	"labrelay/internal/ledger"
	"labrelay/internal/relay"
	"labrelay/internal/session"
	"labrelay/internal/transport/loopback"
	logx "labrelay/pkg/logx"
)

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fixture struct {
	ch    *loopback.Channel
	relay *relay.Service
	srv   *httptest.Server
	cfg   Config
}

func newFixture(t *testing.T, lcfg loopback.Config, cfg Config) *fixture {
	t.Helper()
	ch := loopback.New(lcfg, logx.Nop())
	svc := relay.New(ch, relay.Config{
		Session: session.Config{ReconnectBase: 20 * time.Millisecond},
		Delivery: delivery.Config{
			InterMessageDelay: 5 * time.Millisecond,
			AttachmentGrace:   30 * time.Millisecond,
		},
		LedgerCapacity: 100,
	}, relay.WithLogger(logx.Nop()))
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)

	api := New(cfg, svc, logx.Nop())
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		srv.Close()
		sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer scancel()
		_ = svc.Shutdown(sctx)
		cancel()
	})
	return &fixture{ch: ch, relay: svc, srv: srv, cfg: api.cfg}
}

func (f *fixture) do(t *testing.T, method, path, token string, body io.Reader, contentType string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (f *fixture) sendJSON(t *testing.T, recipient, message string) (*http.Response, map[string]any) {
	t.Helper()
	b, _ := json.Marshal(sendRequest{Recipient: recipient, Message: message})
	return f.do(t, http.MethodPost, "/api/send-message", "", bytes.NewReader(b), "application/json")
}

func TestHealthAndAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, loopback.Config{}, Config{Token: "s3cret"})

	if resp, _ := f.do(t, http.MethodGet, "/healthz", "", nil, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, "/api/status", "", nil, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, "/api/status", "wrong", nil, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status with wrong token = %d", resp.StatusCode)
	}
	resp, body := f.do(t, http.MethodGet, "/api/status", "s3cret", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with token = %d", resp.StatusCode)
	}
	if body["ready"] != false {
		t.Fatalf("ready = %v", body["ready"])
	}
	workers, _ := body["workers"].(map[string]any)
	if active, _ := workers["active"].(float64); active < 1 {
		t.Fatalf("workers = %v", body["workers"])
	}
	if resp, _ := f.do(t, http.MethodGet, "/api/stats?token=s3cret", "", nil, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("query token = %d", resp.StatusCode)
	}
}

func TestSendMessageValidationAndDelivery(t *testing.T) {
	t.Parallel()
	f := newFixture(t, loopback.Config{}, Config{})

	cases := []struct {
		name      string
		recipient string
		message   string
		want      int
	}{
		{"missing recipient", "", "hello", http.StatusBadRequest},
		{"missing body", "9876543210", "", http.StatusBadRequest},
		{"no digits", "call me", "hello", http.StatusBadRequest},
		{"accepted", "98765 43210", "CBC report ready", http.StatusAccepted},
	}
	var id string
	for _, tc := range cases {
		resp, body := f.sendJSON(t, tc.recipient, tc.message)
		if resp.StatusCode != tc.want {
			t.Fatalf("%s: status = %d body=%v", tc.name, resp.StatusCode, body)
		}
		if tc.want == http.StatusAccepted {
			id, _ = body["id"].(string)
			if body["status"] != string(ledger.StatusQueued) || body["ready"] != false {
				t.Fatalf("%s: body = %v", tc.name, body)
			}
		}
	}
	if id == "" {
		t.Fatal("no id returned")
	}

	resp, _ := f.do(t, http.MethodPost, "/api/send-message", "", strings.NewReader(`{"recipient":"1","msg":"x"}`), "application/json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field = %d", resp.StatusCode)
	}

	if resp, _ := f.do(t, http.MethodPost, "/api/session/initialize", "", nil, ""); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("initialize = %d", resp.StatusCode)
	}
	eventually(t, func() bool {
		e, ok := f.relay.Message(id)
		return ok && e.Status == ledger.StatusSent
	}, "message sent")

	resp, body := f.do(t, http.MethodGet, "/api/messages/"+id, "", nil, "")
	if resp.StatusCode != http.StatusOK || body["status"] != string(ledger.StatusSent) || body["recipient"] != "919876543210" {
		t.Fatalf("message = %d %v", resp.StatusCode, body)
	}
	if resp, _ := f.do(t, http.MethodGet, "/api/messages/nope", "", nil, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown message = %d", resp.StatusCode)
	}

	_, stats := f.do(t, http.MethodGet, "/api/stats", "", nil, "")
	if stats["total"] != float64(1) || stats["sent"] != float64(1) {
		t.Fatalf("stats = %v", stats)
	}
	if sent := f.ch.Sent(); len(sent) != 1 || sent[0].Recipient != "919876543210" {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestSendReportStoresUploadAndCleansUp(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	f := newFixture(t, loopback.Config{}, Config{UploadDir: dir})
	_ = f.relay.Initialize(context.Background())
	eventually(t, f.relay.IsReady, "ready")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("recipient", "9876543210")
	_ = mw.WriteField("message", "Your lipid profile")
	fw, _ := mw.CreateFormFile("file", "../../lipid profile.pdf")
	_, _ = fw.Write([]byte("%PDF-1.4 report"))
	_ = mw.Close()

	resp, body := f.do(t, http.MethodPost, "/api/send-report", "", &buf, mw.FormDataContentType())
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send-report = %d %v", resp.StatusCode, body)
	}
	eventually(t, func() bool { return len(f.ch.Sent()) == 1 }, "media send")
	sent := f.ch.Sent()[0]
	if filepath.Dir(sent.Attachment) != dir {
		t.Fatalf("attachment %q not in upload dir", sent.Attachment)
	}
	if !strings.HasSuffix(sent.Attachment, "-lipid_profile.pdf") {
		t.Fatalf("attachment name = %q", sent.Attachment)
	}
	if sent.Body != "Your lipid profile" {
		t.Fatalf("caption = %q", sent.Body)
	}
	eventually(t, func() bool {
		_, err := os.Stat(sent.Attachment)
		return os.IsNotExist(err)
	}, "upload removed after grace")
}

func TestSendReportRejectedRemovesUpload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	f := newFixture(t, loopback.Config{}, Config{UploadDir: dir})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("message", "no recipient")
	fw, _ := mw.CreateFormFile("file", "r.pdf")
	_, _ = fw.Write([]byte("x"))
	_ = mw.Close()

	resp, _ := f.do(t, http.MethodPost, "/api/send-report", "", &buf, mw.FormDataContentType())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("upload left behind: %v", entries)
	}
}

func TestSendReportWithoutUploadDir(t *testing.T) {
	t.Parallel()
	f := newFixture(t, loopback.Config{}, Config{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("recipient", "9876543210")
	_ = mw.WriteField("message", "text only")
	_ = mw.Close()
	if resp, _ := f.do(t, http.MethodPost, "/api/send-report", "", &buf, mw.FormDataContentType()); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("text-only report = %d", resp.StatusCode)
	}

	buf.Reset()
	mw = multipart.NewWriter(&buf)
	_ = mw.WriteField("recipient", "9876543210")
	_ = mw.WriteField("message", "with file")
	fw, _ := mw.CreateFormFile("file", "r.pdf")
	_, _ = fw.Write([]byte("x"))
	_ = mw.Close()
	if resp, _ := f.do(t, http.MethodPost, "/api/send-report", "", &buf, mw.FormDataContentType()); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("file without upload dir = %d", resp.StatusCode)
	}
}

func TestPairingAndListings(t *testing.T) {
	t.Parallel()
	f := newFixture(t, loopback.Config{RequirePairing: true, PairingCode: "135790"}, Config{})

	_, body := f.do(t, http.MethodGet, "/api/pairing", "", nil, "")
	if body["awaiting"] != false {
		t.Fatalf("pairing before init = %v", body)
	}
	_ = f.relay.Initialize(context.Background())
	eventually(t, func() bool { _, ok := f.relay.PairingChallenge(); return ok }, "pairing challenge")
	_, body = f.do(t, http.MethodGet, "/api/pairing", "", nil, "")
	if body["awaiting"] != true || body["code"] != "135790" || body["phase"] != string(session.PhaseAwaitingPairing) {
		t.Fatalf("pairing = %v", body)
	}

	for _, q := range []string{"/api/messages?limit=0", "/api/messages/failed?limit=x", "/api/messages/recent?hours=-1"} {
		if resp, _ := f.do(t, http.MethodGet, q, "", nil, ""); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s = %d", q, resp.StatusCode)
		}
	}
	f.sendJSON(t, "9876543210", "queued while pairing")
	_, body = f.do(t, http.MethodGet, "/api/messages/recent?hours=1", "", nil, "")
	if msgs, _ := body["messages"].([]any); len(msgs) != 1 {
		t.Fatalf("recent = %v", body)
	}
	_, body = f.do(t, http.MethodGet, "/api/status", "", nil, "")
	queue, _ := body["queue"].(map[string]any)
	if queue["length"] != float64(1) {
		t.Fatalf("queue = %v", body["queue"])
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, loopback.Config{}, Config{RatePerSec: 0.001, Burst: 2})
	for i := 0; i < 2; i++ {
		if resp, _ := f.do(t, http.MethodGet, "/api/stats", "", nil, ""); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d = %d", i, resp.StatusCode)
		}
	}
	resp, _ := f.do(t, http.MethodGet, "/api/stats", "", nil, "")
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("third request = %d", resp.StatusCode)
	}
	// health checks are never limited
	if resp, _ := f.do(t, http.MethodGet, "/healthz", "", nil, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
}

func TestClientLimiterSweep(t *testing.T) {
	t.Parallel()
	l := newClientLimiter(1, 1, time.Minute)
	l.allow("a")
	l.allow("b")
	l.sweep(time.Now().Add(2 * time.Minute))
	if n := l.size(); n != 0 {
		t.Fatalf("entries after sweep = %d", n)
	}
}

func TestEventsStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t, loopback.Config{}, Config{})

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/events?types=session.,delivery."
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	// let the handler subscribe before events flow
	time.Sleep(50 * time.Millisecond)

	_ = f.relay.Initialize(context.Background())
	eventually(t, f.relay.IsReady, "ready")
	f.sendJSON(t, "9876543210", "stream me")

	seen := map[string]bool{}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for !seen[eventbus.SessionPhase] || !seen[eventbus.DeliverySent] {
		var ev struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v (seen %v)", err, seen)
		}
		if strings.HasPrefix(ev.Type, "ledger.") {
			t.Fatalf("filtered type %q delivered", ev.Type)
		}
		seen[ev.Type] = true
	}
}

func TestEventsOriginCheck(t *testing.T) {
	t.Parallel()
	f := newFixture(t, loopback.Config{}, Config{Token: "s3cret"})
	base := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/events"

	cases := []struct {
		name   string
		query  string
		header http.Header
		ok     bool
	}{
		{"query token cross-site", "?token=s3cret", http.Header{"Origin": {"http://evil.example"}}, false},
		{"query token same-origin", "?token=s3cret", http.Header{"Origin": {f.srv.URL}}, true},
		{"header token cross-site", "", http.Header{
			"Origin":        {"http://evil.example"},
			"Authorization": {"Bearer s3cret"},
		}, true},
	}
	for _, tc := range cases {
		conn, resp, err := websocket.DefaultDialer.Dial(base+tc.query, tc.header)
		if tc.ok {
			if err != nil {
				t.Fatalf("%s: dial: %v", tc.name, err)
			}
			conn.Close()
			continue
		}
		if err == nil {
			conn.Close()
			t.Fatalf("%s: upgrade accepted", tc.name)
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("%s: resp = %v, err = %v", tc.name, resp, err)
		}
	}
}

func TestSafeFileName(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"report.pdf":            "report.pdf",
		"../../etc/passwd":      "passwd",
		`C:\lab\cbc result.pdf`: "cbc_result.pdf",
		"..":                    "upload",
		".hidden":               "hidden",
	}
	for in, want := range cases {
		if got := safeFileName(in); got != want {
			t.Errorf("safeFileName(%q) = %q, want %q", in, got, want)
		}
	}
}
