package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"labrelay/internal/storage"
	kit "labrelay/internal/transport"
	logx "labrelay/pkg/logx"
)

// fakeBotAPI serves the handful of Bot API methods the channel calls.
type fakeBotAPI struct {
	mu      sync.Mutex
	updates []string
	nextID  int
	calls   []string
}

func (f *fakeBotAPI) push(update string) {
	f.mu.Lock()
	f.updates = append(f.updates, update)
	f.mu.Unlock()
}

func (f *fakeBotAPI) called(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := path.Base(r.URL.Path)
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch method {
	case "getMe":
		fmt.Fprint(w, `{"ok":true,"result":{"id":99,"is_bot":true,"first_name":"Relay","username":"relay_bot"}}`)
	case "getUpdates":
		f.mu.Lock()
		pending := f.updates
		f.updates = nil
		f.mu.Unlock()
		if len(pending) == 0 {
			select {
			case <-r.Context().Done():
			case <-time.After(20 * time.Millisecond):
			}
		}
		fmt.Fprintf(w, `{"ok":true,"result":[%s]}`, strings.Join(pending, ","))
	case "sendMessage":
		f.mu.Lock()
		f.nextID++
		id := f.nextID
		f.mu.Unlock()
		fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":1700000000,"chat":{"id":42,"type":"private"}}}`, id)
	case "sendDocument":
		f.mu.Lock()
		f.nextID++
		id := f.nextID
		f.mu.Unlock()
		fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":1700000000,"chat":{"id":42,"type":"private"},`+
			`"document":{"file_id":"f%d","file_unique_id":"u%d","file_name":"report.pdf"},"caption":"c"}}`, id, id, id)
	default:
		fmt.Fprint(w, `{"ok":true,"result":true}`)
	}
}

func newTestChannel(t *testing.T, store storage.Store, owners ...int64) (*Channel, *fakeBotAPI) {
	t.Helper()
	api := &fakeBotAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	ch, err := New(Config{
		Token:          "123:TEST",
		APIURL:         srv.URL,
		PollTimeout:    time.Second,
		OwnerUserIDs:   owners,
		HealthInterval: time.Hour,
		RatePerSec:     100,
		Burst:          10,
	}, store, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ch, api
}

func collect(t *testing.T) (kit.Emit, <-chan kit.Event) {
	t.Helper()
	out := make(chan kit.Event, 16)
	return func(e kit.Event) { out <- e }, out
}

func next(t *testing.T, events <-chan kit.Event) kit.Event {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("no event")
		return kit.Event{}
	}
}

func TestStoredPairingSkipsChallenge(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	_ = store.PutPairing(ctx, storage.Pairing{Channel: channelName, UserID: 7})
	_ = store.PutContact(ctx, storage.Contact{Phone: "919876543210", ChatID: 42})

	ch, api := newTestChannel(t, store)
	emit, events := collect(t)
	sess, err := ch.InitializeSession(ctx, emit)
	if err != nil {
		t.Fatalf("InitializeSession: %v", err)
	}
	defer sess.Teardown(ctx)

	if e := next(t, events); e.Kind != kit.EventAuthenticated {
		t.Fatalf("first event = %+v", e)
	}
	if e := next(t, events); e.Kind != kit.EventReady {
		t.Fatalf("second event = %+v", e)
	}

	id, err := sess.SendText(ctx, "919876543210", "HbA1c: 5.4%")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if id != "42:1" {
		t.Fatalf("message id = %q", id)
	}
	ack := next(t, events)
	if ack.Kind != kit.EventDeliveryAck || ack.MessageID != id || ack.Level != kit.AckSent {
		t.Fatalf("ack = %+v", ack)
	}

	doc := filepath.Join(t.TempDir(), "report.pdf")
	if err := os.WriteFile(doc, []byte("%PDF-1.4"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.SendMediaWithCaption(ctx, "919876543210", doc, "Full report"); err != nil {
		t.Fatalf("SendMediaWithCaption: %v", err)
	}
	if api.called("sendDocument") != 1 {
		t.Fatal("sendDocument not called")
	}

	if _, err := sess.SendText(ctx, "911111111111", "nobody"); !errors.Is(err, kit.ErrUnknownRecipient) {
		t.Fatalf("unknown recipient err = %v", err)
	}
}

func TestPairCommandCompletesPairing(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	ch, api := newTestChannel(t, store, 7)
	emit, events := collect(t)
	sess, err := ch.InitializeSession(ctx, emit)
	if err != nil {
		t.Fatalf("InitializeSession: %v", err)
	}
	defer sess.Teardown(ctx)

	challenge := next(t, events)
	if challenge.Kind != kit.EventPairingChallenge {
		t.Fatalf("event = %+v", challenge)
	}
	if !regexp.MustCompile(`^\d{6}$`).MatchString(challenge.Code) {
		t.Fatalf("pairing code %q is not six digits", challenge.Code)
	}

	update := func(id, from int, text string) string {
		return fmt.Sprintf(`{"update_id":%d,"message":{"message_id":%d,"date":1700000000,"text":%q,`+
			`"from":{"id":%d,"is_bot":false,"first_name":"Op"},"chat":{"id":%d,"type":"private"}}}`,
			id, id, text, from, from)
	}
	// A stranger's attempt is ignored.
	api.push(update(1, 5, "/pair "+challenge.Code))
	api.push(update(2, 7, "/pair "+challenge.Code))

	if e := next(t, events); e.Kind != kit.EventAuthenticated {
		t.Fatalf("event = %+v", e)
	}
	if e := next(t, events); e.Kind != kit.EventReady {
		t.Fatalf("event = %+v", e)
	}
	p, ok, _ := store.GetPairing(ctx, channelName)
	if !ok || p.UserID != 7 {
		t.Fatalf("stored pairing = %+v, %v", p, ok)
	}
}

func TestTeardownClosesSession(t *testing.T) {
	ctx := context.Background()
	ch, _ := newTestChannel(t, storage.NewMemory())
	emit, _ := collect(t)
	sess, err := ch.InitializeSession(ctx, emit)
	if err != nil {
		t.Fatalf("InitializeSession: %v", err)
	}
	if err := sess.Teardown(ctx); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if _, err := sess.SendText(ctx, "919876543210", "x"); !errors.Is(err, kit.ErrSessionClosed) {
		t.Fatalf("SendText after teardown = %v", err)
	}
	if err := sess.Teardown(ctx); err != nil {
		t.Fatalf("second Teardown: %v", err)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, nil, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestIsOwner(t *testing.T) {
	t.Parallel()
	open := &Channel{}
	if !open.isOwner(1) {
		t.Fatal("no owners configured should allow anyone")
	}
	restricted := &Channel{cfg: Config{OwnerUserIDs: []int64{7, 8}}}
	if !restricted.isOwner(8) || restricted.isOwner(9) {
		t.Fatal("owner check mismatch")
	}
}

func TestIsUnauthorized(t *testing.T) {
	t.Parallel()
	if !isUnauthorized(errors.New("telegram: Unauthorized (401)")) {
		t.Fatal("401 not detected")
	}
	if isUnauthorized(errors.New("timeout")) || isUnauthorized(nil) {
		t.Fatal("false positive")
	}
}
