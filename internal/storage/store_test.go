package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "labrelay/pkg/logx"
)

func openAll(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{"memory": NewMemory()}
	for _, driver := range []string{"file", "sqlite"} {
		st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, driver, "relay.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("open %s: %v", driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[driver] = st
	}
	return out
}

func TestStoreContactsAndPairings(t *testing.T) {
	ctx := context.Background()
	for name, st := range openAll(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			if _, ok, err := st.GetContact(ctx, "919876543210"); err != nil || ok {
				t.Fatalf("GetContact on empty store = %v, %v", ok, err)
			}
			if err := st.PutContact(ctx, Contact{Phone: "919876543210", ChatID: 42, Name: "Lab"}); err != nil {
				t.Fatalf("PutContact: %v", err)
			}
			if err := st.PutContact(ctx, Contact{Phone: "919876543210", ChatID: 43}); err != nil {
				t.Fatalf("PutContact overwrite: %v", err)
			}
			c, ok, err := st.GetContact(ctx, "919876543210")
			if err != nil || !ok {
				t.Fatalf("GetContact = %v, %v", ok, err)
			}
			if c.ChatID != 43 {
				t.Fatalf("ChatID = %d, want 43", c.ChatID)
			}

			if err := st.PutPairing(ctx, Pairing{Channel: "telegram", UserID: 7, Username: "ops"}); err != nil {
				t.Fatalf("PutPairing: %v", err)
			}
			p, ok, err := st.GetPairing(ctx, "telegram")
			if err != nil || !ok || p.UserID != 7 || p.Username != "ops" {
				t.Fatalf("GetPairing = %+v, %v, %v", p, ok, err)
			}
			if err := st.DeletePairing(ctx, "telegram"); err != nil {
				t.Fatalf("DeletePairing: %v", err)
			}
			if _, ok, _ := st.GetPairing(ctx, "telegram"); ok {
				t.Fatal("pairing should be gone")
			}
			if err := st.AppendAudit(ctx, AuditEntry{Component: "session", Action: "ready"}); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	cfg := Config{Driver: "file", Path: path}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = st.PutContact(ctx, Contact{Phone: "911234567890", ChatID: 1, UpdatedAt: time.Unix(100, 0)})
	_ = st.PutPairing(ctx, Pairing{Channel: "telegram", UserID: 9})
	_ = st.PutPairing(ctx, Pairing{Channel: "other", UserID: 3})
	_ = st.DeletePairing(ctx, "other")
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if c, ok, _ := st.GetContact(ctx, "911234567890"); !ok || c.ChatID != 1 {
		t.Fatalf("contact after reopen = %+v, %v", c, ok)
	}
	if p, ok, _ := st.GetPairing(ctx, "telegram"); !ok || p.UserID != 9 {
		t.Fatalf("pairing after reopen = %+v, %v", p, ok)
	}
	if _, ok, _ := st.GetPairing(ctx, "other"); ok {
		t.Fatal("deleted pairing resurrected")
	}
}

func TestMemoryAuditBounded(t *testing.T) {
	t.Parallel()
	st := NewMemory().(*memoryStore)
	for i := 0; i < memoryAuditMax+10; i++ {
		_ = st.AppendAudit(context.Background(), AuditEntry{Component: "c", Action: "a"})
	}
	if got := len(st.Audit()); got != memoryAuditMax {
		t.Fatalf("audit len = %d, want %d", got, memoryAuditMax)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
