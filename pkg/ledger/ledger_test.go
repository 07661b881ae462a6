package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// exercise runs the shared contract against any backend.
func exercise(t *testing.T, l Ledger) {
	t.Helper()
	ctx := context.Background()

	if _, err := l.Get(ctx, "alice", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}

	commit, err := l.Set(ctx, "alice", "example.com", []byte("v1"))
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := commit.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	entry, err := l.Get(ctx, "alice", "example.com")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(entry.Data) != "v1" {
		t.Errorf("Get() = %q, want v1", entry.Data)
	}
	if entry.Timestamp.IsZero() {
		t.Error("Get() timestamp should be set")
	}

	// Overwrite
	commit, err = l.Set(ctx, "alice", "example.com", []byte("v2"))
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := commit.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	entry, err = l.Get(ctx, "alice", "example.com")
	if err != nil || string(entry.Data) != "v2" {
		t.Errorf("Get() after overwrite = %q, %v", entry.Data, err)
	}

	for _, key := range []string{"b.org", "a.net"} {
		commit, err := l.Set(ctx, "alice", key, []byte(key))
		if err != nil {
			t.Fatalf("Set(%s) error = %v", key, err)
		}
		if err := commit.Wait(ctx); err != nil {
			t.Fatalf("Wait(%s) error = %v", key, err)
		}
	}
	commit, err = l.Set(ctx, "bob", "other.com", []byte("x"))
	if err != nil {
		t.Fatalf("Set(bob) error = %v", err)
	}
	if err := commit.Wait(ctx); err != nil {
		t.Fatalf("Wait(bob) error = %v", err)
	}

	keys, err := l.List(ctx, "alice")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"a.net", "b.org", "example.com"}
	if len(keys) != len(want) {
		t.Fatalf("List() = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("List()[%d] = %s, want %s", i, keys[i], want[i])
		}
	}

	commit, err = l.Delete(ctx, "alice", "b.org")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := commit.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if _, err := l.Get(ctx, "alice", "b.org"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestMemoryLedger(t *testing.T) {
	exercise(t, NewMemory())
}

func TestMemoryLedgerWithLatency(t *testing.T) {
	exercise(t, NewMemory(WithCommitLatency(5*time.Millisecond)))
}

func TestMemoryLedgerWriteNotVisibleBeforeCommit(t *testing.T) {
	m := NewMemory(WithCommitLatency(200 * time.Millisecond))
	ctx := context.Background()

	commit, err := m.Set(ctx, "alice", "k", []byte("v"))
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := m.Get(ctx, "alice", "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() before commit error = %v, want ErrNotFound", err)
	}
	if err := commit.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if _, err := m.Get(ctx, "alice", "k"); err != nil {
		t.Errorf("Get() after commit error = %v", err)
	}
}

func TestMemoryLedgerWaitHonoursContext(t *testing.T) {
	m := NewMemory(WithCommitLatency(time.Hour))
	commit, err := m.Set(context.Background(), "alice", "k", []byte("v"))
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := commit.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
	}
}

func TestMemoryLedgerFault(t *testing.T) {
	boom := errors.New("rpc down")
	m := NewMemory(WithFault(func(op Op, _, _ string) error {
		if op == OpSet {
			return boom
		}
		return nil
	}))

	if _, err := m.Set(context.Background(), "alice", "k", []byte("v")); !errors.Is(err, boom) {
		t.Errorf("Set() error = %v, want injected fault", err)
	}
	if _, err := m.List(context.Background(), "alice"); err != nil {
		t.Errorf("List() error = %v", err)
	}

	m.SetFault(nil)
	if _, err := m.Set(context.Background(), "alice", "k", []byte("v")); err != nil {
		t.Errorf("Set() after clearing fault error = %v", err)
	}
}

func TestMemoryLedgerClosed(t *testing.T) {
	m := NewMemory()
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := m.Get(context.Background(), "alice", "k"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get() after Close error = %v, want ErrClosed", err)
	}
}

func TestSQLiteLedger(t *testing.T) {
	l, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger", "ledger.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer l.Close()

	exercise(t, l)
}

func TestSQLiteLedgerPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	l, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	commit, err := l.Set(ctx, "alice", "__VAULT_DATA__", []byte("record"))
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := commit.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	l.Close()

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() reopen error = %v", err)
	}
	defer reopened.Close()

	entry, err := reopened.Get(ctx, "alice", "__VAULT_DATA__")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(entry.Data) != "record" {
		t.Errorf("Get() = %q, want record", entry.Data)
	}
}

func TestDiskSpace(t *testing.T) {
	info, err := diskSpace(t.TempDir())
	if err != nil {
		t.Skipf("disk stats unavailable: %v", err)
	}
	if info.Total == 0 {
		t.Error("Total should be non-zero")
	}
	if info.UsedPct < 0 || info.UsedPct > 100 {
		t.Errorf("UsedPct = %d, want 0-100", info.UsedPct)
	}
}
