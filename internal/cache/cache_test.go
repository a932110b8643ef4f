package cache

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/livechat/internal/identity"
	"github.com/haasonsaas/livechat/pkg/models"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	sqlite, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	memSQLite, err := OpenSQLite(context.Background(), "")
	if err != nil {
		t.Fatalf("OpenSQLite(memory): %v", err)
	}
	t.Cleanup(func() { memSQLite.Close() })

	return map[string]Backend{
		"memory":        NewMemory(),
		"sqlite-file":   sqlite,
		"sqlite-memory": memSQLite,
	}
}

func TestBackends(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := backend.Get(ctx, "cache:missing"); !errors.Is(err, ErrMiss) {
				t.Fatalf("Get missing = %v, want ErrMiss", err)
			}
			if err := backend.Set(ctx, "cache:a", []byte("1")); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := backend.Set(ctx, "cache:a", []byte("2")); err != nil {
				t.Fatalf("Set overwrite: %v", err)
			}
			if err := backend.Set(ctx, "cache:b_1", []byte("3")); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := backend.Set(ctx, "other", []byte("4")); err != nil {
				t.Fatalf("Set: %v", err)
			}

			got, err := backend.Get(ctx, "cache:a")
			if err != nil || string(got) != "2" {
				t.Fatalf("Get = %q, %v", got, err)
			}

			keys, err := backend.Keys(ctx, "cache:")
			if err != nil {
				t.Fatalf("Keys: %v", err)
			}
			if len(keys) != 2 || keys[0] != "cache:a" || keys[1] != "cache:b_1" {
				t.Errorf("Keys = %v", keys)
			}

			if err := backend.Delete(ctx, "cache:a", "cache:nope"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := backend.Get(ctx, "cache:a"); !errors.Is(err, ErrMiss) {
				t.Errorf("Get after delete = %v, want ErrMiss", err)
			}
			if err := backend.Delete(ctx); err != nil {
				t.Errorf("Delete with no keys: %v", err)
			}
		})
	}
}

func TestCache_TypedDocuments(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemory())
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := c.LoadConversations(ctx); !errors.Is(err, ErrMiss) {
		t.Fatalf("LoadConversations on empty cache = %v, want ErrMiss", err)
	}

	convs := []models.Conversation{{ID: "C1", CounterpartName: "Ada", LastMessageAt: at, UnreadCount: 2, Tags: []string{"vip"}}}
	if err := c.SaveConversations(ctx, convs); err != nil {
		t.Fatalf("SaveConversations: %v", err)
	}
	loaded, err := c.LoadConversations(ctx)
	if err != nil {
		t.Fatalf("LoadConversations: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "C1" || loaded[0].UnreadCount != 2 || !loaded[0].LastMessageAt.Equal(at) {
		t.Errorf("loaded = %+v", loaded)
	}

	msgs := []models.Message{{ConversationID: "C1", SenderID: "cust", Text: "hi", CreatedAt: at, DeliveryID: "m1", State: models.DeliveryConfirmed}}
	if err := c.SaveMessages(ctx, "C1", msgs); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}
	gotMsgs, err := c.LoadMessages(ctx, "C1")
	if err != nil || len(gotMsgs) != 1 || gotMsgs[0].DeliveryID != "m1" {
		t.Fatalf("LoadMessages = %+v, %v", gotMsgs, err)
	}
	if err := c.DeleteMessages(ctx, "C1"); err != nil {
		t.Fatalf("DeleteMessages: %v", err)
	}
	if _, err := c.LoadMessages(ctx, "C1"); !errors.Is(err, ErrMiss) {
		t.Errorf("LoadMessages after delete = %v, want ErrMiss", err)
	}
}

func TestCache_SessionStore(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemory())

	if _, err := c.LoadSession(ctx, models.RoleGuest); !errors.Is(err, identity.ErrNoSession) {
		t.Fatalf("LoadSession = %v, want ErrNoSession", err)
	}
	if err := c.SaveSession(ctx, models.RoleGuest, "guest-1"); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	raw, err := c.Raw(ctx, IdentityKey(models.RoleGuest))
	if err != nil || string(raw) != `"guest-1"` {
		t.Errorf("raw identity entry = %s, %v", raw, err)
	}

	// Guest allocation runs on top of the cache.
	guests := identity.NewGuests(c)
	id, err := guests.Acquire(ctx)
	if err != nil || id != "guest-1" {
		t.Fatalf("Acquire = %q, %v", id, err)
	}
	if _, err := guests.Purge(ctx); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := c.LoadSession(ctx, models.RoleGuest); !errors.Is(err, identity.ErrNoSession) {
		t.Errorf("expected purged session, got %v", err)
	}
}

func TestCache_EntriesAndPurge(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory()
	c := New(backend)

	_ = c.SaveConversations(ctx, nil)
	_ = c.SaveMessages(ctx, "C1", []models.Message{{Text: "x"}})
	_ = c.SaveSession(ctx, models.RoleStaff, "staff-1")
	_ = backend.Set(ctx, "unrelated", []byte("keep"))

	entries, err := c.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %+v, want 3", entries)
	}
	if entries[0].Key != "cache:conversations" || entries[0].Size == 0 {
		t.Errorf("first entry = %+v", entries[0])
	}

	n, err := c.Purge(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Purge = %d, %v", n, err)
	}
	if _, err := backend.Get(ctx, "unrelated"); err != nil {
		t.Errorf("Purge must only touch cache keys: %v", err)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	for _, cfg := range []Config{{}, {Backend: "memory"}, {Backend: "SQLite", Path: filepath.Join(t.TempDir(), "c.db")}} {
		c, err := Open(ctx, cfg)
		if err != nil {
			t.Fatalf("Open(%+v): %v", cfg, err)
		}
		c.Close()
	}
	if _, err := Open(ctx, Config{Backend: "redis"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func newMockSQLite(t *testing.T) (*SQLite, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS cache_entries").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewSQLite(context.Background(), db)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return s, mock, db
}

func TestSQLite_Statements(t *testing.T) {
	s, mock, db := newMockSQLite(t)
	defer db.Close()
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO cache_entries").
		WithArgs("cache:conversations", []byte("[]"), int64(1700000000000)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := s.Set(ctx, "cache:conversations", []byte("[]")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	mock.ExpectQuery("SELECT value FROM cache_entries").
		WithArgs("cache:conversations").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte("[]")))
	if got, err := s.Get(ctx, "cache:conversations"); err != nil || string(got) != "[]" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	mock.ExpectQuery("SELECT value FROM cache_entries").
		WithArgs("cache:missing").
		WillReturnError(sql.ErrNoRows)
	if _, err := s.Get(ctx, "cache:missing"); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get missing = %v, want ErrMiss", err)
	}

	mock.ExpectQuery("SELECT key FROM cache_entries").
		WithArgs(len("cache:"), "cache:").
		WillReturnRows(sqlmock.NewRows([]string{"key"}).AddRow("cache:conversations").AddRow("cache:messages:C1"))
	keys, err := s.Keys(ctx, "cache:")
	if err != nil || len(keys) != 2 {
		t.Fatalf("Keys = %v, %v", keys, err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM cache_entries").WithArgs("cache:conversations").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM cache_entries").WithArgs("cache:messages:C1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	if err := s.Delete(ctx, keys...); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLite_ErrorsAreWrapped(t *testing.T) {
	s, mock, db := newMockSQLite(t)
	defer db.Close()
	ctx := context.Background()
	boom := errors.New("disk I/O error")

	mock.ExpectExec("INSERT INTO cache_entries").WillReturnError(boom)
	if err := s.Set(ctx, "cache:x", []byte("1")); !errors.Is(err, boom) {
		t.Errorf("Set error = %v, want wrapped boom", err)
	}

	mock.ExpectQuery("SELECT value FROM cache_entries").WillReturnError(boom)
	if _, err := s.Get(ctx, "cache:x"); !errors.Is(err, boom) || errors.Is(err, ErrMiss) {
		t.Errorf("Get error = %v, want wrapped boom", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM cache_entries").WillReturnError(boom)
	mock.ExpectRollback()
	if err := s.Delete(ctx, "cache:x"); !errors.Is(err, boom) {
		t.Errorf("Delete error = %v, want wrapped boom", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestNewSQLite_InitFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("read-only database"))
	if _, err := NewSQLite(context.Background(), db); err == nil {
		t.Fatal("expected init error")
	}
}
