package factory

import (
	"path/filepath"
	"testing"

	pg "github.com/capturd/capturd/internal/store/postgres"
	sq "github.com/capturd/capturd/internal/store/sqlite"
)

func TestNewFromDSN(t *testing.T) {
	dir := t.TempDir()

	st, err := NewFromDSN(filepath.Join(dir, "bare.db"))
	if err != nil {
		t.Fatalf("bare path: %v", err)
	}
	if _, ok := st.(*sq.DB); !ok {
		t.Fatalf("bare path must select sqlite, got %T", st)
	}
	_ = st.Close()

	st, err = NewFromDSN("sqlite://" + filepath.Join(dir, "scheme.db"))
	if err != nil {
		t.Fatalf("sqlite scheme: %v", err)
	}
	if _, ok := st.(*sq.DB); !ok {
		t.Fatalf("sqlite scheme must select sqlite, got %T", st)
	}
	_ = st.Close()

	// pgx opens lazily, so no server is needed to pick the backend
	st, err = NewFromDSN("postgres://u:p@localhost:5432/db")
	if err != nil {
		t.Fatalf("postgres scheme: %v", err)
	}
	if _, ok := st.(*pg.DB); !ok {
		t.Fatalf("postgres scheme must select postgres, got %T", st)
	}
	_ = st.Close()

	if _, err := NewFromDSN("  "); err == nil {
		t.Fatal("empty DSN must fail")
	}
}
