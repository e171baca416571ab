package db

import (
	"context"
	"errors"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/kinoramahq/kinorama-backend/pkg/config"
)

type journalRow struct {
	ID   int
	Note string
}

func openTestConn(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&journalRow{}); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return conn
}

func countNotes(t *testing.T, conn *gorm.DB, note string) int64 {
	t.Helper()
	var count int64
	if err := conn.Model(&journalRow{}).Where("note = ?", note).Count(&count).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return count
}

func TestNewRejectsMisconfiguration(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.DBConfig
	}{
		{name: "missing dsn", cfg: config.DBConfig{Driver: "postgres"}},
		{name: "unsupported driver", cfg: config.DBConfig{DSN: "postgres://x", Driver: "mysql"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(context.Background(), tc.cfg, nil); err == nil {
				t.Fatal("expected configuration error")
			}
		})
	}
}

func TestWithTxCommitsOnNil(t *testing.T) {
	client := &Client{conn: openTestConn(t)}

	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		return tx.Create(&journalRow{Note: "kept"}).Error
	})
	if err != nil {
		t.Fatalf("commit path failed: %v", err)
	}
	if got := countNotes(t, client.conn, "kept"); got != 1 {
		t.Fatalf("expected committed row, got %d", got)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	client := &Client{conn: openTestConn(t)}

	wantErr := errors.New("boom")
	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		if err := tx.Create(&journalRow{Note: "discarded"}).Error; err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected fn error back, got %v", err)
	}
	if got := countNotes(t, client.conn, "discarded"); got != 0 {
		t.Fatalf("expected rollback, found %d rows", got)
	}
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	client := &Client{conn: openTestConn(t)}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = client.WithTx(context.Background(), func(tx *gorm.DB) error {
			if err := tx.Create(&journalRow{Note: "panicked"}).Error; err != nil {
				return err
			}
			panic("mid-transaction failure")
		})
	}()

	if got := countNotes(t, client.conn, "panicked"); got != 0 {
		t.Fatalf("expected rollback after panic, found %d rows", got)
	}
}

func TestPingAnswersOnOpenHandle(t *testing.T) {
	client := &Client{conn: openTestConn(t)}
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected ping error: %v", err)
	}
}
