package repo

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/refresh"
)

var tokenColumns = []string{"id", "user_id", "token_hash", "created_at", "expires_at", "revoked", "replaced_by"}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(sqlx.NewDb(db, "postgres")), mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func TestPostgresGetByHash(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	next := "t2"
	mock.ExpectQuery(q("FROM auth_refresh_tokens WHERE token_hash=$1")).
		WithArgs("h1").
		WillReturnRows(sqlmock.NewRows(tokenColumns).AddRow("t1", "u1", "h1", now, now.Add(time.Hour), true, next))
	mock.ExpectQuery(q("FROM auth_refresh_tokens WHERE token_hash=$1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(tokenColumns))

	tok, err := s.GetByHash(context.Background(), "h1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tok.ID != "t1" || tok.UserID != "u1" || !tok.Revoked || tok.ReplacedBy == nil || *tok.ReplacedBy != "t2" {
		t.Fatalf("unexpected token %+v", tok)
	}
	if _, err := s.GetByHash(context.Background(), "missing"); !errors.Is(err, refresh.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresRotateCommits(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	cur := &refresh.Token{ID: "t1", UserID: "u1", TokenHash: "h1"}
	next := &refresh.Token{ID: "t2", UserID: "u1", TokenHash: "h2", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}

	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO auth_refresh_tokens")).
		WithArgs("t2", "u1", "h2", sqlmock.AnyArg(), sqlmock.AnyArg(), false, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE auth_refresh_tokens SET revoked=true, replaced_by=$2 WHERE id=$1 AND revoked=false")).
		WithArgs("t1", "t2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.Rotate(context.Background(), cur, next); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if !cur.Revoked || cur.ReplacedBy == nil || *cur.ReplacedBy != "t2" {
		t.Fatalf("current not updated: %+v", cur)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresRotateLosesRace(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	cur := &refresh.Token{ID: "t1", UserID: "u1", TokenHash: "h1"}
	next := &refresh.Token{ID: "t3", UserID: "u1", TokenHash: "h3", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}

	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO auth_refresh_tokens")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE auth_refresh_tokens SET revoked=true, replaced_by=$2")).
		WithArgs("t1", "t3").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.Rotate(context.Background(), cur, next)
	if !errors.Is(err, refresh.ErrTokenAlreadyRevoked) {
		t.Fatalf("expected ErrTokenAlreadyRevoked, got %v", err)
	}
	if cur.Revoked {
		t.Fatal("current must not change when the CAS loses")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresRevoke(t *testing.T) {
	s, mock := newMockStore(t)
	tok := &refresh.Token{ID: "t1"}
	mock.ExpectExec(q("UPDATE auth_refresh_tokens SET revoked=true WHERE id=$1 AND revoked=false")).
		WithArgs("t1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE auth_refresh_tokens SET revoked=true WHERE id=$1 AND revoked=false")).
		WithArgs("t1").WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.Revoke(context.Background(), tok)
	if err != nil || !ok || !tok.Revoked {
		t.Fatalf("first revoke: ok=%v err=%v", ok, err)
	}
	ok, err = s.Revoke(context.Background(), tok)
	if err != nil || ok {
		t.Fatalf("second revoke: ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresRevokeAllAndList(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectExec(q("UPDATE auth_refresh_tokens SET revoked=true WHERE user_id=$1 AND revoked=false")).
		WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectQuery(q("WHERE user_id=$1 AND revoked=false AND expires_at > $2 ORDER BY created_at, id")).
		WithArgs("u2", now).
		WillReturnRows(sqlmock.NewRows(tokenColumns).
			AddRow("a", "u2", "ha", now.Add(-time.Hour), now.Add(time.Hour), false, nil).
			AddRow("b", "u2", "hb", now, now.Add(2*time.Hour), false, nil))

	n, err := s.RevokeAllForUser(context.Background(), "u1")
	if err != nil || n != 3 {
		t.Fatalf("revoke all: n=%d err=%v", n, err)
	}
	rows, err := s.ListActiveByUser(context.Background(), "u2", now)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != "a" || rows[1].ID != "b" || rows[0].ReplacedBy != nil {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresPurgeExpired(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Now()
	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE auth_refresh_tokens SET replaced_by=NULL")).
		WithArgs(cutoff).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("DELETE FROM auth_refresh_tokens WHERE expires_at < $1")).
		WithArgs(cutoff).WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	n, err := s.PurgeExpired(context.Background(), cutoff)
	if err != nil || n != 4 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
