package repo

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user/entity"
)

func newMockRepo(t *testing.T) (*UserRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewUserRepo(sqlx.NewDb(db, "postgres")), mock
}

var userCols = []string{"id", "email", "password_hash", "password_algo", "roles", "status", "provider",
	"login_failed_attempts", "locked_until", "last_login_at", "created_at", "updated_at", "deactivated_at"}

func TestUserRepoGetByEmailScansRoles(t *testing.T) {
	r, mock := newMockRepo(t)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE email=$1")).
		WithArgs("a@example.com").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("u1", "a@example.com", "hash", "bcrypt:12", "{USER,ADMIN}", "active", "local", 0, nil, nil, now, now, nil))

	u, err := r.GetByEmail(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u.ID != "u1" || len(u.Roles) != 2 || u.Roles[1] != "ADMIN" || u.LockedUntil != nil {
		t.Fatalf("unexpected user %+v", u)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUserRepoCreateDuplicate(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnError(&pq.Error{Code: "23505"})

	err := r.Create(context.Background(), &entity.User{ID: "u1", Email: "a@example.com", Roles: pq.StringArray{"USER"}})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestUserRepoLockIfThreshold(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE users SET status='locked'")).
		WithArgs("u1", 15, 6).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE users SET status='locked'")).
		WithArgs("u1", 15, 6).
		WillReturnError(sql.ErrNoRows)

	locked, err := r.LockIfThreshold(context.Background(), "u1", 6, 15)
	if err != nil || !locked {
		t.Fatalf("first: locked=%v err=%v", locked, err)
	}
	locked, err = r.LockIfThreshold(context.Background(), "u1", 6, 15)
	if err != nil || locked {
		t.Fatalf("second: locked=%v err=%v", locked, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUserRepoDeactivateReactivate(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE users SET status='disabled'")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE users SET status='disabled'")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE users SET status='active', deactivated_at=NULL")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	ctx := context.Background()
	if ok, err := r.Deactivate(ctx, "u1"); err != nil || !ok {
		t.Fatalf("deactivate: ok=%v err=%v", ok, err)
	}
	if ok, err := r.Deactivate(ctx, "missing"); err != nil || ok {
		t.Fatalf("deactivate missing: ok=%v err=%v", ok, err)
	}
	if ok, err := r.Reactivate(ctx, "u1"); err != nil || !ok {
		t.Fatalf("reactivate: ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUserRepoCreateWithAccount(t *testing.T) {
	r, mock := newMockRepo(t)
	u := &entity.User{ID: "u1", Email: "g@example.com", Roles: pq.StringArray{"USER"}, Status: entity.StatusActive, Provider: entity.ProviderGoogle}
	a := &entity.AuthAccount{ID: "a1", UserID: "u1", Provider: entity.ProviderGoogle, ProviderUserID: "sub-1"}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs("u1", "g@example.com", "", "", sqlmock.AnyArg(), "active", "google").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO auth_accounts")).
		WithArgs("a1", "u1", "google", "sub-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	if err := r.CreateWithAccount(context.Background(), u, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()
	if err := r.CreateWithAccount(context.Background(), u, a); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUserRepoGetByAccount(t *testing.T) {
	r, mock := newMockRepo(t)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("JOIN auth_accounts a ON a.user_id = u.id")).
		WithArgs("google", "sub-1").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("u1", "g@example.com", "", "", "{USER}", "active", "google", 0, nil, nil, now, now, nil))

	u, err := r.GetByAccount(context.Background(), "google", "sub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u.ID != "u1" || u.Provider != entity.ProviderGoogle || u.PasswordHash != "" {
		t.Fatalf("unexpected user %+v", u)
	}
}
