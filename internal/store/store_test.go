package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/iurnickita/admarket/internal/model"
	"github.com/iurnickita/admarket/internal/store/config"
)

func newMockStore(t *testing.T) (*store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newStore(db), mock
}

func TestStoreMigrate(t *testing.T) {
	s, mock := newMockStore(t)

	for _, table := range []string{"auth", "advertisement", "advertisement_reporter", "proof", "wallet", "wallet_transaction"} {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + table + " \\(").
			WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, migrate(context.Background(), s.database))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreAuthRegisterDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO auth").
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation})

	_, err := s.AuthRegister(context.Background(), model.User{Data: model.UserData{Login: "anna", Password: "hash"}})
	require.ErrorIs(t, err, ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreAuthLogin(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT uuid, login, password, name, role FROM auth").
		WithArgs("anna").
		WillReturnRows(sqlmock.NewRows([]string{"uuid", "login", "password", "name", "role"}).
			AddRow(7, "anna", "hash", "Anna", model.UserTypeAdmin))

	user, err := s.AuthLogin(context.Background(), "anna")
	require.NoError(t, err)
	require.Equal(t, "7", user.Code)
	require.Equal(t, model.UserTypeAdmin, user.Data.Role)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreAdvertisementGet(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery("FROM advertisement WHERE id = (.+)").
		WithArgs("ad-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "advertiser", "title", "required_reporter_count",
			"final_reporter_price", "status", "created_at", "completed_at", "completed_by", "completed_by_name",
			"completion_summary"}).
			AddRow("ad-1", "11", "Launch", 2, int64(50000), model.AdvertisementStatusCompleted, created,
				created, "1", "Root", []byte(`{"totalReporters":2,"totalRefundAmount":50000}`)))
	mock.ExpectQuery("FROM advertisement_reporter WHERE advertisement = (.+) ORDER BY position").
		WithArgs("ad-1").
		WillReturnRows(sqlmock.NewRows([]string{"reporter", "position", "status", "accepted_at", "post_status",
			"rejected_at", "rejected_by", "rejection_note"}).
			AddRow("21", 1, model.ReporterStatusAccepted, created, "", nil, "", "").
			AddRow("22", 2, model.ReporterStatusAccepted, created, model.PostStatusRejected, created, "1", "no proof submitted"))

	ad, err := s.AdvertisementGet(context.Background(), "ad-1")
	require.NoError(t, err)
	require.Equal(t, 2, ad.Data.RequiredReporterCount)
	require.Len(t, ad.Data.AcceptedReporters, 2)
	require.Equal(t, "21", ad.Data.AcceptedReporters[0].Reporter)
	require.Nil(t, ad.Data.AcceptedReporters[0].RejectedAt)
	require.NotNil(t, ad.Data.AcceptedReporters[1].RejectedAt)
	require.NotNil(t, ad.Data.CompletionSummary)
	require.Equal(t, int64(50000), ad.Data.CompletionSummary.TotalRefundAmount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreAdvertisementGetMissing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM advertisement WHERE id").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.AdvertisementGet(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func expectWalletApply(mock sqlmock.Sqlmock, balance int64, operation int64) {
	mock.ExpectExec("INSERT INTO wallet \\(customer, user_type, balance").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT balance FROM wallet (.+) FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(balance))
	mock.ExpectQuery("INSERT INTO wallet_transaction").
		WillReturnRows(sqlmock.NewRows([]string{"operation"}).AddRow(operation))
	mock.ExpectExec("UPDATE wallet SET balance").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestStoreWalletCredit(t *testing.T) {
	s, mock := newMockStore(t)
	key := model.WalletKey{User: "11", UserType: model.UserTypeAdvertiser}

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT wallet_credit").WillReturnResult(sqlmock.NewResult(0, 0))
	expectWalletApply(mock, 1000, 42)
	mock.ExpectExec("RELEASE SAVEPOINT wallet_credit").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	var trx model.WalletTransaction
	err := s.InTx(context.Background(), func(t Tx) error {
		var err error
		trx, err = t.WalletCredit(context.Background(), key, 500, "refund")
		return err
	})
	require.NoError(t, err)
	require.Equal(t, int64(42), trx.Data.Operation)
	require.Equal(t, int64(1500), trx.Data.BalanceAfter)
	require.Equal(t, model.DirectionCredit, trx.Data.Direction)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreWalletDebitInsufficientFunds(t *testing.T) {
	s, mock := newMockStore(t)
	key := model.WalletKey{User: "11", UserType: model.UserTypeAdvertiser}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO wallet \\(customer, user_type, balance").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT balance FROM wallet").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(100)))
	mock.ExpectRollback()

	_, err := s.WalletDebit(context.Background(), key, 500, "withdraw")
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreTxWalletCreditSavepoint(t *testing.T) {
	s, mock := newMockStore(t)
	key := model.WalletKey{User: "11", UserType: model.UserTypeAdvertiser}
	failure := errors.New("wallet is locked")

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT wallet_credit").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO wallet \\(customer, user_type, balance").WillReturnError(failure)
	mock.ExpectExec("ROLLBACK TO SAVEPOINT wallet_credit").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE advertisement SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.InTx(context.Background(), func(t Tx) error {
		_, err := t.WalletCredit(context.Background(), key, 500, "refund")
		if !errors.Is(err, failure) {
			return errors.New("expected wallet failure")
		}
		now := time.Now()
		return t.AdvertisementComplete(context.Background(), model.Advertisement{ID: "ad-1",
			Data: model.AdvertisementData{CompletedAt: &now, CompletedBy: "1"}})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreTxAdvertisementCompleteConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE advertisement SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(t Tx) error {
		return t.AdvertisementComplete(context.Background(), model.Advertisement{ID: "ad-1"})
	})
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreProofPutConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE proof SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))

	proof := model.Proof{Key: model.ProofKey{Advertisement: "ad-1", Reporter: "21"},
		Data: model.ProofData{Status: model.ProofStatusAccepted}}
	err := s.ProofPut(context.Background(), proof, model.ProofStatusPending)
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URI not set; skipping postgres integration test")
	}

	s, err := NewStore(config.Config{DBDsn: dsn})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	key := model.WalletKey{User: "integration", UserType: model.UserTypeAdvertiser}

	// начальный баланс
	wallet, err := s.WalletGet(ctx, key)
	require.NoError(t, err)
	startBalance := wallet.Data.Balance

	// увеличение на 300
	err = s.InTx(ctx, func(t Tx) error {
		_, err := t.WalletCredit(ctx, key, 300, "integration credit")
		return err
	})
	require.NoError(t, err)

	// уменьшение на 300
	_, err = s.WalletDebit(ctx, key, 300, "integration debit")
	require.NoError(t, err)

	wallet, err = s.WalletGet(ctx, key)
	require.NoError(t, err)
	require.Equal(t, startBalance, wallet.Data.Balance)
}
