package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/iurnickita/admarket/internal/model"
	"github.com/iurnickita/admarket/internal/store/config"
)

type Store interface {
	AuthRegister(ctx context.Context, user model.User) (string, error)
	AuthLogin(ctx context.Context, login string) (model.User, error)
	AdvertisementPost(ctx context.Context, ad model.Advertisement) error
	AdvertisementGet(ctx context.Context, id string) (model.Advertisement, error)
	AdvertisementAccept(ctx context.Context, id string, reporter string, acceptedAt time.Time) error
	ProofPost(ctx context.Context, proof model.Proof) error
	ProofGet(ctx context.Context, key model.ProofKey) (model.Proof, error)
	ProofPut(ctx context.Context, proof model.Proof, prevStatus string) error
	ProofGetByAdvertisement(ctx context.Context, advertisement string) ([]model.Proof, error)
	WalletGet(ctx context.Context, key model.WalletKey) (model.Wallet, error)
	WalletGetHistory(ctx context.Context, key model.WalletKey) ([]model.WalletTransaction, error)
	WalletGetTransaction(ctx context.Context, key model.WalletKey, operation int64) (model.WalletTransaction, error)
	WalletDebit(ctx context.Context, key model.WalletKey, amount int64, description string) (model.WalletTransaction, error)
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx - операции, выполняемые внутри одной транзакции БД.
// Ошибка fn откатывает все изменения.
type Tx interface {
	AdvertisementLock(ctx context.Context, id string) (model.Advertisement, error)
	ProofGetByAdvertisement(ctx context.Context, advertisement string) ([]model.Proof, error)
	ProofReject(ctx context.Context, key model.ProofKey, rejectedAt time.Time, rejectedBy string, note string) error
	AdvertisementReporterReject(ctx context.Context, key model.ProofKey, rejectedAt time.Time, rejectedBy string, note string) error
	// WalletCredit изолирован точкой сохранения: при ошибке откатывается только зачисление,
	// транзакция остается рабочей.
	WalletCredit(ctx context.Context, key model.WalletKey, amount int64, description string) (model.WalletTransaction, error)
	AdvertisementComplete(ctx context.Context, ad model.Advertisement) error
}

var (
	ErrNoRows            = errors.New("no rows")
	ErrAlreadyExists     = errors.New("already exists")
	ErrConflict          = errors.New("status conflict")
	ErrAmountIncorrect   = errors.New("amount value is incorrect")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

const pgUniqueViolation = "23505"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type store struct {
	database *sql.DB
}

func NewStore(cfg config.Config) (Store, error) {
	db, err := sql.Open("pgx", cfg.DBDsn)
	if err != nil {
		return nil, err
	}

	err = migrate(context.Background(), db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return newStore(db), nil
}

func newStore(db *sql.DB) *store {
	return &store{database: db}
}

func migrate(ctx context.Context, db *sql.DB) error {
	tables := []string{
		// Таблица учетных записей
		"CREATE TABLE IF NOT EXISTS auth (" +
			" login VARCHAR (64) PRIMARY KEY," +
			" uuid SERIAL UNIQUE," +
			" password VARCHAR (72) NOT NULL," +
			" name VARCHAR (128) NOT NULL," +
			" role VARCHAR (16) NOT NULL" +
			" );",
		// Таблица кампаний.
		// completion_summary пишется один раз вместе со статусом completed
		"CREATE TABLE IF NOT EXISTS advertisement (" +
			" id VARCHAR (36) PRIMARY KEY," +
			" advertiser VARCHAR (36) NOT NULL," +
			" title TEXT NOT NULL," +
			" required_reporter_count INTEGER NOT NULL CHECK (required_reporter_count >= 0)," +
			" final_reporter_price BIGINT NOT NULL CHECK (final_reporter_price >= 0)," +
			" status VARCHAR (16) NOT NULL," +
			" created_at TIMESTAMP NOT NULL," +
			" completed_at TIMESTAMP," +
			" completed_by VARCHAR (36)," +
			" completed_by_name TEXT," +
			" completion_summary JSONB" +
			" );",
		// Репортеры, принявшие кампанию. position задает порядок принятия
		"CREATE TABLE IF NOT EXISTS advertisement_reporter (" +
			" advertisement VARCHAR (36) NOT NULL REFERENCES advertisement (id)," +
			" reporter VARCHAR (36) NOT NULL," +
			" position SERIAL," +
			" status VARCHAR (16) NOT NULL," +
			" accepted_at TIMESTAMP NOT NULL," +
			" post_status VARCHAR (16) NOT NULL DEFAULT ''," +
			" rejected_at TIMESTAMP," +
			" rejected_by VARCHAR (36) NOT NULL DEFAULT ''," +
			" rejection_note TEXT NOT NULL DEFAULT ''," +
			" PRIMARY KEY (advertisement, reporter)" +
			" );",
		// Подтверждения. Не более одного на пару (кампания, репортер), не удаляются
		"CREATE TABLE IF NOT EXISTS proof (" +
			" advertisement VARCHAR (36) NOT NULL REFERENCES advertisement (id)," +
			" reporter VARCHAR (36) NOT NULL," +
			" status VARCHAR (16) NOT NULL," +
			" channel TEXT NOT NULL DEFAULT ''," +
			" platform TEXT NOT NULL DEFAULT ''," +
			" url TEXT NOT NULL DEFAULT ''," +
			" completion_url TEXT NOT NULL DEFAULT ''," +
			" submitted_at TIMESTAMP NOT NULL," +
			" admin_accepted_at TIMESTAMP," +
			" completed_at TIMESTAMP," +
			" admin_approved_at TIMESTAMP," +
			" admin_rejected_at TIMESTAMP," +
			" rejected_by VARCHAR (36) NOT NULL DEFAULT ''," +
			" rejection_note TEXT NOT NULL DEFAULT ''," +
			" PRIMARY KEY (advertisement, reporter)" +
			" );",
		// Кошелек: текущий баланс по паре (пользователь, тип пользователя)
		"CREATE TABLE IF NOT EXISTS wallet (" +
			" customer VARCHAR (36)," +
			" user_type VARCHAR (16)," +
			" balance BIGINT NOT NULL CHECK (balance >= 0)," +
			" created_at TIMESTAMP NOT NULL," +
			" updated_at TIMESTAMP NOT NULL," +
			" PRIMARY KEY (customer, user_type)" +
			" );",
		// Журнал операций кошелька. Только добавление
		"CREATE TABLE IF NOT EXISTS wallet_transaction (" +
			" operation BIGSERIAL PRIMARY KEY," +
			" customer VARCHAR (36) NOT NULL," +
			" user_type VARCHAR (16) NOT NULL," +
			" direction VARCHAR (8) NOT NULL," +
			" amount BIGINT NOT NULL CHECK (amount > 0)," +
			" balance_after BIGINT NOT NULL," +
			" description TEXT NOT NULL," +
			" status VARCHAR (16) NOT NULL," +
			" timestamp TIMESTAMP NOT NULL" +
			" );",
	}
	for _, table := range tables {
		if _, err := db.ExecContext(ctx, table); err != nil {
			return err
		}
	}
	return nil
}

func (store *store) Close() error {
	return store.database.Close()
}

func (store *store) InTx(ctx context.Context, fn func(tx Tx) error) error {
	sqltx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	err = fn(&tx{tx: sqltx})
	if err != nil {
		if rbErr := sqltx.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return sqltx.Commit()
}

func (store *store) AuthRegister(ctx context.Context, user model.User) (string, error) {
	// Запись нового пользователя
	row := store.database.QueryRowContext(ctx,
		"INSERT INTO auth (login, password, name, role)"+
			" VALUES ($1, $2, $3, $4)"+
			" RETURNING uuid",
		user.Data.Login,
		user.Data.Password,
		user.Data.Name,
		user.Data.Role)

	// Получение ID пользователя
	var uuid int
	err := row.Scan(&uuid)
	if err != nil {
		if isUniqueViolation(err) {
			return "", ErrAlreadyExists
		}
		return "", err
	}

	return strconv.Itoa(uuid), nil
}

func (store *store) AuthLogin(ctx context.Context, login string) (model.User, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT uuid, login, password, name, role FROM auth"+
			" WHERE login = $1",
		login)
	var uuid int
	var user model.User
	err := row.Scan(&uuid,
		&user.Data.Login,
		&user.Data.Password,
		&user.Data.Name,
		&user.Data.Role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrNoRows
		}
		return model.User{}, err
	}
	user.Code = strconv.Itoa(uuid)

	return user, nil
}

func (store *store) AdvertisementPost(ctx context.Context, ad model.Advertisement) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO advertisement (id, advertiser, title, required_reporter_count, final_reporter_price, status, created_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7)",
		ad.ID,
		ad.Data.Advertiser,
		ad.Data.Title,
		ad.Data.RequiredReporterCount,
		ad.Data.FinalReporterPrice,
		ad.Data.Status,
		ad.Data.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (store *store) AdvertisementGet(ctx context.Context, id string) (model.Advertisement, error) {
	return advertisementGet(ctx, store.database, id, false)
}

func (store *store) AdvertisementAccept(ctx context.Context, id string, reporter string, acceptedAt time.Time) error {
	return store.InTx(ctx, func(t Tx) error {
		ad, err := t.AdvertisementLock(ctx, id)
		if err != nil {
			return err
		}
		if ad.Data.Status != model.AdvertisementStatusActive {
			return ErrConflict
		}

		_, err = t.(*tx).tx.ExecContext(ctx,
			"INSERT INTO advertisement_reporter (advertisement, reporter, status, accepted_at)"+
				" VALUES ($1, $2, $3, $4)",
			id,
			reporter,
			model.ReporterStatusAccepted,
			acceptedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return err
		}
		return nil
	})
}

func (store *store) ProofPost(ctx context.Context, proof model.Proof) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO proof (advertisement, reporter, status, channel, platform, url, submitted_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7)",
		proof.Key.Advertisement,
		proof.Key.Reporter,
		proof.Data.Status,
		proof.Data.Channel,
		proof.Data.Platform,
		proof.Data.URL,
		proof.Data.SubmittedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (store *store) ProofGet(ctx context.Context, key model.ProofKey) (model.Proof, error) {
	row := store.database.QueryRowContext(ctx,
		proofSelect+
			" WHERE advertisement = $1"+
			"   AND reporter = $2",
		key.Advertisement,
		key.Reporter)
	proof, err := scanProof(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Proof{}, ErrNoRows
		}
		return model.Proof{}, err
	}
	return proof, nil
}

func (store *store) ProofPut(ctx context.Context, proof model.Proof, prevStatus string) error {
	// Обновление только из ожидаемого статуса
	res, err := store.database.ExecContext(ctx,
		"UPDATE proof"+
			" SET status = $1, completion_url = $2, admin_accepted_at = $3, completed_at = $4,"+
			"     admin_approved_at = $5, admin_rejected_at = $6, rejected_by = $7, rejection_note = $8"+
			" WHERE advertisement = $9"+
			"   AND reporter = $10"+
			"   AND status = $11",
		proof.Data.Status,
		proof.Data.CompletionURL,
		timeArg(proof.Data.AdminAcceptedAt),
		timeArg(proof.Data.CompletedAt),
		timeArg(proof.Data.AdminApprovedAt),
		timeArg(proof.Data.AdminRejectedAt),
		proof.Data.RejectedBy,
		proof.Data.RejectionNote,
		proof.Key.Advertisement,
		proof.Key.Reporter,
		prevStatus)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrConflict)
}

func (store *store) ProofGetByAdvertisement(ctx context.Context, advertisement string) ([]model.Proof, error) {
	return proofGetByAdvertisement(ctx, store.database, advertisement)
}

func (store *store) WalletGet(ctx context.Context, key model.WalletKey) (model.Wallet, error) {
	// Кошелек создается при первом обращении
	now := time.Now().UTC()
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO wallet (customer, user_type, balance, created_at, updated_at)"+
			" VALUES ($1, $2, 0, $3, $3)"+
			" ON CONFLICT (customer, user_type) DO NOTHING",
		key.User,
		key.UserType,
		now)
	if err != nil {
		return model.Wallet{}, err
	}

	wallet := model.Wallet{Key: key}
	row := store.database.QueryRowContext(ctx,
		"SELECT balance, created_at, updated_at FROM wallet"+
			" WHERE customer = $1"+
			"   AND user_type = $2",
		key.User,
		key.UserType)
	err = row.Scan(&wallet.Data.Balance,
		&wallet.Data.CreatedAt,
		&wallet.Data.UpdatedAt)
	if err != nil {
		return model.Wallet{}, err
	}
	return wallet, nil
}

func (store *store) WalletGetHistory(ctx context.Context, key model.WalletKey) ([]model.WalletTransaction, error) {
	rows, err := store.database.QueryContext(ctx,
		walletTransactionSelect+
			" WHERE customer = $1"+
			"   AND user_type = $2"+
			" ORDER BY operation",
		key.User,
		key.UserType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []model.WalletTransaction
	for rows.Next() {
		trx, err := scanWalletTransaction(rows)
		if err != nil {
			return nil, err
		}
		history = append(history, trx)
	}
	return history, rows.Err()
}

func (store *store) WalletGetTransaction(ctx context.Context, key model.WalletKey, operation int64) (model.WalletTransaction, error) {
	row := store.database.QueryRowContext(ctx,
		walletTransactionSelect+
			" WHERE customer = $1"+
			"   AND user_type = $2"+
			"   AND operation = $3",
		key.User,
		key.UserType,
		operation)
	trx, err := scanWalletTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.WalletTransaction{}, ErrNoRows
		}
		return model.WalletTransaction{}, err
	}
	return trx, nil
}

func (store *store) WalletDebit(ctx context.Context, key model.WalletKey, amount int64, description string) (model.WalletTransaction, error) {
	var trx model.WalletTransaction
	err := store.InTx(ctx, func(t Tx) error {
		var err error
		trx, err = walletApply(ctx, t.(*tx).tx, key, model.DirectionDebit, amount, description)
		return err
	})
	return trx, err
}

// Транзакция

type tx struct {
	tx *sql.Tx
}

func (t *tx) AdvertisementLock(ctx context.Context, id string) (model.Advertisement, error) {
	return advertisementGet(ctx, t.tx, id, true)
}

func (t *tx) ProofGetByAdvertisement(ctx context.Context, advertisement string) ([]model.Proof, error) {
	return proofGetByAdvertisement(ctx, t.tx, advertisement)
}

func (t *tx) ProofReject(ctx context.Context, key model.ProofKey, rejectedAt time.Time, rejectedBy string, note string) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE proof"+
			" SET status = $1, admin_rejected_at = $2, rejected_by = $3, rejection_note = $4"+
			" WHERE advertisement = $5"+
			"   AND reporter = $6",
		model.ProofStatusRejected,
		rejectedAt,
		rejectedBy,
		note,
		key.Advertisement,
		key.Reporter)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrNoRows)
}

func (t *tx) AdvertisementReporterReject(ctx context.Context, key model.ProofKey, rejectedAt time.Time, rejectedBy string, note string) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE advertisement_reporter"+
			" SET post_status = $1, rejected_at = $2, rejected_by = $3, rejection_note = $4"+
			" WHERE advertisement = $5"+
			"   AND reporter = $6",
		model.PostStatusRejected,
		rejectedAt,
		rejectedBy,
		note,
		key.Advertisement,
		key.Reporter)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrNoRows)
}

func (t *tx) WalletCredit(ctx context.Context, key model.WalletKey, amount int64, description string) (model.WalletTransaction, error) {
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT wallet_credit"); err != nil {
		return model.WalletTransaction{}, err
	}

	trx, err := walletApply(ctx, t.tx, key, model.DirectionCredit, amount, description)
	if err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT wallet_credit"); rbErr != nil {
			return model.WalletTransaction{}, errors.Join(err, rbErr)
		}
		return model.WalletTransaction{}, err
	}

	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT wallet_credit"); err != nil {
		return model.WalletTransaction{}, err
	}
	return trx, nil
}

func (t *tx) AdvertisementComplete(ctx context.Context, ad model.Advertisement) error {
	var summary []byte
	if ad.Data.CompletionSummary != nil {
		var err error
		summary, err = json.Marshal(ad.Data.CompletionSummary)
		if err != nil {
			return err
		}
	}

	// compare-and-swap по статусу: повторное завершение не проходит
	res, err := t.tx.ExecContext(ctx,
		"UPDATE advertisement"+
			" SET status = $1, completed_at = $2, completed_by = $3, completed_by_name = $4, completion_summary = $5"+
			" WHERE id = $6"+
			"   AND status = $7",
		model.AdvertisementStatusCompleted,
		timeArg(ad.Data.CompletedAt),
		ad.Data.CompletedBy,
		ad.Data.CompletedByName,
		summary,
		ad.ID,
		model.AdvertisementStatusActive)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrConflict)
}

// Общие запросы для БД и транзакции

func advertisementGet(ctx context.Context, q querier, id string, forUpdate bool) (model.Advertisement, error) {
	query := "SELECT id, advertiser, title, required_reporter_count, final_reporter_price, status, created_at," +
		" completed_at, completed_by, completed_by_name, completion_summary" +
		" FROM advertisement" +
		" WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}

	var ad model.Advertisement
	var completedAt sql.NullTime
	var completedBy, completedByName sql.NullString
	var summary []byte
	err := q.QueryRowContext(ctx, query, id).Scan(&ad.ID,
		&ad.Data.Advertiser,
		&ad.Data.Title,
		&ad.Data.RequiredReporterCount,
		&ad.Data.FinalReporterPrice,
		&ad.Data.Status,
		&ad.Data.CreatedAt,
		&completedAt,
		&completedBy,
		&completedByName,
		&summary)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Advertisement{}, ErrNoRows
		}
		return model.Advertisement{}, err
	}
	ad.Data.CompletedAt = timePtr(completedAt)
	ad.Data.CompletedBy = completedBy.String
	ad.Data.CompletedByName = completedByName.String
	if len(summary) > 0 {
		ad.Data.CompletionSummary = &model.CompletionSummary{}
		if err := json.Unmarshal(summary, ad.Data.CompletionSummary); err != nil {
			return model.Advertisement{}, err
		}
	}

	// Принявшие репортеры в порядке принятия
	rows, err := q.QueryContext(ctx,
		"SELECT reporter, position, status, accepted_at, post_status, rejected_at, rejected_by, rejection_note"+
			" FROM advertisement_reporter"+
			" WHERE advertisement = $1"+
			" ORDER BY position",
		id)
	if err != nil {
		return model.Advertisement{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var reporter model.AcceptedReporter
		var rejectedAt sql.NullTime
		err := rows.Scan(&reporter.Reporter,
			&reporter.Position,
			&reporter.Status,
			&reporter.AcceptedAt,
			&reporter.PostStatus,
			&rejectedAt,
			&reporter.RejectedBy,
			&reporter.RejectionNote)
		if err != nil {
			return model.Advertisement{}, err
		}
		reporter.RejectedAt = timePtr(rejectedAt)
		ad.Data.AcceptedReporters = append(ad.Data.AcceptedReporters, reporter)
	}

	return ad, rows.Err()
}

const proofSelect = "SELECT advertisement, reporter, status, channel, platform, url, completion_url, submitted_at," +
	" admin_accepted_at, completed_at, admin_approved_at, admin_rejected_at, rejected_by, rejection_note" +
	" FROM proof"

type scanner interface {
	Scan(dest ...any) error
}

func scanProof(row scanner) (model.Proof, error) {
	var proof model.Proof
	var acceptedAt, completedAt, approvedAt, rejectedAt sql.NullTime
	err := row.Scan(&proof.Key.Advertisement,
		&proof.Key.Reporter,
		&proof.Data.Status,
		&proof.Data.Channel,
		&proof.Data.Platform,
		&proof.Data.URL,
		&proof.Data.CompletionURL,
		&proof.Data.SubmittedAt,
		&acceptedAt,
		&completedAt,
		&approvedAt,
		&rejectedAt,
		&proof.Data.RejectedBy,
		&proof.Data.RejectionNote)
	if err != nil {
		return model.Proof{}, err
	}
	proof.Data.AdminAcceptedAt = timePtr(acceptedAt)
	proof.Data.CompletedAt = timePtr(completedAt)
	proof.Data.AdminApprovedAt = timePtr(approvedAt)
	proof.Data.AdminRejectedAt = timePtr(rejectedAt)
	return proof, nil
}

func proofGetByAdvertisement(ctx context.Context, q querier, advertisement string) ([]model.Proof, error) {
	rows, err := q.QueryContext(ctx,
		proofSelect+
			" WHERE advertisement = $1"+
			" ORDER BY submitted_at",
		advertisement)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proofs []model.Proof
	for rows.Next() {
		proof, err := scanProof(rows)
		if err != nil {
			return nil, err
		}
		proofs = append(proofs, proof)
	}
	return proofs, rows.Err()
}

const walletTransactionSelect = "SELECT customer, user_type, operation, direction, amount, balance_after, description, status, timestamp" +
	" FROM wallet_transaction"

func scanWalletTransaction(row scanner) (model.WalletTransaction, error) {
	var trx model.WalletTransaction
	err := row.Scan(&trx.Key.User,
		&trx.Key.UserType,
		&trx.Data.Operation,
		&trx.Data.Direction,
		&trx.Data.Amount,
		&trx.Data.BalanceAfter,
		&trx.Data.Description,
		&trx.Data.Status,
		&trx.Data.Timestamp)
	return trx, err
}

// walletApply добавляет операцию в журнал и пересчитывает баланс.
// Должна вызываться внутри транзакции: строка кошелька блокируется до commit.
func walletApply(ctx context.Context, q querier, key model.WalletKey, direction string, amount int64, description string) (model.WalletTransaction, error) {
	if amount <= 0 {
		return model.WalletTransaction{}, ErrAmountIncorrect
	}

	now := time.Now().UTC()
	_, err := q.ExecContext(ctx,
		"INSERT INTO wallet (customer, user_type, balance, created_at, updated_at)"+
			" VALUES ($1, $2, 0, $3, $3)"+
			" ON CONFLICT (customer, user_type) DO NOTHING",
		key.User,
		key.UserType,
		now)
	if err != nil {
		return model.WalletTransaction{}, err
	}

	var balance int64
	err = q.QueryRowContext(ctx,
		"SELECT balance FROM wallet"+
			" WHERE customer = $1"+
			"   AND user_type = $2"+
			" FOR UPDATE",
		key.User,
		key.UserType).Scan(&balance)
	if err != nil {
		return model.WalletTransaction{}, err
	}

	switch direction {
	case model.DirectionCredit:
		balance += amount
	case model.DirectionDebit:
		// Проверка достаточно средств
		if balance < amount {
			return model.WalletTransaction{}, ErrInsufficientFunds
		}
		balance -= amount
	}

	trx := model.WalletTransaction{Key: key,
		Data: model.WalletTransactionData{
			Direction:    direction,
			Amount:       amount,
			BalanceAfter: balance,
			Description:  description,
			Status:       model.TransactionStatusCompleted,
			Timestamp:    now}}
	err = q.QueryRowContext(ctx,
		"INSERT INTO wallet_transaction (customer, user_type, direction, amount, balance_after, description, status, timestamp)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)"+
			" RETURNING operation",
		key.User,
		key.UserType,
		trx.Data.Direction,
		trx.Data.Amount,
		trx.Data.BalanceAfter,
		trx.Data.Description,
		trx.Data.Status,
		trx.Data.Timestamp).Scan(&trx.Data.Operation)
	if err != nil {
		return model.WalletTransaction{}, err
	}

	_, err = q.ExecContext(ctx,
		"UPDATE wallet SET balance = $1, updated_at = $2"+
			" WHERE customer = $3"+
			"   AND user_type = $4",
		balance,
		now,
		key.User,
		key.UserType)
	if err != nil {
		return model.WalletTransaction{}, err
	}

	return trx, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func expectAffected(res sql.Result, errNone error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errNone
	}
	return nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
