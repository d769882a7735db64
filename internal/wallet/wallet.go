package wallet

import (
	"context"
	"errors"

	"github.com/theplant/luhn"

	"github.com/iurnickita/admarket/internal/model"
	"github.com/iurnickita/admarket/internal/store"
)

type Wallet interface {
	Get(ctx context.Context, key model.WalletKey) (model.Wallet, error)
	GetHistory(ctx context.Context, key model.WalletKey) ([]model.WalletTransaction, error)
	GetTransaction(ctx context.Context, key model.WalletKey, reference int64) (model.WalletTransaction, error)
	Debit(ctx context.Context, key model.WalletKey, amount int64, description string) (model.WalletTransaction, error)
}

var (
	ErrInsufficientData  = errors.New("insufficient data")
	ErrAmountIncorrect   = errors.New("amount value is incorrect")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidReference  = errors.New("invalid transaction reference")
	ErrNotFound          = errors.New("transaction not found")
)

type wallet struct {
	store store.Store
}

func NewWallet(store store.Store) Wallet {
	return &wallet{store: store}
}

// Reference - номер операции с контрольной цифрой по алгоритму Луна.
func Reference(operation int64) int64 {
	return operation*10 + int64(luhn.CalculateLuhn(int(operation)))
}

// Operation восстанавливает номер операции из Reference.
func Operation(reference int64) (int64, error) {
	if reference < 10 || !luhn.Valid(int(reference)) {
		return 0, ErrInvalidReference
	}
	return reference / 10, nil
}

func (w *wallet) Get(ctx context.Context, key model.WalletKey) (model.Wallet, error) {
	if err := validKey(key); err != nil {
		return model.Wallet{}, err
	}
	return w.store.WalletGet(ctx, key)
}

func (w *wallet) GetHistory(ctx context.Context, key model.WalletKey) ([]model.WalletTransaction, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	return w.store.WalletGetHistory(ctx, key)
}

func (w *wallet) GetTransaction(ctx context.Context, key model.WalletKey, reference int64) (model.WalletTransaction, error) {
	if err := validKey(key); err != nil {
		return model.WalletTransaction{}, err
	}
	operation, err := Operation(reference)
	if err != nil {
		return model.WalletTransaction{}, err
	}

	trx, err := w.store.WalletGetTransaction(ctx, key, operation)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.WalletTransaction{}, ErrNotFound
		}
		return model.WalletTransaction{}, err
	}
	return trx, nil
}

func (w *wallet) Debit(ctx context.Context, key model.WalletKey, amount int64, description string) (model.WalletTransaction, error) {
	if err := validKey(key); err != nil {
		return model.WalletTransaction{}, err
	}
	trx, err := w.store.WalletDebit(ctx, key, amount, description)
	return trx, mapStoreErr(err)
}

func validKey(key model.WalletKey) error {
	if key.User == "" || key.UserType == "" {
		return ErrInsufficientData
	}
	return nil
}

func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrAmountIncorrect):
		return ErrAmountIncorrect
	case errors.Is(err, store.ErrInsufficientFunds):
		return ErrInsufficientFunds
	default:
		return err
	}
}
