// Package memstore is an in-memory implementation of store.Store. It is safe
// for concurrent use and is intended for tests and local development.
// Transactions are serialized and applied on commit only.
package memstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/iurnickita/admarket/internal/model"
	"github.com/iurnickita/admarket/internal/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu    sync.Mutex
	state *state
}

type state struct {
	nextUser      int
	nextPosition  int
	nextOperation int64
	users         map[string]model.User
	ads           map[string]model.Advertisement
	proofs        []model.Proof
	wallets       map[model.WalletKey]model.Wallet
	transactions  map[model.WalletKey][]model.WalletTransaction
}

func New() *Store {
	return &Store{state: &state{
		nextUser:      1,
		nextPosition:  1,
		nextOperation: 1,
		users:         make(map[string]model.User),
		ads:           make(map[string]model.Advertisement),
		wallets:       make(map[model.WalletKey]model.Wallet),
		transactions:  make(map[model.WalletKey][]model.WalletTransaction),
	}}
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) InTx(_ context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&tx{state: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *Store) AuthRegister(_ context.Context, user model.User) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.users[user.Data.Login]; ok {
		return "", store.ErrAlreadyExists
	}
	user.Code = strconv.Itoa(s.state.nextUser)
	s.state.nextUser++
	s.state.users[user.Data.Login] = user
	return user.Code, nil
}

func (s *Store) AuthLogin(_ context.Context, login string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.state.users[login]
	if !ok {
		return model.User{}, store.ErrNoRows
	}
	return user, nil
}

func (s *Store) AdvertisementPost(_ context.Context, ad model.Advertisement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.ads[ad.ID]; ok {
		return store.ErrAlreadyExists
	}
	ad.Data.AcceptedReporters = nil
	s.state.ads[ad.ID] = ad
	return nil
}

func (s *Store) AdvertisementGet(_ context.Context, id string) (model.Advertisement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.advertisement(id)
}

func (s *Store) AdvertisementAccept(_ context.Context, id string, reporter string, acceptedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ad, err := s.state.advertisement(id)
	if err != nil {
		return err
	}
	if ad.Data.Status != model.AdvertisementStatusActive {
		return store.ErrConflict
	}
	for _, accepted := range ad.Data.AcceptedReporters {
		if accepted.Reporter == reporter {
			return store.ErrAlreadyExists
		}
	}
	ad.Data.AcceptedReporters = append(ad.Data.AcceptedReporters, model.AcceptedReporter{
		Reporter:   reporter,
		Position:   s.state.nextPosition,
		Status:     model.ReporterStatusAccepted,
		AcceptedAt: acceptedAt})
	s.state.nextPosition++
	s.state.ads[id] = ad
	return nil
}

func (s *Store) ProofPost(_ context.Context, proof model.Proof) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.advertisementRaw(proof.Key.Advertisement); !ok {
		return store.ErrNoRows
	}
	if s.state.proofIndex(proof.Key) >= 0 {
		return store.ErrAlreadyExists
	}
	s.state.proofs = append(s.state.proofs, proof)
	return nil
}

func (s *Store) ProofGet(_ context.Context, key model.ProofKey) (model.Proof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.state.proofIndex(key)
	if i < 0 {
		return model.Proof{}, store.ErrNoRows
	}
	return s.state.proofs[i], nil
}

func (s *Store) ProofPut(_ context.Context, proof model.Proof, prevStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.state.proofIndex(proof.Key)
	if i < 0 || s.state.proofs[i].Data.Status != prevStatus {
		return store.ErrConflict
	}
	// Неизменяемые поля сохраняем
	current := s.state.proofs[i]
	proof.Data.Channel = current.Data.Channel
	proof.Data.Platform = current.Data.Platform
	proof.Data.URL = current.Data.URL
	proof.Data.SubmittedAt = current.Data.SubmittedAt
	s.state.proofs[i] = proof
	return nil
}

func (s *Store) ProofGetByAdvertisement(_ context.Context, advertisement string) ([]model.Proof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.proofsByAdvertisement(advertisement), nil
}

func (s *Store) WalletGet(_ context.Context, key model.WalletKey) (model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.wallet(key), nil
}

func (s *Store) WalletGetHistory(_ context.Context, key model.WalletKey) ([]model.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]model.WalletTransaction(nil), s.state.transactions[key]...), nil
}

func (s *Store) WalletGetTransaction(_ context.Context, key model.WalletKey, operation int64) (model.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, trx := range s.state.transactions[key] {
		if trx.Data.Operation == operation {
			return trx, nil
		}
	}
	return model.WalletTransaction{}, store.ErrNoRows
}

func (s *Store) WalletDebit(_ context.Context, key model.WalletKey, amount int64, description string) (model.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.walletApply(key, model.DirectionDebit, amount, description)
}

// Транзакция работает над копией состояния

type tx struct {
	state *state
}

func (t *tx) AdvertisementLock(_ context.Context, id string) (model.Advertisement, error) {
	return t.state.advertisement(id)
}

func (t *tx) ProofGetByAdvertisement(_ context.Context, advertisement string) ([]model.Proof, error) {
	return t.state.proofsByAdvertisement(advertisement), nil
}

func (t *tx) ProofReject(_ context.Context, key model.ProofKey, rejectedAt time.Time, rejectedBy string, note string) error {
	i := t.state.proofIndex(key)
	if i < 0 {
		return store.ErrNoRows
	}
	proof := t.state.proofs[i]
	proof.Data.Status = model.ProofStatusRejected
	proof.Data.AdminRejectedAt = &rejectedAt
	proof.Data.RejectedBy = rejectedBy
	proof.Data.RejectionNote = note
	t.state.proofs[i] = proof
	return nil
}

func (t *tx) AdvertisementReporterReject(_ context.Context, key model.ProofKey, rejectedAt time.Time, rejectedBy string, note string) error {
	ad, ok := t.state.advertisementRaw(key.Advertisement)
	if !ok {
		return store.ErrNoRows
	}
	for i := range ad.Data.AcceptedReporters {
		if ad.Data.AcceptedReporters[i].Reporter == key.Reporter {
			ad.Data.AcceptedReporters[i].PostStatus = model.PostStatusRejected
			ad.Data.AcceptedReporters[i].RejectedAt = &rejectedAt
			ad.Data.AcceptedReporters[i].RejectedBy = rejectedBy
			ad.Data.AcceptedReporters[i].RejectionNote = note
			return nil
		}
	}
	return store.ErrNoRows
}

func (t *tx) WalletCredit(_ context.Context, key model.WalletKey, amount int64, description string) (model.WalletTransaction, error) {
	return t.state.walletApply(key, model.DirectionCredit, amount, description)
}

func (t *tx) AdvertisementComplete(_ context.Context, ad model.Advertisement) error {
	current, ok := t.state.advertisementRaw(ad.ID)
	if !ok || current.Data.Status != model.AdvertisementStatusActive {
		return store.ErrConflict
	}
	current.Data.Status = model.AdvertisementStatusCompleted
	current.Data.CompletedAt = ad.Data.CompletedAt
	current.Data.CompletedBy = ad.Data.CompletedBy
	current.Data.CompletedByName = ad.Data.CompletedByName
	if ad.Data.CompletionSummary != nil {
		summary := *ad.Data.CompletionSummary
		current.Data.CompletionSummary = &summary
	}
	t.state.ads[ad.ID] = current
	return nil
}

// Состояние

func (st *state) clone() *state {
	c := &state{
		nextUser:      st.nextUser,
		nextPosition:  st.nextPosition,
		nextOperation: st.nextOperation,
		users:         make(map[string]model.User, len(st.users)),
		ads:           make(map[string]model.Advertisement, len(st.ads)),
		proofs:        append([]model.Proof(nil), st.proofs...),
		wallets:       make(map[model.WalletKey]model.Wallet, len(st.wallets)),
		transactions:  make(map[model.WalletKey][]model.WalletTransaction, len(st.transactions)),
	}
	for k, v := range st.users {
		c.users[k] = v
	}
	for k, v := range st.ads {
		v.Data.AcceptedReporters = append([]model.AcceptedReporter(nil), v.Data.AcceptedReporters...)
		c.ads[k] = v
	}
	for k, v := range st.wallets {
		c.wallets[k] = v
	}
	for k, v := range st.transactions {
		c.transactions[k] = append([]model.WalletTransaction(nil), v...)
	}
	return c
}

// advertisementRaw возвращает запись без копирования списка репортеров.
func (st *state) advertisementRaw(id string) (model.Advertisement, bool) {
	ad, ok := st.ads[id]
	return ad, ok
}

func (st *state) advertisement(id string) (model.Advertisement, error) {
	ad, ok := st.ads[id]
	if !ok {
		return model.Advertisement{}, store.ErrNoRows
	}
	ad.Data.AcceptedReporters = append([]model.AcceptedReporter(nil), ad.Data.AcceptedReporters...)
	sort.SliceStable(ad.Data.AcceptedReporters, func(i, j int) bool {
		return ad.Data.AcceptedReporters[i].Position < ad.Data.AcceptedReporters[j].Position
	})
	return ad, nil
}

func (st *state) proofIndex(key model.ProofKey) int {
	for i, proof := range st.proofs {
		if proof.Key == key {
			return i
		}
	}
	return -1
}

func (st *state) proofsByAdvertisement(advertisement string) []model.Proof {
	var proofs []model.Proof
	for _, proof := range st.proofs {
		if proof.Key.Advertisement == advertisement {
			proofs = append(proofs, proof)
		}
	}
	return proofs
}

func (st *state) wallet(key model.WalletKey) model.Wallet {
	wallet, ok := st.wallets[key]
	if !ok {
		now := time.Now().UTC()
		wallet = model.Wallet{Key: key, Data: model.WalletData{CreatedAt: now, UpdatedAt: now}}
		st.wallets[key] = wallet
	}
	return wallet
}

func (st *state) walletApply(key model.WalletKey, direction string, amount int64, description string) (model.WalletTransaction, error) {
	if amount <= 0 {
		return model.WalletTransaction{}, store.ErrAmountIncorrect
	}

	wallet := st.wallet(key)
	switch direction {
	case model.DirectionCredit:
		wallet.Data.Balance += amount
	case model.DirectionDebit:
		if wallet.Data.Balance < amount {
			return model.WalletTransaction{}, store.ErrInsufficientFunds
		}
		wallet.Data.Balance -= amount
	}
	now := time.Now().UTC()
	wallet.Data.UpdatedAt = now

	trx := model.WalletTransaction{Key: key,
		Data: model.WalletTransactionData{
			Operation:    st.nextOperation,
			Direction:    direction,
			Amount:       amount,
			BalanceAfter: wallet.Data.Balance,
			Description:  description,
			Status:       model.TransactionStatusCompleted,
			Timestamp:    now}}
	st.nextOperation++
	st.wallets[key] = wallet
	st.transactions[key] = append(st.transactions[key], trx)
	return trx, nil
}
