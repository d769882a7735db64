package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/admarket/internal/metrics"
	"github.com/iurnickita/admarket/internal/model"
	"github.com/iurnickita/admarket/internal/reconcile"
	"github.com/iurnickita/admarket/internal/service/config"
	"github.com/iurnickita/admarket/internal/service/notifyclient"
	"github.com/iurnickita/admarket/internal/store"
	"github.com/iurnickita/admarket/internal/wallet"
)

type Service interface {
	PostAdvertisement(ctx context.Context, ad model.Advertisement) (model.Advertisement, error)
	GetAdvertisement(ctx context.Context, id string) (model.Advertisement, error)
	AcceptAdvertisement(ctx context.Context, id string, reporter string) error
	CompleteAdvertisement(ctx context.Context, req reconcile.Request) (reconcile.Result, error)
	PostProof(ctx context.Context, proof model.Proof) error
	PostProofCompletion(ctx context.Context, key model.ProofKey, url string) error
	AcceptProof(ctx context.Context, key model.ProofKey, admin string) error
	ApproveProof(ctx context.Context, key model.ProofKey, admin string) error
	RejectProof(ctx context.Context, key model.ProofKey, admin string, note string) error
	GetWallet(ctx context.Context, key model.WalletKey) (model.Wallet, error)
	GetWalletHistory(ctx context.Context, key model.WalletKey) ([]model.WalletTransaction, error)
	GetWalletTransaction(ctx context.Context, key model.WalletKey, reference int64) (model.WalletTransaction, error)
	PostWithdraw(ctx context.Context, key model.WalletKey, amount int64) (model.WalletTransaction, error)
}

var (
	ErrInsufficientData    = errors.New("insufficient data")
	ErrUnprocessableEntity = errors.New("unprocessable entity")
	ErrAlreadyExists       = errors.New("already exists")
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrConflict            = errors.New("status conflict")
	ErrAlreadyCompleted    = errors.New("advertisement already completed")
	ErrInsufficientFunds   = errors.New("insufficient funds")
)

const notifyTimeout = 30 * time.Second

type service struct {
	cfg        config.Config
	store      store.Store
	wallet     wallet.Wallet
	reconciler reconcile.Reconciler
	notify     notifyclient.NotifyClient
	metrics    *metrics.Metrics
	zaplog     *zap.Logger
}

func NewService(cfg config.Config, store store.Store, metrics *metrics.Metrics, zaplog *zap.Logger) (Service, error) {
	notify := notifyclient.NewNopClient(zaplog)
	if cfg.NotifyAddr != "" {
		notify = notifyclient.NewNotifyClient(cfg.NotifyAddr)
	}

	service := service{
		cfg:        cfg,
		store:      store,
		wallet:     wallet.NewWallet(store),
		reconciler: reconcile.NewReconciler(store, zaplog),
		notify:     notify,
		metrics:    metrics,
		zaplog:     zaplog}

	return &service, nil
}

// Кампании

func (service *service) PostAdvertisement(ctx context.Context, ad model.Advertisement) (model.Advertisement, error) {
	if ad.Data.Advertiser == "" || ad.Data.Title == "" {
		return model.Advertisement{}, ErrInsufficientData
	}
	if ad.Data.RequiredReporterCount < 0 || ad.Data.FinalReporterPrice < 0 {
		return model.Advertisement{}, ErrUnprocessableEntity
	}
	// полный возврат должен помещаться в int64
	if ad.Data.RequiredReporterCount > 0 &&
		ad.Data.FinalReporterPrice > math.MaxInt64/int64(ad.Data.RequiredReporterCount) {
		return model.Advertisement{}, ErrUnprocessableEntity
	}

	var newAd model.Advertisement
	newAd.ID = uuid.NewString()
	newAd.Data.Advertiser = ad.Data.Advertiser
	newAd.Data.Title = ad.Data.Title
	newAd.Data.RequiredReporterCount = ad.Data.RequiredReporterCount
	newAd.Data.FinalReporterPrice = ad.Data.FinalReporterPrice
	newAd.Data.Status = model.AdvertisementStatusActive
	newAd.Data.CreatedAt = time.Now().UTC()

	err := service.store.AdvertisementPost(ctx, newAd)
	if err != nil {
		return model.Advertisement{}, mapStoreErr(err)
	}
	return newAd, nil
}

func (service *service) GetAdvertisement(ctx context.Context, id string) (model.Advertisement, error) {
	if id == "" {
		return model.Advertisement{}, ErrInsufficientData
	}

	ad, err := service.store.AdvertisementGet(ctx, id)
	if err != nil {
		return model.Advertisement{}, mapStoreErr(err)
	}
	return ad, nil
}

func (service *service) AcceptAdvertisement(ctx context.Context, id string, reporter string) error {
	if id == "" || reporter == "" {
		return ErrInsufficientData
	}

	err := service.store.AdvertisementAccept(ctx, id, reporter, time.Now().UTC())
	return mapStoreErr(err)
}

func (service *service) CompleteAdvertisement(ctx context.Context, req reconcile.Request) (reconcile.Result, error) {
	result, err := service.reconciler.Reconcile(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, reconcile.ErrInsufficientData):
			return reconcile.Result{}, ErrInsufficientData
		case errors.Is(err, reconcile.ErrNotFound):
			service.metrics.RecordReconciliation("not_found", 0)
			return reconcile.Result{}, ErrNotFound
		case errors.Is(err, reconcile.ErrAlreadyCompleted):
			service.metrics.RecordReconciliation("already_completed", 0)
			return reconcile.Result{}, ErrAlreadyCompleted
		default:
			service.metrics.RecordReconciliation("failed", 0)
			return reconcile.Result{}, err
		}
	}

	var refunded int64
	if result.RefundProcessed {
		refunded = result.TotalRefundAmount
	}
	service.metrics.RecordReconciliation("completed", refunded)

	// Уведомление уходит после commit и не задерживает ответ
	go service.notifyCompletion(result)

	return result, nil
}

func (service *service) notifyCompletion(result reconcile.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	text := fmt.Sprintf("Campaign %s is completed: %d of %d reporters done.",
		result.Advertisement, result.CompletedReporters, result.TotalReporters)
	if result.RefundProcessed {
		text += fmt.Sprintf(" Refund of %d credited to your wallet.", result.TotalRefundAmount)
	}

	err := service.notify.Send(ctx, notifyclient.Notification{
		Recipient: result.Advertiser,
		Kind:      notifyclient.KindAdvertisementComplete,
		Subject:   "Campaign completed",
		Text:      text,
		Fields: map[string]string{
			"advertisementId":   result.Advertisement,
			"totalRefundAmount": strconv.FormatInt(result.TotalRefundAmount, 10),
			"refundProcessed":   strconv.FormatBool(result.RefundProcessed),
		},
	})
	if err != nil {
		service.zaplog.Warn("completion notification failed",
			zap.String("advertisement", result.Advertisement),
			zap.Error(err))
	}
}

// Подтверждения

func (service *service) PostProof(ctx context.Context, proof model.Proof) error {
	if proof.Key.Advertisement == "" || proof.Key.Reporter == "" || proof.Data.URL == "" {
		return ErrInsufficientData
	}

	ad, err := service.store.AdvertisementGet(ctx, proof.Key.Advertisement)
	if err != nil {
		return mapStoreErr(err)
	}
	if ad.Data.Status != model.AdvertisementStatusActive {
		return ErrConflict
	}
	accepted := slices.ContainsFunc(ad.Data.AcceptedReporters, func(r model.AcceptedReporter) bool {
		return r.Reporter == proof.Key.Reporter
	})
	if !accepted {
		return ErrForbidden
	}

	var newProof model.Proof
	newProof.Key = proof.Key
	newProof.Data.Status = model.ProofStatusPending
	newProof.Data.Channel = proof.Data.Channel
	newProof.Data.Platform = proof.Data.Platform
	newProof.Data.URL = proof.Data.URL
	newProof.Data.SubmittedAt = time.Now().UTC()

	return mapStoreErr(service.store.ProofPost(ctx, newProof))
}

func (service *service) PostProofCompletion(ctx context.Context, key model.ProofKey, url string) error {
	if url == "" {
		return ErrInsufficientData
	}
	return service.proofTransition(ctx, key, []string{model.ProofStatusAccepted}, func(proof *model.Proof, now time.Time) {
		proof.Data.Status = model.ProofStatusSubmitted
		proof.Data.CompletionURL = url
		proof.Data.CompletedAt = &now
	})
}

func (service *service) AcceptProof(ctx context.Context, key model.ProofKey, admin string) error {
	return service.proofTransition(ctx, key, []string{model.ProofStatusPending}, func(proof *model.Proof, now time.Time) {
		proof.Data.Status = model.ProofStatusAccepted
		proof.Data.AdminAcceptedAt = &now
	})
}

func (service *service) ApproveProof(ctx context.Context, key model.ProofKey, admin string) error {
	return service.proofTransition(ctx, key, []string{model.ProofStatusSubmitted}, func(proof *model.Proof, now time.Time) {
		proof.Data.Status = model.ProofStatusCompleted
		proof.Data.AdminApprovedAt = &now
	})
}

func (service *service) RejectProof(ctx context.Context, key model.ProofKey, admin string, note string) error {
	from := []string{model.ProofStatusPending, model.ProofStatusAccepted, model.ProofStatusSubmitted}
	return service.proofTransition(ctx, key, from, func(proof *model.Proof, now time.Time) {
		proof.Data.Status = model.ProofStatusRejected
		proof.Data.AdminRejectedAt = &now
		proof.Data.RejectedBy = admin
		proof.Data.RejectionNote = note
	})
}

// proofTransition переводит подтверждение в новый статус только из допустимых.
func (service *service) proofTransition(ctx context.Context, key model.ProofKey, from []string, apply func(*model.Proof, time.Time)) error {
	if key.Advertisement == "" || key.Reporter == "" {
		return ErrInsufficientData
	}

	proof, err := service.store.ProofGet(ctx, key)
	if err != nil {
		return mapStoreErr(err)
	}
	if !slices.Contains(from, proof.Data.Status) {
		return ErrConflict
	}

	prevStatus := proof.Data.Status
	apply(&proof, time.Now().UTC())
	return mapStoreErr(service.store.ProofPut(ctx, proof, prevStatus))
}

// Кошелек

func (service *service) GetWallet(ctx context.Context, key model.WalletKey) (model.Wallet, error) {
	w, err := service.wallet.Get(ctx, key)
	return w, mapWalletErr(err)
}

func (service *service) GetWalletHistory(ctx context.Context, key model.WalletKey) ([]model.WalletTransaction, error) {
	history, err := service.wallet.GetHistory(ctx, key)
	return history, mapWalletErr(err)
}

func (service *service) GetWalletTransaction(ctx context.Context, key model.WalletKey, reference int64) (model.WalletTransaction, error) {
	trx, err := service.wallet.GetTransaction(ctx, key, reference)
	return trx, mapWalletErr(err)
}

func (service *service) PostWithdraw(ctx context.Context, key model.WalletKey, amount int64) (model.WalletTransaction, error) {
	if amount == 0 {
		return model.WalletTransaction{}, ErrInsufficientData
	}

	trx, err := service.wallet.Debit(ctx, key, amount, "Withdrawal")
	return trx, mapWalletErr(err)
}

func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, store.ErrAlreadyExists):
		return ErrAlreadyExists
	case errors.Is(err, store.ErrConflict):
		return ErrConflict
	default:
		return err
	}
}

func mapWalletErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, wallet.ErrInsufficientData):
		return ErrInsufficientData
	case errors.Is(err, wallet.ErrAmountIncorrect), errors.Is(err, wallet.ErrInvalidReference):
		return ErrUnprocessableEntity
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return ErrInsufficientFunds
	case errors.Is(err, wallet.ErrNotFound):
		return ErrNotFound
	default:
		return err
	}
}
