// Package reconcile finalizes an advertisement campaign: it judges every
// in-scope reporter by its proof of work, rejects the incomplete ones, credits
// the owed refund to the advertiser wallet and marks the campaign completed.
// All writes happen in a single store transaction.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/admarket/internal/model"
	"github.com/iurnickita/admarket/internal/store"
)

type Reconciler interface {
	Reconcile(ctx context.Context, req Request) (Result, error)
}

var (
	ErrInsufficientData = errors.New("advertisement id is required")
	ErrNotFound         = errors.New("advertisement not found")
	ErrAlreadyCompleted = errors.New("advertisement is not active")
	ErrRefundOverflow   = errors.New("refund amount overflows")
)

type Request struct {
	Advertisement string
	AdminID       string
	AdminName     string
	ShouldRefund  bool
}

type Result struct {
	Advertisement        string
	Advertiser           string
	TotalReporters       int
	CompletedReporters   int
	RejectedReporters    int
	RefundedReporters    int
	FinalReporterPrice   int64
	TotalRefundAmount    int64
	RefundProcessed      bool
	RefundSkippedByAdmin bool
	RefundError          string
	RefundOperation      int64
	CompletedAt          time.Time
	Completed            []ReporterCompletion
	Refunds              []ReporterRefund
	Rejections           []ReporterRejection
}

type ReporterCompletion struct {
	Reporter   string
	ApprovedAt time.Time
}

type ReporterRefund struct {
	Reporter string
	Amount   int64
	Reason   Reason
}

type ReporterRejection struct {
	Reporter    string
	ProofStatus string
	Reason      Reason
	RejectedAt  time.Time
}

type reconciler struct {
	store  store.Store
	zaplog *zap.Logger
	now    func() time.Time
}

func NewReconciler(store store.Store, zaplog *zap.Logger) Reconciler {
	return &reconciler{
		store:  store,
		zaplog: zaplog,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *reconciler) Reconcile(ctx context.Context, req Request) (Result, error) {
	if req.Advertisement == "" {
		return Result{}, ErrInsufficientData
	}

	var result Result
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		result, err = r.reconcile(ctx, tx, req)
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyCompleted):
			return Result{}, err
		default:
			return Result{}, fmt.Errorf("reconcile advertisement %s: %w", req.Advertisement, err)
		}
	}

	r.zaplog.Info("advertisement completed",
		zap.String("advertisement", result.Advertisement),
		zap.String("admin", req.AdminID),
		zap.Int("completed", result.CompletedReporters),
		zap.Int("rejected", result.RejectedReporters),
		zap.Int64("refund", result.TotalRefundAmount),
		zap.Bool("refundProcessed", result.RefundProcessed),
	)
	return result, nil
}

func (r *reconciler) reconcile(ctx context.Context, tx store.Tx, req Request) (Result, error) {
	ad, err := tx.AdvertisementLock(ctx, req.Advertisement)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return Result{}, ErrNotFound
		}
		return Result{}, err
	}
	if ad.Data.Status != model.AdvertisementStatusActive {
		return Result{}, ErrAlreadyCompleted
	}

	proofs, err := tx.ProofGetByAdvertisement(ctx, ad.ID)
	if err != nil {
		return Result{}, err
	}

	now := r.now()
	result := Result{
		Advertisement:      ad.ID,
		Advertiser:         ad.Data.Advertiser,
		FinalReporterPrice: ad.Data.FinalReporterPrice,
		CompletedAt:        now,
	}

	for _, reporter := range inScope(ad) {
		found := findProof(proofs, reporter.Reporter)
		v := classify(found)
		result.TotalReporters++

		if v.completed {
			proof, _ := found.Get()
			result.Completed = append(result.Completed, ReporterCompletion{
				Reporter:   reporter.Reporter,
				ApprovedAt: *proof.Data.AdminApprovedAt,
			})
			continue
		}

		key := model.ProofKey{Advertisement: ad.ID, Reporter: reporter.Reporter}
		note := rejectionNote(v.reason)
		proofStatus := ""
		if proof, ok := found.Get(); ok {
			proofStatus = proof.Data.Status
			// отклонение администратора сохраняется как есть
			if proofStatus != model.ProofStatusRejected {
				if err := tx.ProofReject(ctx, key, now, req.AdminID, note); err != nil {
					return Result{}, fmt.Errorf("reject proof of reporter %s: %w", reporter.Reporter, err)
				}
			}
		}
		if err := tx.AdvertisementReporterReject(ctx, key, now, req.AdminID, note); err != nil {
			return Result{}, fmt.Errorf("reject reporter %s: %w", reporter.Reporter, err)
		}

		result.Rejections = append(result.Rejections, ReporterRejection{
			Reporter:    reporter.Reporter,
			ProofStatus: proofStatus,
			Reason:      v.reason,
			RejectedAt:  now,
		})
		result.Refunds = append(result.Refunds, ReporterRefund{
			Reporter: reporter.Reporter,
			Amount:   ad.Data.FinalReporterPrice,
			Reason:   v.reason,
		})
		if result.TotalRefundAmount > math.MaxInt64-ad.Data.FinalReporterPrice {
			return Result{}, ErrRefundOverflow
		}
		result.TotalRefundAmount += ad.Data.FinalReporterPrice
	}
	result.CompletedReporters = len(result.Completed)
	result.RejectedReporters = len(result.Rejections)

	if result.TotalRefundAmount > 0 {
		if req.ShouldRefund {
			r.refund(ctx, tx, ad, &result)
		} else {
			result.RefundSkippedByAdmin = true
		}
	}

	ad.Data.CompletedAt = &now
	ad.Data.CompletedBy = req.AdminID
	ad.Data.CompletedByName = req.AdminName
	ad.Data.CompletionSummary = &model.CompletionSummary{
		TotalReporters:       result.TotalReporters,
		CompletedReporters:   result.CompletedReporters,
		RejectedReporters:    result.RejectedReporters,
		RefundedReporters:    result.RefundedReporters,
		FinalReporterPrice:   result.FinalReporterPrice,
		TotalRefundAmount:    result.TotalRefundAmount,
		RefundProcessed:      result.RefundProcessed,
		RefundSkippedByAdmin: result.RefundSkippedByAdmin,
		CompletedAt:          now,
	}
	if err := tx.AdvertisementComplete(ctx, ad); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return Result{}, ErrAlreadyCompleted
		}
		return Result{}, err
	}

	return result, nil
}

// refund зачисляет возврат на кошелек рекламодателя одной операцией.
// Ошибка зачисления не прерывает завершение кампании.
func (r *reconciler) refund(ctx context.Context, tx store.Tx, ad model.Advertisement, result *Result) {
	key := model.WalletKey{User: ad.Data.Advertiser, UserType: model.UserTypeAdvertiser}
	description := fmt.Sprintf("Refund for %d incomplete reporter(s) on advertisement %s",
		len(result.Refunds), ad.ID)

	trx, err := tx.WalletCredit(ctx, key, result.TotalRefundAmount, description)
	if err != nil {
		r.zaplog.Error("refund credit failed",
			zap.String("advertisement", ad.ID),
			zap.String("advertiser", ad.Data.Advertiser),
			zap.Int64("amount", result.TotalRefundAmount),
			zap.Error(err),
		)
		result.RefundError = err.Error()
		return
	}

	result.RefundProcessed = true
	result.RefundedReporters = len(result.Refunds)
	result.RefundOperation = trx.Data.Operation
}

// inScope - первые RequiredReporterCount принявших репортеров в порядке принятия.
func inScope(ad model.Advertisement) []model.AcceptedReporter {
	n := ad.Data.RequiredReporterCount
	if n < 0 {
		n = 0
	}
	if n > len(ad.Data.AcceptedReporters) {
		n = len(ad.Data.AcceptedReporters)
	}
	return ad.Data.AcceptedReporters[:n]
}

func findProof(proofs []model.Proof, reporter string) optionalProof {
	for _, proof := range proofs {
		if proof.Key.Reporter == reporter {
			return someProof(proof)
		}
	}
	return noProof()
}

func rejectionNote(reason Reason) string {
	return "Rejected on campaign completion: " + string(reason)
}
