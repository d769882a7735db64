package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iurnickita/admarket/internal/auth"
	"github.com/iurnickita/admarket/internal/gzip"
	"github.com/iurnickita/admarket/internal/handler/config"
	"github.com/iurnickita/admarket/internal/logger"
	"github.com/iurnickita/admarket/internal/metrics"
	"github.com/iurnickita/admarket/internal/model"
	"github.com/iurnickita/admarket/internal/reconcile"
	"github.com/iurnickita/admarket/internal/service"
	"github.com/iurnickita/admarket/internal/wallet"
)

// Serve блокируется до отмены ctx, затем корректно останавливает сервер.
func Serve(ctx context.Context, cfg config.Config, auth auth.Auth, service service.Service, metrics *metrics.Metrics, zaplog *zap.Logger) error {
	h := newHandler(auth, service, metrics, zaplog)

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           h.newRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zaplog.Info("server started", zap.String("addr", cfg.ServerAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		zaplog.Info("server stopping")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

type handler struct {
	auth    auth.Auth
	service service.Service
	metrics *metrics.Metrics
	zaplog  *zap.Logger
}

func newHandler(auth auth.Auth, service service.Service, metrics *metrics.Metrics, zaplog *zap.Logger) *handler {
	return &handler{
		auth:    auth,
		service: service,
		metrics: metrics,
		zaplog:  zaplog,
	}
}

func (h *handler) newRouter() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/user/register", h.wrap(h.auth.Register))
	mux.HandleFunc("POST /api/user/verify", h.wrap(h.auth.Verify))
	mux.HandleFunc("POST /api/user/login", h.wrap(h.auth.Login))

	mux.HandleFunc("POST /api/advertisements", h.wrap(h.auth.Middleware(h.PostAdvertisement)))
	mux.HandleFunc("GET /api/advertisements/{id}", h.wrap(h.auth.Middleware(h.GetAdvertisement)))
	mux.HandleFunc("POST /api/advertisements/{id}/accept", h.wrap(h.auth.Middleware(h.PostAccept)))
	mux.HandleFunc("POST /api/advertisements/{id}/proof", h.wrap(h.auth.Middleware(h.PostProof)))
	mux.HandleFunc("POST /api/advertisements/{id}/proof/complete", h.wrap(h.auth.Middleware(h.PostProofCompletion)))

	mux.HandleFunc("POST /api/admin/advertisements/complete", h.wrap(h.auth.AdminMiddleware(h.PostComplete)))
	mux.HandleFunc("POST /api/admin/advertisements/{id}/proofs/{reporter}/accept", h.wrap(h.auth.AdminMiddleware(h.PostProofAccept)))
	mux.HandleFunc("POST /api/admin/advertisements/{id}/proofs/{reporter}/approve", h.wrap(h.auth.AdminMiddleware(h.PostProofApprove)))
	mux.HandleFunc("POST /api/admin/advertisements/{id}/proofs/{reporter}/reject", h.wrap(h.auth.AdminMiddleware(h.PostProofReject)))

	mux.HandleFunc("GET /api/user/wallet", h.wrap(h.auth.Middleware(h.GetWallet)))
	mux.HandleFunc("GET /api/user/wallet/transactions", h.wrap(h.auth.Middleware(h.GetWalletTransactions)))
	mux.HandleFunc("GET /api/user/wallet/transactions/{reference}", h.wrap(h.auth.Middleware(h.GetWalletTransaction)))
	mux.HandleFunc("POST /api/user/wallet/withdraw", h.wrap(h.auth.Middleware(h.PostWithdraw)))

	mux.Handle("GET /metrics", h.metrics.Handler())

	return mux
}

func (h *handler) wrap(fn http.HandlerFunc) http.HandlerFunc {
	return gzip.GzipMiddleware(logger.RequestLogMdlw(h.metrics.RequestMetricsMdlw(fn), h.zaplog))
}

// Кампании

type PostAdvertisementJSONRequest struct {
	Title                 string  `json:"title"`
	RequiredReporterCount int     `json:"requiredReporterCount"`
	FinalReporterPrice    float64 `json:"finalReporterPrice"`
}

type AcceptedReporterJSON struct {
	ReporterID    string     `json:"reporterId"`
	Status        string     `json:"status"`
	AcceptedAt    time.Time  `json:"acceptedAt"`
	PostStatus    string     `json:"postStatus,omitempty"`
	RejectedAt    *time.Time `json:"rejectedAt,omitempty"`
	RejectedBy    string     `json:"rejectedBy,omitempty"`
	RejectionNote string     `json:"rejectionNote,omitempty"`
}

type AdvertisementJSONResponse struct {
	ID                    string                   `json:"id"`
	AdvertiserID          string                   `json:"advertiserId"`
	Title                 string                   `json:"title"`
	RequiredReporterCount int                      `json:"requiredReporterCount"`
	FinalReporterPrice    float64                  `json:"finalReporterPrice"`
	Status                string                   `json:"status"`
	CreatedAt             time.Time                `json:"createdAt"`
	CompletedAt           *time.Time               `json:"completedAt,omitempty"`
	CompletedBy           string                   `json:"completedBy,omitempty"`
	CompletionSummary     *model.CompletionSummary `json:"completionSummary,omitempty"`
	AcceptedReporters     []AcceptedReporterJSON   `json:"acceptedReporters"`
}

func (h *handler) PostAdvertisement(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, model.UserTypeAdvertiser) {
		return
	}

	var adJSON PostAdvertisementJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&adJSON); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ad := model.Advertisement{Data: model.AdvertisementData{
		Advertiser:            r.Header.Get(auth.HeaderUserCodeKey),
		Title:                 adJSON.Title,
		RequiredReporterCount: adJSON.RequiredReporterCount,
		FinalReporterPrice:    pointsInput(adJSON.FinalReporterPrice)}}
	ad, err := h.service.PostAdvertisement(r.Context(), ad)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, advertisementOutput(ad))
}

func (h *handler) GetAdvertisement(w http.ResponseWriter, r *http.Request) {
	ad, err := h.service.GetAdvertisement(r.Context(), r.PathValue("id"))
	if err != nil {
		h.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, advertisementOutput(ad))
}

func (h *handler) PostAccept(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, model.UserTypeReporter) {
		return
	}

	err := h.service.AcceptAdvertisement(r.Context(), r.PathValue("id"), r.Header.Get(auth.HeaderUserCodeKey))
	if err != nil {
		h.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Завершение кампании

type PostCompleteJSONRequest struct {
	AdvertisementID string `json:"advertisementId"`
	ShouldRefund    *bool  `json:"shouldRefund"`
}

type CompletionJSONResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    *CompletionJSON `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type CompletionJSON struct {
	AdvertisementID      string                  `json:"advertisementId"`
	TotalReporters       int                     `json:"totalReporters"`
	CompletedReporters   int                     `json:"completedReporters"`
	RejectedReporters    int                     `json:"rejectedReporters"`
	RefundedReporters    int                     `json:"refundedReporters"`
	FinalReporterPrice   float64                 `json:"finalReporterPrice"`
	TotalRefundAmount    float64                 `json:"totalRefundAmount"`
	RefundProcessed      bool                    `json:"refundProcessed"`
	RefundSkippedByAdmin bool                    `json:"refundSkippedByAdmin"`
	RefundError          string                  `json:"refundError,omitempty"`
	RefundReference      int64                   `json:"refundReference,omitempty"`
	CompletedAt          time.Time               `json:"completedAt"`
	Completed            []CompletedReporterJSON `json:"completed"`
	Refunds              []RefundJSON            `json:"refunds"`
	Rejections           []RejectionJSON         `json:"rejections"`
}

type CompletedReporterJSON struct {
	ReporterID string    `json:"reporterId"`
	ApprovedAt time.Time `json:"approvedAt"`
}

type RefundJSON struct {
	ReporterID string  `json:"reporterId"`
	Amount     float64 `json:"amount"`
	Reason     string  `json:"reason"`
}

type RejectionJSON struct {
	ReporterID  string    `json:"reporterId"`
	ProofStatus string    `json:"proofStatus,omitempty"`
	Reason      string    `json:"reason"`
	RejectedAt  time.Time `json:"rejectedAt"`
}

func (h *handler) PostComplete(w http.ResponseWriter, r *http.Request) {
	var completeJSON PostCompleteJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&completeJSON); err != nil {
		writeJSON(w, http.StatusBadRequest, CompletionJSONResponse{Message: "Invalid request body", Error: err.Error()})
		return
	}

	// по умолчанию возврат начисляется
	shouldRefund := true
	if completeJSON.ShouldRefund != nil {
		shouldRefund = *completeJSON.ShouldRefund
	}

	result, err := h.service.CompleteAdvertisement(r.Context(), reconcile.Request{
		Advertisement: completeJSON.AdvertisementID,
		AdminID:       r.Header.Get(auth.HeaderUserCodeKey),
		AdminName:     r.Header.Get(auth.HeaderUserNameKey),
		ShouldRefund:  shouldRefund,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInsufficientData):
			writeJSON(w, http.StatusBadRequest, CompletionJSONResponse{Message: "advertisementId is required"})
		case errors.Is(err, service.ErrNotFound):
			writeJSON(w, http.StatusNotFound, CompletionJSONResponse{Message: "Advertisement not found"})
		case errors.Is(err, service.ErrAlreadyCompleted):
			writeJSON(w, http.StatusConflict, CompletionJSONResponse{Message: "Advertisement is already completed"})
		default:
			h.zaplog.Error("advertisement completion failed",
				zap.String("advertisement", completeJSON.AdvertisementID),
				zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, CompletionJSONResponse{
				Message: "Failed to complete advertisement",
				Error:   err.Error()})
		}
		return
	}

	message := "Advertisement completed successfully"
	switch {
	case result.RefundProcessed:
		message += ", refund credited to advertiser wallet"
	case result.RefundSkippedByAdmin:
		message += ", refund skipped"
	case result.RefundError != "":
		message += ", refund could not be processed"
	}
	writeJSON(w, http.StatusOK, CompletionJSONResponse{Success: true, Message: message, Data: completionOutput(result)})
}

// Подтверждения

type PostProofJSONRequest struct {
	Channel  string `json:"channel"`
	Platform string `json:"platform"`
	URL      string `json:"url"`
}

func (h *handler) PostProof(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, model.UserTypeReporter) {
		return
	}

	var proofJSON PostProofJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&proofJSON); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	proof := model.Proof{
		Key: model.ProofKey{Advertisement: r.PathValue("id"), Reporter: r.Header.Get(auth.HeaderUserCodeKey)},
		Data: model.ProofData{
			Channel:  proofJSON.Channel,
			Platform: proofJSON.Platform,
			URL:      proofJSON.URL}}
	if err := h.service.PostProof(r.Context(), proof); err != nil {
		h.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) PostProofCompletion(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, model.UserTypeReporter) {
		return
	}

	var proofJSON PostProofJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&proofJSON); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	key := model.ProofKey{Advertisement: r.PathValue("id"), Reporter: r.Header.Get(auth.HeaderUserCodeKey)}
	if err := h.service.PostProofCompletion(r.Context(), key, proofJSON.URL); err != nil {
		h.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) PostProofAccept(w http.ResponseWriter, r *http.Request) {
	err := h.service.AcceptProof(r.Context(), proofKey(r), r.Header.Get(auth.HeaderUserCodeKey))
	if err != nil {
		h.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handler) PostProofApprove(w http.ResponseWriter, r *http.Request) {
	err := h.service.ApproveProof(r.Context(), proofKey(r), r.Header.Get(auth.HeaderUserCodeKey))
	if err != nil {
		h.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type PostProofRejectJSONRequest struct {
	Note string `json:"note"`
}

func (h *handler) PostProofReject(w http.ResponseWriter, r *http.Request) {
	var rejectJSON PostProofRejectJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&rejectJSON); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := h.service.RejectProof(r.Context(), proofKey(r), r.Header.Get(auth.HeaderUserCodeKey), rejectJSON.Note)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Кошелек

type GetWalletJSONResponse struct {
	Balance   float64   `json:"balance"`
	UserType  string    `json:"userType"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (h *handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wlt, err := h.service.GetWallet(r.Context(), walletKey(r))
	if err != nil {
		h.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, GetWalletJSONResponse{
		Balance:   pointsOutput(wlt.Data.Balance),
		UserType:  wlt.Key.UserType,
		UpdatedAt: wlt.Data.UpdatedAt})
}

type WalletTransactionJSONResponse struct {
	Reference    int64     `json:"reference"`
	Direction    string    `json:"direction"`
	Amount       float64   `json:"amount"`
	BalanceAfter float64   `json:"balanceAfter"`
	Description  string    `json:"description"`
	Status       string    `json:"status"`
	ProcessedAt  time.Time `json:"processedAt"`
}

func (h *handler) GetWalletTransactions(w http.ResponseWriter, r *http.Request) {
	history, err := h.service.GetWalletHistory(r.Context(), walletKey(r))
	if err != nil {
		h.serviceError(w, err)
		return
	}
	if len(history) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	historyJSON := make([]WalletTransactionJSONResponse, 0, len(history))
	for _, trx := range history {
		historyJSON = append(historyJSON, transactionOutput(trx))
	}
	writeJSON(w, http.StatusOK, historyJSON)
}

func (h *handler) GetWalletTransaction(w http.ResponseWriter, r *http.Request) {
	reference, err := strconv.ParseInt(r.PathValue("reference"), 10, 64)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	trx, err := h.service.GetWalletTransaction(r.Context(), walletKey(r), reference)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transactionOutput(trx))
}

type PostWithdrawJSONRequest struct {
	Sum float64 `json:"sum"`
}

func (h *handler) PostWithdraw(w http.ResponseWriter, r *http.Request) {
	var withdrawJSON PostWithdrawJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&withdrawJSON); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	trx, err := h.service.PostWithdraw(r.Context(), walletKey(r), pointsInput(withdrawJSON.Sum))
	if err != nil {
		h.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transactionOutput(trx))
}

// Вспомогательное

func (h *handler) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInsufficientData):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, service.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrAlreadyExists),
		errors.Is(err, service.ErrConflict),
		errors.Is(err, service.ErrAlreadyCompleted):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrInsufficientFunds):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, service.ErrUnprocessableEntity):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		h.zaplog.Error("request failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func requireRole(w http.ResponseWriter, r *http.Request, roles ...string) bool {
	if !slices.Contains(roles, r.Header.Get(auth.HeaderUserRoleKey)) {
		http.Error(w, service.ErrForbidden.Error(), http.StatusForbidden)
		return false
	}
	return true
}

func proofKey(r *http.Request) model.ProofKey {
	return model.ProofKey{Advertisement: r.PathValue("id"), Reporter: r.PathValue("reporter")}
}

func walletKey(r *http.Request) model.WalletKey {
	return model.WalletKey{User: r.Header.Get(auth.HeaderUserCodeKey), UserType: r.Header.Get(auth.HeaderUserRoleKey)}
}

func advertisementOutput(ad model.Advertisement) AdvertisementJSONResponse {
	adJSON := AdvertisementJSONResponse{
		ID:                    ad.ID,
		AdvertiserID:          ad.Data.Advertiser,
		Title:                 ad.Data.Title,
		RequiredReporterCount: ad.Data.RequiredReporterCount,
		FinalReporterPrice:    pointsOutput(ad.Data.FinalReporterPrice),
		Status:                ad.Data.Status,
		CreatedAt:             ad.Data.CreatedAt,
		CompletedAt:           ad.Data.CompletedAt,
		CompletedBy:           ad.Data.CompletedBy,
		CompletionSummary:     ad.Data.CompletionSummary,
		AcceptedReporters:     make([]AcceptedReporterJSON, 0, len(ad.Data.AcceptedReporters)),
	}
	for _, reporter := range ad.Data.AcceptedReporters {
		adJSON.AcceptedReporters = append(adJSON.AcceptedReporters, AcceptedReporterJSON{
			ReporterID:    reporter.Reporter,
			Status:        reporter.Status,
			AcceptedAt:    reporter.AcceptedAt,
			PostStatus:    reporter.PostStatus,
			RejectedAt:    reporter.RejectedAt,
			RejectedBy:    reporter.RejectedBy,
			RejectionNote: reporter.RejectionNote})
	}
	return adJSON
}

func completionOutput(result reconcile.Result) *CompletionJSON {
	data := &CompletionJSON{
		AdvertisementID:      result.Advertisement,
		TotalReporters:       result.TotalReporters,
		CompletedReporters:   result.CompletedReporters,
		RejectedReporters:    result.RejectedReporters,
		RefundedReporters:    result.RefundedReporters,
		FinalReporterPrice:   pointsOutput(result.FinalReporterPrice),
		TotalRefundAmount:    pointsOutput(result.TotalRefundAmount),
		RefundProcessed:      result.RefundProcessed,
		RefundSkippedByAdmin: result.RefundSkippedByAdmin,
		RefundError:          result.RefundError,
		CompletedAt:          result.CompletedAt,
		Completed:            make([]CompletedReporterJSON, 0, len(result.Completed)),
		Refunds:              make([]RefundJSON, 0, len(result.Refunds)),
		Rejections:           make([]RejectionJSON, 0, len(result.Rejections)),
	}
	if result.RefundProcessed {
		data.RefundReference = wallet.Reference(result.RefundOperation)
	}
	for _, c := range result.Completed {
		data.Completed = append(data.Completed, CompletedReporterJSON{ReporterID: c.Reporter, ApprovedAt: c.ApprovedAt})
	}
	for _, refund := range result.Refunds {
		data.Refunds = append(data.Refunds, RefundJSON{
			ReporterID: refund.Reporter,
			Amount:     pointsOutput(refund.Amount),
			Reason:     string(refund.Reason)})
	}
	for _, rejection := range result.Rejections {
		data.Rejections = append(data.Rejections, RejectionJSON{
			ReporterID:  rejection.Reporter,
			ProofStatus: rejection.ProofStatus,
			Reason:      string(rejection.Reason),
			RejectedAt:  rejection.RejectedAt})
	}
	return data
}

func transactionOutput(trx model.WalletTransaction) WalletTransactionJSONResponse {
	return WalletTransactionJSONResponse{
		Reference:    wallet.Reference(trx.Data.Operation),
		Direction:    trx.Data.Direction,
		Amount:       pointsOutput(trx.Data.Amount),
		BalanceAfter: pointsOutput(trx.Data.BalanceAfter),
		Description:  trx.Data.Description,
		Status:       trx.Data.Status,
		ProcessedAt:  trx.Data.Timestamp}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(responseJSON)
}

// Суммы хранятся в копейках

func pointsOutput(points int64) float64 {
	return float64(points) / 100
}

func pointsInput(points float64) int64 {
	return int64(math.Round(points * 100))
}
