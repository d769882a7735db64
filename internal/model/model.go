package model

import (
	"slices"
	"time"
)

// Пользователи

const (
	UserTypeAdvertiser = "advertiser"
	UserTypeReporter   = "reporter"
	UserTypeAdvocate   = "advocate"
	UserTypePress      = "press"
	UserTypeAdmin      = "admin"
)

var userTypes = []string{UserTypeAdvertiser, UserTypeReporter, UserTypeAdvocate, UserTypePress, UserTypeAdmin}

func ValidUserType(role string) bool {
	return slices.Contains(userTypes, role)
}

type User struct {
	Code string
	Data UserData
}
type UserData struct {
	Login    string
	Name     string
	Role     string
	Password string
}

// Рекламные кампании

type Advertisement struct {
	ID   string
	Data AdvertisementData
}
type AdvertisementData struct {
	Advertiser            string
	Title                 string
	RequiredReporterCount int
	FinalReporterPrice    int64
	Status                string
	CreatedAt             time.Time
	CompletedAt           *time.Time
	CompletedBy           string
	CompletedByName       string
	CompletionSummary     *CompletionSummary
	AcceptedReporters     []AcceptedReporter
}

const (
	AdvertisementStatusActive    = "active"
	AdvertisementStatusCompleted = "completed"
	AdvertisementStatusCancelled = "cancelled"
)

// Репортер, принявший кампанию. Порядок в AcceptedReporters - порядок принятия.
type AcceptedReporter struct {
	Reporter      string
	Position      int
	Status        string
	AcceptedAt    time.Time
	PostStatus    string
	RejectedAt    *time.Time
	RejectedBy    string
	RejectionNote string
}

const (
	ReporterStatusAccepted = "accepted"
	PostStatusRejected     = "rejected"
)

// Снимок итогов завершения, пишется один раз
type CompletionSummary struct {
	TotalReporters       int       `json:"totalReporters"`
	CompletedReporters   int       `json:"completedReporters"`
	RejectedReporters    int       `json:"rejectedReporters"`
	RefundedReporters    int       `json:"refundedReporters"`
	FinalReporterPrice   int64     `json:"finalReporterPrice"`
	TotalRefundAmount    int64     `json:"totalRefundAmount"`
	RefundProcessed      bool      `json:"refundProcessed"`
	RefundSkippedByAdmin bool      `json:"refundSkippedByAdmin"`
	CompletedAt          time.Time `json:"completedAt"`
}

// Подтверждения работы репортеров

type Proof struct {
	Key  ProofKey
	Data ProofData
}
type ProofKey struct {
	Advertisement string
	Reporter      string
}
type ProofData struct {
	Status          string
	Channel         string
	Platform        string
	URL             string
	CompletionURL   string
	SubmittedAt     time.Time
	AdminAcceptedAt *time.Time
	CompletedAt     *time.Time
	AdminApprovedAt *time.Time
	AdminRejectedAt *time.Time
	RejectedBy      string
	RejectionNote   string
}

const (
	ProofStatusPending   = "pending"
	ProofStatusAccepted  = "accepted"
	ProofStatusSubmitted = "submitted"
	ProofStatusCompleted = "completed"
	ProofStatusRejected  = "rejected"
)

// Кошелек и история операций

type Wallet struct {
	Key  WalletKey
	Data WalletData
}
type WalletKey struct {
	User     string
	UserType string
}
type WalletData struct {
	Balance   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type WalletTransaction struct {
	Key  WalletKey
	Data WalletTransactionData
}
type WalletTransactionData struct {
	Operation    int64
	Direction    string
	Amount       int64
	BalanceAfter int64
	Description  string
	Status       string
	Timestamp    time.Time
}

const (
	DirectionCredit = "credit"
	DirectionDebit  = "debit"

	TransactionStatusCompleted = "completed"
)
