package ledger

import (
	"time"

	"github.com/google/uuid"

	"inferpay/currency"
)

// RequestStatus enumerates the lifecycle of a metered call.
type RequestStatus string

const (
	RequestProcessing RequestStatus = "processing"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed
}

// EscrowStatus enumerates the lifecycle of a hold.
type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// PayoutStatus tracks the outbound transfer that follows a settle or refund.
type PayoutStatus string

const (
	PayoutNone    PayoutStatus = ""
	PayoutPending PayoutStatus = "pending"
	PayoutSent    PayoutStatus = "sent"
	PayoutFailed  PayoutStatus = "failed"
)

// Provider is the catalogue entry the orchestrator prices and pays against.
type Provider struct {
	ID            string          `gorm:"primaryKey;size:64"`
	Name          string          `gorm:"size:128"`
	Kind          string          `gorm:"size:32;index"`
	Model         string          `gorm:"size:128"`
	SystemPrompt  string          `gorm:"type:text"`
	PayoutAddress string          `gorm:"size:64;not null"`
	Price         currency.Amount `gorm:"type:varchar(80);not null"`
	Active        bool            `gorm:"not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName pins the table name independent of gorm pluralisation.
func (Provider) TableName() string { return "providers" }

// Request is one metered call attempt. Rows are never deleted.
type Request struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey"`
	ProviderID       string          `gorm:"size:64;index;not null"`
	Payer            string          `gorm:"size:128;index"`
	Input            string          `gorm:"type:text"`
	Output           *string         `gorm:"type:text"`
	Status           RequestStatus   `gorm:"size:16;index;not null"`
	Cost             currency.Amount `gorm:"type:varchar(80);not null"`
	ProcessingTime   *float64
	ErrorMessage     *string `gorm:"type:text"`
	PaymentReference string  `gorm:"size:128;index"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

// TableName pins the table name independent of gorm pluralisation.
func (Request) TableName() string { return "inference_requests" }

// Escrow is the held-funds record attached 1:1 to a Request.
type Escrow struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey"`
	RequestID        uuid.UUID       `gorm:"type:uuid;uniqueIndex;not null"`
	Amount           currency.Amount `gorm:"type:varchar(80);not null"`
	Status           EscrowStatus    `gorm:"size:16;index;not null"`
	PaymentReference string          `gorm:"size:128"`
	ReleaseReference *string         `gorm:"size:128"`
	RefundReference  *string         `gorm:"size:128"`
	PayoutStatus     PayoutStatus    `gorm:"size:16;index"`
	PayoutAttempts   int
	PayoutError      *string `gorm:"type:text"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	SettledAt        *time.Time
}

// TableName pins the table name independent of gorm pluralisation.
func (Escrow) TableName() string { return "escrow_holds" }

// Models lists every table managed by the store.
func Models() []any {
	return []any{&Provider{}, &Request{}, &Escrow{}}
}
