// Package db is the Store (C1): durable, transactional state for
// packages, purchases, sessions, payouts, and balances, backed by
// Postgres via pgx. Models mirror spec.md §3 field-for-field; money
// amounts are fixed-point cents to avoid floating point drift across
// the engine's financial side effects.
package db

import (
	"time"

	"github.com/google/uuid"
)

// Money is a fixed-point amount in minor currency units (cents).
type Money int64

// Cents reports the amount as an integer count of minor units.
func (m Money) Cents() int64 { return int64(m) }

// Dollars reports the amount as a float, for display only — never for
// arithmetic that later needs to round-trip exactly.
func (m Money) Dollars() float64 { return float64(m) / 100 }

// MoneyFromDollars converts a decimal amount into Money, rounding to the
// nearest cent.
func MoneyFromDollars(d float64) Money {
	return Money(int64(d*100 + 0.5))
}

// PackageKind is the media kind a PackageTemplate grants.
type PackageKind string

const (
	KindAudio PackageKind = "audio"
	KindVideo PackageKind = "video"
	KindBoth  PackageKind = "both"
)

// PackageTemplate is a priced, administratively-managed offering.
type PackageTemplate struct {
	ID              uuid.UUID
	Kind            PackageKind
	DurationMinutes int32
	Price           Money
	FeePercent      float64
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// FeeAmount is round2(price * fee_percent/100).
func (t PackageTemplate) FeeAmount() Money {
	return Money(int64(float64(t.Price)*t.FeePercent/100 + 0.5))
}

// ListenerAmount is price - FeeAmount.
func (t PackageTemplate) ListenerAmount() Money {
	return t.Price - t.FeeAmount()
}

// PurchaseStatus is the lifecycle status of a Purchase.
type PurchaseStatus string

const (
	PurchasePending    PurchaseStatus = "pending"
	PurchaseConfirmed  PurchaseStatus = "confirmed"
	PurchaseInProgress PurchaseStatus = "in_progress"
	PurchaseCompleted  PurchaseStatus = "completed"
	PurchaseCancelled  PurchaseStatus = "cancelled"
	PurchaseRefunded   PurchaseStatus = "refunded"
)

// Purchase is a talker/listener/template instance with pricing frozen at
// creation time.
type Purchase struct {
	ID                  uuid.UUID
	TalkerID            uuid.UUID
	ListenerID          uuid.UUID
	TemplateID          uuid.UUID
	SessionID           *uuid.UUID // set once bound to a session (extensions are bound at creation)
	Status              PurchaseStatus
	IsExtension         bool
	Total               Money
	Fee                 Money
	ListenerAmount      Money
	ExternalPaymentRef  *string
	CancelReason        *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SessionStatus is the Session Engine's state machine status.
type SessionStatus string

const (
	SessionConnecting SessionStatus = "connecting"
	SessionActive     SessionStatus = "active"
	SessionEnded      SessionStatus = "ended"
	SessionTimeout    SessionStatus = "timeout"
	SessionFailed     SessionStatus = "failed"
)

// IsTerminal reports whether s is one of the terminal statuses.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionEnded || s == SessionTimeout || s == SessionFailed
}

// Session is one live or historical call.
type Session struct {
	ID                     uuid.UUID
	TalkerID               uuid.UUID
	ListenerID             uuid.UUID
	InitialPurchaseID      uuid.UUID
	Kind                   PackageKind
	TotalMinutesPurchased  float64
	MinutesUsed            *float64
	StartedAt              *time.Time
	EndedAt                *time.Time
	Status                 SessionStatus
	WarningSentFlag        bool
	EndReason              *string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// PayoutStatus is the lifecycle status of a PayoutRecord.
type PayoutStatus string

const (
	PayoutProcessing PayoutStatus = "processing"
	PayoutEarned     PayoutStatus = "earned"
	PayoutPending    PayoutStatus = "pending"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutCancelled  PayoutStatus = "cancelled"
	PayoutFailed     PayoutStatus = "failed"
)

// PayoutRecord is one earnings ledger entry per confirmed purchase that
// participated in a session. SessionID is nil for an initial-purchase
// payout created at checkout-completion time, before the purchase has
// been allocated into a session; AllocateSession backfills it once the
// session exists. Extension payouts always carry SessionID from
// creation, since an extension purchase targets an already-allocated
// session.
type PayoutRecord struct {
	ID          uuid.UUID
	ListenerID  uuid.UUID
	PurchaseID  uuid.UUID
	SessionID   *uuid.UUID
	IsExtension bool
	Amount      Money
	Status      PayoutStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ListenerBalance is a per-listener materialized account. ExtensionEarned
// is tracked separately from Available/LifetimeEarned: an extension
// payout is earned income but is excluded from the withdrawable balance,
// the way the original ledger's get_listener_balance() classmethod
// filters is_extension=True rows out of the sum it pays attention to and
// get_listener_extension_earnings() sums them on the side instead.
type ListenerBalance struct {
	ListenerID      uuid.UUID
	Available       Money
	LifetimeEarned  Money
	ExtensionEarned Money
	UpdatedAt       time.Time
}

// RejectionReason is the listener's declared reason for declining a
// connecting session, matching the original ledger's closed
// REJECTION_REASON_CHOICES set rather than a free-text field.
type RejectionReason string

const (
	RejectionNotAvailable  RejectionReason = "not_available"
	RejectionBusy          RejectionReason = "busy"
	RejectionNotInterested RejectionReason = "not_interested"
	RejectionOther         RejectionReason = "other"
)

// RejectionRecord is a terminal rejection of an unaccepted purchase.
// RefundAmount mirrors the original's full-total refund on rejection
// (refunding purchase.Total, not just the listener's share); the
// original's separate refund_stripe_id/refund_date columns aren't
// carried here because payment.Gateway.Refund reports success or
// failure only, with no refund object id to record.
type RejectionRecord struct {
	ID           uuid.UUID
	SessionID    uuid.UUID
	PurchaseID   uuid.UUID
	ListenerID   uuid.UUID
	Reason       RejectionReason
	Notes        string
	RefundIssued bool
	RefundAmount Money
	CreatedAt    time.Time
}
