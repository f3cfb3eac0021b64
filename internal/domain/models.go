// Package domain defines the persistence models for payment intents,
// shipments, address snapshots, and status history. These types are mapped
// with GORM and form the core data layer of the shipping backend.
package domain

import "time"

// IntentStatus is the lifecycle state of a PaymentIntent. Statuses only move
// forward in the declared order and intents are never deleted; the row is the
// audit trail of the payment.
type IntentStatus string

const (
	// IntentCreated is the initial state, set at quote time before any
	// payment signal has arrived.
	IntentCreated IntentStatus = "created"
	// IntentPaymentConfirmed means the gateway (poller or webhook) reported
	// the payment as settled; fulfillment has not started yet.
	IntentPaymentConfirmed IntentStatus = "payment_confirmed"
	// IntentProcessing means one actor holds the fulfillment lock and is
	// materializing the shipment.
	IntentProcessing IntentStatus = "processing"
	// IntentProcessed is terminal: the shipment exists and fulfillment is done.
	IntentProcessed IntentStatus = "processed"
	// IntentFailed is terminal: the payment expired or was rejected.
	IntentFailed IntentStatus = "failed"
)

// intentStatusRank orders statuses so transitions can be checked for
// forward-only movement. Higher rank means further along the lifecycle.
var intentStatusRank = map[IntentStatus]int{
	IntentCreated:          0,
	IntentPaymentConfirmed: 1,
	IntentProcessing:       2,
	IntentProcessed:        3,
	IntentFailed:           4,
}

// Valid reports whether s is one of the declared statuses.
func (s IntentStatus) Valid() bool {
	_, ok := intentStatusRank[s]
	return ok
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
// Any move to an equal or earlier rank is rejected, which is what keeps a
// Processed intent from ever being dragged back by a late caller.
func (s IntentStatus) CanAdvanceTo(next IntentStatus) bool {
	a, okA := intentStatusRank[s]
	b, okB := intentStatusRank[next]
	return okA && okB && b > a
}

// Terminal reports whether no further automatic transition may occur.
func (s IntentStatus) Terminal() bool {
	return s == IntentProcessed || s == IntentFailed
}

// PaymentIntent is the durable record of one checkout payment, keyed by the
// idempotency reference handed to the gateway. It embeds the full order
// payload so fulfillment never depends on ambient client state.
//
// Invariants:
//   - ExternalReference is unique: it is the idempotency key for the whole
//     reconciliation path.
//   - Status only moves forward (see IntentStatus.CanAdvanceTo) and the row
//     is never deleted.
type PaymentIntent struct {
	ID                string       `json:"id"                 gorm:"type:char(36);primaryKey"`
	ExternalReference string       `json:"external_reference" gorm:"type:varchar(64);not null;uniqueIndex:ux_intents_reference"`
	GatewayPaymentID  string       `json:"gateway_payment_id" gorm:"type:varchar(64);index"`
	Status            IntentStatus `json:"status"             gorm:"type:varchar(32);not null;index"`
	AmountCents       int64        `json:"amount_cents"       gorm:"not null"`
	Payload           OrderPayload `json:"payload"            gorm:"serializer:json"`
	UserID            string       `json:"user_id"            gorm:"type:varchar(64);not null;index:idx_user_intents"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// TableName returns the database table name for PaymentIntent.
func (PaymentIntent) TableName() string { return "payment_intents" }

// Shipment statuses. Later transitions (posted, in transit, delivered) are
// driven by the delivery-tracking side and are not part of this subsystem.
const (
	ShipmentStatusPaid = "paid"
)

// Shipment is the downstream record materialized exactly once per
// ExternalReference by whichever actor wins the fulfillment lock.
//
// Invariants:
//   - At most one row per ExternalReference (unique index; the central
//     correctness property of the reconciliation engine).
//   - TrackingCode is unique; the generator retries on conflict.
type Shipment struct {
	ID                 string    `json:"id"                  gorm:"type:char(36);primaryKey"`
	TrackingCode       string    `json:"tracking_code"       gorm:"type:varchar(16);not null;uniqueIndex:ux_shipments_tracking_code"`
	ExternalReference  string    `json:"external_reference"  gorm:"type:varchar(64);not null;uniqueIndex:ux_shipments_reference"`
	SenderAddressID    string    `json:"sender_address_id"   gorm:"type:char(36);not null"`
	RecipientAddressID string    `json:"recipient_address_id" gorm:"type:char(36);not null"`
	Status             string    `json:"status"              gorm:"type:varchar(32);not null;index"`
	UserID             string    `json:"user_id"             gorm:"type:varchar(64);not null;index:idx_user_shipments"`
	PaymentID          string    `json:"payment_id"          gorm:"type:varchar(64)"`
	PaymentMethod      string    `json:"payment_method"      gorm:"type:varchar(16)"`
	PaidAmountCents    int64     `json:"paid_amount_cents"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`

	SenderAddress    Address `json:"sender_address"    gorm:"foreignKey:SenderAddressID;references:ID"`
	RecipientAddress Address `json:"recipient_address" gorm:"foreignKey:RecipientAddressID;references:ID"`
}

// TableName returns the database table name for Shipment.
func (Shipment) TableName() string { return "shipments" }

// Address kinds.
const (
	AddressKindSender    = "sender"
	AddressKindRecipient = "recipient"
)

// Address is an immutable snapshot of a party at fulfillment time. It is
// created by the orchestrator right before the shipment, owned by the
// shipment afterwards, and never mutated.
type Address struct {
	ID         string    `json:"id"          gorm:"type:char(36);primaryKey"`
	Kind       string    `json:"kind"        gorm:"type:varchar(16);not null;check:kind IN ('sender','recipient')"`
	Name       string    `json:"name"        gorm:"type:varchar(128);not null"`
	Document   string    `json:"document"    gorm:"type:varchar(32)"`
	Email      string    `json:"email"       gorm:"type:varchar(128)"`
	Phone      string    `json:"phone"       gorm:"type:varchar(32)"`
	Street     string    `json:"street"      gorm:"type:varchar(128);not null"`
	Number     string    `json:"number"      gorm:"type:varchar(16)"`
	Complement string    `json:"complement"  gorm:"type:varchar(64)"`
	District   string    `json:"district"    gorm:"type:varchar(64)"`
	City       string    `json:"city"        gorm:"type:varchar(64);not null"`
	State      string    `json:"state"       gorm:"type:varchar(8);not null"`
	PostalCode string    `json:"postal_code" gorm:"type:varchar(16);not null"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName returns the database table name for Address.
func (Address) TableName() string { return "addresses" }

// StatusHistory is an append-only, immutable log entry tied to a shipment.
// Entries are written by the orchestrator (initial entry) and by later
// delivery-tracking drivers outside this subsystem.
type StatusHistory struct {
	ID         string    `json:"id"          gorm:"type:char(36);primaryKey"`
	ShipmentID string    `json:"shipment_id" gorm:"type:char(36);not null;index:idx_shipment_history,priority:1"`
	Status     string    `json:"status"      gorm:"type:varchar(32);not null"`
	Note       string    `json:"note"        gorm:"type:varchar(255)"`
	CreatedAt  time.Time `json:"created_at"  gorm:"index:idx_shipment_history,priority:2"`

	Shipment Shipment `json:"-" gorm:"foreignKey:ShipmentID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for StatusHistory.
func (StatusHistory) TableName() string { return "status_history" }

// SavedAddress is a reusable address-book entry persisted best-effort after a
// successful fulfillment. The unique index keeps repeat checkouts from piling
// up duplicates; a violation is treated as "already saved", never an error.
type SavedAddress struct {
	ID         string    `json:"id"          gorm:"type:char(36);primaryKey"`
	UserID     string    `json:"user_id"     gorm:"type:varchar(64);not null;index;uniqueIndex:ux_saved_user_addr,priority:1"`
	Name       string    `json:"name"        gorm:"type:varchar(128);not null"`
	Document   string    `json:"document"    gorm:"type:varchar(32)"`
	Email      string    `json:"email"       gorm:"type:varchar(128)"`
	Phone      string    `json:"phone"       gorm:"type:varchar(32)"`
	Street     string    `json:"street"      gorm:"type:varchar(128);not null"`
	Number     string    `json:"number"      gorm:"type:varchar(16);uniqueIndex:ux_saved_user_addr,priority:3"`
	Complement string    `json:"complement"  gorm:"type:varchar(64)"`
	District   string    `json:"district"    gorm:"type:varchar(64)"`
	City       string    `json:"city"        gorm:"type:varchar(64);not null"`
	State      string    `json:"state"       gorm:"type:varchar(8);not null"`
	PostalCode string    `json:"postal_code" gorm:"type:varchar(16);not null;uniqueIndex:ux_saved_user_addr,priority:2"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName returns the database table name for SavedAddress.
func (SavedAddress) TableName() string { return "saved_addresses" }
