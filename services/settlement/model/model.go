// Package model provides data that the settlement service operates on.
package model

import (
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/shopspring/decimal"

	"github.com/marketforge/payments-service/libs/datastore"
)

const (
	ErrSomethingWentWrong     Error = "something went wrong"
	ErrOrderNotFound          Error = "model: order not found"
	ErrListingNotFound        Error = "model: listing not found"
	ErrCompanyNotFound        Error = "model: company not found"
	ErrNoConnectedAccount     Error = "model: company has no connected account"
	ErrDuplicateEvent         Error = "model: transaction event already recorded"
	ErrInvalidTransition      Error = "model: invalid order status transition"
	ErrOrderStatusConflict    Error = "model: order status changed concurrently"
	ErrNoRowsChangedOrder     Error = "model: no rows changed in orders"
	ErrNoRowsChangedCompany   Error = "model: no rows changed in companies"
	ErrListingInactive        Error = "model: listing is no longer available"
	ErrSelfPurchase           Error = "model: cannot purchase own listing"
	ErrSellerNotVerified      Error = "model: seller account is pending verification"
	ErrUnsupportedCurrency    Error = "model: unsupported currency"
	ErrInvalidQuantity        Error = "model: invalid quantity"
	ErrAmountOutOfBounds      Error = "model: amount outside sane bounds"
	ErrUnmatchedSettlement    Error = "model: no order matches settlement id"
	ErrMissingOrderMetadata   Error = "model: order_id missing from event metadata"
	ErrMissingCompanyMetadata Error = "model: company_id missing from event metadata"
)

// Error - a const-able error type.
type Error string

func (e Error) Error() string {
	return string(e)
}

// OrderStatus* represent order statuses at runtime and in db.
const (
	OrderStatusPendingPayment    OrderStatus = "pending_payment"
	OrderStatusPaid              OrderStatus = "paid"
	OrderStatusPaymentFailed     OrderStatus = "payment_failed"
	OrderStatusDisputed          OrderStatus = "disputed"
	OrderStatusRefunded          OrderStatus = "refunded"
	OrderStatusPartiallyRefunded OrderStatus = "partially_refunded"
)

// OrderStatus is the settlement state of an order.
type OrderStatus string

func (s OrderStatus) String() string {
	return string(s)
}

// validTransitions is the closed set of legal settlement transitions.
// Dispute resolution is the only path back to paid.
var validTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPendingPayment: {OrderStatusPaid, OrderStatusPaymentFailed},
	OrderStatusPaid:           {OrderStatusDisputed, OrderStatusRefunded, OrderStatusPartiallyRefunded},
	OrderStatusDisputed:       {OrderStatusPaid, OrderStatusRefunded},
}

// CanTransition reports whether moving from s to next is a legal transition.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// MaxGrossAmountCents bounds the gross amount accepted from event payloads,
// anything above it is treated as a corrupted payload.
const MaxGrossAmountCents = int64(100_000_000)

// Order represents an individual buyer-seller-listing purchase attempt.
// Monetary amounts are integer minor units (cents).
type Order struct {
	ID               uuid.UUID            `json:"id" db:"id"`
	CreatedAt        time.Time            `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time            `json:"updatedAt" db:"updated_at"`
	Status           OrderStatus          `json:"status" db:"status"`
	Currency         string               `json:"currency" db:"currency"`
	GrossAmount      int64                `json:"grossAmount" db:"gross_amount"`
	CommissionAmount int64                `json:"commissionAmount" db:"commission_amount"`
	BuyerID          uuid.UUID            `json:"buyerId" db:"buyer_id"`
	BuyerCompanyID   *uuid.UUID           `json:"buyerCompanyId" db:"buyer_company_id"`
	SellerID         uuid.UUID            `json:"sellerId" db:"seller_id"`
	SellerCompanyID  uuid.UUID            `json:"sellerCompanyId" db:"seller_company_id"`
	AuthorizationID  datastore.NullString `json:"authorizationId" db:"authorization_id"`
	SettlementID     datastore.NullString `json:"settlementId" db:"settlement_id"`
	FailureReason    datastore.NullString `json:"failureReason" db:"failure_reason"`
	DisputeID        datastore.NullString `json:"disputeId" db:"dispute_id"`
	DisputeReason    datastore.NullString `json:"disputeReason" db:"dispute_reason"`
	RefundedAmount   int64                `json:"refundedAmount" db:"refunded_amount"`
	TransferID       datastore.NullString `json:"transferId" db:"transfer_id"`
	TransferAmount   int64                `json:"transferAmount" db:"transfer_amount"`
	PaidAt           *time.Time           `json:"paidAt" db:"paid_at"`
	Metadata         datastore.Metadata   `json:"metadata" db:"metadata"`
}

// NetAmount is what the seller receives after the platform commission.
func (o *Order) NetAmount() int64 {
	return o.GrossAmount - o.CommissionAmount
}

// OrderItem records what was purchased at which server-side price.
type OrderItem struct {
	ID             uuid.UUID `json:"id" db:"id"`
	OrderID        uuid.UUID `json:"orderId" db:"order_id"`
	ListingID      uuid.UUID `json:"listingId" db:"listing_id"`
	Quantity       int64     `json:"quantity" db:"quantity"`
	UnitPriceCents int64     `json:"unitPriceCents" db:"unit_price_cents"`
	TotalCents     int64     `json:"totalCents" db:"total_cents"`
	Currency       string    `json:"currency" db:"currency"`
}

// Listing is the seller's current offer for a product.
type Listing struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	SellerCompanyID uuid.UUID       `json:"sellerCompanyId" db:"seller_company_id"`
	ProductName     string          `json:"productName" db:"product_name"`
	Price           decimal.Decimal `json:"price" db:"price"`
	Currency        string          `json:"currency" db:"currency"`
	Active          bool            `json:"active" db:"active"`
}

// UnitPriceCents converts the listing price to integer minor units.
func (l *Listing) UnitPriceCents() int64 {
	return l.Price.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// KYCStatus* are the derived seller eligibility states.
const (
	KYCStatusNotStarted KYCStatus = "not_started"
	KYCStatusPending    KYCStatus = "pending"
	KYCStatusInReview   KYCStatus = "in_review"
	KYCStatusApproved   KYCStatus = "approved"
	KYCStatusRejected   KYCStatus = "rejected"
)

// KYCStatus classifies whether a seller may receive funds.
type KYCStatus string

func (s KYCStatus) String() string {
	return string(s)
}

// Eligibility holds the processor-sourced capability flags for a connected account.
type Eligibility struct {
	ChargesEnabled   bool   `json:"chargesEnabled" db:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payoutsEnabled" db:"payouts_enabled"`
	DetailsSubmitted bool   `json:"detailsSubmitted" db:"details_submitted"`
	DisabledReason   string `json:"disabledReason" db:"disabled_reason"`
}

// Eligible reports whether the account can both charge and receive payouts.
func (e Eligibility) Eligible() bool {
	return e.ChargesEnabled && e.PayoutsEnabled
}

// DeriveKYCStatus computes the kyc status from the processor capability flags.
// It must be the only place this rule lives, both the webhook path and the
// onboarding path derive through here.
func DeriveKYCStatus(e Eligibility) KYCStatus {
	switch {
	case e.ChargesEnabled && e.PayoutsEnabled:
		return KYCStatusApproved
	case e.DisabledReason != "":
		return KYCStatusRejected
	case e.DetailsSubmitted:
		return KYCStatusInReview
	default:
		return KYCStatusPending
	}
}

// CompanySchema* identify which historical schema shape a company row lives in.
const (
	CompanySchemaLegacy  CompanySchema = "legacy"
	CompanySchemaCurrent CompanySchema = "current"
)

// CompanySchema tags the storage shape a company record was resolved from.
type CompanySchema string

// Company is the normalized view of a selling (or buying) organization,
// independent of which schema shape it is stored in.
type Company struct {
	ID               uuid.UUID            `json:"id" db:"id"`
	Name             string               `json:"name" db:"name"`
	Country          string               `json:"country" db:"country"`
	VATNumber        string               `json:"vatNumber" db:"vat_number"`
	OwnerID          uuid.UUID            `json:"ownerId" db:"owner_id"`
	ConnectedAccount datastore.NullString `json:"connectedAccount" db:"connected_account_id"`
	Eligibility      Eligibility          `json:"eligibility"`
	KYCStatus        KYCStatus            `json:"kycStatus" db:"kyc_status"`
	Schema           CompanySchema        `json:"-" db:"-"`
}

// HasConnectedAccount reports whether onboarding with the processor has started.
func (c *Company) HasConnectedAccount() bool {
	return c.ConnectedAccount.Valid && c.ConnectedAccount.String != ""
}

// TransactionEvent is an append-only audit record of a processed notification.
type TransactionEvent struct {
	ID        uuid.UUID `json:"id" db:"id"`
	EventID   string    `json:"eventId" db:"event_id"`
	EventType string    `json:"eventType" db:"event_type"`
	Payload   []byte    `json:"payload" db:"payload"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Notification is a fire-and-forget message to a user inbox. It is not
// authoritative state and is safe to lose without corrupting settlement.
type Notification struct {
	ID        uuid.UUID          `json:"id" db:"id"`
	UserID    uuid.UUID          `json:"userId" db:"user_id"`
	Type      string             `json:"type" db:"type"`
	Message   string             `json:"message" db:"message"`
	Payload   datastore.Metadata `json:"payload" db:"payload"`
	Read      bool               `json:"read" db:"read"`
	CreatedAt time.Time          `json:"createdAt" db:"created_at"`
}

// DeadLetterEvent records a notification whose handler failed after the
// signature and idempotency checks passed. The endpoint still acknowledges
// such events, recovery happens off-band by replaying from here.
type DeadLetterEvent struct {
	ID        uuid.UUID `json:"id" db:"id"`
	EventID   string    `json:"eventId" db:"event_id"`
	EventType string    `json:"eventType" db:"event_type"`
	Reason    string    `json:"reason" db:"reason"`
	Payload   []byte    `json:"payload" db:"payload"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// ComputeCommission returns the platform's cut of gross at the given rate,
// rounded half away from zero, with no floating point involved.
func ComputeCommission(grossCents int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(grossCents).Mul(rate).Round(0).IntPart()
}
