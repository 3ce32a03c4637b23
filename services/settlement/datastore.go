package settlement

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	uuid "github.com/satori/go.uuid"

	"github.com/marketforge/payments-service/libs/datastore"
	"github.com/marketforge/payments-service/services/settlement/model"
)

// Datastore abstracts storage access for the settlement service.
type Datastore interface {
	datastore.Datastore

	// Orders.
	CreateOrder(ctx context.Context, order *model.Order, items []model.OrderItem) error
	GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error)
	GetOrderByAuthorizationID(ctx context.Context, authID string) (*model.Order, error)
	GetOrderBySettlementID(ctx context.Context, settlementID string) (*model.Order, error)
	SetOrderAuthorization(ctx context.Context, id uuid.UUID, authID string) error
	MarkOrderPaid(ctx context.Context, id uuid.UUID, settlementID string, paidAt time.Time) error
	MarkOrderPaymentFailed(ctx context.Context, id uuid.UUID, reason string) error
	MarkOrderDisputed(ctx context.Context, id uuid.UUID, disputeID, reason string) error
	ResolveOrderDispute(ctx context.Context, id uuid.UUID, won bool) error
	MarkOrderRefunded(ctx context.Context, id uuid.UUID, refundedCents int64, full bool) error
	RecordOrderTransfer(ctx context.Context, id uuid.UUID, transferID string, amountCents int64) error

	// Listings.
	GetListing(ctx context.Context, id uuid.UUID) (*model.Listing, error)

	// Companies, behind the dual-schema adapter.
	GetCompany(ctx context.Context, id uuid.UUID) (*model.Company, error)
	GetCompanyForUser(ctx context.Context, userID uuid.UUID, email string) (*model.Company, error)
	GetCompanyByConnectedAccount(ctx context.Context, acctID string) (*model.Company, error)
	SetCompanyConnectedAccount(ctx context.Context, c *model.Company, acctID string) error
	UpdateCompanyEligibility(ctx context.Context, c *model.Company, e model.Eligibility, kyc model.KYCStatus) (bool, error)

	// Processed-event audit, notifications and dead letters.
	RecordTransactionEvent(ctx context.Context, event *model.TransactionEvent) error
	InsertNotification(ctx context.Context, n *model.Notification) error
	InsertDeadLetter(ctx context.Context, d *model.DeadLetterEvent) error
}

// Postgres is a Datastore implementation on top of postgres.
type Postgres struct {
	datastore.Postgres

	companies companyAdapter
}

// NewPostgres creates a new Postgres Datastore.
func NewPostgres(databaseURL string, performMigration bool, dbStatsPrefix ...string) (Datastore, error) {
	pg, err := datastore.NewPostgres(databaseURL, performMigration, dbStatsPrefix...)
	if err != nil {
		return nil, err
	}

	return &Postgres{Postgres: *pg}, nil
}

const uniqueViolation = pq.ErrorCode("23505")

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// CreateOrder persists the order and its items in a single transaction.
func (pg *Postgres) CreateOrder(ctx context.Context, order *model.Order, items []model.OrderItem) error {
	tx, err := pg.BeginTx()
	if err != nil {
		return err
	}
	defer pg.RollbackTx(tx)

	const stmtOrder = `
		INSERT INTO orders (
			id, status, currency, gross_amount, commission_amount,
			buyer_id, buyer_company_id, seller_id, seller_company_id, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	if _, err := tx.ExecContext(ctx, stmtOrder,
		order.ID, order.Status, order.Currency, order.GrossAmount, order.CommissionAmount,
		order.BuyerID, order.BuyerCompanyID, order.SellerID, order.SellerCompanyID, order.Metadata,
	); err != nil {
		return err
	}

	const stmtItem = `
		INSERT INTO order_items (id, order_id, listing_id, quantity, unit_price_cents, total_cents, currency)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	for i := range items {
		it := &items[i]

		if _, err := tx.ExecContext(ctx, stmtItem,
			it.ID, it.OrderID, it.ListingID, it.Quantity, it.UnitPriceCents, it.TotalCents, it.Currency,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

const orderColumns = `
	id, created_at, updated_at, status, currency,
	gross_amount, commission_amount,
	buyer_id, buyer_company_id, seller_id, seller_company_id,
	authorization_id, settlement_id, failure_reason,
	dispute_id, dispute_reason, refunded_amount,
	transfer_id, transfer_amount, paid_at, metadata`

// GetOrder returns the order by id.
func (pg *Postgres) GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	var order model.Order
	if err := pg.RawDB().GetContext(ctx, &order, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrOrderNotFound
		}

		return nil, err
	}

	return &order, nil
}

// GetOrderByAuthorizationID looks an order up by the payment intent id stamped
// at checkout.
func (pg *Postgres) GetOrderByAuthorizationID(ctx context.Context, authID string) (*model.Order, error) {
	var order model.Order
	if err := pg.RawDB().GetContext(ctx, &order, `SELECT `+orderColumns+` FROM orders WHERE authorization_id = $1`, authID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrOrderNotFound
		}

		return nil, err
	}

	return &order, nil
}

// GetOrderBySettlementID looks an order up by the charge id recorded when the
// payment settled.
func (pg *Postgres) GetOrderBySettlementID(ctx context.Context, settlementID string) (*model.Order, error) {
	var order model.Order
	if err := pg.RawDB().GetContext(ctx, &order, `SELECT `+orderColumns+` FROM orders WHERE settlement_id = $1`, settlementID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrOrderNotFound
		}

		return nil, err
	}

	return &order, nil
}

// SetOrderAuthorization records the authorization id once the payment intent
// exists at the processor.
func (pg *Postgres) SetOrderAuthorization(ctx context.Context, id uuid.UUID, authID string) error {
	const stmt = `
		UPDATE orders
		SET authorization_id = $2, updated_at = now()
		WHERE id = $1 AND authorization_id IS NULL`

	return pg.execExpectingChange(ctx, stmt, id, authID)
}

// MarkOrderPaid moves a pending order to paid. The status guard in the WHERE
// clause makes concurrent deliveries of the same settlement race-safe.
func (pg *Postgres) MarkOrderPaid(ctx context.Context, id uuid.UUID, settlementID string, paidAt time.Time) error {
	const stmt = `
		UPDATE orders
		SET status = $2, settlement_id = $3, paid_at = $4, updated_at = now()
		WHERE id = $1 AND status = $5`

	return pg.transitionOrder(ctx, stmt, id, model.OrderStatusPaid, settlementID, paidAt, model.OrderStatusPendingPayment)
}

// MarkOrderPaymentFailed moves a pending order to payment_failed.
func (pg *Postgres) MarkOrderPaymentFailed(ctx context.Context, id uuid.UUID, reason string) error {
	const stmt = `
		UPDATE orders
		SET status = $2, failure_reason = $3, updated_at = now()
		WHERE id = $1 AND status = $4`

	return pg.transitionOrder(ctx, stmt, id, model.OrderStatusPaymentFailed, reason, model.OrderStatusPendingPayment)
}

// MarkOrderDisputed moves a paid order to disputed.
func (pg *Postgres) MarkOrderDisputed(ctx context.Context, id uuid.UUID, disputeID, reason string) error {
	const stmt = `
		UPDATE orders
		SET status = $2, dispute_id = $3, dispute_reason = $4, updated_at = now()
		WHERE id = $1 AND status = $5`

	return pg.transitionOrder(ctx, stmt, id, model.OrderStatusDisputed, disputeID, reason, model.OrderStatusPaid)
}

// ResolveOrderDispute settles a disputed order, back to paid when the dispute
// was won, refunded in full when it was lost.
func (pg *Postgres) ResolveOrderDispute(ctx context.Context, id uuid.UUID, won bool) error {
	if won {
		const stmt = `
			UPDATE orders
			SET status = $2, updated_at = now()
			WHERE id = $1 AND status = $3`

		return pg.transitionOrder(ctx, stmt, id, model.OrderStatusPaid, model.OrderStatusDisputed)
	}

	const stmt = `
		UPDATE orders
		SET status = $2, refunded_amount = gross_amount, updated_at = now()
		WHERE id = $1 AND status = $3`

	return pg.transitionOrder(ctx, stmt, id, model.OrderStatusRefunded, model.OrderStatusDisputed)
}

// MarkOrderRefunded records a refund against a paid or disputed order.
func (pg *Postgres) MarkOrderRefunded(ctx context.Context, id uuid.UUID, refundedCents int64, full bool) error {
	next := model.OrderStatusPartiallyRefunded
	if full {
		next = model.OrderStatusRefunded
	}

	const stmt = `
		UPDATE orders
		SET status = $2, refunded_amount = $3, updated_at = now()
		WHERE id = $1 AND status IN ($4, $5)`

	return pg.transitionOrder(ctx, stmt, id, next, refundedCents, model.OrderStatusPaid, model.OrderStatusDisputed)
}

// RecordOrderTransfer stores the payout transfer reference on the order
// without touching its status.
func (pg *Postgres) RecordOrderTransfer(ctx context.Context, id uuid.UUID, transferID string, amountCents int64) error {
	const stmt = `
		UPDATE orders
		SET transfer_id = $2, transfer_amount = $3, updated_at = now()
		WHERE id = $1`

	return pg.execExpectingChange(ctx, stmt, id, transferID, amountCents)
}

// transitionOrder runs a guarded status update. Zero rows means the order
// either does not exist or sits in a status the guard excludes.
func (pg *Postgres) transitionOrder(ctx context.Context, stmt string, id uuid.UUID, next model.OrderStatus, args ...interface{}) error {
	all := append([]interface{}{id, next}, args...)

	res, err := pg.RawDB().ExecContext(ctx, stmt, all...)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		var cur model.OrderStatus
		if err := pg.RawDB().GetContext(ctx, &cur, `SELECT status FROM orders WHERE id = $1`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return model.ErrOrderNotFound
			}

			return err
		}

		return model.ErrOrderStatusConflict
	}

	return nil
}

func (pg *Postgres) execExpectingChange(ctx context.Context, stmt string, args ...interface{}) error {
	res, err := pg.RawDB().ExecContext(ctx, stmt, args...)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return model.ErrNoRowsChangedOrder
	}

	return nil
}

// GetListing returns the listing by id.
func (pg *Postgres) GetListing(ctx context.Context, id uuid.UUID) (*model.Listing, error) {
	const stmt = `
		SELECT id, seller_company_id, product_name, price, currency, active
		FROM listings
		WHERE id = $1`

	var listing model.Listing
	if err := pg.RawDB().GetContext(ctx, &listing, stmt, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrListingNotFound
		}

		return nil, err
	}

	return &listing, nil
}

// GetCompany returns a company by id, whichever schema shape it lives in.
func (pg *Postgres) GetCompany(ctx context.Context, id uuid.UUID) (*model.Company, error) {
	return pg.companies.getByID(ctx, pg.RawDB(), id)
}

// GetCompanyForUser returns the company the given user belongs to.
func (pg *Postgres) GetCompanyForUser(ctx context.Context, userID uuid.UUID, email string) (*model.Company, error) {
	return pg.companies.getForUser(ctx, pg.RawDB(), userID, email)
}

// GetCompanyByConnectedAccount returns the company owning a processor account.
func (pg *Postgres) GetCompanyByConnectedAccount(ctx context.Context, acctID string) (*model.Company, error) {
	return pg.companies.getByConnectedAccount(ctx, pg.RawDB(), acctID)
}

// SetCompanyConnectedAccount stores a freshly created processor account id.
func (pg *Postgres) SetCompanyConnectedAccount(ctx context.Context, c *model.Company, acctID string) error {
	return pg.companies.setConnectedAccount(ctx, pg.RawDB(), c, acctID)
}

// UpdateCompanyEligibility persists capability flags, returning whether
// anything changed.
func (pg *Postgres) UpdateCompanyEligibility(ctx context.Context, c *model.Company, e model.Eligibility, kyc model.KYCStatus) (bool, error) {
	return pg.companies.updateEligibility(ctx, pg.RawDB(), c, e, kyc)
}

// RecordTransactionEvent appends the processed-event audit row. A duplicate
// (event_id, event_type) pair maps to model.ErrDuplicateEvent, which is how
// redeliveries are detected.
func (pg *Postgres) RecordTransactionEvent(ctx context.Context, event *model.TransactionEvent) error {
	const stmt = `
		INSERT INTO transaction_events (id, event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)`

	if _, err := pg.RawDB().ExecContext(ctx, stmt, event.ID, event.EventID, event.EventType, event.Payload); err != nil {
		if isUniqueViolation(err) {
			return model.ErrDuplicateEvent
		}

		return err
	}

	return nil
}

// InsertNotification stores a user notification.
func (pg *Postgres) InsertNotification(ctx context.Context, n *model.Notification) error {
	const stmt = `
		INSERT INTO notifications (id, user_id, type, message, payload)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := pg.RawDB().ExecContext(ctx, stmt, n.ID, n.UserID, n.Type, n.Message, n.Payload)

	return err
}

// InsertDeadLetter durably records an event whose handler failed after the
// signature and idempotency checks had passed.
func (pg *Postgres) InsertDeadLetter(ctx context.Context, d *model.DeadLetterEvent) error {
	const stmt = `
		INSERT INTO dead_letter_events (id, event_id, event_type, reason, payload)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := pg.RawDB().ExecContext(ctx, stmt, d.ID, d.EventID, d.EventType, d.Reason, d.Payload)

	return err
}
