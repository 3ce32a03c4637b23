package settlement

import (
	"context"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/stripe/stripe-go/v72"

	"github.com/marketforge/payments-service/libs/datastore"
	"github.com/marketforge/payments-service/services/settlement/idp"
	"github.com/marketforge/payments-service/services/settlement/model"
)

type mockDatastore struct {
	datastore.Datastore

	fnCreateOrder               func(ctx context.Context, order *model.Order, items []model.OrderItem) error
	fnGetOrder                  func(ctx context.Context, id uuid.UUID) (*model.Order, error)
	fnGetOrderByAuthorizationID func(ctx context.Context, authID string) (*model.Order, error)
	fnGetOrderBySettlementID    func(ctx context.Context, settlementID string) (*model.Order, error)
	fnSetOrderAuthorization     func(ctx context.Context, id uuid.UUID, authID string) error
	fnMarkOrderPaid             func(ctx context.Context, id uuid.UUID, settlementID string, paidAt time.Time) error
	fnMarkOrderPaymentFailed    func(ctx context.Context, id uuid.UUID, reason string) error
	fnMarkOrderDisputed         func(ctx context.Context, id uuid.UUID, disputeID, reason string) error
	fnResolveOrderDispute       func(ctx context.Context, id uuid.UUID, won bool) error
	fnMarkOrderRefunded         func(ctx context.Context, id uuid.UUID, refundedCents int64, full bool) error
	fnRecordOrderTransfer       func(ctx context.Context, id uuid.UUID, transferID string, amountCents int64) error

	fnGetListing func(ctx context.Context, id uuid.UUID) (*model.Listing, error)

	fnGetCompany                   func(ctx context.Context, id uuid.UUID) (*model.Company, error)
	fnGetCompanyForUser            func(ctx context.Context, userID uuid.UUID, email string) (*model.Company, error)
	fnGetCompanyByConnectedAccount func(ctx context.Context, acctID string) (*model.Company, error)
	fnSetCompanyConnectedAccount   func(ctx context.Context, c *model.Company, acctID string) error
	fnUpdateCompanyEligibility     func(ctx context.Context, c *model.Company, e model.Eligibility, kyc model.KYCStatus) (bool, error)

	fnRecordTransactionEvent func(ctx context.Context, event *model.TransactionEvent) error
	fnInsertNotification     func(ctx context.Context, n *model.Notification) error
	fnInsertDeadLetter       func(ctx context.Context, d *model.DeadLetterEvent) error
}

func (m *mockDatastore) CreateOrder(ctx context.Context, order *model.Order, items []model.OrderItem) error {
	if m.fnCreateOrder == nil {
		return nil
	}
	return m.fnCreateOrder(ctx, order, items)
}

func (m *mockDatastore) GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	if m.fnGetOrder == nil {
		return &model.Order{ID: id}, nil
	}
	return m.fnGetOrder(ctx, id)
}

func (m *mockDatastore) GetOrderByAuthorizationID(ctx context.Context, authID string) (*model.Order, error) {
	if m.fnGetOrderByAuthorizationID == nil {
		return nil, model.ErrOrderNotFound
	}
	return m.fnGetOrderByAuthorizationID(ctx, authID)
}

func (m *mockDatastore) GetOrderBySettlementID(ctx context.Context, settlementID string) (*model.Order, error) {
	if m.fnGetOrderBySettlementID == nil {
		return nil, model.ErrOrderNotFound
	}
	return m.fnGetOrderBySettlementID(ctx, settlementID)
}

func (m *mockDatastore) SetOrderAuthorization(ctx context.Context, id uuid.UUID, authID string) error {
	if m.fnSetOrderAuthorization == nil {
		return nil
	}
	return m.fnSetOrderAuthorization(ctx, id, authID)
}

func (m *mockDatastore) MarkOrderPaid(ctx context.Context, id uuid.UUID, settlementID string, paidAt time.Time) error {
	if m.fnMarkOrderPaid == nil {
		return nil
	}
	return m.fnMarkOrderPaid(ctx, id, settlementID, paidAt)
}

func (m *mockDatastore) MarkOrderPaymentFailed(ctx context.Context, id uuid.UUID, reason string) error {
	if m.fnMarkOrderPaymentFailed == nil {
		return nil
	}
	return m.fnMarkOrderPaymentFailed(ctx, id, reason)
}

func (m *mockDatastore) MarkOrderDisputed(ctx context.Context, id uuid.UUID, disputeID, reason string) error {
	if m.fnMarkOrderDisputed == nil {
		return nil
	}
	return m.fnMarkOrderDisputed(ctx, id, disputeID, reason)
}

func (m *mockDatastore) ResolveOrderDispute(ctx context.Context, id uuid.UUID, won bool) error {
	if m.fnResolveOrderDispute == nil {
		return nil
	}
	return m.fnResolveOrderDispute(ctx, id, won)
}

func (m *mockDatastore) MarkOrderRefunded(ctx context.Context, id uuid.UUID, refundedCents int64, full bool) error {
	if m.fnMarkOrderRefunded == nil {
		return nil
	}
	return m.fnMarkOrderRefunded(ctx, id, refundedCents, full)
}

func (m *mockDatastore) RecordOrderTransfer(ctx context.Context, id uuid.UUID, transferID string, amountCents int64) error {
	if m.fnRecordOrderTransfer == nil {
		return nil
	}
	return m.fnRecordOrderTransfer(ctx, id, transferID, amountCents)
}

func (m *mockDatastore) GetListing(ctx context.Context, id uuid.UUID) (*model.Listing, error) {
	if m.fnGetListing == nil {
		return nil, model.ErrListingNotFound
	}
	return m.fnGetListing(ctx, id)
}

func (m *mockDatastore) GetCompany(ctx context.Context, id uuid.UUID) (*model.Company, error) {
	if m.fnGetCompany == nil {
		return nil, model.ErrCompanyNotFound
	}
	return m.fnGetCompany(ctx, id)
}

func (m *mockDatastore) GetCompanyForUser(ctx context.Context, userID uuid.UUID, email string) (*model.Company, error) {
	if m.fnGetCompanyForUser == nil {
		return nil, model.ErrCompanyNotFound
	}
	return m.fnGetCompanyForUser(ctx, userID, email)
}

func (m *mockDatastore) GetCompanyByConnectedAccount(ctx context.Context, acctID string) (*model.Company, error) {
	if m.fnGetCompanyByConnectedAccount == nil {
		return nil, model.ErrCompanyNotFound
	}
	return m.fnGetCompanyByConnectedAccount(ctx, acctID)
}

func (m *mockDatastore) SetCompanyConnectedAccount(ctx context.Context, c *model.Company, acctID string) error {
	if m.fnSetCompanyConnectedAccount == nil {
		return nil
	}
	return m.fnSetCompanyConnectedAccount(ctx, c, acctID)
}

func (m *mockDatastore) UpdateCompanyEligibility(ctx context.Context, c *model.Company, e model.Eligibility, kyc model.KYCStatus) (bool, error) {
	if m.fnUpdateCompanyEligibility == nil {
		return false, nil
	}
	return m.fnUpdateCompanyEligibility(ctx, c, e, kyc)
}

func (m *mockDatastore) RecordTransactionEvent(ctx context.Context, event *model.TransactionEvent) error {
	if m.fnRecordTransactionEvent == nil {
		return nil
	}
	return m.fnRecordTransactionEvent(ctx, event)
}

func (m *mockDatastore) InsertNotification(ctx context.Context, n *model.Notification) error {
	if m.fnInsertNotification == nil {
		return nil
	}
	return m.fnInsertNotification(ctx, n)
}

func (m *mockDatastore) InsertDeadLetter(ctx context.Context, d *model.DeadLetterEvent) error {
	if m.fnInsertDeadLetter == nil {
		return nil
	}
	return m.fnInsertDeadLetter(ctx, d)
}

type mockStripeClient struct {
	fnCreatePaymentIntent func(ctx context.Context, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	fnCreateAccount       func(ctx context.Context, params *stripe.AccountParams) (*stripe.Account, error)
	fnAccount             func(ctx context.Context, id string) (*stripe.Account, error)
	fnCreateAccountLink   func(ctx context.Context, params *stripe.AccountLinkParams) (*stripe.AccountLink, error)
}

func (m *mockStripeClient) CreatePaymentIntent(ctx context.Context, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	if m.fnCreatePaymentIntent == nil {
		return &stripe.PaymentIntent{ID: "pi_mock", ClientSecret: "pi_mock_secret"}, nil
	}
	return m.fnCreatePaymentIntent(ctx, params)
}

func (m *mockStripeClient) CreateAccount(ctx context.Context, params *stripe.AccountParams) (*stripe.Account, error) {
	if m.fnCreateAccount == nil {
		return &stripe.Account{ID: "acct_mock"}, nil
	}
	return m.fnCreateAccount(ctx, params)
}

func (m *mockStripeClient) Account(ctx context.Context, id string) (*stripe.Account, error) {
	if m.fnAccount == nil {
		return &stripe.Account{ID: id}, nil
	}
	return m.fnAccount(ctx, id)
}

func (m *mockStripeClient) CreateAccountLink(ctx context.Context, params *stripe.AccountLinkParams) (*stripe.AccountLink, error) {
	if m.fnCreateAccountLink == nil {
		return &stripe.AccountLink{URL: "https://connect.example.com/setup"}, nil
	}
	return m.fnCreateAccountLink(ctx, params)
}

type mockIdentityVerifier struct {
	fnVerify func(ctx context.Context, token string) (*idp.User, error)
}

func (m *mockIdentityVerifier) Verify(ctx context.Context, token string) (*idp.User, error) {
	if m.fnVerify == nil {
		return nil, idp.ErrUnauthorized
	}
	return m.fnVerify(ctx, token)
}
