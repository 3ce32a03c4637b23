package settlement

import (
	"context"
	"fmt"
	"strconv"

	uuid "github.com/satori/go.uuid"
	"github.com/stripe/stripe-go/v72"

	"github.com/marketforge/payments-service/libs/logging"
	"github.com/marketforge/payments-service/services/settlement/idp"
	"github.com/marketforge/payments-service/services/settlement/model"
)

const (
	minQuantity = 1
	maxQuantity = 10000

	// idempotencyKeyFmt makes intent creation replay-safe per order.
	idempotencyKeyFmt = "order_%s_payment_v1"
)

// CreatePaymentIntentRequest is the payload for the create-payment-intent
// checkout action. Price and currency are not part of it, both come from the
// listing on the server side.
type CreatePaymentIntentRequest struct {
	ListingID uuid.UUID `json:"listingId" valid:"required"`
	Quantity  int64     `json:"quantity" valid:"required"`
	Currency  string    `json:"currency" valid:"optional"`
}

// CreatePaymentIntentResponse carries what the frontend needs to confirm the
// payment.
type CreatePaymentIntentResponse struct {
	OrderID          uuid.UUID `json:"orderId"`
	ClientSecret     string    `json:"clientSecret"`
	Currency         string    `json:"currency"`
	GrossAmount      int64     `json:"grossAmount"`
	CommissionAmount int64     `json:"commissionAmount"`
}

// CreatePaymentIntent prices the listing server-side, creates the pending
// order, and only then asks the processor for a payment intent routed to the
// seller's connected account.
func (s *Service) CreatePaymentIntent(ctx context.Context, buyer *idp.User, req *CreatePaymentIntentRequest) (*CreatePaymentIntentResponse, error) {
	logger := logging.Logger(ctx, "settlement").With().Str("func", "CreatePaymentIntent").Logger()

	if req.Quantity < minQuantity || req.Quantity > maxQuantity {
		return nil, model.ErrInvalidQuantity
	}

	listing, err := s.Datastore.GetListing(ctx, req.ListingID)
	if err != nil {
		return nil, err
	}

	if !listing.Active {
		return nil, model.ErrListingInactive
	}

	if _, ok := s.currencies[listing.Currency]; !ok {
		return nil, model.ErrUnsupportedCurrency
	}

	// The client may echo a currency for display purposes, it must agree
	// with the listing.
	if req.Currency != "" && req.Currency != listing.Currency {
		return nil, model.ErrUnsupportedCurrency
	}

	seller, err := s.Datastore.GetCompany(ctx, listing.SellerCompanyID)
	if err != nil {
		return nil, err
	}

	buyerCompany, err := s.buyerCompany(ctx, buyer)
	if err != nil {
		return nil, err
	}

	if buyer.ID == seller.OwnerID || (buyerCompany != nil && uuid.Equal(buyerCompany.ID, seller.ID)) {
		return nil, model.ErrSelfPurchase
	}

	if err := s.assertSellerEligible(ctx, seller); err != nil {
		return nil, err
	}

	unitPrice := listing.UnitPriceCents()
	gross := unitPrice * req.Quantity

	if gross <= 0 || gross > model.MaxGrossAmountCents {
		return nil, model.ErrAmountOutOfBounds
	}

	commission := model.ComputeCommission(gross, s.cfg.CommissionRate)

	order := &model.Order{
		ID:               uuid.NewV4(),
		Status:           model.OrderStatusPendingPayment,
		Currency:         listing.Currency,
		GrossAmount:      gross,
		CommissionAmount: commission,
		BuyerID:          buyer.ID,
		SellerID:         seller.OwnerID,
		SellerCompanyID:  seller.ID,
	}

	if buyerCompany != nil {
		id := buyerCompany.ID
		order.BuyerCompanyID = &id
	}

	items := []model.OrderItem{
		{
			ID:             uuid.NewV4(),
			OrderID:        order.ID,
			ListingID:      listing.ID,
			Quantity:       req.Quantity,
			UnitPriceCents: unitPrice,
			TotalCents:     gross,
			Currency:       listing.Currency,
		},
	}

	// The order row exists before the processor learns about the payment, so
	// a settlement notification can never arrive for an unknown order.
	if err := s.Datastore.CreateOrder(ctx, order, items); err != nil {
		return nil, err
	}

	params := &stripe.PaymentIntentParams{
		Amount:               stripe.Int64(gross),
		Currency:             stripe.String(listing.Currency),
		ApplicationFeeAmount: stripe.Int64(commission),
		TransferData: &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(seller.ConnectedAccount.String),
		},
		// Transfers do not inherit the intent metadata, the transfer group is
		// the only correlation the transfer.created event carries back.
		TransferGroup: stripe.String(order.ID.String()),
	}
	params.SetIdempotencyKey(fmt.Sprintf(idempotencyKeyFmt, order.ID))
	params.AddMetadata(metadataKeyOrderID, order.ID.String())
	params.AddMetadata(metadataKeyListingID, listing.ID.String())
	params.AddMetadata(metadataKeyBuyerID, buyer.ID.String())
	params.AddMetadata(metadataKeySellerID, seller.OwnerID.String())
	params.AddMetadata(metadataKeyQuantity, strconv.FormatInt(req.Quantity, 10))
	params.AddMetadata(metadataKeyPlatform, metadataPlatform)

	raw, err := s.retry(ctx, func() (interface{}, error) {
		return s.stripeCl.CreatePaymentIntent(ctx, params)
	}, s.retryPolicy, isRetriableProcessorErr)
	if err != nil {
		logger.Error().Err(err).Str("order_id", order.ID.String()).Msg("failed to create payment intent")
		return nil, fmt.Errorf("settlement: failed to create payment intent: %w", err)
	}

	pi := raw.(*stripe.PaymentIntent)

	if err := s.Datastore.SetOrderAuthorization(ctx, order.ID, pi.ID); err != nil {
		return nil, err
	}

	return &CreatePaymentIntentResponse{
		OrderID:          order.ID,
		ClientSecret:     pi.ClientSecret,
		Currency:         listing.Currency,
		GrossAmount:      gross,
		CommissionAmount: commission,
	}, nil
}

// buyerCompany resolves the buyer's own company when they have one. Buyers
// without a company are allowed to purchase.
func (s *Service) buyerCompany(ctx context.Context, buyer *idp.User) (*model.Company, error) {
	company, err := s.Datastore.GetCompanyForUser(ctx, buyer.ID, buyer.Email)
	if err != nil {
		if err == model.ErrCompanyNotFound {
			return nil, nil
		}

		return nil, err
	}

	return company, nil
}

// assertSellerEligible gates checkout on the seller's kyc status. A stale
// non-approved status is re-checked live against the processor before the
// purchase is rejected.
func (s *Service) assertSellerEligible(ctx context.Context, seller *model.Company) error {
	logger := logging.Logger(ctx, "settlement")

	if seller.KYCStatus == model.KYCStatusApproved {
		return nil
	}

	if !seller.HasConnectedAccount() {
		return model.ErrSellerNotVerified
	}

	raw, err := s.retry(ctx, func() (interface{}, error) {
		return s.stripeCl.Account(ctx, seller.ConnectedAccount.String)
	}, s.retryPolicy, isRetriableProcessorErr)
	if err != nil {
		logger.Error().Err(err).Str("company_id", seller.ID.String()).Msg("failed to refresh seller account")
		return model.ErrSellerNotVerified
	}

	elig := eligibilityFromAccount(raw.(*stripe.Account))
	kyc := model.DeriveKYCStatus(elig)

	if _, err := s.Datastore.UpdateCompanyEligibility(ctx, seller, elig, kyc); err != nil {
		// The gate decision comes from the live data either way.
		logger.Error().Err(err).Str("company_id", seller.ID.String()).Msg("failed to persist refreshed eligibility")
	}

	if kyc != model.KYCStatusApproved {
		return model.ErrSellerNotVerified
	}

	return nil
}
