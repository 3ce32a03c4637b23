package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	uuid "github.com/satori/go.uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v72"

	"github.com/marketforge/payments-service/libs/backoff"
	"github.com/marketforge/payments-service/libs/backoff/retrypolicy"
	"github.com/marketforge/payments-service/libs/logging"
	"github.com/marketforge/payments-service/services/settlement/idp"
	"github.com/marketforge/payments-service/services/settlement/model"
)

const (
	// ErrInvalidSignature - the notification failed authentication.
	ErrInvalidSignature model.Error = "settlement: invalid notification signature"

	// ErrMalformedNotification - the body could not be parsed as an event.
	ErrMalformedNotification model.Error = "settlement: malformed notification"

	// ErrEventNotRecorded - storage failed before the event was recorded;
	// the processor should redeliver.
	ErrEventNotRecorded model.Error = "settlement: failed to record event"
)

// eventTypeInvalidSignature labels audit rows for rejected signatures.
const eventTypeInvalidSignature = "invalid_signature"

// stripeClient is the injected processor API surface. xstripe.Client satisfies
// it in production, tests provide fakes.
type stripeClient interface {
	CreatePaymentIntent(ctx context.Context, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	CreateAccount(ctx context.Context, params *stripe.AccountParams) (*stripe.Account, error)
	Account(ctx context.Context, id string) (*stripe.Account, error)
	CreateAccountLink(ctx context.Context, params *stripe.AccountLinkParams) (*stripe.AccountLink, error)
}

// identityVerifier resolves bearer tokens to users.
type identityVerifier interface {
	Verify(ctx context.Context, token string) (*idp.User, error)
}

// Config carries the static settlement configuration.
type Config struct {
	WebhookSecret  string
	ReplayWindow   time.Duration
	InsecureBypass bool

	CommissionRate      decimal.Decimal
	SupportedCurrencies []string
	DefaultCountry      string
	FrontendURL         string
}

var defaultCurrencies = []string{"eur", "gbp", "chf", "pln"}

// Service contains datastore and processor client connections.
type Service struct {
	Datastore Datastore

	stripeCl stripeClient
	idv      identityVerifier
	sig      *signatureVerifier
	cfg      Config

	currencies map[string]struct{}

	retry       backoff.RetryFunc
	retryPolicy retrypolicy.Retry
}

// InitService creates a service using the passed datastore and clients.
func InitService(ctx context.Context, datastore Datastore, stripeCl stripeClient, idv identityVerifier, cfg Config) (*Service, error) {
	if cfg.CommissionRate.IsNegative() || cfg.CommissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("settlement: commission rate out of range: %s", cfg.CommissionRate)
	}

	if len(cfg.SupportedCurrencies) == 0 {
		cfg.SupportedCurrencies = defaultCurrencies
	}

	if cfg.DefaultCountry == "" {
		cfg.DefaultCountry = "FR"
	}

	currencies := make(map[string]struct{}, len(cfg.SupportedCurrencies))
	for _, c := range cfg.SupportedCurrencies {
		currencies[c] = struct{}{}
	}

	return &Service{
		Datastore:   datastore,
		stripeCl:    stripeCl,
		idv:         idv,
		sig:         newSignatureVerifier(cfg.WebhookSecret, cfg.ReplayWindow, cfg.InsecureBypass),
		cfg:         cfg,
		currencies:  currencies,
		retry:       backoff.Retry,
		retryPolicy: retrypolicy.DefaultRetry,
	}, nil
}

// ProcessNotification authenticates, records and dispatches one processor
// notification. A nil return means the delivery must be acknowledged; the two
// exported sentinels are the only errors and both map to client-side failures.
//
// Handler failures never surface here: the event is already recorded, so a
// retry from the processor would be dropped as a duplicate. Instead the
// failure is written to the dead letter table and the delivery acknowledged.
func (s *Service) ProcessNotification(ctx context.Context, body []byte, sigHeader string) error {
	logger := logging.Logger(ctx, "settlement").With().Str("func", "ProcessNotification").Logger()

	if s.cfg.InsecureBypass && s.cfg.WebhookSecret == "" {
		logger.Warn().Msg("accepting notification without signature verification")
	}

	if err := s.sig.verify(body, sigHeader); err != nil {
		countProcessorEvents.WithLabelValues("unknown", outcomeInvalidSignature).Inc()
		s.auditInvalidSignature(ctx, body, err)
		return fmt.Errorf("%w: %s", ErrInvalidSignature, err)
	}

	event, err := parseProcessorEvent(body)
	if err != nil {
		countProcessorEvents.WithLabelValues("unknown", outcomeMalformed).Inc()
		return fmt.Errorf("%w: %s", ErrMalformedNotification, err)
	}

	lg := logger.With().Str("event_id", event.id).Str("event_type", event.rawType).Logger()

	if !event.known {
		countProcessorEvents.WithLabelValues(event.rawType, outcomeIgnored).Inc()
		lg.Info().Msg("ignoring event outside the handled set")
		return nil
	}

	if err := s.Datastore.RecordTransactionEvent(ctx, &model.TransactionEvent{
		ID:        uuid.NewV4(),
		EventID:   event.id,
		EventType: event.rawType,
		Payload:   event.body,
	}); err != nil {
		if errors.Is(err, model.ErrDuplicateEvent) {
			countProcessorEvents.WithLabelValues(event.rawType, outcomeDuplicate).Inc()
			lg.Info().Msg("dropping redelivered event")
			return nil
		}

		// Storage being down is the one case where asking the processor to
		// retry later is the right move.
		countProcessorEvents.WithLabelValues(event.rawType, outcomeRecordFailed).Inc()
		lg.Error().Err(err).Msg("failed to record event")
		return fmt.Errorf("%w: %s", ErrEventNotRecorded, err)
	}

	if err := s.dispatch(ctx, event); err != nil {
		countProcessorEvents.WithLabelValues(event.rawType, outcomeDeadLettered).Inc()
		lg.Error().Err(err).Msg("event handler failed")
		s.deadLetter(ctx, event, err)
		return nil
	}

	countProcessorEvents.WithLabelValues(event.rawType, outcomeApplied).Inc()

	return nil
}

func (s *Service) dispatch(ctx context.Context, event *processorEvent) error {
	switch event.kind {
	case eventKindPaymentSucceeded:
		return s.handlePaymentSucceeded(ctx, event)
	case eventKindPaymentFailed:
		return s.handlePaymentFailed(ctx, event)
	case eventKindDisputeCreated:
		return s.handleDisputeCreated(ctx, event)
	case eventKindDisputeClosed:
		return s.handleDisputeClosed(ctx, event)
	case eventKindChargeRefunded:
		return s.handleChargeRefunded(ctx, event)
	case eventKindAccountUpdated:
		return s.handleAccountUpdated(ctx, event)
	case eventKindTransferCreated:
		return s.handleTransferCreated(ctx, event)
	default:
		return nil
	}
}

// deadLetter durably records a failed event so it can be replayed off-band.
func (s *Service) deadLetter(ctx context.Context, event *processorEvent, cause error) {
	logger := logging.Logger(ctx, "settlement")

	sentry.CaptureException(fmt.Errorf("settlement: event %s (%s) dead-lettered: %w", event.id, event.rawType, cause))

	if err := s.Datastore.InsertDeadLetter(ctx, &model.DeadLetterEvent{
		ID:        uuid.NewV4(),
		EventID:   event.id,
		EventType: event.rawType,
		Reason:    cause.Error(),
		Payload:   event.body,
	}); err != nil {
		logger.Error().Err(err).Str("event_id", event.id).Msg("failed to write dead letter")
		sentry.CaptureException(err)
	}
}

// auditInvalidSignature durably records a rejected notification for anomaly
// monitoring. The payload never passed authentication so it is kept out of
// the transaction event log and parked with the dead letters instead.
func (s *Service) auditInvalidSignature(ctx context.Context, body []byte, cause error) {
	logger := logging.Logger(ctx, "settlement")

	if err := s.Datastore.InsertDeadLetter(ctx, &model.DeadLetterEvent{
		ID:        uuid.NewV4(),
		EventType: eventTypeInvalidSignature,
		Reason:    cause.Error(),
		Payload:   body,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to record rejected signature")
	}
}

func (s *Service) handlePaymentSucceeded(ctx context.Context, event *processorEvent) error {
	pi, err := event.paymentIntent()
	if err != nil {
		return err
	}

	if pi.Amount <= 0 || pi.Amount > model.MaxGrossAmountCents {
		return model.ErrAmountOutOfBounds
	}

	orderID, err := orderIDFromMetadata(pi.Metadata)
	if err != nil {
		return err
	}

	settlementID := ""
	if pi.Charges != nil && len(pi.Charges.Data) > 0 {
		settlementID = pi.Charges.Data[0].ID
	}

	if err := s.Datastore.MarkOrderPaid(ctx, orderID, settlementID, time.Now()); err != nil {
		if errors.Is(err, model.ErrOrderStatusConflict) {
			if order, gerr := s.Datastore.GetOrder(ctx, orderID); gerr == nil && order.Status == model.OrderStatusPaid {
				// Another delivery already settled it.
				return nil
			}
		}

		return err
	}

	order, err := s.Datastore.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	s.emitNotification(ctx, order.BuyerID, notifTypePaymentConfirmed, notifPayloadForOrder(order))

	sellerPayload := notifPayloadForOrder(order)
	sellerPayload["net_amount"] = order.NetAmount()
	s.emitNotification(ctx, order.SellerID, notifTypeNewOrderPaid, sellerPayload)

	return nil
}

func (s *Service) handlePaymentFailed(ctx context.Context, event *processorEvent) error {
	pi, err := event.paymentIntent()
	if err != nil {
		return err
	}

	orderID, err := orderIDFromMetadata(pi.Metadata)
	if err != nil {
		return err
	}

	reason := "payment_failed"
	if pi.LastPaymentError != nil && pi.LastPaymentError.Code != "" {
		reason = string(pi.LastPaymentError.Code)
	}

	if err := s.Datastore.MarkOrderPaymentFailed(ctx, orderID, reason); err != nil {
		if errors.Is(err, model.ErrOrderStatusConflict) {
			if order, gerr := s.Datastore.GetOrder(ctx, orderID); gerr == nil && order.Status == model.OrderStatusPaymentFailed {
				return nil
			}
		}

		return err
	}

	order, err := s.Datastore.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	s.emitNotification(ctx, order.BuyerID, notifTypePaymentFailed, notifPayloadForOrder(order))

	return nil
}

func (s *Service) handleDisputeCreated(ctx context.Context, event *processorEvent) error {
	dp, err := event.dispute()
	if err != nil {
		return err
	}

	order, err := s.lookupChargedOrder(ctx, paymentIntentID(dp.PaymentIntent), chargeID(dp.Charge))
	if err != nil {
		return err
	}

	if order.Status == model.OrderStatusDisputed {
		// Another delivery already applied it.
		return nil
	}

	if !order.Status.CanTransition(model.OrderStatusDisputed) {
		return fmt.Errorf("%w: %s to %s", model.ErrInvalidTransition, order.Status, model.OrderStatusDisputed)
	}

	if err := s.Datastore.MarkOrderDisputed(ctx, order.ID, dp.ID, string(dp.Reason)); err != nil {
		if errors.Is(err, model.ErrOrderStatusConflict) {
			if cur, gerr := s.Datastore.GetOrder(ctx, order.ID); gerr == nil && cur.Status == model.OrderStatusDisputed {
				return nil
			}
		}

		return err
	}

	order, err = s.Datastore.GetOrder(ctx, order.ID)
	if err != nil {
		return err
	}

	payload := notifPayloadForOrder(order)
	payload["dispute_reason"] = string(dp.Reason)

	s.emitNotification(ctx, order.BuyerID, notifTypeDisputeOpened, payload)
	s.emitNotification(ctx, order.SellerID, notifTypeDisputeOpened, payload)

	return nil
}

func (s *Service) handleDisputeClosed(ctx context.Context, event *processorEvent) error {
	logger := logging.Logger(ctx, "settlement")

	dp, err := event.dispute()
	if err != nil {
		return err
	}

	var won bool
	switch dp.Status {
	case stripe.DisputeStatusWon:
		won = true
	case stripe.DisputeStatusLost:
		won = false
	default:
		logger.Info().Str("dispute_id", dp.ID).Str("status", string(dp.Status)).Msg("dispute closed without outcome")
		return nil
	}

	order, err := s.lookupChargedOrder(ctx, paymentIntentID(dp.PaymentIntent), chargeID(dp.Charge))
	if err != nil {
		return err
	}

	target := model.OrderStatusRefunded
	if won {
		target = model.OrderStatusPaid
	}

	if order.Status == target {
		return nil
	}

	if !order.Status.CanTransition(target) {
		return fmt.Errorf("%w: %s to %s", model.ErrInvalidTransition, order.Status, target)
	}

	return s.Datastore.ResolveOrderDispute(ctx, order.ID, won)
}

func (s *Service) handleChargeRefunded(ctx context.Context, event *processorEvent) error {
	ch, err := event.charge()
	if err != nil {
		return err
	}

	order, err := s.lookupChargedOrder(ctx, paymentIntentID(ch.PaymentIntent), ch.ID)
	if err != nil {
		return err
	}

	full := ch.Refunded || ch.AmountRefunded >= order.GrossAmount

	target := model.OrderStatusPartiallyRefunded
	if full {
		target = model.OrderStatusRefunded
	}

	if order.Status == target {
		return nil
	}

	if !order.Status.CanTransition(target) {
		return fmt.Errorf("%w: %s to %s", model.ErrInvalidTransition, order.Status, target)
	}

	if err := s.Datastore.MarkOrderRefunded(ctx, order.ID, ch.AmountRefunded, full); err != nil {
		if errors.Is(err, model.ErrOrderStatusConflict) {
			if cur, gerr := s.Datastore.GetOrder(ctx, order.ID); gerr == nil && cur.Status == target {
				return nil
			}
		}

		return err
	}

	order, err = s.Datastore.GetOrder(ctx, order.ID)
	if err != nil {
		return err
	}

	payload := notifPayloadForOrder(order)
	payload["refunded_amount"] = order.RefundedAmount
	payload["full_refund"] = full

	s.emitNotification(ctx, order.BuyerID, notifTypeRefundIssued, payload)

	return nil
}

func (s *Service) handleAccountUpdated(ctx context.Context, event *processorEvent) error {
	acct, err := event.connectedAccount()
	if err != nil {
		return err
	}

	company, err := s.Datastore.GetCompanyByConnectedAccount(ctx, acct.ID)
	if err != nil {
		return err
	}

	elig := eligibilityFromAccount(acct)
	kyc := model.DeriveKYCStatus(elig)

	changed, err := s.Datastore.UpdateCompanyEligibility(ctx, company, elig, kyc)
	if err != nil {
		return err
	}

	if changed && kyc == model.KYCStatusApproved {
		s.emitNotification(ctx, company.OwnerID, notifTypeKYCApproved, map[string]interface{}{
			"company_id": company.ID.String(),
		})
	}

	return nil
}

func (s *Service) handleTransferCreated(ctx context.Context, event *processorEvent) error {
	tr, err := event.transfer()
	if err != nil {
		return err
	}

	orderID, err := orderIDFromMetadata(tr.Metadata)
	if err != nil {
		// Older transfers carry the order id in the transfer group instead.
		id, perr := uuid.FromString(tr.TransferGroup)
		if perr != nil {
			return err
		}

		orderID = id
	}

	return s.Datastore.RecordOrderTransfer(ctx, orderID, tr.ID, tr.Amount)
}

// lookupChargedOrder finds the order behind a charge-level event, by the
// payment intent id when present, by the charge id otherwise. Either miss is
// the out-of-order delivery case and reports as an unmatched settlement.
func (s *Service) lookupChargedOrder(ctx context.Context, piID, chID string) (*model.Order, error) {
	if piID != "" {
		order, err := s.Datastore.GetOrderByAuthorizationID(ctx, piID)
		if err == nil {
			return order, nil
		}

		if !errors.Is(err, model.ErrOrderNotFound) {
			return nil, err
		}
	}

	if chID != "" {
		order, err := s.Datastore.GetOrderBySettlementID(ctx, chID)
		if err == nil {
			return order, nil
		}

		if !errors.Is(err, model.ErrOrderNotFound) {
			return nil, err
		}
	}

	return nil, model.ErrUnmatchedSettlement
}

func paymentIntentID(pi *stripe.PaymentIntent) string {
	if pi == nil {
		return ""
	}

	return pi.ID
}

func chargeID(ch *stripe.Charge) string {
	if ch == nil {
		return ""
	}

	return ch.ID
}

func eligibilityFromAccount(acct *stripe.Account) model.Eligibility {
	elig := model.Eligibility{
		ChargesEnabled:   acct.ChargesEnabled,
		PayoutsEnabled:   acct.PayoutsEnabled,
		DetailsSubmitted: acct.DetailsSubmitted,
	}

	if acct.Requirements != nil {
		elig.DisabledReason = string(acct.Requirements.DisabledReason)
	}

	return elig
}

// isRetriableProcessorErr treats processor-side and transport failures as
// retriable, anything the request itself caused is not.
func isRetriableProcessorErr(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode >= 500 || stripeErr.Type == stripe.ErrorTypeAPIConnection
	}

	return true
}
