package settlement

import (
	"context"

	uuid "github.com/satori/go.uuid"

	"github.com/marketforge/payments-service/libs/datastore"
	"github.com/marketforge/payments-service/libs/logging"
	"github.com/marketforge/payments-service/services/settlement/model"
)

// Notification types and their user-facing messages. Messages are resolved at
// emit time so stored rows survive later catalogue edits.
const (
	notifTypePaymentConfirmed = "payment_confirmed"
	notifTypeNewOrderPaid     = "new_order_paid"
	notifTypePaymentFailed    = "payment_failed"
	notifTypeDisputeOpened    = "dispute_opened"
	notifTypeRefundIssued     = "refund_issued"
	notifTypeKYCApproved      = "kyc_approved"
)

var notifMessages = map[string]string{
	notifTypePaymentConfirmed: "Your payment was confirmed. The seller has been notified.",
	notifTypeNewOrderPaid:     "You have a new paid order.",
	notifTypePaymentFailed:    "Your payment could not be processed. Please try again.",
	notifTypeDisputeOpened:    "A dispute was opened on one of your orders.",
	notifTypeRefundIssued:     "A refund was issued for your order.",
	notifTypeKYCApproved:      "Your account was verified. You can now receive payouts.",
}

// emitNotification writes a user notification on a best-effort basis. The
// settlement outcome is already persisted by the time this runs, a failure
// here is logged and swallowed.
func (s *Service) emitNotification(ctx context.Context, userID uuid.UUID, typ string, payload map[string]interface{}) {
	logger := logging.Logger(ctx, "settlement")

	msg, ok := notifMessages[typ]
	if !ok {
		logger.Error().Str("type", typ).Msg("unknown notification type")
		return
	}

	n := &model.Notification{
		ID:      uuid.NewV4(),
		UserID:  userID,
		Type:    typ,
		Message: msg,
		Payload: datastore.Metadata(payload),
	}

	if err := s.Datastore.InsertNotification(ctx, n); err != nil {
		logger.Error().Err(err).Str("type", typ).Str("user_id", userID.String()).Msg("failed to emit notification")
	}
}

func notifPayloadForOrder(order *model.Order) map[string]interface{} {
	return map[string]interface{}{
		"order_id":     order.ID.String(),
		"status":       order.Status.String(),
		"currency":     order.Currency,
		"gross_amount": order.GrossAmount,
	}
}
