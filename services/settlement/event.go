package settlement

import (
	"encoding/json"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/stripe/stripe-go/v72"

	"github.com/marketforge/payments-service/services/settlement/model"
)

// eventKind* enumerate the processor notification types the service acts on.
// Anything else is acknowledged and ignored.
const (
	eventKindPaymentSucceeded eventKind = "payment_intent.succeeded"
	eventKindPaymentFailed    eventKind = "payment_intent.payment_failed"
	eventKindDisputeCreated   eventKind = "charge.dispute.created"
	eventKindDisputeClosed    eventKind = "charge.dispute.closed"
	eventKindChargeRefunded   eventKind = "charge.refunded"
	eventKindAccountUpdated   eventKind = "account.updated"
	eventKindTransferCreated  eventKind = "transfer.created"
)

type eventKind string

func (k eventKind) String() string {
	return string(k)
}

// parseEventKind maps a raw type string onto the closed enum. The second
// return is false for types outside the enum.
func parseEventKind(raw string) (eventKind, bool) {
	switch k := eventKind(raw); k {
	case eventKindPaymentSucceeded,
		eventKindPaymentFailed,
		eventKindDisputeCreated,
		eventKindDisputeClosed,
		eventKindChargeRefunded,
		eventKindAccountUpdated,
		eventKindTransferCreated:
		return k, true
	default:
		return "", false
	}
}

const (
	errEventMalformed      model.Error = "settlement: malformed event payload"
	errEventMissingID      model.Error = "settlement: event has no id"
	errEventMissingType    model.Error = "settlement: event has no type"
	errEventDataWrongShape model.Error = "settlement: event data does not match its type"
)

// processorEvent is a verified, parsed notification envelope. The raw body is
// retained for the audit and dead-letter records.
type processorEvent struct {
	id      string
	rawType string
	kind    eventKind
	known   bool
	account string
	created time.Time
	data    json.RawMessage
	body    []byte
}

// parseProcessorEvent decodes the envelope only. The inner object is decoded
// lazily by the typed accessors so an unknown type never fails parsing.
func parseProcessorEvent(body []byte) (*processorEvent, error) {
	var ev stripe.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, errEventMalformed
	}

	if ev.ID == "" {
		return nil, errEventMissingID
	}

	if ev.Type == "" {
		return nil, errEventMissingType
	}

	kind, known := parseEventKind(ev.Type)

	var data json.RawMessage
	if ev.Data != nil {
		data = ev.Data.Raw
	}

	return &processorEvent{
		id:      ev.ID,
		rawType: ev.Type,
		kind:    kind,
		known:   known,
		account: ev.Account,
		created: time.Unix(ev.Created, 0),
		data:    data,
		body:    body,
	}, nil
}

func (e *processorEvent) paymentIntent() (*stripe.PaymentIntent, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(e.data, &pi); err != nil || pi.ID == "" {
		return nil, errEventDataWrongShape
	}

	return &pi, nil
}

func (e *processorEvent) dispute() (*stripe.Dispute, error) {
	var dp stripe.Dispute
	if err := json.Unmarshal(e.data, &dp); err != nil || dp.ID == "" {
		return nil, errEventDataWrongShape
	}

	return &dp, nil
}

func (e *processorEvent) charge() (*stripe.Charge, error) {
	var ch stripe.Charge
	if err := json.Unmarshal(e.data, &ch); err != nil || ch.ID == "" {
		return nil, errEventDataWrongShape
	}

	return &ch, nil
}

func (e *processorEvent) connectedAccount() (*stripe.Account, error) {
	var acct stripe.Account
	if err := json.Unmarshal(e.data, &acct); err != nil || acct.ID == "" {
		return nil, errEventDataWrongShape
	}

	return &acct, nil
}

func (e *processorEvent) transfer() (*stripe.Transfer, error) {
	var tr stripe.Transfer
	if err := json.Unmarshal(e.data, &tr); err != nil || tr.ID == "" {
		return nil, errEventDataWrongShape
	}

	return &tr, nil
}

// Metadata keys stamped onto payment intents at checkout and read back here.
const (
	metadataKeyOrderID   = "order_id"
	metadataKeyListingID = "listing_id"
	metadataKeyBuyerID   = "buyer_id"
	metadataKeySellerID  = "seller_id"
	metadataKeyQuantity  = "quantity"
	metadataKeyPlatform  = "platform"

	metadataPlatform = "marketforge"
)

// orderIDFromMetadata pulls the order uuid stamped at checkout out of the
// intent metadata.
func orderIDFromMetadata(md map[string]string) (uuid.UUID, error) {
	raw, ok := md[metadataKeyOrderID]
	if !ok || raw == "" {
		return uuid.Nil, model.ErrMissingOrderMetadata
	}

	id, err := uuid.FromString(raw)
	if err != nil {
		return uuid.Nil, model.ErrMissingOrderMetadata
	}

	return id, nil
}
