package model

import (
	"testing"

	"github.com/shopspring/decimal"
	should "github.com/stretchr/testify/assert"
)

func TestOrderStatus_CanTransition(t *testing.T) {
	type tcGiven struct {
		from OrderStatus
		to   OrderStatus
	}

	type testCase struct {
		name  string
		given tcGiven
		exp   bool
	}

	tests := []testCase{
		{
			name:  "pending_to_paid",
			given: tcGiven{from: OrderStatusPendingPayment, to: OrderStatusPaid},
			exp:   true,
		},

		{
			name:  "pending_to_failed",
			given: tcGiven{from: OrderStatusPendingPayment, to: OrderStatusPaymentFailed},
			exp:   true,
		},

		{
			name:  "pending_to_refunded",
			given: tcGiven{from: OrderStatusPendingPayment, to: OrderStatusRefunded},
			exp:   false,
		},

		{
			name:  "paid_to_disputed",
			given: tcGiven{from: OrderStatusPaid, to: OrderStatusDisputed},
			exp:   true,
		},

		{
			name:  "paid_to_refunded",
			given: tcGiven{from: OrderStatusPaid, to: OrderStatusRefunded},
			exp:   true,
		},

		{
			name:  "paid_to_partially_refunded",
			given: tcGiven{from: OrderStatusPaid, to: OrderStatusPartiallyRefunded},
			exp:   true,
		},

		{
			name:  "paid_to_paid",
			given: tcGiven{from: OrderStatusPaid, to: OrderStatusPaid},
			exp:   false,
		},

		{
			name:  "disputed_back_to_paid",
			given: tcGiven{from: OrderStatusDisputed, to: OrderStatusPaid},
			exp:   true,
		},

		{
			name:  "disputed_to_refunded",
			given: tcGiven{from: OrderStatusDisputed, to: OrderStatusRefunded},
			exp:   true,
		},

		{
			name:  "disputed_to_failed",
			given: tcGiven{from: OrderStatusDisputed, to: OrderStatusPaymentFailed},
			exp:   false,
		},

		{
			name:  "refunded_is_terminal",
			given: tcGiven{from: OrderStatusRefunded, to: OrderStatusPaid},
			exp:   false,
		},

		{
			name:  "failed_is_terminal",
			given: tcGiven{from: OrderStatusPaymentFailed, to: OrderStatusPaid},
			exp:   false,
		},

		{
			name:  "unknown_status",
			given: tcGiven{from: OrderStatus("garbage"), to: OrderStatusPaid},
			exp:   false,
		},
	}

	for i := range tests {
		tc := tests[i]

		t.Run(tc.name, func(t *testing.T) {
			act := tc.given.from.CanTransition(tc.given.to)
			should.Equal(t, tc.exp, act)
		})
	}
}

func TestDeriveKYCStatus(t *testing.T) {
	type testCase struct {
		name  string
		given Eligibility
		exp   KYCStatus
	}

	tests := []testCase{
		{
			name:  "nothing_submitted",
			given: Eligibility{},
			exp:   KYCStatusPending,
		},

		{
			name: "approved",
			given: Eligibility{
				ChargesEnabled: true,
				PayoutsEnabled: true,
			},
			exp: KYCStatusApproved,
		},

		{
			name: "approved_wins_over_disabled_reason",
			given: Eligibility{
				ChargesEnabled: true,
				PayoutsEnabled: true,
				DisabledReason: "under_review",
			},
			exp: KYCStatusApproved,
		},

		{
			name: "rejected",
			given: Eligibility{
				DetailsSubmitted: true,
				DisabledReason:   "rejected.fraud",
			},
			exp: KYCStatusRejected,
		},

		{
			name: "in_review",
			given: Eligibility{
				DetailsSubmitted: true,
			},
			exp: KYCStatusInReview,
		},

		{
			name: "charges_only_still_in_review",
			given: Eligibility{
				ChargesEnabled:   true,
				DetailsSubmitted: true,
			},
			exp: KYCStatusInReview,
		},
	}

	for i := range tests {
		tc := tests[i]

		t.Run(tc.name, func(t *testing.T) {
			act := DeriveKYCStatus(tc.given)
			should.Equal(t, tc.exp, act)
		})
	}
}

func TestComputeCommission(t *testing.T) {
	type tcGiven struct {
		gross int64
		rate  decimal.Decimal
	}

	type testCase struct {
		name  string
		given tcGiven
		exp   int64
	}

	tests := []testCase{
		{
			name:  "five_percent_even",
			given: tcGiven{gross: 10000, rate: decimal.NewFromFloat(0.05)},
			exp:   500,
		},

		{
			name:  "rounds_half_up",
			given: tcGiven{gross: 1250, rate: decimal.NewFromFloat(0.05)},
			exp:   63,
		},

		{
			name:  "rounds_down_below_half",
			given: tcGiven{gross: 1249, rate: decimal.NewFromFloat(0.05)},
			exp:   62,
		},

		{
			name:  "zero_gross",
			given: tcGiven{gross: 0, rate: decimal.NewFromFloat(0.05)},
			exp:   0,
		},

		{
			name:  "no_float_drift_on_large_amount",
			given: tcGiven{gross: 99_999_999, rate: decimal.NewFromFloat(0.05)},
			exp:   5_000_000,
		},
	}

	for i := range tests {
		tc := tests[i]

		t.Run(tc.name, func(t *testing.T) {
			act := ComputeCommission(tc.given.gross, tc.given.rate)
			should.Equal(t, tc.exp, act)
		})
	}
}

func TestOrder_NetAmount(t *testing.T) {
	o := &Order{GrossAmount: 10000, CommissionAmount: 500}
	should.Equal(t, int64(9500), o.NetAmount())
}

func TestListing_UnitPriceCents(t *testing.T) {
	type testCase struct {
		name  string
		given decimal.Decimal
		exp   int64
	}

	tests := []testCase{
		{
			name:  "whole_euros",
			given: decimal.NewFromInt(25),
			exp:   2500,
		},

		{
			name:  "with_cents",
			given: decimal.RequireFromString("19.99"),
			exp:   1999,
		},

		{
			name:  "sub_cent_rounds",
			given: decimal.RequireFromString("0.005"),
			exp:   1,
		},
	}

	for i := range tests {
		tc := tests[i]

		t.Run(tc.name, func(t *testing.T) {
			l := &Listing{Price: tc.given}
			should.Equal(t, tc.exp, l.UnitPriceCents())
		})
	}
}

func TestEligibility_Eligible(t *testing.T) {
	should.False(t, Eligibility{ChargesEnabled: true}.Eligible())
	should.False(t, Eligibility{PayoutsEnabled: true}.Eligible())
	should.True(t, Eligibility{ChargesEnabled: true, PayoutsEnabled: true}.Eligible())
}
