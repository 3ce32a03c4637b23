package settlement

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v72"

	"github.com/marketforge/payments-service/libs/logging"
	"github.com/marketforge/payments-service/services/settlement/idp"
	"github.com/marketforge/payments-service/services/settlement/model"
)

const (
	onboardingRefreshPath = "/settings/payments?refresh=1"
	onboardingReturnPath  = "/settings/payments?complete=1"
)

// ConnectAccountResponse reports the seller's connected account after a
// create-account action. Created is false when the account already existed.
type ConnectAccountResponse struct {
	AccountID string          `json:"accountId"`
	KYCStatus model.KYCStatus `json:"kycStatus"`
	Created   bool            `json:"created"`
}

// OnboardingLinkResponse carries a single-use onboarding url.
type OnboardingLinkResponse struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expiresAt"`
}

// ConnectStatusResponse is the live verification state of the seller.
type ConnectStatusResponse struct {
	AccountID        string          `json:"accountId"`
	KYCStatus        model.KYCStatus `json:"kycStatus"`
	ChargesEnabled   bool            `json:"chargesEnabled"`
	PayoutsEnabled   bool            `json:"payoutsEnabled"`
	DetailsSubmitted bool            `json:"detailsSubmitted"`
	DisabledReason   string          `json:"disabledReason,omitempty"`
}

// CreateConnectedAccount creates a processor account for the user's company.
// Calling it again once an account exists returns the existing account id.
func (s *Service) CreateConnectedAccount(ctx context.Context, user *idp.User) (*ConnectAccountResponse, error) {
	company, err := s.Datastore.GetCompanyForUser(ctx, user.ID, user.Email)
	if err != nil {
		return nil, err
	}

	if company.HasConnectedAccount() {
		return &ConnectAccountResponse{
			AccountID: company.ConnectedAccount.String,
			KYCStatus: company.KYCStatus,
		}, nil
	}

	params := &stripe.AccountParams{
		Type:         stripe.String(string(stripe.AccountTypeExpress)),
		Country:      stripe.String(s.accountCountry(company)),
		Email:        stripe.String(user.Email),
		BusinessType: stripe.String("company"),
		Capabilities: &stripe.AccountCapabilitiesParams{
			CardPayments: &stripe.AccountCapabilitiesCardPaymentsParams{Requested: stripe.Bool(true)},
			Transfers:    &stripe.AccountCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
		},
		Settings: &stripe.AccountSettingsParams{
			Payouts: &stripe.AccountSettingsPayoutsParams{
				Schedule: &stripe.PayoutScheduleParams{
					Interval:     stripe.String("weekly"),
					WeeklyAnchor: stripe.String("monday"),
				},
			},
		},
		BusinessProfile: &stripe.AccountBusinessProfileParams{
			Name: stripe.String(company.Name),
		},
	}
	params.AddMetadata("company_id", company.ID.String())
	params.AddMetadata("user_id", user.ID.String())

	raw, err := s.retry(ctx, func() (interface{}, error) {
		return s.stripeCl.CreateAccount(ctx, params)
	}, s.retryPolicy, isRetriableProcessorErr)
	if err != nil {
		return nil, fmt.Errorf("settlement: failed to create connected account: %w", err)
	}

	acct := raw.(*stripe.Account)

	if err := s.Datastore.SetCompanyConnectedAccount(ctx, company, acct.ID); err != nil {
		// A concurrent create won the assignment, return what is stored.
		if err == model.ErrNoRowsChangedCompany {
			stored, gerr := s.Datastore.GetCompany(ctx, company.ID)
			if gerr != nil {
				return nil, gerr
			}

			return &ConnectAccountResponse{
				AccountID: stored.ConnectedAccount.String,
				KYCStatus: stored.KYCStatus,
			}, nil
		}

		return nil, err
	}

	return &ConnectAccountResponse{
		AccountID: acct.ID,
		KYCStatus: model.KYCStatusPending,
		Created:   true,
	}, nil
}

// CreateOnboardingLink returns a fresh onboarding url for the company's
// connected account. The refresh-link action is an alias of this.
func (s *Service) CreateOnboardingLink(ctx context.Context, user *idp.User) (*OnboardingLinkResponse, error) {
	company, err := s.Datastore.GetCompanyForUser(ctx, user.ID, user.Email)
	if err != nil {
		return nil, err
	}

	if !company.HasConnectedAccount() {
		return nil, model.ErrNoConnectedAccount
	}

	params := &stripe.AccountLinkParams{
		Account:    stripe.String(company.ConnectedAccount.String),
		RefreshURL: stripe.String(s.cfg.FrontendURL + onboardingRefreshPath),
		ReturnURL:  stripe.String(s.cfg.FrontendURL + onboardingReturnPath),
		Type:       stripe.String("account_onboarding"),
	}

	raw, err := s.retry(ctx, func() (interface{}, error) {
		return s.stripeCl.CreateAccountLink(ctx, params)
	}, s.retryPolicy, isRetriableProcessorErr)
	if err != nil {
		return nil, fmt.Errorf("settlement: failed to create onboarding link: %w", err)
	}

	link := raw.(*stripe.AccountLink)

	return &OnboardingLinkResponse{URL: link.URL, ExpiresAt: link.ExpiresAt}, nil
}

// CheckConnectStatus fetches the live account state, persists it when it
// moved, and reports the derived kyc status.
func (s *Service) CheckConnectStatus(ctx context.Context, user *idp.User) (*ConnectStatusResponse, error) {
	logger := logging.Logger(ctx, "settlement").With().Str("func", "CheckConnectStatus").Logger()

	company, err := s.Datastore.GetCompanyForUser(ctx, user.ID, user.Email)
	if err != nil {
		return nil, err
	}

	if !company.HasConnectedAccount() {
		return &ConnectStatusResponse{KYCStatus: model.KYCStatusNotStarted}, nil
	}

	raw, err := s.retry(ctx, func() (interface{}, error) {
		return s.stripeCl.Account(ctx, company.ConnectedAccount.String)
	}, s.retryPolicy, isRetriableProcessorErr)
	if err != nil {
		return nil, fmt.Errorf("settlement: failed to fetch connected account: %w", err)
	}

	elig := eligibilityFromAccount(raw.(*stripe.Account))
	kyc := model.DeriveKYCStatus(elig)

	changed, err := s.Datastore.UpdateCompanyEligibility(ctx, company, elig, kyc)
	if err != nil {
		return nil, err
	}

	if changed {
		logger.Info().Str("company_id", company.ID.String()).Str("kyc_status", kyc.String()).Msg("eligibility updated")

		if kyc == model.KYCStatusApproved {
			s.emitNotification(ctx, company.OwnerID, notifTypeKYCApproved, map[string]interface{}{
				"company_id": company.ID.String(),
			})
		}
	}

	return &ConnectStatusResponse{
		AccountID:        company.ConnectedAccount.String,
		KYCStatus:        kyc,
		ChargesEnabled:   elig.ChargesEnabled,
		PayoutsEnabled:   elig.PayoutsEnabled,
		DetailsSubmitted: elig.DetailsSubmitted,
		DisabledReason:   elig.DisabledReason,
	}, nil
}

// accountCountry maps the company's country onto a two-letter code the
// processor accepts, defaulting to FR.
func (s *Service) accountCountry(company *model.Company) string {
	c := strings.ToUpper(strings.TrimSpace(company.Country))
	if len(c) != 2 {
		return s.cfg.DefaultCountry
	}

	return c
}
