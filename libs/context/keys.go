package context

import "errors"

// CTXKey - a type for context keys
type CTXKey string

const (
	// DatastoreCTXKey - the context key for getting the datastore
	DatastoreCTXKey CTXKey = "datastore"
	// ServiceKey - the key used for service context
	ServiceKey CTXKey = "service"
	// EnvironmentCTXKey - the key used for service context
	EnvironmentCTXKey CTXKey = "environment"
	// DebugLoggingCTXKey - context key for debug logging
	DebugLoggingCTXKey CTXKey = "debug_logging"

	// VersionCTXKey - context key for version of code
	VersionCTXKey CTXKey = "version"
	// CommitCTXKey - context key for the commit of the code
	CommitCTXKey CTXKey = "commit"
	// BuildTimeCTXKey - context key for the build time of code
	BuildTimeCTXKey CTXKey = "build_time"

	// LogLevelCTXKey - context key for logging level
	LogLevelCTXKey CTXKey = "log_level"
	// LogWriterCTXKey - context key for log writer
	LogWriterCTXKey CTXKey = "log_writer"

	// StripeEnabledCTXKey - this tells us if stripe is enabled
	StripeEnabledCTXKey CTXKey = "stripe_enabled"
	// StripeSecretCTXKey - the secret key for the payment processor api
	StripeSecretCTXKey CTXKey = "stripe_secret"
	// StripeWebhookSecretCTXKey - the webhook signing secret shared with the processor
	StripeWebhookSecretCTXKey CTXKey = "stripe_webhook_secret"
	// WebhookReplayWindowCTXKey - max age of a signed event before it is rejected
	WebhookReplayWindowCTXKey CTXKey = "webhook_replay_window"
	// WebhookInsecureBypassCTXKey - explicit insecure signature bypass for non-production
	WebhookInsecureBypassCTXKey CTXKey = "webhook_insecure_bypass"

	// CommissionRateCTXKey - the platform commission rate applied at checkout
	CommissionRateCTXKey CTXKey = "commission_rate"
	// SupportedCurrenciesCTXKey - currencies accepted at checkout
	SupportedCurrenciesCTXKey CTXKey = "supported_currencies"

	// IdentityProviderServerCTXKey - base url of the identity provider
	IdentityProviderServerCTXKey CTXKey = "identity_provider_server"
	// IdentityProviderTokenCTXKey - service role token for the identity provider
	IdentityProviderTokenCTXKey CTXKey = "identity_provider_token"

	// FrontendURLCTXKey - the marketplace frontend base url (onboarding redirects)
	FrontendURLCTXKey CTXKey = "frontend_url"

	// RateLimitPerMinuteCTXKey - the rate limit per minute
	RateLimitPerMinuteCTXKey CTXKey = "rate_limit_per_min"
)

var (
	// ErrNotInContext - error you get when you ask for something not in the context.
	ErrNotInContext = errors.New("failed to get value from context: value not in context")
	// ErrValueWrongType - error you get when you ask for something and it is not the type you expected
	ErrValueWrongType = errors.New("failed to get value from context: value is wrong type")
)
