package cmd

import (
	"context"
	"net/http"
	"time"

	// pprof imports
	_ "net/http/pprof"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stripe/stripe-go/v72/client"

	appctx "github.com/marketforge/payments-service/libs/context"
	"github.com/marketforge/payments-service/libs/logging"
	"github.com/marketforge/payments-service/libs/middleware"
	"github.com/marketforge/payments-service/services/settlement"
	"github.com/marketforge/payments-service/services/settlement/idp"
	"github.com/marketforge/payments-service/services/settlement/xstripe"
)

func init() {
	settlementCmd.AddCommand(restCmd)
	ServeCmd.AddCommand(settlementCmd)

	settlementCmd.PersistentFlags().String("database-url", "",
		"the settlement database url")
	Must(viper.BindPFlag("database-url", settlementCmd.PersistentFlags().Lookup("database-url")))
	Must(viper.BindEnv("database-url", "DATABASE_URL"))

	settlementCmd.PersistentFlags().String("stripe-secret", "",
		"the payment processor api secret")
	Must(viper.BindPFlag("stripe-secret", settlementCmd.PersistentFlags().Lookup("stripe-secret")))
	Must(viper.BindEnv("stripe-secret", "STRIPE_SECRET"))

	settlementCmd.PersistentFlags().String("stripe-webhook-secret", "",
		"the payment processor webhook signing secret")
	Must(viper.BindPFlag("stripe-webhook-secret", settlementCmd.PersistentFlags().Lookup("stripe-webhook-secret")))
	Must(viper.BindEnv("stripe-webhook-secret", "STRIPE_WEBHOOK_SECRET"))

	settlementCmd.PersistentFlags().Duration("webhook-replay-window", 5*time.Minute,
		"how stale a signed webhook timestamp may be")
	Must(viper.BindPFlag("webhook-replay-window", settlementCmd.PersistentFlags().Lookup("webhook-replay-window")))
	Must(viper.BindEnv("webhook-replay-window", "WEBHOOK_REPLAY_WINDOW"))

	settlementCmd.PersistentFlags().Bool("webhook-insecure-bypass", false,
		"skip webhook signature verification, only honored without a secret outside production")
	Must(viper.BindPFlag("webhook-insecure-bypass", settlementCmd.PersistentFlags().Lookup("webhook-insecure-bypass")))
	Must(viper.BindEnv("webhook-insecure-bypass", "WEBHOOK_INSECURE_BYPASS"))

	settlementCmd.PersistentFlags().String("commission-rate", "0.05",
		"the platform commission rate applied to gross order amounts")
	Must(viper.BindPFlag("commission-rate", settlementCmd.PersistentFlags().Lookup("commission-rate")))
	Must(viper.BindEnv("commission-rate", "COMMISSION_RATE"))

	settlementCmd.PersistentFlags().StringSlice("supported-currencies", []string{"eur", "gbp", "chf", "pln"},
		"the currencies orders may settle in")
	Must(viper.BindPFlag("supported-currencies", settlementCmd.PersistentFlags().Lookup("supported-currencies")))
	Must(viper.BindEnv("supported-currencies", "SUPPORTED_CURRENCIES"))

	settlementCmd.PersistentFlags().String("default-country", "FR",
		"the fallback country for connected accounts")
	Must(viper.BindPFlag("default-country", settlementCmd.PersistentFlags().Lookup("default-country")))
	Must(viper.BindEnv("default-country", "DEFAULT_COUNTRY"))

	settlementCmd.PersistentFlags().String("idp-server", "",
		"the identity provider address for bearer token verification")
	Must(viper.BindPFlag("idp-server", settlementCmd.PersistentFlags().Lookup("idp-server")))
	Must(viper.BindEnv("idp-server", "IDP_SERVER"))

	settlementCmd.PersistentFlags().String("frontend-url", "",
		"the marketplace frontend base url for onboarding redirects")
	Must(viper.BindPFlag("frontend-url", settlementCmd.PersistentFlags().Lookup("frontend-url")))
	Must(viper.BindEnv("frontend-url", "FRONTEND_URL"))

	settlementCmd.PersistentFlags().Int("rate-limit-per-min", 180,
		"requests per minute per ip in production")
	Must(viper.BindPFlag("rate-limit-per-min", settlementCmd.PersistentFlags().Lookup("rate-limit-per-min")))
	Must(viper.BindEnv("rate-limit-per-min", "RATE_LIMIT_PER_MIN"))
}

var (
	settlementCmd = &cobra.Command{
		Use:   "settlement",
		Short: "provides payment settlement micro-services",
	}

	restCmd = &cobra.Command{
		Use:   "rest",
		Short: "provides the settlement rest api",
		Run:   SettlementRestRun,
	}
)

// SettlementRestRun - Main entrypoint of the REST subcommand. This function
// takes a cobra command and starts up the settlement rest microservice.
func SettlementRestRun(command *cobra.Command, args []string) {
	ctx := command.Context()

	logger, err := appctx.GetLogger(ctx)
	if err != nil {
		// no logger, setup
		ctx, logger = logging.SetupLogger(ctx)
	}

	if dsn := viper.GetString("sentry-dsn"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: viper.GetString("environment"),
		}); err != nil {
			logger.Error().Err(err).Msg("failed to init sentry")
		}
	}

	// add profiling flag to enable profiling routes
	if viper.GetString("pprof-enabled") != "" {
		// pprof attaches routes to default serve mux
		// host:6061/debug/pprof/
		go func() {
			logger.Error().Err(http.ListenAndServe(":6061", http.DefaultServeMux))
		}()
	}

	// add our command line params to context
	ctx = context.WithValue(ctx, appctx.RateLimitPerMinuteCTXKey, viper.GetInt("rate-limit-per-min"))

	commissionRate, err := decimal.NewFromString(viper.GetString("commission-rate"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse commission-rate")
	}

	webhookSecret := viper.GetString("stripe-webhook-secret")
	if webhookSecret == "" && viper.GetString("environment") == "production" {
		logger.Fatal().Msg("stripe-webhook-secret is required in production")
	}

	insecureBypass := viper.GetBool("webhook-insecure-bypass") && viper.GetString("environment") != "production"
	if insecureBypass {
		logger.Warn().Msg("webhook signature verification bypass is enabled")
	}

	datastore, err := settlement.NewPostgres(viper.GetString("database-url"), true, "settlement")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to the settlement datastore")
	}

	sc := &client.API{}
	sc.Init(viper.GetString("stripe-secret"), nil)

	idpClient, err := idp.New(viper.GetString("idp-server"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize the identity provider client")
	}

	s, err := settlement.InitService(ctx, datastore, xstripe.NewClient(sc), idpClient, settlement.Config{
		WebhookSecret:       webhookSecret,
		ReplayWindow:        viper.GetDuration("webhook-replay-window"),
		InsecureBypass:      insecureBypass,
		CommissionRate:      commissionRate,
		SupportedCurrencies: viper.GetStringSlice("supported-currencies"),
		DefaultCountry:      viper.GetString("default-country"),
		FrontendURL:         viper.GetString("frontend-url"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize the settlement service")
	}

	// do rest endpoints
	r := SetupRouter(ctx)
	r.Mount("/v1/webhooks", settlement.WebhookRouter(s))
	r.Mount("/v1/checkout", settlement.CheckoutRouter(s))
	r.Mount("/v1/connect", settlement.ConnectRouter(s))
	r.Get("/metrics", middleware.Metrics().ServeHTTP)

	// setup server, and run
	srv := http.Server{
		Addr:         viper.GetString("address"),
		Handler:      chi.ServerBaseContext(ctx, r),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 20 * time.Second,
	}

	// make sure exceptions go to sentry
	defer sentry.Flush(time.Second * 2)

	if err = srv.ListenAndServe(); err != nil {
		sentry.CaptureException(err)
		logger.Fatal().Err(err).Msg("HTTP server start failed!")
	}
}
