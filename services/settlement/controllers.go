package settlement

import (
	"context"
	"errors"
	"net/http"

	"github.com/asaskevich/govalidator"
	"github.com/go-chi/chi"

	"github.com/marketforge/payments-service/libs/handlers"
	"github.com/marketforge/payments-service/libs/middleware"
	"github.com/marketforge/payments-service/libs/requestutils"
	"github.com/marketforge/payments-service/services/settlement/idp"
	"github.com/marketforge/payments-service/services/settlement/model"
)

const signatureHeader = "Stripe-Signature"

// WebhookRouter routes processor notifications.
func WebhookRouter(service *Service) chi.Router {
	r := chi.NewRouter()

	r.Method(http.MethodPost, "/processor", middleware.InstrumentHandler("HandleProcessorNotification", HandleProcessorNotification(service)))

	return r
}

// CheckoutRouter routes buyer checkout actions. Requests must carry a bearer
// token.
func CheckoutRouter(service *Service) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.BearerToken)

	r.Method(http.MethodPost, "/", middleware.InstrumentHandler("HandleCheckoutAction", HandleCheckoutAction(service)))

	return r
}

// ConnectRouter routes seller onboarding actions. Requests must carry a
// bearer token.
func ConnectRouter(service *Service) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.BearerToken)

	r.Method(http.MethodPost, "/", middleware.InstrumentHandler("HandleConnectAction", HandleConnectAction(service)))

	return r
}

// HandleProcessorNotification authenticates and processes one notification.
// Once the signature and the envelope check out the response is always 200,
// regardless of what the handler did, the processor must not retry events we
// have already recorded.
func HandleProcessorNotification(service *Service) handlers.AppHandler {
	return func(w http.ResponseWriter, r *http.Request) *handlers.AppError {
		ctx := r.Context()

		body, err := requestutils.Read(ctx, r.Body)
		if err != nil {
			return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
		}

		if err := service.ProcessNotification(ctx, body, r.Header.Get(signatureHeader)); err != nil {
			if errors.Is(err, ErrInvalidSignature) {
				return handlers.WrapError(err, "invalid signature", http.StatusUnauthorized)
			}

			if errors.Is(err, ErrEventNotRecorded) {
				return handlers.WrapError(err, "storage unavailable", http.StatusServiceUnavailable)
			}

			return handlers.WrapError(err, "invalid notification", http.StatusBadRequest)
		}

		return handlers.RenderContent(ctx, map[string]bool{"received": true}, w, http.StatusOK)
	}
}

const (
	actionCreatePaymentIntent = "create-payment-intent"

	actionCreateAccount        = "create-account"
	actionCreateOnboardingLink = "create-onboarding-link"
	actionCheckStatus          = "check-status"
	actionRefreshLink          = "refresh-link"
)

// HandleCheckoutAction dispatches the action-keyed checkout endpoint.
func HandleCheckoutAction(service *Service) handlers.AppHandler {
	return func(w http.ResponseWriter, r *http.Request) *handlers.AppError {
		ctx := r.Context()

		user, appErr := authorize(ctx, service)
		if appErr != nil {
			return appErr
		}

		var req struct {
			Action string `json:"action" valid:"required"`
			CreatePaymentIntentRequest
		}

		if err := requestutils.ReadJSON(ctx, r.Body, &req); err != nil {
			return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
		}

		if _, err := govalidator.ValidateStruct(req); err != nil {
			return handlers.WrapValidationError(err)
		}

		switch req.Action {
		case actionCreatePaymentIntent:
			resp, err := service.CreatePaymentIntent(ctx, user, &req.CreatePaymentIntentRequest)
			if err != nil {
				return mapCheckoutError(err)
			}

			return handlers.RenderContent(ctx, resp, w, http.StatusCreated)

		default:
			return handlers.ValidationError("request body", map[string]interface{}{
				"action": "unknown action: " + req.Action,
			})
		}
	}
}

// HandleConnectAction dispatches the action-keyed seller onboarding endpoint.
func HandleConnectAction(service *Service) handlers.AppHandler {
	return func(w http.ResponseWriter, r *http.Request) *handlers.AppError {
		ctx := r.Context()

		user, appErr := authorize(ctx, service)
		if appErr != nil {
			return appErr
		}

		var req struct {
			Action string `json:"action" valid:"required"`
		}

		if err := requestutils.ReadJSON(ctx, r.Body, &req); err != nil {
			return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
		}

		if _, err := govalidator.ValidateStruct(req); err != nil {
			return handlers.WrapValidationError(err)
		}

		var (
			resp interface{}
			err  error
		)

		switch req.Action {
		case actionCreateAccount:
			resp, err = service.CreateConnectedAccount(ctx, user)

		case actionCreateOnboardingLink, actionRefreshLink:
			resp, err = service.CreateOnboardingLink(ctx, user)

		case actionCheckStatus:
			resp, err = service.CheckConnectStatus(ctx, user)

		default:
			return handlers.ValidationError("request body", map[string]interface{}{
				"action": "unknown action: " + req.Action,
			})
		}

		if err != nil {
			return mapConnectError(err)
		}

		return handlers.RenderContent(ctx, resp, w, http.StatusOK)
	}
}

// authorize resolves the request's bearer token to a user.
func authorize(ctx context.Context, service *Service) (*idp.User, *handlers.AppError) {
	user, err := service.idv.Verify(ctx, middleware.TokenFromContext(ctx))
	if err != nil {
		return nil, handlers.WrapError(err, "unauthorized", http.StatusUnauthorized)
	}

	return user, nil
}

func mapCheckoutError(err error) *handlers.AppError {
	switch {
	case errors.Is(err, model.ErrListingNotFound),
		errors.Is(err, model.ErrCompanyNotFound):
		return handlers.WrapError(err, "not found", http.StatusNotFound)

	case errors.Is(err, model.ErrInvalidQuantity):
		return handlers.CodedError(err, "invalid_quantity", "invalid quantity", http.StatusBadRequest)

	case errors.Is(err, model.ErrUnsupportedCurrency):
		return handlers.CodedError(err, "unsupported_currency", "unsupported currency", http.StatusBadRequest)

	case errors.Is(err, model.ErrListingInactive):
		return handlers.CodedError(err, "listing_inactive", "listing is no longer available", http.StatusBadRequest)

	case errors.Is(err, model.ErrSelfPurchase):
		return handlers.CodedError(err, "self_purchase", "cannot purchase your own listing", http.StatusBadRequest)

	case errors.Is(err, model.ErrSellerNotVerified),
		errors.Is(err, model.ErrNoConnectedAccount):
		return handlers.CodedError(err, "seller_not_verified", "seller cannot accept payments yet", http.StatusForbidden)

	case errors.Is(err, model.ErrAmountOutOfBounds):
		return handlers.CodedError(err, "amount_out_of_bounds", "order amount out of bounds", http.StatusBadRequest)

	default:
		return handlers.WrapError(err, "error creating payment", http.StatusInternalServerError)
	}
}

func mapConnectError(err error) *handlers.AppError {
	switch {
	case errors.Is(err, model.ErrCompanyNotFound):
		return handlers.CodedError(err, "no_company", "user has no company", http.StatusNotFound)

	case errors.Is(err, model.ErrNoConnectedAccount):
		return handlers.CodedError(err, "no_connected_account", "onboarding has not started", http.StatusConflict)

	default:
		return handlers.WrapError(err, "error reaching the payment processor", http.StatusBadGateway)
	}
}
