package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi"
	uuid "github.com/satori/go.uuid"
	should "github.com/stretchr/testify/assert"
	must "github.com/stretchr/testify/require"

	"github.com/marketforge/payments-service/services/settlement/idp"
	"github.com/marketforge/payments-service/services/settlement/model"
)

func TestHandleProcessorNotification(t *testing.T) {
	svc := newTestService(t, &mockDatastore{}, &mockStripeClient{})

	mux := chi.NewRouter()
	mux.Mount("/v1/webhooks", WebhookRouter(svc))

	orderID := uuid.NewV4()
	body := []byte(fmt.Sprintf(
		`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","amount":10000,"metadata":{"order_id":%q}}}}`,
		orderID,
	))

	t.Run("acknowledges_valid_event", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/processor", bytes.NewReader(body))
		req.Header.Set(signatureHeader, signedHeader(body))

		rw := httptest.NewRecorder()
		mux.ServeHTTP(rw, req)

		must.Equal(t, http.StatusOK, rw.Code)

		var resp map[string]bool
		must.NoError(t, json.Unmarshal(rw.Body.Bytes(), &resp))
		should.True(t, resp["received"])
	})

	t.Run("rejects_bad_signature", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/processor", bytes.NewReader(body))
		req.Header.Set(signatureHeader, "t=1,v1=00")

		rw := httptest.NewRecorder()
		mux.ServeHTTP(rw, req)

		should.Equal(t, http.StatusUnauthorized, rw.Code)
	})

	t.Run("rejects_missing_signature", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/processor", bytes.NewReader(body))

		rw := httptest.NewRecorder()
		mux.ServeHTTP(rw, req)

		should.Equal(t, http.StatusUnauthorized, rw.Code)
	})

	t.Run("rejects_malformed_body", func(t *testing.T) {
		bad := []byte(`not json`)

		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/processor", bytes.NewReader(bad))
		req.Header.Set(signatureHeader, signedHeader(bad))

		rw := httptest.NewRecorder()
		mux.ServeHTTP(rw, req)

		should.Equal(t, http.StatusBadRequest, rw.Code)
	})

	t.Run("acknowledges_when_handler_fails", func(t *testing.T) {
		deadLettered := false

		ds := &mockDatastore{
			fnMarkOrderPaid: func(ctx context.Context, id uuid.UUID, settlementID string, paidAt time.Time) error {
				return model.ErrSomethingWentWrong
			},
			fnInsertDeadLetter: func(ctx context.Context, d *model.DeadLetterEvent) error {
				deadLettered = true
				return nil
			},
		}

		svc := newTestService(t, ds, &mockStripeClient{})

		mux := chi.NewRouter()
		mux.Mount("/v1/webhooks", WebhookRouter(svc))

		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/processor", bytes.NewReader(body))
		req.Header.Set(signatureHeader, signedHeader(body))

		rw := httptest.NewRecorder()
		mux.ServeHTTP(rw, req)

		should.Equal(t, http.StatusOK, rw.Code)
		should.True(t, deadLettered)
	})

	t.Run("storage_outage_asks_for_retry", func(t *testing.T) {
		ds := &mockDatastore{
			fnRecordTransactionEvent: func(ctx context.Context, event *model.TransactionEvent) error {
				return model.ErrSomethingWentWrong
			},
		}

		svc := newTestService(t, ds, &mockStripeClient{})

		mux := chi.NewRouter()
		mux.Mount("/v1/webhooks", WebhookRouter(svc))

		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/processor", bytes.NewReader(body))
		req.Header.Set(signatureHeader, signedHeader(body))

		rw := httptest.NewRecorder()
		mux.ServeHTTP(rw, req)

		should.Equal(t, http.StatusServiceUnavailable, rw.Code)
	})
}

func TestHandleCheckoutAction(t *testing.T) {
	buyer := &idp.User{ID: uuid.NewV4(), Email: "buyer@example.com"}

	seller := approvedSeller(uuid.NewV4())
	listing := activeListing(seller.ID)

	newAuthorizedService := func(t *testing.T) *Service {
		ds := &mockDatastore{
			fnGetListing: func(ctx context.Context, id uuid.UUID) (*model.Listing, error) {
				return listing, nil
			},
			fnGetCompany: func(ctx context.Context, id uuid.UUID) (*model.Company, error) {
				return seller, nil
			},
		}

		svc := newTestService(t, ds, &mockStripeClient{})
		svc.idv = &mockIdentityVerifier{
			fnVerify: func(ctx context.Context, token string) (*idp.User, error) {
				if token != "valid-token" {
					return nil, idp.ErrUnauthorized
				}
				return buyer, nil
			},
		}

		return svc
	}

	newMux := func(svc *Service) chi.Router {
		mux := chi.NewRouter()
		mux.Mount("/v1/checkout", CheckoutRouter(svc))
		return mux
	}

	t.Run("create_payment_intent", func(t *testing.T) {
		mux := newMux(newAuthorizedService(t))

		payload := fmt.Sprintf(`{"action":"create-payment-intent","listingId":%q,"quantity":2}`, listing.ID)

		req := httptest.NewRequest(http.MethodPost, "/v1/checkout/", bytes.NewBufferString(payload))
		req.Header.Set("Authorization", "Bearer valid-token")

		rw := httptest.NewRecorder()
		mux.ServeHTTP(rw, req)

		must.Equal(t, http.StatusCreated, rw.Code, rw.Body.String())

		var resp CreatePaymentIntentResponse
		must.NoError(t, json.Unmarshal(rw.Body.Bytes(), &resp))

		should.Equal(t, int64(5000), resp.GrossAmount)
		should.Equal(t, int64(250), resp.CommissionAmount)
		should.Equal(t, "pi_mock_secret", resp.ClientSecret)
	})

	t.Run("requires_token", func(t *testing.T) {
		mux := newMux(newAuthorizedService(t))

		payload := fmt.Sprintf(`{"action":"create-payment-intent","listingId":%q,"quantity":2}`, listing.ID)

		req := httptest.NewRequest(http.MethodPost, "/v1/checkout/", bytes.NewBufferString(payload))

		rw := httptest.NewRecorder()
		mux.ServeHTTP(rw, req)

		should.Equal(t, http.StatusUnauthorized, rw.Code)
	})

	t.Run("unknown_action", func(t *testing.T) {
		mux := newMux(newAuthorizedService(t))

		req := httptest.NewRequest(http.MethodPost, "/v1/checkout/", bytes.NewBufferString(`{"action":"refund-everything"}`))
		req.Header.Set("Authorization", "Bearer valid-token")

		rw := httptest.NewRecorder()
		mux.ServeHTTP(rw, req)

		should.Equal(t, http.StatusBadRequest, rw.Code)
	})

	t.Run("maps_domain_errors", func(t *testing.T) {
		svc := newAuthorizedService(t)
		svc.Datastore.(*mockDatastore).fnGetListing = func(ctx context.Context, id uuid.UUID) (*model.Listing, error) {
			return nil, model.ErrListingNotFound
		}

		mux := newMux(svc)

		payload := fmt.Sprintf(`{"action":"create-payment-intent","listingId":%q,"quantity":2}`, listing.ID)

		req := httptest.NewRequest(http.MethodPost, "/v1/checkout/", bytes.NewBufferString(payload))
		req.Header.Set("Authorization", "Bearer valid-token")

		rw := httptest.NewRecorder()
		mux.ServeHTTP(rw, req)

		should.Equal(t, http.StatusNotFound, rw.Code)
	})
}

func TestHandleConnectAction(t *testing.T) {
	user := &idp.User{ID: uuid.NewV4(), Email: "seller@example.com"}

	newAuthorizedService := func(t *testing.T, ds Datastore) *Service {
		svc := newTestService(t, ds, &mockStripeClient{})
		svc.idv = &mockIdentityVerifier{
			fnVerify: func(ctx context.Context, token string) (*idp.User, error) {
				if token != "valid-token" {
					return nil, idp.ErrUnauthorized
				}
				return user, nil
			},
		}

		return svc
	}

	newMux := func(svc *Service) chi.Router {
		mux := chi.NewRouter()
		mux.Mount("/v1/connect", ConnectRouter(svc))
		return mux
	}

	post := func(mux chi.Router, body string, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/connect/", bytes.NewBufferString(body))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		rw := httptest.NewRecorder()
		mux.ServeHTTP(rw, req)

		return rw
	}

	t.Run("create_account", func(t *testing.T) {
		ds := &mockDatastore{
			fnGetCompanyForUser: func(ctx context.Context, userID uuid.UUID, email string) (*model.Company, error) {
				return &model.Company{ID: uuid.NewV4(), OwnerID: user.ID, Country: "FR"}, nil
			},
		}

		mux := newMux(newAuthorizedService(t, ds))

		rw := post(mux, `{"action":"create-account"}`, "valid-token")
		must.Equal(t, http.StatusOK, rw.Code, rw.Body.String())

		var resp ConnectAccountResponse
		must.NoError(t, json.Unmarshal(rw.Body.Bytes(), &resp))

		should.True(t, resp.Created)
		should.Equal(t, "acct_mock", resp.AccountID)
	})

	t.Run("check_status_not_started", func(t *testing.T) {
		ds := &mockDatastore{
			fnGetCompanyForUser: func(ctx context.Context, userID uuid.UUID, email string) (*model.Company, error) {
				return &model.Company{ID: uuid.NewV4(), OwnerID: user.ID}, nil
			},
		}

		mux := newMux(newAuthorizedService(t, ds))

		rw := post(mux, `{"action":"check-status"}`, "valid-token")
		must.Equal(t, http.StatusOK, rw.Code)

		var resp ConnectStatusResponse
		must.NoError(t, json.Unmarshal(rw.Body.Bytes(), &resp))
		should.Equal(t, model.KYCStatusNotStarted, resp.KYCStatus)
	})

	t.Run("link_without_account_conflicts", func(t *testing.T) {
		ds := &mockDatastore{
			fnGetCompanyForUser: func(ctx context.Context, userID uuid.UUID, email string) (*model.Company, error) {
				return &model.Company{ID: uuid.NewV4(), OwnerID: user.ID}, nil
			},
		}

		mux := newMux(newAuthorizedService(t, ds))

		rw := post(mux, `{"action":"create-onboarding-link"}`, "valid-token")
		should.Equal(t, http.StatusConflict, rw.Code)
	})

	t.Run("no_company_is_not_found", func(t *testing.T) {
		mux := newMux(newAuthorizedService(t, &mockDatastore{}))

		rw := post(mux, `{"action":"create-account"}`, "valid-token")
		should.Equal(t, http.StatusNotFound, rw.Code)
	})

	t.Run("requires_token", func(t *testing.T) {
		mux := newMux(newAuthorizedService(t, &mockDatastore{}))

		rw := post(mux, `{"action":"check-status"}`, "")
		should.Equal(t, http.StatusUnauthorized, rw.Code)
	})
}

func TestMapCheckoutError(t *testing.T) {
	type testCase struct {
		name    string
		given   error
		exp     int
		expCode string
	}

	tests := []testCase{
		{
			name:    "inactive_listing_is_validation",
			given:   model.ErrListingInactive,
			exp:     http.StatusBadRequest,
			expCode: "listing_inactive",
		},

		{
			name:    "self_purchase_is_validation",
			given:   model.ErrSelfPurchase,
			exp:     http.StatusBadRequest,
			expCode: "self_purchase",
		},

		{
			name:    "unverified_seller_is_eligibility",
			given:   model.ErrSellerNotVerified,
			exp:     http.StatusForbidden,
			expCode: "seller_not_verified",
		},

		{
			name:    "no_account_is_eligibility",
			given:   model.ErrNoConnectedAccount,
			exp:     http.StatusForbidden,
			expCode: "seller_not_verified",
		},

		{
			name:  "unknown_listing_is_not_found",
			given: model.ErrListingNotFound,
			exp:   http.StatusNotFound,
		},
	}

	for i := range tests {
		tc := tests[i]

		t.Run(tc.name, func(t *testing.T) {
			actual := mapCheckoutError(tc.given)
			must.NotNil(t, actual)

			should.Equal(t, tc.exp, actual.Code)
			should.Equal(t, tc.expCode, actual.ErrorCode)
		})
	}
}
