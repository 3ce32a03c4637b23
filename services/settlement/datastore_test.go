package settlement

import (
	"context"
	"database/sql"
	"testing"
	"time"

	mockSQL "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	uuid "github.com/satori/go.uuid"
	should "github.com/stretchr/testify/assert"
	must "github.com/stretchr/testify/require"

	"github.com/marketforge/payments-service/libs/datastore"
	"github.com/marketforge/payments-service/services/settlement/model"
)

func newMockPostgres(t *testing.T) (*Postgres, mockSQL.Sqlmock) {
	t.Helper()

	db, mock, err := mockSQL.New()
	must.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return &Postgres{Postgres: datastore.Postgres{DB: sqlx.NewDb(db, "postgres")}}, mock
}

func TestPostgres_RecordTransactionEvent(t *testing.T) {
	t.Run("first_delivery", func(t *testing.T) {
		pg, mock := newMockPostgres(t)

		mock.ExpectExec("INSERT INTO transaction_events (.+)").
			WillReturnResult(mockSQL.NewResult(0, 1))

		err := pg.RecordTransactionEvent(context.Background(), &model.TransactionEvent{
			ID:        uuid.NewV4(),
			EventID:   "evt_1",
			EventType: "payment_intent.succeeded",
			Payload:   []byte(`{}`),
		})
		should.NoError(t, err)
	})

	t.Run("redelivery_maps_to_duplicate", func(t *testing.T) {
		pg, mock := newMockPostgres(t)

		mock.ExpectExec("INSERT INTO transaction_events (.+)").
			WillReturnError(&pq.Error{Code: "23505"})

		err := pg.RecordTransactionEvent(context.Background(), &model.TransactionEvent{
			ID:        uuid.NewV4(),
			EventID:   "evt_1",
			EventType: "payment_intent.succeeded",
			Payload:   []byte(`{}`),
		})
		should.Equal(t, model.ErrDuplicateEvent, err)
	})
}

func TestPostgres_MarkOrderPaid(t *testing.T) {
	t.Run("pending_order", func(t *testing.T) {
		pg, mock := newMockPostgres(t)

		mock.ExpectExec("UPDATE orders (.+)").
			WillReturnResult(mockSQL.NewResult(0, 1))

		err := pg.MarkOrderPaid(context.Background(), uuid.NewV4(), "ch_1", time.Now())
		should.NoError(t, err)
	})

	t.Run("wrong_status_is_conflict", func(t *testing.T) {
		pg, mock := newMockPostgres(t)

		mock.ExpectExec("UPDATE orders (.+)").
			WillReturnResult(mockSQL.NewResult(0, 0))

		mock.ExpectQuery("SELECT status FROM orders (.+)").
			WillReturnRows(mockSQL.NewRows([]string{"status"}).AddRow("paid"))

		err := pg.MarkOrderPaid(context.Background(), uuid.NewV4(), "ch_1", time.Now())
		should.Equal(t, model.ErrOrderStatusConflict, err)
	})

	t.Run("missing_order", func(t *testing.T) {
		pg, mock := newMockPostgres(t)

		mock.ExpectExec("UPDATE orders (.+)").
			WillReturnResult(mockSQL.NewResult(0, 0))

		mock.ExpectQuery("SELECT status FROM orders (.+)").
			WillReturnError(sql.ErrNoRows)

		err := pg.MarkOrderPaid(context.Background(), uuid.NewV4(), "ch_1", time.Now())
		should.Equal(t, model.ErrOrderNotFound, err)
	})
}

func TestPostgres_GetCompany_DualSchema(t *testing.T) {
	cols := []string{
		"id", "name", "country", "vat_number", "owner_id",
		"stripe_account_id", "charges_enabled", "payouts_enabled",
		"details_submitted", "disabled_reason", "kyc_status",
	}

	t.Run("current_schema_first", func(t *testing.T) {
		pg, mock := newMockPostgres(t)

		id, ownerID := uuid.NewV4(), uuid.NewV4()

		mock.ExpectQuery(`FROM "Company" (.+)`).
			WillReturnRows(mockSQL.NewRows(cols).AddRow(
				id.String(), "Acme GmbH", "DE", "DE123", ownerID.String(),
				"acct_1", true, true, true, "", "approved",
			))

		c, err := pg.GetCompany(context.Background(), id)
		must.NoError(t, err)

		should.Equal(t, id, c.ID)
		should.Equal(t, model.CompanySchemaCurrent, c.Schema)
		should.Equal(t, model.KYCStatusApproved, c.KYCStatus)
		should.True(t, c.HasConnectedAccount())
		should.Equal(t, "acct_1", c.ConnectedAccount.String)
	})

	t.Run("falls_back_to_legacy", func(t *testing.T) {
		pg, mock := newMockPostgres(t)

		id, ownerID := uuid.NewV4(), uuid.NewV4()

		mock.ExpectQuery(`FROM "Company" (.+)`).
			WillReturnError(sql.ErrNoRows)

		mock.ExpectQuery(`FROM companies (.+)`).
			WillReturnRows(mockSQL.NewRows(cols).AddRow(
				id.String(), "Legacy SARL", "FR", "FR456", ownerID.String(),
				nil, false, false, false, "", "not_started",
			))

		c, err := pg.GetCompany(context.Background(), id)
		must.NoError(t, err)

		should.Equal(t, model.CompanySchemaLegacy, c.Schema)
		should.Equal(t, ownerID, c.OwnerID)
		should.False(t, c.HasConnectedAccount())
	})

	t.Run("not_found_in_either", func(t *testing.T) {
		pg, mock := newMockPostgres(t)

		mock.ExpectQuery(`FROM "Company" (.+)`).WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(`FROM companies (.+)`).WillReturnError(sql.ErrNoRows)

		_, err := pg.GetCompany(context.Background(), uuid.NewV4())
		should.Equal(t, model.ErrCompanyNotFound, err)
	})
}

func TestPostgres_UpdateCompanyEligibility(t *testing.T) {
	t.Run("writes_on_change", func(t *testing.T) {
		pg, mock := newMockPostgres(t)

		mock.ExpectExec(`UPDATE "Company" (.+)`).
			WillReturnResult(mockSQL.NewResult(0, 1))

		c := &model.Company{ID: uuid.NewV4(), Schema: model.CompanySchemaCurrent}

		changed, err := pg.UpdateCompanyEligibility(context.Background(), c, model.Eligibility{
			ChargesEnabled: true,
			PayoutsEnabled: true,
		}, model.KYCStatusApproved)
		must.NoError(t, err)
		should.True(t, changed)
	})

	t.Run("noop_when_flags_equal", func(t *testing.T) {
		pg, mock := newMockPostgres(t)

		mock.ExpectExec(`UPDATE "Company" (.+)`).
			WillReturnResult(mockSQL.NewResult(0, 0))

		c := &model.Company{ID: uuid.NewV4(), Schema: model.CompanySchemaCurrent}

		changed, err := pg.UpdateCompanyEligibility(context.Background(), c, model.Eligibility{}, model.KYCStatusPending)
		must.NoError(t, err)
		should.False(t, changed)
	})

	t.Run("legacy_schema_routes_to_legacy_table", func(t *testing.T) {
		pg, mock := newMockPostgres(t)

		mock.ExpectExec(`UPDATE companies (.+)`).
			WillReturnResult(mockSQL.NewResult(0, 1))

		c := &model.Company{ID: uuid.NewV4(), Schema: model.CompanySchemaLegacy}

		changed, err := pg.UpdateCompanyEligibility(context.Background(), c, model.Eligibility{
			DetailsSubmitted: true,
		}, model.KYCStatusInReview)
		must.NoError(t, err)
		should.True(t, changed)
	})
}

func TestPostgres_SetCompanyConnectedAccount(t *testing.T) {
	t.Run("assigns_once", func(t *testing.T) {
		pg, mock := newMockPostgres(t)

		mock.ExpectExec(`UPDATE "Company" (.+)`).
			WillReturnResult(mockSQL.NewResult(0, 1))

		c := &model.Company{ID: uuid.NewV4(), Schema: model.CompanySchemaCurrent}

		err := pg.SetCompanyConnectedAccount(context.Background(), c, "acct_1")
		should.NoError(t, err)
	})

	t.Run("never_overwrites", func(t *testing.T) {
		pg, mock := newMockPostgres(t)

		mock.ExpectExec(`UPDATE "Company" (.+)`).
			WillReturnResult(mockSQL.NewResult(0, 0))

		c := &model.Company{ID: uuid.NewV4(), Schema: model.CompanySchemaCurrent}

		err := pg.SetCompanyConnectedAccount(context.Background(), c, "acct_2")
		should.Equal(t, model.ErrNoRowsChangedCompany, err)
	})
}

func TestPostgres_CreateOrder(t *testing.T) {
	pg, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders (.+)").
		WillReturnResult(mockSQL.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_items (.+)").
		WillReturnResult(mockSQL.NewResult(0, 1))
	mock.ExpectCommit()

	orderID := uuid.NewV4()

	order := &model.Order{
		ID:               orderID,
		Status:           model.OrderStatusPendingPayment,
		Currency:         "eur",
		GrossAmount:      10000,
		CommissionAmount: 500,
		BuyerID:          uuid.NewV4(),
		SellerID:         uuid.NewV4(),
		SellerCompanyID:  uuid.NewV4(),
	}

	items := []model.OrderItem{
		{
			ID:             uuid.NewV4(),
			OrderID:        orderID,
			ListingID:      uuid.NewV4(),
			Quantity:       4,
			UnitPriceCents: 2500,
			TotalCents:     10000,
			Currency:       "eur",
		},
	}

	err := pg.CreateOrder(context.Background(), order, items)
	must.NoError(t, err)

	should.NoError(t, mock.ExpectationsWereMet())
}
