package settlement

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	uuid "github.com/satori/go.uuid"

	"github.com/marketforge/payments-service/services/settlement/model"
)

// companyAdapter resolves company records across the two storage shapes that
// coexist in the database: the current one, written by the application stack
// with quoted camelCase identifiers and a users join, and the legacy one, a
// plain snake_case companies table keyed by owner_id.
//
// All shape knowledge lives here. Callers only ever see model.Company, with
// Schema recording where the row came from so writes route back correctly.
type companyAdapter struct{}

const (
	currentCompanyByID = `
		SELECT
			c."id", c."name", c."country", c."vatNumber" AS vat_number,
			COALESCE(u."id", '00000000-0000-0000-0000-000000000000'::uuid) AS owner_id,
			c."stripeAccountId" AS stripe_account_id,
			c."chargesEnabled" AS charges_enabled, c."payoutsEnabled" AS payouts_enabled,
			c."detailsSubmitted" AS details_submitted,
			COALESCE(c."disabledReason", '') AS disabled_reason,
			c."kycStatus" AS kyc_status
		FROM "Company" c
		LEFT JOIN "User" u ON u."companyId" = c."id"
		WHERE c."id" = $1`

	currentCompanyByUser = `
		SELECT
			c."id", c."name", c."country", c."vatNumber" AS vat_number,
			u."id" AS owner_id,
			c."stripeAccountId" AS stripe_account_id,
			c."chargesEnabled" AS charges_enabled, c."payoutsEnabled" AS payouts_enabled,
			c."detailsSubmitted" AS details_submitted,
			COALESCE(c."disabledReason", '') AS disabled_reason,
			c."kycStatus" AS kyc_status
		FROM "User" u
		JOIN "Company" c ON c."id" = u."companyId"
		WHERE u."email" = $1`

	currentCompanyByAccount = `
		SELECT
			c."id", c."name", c."country", c."vatNumber" AS vat_number,
			COALESCE(u."id", '00000000-0000-0000-0000-000000000000'::uuid) AS owner_id,
			c."stripeAccountId" AS stripe_account_id,
			c."chargesEnabled" AS charges_enabled, c."payoutsEnabled" AS payouts_enabled,
			c."detailsSubmitted" AS details_submitted,
			COALESCE(c."disabledReason", '') AS disabled_reason,
			c."kycStatus" AS kyc_status
		FROM "Company" c
		LEFT JOIN "User" u ON u."companyId" = c."id"
		WHERE c."stripeAccountId" = $1`

	legacyCompanyByID = `
		SELECT
			id, name, country, vat_number, owner_id,
			stripe_account_id, charges_enabled, payouts_enabled,
			details_submitted, COALESCE(disabled_reason, '') AS disabled_reason,
			kyc_status
		FROM companies
		WHERE id = $1`

	legacyCompanyByOwner = `
		SELECT
			id, name, country, vat_number, owner_id,
			stripe_account_id, charges_enabled, payouts_enabled,
			details_submitted, COALESCE(disabled_reason, '') AS disabled_reason,
			kyc_status
		FROM companies
		WHERE owner_id = $1`

	legacyCompanyByAccount = `
		SELECT
			id, name, country, vat_number, owner_id,
			stripe_account_id, charges_enabled, payouts_enabled,
			details_submitted, COALESCE(disabled_reason, '') AS disabled_reason,
			kyc_status
		FROM companies
		WHERE stripe_account_id = $1`
)

// companyRow is the flat scan target shared by both shapes.
type companyRow struct {
	ID               uuid.UUID      `db:"id"`
	Name             string         `db:"name"`
	Country          string         `db:"country"`
	VATNumber        string         `db:"vat_number"`
	OwnerID          uuid.UUID      `db:"owner_id"`
	StripeAccountID  sql.NullString `db:"stripe_account_id"`
	ChargesEnabled   bool           `db:"charges_enabled"`
	PayoutsEnabled   bool           `db:"payouts_enabled"`
	DetailsSubmitted bool           `db:"details_submitted"`
	DisabledReason   string         `db:"disabled_reason"`
	KYCStatus        string         `db:"kyc_status"`
}

func (r *companyRow) toCompany(schema model.CompanySchema) *model.Company {
	c := &model.Company{
		ID:        r.ID,
		Name:      r.Name,
		Country:   r.Country,
		VATNumber: r.VATNumber,
		OwnerID:   r.OwnerID,
		Eligibility: model.Eligibility{
			ChargesEnabled:   r.ChargesEnabled,
			PayoutsEnabled:   r.PayoutsEnabled,
			DetailsSubmitted: r.DetailsSubmitted,
			DisabledReason:   r.DisabledReason,
		},
		KYCStatus: model.KYCStatus(r.KYCStatus),
		Schema:    schema,
	}

	c.ConnectedAccount.NullString = r.StripeAccountID

	return c
}

// getByID looks up the current shape first and falls back to legacy.
func (a *companyAdapter) getByID(ctx context.Context, dbi sqlx.QueryerContext, id uuid.UUID) (*model.Company, error) {
	var row companyRow
	err := sqlx.GetContext(ctx, dbi, &row, currentCompanyByID, id)
	if err == nil {
		return row.toCompany(model.CompanySchemaCurrent), nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if err := sqlx.GetContext(ctx, dbi, &row, legacyCompanyByID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrCompanyNotFound
		}

		return nil, err
	}

	return row.toCompany(model.CompanySchemaLegacy), nil
}

// getForUser resolves the company a user belongs to. The current shape joins
// through users.email, the legacy shape keys companies directly on owner_id.
func (a *companyAdapter) getForUser(ctx context.Context, dbi sqlx.QueryerContext, userID uuid.UUID, email string) (*model.Company, error) {
	var row companyRow
	err := sqlx.GetContext(ctx, dbi, &row, currentCompanyByUser, email)
	if err == nil {
		return row.toCompany(model.CompanySchemaCurrent), nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if err := sqlx.GetContext(ctx, dbi, &row, legacyCompanyByOwner, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrCompanyNotFound
		}

		return nil, err
	}

	return row.toCompany(model.CompanySchemaLegacy), nil
}

// getByConnectedAccount resolves the company that owns a processor account id.
func (a *companyAdapter) getByConnectedAccount(ctx context.Context, dbi sqlx.QueryerContext, acctID string) (*model.Company, error) {
	var row companyRow
	err := sqlx.GetContext(ctx, dbi, &row, currentCompanyByAccount, acctID)
	if err == nil {
		return row.toCompany(model.CompanySchemaCurrent), nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if err := sqlx.GetContext(ctx, dbi, &row, legacyCompanyByAccount, acctID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrCompanyNotFound
		}

		return nil, err
	}

	return row.toCompany(model.CompanySchemaLegacy), nil
}

const (
	currentSetAccount = `
		UPDATE "Company"
		SET "stripeAccountId" = $2, "kycStatus" = $3
		WHERE "id" = $1 AND "stripeAccountId" IS NULL`

	legacySetAccount = `
		UPDATE companies
		SET stripe_account_id = $2, kyc_status = $3, updated_at = now()
		WHERE id = $1 AND stripe_account_id IS NULL`

	// Eligibility sync only touches the row when something actually changed,
	// concurrent syncs of the same snapshot converge to a single write.
	currentUpdateEligibility = `
		UPDATE "Company"
		SET
			"chargesEnabled" = $2, "payoutsEnabled" = $3,
			"detailsSubmitted" = $4, "disabledReason" = $5, "kycStatus" = $6
		WHERE "id" = $1 AND (
			"chargesEnabled" IS DISTINCT FROM $2 OR
			"payoutsEnabled" IS DISTINCT FROM $3 OR
			"detailsSubmitted" IS DISTINCT FROM $4 OR
			"disabledReason" IS DISTINCT FROM $5 OR
			"kycStatus" IS DISTINCT FROM $6
		)`

	legacyUpdateEligibility = `
		UPDATE companies
		SET
			charges_enabled = $2, payouts_enabled = $3,
			details_submitted = $4, disabled_reason = $5, kyc_status = $6,
			updated_at = now()
		WHERE id = $1 AND (
			charges_enabled IS DISTINCT FROM $2 OR
			payouts_enabled IS DISTINCT FROM $3 OR
			details_submitted IS DISTINCT FROM $4 OR
			disabled_reason IS DISTINCT FROM $5 OR
			kyc_status IS DISTINCT FROM $6
		)`
)

// setConnectedAccount assigns a fresh processor account id to the company,
// but never overwrites an existing one.
func (a *companyAdapter) setConnectedAccount(ctx context.Context, dbi sqlx.ExecerContext, c *model.Company, acctID string) error {
	stmt := currentSetAccount
	if c.Schema == model.CompanySchemaLegacy {
		stmt = legacySetAccount
	}

	res, err := dbi.ExecContext(ctx, stmt, c.ID, acctID, model.KYCStatusPending)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return model.ErrNoRowsChangedCompany
	}

	return nil
}

// updateEligibility persists the processor capability snapshot and the kyc
// status derived from it. The false return means the stored flags already
// matched and nothing was written.
func (a *companyAdapter) updateEligibility(ctx context.Context, dbi sqlx.ExecerContext, c *model.Company, e model.Eligibility, kyc model.KYCStatus) (bool, error) {
	stmt := currentUpdateEligibility
	if c.Schema == model.CompanySchemaLegacy {
		stmt = legacyUpdateEligibility
	}

	res, err := dbi.ExecContext(ctx, stmt, c.ID, e.ChargesEnabled, e.PayoutsEnabled, e.DetailsSubmitted, e.DisabledReason, kyc)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}
