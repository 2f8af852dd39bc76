package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"equiroute/internal/apperr"
	"equiroute/internal/dex"
	"equiroute/internal/model"
)

func newMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresFromDB(db), mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func TestMigrateAppliesPendingFiles(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectExec(q("CREATE TABLE IF NOT EXISTS schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT filename FROM schema_migrations")).WillReturnRows(sqlmock.NewRows([]string{"filename"}))
	mock.ExpectBegin()
	mock.ExpectExec(q("CREATE TABLE IF NOT EXISTS indicator_bundles")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("INSERT INTO schema_migrations (filename) VALUES ($1)")).WithArgs("0001_init.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, p.Migrate(t.Context()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateSkipsAppliedFiles(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectExec(q("CREATE TABLE IF NOT EXISTS schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT filename FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"filename"}).AddRow("0001_init.sql"))

	require.NoError(t, p.Migrate(t.Context()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveIndicatorBundleDuplicateIsConflict(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectExec(q("INSERT INTO indicator_bundles")).WillReturnResult(sqlmock.NewResult(0, 0))

	err := p.SaveIndicatorBundle(t.Context(), model.IndicatorBundle{UnitID: "E01", Period: "2025Q4", RecordedFor: "2025-12-31"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.True(t, errors.Is(err, apperr.ErrConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestIndicatorBundleDecodesSections(t *testing.T) {
	p, mock := newMock(t)
	recorded := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"unit_id", "period", "recorded_for", "is_core20", "imd_decile", "clinical", "deprivation", "demographics", "accessibility", "created_at"}).
		AddRow("E01", "2025Q4", recorded, true, 2, []byte(`{"diabetes_prevalence":9}`), []byte(`{"imd_score":40}`), nil, []byte(`{"gp_distance_km":3}`), recorded)
	mock.ExpectQuery(q("FROM indicator_bundles WHERE unit_id=$1 AND recorded_for <= $2")).WithArgs("E01", "9999-12-31").WillReturnRows(rows)

	b, err := p.LatestIndicatorBundle(t.Context(), "E01", "")
	require.NoError(t, err)
	assert.Equal(t, "2025-12-31", b.RecordedFor)
	assert.Equal(t, 2, b.IMDDecile)
	assert.Equal(t, 9.0, b.Clinical["diabetes_prevalence"])
	assert.Nil(t, b.Demographics)
	assert.True(t, b.IsCore20)
}

func TestLatestIndicatorBundleMissing(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectQuery(q("FROM indicator_bundles")).WillReturnRows(sqlmock.NewRows([]string{"unit_id"}))

	_, err := p.LatestIndicatorBundle(t.Context(), "E99", "2025-01-01")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestLatestPriorityScoreBoundedByDate(t *testing.T) {
	p, mock := newMock(t)
	doc, err := json.Marshal(model.PriorityScore{UnitID: "E01", CalculationDate: "2026-03-01", PriorityScore: 61, Label: model.LabelHigh})
	require.NoError(t, err)
	mock.ExpectQuery(q("FROM priority_scores WHERE unit_id=$1 AND calculation_date <= $2::date")).
		WithArgs("E01", "2026-03-15").WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(doc))
	mock.ExpectQuery(q("FROM priority_scores WHERE unit_id=$1 AND calculation_date <= $2::date")).
		WithArgs("E01", "9999-12-31").WillReturnRows(sqlmock.NewRows([]string{"document"}))

	ps, err := p.LatestPriorityScore(t.Context(), "E01", "2026-03-15")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01", ps.CalculationDate)
	assert.Equal(t, 61.0, ps.PriorityScore)

	_, err = p.LatestPriorityScore(t.Context(), "E01", "")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func configRow(t *testing.T, cfg dex.ModelConfig, active bool, activatedBy string) *sqlmock.Rows {
	t.Helper()
	doc, err := json.Marshal(cfg)
	require.NoError(t, err)
	var actAt any
	if active {
		actAt = time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	}
	return sqlmock.NewRows([]string{"version", "document", "is_active", "created_at", "activated_at", "activated_by"}).
		AddRow(cfg.Version, doc, active, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), actAt, activatedBy)
}

func TestActivateModelConfigFirstActivation(t *testing.T) {
	p, mock := newMock(t)
	cfg := dex.DefaultConfig()
	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT version FROM model_configs WHERE is_active FOR UPDATE")).WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectQuery(q("SELECT 1 FROM model_configs WHERE version=$1 FOR UPDATE")).WithArgs("v1.0").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectExec(q("UPDATE model_configs SET is_active=TRUE")).WithArgs("v1.0", sqlmock.AnyArg(), "alice").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("INSERT INTO model_config_activations")).WithArgs("v1.0", nil, "alice", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(q("FROM model_configs WHERE version=$1")).WithArgs("v1.0").WillReturnRows(configRow(t, cfg, true, "alice"))
	mock.ExpectCommit()

	got, err := p.ActivateModelConfig(t.Context(), "v1.0", "", "alice", time.Now())
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Equal(t, "alice", got.ActivatedBy)
	require.NotNil(t, got.ActivatedAt)
	assert.Equal(t, 0.40, got.Weights.Clinical)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateModelConfigStaleExpectation(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT version FROM model_configs WHERE is_active FOR UPDATE")).WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("v1.0"))
	mock.ExpectQuery(q("SELECT 1 FROM model_configs WHERE version=$1 FOR UPDATE")).WithArgs("v2.0").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectRollback()

	_, err := p.ActivateModelConfig(t.Context(), "v2.0", "", "bob", time.Now())
	assert.True(t, errors.Is(err, apperr.ErrConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateModelConfigUnknownVersion(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT version FROM model_configs WHERE is_active FOR UPDATE")).WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("v1.0"))
	mock.ExpectQuery(q("SELECT 1 FROM model_configs WHERE version=$1 FOR UPDATE")).WithArgs("v9").WillReturnRows(sqlmock.NewRows([]string{"one"}))
	mock.ExpectRollback()

	_, err := p.ActivateModelConfig(t.Context(), "v9", "v1.0", "bob", time.Now())
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateModelConfigRacingFirstActivation(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT version FROM model_configs WHERE is_active FOR UPDATE")).WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectQuery(q("SELECT 1 FROM model_configs WHERE version=$1 FOR UPDATE")).WithArgs("v2.0").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectExec(q("UPDATE model_configs SET is_active=TRUE")).WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, err := p.ActivateModelConfig(t.Context(), "v2.0", "", "bob", time.Now())
	assert.True(t, errors.Is(err, apperr.ErrConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPriorityScoresSortsAndPages(t *testing.T) {
	p, mock := newMock(t)
	rows := sqlmock.NewRows([]string{"document"})
	for _, s := range []model.PriorityScore{
		{UnitID: "A", PriorityScore: 40},
		{UnitID: "B", PriorityScore: 80},
		{UnitID: "C", PriorityScore: 60},
	} {
		doc, err := json.Marshal(s)
		require.NoError(t, err)
		rows.AddRow(doc)
	}
	floor := 10.0
	mock.ExpectQuery(q("WITH latest AS")).WithArgs("", floor, nil, nil).WillReturnRows(rows)

	got, total, err := p.ListPriorityScores(t.Context(), PriorityFilter{MinScore: &floor, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, got, 2)
	assert.Equal(t, "B", got[0].UnitID)
	assert.Equal(t, "C", got[1].UnitID)
}

func TestGetVisitLocationsKeepsRequestOrder(t *testing.T) {
	p, mock := newMock(t)
	rows := sqlmock.NewRows([]string{"id", "document"}).
		AddRow("b", []byte(`{"id":"b","durationMinutes":20,"isActive":true}`)).
		AddRow("a", []byte(`{"id":"a","durationMinutes":30,"isActive":true}`))
	mock.ExpectQuery(q("FROM visit_locations WHERE id IN")).WithArgs(`["a","b"]`).WillReturnRows(rows)

	got, err := p.GetVisitLocations(t.Context(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, 20, got[1].DurationMinutes)
}

func TestGetVisitLocationsMissingID(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectQuery(q("FROM visit_locations WHERE id IN")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "document"}).AddRow("a", []byte(`{"id":"a"}`)))

	_, err := p.GetVisitLocations(t.Context(), []string{"a", "zz"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "zz")
}

func TestGetPlanRejectsMalformedID(t *testing.T) {
	p, mock := newMock(t)
	_, err := p.GetPlan(t.Context(), "not-a-uuid")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

const planID = "6f1c2d4e-0000-4000-8000-000000000001"

func TestSavePlanResultStaleVersion(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM route_plans WHERE id=$1 FOR UPDATE")).WithArgs(planID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "version"}).AddRow(planID, "OPTIMIZED", 2))
	mock.ExpectRollback()

	_, err := p.SavePlanResult(t.Context(), planID, 1, model.PlanResult{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConflict))
	assert.Contains(t, err.Error(), "version 2, expected 1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionPlanRejectsSkippedState(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM route_plans WHERE id=$1 FOR UPDATE")).WithArgs(planID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "version"}).AddRow(planID, "DRAFT", 1))
	mock.ExpectRollback()

	_, err := p.TransitionPlan(t.Context(), planID, 1, model.PlanApproved, "alice", time.Now())
	assert.True(t, errors.Is(err, apperr.ErrConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStopRequiresExecution(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM route_plans WHERE id=$1 FOR UPDATE")).WithArgs(planID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "version"}).AddRow(planID, "OPTIMIZED", 2))
	mock.ExpectRollback()

	_, err := p.UpdateStop(t.Context(), planID, "6f1c2d4e-0000-4000-8000-0000000000aa", model.StopUpdate{Status: model.StopCompleted})
	assert.True(t, errors.Is(err, apperr.ErrConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
}
