package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"equiroute/internal/apperr"
	"equiroute/internal/dex"
	"equiroute/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing handle (tests use sqlmock).
func NewPostgresFromDB(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// Migrate applies the embedded migrations not yet recorded in
// schema_migrations, each in its own transaction.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (filename TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW())`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	rows, err := p.db.QueryContext(ctx, `SELECT filename FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("failed to query applied migrations: %w", err)
	}
	applied := map[string]bool{}
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration filename: %w", err)
		}
		applied[f] = true
	}
	rows.Close()

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	for _, f := range files {
		if applied[f] {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, "migrations/"+f)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", f, err)
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %s: %w", f, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", f, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, f); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", f, err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}

func toJSON(v any) ([]byte, error) { return json.Marshal(v) }

func fromJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// ---- indicator bundles ----

func (p *Postgres) SaveIndicatorBundle(ctx context.Context, b model.IndicatorBundle) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	sections := make([][]byte, 0, 4)
	for _, m := range []map[string]float64{b.Clinical, b.Deprivation, b.Demographics, b.Accessibility} {
		js, err := toJSON(m)
		if err != nil {
			return err
		}
		sections = append(sections, js)
	}
	var decile any
	if b.IMDDecile > 0 {
		decile = b.IMDDecile
	}
	res, err := p.db.ExecContext(ctx, `INSERT INTO indicator_bundles (unit_id, period, recorded_for, is_core20, imd_decile, clinical, deprivation, demographics, accessibility, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) ON CONFLICT (unit_id, period) DO NOTHING`,
		b.UnitID, b.Period, b.RecordedFor, b.IsCore20, decile, sections[0], sections[1], sections[2], sections[3], b.CreatedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return conflict("indicator bundle for %s period %s already recorded", b.UnitID, b.Period)
	}
	return nil
}

func (p *Postgres) LatestIndicatorBundle(ctx context.Context, unitID, asOf string) (model.IndicatorBundle, error) {
	if asOf == "" {
		asOf = "9999-12-31"
	}
	row := p.db.QueryRowContext(ctx, `SELECT unit_id, period, recorded_for, is_core20, imd_decile, clinical, deprivation, demographics, accessibility, created_at
		FROM indicator_bundles WHERE unit_id=$1 AND recorded_for <= $2 ORDER BY recorded_for DESC, period DESC LIMIT 1`, unitID, asOf)
	var (
		b                  model.IndicatorBundle
		recorded           time.Time
		decile             sql.NullInt64
		cl, dep, demo, acc []byte
	)
	if err := row.Scan(&b.UnitID, &b.Period, &recorded, &b.IsCore20, &decile, &cl, &dep, &demo, &acc, &b.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return b, notFound("indicator bundle for unit", unitID)
		}
		return b, err
	}
	b.RecordedFor = recorded.Format(model.DateLayout)
	b.IMDDecile = int(decile.Int64)
	for _, s := range []struct {
		raw []byte
		dst *map[string]float64
	}{{cl, &b.Clinical}, {dep, &b.Deprivation}, {demo, &b.Demographics}, {acc, &b.Accessibility}} {
		if err := fromJSON(s.raw, s.dst); err != nil {
			return b, fmt.Errorf("decode indicator bundle %s/%s: %w", b.UnitID, b.Period, err)
		}
	}
	return b, nil
}

func (p *Postgres) ListUnitIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT unit_id FROM indicator_bundles ORDER BY unit_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ---- model configurations ----

const configColumns = `version, document, is_active, created_at, activated_at, activated_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(r rowScanner) (dex.ModelConfig, error) {
	var (
		cfg     dex.ModelConfig
		version string
		doc     []byte
		active  bool
		created time.Time
		actAt   sql.NullTime
		actBy   sql.NullString
	)
	if err := r.Scan(&version, &doc, &active, &created, &actAt, &actBy); err != nil {
		return cfg, err
	}
	if err := fromJSON(doc, &cfg); err != nil {
		return cfg, fmt.Errorf("decode model configuration %s: %w", version, err)
	}
	cfg.Version = version
	cfg.IsActive = active
	cfg.CreatedAt = created.UTC()
	cfg.ActivatedAt = timePtr(actAt)
	cfg.ActivatedBy = actBy.String
	return cfg, nil
}

func (p *Postgres) CreateModelConfig(ctx context.Context, cfg dex.ModelConfig) (dex.ModelConfig, error) {
	if err := cfg.Validate(); err != nil {
		return dex.ModelConfig{}, err
	}
	cfg.IsActive = false
	cfg.ActivatedAt = nil
	cfg.ActivatedBy = ""
	cfg.CreatedAt = time.Now().UTC()
	doc, err := toJSON(cfg)
	if err != nil {
		return dex.ModelConfig{}, err
	}
	res, err := p.db.ExecContext(ctx, `INSERT INTO model_configs (version, document, created_at) VALUES ($1,$2,$3) ON CONFLICT (version) DO NOTHING`,
		cfg.Version, doc, cfg.CreatedAt)
	if err != nil {
		return dex.ModelConfig{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return dex.ModelConfig{}, err
	} else if n == 0 {
		return dex.ModelConfig{}, conflict("model configuration %s already exists", cfg.Version)
	}
	return cfg, nil
}

func (p *Postgres) GetModelConfig(ctx context.Context, version string) (dex.ModelConfig, error) {
	cfg, err := scanConfig(p.db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM model_configs WHERE version=$1`, version))
	if errors.Is(err, sql.ErrNoRows) {
		return cfg, notFound("model configuration", version)
	}
	return cfg, err
}

func (p *Postgres) ListModelConfigs(ctx context.Context) ([]dex.ModelConfig, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+configColumns+` FROM model_configs ORDER BY created_at, version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []dex.ModelConfig{}
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (p *Postgres) GetActiveModelConfig(ctx context.Context) (dex.ModelConfig, error) {
	cfg, err := scanConfig(p.db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM model_configs WHERE is_active`))
	if errors.Is(err, sql.ErrNoRows) {
		return cfg, apperr.Wrap(apperr.KindNotFound, ErrNotFound, "no active model configuration")
	}
	return cfg, err
}

// ActivateModelConfig locks the active row, compares it with expectedActive
// and flips both flags in one transaction. The partial unique index on
// is_active rejects a racing first activation.
func (p *Postgres) ActivateModelConfig(ctx context.Context, version, expectedActive, by string, at time.Time) (dex.ModelConfig, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return dex.ModelConfig{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT version FROM model_configs WHERE is_active FOR UPDATE`).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return dex.ModelConfig{}, err
	}
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM model_configs WHERE version=$1 FOR UPDATE`, version).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return dex.ModelConfig{}, notFound("model configuration", version)
		}
		return dex.ModelConfig{}, err
	}
	if current != expectedActive {
		return dex.ModelConfig{}, conflict("active model configuration is %q, expected %q", current, expectedActive)
	}
	if current != version {
		at = at.UTC()
		if current != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE model_configs SET is_active=FALSE WHERE version=$1`, current); err != nil {
				return dex.ModelConfig{}, err
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE model_configs SET is_active=TRUE, activated_at=$2, activated_by=$3 WHERE version=$1`, version, at, by); err != nil {
			if isUniqueViolation(err) {
				return dex.ModelConfig{}, conflict("concurrent activation of %s", version)
			}
			return dex.ModelConfig{}, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO model_config_activations (version, previous_version, activated_by, activated_at) VALUES ($1,$2,$3,$4)`,
			version, nullIfEmpty(current), by, at); err != nil {
			return dex.ModelConfig{}, err
		}
	}
	cfg, err := scanConfig(tx.QueryRowContext(ctx, `SELECT `+configColumns+` FROM model_configs WHERE version=$1`, version))
	if err != nil {
		return dex.ModelConfig{}, err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return dex.ModelConfig{}, conflict("concurrent activation of %s", version)
		}
		return dex.ModelConfig{}, err
	}
	return cfg, nil
}

func (p *Postgres) ListActivations(ctx context.Context) ([]Activation, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT version, COALESCE(previous_version, ''), activated_by, activated_at FROM model_config_activations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Activation{}
	for rows.Next() {
		var a Activation
		if err := rows.Scan(&a.Version, &a.PreviousVersion, &a.ActivatedBy, &a.ActivatedAt); err != nil {
			return nil, err
		}
		a.ActivatedAt = a.ActivatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- priority scores ----

func (p *Postgres) SavePriorityScore(ctx context.Context, ps model.PriorityScore) (model.PriorityScore, error) {
	if ps.ID == "" {
		ps.ID = uuid.New().String()
	}
	if ps.CreatedAt.IsZero() {
		ps.CreatedAt = time.Now().UTC()
	}
	doc, err := toJSON(ps)
	if err != nil {
		return model.PriorityScore{}, err
	}
	res, err := p.db.ExecContext(ctx, `INSERT INTO priority_scores (id, unit_id, calculation_date, model_version, priority_score, priority_label, is_core20, document, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) ON CONFLICT (unit_id, calculation_date, model_version) DO NOTHING`,
		ps.ID, ps.UnitID, ps.CalculationDate, ps.ModelVersion, ps.PriorityScore, string(ps.Label), ps.IsCore20, doc, ps.CreatedAt)
	if err != nil {
		return model.PriorityScore{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return model.PriorityScore{}, err
	} else if n == 0 {
		return model.PriorityScore{}, conflict("priority score for %s on %s with model %s already exists", ps.UnitID, ps.CalculationDate, ps.ModelVersion)
	}
	return ps, nil
}

func scanScores(rows *sql.Rows) ([]model.PriorityScore, error) {
	defer rows.Close()
	out := []model.PriorityScore{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var ps model.PriorityScore
		if err := fromJSON(doc, &ps); err != nil {
			return nil, fmt.Errorf("decode priority score: %w", err)
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

func (p *Postgres) GetPriorityScore(ctx context.Context, unitID, date, version string) (model.PriorityScore, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT document FROM priority_scores WHERE unit_id=$1 AND calculation_date=$2 AND model_version=$3`, unitID, date, version)
	if err != nil {
		return model.PriorityScore{}, err
	}
	out, err := scanScores(rows)
	if err != nil {
		return model.PriorityScore{}, err
	}
	if len(out) == 0 {
		return model.PriorityScore{}, notFound("priority score for unit", unitID)
	}
	return out[0], nil
}

func (p *Postgres) LatestPriorityScore(ctx context.Context, unitID, asOf string) (model.PriorityScore, error) {
	if asOf == "" {
		asOf = "9999-12-31"
	}
	rows, err := p.db.QueryContext(ctx, `SELECT document FROM priority_scores WHERE unit_id=$1 AND calculation_date <= $2::date
		ORDER BY calculation_date DESC, created_at DESC LIMIT 1`, unitID, asOf)
	if err != nil {
		return model.PriorityScore{}, err
	}
	out, err := scanScores(rows)
	if err != nil {
		return model.PriorityScore{}, err
	}
	if len(out) == 0 {
		return model.PriorityScore{}, notFound("priority score for unit", unitID)
	}
	return out[0], nil
}

func (p *Postgres) PriorityHistory(ctx context.Context, unitID string, limit int) ([]model.PriorityScore, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT document FROM priority_scores WHERE unit_id=$1 ORDER BY calculation_date DESC, created_at DESC LIMIT $2`, unitID, limit)
	if err != nil {
		return nil, err
	}
	return scanScores(rows)
}

func (p *Postgres) ListPriorityScores(ctx context.Context, f PriorityFilter) ([]model.PriorityScore, int, error) {
	var core20 any
	if f.Core20 != nil {
		core20 = *f.Core20
	}
	rows, err := p.db.QueryContext(ctx, `WITH latest AS (
			SELECT DISTINCT ON (unit_id) document, priority_score, priority_label, is_core20
			FROM priority_scores ORDER BY unit_id, calculation_date DESC, created_at DESC
		)
		SELECT document FROM latest
		WHERE ($1 = '' OR priority_label = $1)
		  AND ($2::float8 IS NULL OR priority_score >= $2)
		  AND ($3::float8 IS NULL OR priority_score <= $3)
		  AND ($4::bool IS NULL OR is_core20 = $4)`,
		string(f.Label), nullable(f.MinScore), nullable(f.MaxScore), core20)
	if err != nil {
		return nil, 0, err
	}
	out, err := scanScores(rows)
	if err != nil {
		return nil, 0, err
	}
	sortScores(out, f.Sort)
	return page(out, f.Offset, f.Limit), len(out), nil
}

// ---- visit locations and resources ----

func (p *Postgres) UpsertVisitLocation(ctx context.Context, l model.VisitLocation) (model.VisitLocation, error) {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	doc, err := toJSON(l)
	if err != nil {
		return l, err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO visit_locations (id, unit_id, is_active, document, updated_at) VALUES ($1,$2,$3,$4,NOW())
		ON CONFLICT (id) DO UPDATE SET unit_id=EXCLUDED.unit_id, is_active=EXCLUDED.is_active, document=EXCLUDED.document, updated_at=NOW()`,
		l.ID, nullIfEmpty(l.UnitID), l.IsActive, doc)
	return l, err
}

// fetchDocuments loads JSON documents by id and returns them in ids order.
func fetchDocuments[T any](ctx context.Context, db *sql.DB, table, what string, ids []string) ([]T, error) {
	if len(ids) == 0 {
		return []T{}, nil
	}
	list, err := toJSON(ids)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT id, document FROM `+table+` WHERE id IN (SELECT jsonb_array_elements_text($1::jsonb))`, string(list))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byID := map[string]T{}
	for rows.Next() {
		var (
			id  string
			doc []byte
			v   T
		)
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		if err := fromJSON(doc, &v); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", what, id, err)
		}
		byID[id] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		v, ok := byID[id]
		if !ok {
			return nil, notFound(what, id)
		}
		out = append(out, v)
	}
	return out, nil
}

func listDocuments[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		var (
			doc []byte
			v   T
		)
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		if err := fromJSON(doc, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *Postgres) GetVisitLocations(ctx context.Context, ids []string) ([]model.VisitLocation, error) {
	return fetchDocuments[model.VisitLocation](ctx, p.db, "visit_locations", "visit location", ids)
}

func (p *Postgres) ListVisitLocations(ctx context.Context, activeOnly bool) ([]model.VisitLocation, error) {
	return listDocuments[model.VisitLocation](ctx, p.db, `SELECT document FROM visit_locations WHERE ($1 = FALSE OR is_active) ORDER BY id`, activeOnly)
}

func (p *Postgres) UpsertResource(ctx context.Context, r model.Resource) (model.Resource, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	doc, err := toJSON(r)
	if err != nil {
		return r, err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO resources (id, team_id, is_available, document, updated_at) VALUES ($1,$2,$3,$4,NOW())
		ON CONFLICT (id) DO UPDATE SET team_id=EXCLUDED.team_id, is_available=EXCLUDED.is_available, document=EXCLUDED.document, updated_at=NOW()`,
		r.ID, nullIfEmpty(r.TeamID), r.IsAvailable, doc)
	return r, err
}

func (p *Postgres) GetResources(ctx context.Context, ids []string) ([]model.Resource, error) {
	return fetchDocuments[model.Resource](ctx, p.db, "resources", "resource", ids)
}

func (p *Postgres) ListResources(ctx context.Context, teamID string) ([]model.Resource, error) {
	return listDocuments[model.Resource](ctx, p.db, `SELECT document FROM resources WHERE ($1 = '' OR team_id = $1) ORDER BY id`, teamID)
}

// ---- route plans ----

const planColumns = `id::text, plan_date, COALESCE(team_id, ''), status, version, location_ids, resource_ids, optimization_config,
	total_resources, total_visits, total_distance_km, total_duration_minutes, equity_coverage_score, coverage, unassigned,
	optimized_at, approved_at, COALESCE(approved_by, ''), started_at, completed_at, created_at`

func scanPlan(r rowScanner) (model.RoutePlan, error) {
	var (
		p                                         model.RoutePlan
		planDate                                  time.Time
		locIDs, resIDs, optCfg, cov, unassigned   []byte
		equity                                    sql.NullFloat64
		optimizedAt, approvedAt, startedAt, doneAt sql.NullTime
	)
	if err := r.Scan(&p.ID, &planDate, &p.TeamID, &p.Status, &p.Version, &locIDs, &resIDs, &optCfg,
		&p.TotalResources, &p.TotalVisits, &p.TotalDistanceKm, &p.TotalDurationMinutes, &equity, &cov, &unassigned,
		&optimizedAt, &approvedAt, &p.ApprovedBy, &startedAt, &doneAt, &p.CreatedAt); err != nil {
		return p, err
	}
	p.PlanDate = planDate.Format(model.DateLayout)
	p.CreatedAt = p.CreatedAt.UTC()
	if err := fromJSON(locIDs, &p.LocationIDs); err != nil {
		return p, err
	}
	if err := fromJSON(resIDs, &p.ResourceIDs); err != nil {
		return p, err
	}
	if len(optCfg) > 0 {
		var c model.OptimizeConfig
		if err := fromJSON(optCfg, &c); err != nil {
			return p, err
		}
		p.OptimizationConfig = &c
	}
	if len(cov) > 0 {
		var c model.Coverage
		if err := fromJSON(cov, &c); err != nil {
			return p, err
		}
		p.Coverage = &c
	}
	if err := fromJSON(unassigned, &p.Unassigned); err != nil {
		return p, err
	}
	if equity.Valid {
		v := equity.Float64
		p.EquityCoverageScore = &v
	}
	p.OptimizedAt = timePtr(optimizedAt)
	p.ApprovedAt = timePtr(approvedAt)
	p.StartedAt = timePtr(startedAt)
	p.CompletedAt = timePtr(doneAt)
	return p, nil
}

func (p *Postgres) CreatePlan(ctx context.Context, rp model.RoutePlan) (model.RoutePlan, error) {
	if rp.ID == "" {
		rp.ID = uuid.New().String()
	}
	rp.Status = model.PlanDraft
	rp.Version = 1
	if rp.CreatedAt.IsZero() {
		rp.CreatedAt = time.Now().UTC()
	}
	locIDs, err := toJSON(append([]string{}, rp.LocationIDs...))
	if err != nil {
		return rp, err
	}
	resIDs, err := toJSON(append([]string{}, rp.ResourceIDs...))
	if err != nil {
		return rp, err
	}
	var optCfg any
	if rp.OptimizationConfig != nil {
		js, err := toJSON(rp.OptimizationConfig)
		if err != nil {
			return rp, err
		}
		optCfg = js
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO route_plans (id, plan_date, team_id, status, version, location_ids, resource_ids, optimization_config, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rp.ID, rp.PlanDate, nullIfEmpty(rp.TeamID), string(rp.Status), rp.Version, locIDs, resIDs, optCfg, rp.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return model.RoutePlan{}, conflict("route plan %s already exists", rp.ID)
		}
		return model.RoutePlan{}, err
	}
	return rp, nil
}

func (p *Postgres) GetPlan(ctx context.Context, id string) (model.RoutePlan, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.RoutePlan{}, notFound("route plan", id)
	}
	rp, err := scanPlan(p.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM route_plans WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rp, notFound("route plan", id)
		}
		return rp, err
	}
	rp.Assignments, err = p.loadAssignments(ctx, id)
	return rp, err
}

func (p *Postgres) ListPlans(ctx context.Context, planDate string) ([]model.RoutePlan, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if planDate == "" {
		rows, err = p.db.QueryContext(ctx, `SELECT `+planColumns+` FROM route_plans ORDER BY created_at, id`)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT `+planColumns+` FROM route_plans WHERE plan_date=$1 ORDER BY created_at, id`, planDate)
	}
	if err != nil {
		return nil, err
	}
	out := []model.RoutePlan{}
	for rows.Next() {
		rp, err := scanPlan(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, rp)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Assignments, err = p.loadAssignments(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const stopColumns = `id::text, stop_sequence, visit_location_id, estimated_arrival, estimated_departure, travel_meters,
	priority_score, COALESCE(priority_label, ''), core20, status, actual_arrival, actual_departure, COALESCE(notes, '')`

func scanStop(r rowScanner) (model.RouteStop, error) {
	var (
		s                  model.RouteStop
		actArr, actDep     sql.NullTime
	)
	if err := r.Scan(&s.ID, &s.Sequence, &s.VisitLocationID, &s.EstimatedArrival, &s.EstimatedDeparture, &s.TravelMeters,
		&s.PriorityScore, &s.PriorityLabel, &s.Core20, &s.Status, &actArr, &actDep, &s.Notes); err != nil {
		return s, err
	}
	s.EstimatedArrival = s.EstimatedArrival.UTC()
	s.EstimatedDeparture = s.EstimatedDeparture.UTC()
	s.ActualArrival = timePtr(actArr)
	s.ActualDeparture = timePtr(actDep)
	return s, nil
}

func (p *Postgres) loadAssignments(ctx context.Context, planID string) ([]model.RouteAssignment, error) {
	return loadAssignments(ctx, p.db, planID)
}

func loadAssignments(ctx context.Context, q querier, planID string) ([]model.RouteAssignment, error) {
	rows, err := q.QueryContext(ctx, `SELECT id::text, resource_id, sequence_count, total_distance_km, total_duration_minutes, estimated_start, estimated_end, total_priority_score, core20_visits_count
		FROM route_assignments WHERE plan_id=$1 ORDER BY resource_id`, planID)
	if err != nil {
		return nil, err
	}
	var out []model.RouteAssignment
	index := map[string]int{}
	for rows.Next() {
		var a model.RouteAssignment
		if err := rows.Scan(&a.ID, &a.ResourceID, &a.SequenceCount, &a.TotalDistanceKm, &a.TotalDurationMinutes, &a.EstimatedStart, &a.EstimatedEnd, &a.TotalPriorityScore, &a.Core20VisitsCount); err != nil {
			rows.Close()
			return nil, err
		}
		a.EstimatedStart = a.EstimatedStart.UTC()
		a.EstimatedEnd = a.EstimatedEnd.UTC()
		index[a.ID] = len(out)
		out = append(out, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}

	rows, err = q.QueryContext(ctx, `SELECT assignment_id::text, `+stopColumns+` FROM route_stops WHERE plan_id=$1 ORDER BY assignment_id, stop_sequence`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var aid string
		s, err := scanStop(prefixScanner{rows: rows, first: &aid})
		if err != nil {
			return nil, err
		}
		if i, ok := index[aid]; ok {
			out[i].Stops = append(out[i].Stops, s)
		}
	}
	return out, rows.Err()
}

// prefixScanner scans one leading column into first and the rest into the
// caller's destinations.
type prefixScanner struct {
	rows  *sql.Rows
	first *string
}

func (ps prefixScanner) Scan(dest ...any) error {
	return ps.rows.Scan(append([]any{ps.first}, dest...)...)
}

// lockPlan reads status and version under a row lock.
func lockPlan(ctx context.Context, tx *sql.Tx, id string) (model.RoutePlan, error) {
	var rp model.RoutePlan
	if _, err := uuid.Parse(id); err != nil {
		return rp, notFound("route plan", id)
	}
	err := tx.QueryRowContext(ctx, `SELECT id::text, status, version FROM route_plans WHERE id=$1 FOR UPDATE`, id).Scan(&rp.ID, &rp.Status, &rp.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return rp, notFound("route plan", id)
	}
	return rp, err
}

func checkPlan(rp model.RoutePlan, expectedVersion int, to model.PlanStatus) error {
	if rp.Version != expectedVersion {
		return conflict("route plan %s is at version %d, expected %d", rp.ID, rp.Version, expectedVersion)
	}
	if !rp.Status.CanTransition(to) {
		return conflict("route plan %s cannot move from %s to %s", rp.ID, rp.Status, to)
	}
	return nil
}

func (p *Postgres) SavePlanResult(ctx context.Context, id string, expectedVersion int, res model.PlanResult) (model.RoutePlan, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.RoutePlan{}, err
	}
	defer func() { _ = tx.Rollback() }()

	rp, err := lockPlan(ctx, tx, id)
	if err != nil {
		return model.RoutePlan{}, err
	}
	if err := checkPlan(rp, expectedVersion, model.PlanOptimized); err != nil {
		return model.RoutePlan{}, err
	}
	applyResult(&rp, res)

	if _, err := tx.ExecContext(ctx, `DELETE FROM route_assignments WHERE plan_id=$1`, id); err != nil {
		return model.RoutePlan{}, err
	}
	for _, a := range rp.Assignments {
		if _, err := tx.ExecContext(ctx, `INSERT INTO route_assignments (id, plan_id, resource_id, sequence_count, total_distance_km, total_duration_minutes, estimated_start, estimated_end, total_priority_score, core20_visits_count)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			a.ID, id, a.ResourceID, a.SequenceCount, a.TotalDistanceKm, a.TotalDurationMinutes, a.EstimatedStart, a.EstimatedEnd, a.TotalPriorityScore, a.Core20VisitsCount); err != nil {
			return model.RoutePlan{}, err
		}
		for _, s := range a.Stops {
			if _, err := tx.ExecContext(ctx, `INSERT INTO route_stops (id, assignment_id, plan_id, stop_sequence, visit_location_id, estimated_arrival, estimated_departure, travel_meters, priority_score, priority_label, core20, status)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
				s.ID, a.ID, id, s.Sequence, s.VisitLocationID, s.EstimatedArrival, s.EstimatedDeparture, s.TravelMeters, s.PriorityScore, nullIfEmpty(string(s.PriorityLabel)), s.Core20, string(s.Status)); err != nil {
				return model.RoutePlan{}, err
			}
		}
	}
	optCfg, err := toJSON(rp.OptimizationConfig)
	if err != nil {
		return model.RoutePlan{}, err
	}
	cov, err := toJSON(rp.Coverage)
	if err != nil {
		return model.RoutePlan{}, err
	}
	unassigned, err := toJSON(append([]model.Unassigned{}, rp.Unassigned...))
	if err != nil {
		return model.RoutePlan{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE route_plans SET status=$2, version=$3, optimization_config=$4, total_resources=$5, total_visits=$6,
		total_distance_km=$7, total_duration_minutes=$8, equity_coverage_score=$9, coverage=$10, unassigned=$11, optimized_at=$12 WHERE id=$1`,
		id, string(rp.Status), rp.Version, optCfg, rp.TotalResources, rp.TotalVisits, rp.TotalDistanceKm, rp.TotalDurationMinutes,
		nullable(rp.EquityCoverageScore), cov, unassigned, nullable(rp.OptimizedAt)); err != nil {
		return model.RoutePlan{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.RoutePlan{}, err
	}
	return p.GetPlan(ctx, id)
}

func (p *Postgres) TransitionPlan(ctx context.Context, id string, expectedVersion int, to model.PlanStatus, by string, at time.Time) (model.RoutePlan, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.RoutePlan{}, err
	}
	defer func() { _ = tx.Rollback() }()

	rp, err := lockPlan(ctx, tx, id)
	if err != nil {
		return model.RoutePlan{}, err
	}
	if err := checkPlan(rp, expectedVersion, to); err != nil {
		return model.RoutePlan{}, err
	}
	applyTransition(&rp, to, by, at)
	if _, err := tx.ExecContext(ctx, `UPDATE route_plans SET status=$2, version=$3,
		approved_at=COALESCE($4, approved_at), approved_by=COALESCE($5, approved_by),
		started_at=COALESCE($6, started_at), completed_at=COALESCE($7, completed_at) WHERE id=$1`,
		id, string(rp.Status), rp.Version, nullable(rp.ApprovedAt), nullIfEmpty(rp.ApprovedBy), nullable(rp.StartedAt), nullable(rp.CompletedAt)); err != nil {
		return model.RoutePlan{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.RoutePlan{}, err
	}
	return p.GetPlan(ctx, id)
}

func (p *Postgres) UpdateStop(ctx context.Context, planID, stopID string, upd model.StopUpdate) (model.RouteStop, error) {
	if _, err := uuid.Parse(stopID); err != nil {
		return model.RouteStop{}, notFound("route stop", stopID)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.RouteStop{}, err
	}
	defer func() { _ = tx.Rollback() }()

	rp, err := lockPlan(ctx, tx, planID)
	if err != nil {
		return model.RouteStop{}, err
	}
	if !rp.Status.InExecution() {
		return model.RouteStop{}, conflict("stops of route plan %s can only change while APPROVED or IN_PROGRESS, plan is %s", planID, rp.Status)
	}
	st, err := scanStop(tx.QueryRowContext(ctx, `SELECT `+stopColumns+` FROM route_stops WHERE id=$1 AND plan_id=$2 FOR UPDATE`, stopID, planID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RouteStop{}, notFound("route stop", stopID)
		}
		return model.RouteStop{}, err
	}
	if err := applyStopUpdate(&st, upd); err != nil {
		return model.RouteStop{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE route_stops SET status=$2, actual_arrival=$3, actual_departure=$4, notes=$5 WHERE id=$1`,
		stopID, string(st.Status), nullable(st.ActualArrival), nullable(st.ActualDeparture), nullIfEmpty(st.Notes)); err != nil {
		return model.RouteStop{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.RouteStop{}, err
	}
	return st, nil
}
