package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"equiroute/internal/apperr"
	"equiroute/internal/dex"
	"equiroute/internal/model"
)

// Memory is an in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu          sync.Mutex
	bundles     map[string]model.IndicatorBundle // unit|period -> bundle
	configs     map[string]dex.ModelConfig       // version -> config
	active      string
	activations []Activation
	scores      map[string]model.PriorityScore // unit|date|version -> score
	locations   map[string]model.VisitLocation
	resources   map[string]model.Resource
	plans       map[string]model.RoutePlan
}

func NewMemory() *Memory {
	return &Memory{
		bundles:   map[string]model.IndicatorBundle{},
		configs:   map[string]dex.ModelConfig{},
		scores:    map[string]model.PriorityScore{},
		locations: map[string]model.VisitLocation{},
		resources: map[string]model.Resource{},
		plans:     map[string]model.RoutePlan{},
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func key(parts ...string) string {
	k := ""
	for i, p := range parts {
		if i > 0 {
			k += "|"
		}
		k += p
	}
	return k
}

func (m *Memory) SaveIndicatorBundle(_ context.Context, b model.IndicatorBundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(b.UnitID, b.Period)
	if _, ok := m.bundles[k]; ok {
		return conflict("indicator bundle for %s period %s already recorded", b.UnitID, b.Period)
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	m.bundles[k] = cloneBundle(b)
	return nil
}

func (m *Memory) LatestIndicatorBundle(_ context.Context, unitID, asOf string) (model.IndicatorBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *model.IndicatorBundle
	for _, b := range m.bundles {
		if b.UnitID != unitID || (asOf != "" && b.RecordedFor > asOf) {
			continue
		}
		if best == nil || b.RecordedFor > best.RecordedFor || (b.RecordedFor == best.RecordedFor && b.Period > best.Period) {
			bb := b
			best = &bb
		}
	}
	if best == nil {
		return model.IndicatorBundle{}, notFound("indicator bundle for unit", unitID)
	}
	return cloneBundle(*best), nil
}

func (m *Memory) ListUnitIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	out := []string{}
	for _, b := range m.bundles {
		if !seen[b.UnitID] {
			seen[b.UnitID] = true
			out = append(out, b.UnitID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) CreateModelConfig(_ context.Context, cfg dex.ModelConfig) (dex.ModelConfig, error) {
	if err := cfg.Validate(); err != nil {
		return dex.ModelConfig{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[cfg.Version]; ok {
		return dex.ModelConfig{}, conflict("model configuration %s already exists", cfg.Version)
	}
	cfg.IsActive = false
	cfg.ActivatedAt = nil
	cfg.ActivatedBy = ""
	cfg.CreatedAt = time.Now().UTC()
	m.configs[cfg.Version] = cloneConfig(cfg)
	return cloneConfig(cfg), nil
}

func (m *Memory) GetModelConfig(_ context.Context, version string) (dex.ModelConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[version]
	if !ok {
		return dex.ModelConfig{}, notFound("model configuration", version)
	}
	return cloneConfig(c), nil
}

func (m *Memory) ListModelConfigs(context.Context) ([]dex.ModelConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]dex.ModelConfig, 0, len(m.configs))
	for _, c := range m.configs {
		out = append(out, cloneConfig(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (m *Memory) GetActiveModelConfig(context.Context) (dex.ModelConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == "" {
		return dex.ModelConfig{}, apperr.Wrap(apperr.KindNotFound, ErrNotFound, "no active model configuration")
	}
	return cloneConfig(m.configs[m.active]), nil
}

// ActivateModelConfig swaps the active flag only when the current active
// version equals expectedActive ("" for none).
func (m *Memory) ActivateModelConfig(_ context.Context, version, expectedActive, by string, at time.Time) (dex.ModelConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[version]
	if !ok {
		return dex.ModelConfig{}, notFound("model configuration", version)
	}
	if m.active != expectedActive {
		return dex.ModelConfig{}, conflict("active model configuration is %q, expected %q", m.active, expectedActive)
	}
	if m.active == version {
		return cloneConfig(c), nil
	}
	if prev, ok := m.configs[m.active]; ok {
		prev.IsActive = false
		m.configs[m.active] = prev
	}
	at = at.UTC()
	c.IsActive = true
	c.ActivatedAt = &at
	c.ActivatedBy = by
	m.configs[version] = c
	m.activations = append(m.activations, Activation{Version: version, PreviousVersion: m.active, ActivatedBy: by, ActivatedAt: at})
	m.active = version
	return cloneConfig(c), nil
}

func (m *Memory) ListActivations(context.Context) ([]Activation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Activation{}, m.activations...), nil
}

func (m *Memory) SavePriorityScore(_ context.Context, ps model.PriorityScore) (model.PriorityScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(ps.UnitID, ps.CalculationDate, ps.ModelVersion)
	if _, ok := m.scores[k]; ok {
		return model.PriorityScore{}, conflict("priority score for %s on %s with model %s already exists", ps.UnitID, ps.CalculationDate, ps.ModelVersion)
	}
	if ps.ID == "" {
		ps.ID = uuid.New().String()
	}
	if ps.CreatedAt.IsZero() {
		ps.CreatedAt = time.Now().UTC()
	}
	m.scores[k] = cloneScore(ps)
	return cloneScore(ps), nil
}

func (m *Memory) GetPriorityScore(_ context.Context, unitID, date, version string) (model.PriorityScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.scores[key(unitID, date, version)]
	if !ok {
		return model.PriorityScore{}, notFound("priority score for unit", unitID)
	}
	return cloneScore(ps), nil
}

func newerScore(a, b model.PriorityScore) bool {
	if a.CalculationDate != b.CalculationDate {
		return a.CalculationDate > b.CalculationDate
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func (m *Memory) LatestPriorityScore(_ context.Context, unitID, asOf string) (model.PriorityScore, error) {
	hist, _ := m.PriorityHistory(context.Background(), unitID, 0)
	for _, ps := range hist {
		if asOf == "" || ps.CalculationDate <= asOf {
			return ps, nil
		}
	}
	return model.PriorityScore{}, notFound("priority score for unit", unitID)
}

func (m *Memory) PriorityHistory(_ context.Context, unitID string, limit int) ([]model.PriorityScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.PriorityScore{}
	for _, ps := range m.scores {
		if ps.UnitID == unitID {
			out = append(out, cloneScore(ps))
		}
	}
	sort.Slice(out, func(i, j int) bool { return newerScore(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListPriorityScores(_ context.Context, f PriorityFilter) ([]model.PriorityScore, int, error) {
	m.mu.Lock()
	latest := map[string]model.PriorityScore{}
	for _, ps := range m.scores {
		if cur, ok := latest[ps.UnitID]; !ok || newerScore(ps, cur) {
			latest[ps.UnitID] = ps
		}
	}
	m.mu.Unlock()

	out := []model.PriorityScore{}
	for _, ps := range latest {
		if f.match(ps) {
			out = append(out, cloneScore(ps))
		}
	}
	sortScores(out, f.Sort)
	return page(out, f.Offset, f.Limit), len(out), nil
}

func sortScores(out []model.PriorityScore, by string) {
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch by {
		case "unit":
			return a.UnitID < b.UnitID
		case "score_asc":
			if a.PriorityScore != b.PriorityScore {
				return a.PriorityScore < b.PriorityScore
			}
		default:
			if a.PriorityScore != b.PriorityScore {
				return a.PriorityScore > b.PriorityScore
			}
		}
		return a.UnitID < b.UnitID
	})
}

func page[T any](in []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(in) {
		return []T{}
	}
	in = in[offset:]
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}

func (m *Memory) UpsertVisitLocation(_ context.Context, l model.VisitLocation) (model.VisitLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	m.locations[l.ID] = cloneLocation(l)
	return cloneLocation(l), nil
}

func (m *Memory) GetVisitLocations(_ context.Context, ids []string) ([]model.VisitLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.VisitLocation, 0, len(ids))
	for _, id := range ids {
		l, ok := m.locations[id]
		if !ok {
			return nil, notFound("visit location", id)
		}
		out = append(out, cloneLocation(l))
	}
	return out, nil
}

func (m *Memory) ListVisitLocations(_ context.Context, activeOnly bool) ([]model.VisitLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.VisitLocation{}
	for _, l := range m.locations {
		if !activeOnly || l.IsActive {
			out = append(out, cloneLocation(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertResource(_ context.Context, r model.Resource) (model.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	m.resources[r.ID] = cloneResource(r)
	return cloneResource(r), nil
}

func (m *Memory) GetResources(_ context.Context, ids []string) ([]model.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Resource, 0, len(ids))
	for _, id := range ids {
		r, ok := m.resources[id]
		if !ok {
			return nil, notFound("resource", id)
		}
		out = append(out, cloneResource(r))
	}
	return out, nil
}

func (m *Memory) ListResources(_ context.Context, teamID string) ([]model.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Resource{}
	for _, r := range m.resources {
		if teamID == "" || r.TeamID == teamID {
			out = append(out, cloneResource(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreatePlan(_ context.Context, p model.RoutePlan) (model.RoutePlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if _, ok := m.plans[p.ID]; ok {
		return model.RoutePlan{}, conflict("route plan %s already exists", p.ID)
	}
	p.Status = model.PlanDraft
	p.Version = 1
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.plans[p.ID] = clonePlan(p)
	return clonePlan(p), nil
}

func (m *Memory) GetPlan(_ context.Context, id string) (model.RoutePlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return model.RoutePlan{}, notFound("route plan", id)
	}
	return clonePlan(p), nil
}

func (m *Memory) ListPlans(_ context.Context, planDate string) ([]model.RoutePlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.RoutePlan{}
	for _, p := range m.plans {
		if planDate == "" || p.PlanDate == planDate {
			out = append(out, clonePlan(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// checkVersion loads a plan for a compare-and-swap write. Callers hold mu.
func (m *Memory) checkVersion(id string, expectedVersion int, to model.PlanStatus) (model.RoutePlan, error) {
	p, ok := m.plans[id]
	if !ok {
		return model.RoutePlan{}, notFound("route plan", id)
	}
	if p.Version != expectedVersion {
		return model.RoutePlan{}, conflict("route plan %s is at version %d, expected %d", id, p.Version, expectedVersion)
	}
	if !p.Status.CanTransition(to) {
		return model.RoutePlan{}, conflict("route plan %s cannot move from %s to %s", id, p.Status, to)
	}
	return p, nil
}

func (m *Memory) SavePlanResult(_ context.Context, id string, expectedVersion int, res model.PlanResult) (model.RoutePlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.checkVersion(id, expectedVersion, model.PlanOptimized)
	if err != nil {
		return model.RoutePlan{}, err
	}
	applyResult(&p, res)
	m.plans[id] = clonePlan(p)
	return clonePlan(p), nil
}

func (m *Memory) TransitionPlan(_ context.Context, id string, expectedVersion int, to model.PlanStatus, by string, at time.Time) (model.RoutePlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.checkVersion(id, expectedVersion, to)
	if err != nil {
		return model.RoutePlan{}, err
	}
	applyTransition(&p, to, by, at)
	m.plans[id] = clonePlan(p)
	return clonePlan(p), nil
}

func (m *Memory) UpdateStop(_ context.Context, planID, stopID string, upd model.StopUpdate) (model.RouteStop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[planID]
	if !ok {
		return model.RouteStop{}, notFound("route plan", planID)
	}
	if !p.Status.InExecution() {
		return model.RouteStop{}, conflict("stops of route plan %s can only change while APPROVED or IN_PROGRESS, plan is %s", planID, p.Status)
	}
	for ai := range p.Assignments {
		for si := range p.Assignments[ai].Stops {
			st := &p.Assignments[ai].Stops[si]
			if st.ID != stopID {
				continue
			}
			if err := applyStopUpdate(st, upd); err != nil {
				return model.RouteStop{}, err
			}
			m.plans[planID] = p
			return *st, nil
		}
	}
	return model.RouteStop{}, notFound("route stop", stopID)
}
