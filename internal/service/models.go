package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"equiroute/internal/apperr"
	"equiroute/internal/dex"
	"equiroute/internal/metrics"
	"equiroute/internal/store"
)

// Models manages versioned, immutable model configurations.
type Models struct {
	store store.Store
	log   *zap.Logger
	now   func() time.Time
}

func NewModels(st store.Store, log *zap.Logger) *Models {
	if log == nil {
		log = zap.NewNop()
	}
	return &Models{store: st, log: log, now: time.Now}
}

func (m *Models) Create(ctx context.Context, cfg dex.ModelConfig) (dex.ModelConfig, error) {
	if cfg.Version == "" {
		return dex.ModelConfig{}, apperr.Validation("version", "is required")
	}
	cfg.IsActive = false
	cfg.ActivatedAt = nil
	cfg.ActivatedBy = ""
	if err := cfg.Validate(); err != nil {
		return dex.ModelConfig{}, err
	}
	return m.store.CreateModelConfig(ctx, cfg)
}

func (m *Models) Get(ctx context.Context, version string) (dex.ModelConfig, error) {
	return m.store.GetModelConfig(ctx, version)
}

func (m *Models) List(ctx context.Context) ([]dex.ModelConfig, error) {
	return m.store.ListModelConfigs(ctx)
}

// Active returns the active configuration or a ConfigurationError.
func (m *Models) Active(ctx context.Context) (dex.ModelConfig, error) {
	return activeConfig(ctx, m.store)
}

func (m *Models) Activations(ctx context.Context) ([]store.Activation, error) {
	return m.store.ListActivations(ctx)
}

// Activate makes version the active configuration if the currently active
// one is still expectedActive ("" when none). Losing callers get a
// ConflictError and should re-read before retrying.
func (m *Models) Activate(ctx context.Context, version, expectedActive, by string) (dex.ModelConfig, error) {
	if version == "" {
		return dex.ModelConfig{}, apperr.Validation("version", "is required")
	}
	if by == "" {
		by = "system"
	}
	cfg, err := m.store.ActivateModelConfig(ctx, version, expectedActive, by, m.now())
	if err != nil {
		return dex.ModelConfig{}, err
	}
	if expectedActive != version {
		metrics.ModelActivations.Inc()
		m.log.Info("model configuration activated",
			zap.String("version", version),
			zap.String("previous", expectedActive),
			zap.String("activated_by", by),
		)
	}
	return cfg, nil
}

// Seed installs a model configuration at startup when none is active. The
// configuration comes from path when set, otherwise the built-in default.
func (m *Models) Seed(ctx context.Context, path string) (dex.ModelConfig, error) {
	if cur, err := m.store.GetActiveModelConfig(ctx); err == nil {
		return cur, nil
	} else if !isNotFound(err) {
		return dex.ModelConfig{}, err
	}
	cfg := dex.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = dex.LoadConfigFile(path); err != nil {
			return dex.ModelConfig{}, err
		}
	}
	if _, err := m.Create(ctx, cfg); err != nil && apperr.KindOf(err) != apperr.KindConflict {
		return dex.ModelConfig{}, err
	}
	return m.Activate(ctx, cfg.Version, "", "seed")
}
