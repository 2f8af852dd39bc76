// Package commands implements the equiroute CLI subcommands.
package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"equiroute/internal/app"
	"equiroute/internal/config"
	"equiroute/internal/ingest"
	"equiroute/internal/model"
)

// AppContext is shared by every command. The store is opened on first use
// so offline commands never connect to anything.
type AppContext struct {
	Cfg    config.Config
	Logger *zap.Logger

	app *app.App
}

// Open wires the configured store and services and seeds the model
// configuration when enabled.
func (a *AppContext) Open(ctx context.Context) (*app.App, error) {
	if a.app != nil {
		return a.app, nil
	}
	built, err := app.New(ctx, a.Cfg, a.Logger)
	if err != nil {
		return nil, err
	}
	if err := built.Seed(ctx, a.Cfg, a.Logger); err != nil {
		_ = built.Close()
		return nil, err
	}
	a.app = built
	return built, nil
}

func (a *AppContext) Close() {
	if a.app != nil {
		_ = a.app.Close()
		a.app = nil
	}
}

// readIndicators loads bundles from a .csv or .xlsx file.
func readIndicators(path, sheet string) ([]model.IndicatorBundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open indicators: %w", err)
	}
	defer f.Close()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ingest.ReadIndicatorsCSV(f)
	case ".xlsx":
		return ingest.ReadIndicatorsXLSX(f, sheet)
	}
	return nil, fmt.Errorf("%s: unsupported indicator file, want .csv or .xlsx", path)
}
