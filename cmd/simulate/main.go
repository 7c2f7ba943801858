package main

import (
	"log/slog"
	"os"

	"github.com/coldbell/autorepay/internal/autorepay"
	"github.com/coldbell/autorepay/internal/config"
	"github.com/coldbell/autorepay/internal/logging"
	"github.com/coldbell/autorepay/internal/scenario"
	_ "github.com/joho/godotenv/autoload"
)

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadSimulateConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("simulate", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}

	code := run(cfg, logger)
	if closeErr := closeLogger(); closeErr != nil {
		bootstrapLogger.Error("failed to close logger", "err", closeErr)
	}
	os.Exit(code)
}

func run(cfg config.SimulateConfig, logger *slog.Logger) int {
	if source, sourceErr := config.CurrentConfigSource(); sourceErr == nil {
		logger.Info("configuration loaded", "phase", source.Phase, "path", source.Path, "loaded", source.Loaded)
	}

	fixtures, err := loadFixtures(cfg.ScenarioPath)
	if err != nil {
		logger.Error("failed to load scenarios", "path", cfg.ScenarioPath, "err", err)
		return 1
	}
	programs := autorepay.NewProgram(
		cfg.Programs.AutoRepayProgramID,
		cfg.Programs.ExchangeProgramID,
		cfg.Programs.AggregatorProgramID,
	)

	failed := 0
	for _, f := range fixtures {
		f.Programs = programs
		if !simulate(logger.With("scenario", f.Name), f) {
			failed++
		}
	}
	logger.Info("simulation finished", "scenarios", len(fixtures), "failed", failed)
	if failed > 0 {
		return 1
	}
	return 0
}

func loadFixtures(path string) ([]*scenario.Fixture, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return scenario.LoadFixtures(path)
	}
	f, err := scenario.LoadFixture(path)
	if err != nil {
		return nil, err
	}
	return []*scenario.Fixture{f}, nil
}

func simulate(logger *slog.Logger, f *scenario.Fixture) bool {
	_, out, err := scenario.Run(logger, f)
	if err != nil {
		logger.Error("failed to run scenario", "err", err)
		return false
	}

	attrs := []any{
		"committed", out.Committed(),
		"caller_balance", out.CallerBalance,
		"collateral", out.Collateral,
		"borrow", out.Borrow,
	}
	if out.PreHealth != nil {
		attrs = append(attrs, "pre_health", out.PreHealth.Buffered)
	}
	if out.PostHealth != nil {
		attrs = append(attrs, "post_health", out.PostHealth.Buffered)
	}
	if !out.Committed() {
		attrs = append(attrs, "instruction", out.Index, "error", out.ErrorName)
	}
	logger.Info("batch processed", attrs...)
	for _, line := range out.Logs {
		logger.Debug("program log", "line", line)
	}

	if err := f.Check(out); err != nil {
		logger.Error("scenario expectation failed", "err", err)
		return false
	}
	return true
}
