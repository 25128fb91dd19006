package app

import (
	"github.com/lumenbio/biograph-backend/internal/platform/envutil"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

// Config holds the process-level settings. Subsystem settings (warehouse,
// graph store, models, retrieval) are read by their own packages from the
// environment; only values the app wiring itself needs live here.
type Config struct {
	Port        string
	Environment string
	Version     string

	Vector VectorProviderConfig
}

func LoadConfig(log *logger.Logger) (Config, error) {
	vectorCfg, err := resolveVectorProviderConfig()
	if err != nil {
		return Config{}, err
	}
	if log != nil {
		log.Info("Resolved vector provider",
			"provider", string(vectorCfg.Provider),
			"source", vectorCfg.Source)
	}
	return Config{
		Port:        envutil.String("PORT", "8080"),
		Environment: envutil.String("ENVIRONMENT", "development"),
		Version:     envutil.String("VERSION", "dev"),
		Vector:      vectorCfg,
	}, nil
}
