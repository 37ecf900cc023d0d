package config

import (
	"errors"
	"fmt"
	"strings"
)

func validate(cfg Config) error {
	var errs []error

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", cfg.Server.Port))
	}
	switch strings.ToLower(cfg.Storage.VectorBackend) {
	case BackendSQLite:
	case BackendPostgres:
		if cfg.Secrets.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.vector_backend is postgres but no DSN is set; set TENANTBOT_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.vector_backend %q (want sqlite or postgres)", cfg.Storage.VectorBackend))
	}
	if cfg.Retrieval.Dimension < 1 {
		errs = append(errs, errors.New("retrieval.dimension must be positive"))
	}
	if cfg.LLM.Timeout <= 0 {
		errs = append(errs, errors.New("llm.timeout must be positive"))
	}
	if cfg.Queue.MaxAttempts < 1 {
		errs = append(errs, errors.New("queue.max_attempts must be at least 1"))
	}
	return errors.Join(errs...)
}
