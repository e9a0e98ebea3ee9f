package app

import (
	"errors"
	"slices"
)

// ValidateSecurityConfig rejects configurations that would weaken the HTTP surface.
// It runs at startup so a bad deployment fails fast instead of serving.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.CORSAllowCredentials && slices.Contains(cfg.CORSAllowedOrigins, "*") {
		return errors.New("security policy: WB_CORS_ALLOW_CREDENTIALS=true cannot be combined with WB_CORS_ALLOWED_ORIGINS=*")
	}
	if cfg.ReadinessRequireDB && cfg.DatabaseURL == "" {
		return errors.New("config: WB_READINESS_REQUIRE_DB=true but WB_DATABASE_URL is empty")
	}
	if cfg.MaxShapes < 0 {
		return errors.New("config: WB_MAX_SHAPES must not be negative")
	}
	return nil
}
