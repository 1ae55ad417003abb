package config

import (
	"strings"
	"time"
)

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment    string
	Addr           string
	ManagementAddr string
	DatabaseURL    string
	MigrationsDir  string

	AuthEnabled          bool
	DevOrganisation      string
	GitHubOIDCIssuer     string
	GitHubOIDCAudience   string
	GitHubAPIURL         string
	GitHubAPIVersion     string
	AllowedOrganisations []string
	JWKSCacheTTL         time.Duration
	OrgCacheTTL          time.Duration
	GitHubTimeout        time.Duration

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:    GetString("APP_ENV", "development"),
		Addr:           GetString("API_ADDR", ":8000"),
		ManagementAddr: GetString("MANAGEMENT_ADDR", ":9090"),
		DatabaseURL:    GetString("DATABASE_URL", "postgres://depq:depq@db:5432/depq?sslmode=disable"),
		MigrationsDir:  GetString("DB_MIGRATIONS_DIR", "db/migrations"),

		AuthEnabled:          GetBool("AUTH_ENABLED", true),
		DevOrganisation:      GetString("DEV_ORGANISATION", "dev"),
		GitHubOIDCIssuer:     GetString("GITHUB_OIDC_ISSUER", "https://token.actions.githubusercontent.com"),
		GitHubOIDCAudience:   GetString("GITHUB_OIDC_AUDIENCE", ""),
		GitHubAPIURL:         GetString("GITHUB_API_URL", "https://api.github.com"),
		GitHubAPIVersion:     GetString("GITHUB_API_VERSION", "2022-11-28"),
		AllowedOrganisations: splitList(GetString("ALLOWED_ORGANISATIONS", "")),
		JWKSCacheTTL:         time.Duration(GetInt("JWKS_CACHE_TTL_MINUTES", 60)) * time.Minute,
		OrgCacheTTL:          time.Duration(GetInt("ORG_CACHE_TTL_MINUTES", 5)) * time.Minute,
		GitHubTimeout:        time.Duration(GetInt("GITHUB_TIMEOUT_SECONDS", 10)) * time.Second,

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
