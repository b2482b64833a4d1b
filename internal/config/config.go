package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
)

// Config is the process configuration, read from the environment.
type Config struct {
	Port         string `env:"PORT" envDefault:"8080"`
	DatabaseURL  string `env:"DATABASE_URL,required"`
	RedisURL     string `env:"REDIS_URL,required"`
	GatewayToken string `env:"GATEWAY_TOKEN,required"`

	Upstream struct {
		BaseURL  string        `env:"AREAPULSE_API_URL,required"`
		Timeout  time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"30s"`
		Email    string        `env:"AREAPULSE_EMAIL"`
		Password string        `env:"AREAPULSE_PASSWORD"`
	}

	// Optional GeoJSON FeatureCollection of district polygons keyed by bjd_code.
	RegionsGeoJSON string `env:"REGIONS_GEOJSON"`

	DefaultRadiusMeters int           `env:"DEFAULT_RADIUS_METERS" envDefault:"1000"`
	CategoryConcurrency int           `env:"CATEGORY_CONCURRENCY" envDefault:"4"`
	PointCacheTTL       time.Duration `env:"POINT_CACHE_TTL" envDefault:"10m"`
	MigrationsDir       string        `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	SessionKey          string        `env:"SESSION_KEY" envDefault:"areapulse:session"`
}

// AutoLogin reports whether credentials for a startup login are configured.
func (c *Config) AutoLogin() bool {
	return c.Upstream.Email != "" && c.Upstream.Password != ""
}

// Load parses the process environment.
func Load() (*Config, error) {
	return parse(env.Options{})
}

// LoadFrom parses the given variables instead of the process environment.
func LoadFrom(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg, opts); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.DefaultRadiusMeters <= 0 {
		return nil, fmt.Errorf("DEFAULT_RADIUS_METERS must be positive, got %d", cfg.DefaultRadiusMeters)
	}
	if cfg.Upstream.Timeout <= 0 {
		return nil, fmt.Errorf("UPSTREAM_TIMEOUT must be positive, got %s", cfg.Upstream.Timeout)
	}
	return cfg, nil
}
