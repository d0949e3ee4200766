package extension

import "time"

// Config holds the entitle extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.entitle" or "entitle" keys).
type Config struct {
	// DisableRoutes prevents the admin HTTP handler from being built.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// BasePath is the URL prefix for admin routes (default: "/entitle").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// PublicBaseURL is the base of public subject links sent in
	// notifications.
	PublicBaseURL string `json:"public_base_url" mapstructure:"public_base_url" yaml:"public_base_url"`

	// DispatchInterval is how often the outbox worker polls (default: 5s).
	DispatchInterval time.Duration `json:"dispatch_interval" mapstructure:"dispatch_interval" yaml:"dispatch_interval"`

	// DispatchBatchSize caps messages claimed per poll (default: 50).
	DispatchBatchSize int `json:"dispatch_batch_size" mapstructure:"dispatch_batch_size" yaml:"dispatch_batch_size"`

	// MaxAttempts is the delivery attempt limit before a message is
	// dead-lettered (default: 8).
	MaxAttempts int `json:"max_attempts" mapstructure:"max_attempts" yaml:"max_attempts"`

	// CallTimeout bounds each artifact or notification call (default: 30s).
	CallTimeout time.Duration `json:"call_timeout" mapstructure:"call_timeout" yaml:"call_timeout"`

	// ReconcileInterval schedules background reconciliation. Zero disables
	// the scheduler; passes can still be triggered through the API.
	ReconcileInterval time.Duration `json:"reconcile_interval" mapstructure:"reconcile_interval" yaml:"reconcile_interval"`

	// GraceDays is how long after the last payment a recurring subject stays
	// entitled without an active subscription (default: 30).
	GraceDays int `json:"grace_days" mapstructure:"grace_days" yaml:"grace_days"`

	// LeaseTTL bounds how long one reconciliation pass may hold the lease
	// (default: 10m).
	LeaseTTL time.Duration `json:"lease_ttl" mapstructure:"lease_ttl" yaml:"lease_ttl"`

	// GroveDatabase is the name of a grove.DB registered in the DI container.
	// When set, the extension resolves this named database and builds the
	// store that matches its driver (pg, sqlite or mongo). When empty and
	// WithGroveDatabase was called, the default (unnamed) DB is used.
	GroveDatabase string `json:"grove_database" mapstructure:"grove_database" yaml:"grove_database"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BasePath:          "/entitle",
		DispatchInterval:  5 * time.Second,
		DispatchBatchSize: 50,
		MaxAttempts:       8,
		CallTimeout:       30 * time.Second,
		GraceDays:         30,
		LeaseTTL:          10 * time.Minute,
	}
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.BasePath == "" {
		cfg.BasePath = defaults.BasePath
	}
	if cfg.DispatchInterval == 0 {
		cfg.DispatchInterval = defaults.DispatchInterval
	}
	if cfg.DispatchBatchSize == 0 {
		cfg.DispatchBatchSize = defaults.DispatchBatchSize
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = defaults.CallTimeout
	}
	if cfg.GraceDays == 0 {
		cfg.GraceDays = defaults.GraceDays
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = defaults.LeaseTTL
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic bool flags fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableRoutes {
		yamlConfig.DisableRoutes = true
	}
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}

	// String fields: YAML takes precedence.
	if yamlConfig.BasePath == "" {
		yamlConfig.BasePath = programmaticConfig.BasePath
	}
	if yamlConfig.PublicBaseURL == "" {
		yamlConfig.PublicBaseURL = programmaticConfig.PublicBaseURL
	}
	if yamlConfig.GroveDatabase == "" {
		yamlConfig.GroveDatabase = programmaticConfig.GroveDatabase
	}

	// Duration/int fields: YAML takes precedence, programmatic fills gaps.
	if yamlConfig.DispatchInterval == 0 {
		yamlConfig.DispatchInterval = programmaticConfig.DispatchInterval
	}
	if yamlConfig.DispatchBatchSize == 0 {
		yamlConfig.DispatchBatchSize = programmaticConfig.DispatchBatchSize
	}
	if yamlConfig.MaxAttempts == 0 {
		yamlConfig.MaxAttempts = programmaticConfig.MaxAttempts
	}
	if yamlConfig.CallTimeout == 0 {
		yamlConfig.CallTimeout = programmaticConfig.CallTimeout
	}
	if yamlConfig.ReconcileInterval == 0 {
		yamlConfig.ReconcileInterval = programmaticConfig.ReconcileInterval
	}
	if yamlConfig.GraceDays == 0 {
		yamlConfig.GraceDays = programmaticConfig.GraceDays
	}
	if yamlConfig.LeaseTTL == 0 {
		yamlConfig.LeaseTTL = programmaticConfig.LeaseTTL
	}

	// Fill remaining zeros with defaults.
	return mergeWithDefaults(yamlConfig)
}
