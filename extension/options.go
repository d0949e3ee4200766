package extension

import (
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/lease"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/store"
)

// Option configures the entitle Forge extension.
type Option func(*Extension)

// WithStore sets the store for the engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithGroveDatabase sets the name of the grove.DB to resolve from the DI
// container. The extension builds the postgres, sqlite or mongo store that
// matches the grove driver. Pass an empty string to use the default
// (unnamed) grove.DB.
func WithGroveDatabase(name string) Option {
	return func(e *Extension) {
		e.config.GroveDatabase = name
		e.useGrove = true
	}
}

// WithEngineOption passes an entitle.Option through to the underlying engine.
func WithEngineOption(opt entitle.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers an entitle plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, entitle.WithPlugin(p))
	}
}

// WithLocker sets the lease provider shared by every replica.
func WithLocker(l lease.Locker) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, entitle.WithLocker(l))
	}
}

// WithArtifactGenerator sets the artifact generator collaborator.
func WithArtifactGenerator(g entitle.ArtifactGenerator) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, entitle.WithArtifactGenerator(g))
	}
}

// WithNotifier sets the notifier collaborator.
func WithNotifier(n entitle.Notifier) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, entitle.WithNotifier(n))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableRoutes prevents the admin HTTP handler from being built.
func WithDisableRoutes() Option {
	return func(e *Extension) { e.config.DisableRoutes = true }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithBasePath sets the URL prefix for admin routes.
func WithBasePath(path string) Option {
	return func(e *Extension) { e.config.BasePath = path }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithPublicBaseURL sets the base of public subject links.
func WithPublicBaseURL(base string) Option {
	return func(e *Extension) { e.config.PublicBaseURL = base }
}

// WithDispatchInterval sets how often the outbox worker polls.
func WithDispatchInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.DispatchInterval = d }
}

// WithReconcileInterval schedules background reconciliation.
func WithReconcileInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.ReconcileInterval = d }
}

// WithGraceDays sets the lapsed-payment grace period.
func WithGraceDays(days int) Option {
	return func(e *Extension) { e.config.GraceDays = days }
}
