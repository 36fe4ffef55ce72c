package configuration

import (
	"time"

	"github.com/koji-project/koji-scheduler/internal/common/database"
)

// Configuration holds everything the scheduler hub process needs at startup. It is loaded
// from a YAML file plus environment overrides by common.LoadConfig and validated with
// go-playground/validator before the hub does anything else; a failure here is a
// ConfigError and is fatal.
type Configuration struct {
	// Postgres connection settings for the scheduler database.
	Postgres database.PostgresConfig `validate:"required"`
	// Http carries the port the health/metrics endpoints are served on.
	Http HttpConfig

	// MaxJobsPerHost caps how many tasks a single host may receive in one tick
	// (Koji's "maxjobs"). Prevents one host hogging a burst of newly freed tasks.
	MaxJobsPerHost int `validate:"required,gt=0"`
	// CapacityOvercommit is additive headroom over a host's declared capacity within
	// which it may still receive work.
	CapacityOvercommit float64 `validate:"gte=0"`
	// ReadyTimeout is the grace period a host may stay ready=true without a heartbeat.
	ReadyTimeout time.Duration `validate:"required"`
	// AssignTimeout is the ASSIGNED->OPEN window; past this an assignment is overridden.
	AssignTimeout time.Duration `validate:"required"`
	// SoftRefusalTimeout is how long a soft refusal suppresses reassignment.
	SoftRefusalTimeout time.Duration `validate:"required"`
	// HostTimeout is the heartbeat gap after which a host is evicted and its runs overridden.
	HostTimeout time.Duration `validate:"required"`
	// RunInterval is the minimum time between ticks unless a caller forces one.
	RunInterval time.Duration `validate:"required"`

	// Metrics carries the refresh cadence for the Prometheus collector.
	Metrics MetricsConfig

	// MethodWeights maps a task method name to a factor the scheduler multiplies the task's
	// own weight by when it checks capacity and ranks hosts; unlisted methods use 1.0. It
	// does not stand in for a missing weight: every task row carries one (default 1.0).
	// Operator-tunable, not scheduling state.
	MethodWeights map[string]float64
}

type HttpConfig struct {
	Port uint16 `validate:"required"`
}

type MetricsConfig struct {
	RefreshInterval time.Duration `validate:"required"`
}
