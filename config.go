package shmbus

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"

	"gosuda.org/shmbus/internal/logging"
	"gosuda.org/shmbus/internal/protocol"
	"gosuda.org/shmbus/internal/registry"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "SHMBUS"

// Config holds the settings of one shmbus domain. Processes that want to
// talk to each other must agree on Prefix, SegmentDir and the table limits.
type Config struct {
	// Prefix separates domains sharing one segment directory.
	Prefix     string `toml:"prefix" envconfig:"PREFIX"`
	SegmentDir string `toml:"segment_dir" envconfig:"SEGMENT_DIR"`

	MaxNodes       int `toml:"max_nodes" envconfig:"MAX_NODES"`
	MaxServices    int `toml:"max_services" envconfig:"MAX_SERVICES"`
	MaxPublishers  int `toml:"max_publishers" envconfig:"MAX_PUBLISHERS"`
	MaxSubscribers int `toml:"max_subscribers" envconfig:"MAX_SUBSCRIBERS"`
	MaxListeners   int `toml:"max_listeners" envconfig:"MAX_LISTENERS"`
	MaxNotifiers   int `toml:"max_notifiers" envconfig:"MAX_NOTIFIERS"`
	AttachSlots    int `toml:"attach_slots" envconfig:"ATTACH_SLOTS"`

	AttachTimeout Duration `toml:"attach_timeout" envconfig:"ATTACH_TIMEOUT"`
	SendTimeout   Duration `toml:"send_timeout" envconfig:"SEND_TIMEOUT"`
	AllocTimeout  Duration `toml:"alloc_timeout" envconfig:"ALLOC_TIMEOUT"`

	// SweepInterval is the minimum spacing of opportunistic sweeps;
	// SweepBurst how many may run back to back.
	SweepInterval Duration `toml:"sweep_interval" envconfig:"SWEEP_INTERVAL"`
	SweepBurst    int      `toml:"sweep_burst" envconfig:"SWEEP_BURST"`
	StaleGrace    Duration `toml:"stale_grace" envconfig:"STALE_GRACE"`

	Service ServiceDefaults `toml:"service" envconfig:"SERVICE"`
	Log     LogConfig       `toml:"log" envconfig:"LOG"`
}

// ServiceDefaults fill the zero fields of a ServiceDescriptor.
type ServiceDefaults struct {
	HistoryCapacity      int                      `toml:"history_capacity" envconfig:"HISTORY_CAPACITY"`
	SubscriberBufferSize int                      `toml:"subscriber_buffer_size" envconfig:"SUBSCRIBER_BUFFER_SIZE"`
	MaxBorrowedSamples   int                      `toml:"max_borrowed_samples" envconfig:"MAX_BORROWED_SAMPLES"`
	MaxLoanedSamples     int                      `toml:"max_loaned_samples" envconfig:"MAX_LOANED_SAMPLES"`
	EventIDMax           int                      `toml:"event_id_max" envconfig:"EVENT_ID_MAX"`
	Overflow             protocol.OverflowPolicy  `toml:"overflow" envconfig:"OVERFLOW"`
	FullQueueAction      protocol.FullQueueAction `toml:"full_queue_action" envconfig:"FULL_QUEUE_ACTION"`
}

// LogConfig configures the default logger of a node.
type LogConfig struct {
	Level       string `toml:"level" envconfig:"LEVEL"`
	Development bool   `toml:"development" envconfig:"DEV"`
}

// Duration is a time.Duration that reads and writes as text ("250ms").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Prefix:         "shmbus_",
		MaxNodes:       32,
		MaxServices:    64,
		MaxPublishers:  8,
		MaxSubscribers: 16,
		MaxListeners:   8,
		MaxNotifiers:   8,
		AttachSlots:    64,
		AttachTimeout:  Duration(time.Second),
		SendTimeout:    Duration(100 * time.Millisecond),
		AllocTimeout:   Duration(100 * time.Millisecond),
		SweepInterval:  Duration(100 * time.Millisecond),
		SweepBurst:     1,
		StaleGrace:     Duration(time.Second),
		Service: ServiceDefaults{
			HistoryCapacity:      0,
			SubscriberBufferSize: 16,
			MaxBorrowedSamples:   4,
			MaxLoanedSamples:     2,
			EventIDMax:           64,
			Overflow:             protocol.OverflowLossless,
			FullQueueAction:      protocol.FullQueueDiscardNewest,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig returns the defaults, overlaid with the TOML file at path (if
// path is not empty) and then with SHMBUS_* environment variables.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal encodes c as TOML.
func (c Config) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}

// Validate checks that c describes a usable domain.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Prefix != "", "prefix is empty")
	check(c.MaxNodes > 0 && c.MaxNodes < 1<<15, "max_nodes %d out of range", c.MaxNodes)
	check(c.MaxServices > 0 && c.MaxServices < 1<<15, "max_services %d out of range", c.MaxServices)
	check(c.MaxPublishers > 0 && c.MaxSubscribers > 0, "max_publishers and max_subscribers must be positive")
	check(c.MaxPublishers+c.MaxSubscribers <= protocol.MaxHolders,
		"max_publishers + max_subscribers = %d exceeds %d", c.MaxPublishers+c.MaxSubscribers, protocol.MaxHolders)
	check(c.MaxListeners >= 0 && c.MaxNotifiers >= 0, "negative listener or notifier limit")
	check(c.AttachSlots > 0, "attach_slots must be positive")
	check(c.AttachTimeout > 0, "attach_timeout must be positive")
	check(c.SendTimeout >= 0 && c.AllocTimeout >= 0, "negative send or alloc timeout")
	check(c.SweepInterval >= 0 && c.SweepBurst > 0, "sweep_interval must not be negative and sweep_burst must be positive")
	check(c.StaleGrace >= 0, "negative stale_grace")

	s := c.Service
	check(s.HistoryCapacity >= 0, "service.history_capacity %d is negative", s.HistoryCapacity)
	check(s.SubscriberBufferSize > 0, "service.subscriber_buffer_size must be positive")
	check(s.MaxBorrowedSamples > 0 && s.MaxLoanedSamples > 0, "service sample limits must be positive")
	check(s.EventIDMax > 0 && s.EventIDMax <= protocol.MaxEventIDs,
		"service.event_id_max %d out of 1..%d", s.EventIDMax, protocol.MaxEventIDs)
	check(s.Overflow != protocol.OverflowUnset, "service.overflow is unset")
	check(s.FullQueueAction != protocol.FullQueueUnset, "service.full_queue_action is unset")

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c Config) limits() registry.Limits {
	return registry.Limits{
		Nodes:       c.MaxNodes,
		Services:    c.MaxServices,
		Publishers:  c.MaxPublishers,
		Subscribers: c.MaxSubscribers,
		Listeners:   c.MaxListeners,
		Notifiers:   c.MaxNotifiers,
	}
}

func (c Config) logging() logging.Config {
	cfg := logging.DefaultConfig()
	if c.Log.Development {
		cfg = logging.DevelopmentConfig()
	}
	if c.Log.Level != "" {
		cfg.Level = c.Log.Level
	}
	return cfg
}
