// Package config holds the shared configuration for an excomm session.
// Both participants must run with the same iterations, signature, and
// store name for the rounds to line up.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Defaults for a speed-test session. Iterations, settle delay, join
// bound, and the channel signature must match on both participants.
const (
	DefaultStoreName    = "excomm-rendezvous"
	DefaultSignature    = uint32(0x1337)
	DefaultIterations   = 10000
	DefaultPayload      = "hello, world!"
	DefaultSettleDelay  = 3 * time.Second
	DefaultReadyBound   = 5 * time.Second
	DefaultJoinAttempts = 10
	DefaultJoinDelay    = 1 * time.Second
	DefaultLogLevel     = "INFO"
)

// Config carries everything a session needs. Zero receive timeout means
// the receiver waits forever, matching the original benchmark behavior.
type Config struct {
	StoreName      string        // Name of the shared rendezvous store
	Signature      uint32        // Exception code identifying the channel
	Iterations     int           // Messages sent per round
	Payload        string        // Message body sent each iteration
	SettleDelay    time.Duration // Pause before each send loop
	ReadyBound     time.Duration // How long the sender waits for the receiver's ready flag
	JoinAttempts   int           // Partner poll attempts during negotiation
	JoinDelay      time.Duration // Delay between partner poll attempts
	ReceiveTimeout time.Duration // Bound on a receive round; 0 waits forever
	LogLevel       string
	LogJSON        bool
}

// Default returns a Config populated with the default values.
func Default() *Config {
	return &Config{
		StoreName:      DefaultStoreName,
		Signature:      DefaultSignature,
		Iterations:     DefaultIterations,
		Payload:        DefaultPayload,
		SettleDelay:    DefaultSettleDelay,
		ReadyBound:     DefaultReadyBound,
		JoinAttempts:   DefaultJoinAttempts,
		JoinDelay:      DefaultJoinDelay,
		ReceiveTimeout: 0,
		LogLevel:       DefaultLogLevel,
		LogJSON:        false,
	}
}

// SetDefaults registers default values with viper so they are available
// even without a config file or flags.
func SetDefaults() {
	viper.SetDefault("store-name", DefaultStoreName)
	viper.SetDefault("signature", DefaultSignature)
	viper.SetDefault("iterations", DefaultIterations)
	viper.SetDefault("payload", DefaultPayload)
	viper.SetDefault("settle-delay", DefaultSettleDelay)
	viper.SetDefault("ready-bound", DefaultReadyBound)
	viper.SetDefault("join-attempts", DefaultJoinAttempts)
	viper.SetDefault("join-delay", DefaultJoinDelay)
	viper.SetDefault("receive-timeout", time.Duration(0))
	viper.SetDefault("log-level", DefaultLogLevel)
	viper.SetDefault("log-json", false)
}

// FromViper builds a Config from the current viper state and validates it.
func FromViper() (*Config, error) {
	cfg := &Config{
		StoreName:      viper.GetString("store-name"),
		Signature:      viper.GetUint32("signature"),
		Iterations:     viper.GetInt("iterations"),
		Payload:        viper.GetString("payload"),
		SettleDelay:    viper.GetDuration("settle-delay"),
		ReadyBound:     viper.GetDuration("ready-bound"),
		JoinAttempts:   viper.GetInt("join-attempts"),
		JoinDelay:      viper.GetDuration("join-delay"),
		ReceiveTimeout: viper.GetDuration("receive-timeout"),
		LogLevel:       viper.GetString("log-level"),
		LogJSON:        viper.GetBool("log-json"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that would break a session.
func (c *Config) Validate() error {
	if c.StoreName == "" {
		return fmt.Errorf("store name must not be empty")
	}
	if c.Signature == 0 {
		return fmt.Errorf("signature must be non-zero")
	}
	if c.Iterations <= 0 {
		return fmt.Errorf("iterations must be positive, got %d", c.Iterations)
	}
	if c.JoinAttempts <= 0 {
		return fmt.Errorf("join attempts must be positive, got %d", c.JoinAttempts)
	}
	if c.SettleDelay < 0 || c.ReadyBound < 0 || c.JoinDelay < 0 || c.ReceiveTimeout < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	return nil
}
