// Package config contains the configuration of an OpenVPN client session.
package config

import (
	"github.com/apex/log"

	"github.com/6ccg/ovpncore/internal/model"
	"github.com/6ccg/ovpncore/internal/runtimex"
)

// Config contains options to initialize the OpenVPN session and the tunnel.
type Config struct {
	// openVPNOptions contains options related to the openvpn protocol.
	openvpnOptions *OpenVPNOptions

	// logger will be used to log events.
	logger model.Logger
}

// NewConfig returns a Config ready to initialize a session.
func NewConfig(options ...Option) *Config {
	cfg := &Config{
		openvpnOptions: NewOpenVPNOptions(),
		logger:         log.Log,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// Option is an option you can pass to initialize the session.
type Option func(config *Config)

// WithLogger configures the passed [model.Logger].
func WithLogger(logger model.Logger) Option {
	return func(config *Config) {
		config.logger = logger
	}
}

// WithOpenVPNOptions configures the passed OpenVPN options.
func WithOpenVPNOptions(openvpnOptions *OpenVPNOptions) Option {
	return func(config *Config) {
		config.openvpnOptions = openvpnOptions
	}
}

// WithProfile loads the YAML profile at path. It panics if the profile
// cannot be loaded; use [LoadProfile] to handle the error.
func WithProfile(path string) Option {
	return func(config *Config) {
		opts, err := LoadProfile(path)
		runtimex.PanicOnError(err, "cannot load profile")
		config.openvpnOptions = opts
	}
}

// Logger returns the configured logger.
func (c *Config) Logger() model.Logger {
	return c.logger
}

// OpenVPNOptions returns the configured openvpn options.
func (c *Config) OpenVPNOptions() *OpenVPNOptions {
	return c.openvpnOptions
}

// Remote returns the first configured endpoint, or nil.
func (c *Config) Remote() *Endpoint {
	r, ok := c.openvpnOptions.Remote()
	if !ok {
		return nil
	}
	return &r
}
