// Package config holds the gateway configuration: defaults, TOML file,
// environment and command line flags, in increasing order of precedence.
package config

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgateway/cloud"
	"github.com/caio-sobreiro/dicomgateway/directory"
	"github.com/caio-sobreiro/dicomgateway/dispatch"
	"github.com/caio-sobreiro/dicomgateway/pdu"
	"github.com/caio-sobreiro/dicomgateway/sender"
	"github.com/caio-sobreiro/dicomgateway/services"
)

// DefaultAETitle is the AE title the gateway answers to and calls with.
const DefaultAETitle = "DICOMGW"

// maxAETitleLength is the AE title limit of PS3.5.
const maxAETitleLength = 16

// Config holds gateway configuration.
type Config struct {
	AETitle       string
	Listen        string
	MetricsListen string

	JournalDir       string
	JournalRetention time.Duration

	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	MaxPDULength    uint32

	ConnectRetries   int
	ConnectBackoff   time.Duration
	ProgressInterval time.Duration

	Destinations []directory.Entry
	Routes       services.Routes
	Forward      []string
	Cloud        cloud.Config
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AETitle:          DefaultAETitle,
		Listen:           ":11112",
		MetricsListen:    ":9090",
		JournalRetention: 7 * 24 * time.Hour,
		ConnectTimeout:   10 * time.Second,
		ResponseTimeout:  60 * time.Second,
		MaxPDULength:     pdu.DefaultMaxPDULength,
		ConnectRetries:   dispatch.DefaultRetryPolicy().ConnectRetries,
		Routes:           services.Routes{},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.AETitle == "" || len(c.AETitle) > maxAETitleLength {
		return errors.Errorf("ae-title must be 1 to %d characters, got %q", maxAETitleLength, c.AETitle)
	}
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("connect timeout must be positive")
	}
	if c.ResponseTimeout <= 0 {
		return errors.New("response timeout must be positive")
	}
	if c.ConnectRetries < 0 {
		return errors.New("connect retries must not be negative")
	}
	if c.ConnectBackoff < 0 || c.ProgressInterval < 0 || c.JournalRetention < 0 {
		return errors.New("durations must not be negative")
	}

	dir, err := c.Directory()
	if err != nil {
		return err
	}
	for _, e := range c.Destinations {
		if e.Kind == directory.KindCloud && !c.CloudEnabled() {
			return errors.Errorf("destination %q is a cloud destination but no [cloud] store is configured", e.Name)
		}
	}
	if c.CloudEnabled() {
		if err := c.Cloud.Validate(); err != nil {
			return err
		}
	}

	for ae, names := range c.Routes {
		for _, name := range names {
			if _, err := dir.Lookup(name); err != nil {
				return errors.Wrapf(err, "route %q", ae)
			}
		}
	}
	for _, name := range c.Forward {
		if _, err := dir.Lookup(name); err != nil {
			return errors.Wrap(err, "forward")
		}
	}
	return nil
}

// CloudEnabled reports whether a cloud DICOM store is configured.
func (c *Config) CloudEnabled() bool {
	return c.Cloud.Project != "" || c.Cloud.Location != "" || c.Cloud.Dataset != "" || c.Cloud.DICOMStore != ""
}

// Directory builds the destination directory.
func (c *Config) Directory() (*directory.Directory, error) {
	return directory.New(c.Destinations)
}

// RetryPolicy returns the per-destination connection retry policy.
func (c *Config) RetryPolicy() dispatch.RetryPolicy {
	return dispatch.RetryPolicy{
		ConnectRetries: c.ConnectRetries,
		ConnectBackoff: c.ConnectBackoff,
	}
}

// SessionConfig returns the outbound association settings.
func (c *Config) SessionConfig(log *zap.Logger) sender.SessionConfig {
	return sender.SessionConfig{
		CallingAETitle:  c.AETitle,
		MaxPDULength:    c.MaxPDULength,
		ConnectTimeout:  c.ConnectTimeout,
		ResponseTimeout: c.ResponseTimeout,
		Logger:          log,
	}
}

// configSetter applies values only for flags not set on the command line.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setInt(flag string, value *int, dst *int) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s *configSetter) setUint32(flag string, value uint32, dst *uint32) {
	if value == 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return errors.Wrapf(err, "parse %s", flag)
	}
	*dst = d
	return nil
}

// setIntFromString parses environment values, which always come as strings.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return errors.Wrapf(err, "parse %s", flag)
	}
	*dst = i
	return nil
}

func (s *configSetter) setUint32FromString(flag, value string, dst *uint32) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return errors.Wrapf(err, "parse %s", flag)
	}
	*dst = uint32(i)
	return nil
}
