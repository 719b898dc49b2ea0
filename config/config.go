// Package config binds inspector.Options and wstransport.Options from a
// github.com/spf13/viper instance. The process that owns the Viper
// instance, flag parsing, and config file discovery is out of scope here;
// this package only supplies the binding from an already-configured Viper
// to the Options structs the rest of the module takes.
package config

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/viper"

	"github.com/appiumwir/webinspector/inspector"
	"github.com/appiumwir/webinspector/transport/wstransport"
)

// Unmarshaler is the subset of Viper behavior Load depends on, narrowed for
// easier test doubles and a smaller dependency surface than the full
// *viper.Viper type.
type Unmarshaler interface {
	Unmarshal(rawVal interface{}, opts ...viper.DecoderConfigOption) error
}

// Settings is the on-disk/env shape: plain, flattened, mapstructure-taggable
// fields. TransportOptions/OrchestratorOptions turn this into the Options
// structs the orchestrator and transport actually take.
type Settings struct {
	// Transport

	// URL is the ws:// or wss:// relay endpoint to dial.
	URL string `mapstructure:"url"`

	// Headers are extra headers sent with the dial request (e.g. a relay
	// session token).
	Headers map[string]string `mapstructure:"headers"`

	WriteTimeout  time.Duration `mapstructure:"writeTimeout"`
	SendQueueSize int           `mapstructure:"sendQueueSize"`

	// Orchestrator

	MaxTries              int           `mapstructure:"maxTries"`
	RetryInterval         time.Duration `mapstructure:"retryInterval"`
	TargetCreationTimeout time.Duration `mapstructure:"targetCreationTimeout"`
	TargetPollInterval    time.Duration `mapstructure:"targetPollInterval"`
	PageLockMaxHold       time.Duration `mapstructure:"pageLockMaxHold"`
	ReadinessPollInterval time.Duration `mapstructure:"readinessPollInterval"`
	SendTimeout           time.Duration `mapstructure:"sendTimeout"`
	FullPageInit          bool          `mapstructure:"fullPageInit"`
	ConnectionIdentifier  string        `mapstructure:"connectionIdentifier"`

	// Selection

	BundleIDs       []string `mapstructure:"bundleIds"`
	IgnoreBundleIDs []string `mapstructure:"ignoreBundleIds"`
	IncludeSafari   bool     `mapstructure:"includeSafari"`
}

// DefaultSettings returns the zero-value Settings augmented with the
// defaults that make sense to ship regardless of what the caller's Viper
// instance contains, giving every option a sane starting point before a
// config file is layered on.
func DefaultSettings() Settings {
	return Settings{
		WriteTimeout:          10 * time.Second,
		SendQueueSize:         64,
		MaxTries:              inspector.DefaultMaxTries,
		RetryInterval:         inspector.DefaultRetryInterval,
		TargetCreationTimeout: inspector.DefaultTargetCreationTimeout,
		TargetPollInterval:    inspector.DefaultTargetPollInterval,
		ReadinessPollInterval: inspector.DefaultReadinessPollInterval,
		SendTimeout:           inspector.DefaultSendTimeout,
	}
}

// BindDefaults installs DefaultSettings onto v via SetDefault, so that a
// Viper instance which never sees a config file or env var still unmarshals
// into a usable Settings. Call this before reading any config source.
func BindDefaults(v *viper.Viper) {
	d := DefaultSettings()
	v.SetDefault("writeTimeout", d.WriteTimeout)
	v.SetDefault("sendQueueSize", d.SendQueueSize)
	v.SetDefault("maxTries", d.MaxTries)
	v.SetDefault("retryInterval", d.RetryInterval)
	v.SetDefault("targetCreationTimeout", d.TargetCreationTimeout)
	v.SetDefault("targetPollInterval", d.TargetPollInterval)
	v.SetDefault("readinessPollInterval", d.ReadinessPollInterval)
	v.SetDefault("sendTimeout", d.SendTimeout)
}

// Load unmarshals u into a Settings.
func Load(u Unmarshaler) (Settings, error) {
	var s Settings
	if err := u.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return s, nil
}

// TransportOptions converts Settings into wstransport.Options. The caller
// still supplies the dialer and logger, since those are constructed
// values, not config data.
func (s Settings) TransportOptions() wstransport.Options {
	var header http.Header
	if len(s.Headers) > 0 {
		header = make(http.Header, len(s.Headers))
		for k, v := range s.Headers {
			header.Set(k, v)
		}
	}

	return wstransport.Options{
		URL:           s.URL,
		Header:        header,
		WriteTimeout:  s.WriteTimeout,
		SendQueueSize: s.SendQueueSize,
	}
}

// OrchestratorOptions converts Settings into inspector.Options. Logger,
// Clock, and Metrics are constructed values left to the caller, mirroring
// how Options fields default through their own accessor methods when left
// zero.
func (s Settings) OrchestratorOptions() *inspector.Options {
	return &inspector.Options{
		MaxTries:              s.MaxTries,
		RetryInterval:         s.RetryInterval,
		TargetCreationTimeout: s.TargetCreationTimeout,
		TargetPollInterval:    s.TargetPollInterval,
		PageLockMaxHold:       s.PageLockMaxHold,
		ReadinessPollInterval: s.ReadinessPollInterval,
		SendTimeout:           s.SendTimeout,
		FullPageInit:          s.FullPageInit,
		ConnectionIdentifier:  s.ConnectionIdentifier,
	}
}
