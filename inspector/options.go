package inspector

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xmidt-org/sallust"
	"go.uber.org/zap"

	"github.com/appiumwir/webinspector/clock"
)

const (
	DefaultMaxTries              = 20
	DefaultRetryInterval         = 500 * time.Millisecond
	DefaultTargetCreationTimeout = 30 * time.Second
	DefaultTargetPollInterval    = 100 * time.Millisecond
	DefaultPageLockMaxHold       = 30 * time.Second
	DefaultReadinessPollInterval = 100 * time.Millisecond
	DefaultSendTimeout           = 30 * time.Second
)

// Options configures an Orchestrator. Every field is optional; zero values
// fall back to the Default* constants through the unexported accessor
// methods below.
type Options struct {
	// Logger receives structured diagnostics. If nil, sallust.Default() is used.
	Logger *zap.Logger

	// Clock abstracts time for target-creation waits, readiness polling,
	// and per-page lock hold timers. If nil, clock.System() is used.
	Clock clock.Interface

	// Metrics is the Prometheus registerer Measures are registered
	// against. If nil, metrics are created but never registered.
	Metrics prometheus.Registerer

	// MaxTries bounds selectApp's candidate retry loop.
	MaxTries int

	// RetryInterval is the delay between selectApp retries.
	RetryInterval time.Duration

	// TargetCreationTimeout bounds how long selectPage waits for
	// Target.targetCreated to populate the registry.
	TargetCreationTimeout time.Duration

	// TargetPollInterval is accepted and defaulted but not read by any
	// wait: Registry.WaitForTarget blocks on the ticket's channel instead
	// of polling.
	TargetPollInterval time.Duration

	// PageLockMaxHold bounds how long a (app,page) mutex may be held by
	// one initialization job before it is considered stuck. Defaults to
	// TargetCreationTimeout.
	PageLockMaxHold time.Duration

	// ReadinessPollInterval is the sleep between document.readyState polls.
	ReadinessPollInterval time.Duration

	// SendTimeout bounds a send() call that registers a waiter. It applies
	// even when the caller's context has a deadline; the earlier of the two
	// ends the wait.
	SendTimeout time.Duration

	// FullPageInit selects the Full page-initialization sequence (§4.5)
	// over the Simple one.
	FullPageInit bool

	// ConnectionIdentifier overrides the generated connection UUID; used
	// by tests. If empty, a fresh google/uuid is generated per Connect.
	ConnectionIdentifier string
}

func (o *Options) logger() *zap.Logger {
	if o != nil && o.Logger != nil {
		return o.Logger
	}
	return sallust.Default()
}

func (o *Options) clock() clock.Interface {
	if o != nil && o.Clock != nil {
		return o.Clock
	}
	return clock.System()
}

func (o *Options) metricsRegisterer() prometheus.Registerer {
	if o != nil {
		return o.Metrics
	}
	return nil
}

func (o *Options) maxTries() int {
	if o != nil && o.MaxTries > 0 {
		return o.MaxTries
	}
	return DefaultMaxTries
}

func (o *Options) retryInterval() time.Duration {
	if o != nil && o.RetryInterval > 0 {
		return o.RetryInterval
	}
	return DefaultRetryInterval
}

func (o *Options) targetCreationTimeout() time.Duration {
	if o != nil && o.TargetCreationTimeout > 0 {
		return o.TargetCreationTimeout
	}
	return DefaultTargetCreationTimeout
}

func (o *Options) targetPollInterval() time.Duration {
	if o != nil && o.TargetPollInterval > 0 {
		return o.TargetPollInterval
	}
	return DefaultTargetPollInterval
}

func (o *Options) pageLockMaxHold() time.Duration {
	if o != nil && o.PageLockMaxHold > 0 {
		return o.PageLockMaxHold
	}
	return o.targetCreationTimeout()
}

func (o *Options) readinessPollInterval() time.Duration {
	if o != nil && o.ReadinessPollInterval > 0 {
		return o.ReadinessPollInterval
	}
	return DefaultReadinessPollInterval
}

func (o *Options) sendTimeout() time.Duration {
	if o != nil && o.SendTimeout > 0 {
		return o.SendTimeout
	}
	return DefaultSendTimeout
}

func (o *Options) fullPageInit() bool {
	return o != nil && o.FullPageInit
}
