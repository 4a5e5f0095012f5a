package codrive

import (
	"time"

	"github.com/codrive/codrive/internal/authproto"
	"github.com/codrive/codrive/pkg/drive"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	// DefaultAuthTimeout bounds outbound authorization requests.
	DefaultAuthTimeout = authproto.DefaultTimeout

	// DefaultHeaderSubtype tags drives created by codrive.
	DefaultHeaderSubtype = "co-hyperdrive"
)

// Policy decides inbound authorization requests.
type Policy = authproto.Policy

// PolicyFunc adapts a function to Policy.
type PolicyFunc = authproto.PolicyFunc

var (
	// DenyAll refuses every inbound request. It is the default policy.
	DenyAll = authproto.DenyAll

	// AllowAll grants every inbound request.
	AllowAll = authproto.AllowAll
)

// Options configures a codrive handle.
type Options struct {
	// AuthTimeout bounds how long RequestAuthorization waits for a peer to
	// allow or deny. Default: 60s.
	AuthTimeout time.Duration

	// OnAuth decides inbound authorization requests. Default: DenyAll.
	OnAuth Policy

	Logger zerolog.Logger

	// Metrics, when set, registers codrive metrics with the registerer.
	Metrics prometheus.Registerer

	// Drive is passed to the drive factory, merged over DefaultDriveOptions:
	// an empty HeaderSubtype takes the default and Sparse is always on
	// unless Dense is set.
	Drive drive.Options

	// Dense turns off sparse replication.
	Dense bool

	// InboundRateLimit and InboundRateBurst limit inbound requests.
	// Defaults: 100/s, burst 20.
	InboundRateLimit float64
	InboundRateBurst int

	// OnError receives failures of background reconciliation, including
	// the initial one.
	OnError func(error)
}

// DefaultDriveOptions returns the drive options used when none are given.
func DefaultDriveOptions() drive.Options {
	return drive.Options{
		Sparse:        true,
		HeaderSubtype: DefaultHeaderSubtype,
	}
}

// DefaultOptions returns options with every default applied.
func DefaultOptions() Options {
	return Options{
		AuthTimeout:      DefaultAuthTimeout,
		OnAuth:           DenyAll,
		Logger:           zerolog.Nop(),
		Drive:            DefaultDriveOptions(),
		InboundRateLimit: authproto.DefaultRateLimit,
		InboundRateBurst: authproto.DefaultRateBurst,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = d.AuthTimeout
	}
	if o.OnAuth == nil {
		o.OnAuth = d.OnAuth
	}
	o.Drive.Sparse = !o.Dense
	if o.Drive.HeaderSubtype == "" {
		o.Drive.HeaderSubtype = d.Drive.HeaderSubtype
	}
	if o.InboundRateLimit <= 0 {
		o.InboundRateLimit = d.InboundRateLimit
	}
	if o.InboundRateBurst <= 0 {
		o.InboundRateBurst = d.InboundRateBurst
	}
	if o.OnError == nil {
		o.OnError = func(error) {}
	}
	return o
}
