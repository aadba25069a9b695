// Package capability probes a server of a known family, extracts its version
// and derives the immutable database.ServerCapability the factory and the
// drivers work from.
//
// Detection is read-only: it issues GET requests, SHOW statements and opens
// and closes sessions, nothing else.
package capability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/errs"
	"github.com/koustreak/tsgate/internal/logger"
	"github.com/koustreak/tsgate/internal/transport/httpx"
	"github.com/koustreak/tsgate/internal/version"
)

// DefaultProbeTimeout bounds every single probe.
const DefaultProbeTimeout = 5 * time.Second

// FlightProber checks that an InfluxDB 3 server answers on its Flight
// endpoint. An errs Unsupported result means the endpoint is absent.
type FlightProber interface {
	ProbeFlight(ctx context.Context, cfg *database.DriverConfig) error
}

// FlightProberFunc adapts a function to FlightProber.
type FlightProberFunc func(ctx context.Context, cfg *database.DriverConfig) error

func (f FlightProberFunc) ProbeFlight(ctx context.Context, cfg *database.DriverConfig) error {
	return f(ctx, cfg)
}

// Options configures a Detector.
type Options struct {
	Logger *logger.Logger
	// Timeout bounds each probe. Defaults to DefaultProbeTimeout.
	Timeout time.Duration
	// FlightProber confirms Flight reachability on InfluxDB 3. Without one
	// the Flight flags are inferred from the version alone.
	FlightProber FlightProber
	// HTTPOptions are passed to every HTTP client the detector builds.
	HTTPOptions []httpx.Option
}

// Detector probes servers. It holds no per-server state and is safe for
// concurrent use.
type Detector struct {
	opts Options
	log  *logger.Logger
}

// New builds a Detector.
func New(opts Options) *Detector {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultProbeTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Detector{opts: opts, log: log.With().Str("component", "capability").Logger()}
}

// Detect probes the server cfg points at.
//
// Probe failures after a version was found only add warnings. When every
// version probe fails because the server cannot be reached the result is a
// Connection error; any other total failure yields an Unknown version with
// no features and the failures as warnings.
func (d *Detector) Detect(ctx context.Context, cfg *database.DriverConfig) (*database.ServerCapability, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errs.WithOp(err, "detect")
	}
	cfg = cfg.WithDefaults()

	var (
		r   *result
		err error
	)
	switch cfg.Family {
	case database.FamilyInfluxDB:
		r, err = d.detectInflux(ctx, cfg)
	case database.FamilyIoTDB:
		r, err = d.detectIoTDB(ctx, cfg)
	}
	if err != nil {
		d.log.WarnWith("detection failed", err, map[string]interface{}{
			"family":  string(cfg.Family),
			"address": cfg.Address(),
		})
		return nil, errs.WithOp(err, "detect")
	}

	caps := r.capability()
	for _, w := range caps.Warnings() {
		d.log.WarnWith("detection warning", nil, map[string]interface{}{"address": cfg.Address(), "warning": w})
	}
	d.log.DebugWith("capability detected", map[string]interface{}{
		"family":   string(cfg.Family),
		"address":  cfg.Address(),
		"version":  caps.Version().String(),
		"features": caps.Features(),
	})
	return caps, nil
}

// probeCtx bounds one probe.
func (d *Detector) probeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.opts.Timeout)
}

func (d *Detector) httpClient(cfg *database.DriverConfig, opts ...httpx.Option) *httpx.Client {
	all := append([]httpx.Option{httpx.WithLogger(d.log)}, d.opts.HTTPOptions...)
	return httpx.New(cfg, append(all, opts...)...)
}

// result accumulates probe outcomes before they are frozen into a
// ServerCapability.
type result struct {
	family    database.Family
	version   version.Info
	features  map[database.Feature]bool
	protocols []database.Protocol
	extra     map[string]string
	warnings  []string
}

func newResult(family database.Family) *result {
	return &result{
		family:   family,
		version:  version.Unknown(),
		features: map[database.Feature]bool{},
		extra:    map[string]string{},
	}
}

// setVersion records v and applies the version rules.
func (r *result) setVersion(v version.Info) {
	r.version = v
	r.features = Infer(r.family, v)
	r.protocols = protocolsFor(r.family, r.features)
}

func (r *result) warn(format string, args ...any) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}

func (r *result) addProtocol(p database.Protocol) {
	for _, have := range r.protocols {
		if have == p {
			return
		}
	}
	r.protocols = append(r.protocols, p)
}

func (r *result) removeProtocol(p database.Protocol) {
	out := r.protocols[:0]
	for _, have := range r.protocols {
		if have != p {
			out = append(out, have)
		}
	}
	r.protocols = out
}

func (r *result) capability() *database.ServerCapability {
	return database.NewServerCapability(database.CapabilitySpec{
		Family:    r.family,
		Version:   r.version,
		Features:  r.features,
		Protocols: r.protocols,
		Extra:     r.extra,
		Warnings:  r.warnings,
	})
}

// versionProbe reveals the raw version string of a server.
type versionProbe struct {
	name string
	run  func(ctx context.Context) (string, error)
}

// runChain tries probes in order and returns the first parsable version.
// Failed probes are returned for the caller to classify.
func (d *Detector) runChain(ctx context.Context, probes []versionProbe) (version.Info, string, []error) {
	var failures []error
	for _, p := range probes {
		pctx, cancel := d.probeCtx(ctx)
		raw, err := p.run(pctx)
		cancel()
		if err == nil {
			v, perr := version.Parse(raw)
			if perr == nil {
				d.log.DebugWith("version probe succeeded", map[string]interface{}{"probe": p.name, "version": raw})
				return v, p.name, failures
			}
			err = perr
		}
		d.log.DebugWith("version probe failed", map[string]interface{}{"probe": p.name, "error": err.Error()})
		failures = append(failures, fmt.Errorf("%s: %w", p.name, err))
		if ctx.Err() != nil {
			break
		}
	}
	return version.Unknown(), "", failures
}

// unreachable reports whether err comes from dialing or resolving the
// server rather than from a server that answered.
func unreachable(err error) bool {
	var opErr *net.OpError
	var dnsErr *net.DNSError
	return errors.As(err, &opErr) || errors.As(err, &dnsErr)
}

// chainFailure turns a chain where every probe failed into either a
// Connection error (nothing answered) or an unknown-version result.
func chainFailure(r *result, address string, failures []error) (*result, error) {
	allUnreachable := len(failures) > 0
	for _, f := range failures {
		if !unreachable(f) {
			allUnreachable = false
			break
		}
	}
	if allUnreachable {
		return nil, &errs.Error{
			Kind:    errs.ErrKindConnection,
			Message: "server unreachable at " + address,
			Cause:   errors.Join(failures...),
		}
	}
	for _, f := range failures {
		r.warn("version probe failed: %v", f)
	}
	r.warn("server version could not be determined; no features assumed")
	return r, nil
}
