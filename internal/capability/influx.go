package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/errs"
	"github.com/koustreak/tsgate/internal/transport/httpx"
)

const (
	extraVersionProbe = "version_probe"

	headerVersion = "X-Influxdb-Version"
	headerBuild   = "X-Influxdb-Build"
)

// influxProber runs the InfluxDB probes against one server.
type influxProber struct {
	http *httpx.Client
	v1   *httpx.Client // u/p query auth for the 1.x InfluxQL endpoint
	r    *result
}

func (d *Detector) detectInflux(ctx context.Context, cfg *database.DriverConfig) (*result, error) {
	p := &influxProber{
		http: d.httpClient(cfg),
		v1:   d.httpClient(cfg),
		r:    newResult(database.FamilyInfluxDB),
	}
	if cfg.Token == "" {
		p.v1 = d.httpClient(cfg, httpx.WithAuth(httpx.AuthQuery))
	}

	v, probe, failures := d.runChain(ctx, []versionProbe{
		{"ping header", p.pingHeader},
		{"ping body", p.pingBody},
		{"health", p.health},
		{"show diagnostics", p.diagnostics},
	})
	if err := ctx.Err(); err != nil {
		return nil, database.ContextError(err, "detect")
	}
	if v.IsUnknown() {
		return chainFailure(p.r, cfg.Address(), failures)
	}
	p.r.setVersion(v)
	p.r.extra[extraVersionProbe] = probe

	if (v.Major == 1 && v.Minor >= 7) || v.Major >= 3 {
		d.withProbe(ctx, p.flux)
	}
	if v.Major == 2 {
		d.withProbe(ctx, p.v1Compat)
	}
	if v.Major >= 3 && d.opts.FlightProber != nil {
		d.withProbe(ctx, func(ctx context.Context) { p.flight(ctx, d.opts.FlightProber, cfg) })
	}
	return p.r, nil
}

// withProbe runs one live feature probe under the probe timeout.
func (d *Detector) withProbe(ctx context.Context, probe func(context.Context)) {
	pctx, cancel := d.probeCtx(ctx)
	defer cancel()
	probe(pctx)
}

// pingHeader reads X-Influxdb-Version from /ping (1.x, 2.x and 3).
func (p *influxProber) pingHeader(ctx context.Context) (string, error) {
	resp, err := p.http.Get(ctx, "/ping", "ping")
	if err != nil {
		return "", err
	}
	if b := resp.Header().Get(headerBuild); b != "" {
		p.r.extra[database.ExtraBuild] = b
	}
	v := resp.Header().Get(headerVersion)
	if v == "" {
		return "", fmt.Errorf("no %s header", headerVersion)
	}
	return v, nil
}

// pingBody reads {"version": ...} from the /ping body InfluxDB 3 returns.
func (p *influxProber) pingBody(ctx context.Context) (string, error) {
	return p.jsonVersion(ctx, "/ping")
}

// health reads {"version": ...} from /health (2.x).
func (p *influxProber) health(ctx context.Context) (string, error) {
	return p.jsonVersion(ctx, "/health")
}

func (p *influxProber) jsonVersion(ctx context.Context, path string) (string, error) {
	var body struct {
		Version string `json:"version"`
	}
	resp, err := p.http.Do(p.http.R(ctx).SetHeader("Accept", "application/json"), http.MethodGet, path, strings.TrimPrefix(path, "/"))
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}
	if body.Version == "" {
		return "", fmt.Errorf("no version in %s response", path)
	}
	return body.Version, nil
}

// diagnostics runs SHOW DIAGNOSTICS and reads the build series (1.x).
func (p *influxProber) diagnostics(ctx context.Context) (string, error) {
	req := p.v1.R(ctx).SetQueryParam("q", "SHOW DIAGNOSTICS")
	resp, err := p.v1.Do(req, http.MethodGet, "/query", "show diagnostics")
	if err != nil {
		return "", err
	}
	var body struct {
		Results []struct {
			Series []struct {
				Name    string   `json:"name"`
				Columns []string `json:"columns"`
				Values  [][]any  `json:"values"`
			} `json:"series"`
			Error string `json:"error"`
		} `json:"results"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", fmt.Errorf("decode diagnostics: %w", err)
	}
	for _, res := range body.Results {
		if res.Error != "" {
			return "", errs.New(errs.ErrKindQuery, res.Error)
		}
		for _, s := range res.Series {
			if s.Name != "build" || len(s.Values) == 0 {
				continue
			}
			for i, c := range s.Columns {
				if strings.EqualFold(c, "version") && i < len(s.Values[0]) {
					if v, ok := s.Values[0][i].(string); ok {
						return v, nil
					}
				}
			}
		}
	}
	return "", fmt.Errorf("no build version in diagnostics")
}

// flux checks the Flux endpoint. It is optional on 1.7+ and absent on 3.
func (p *influxProber) flux(ctx context.Context) {
	req := p.http.R(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/csv").
		SetBody(map[string]string{"query": "buckets()", "type": "flux"})
	_, err := p.http.Do(req, http.MethodPost, "/api/v2/query", "flux probe")
	switch {
	case err == nil:
		p.r.features[database.FeatureFlux] = true
	case errs.IsNotFound(err) || errs.IsAuthentication(err):
		delete(p.r.features, database.FeatureFlux)
	default:
		p.r.warn("flux probe failed: %v", err)
	}
}

// v1Compat checks the /query compatibility endpoint 2.x serves InfluxQL on.
func (p *influxProber) v1Compat(ctx context.Context) {
	req := p.http.R(ctx).SetQueryParam("q", "SHOW DATABASES")
	_, err := p.http.Do(req, http.MethodGet, "/query", "v1 compatibility probe")
	switch {
	case err == nil:
	case errs.IsNotFound(err):
		delete(p.r.features, database.FeatureV1Compatibility)
		delete(p.r.features, database.FeatureInfluxQL)
	default:
		p.r.warn("v1 compatibility probe failed: %v", err)
	}
}

// flight confirms the Flight endpoint. The version rules stay in force
// either way; a failure is only reported.
func (p *influxProber) flight(ctx context.Context, prober FlightProber, cfg *database.DriverConfig) {
	err := prober.ProbeFlight(ctx, cfg)
	switch {
	case err == nil:
		p.r.addProtocol(database.ProtocolFlight)
	case errs.IsUnsupported(err):
		p.r.removeProtocol(database.ProtocolFlight)
		p.r.warn("flight endpoint not available: %v", err)
	default:
		p.r.warn("flight probe failed: %v", err)
	}
}
