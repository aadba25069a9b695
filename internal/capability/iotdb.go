package capability

import (
	"context"
	"strconv"

	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/database/iotdb"
	"github.com/koustreak/tsgate/internal/errs"
	"github.com/koustreak/tsgate/internal/transport/httpx"
)

func (d *Detector) detectIoTDB(ctx context.Context, cfg *database.DriverConfig) (*result, error) {
	r := newResult(database.FamilyIoTDB)

	sctx, cancel := d.probeCtx(ctx)
	sess, err := iotdb.OpenSession(sctx, iotdb.SessionConfigFor(cfg, nil))
	cancel()
	if err != nil {
		if ce := database.ContextError(err, "detect"); ce != nil && ctx.Err() != nil {
			return nil, ce
		}
		if errs.IsAuthentication(err) {
			return nil, err
		}
		return chainFailure(r, cfg.Address(), []error{err})
	}
	defer func() {
		if err := sess.Close(ctx); err != nil {
			d.log.DebugWith("close probe session", map[string]interface{}{"error": err.Error()})
		}
	}()

	var props *iotdb.ServerProperties
	v, probe, failures := d.runChain(ctx, []versionProbe{
		{"show version", func(ctx context.Context) (string, error) {
			ds, err := sess.Execute(ctx, "SHOW VERSION", d.opts.Timeout)
			if err != nil {
				return "", err
			}
			if vs := ds.Strings(0); len(vs) > 0 {
				return vs[0], nil
			}
			return "", errs.New(errs.ErrKindQuery, "SHOW VERSION returned no rows")
		}},
		{"get properties", func(ctx context.Context) (string, error) {
			p, err := sess.Properties(ctx)
			if err != nil {
				return "", err
			}
			props = p
			return p.Version, nil
		}},
	})
	if err := ctx.Err(); err != nil {
		return nil, database.ContextError(err, "detect")
	}
	if v.IsUnknown() {
		return chainFailure(r, cfg.Address(), failures)
	}
	r.setVersion(v)
	r.extra[extraVersionProbe] = probe
	r.extra[database.ExtraLegacyRPC] = strconv.FormatBool(sess.Legacy())

	if props == nil && !sess.Broken() {
		pctx, cancel := d.probeCtx(ctx)
		props, err = sess.Properties(pctx)
		cancel()
		if err != nil {
			r.warn("server properties unavailable, assuming millisecond timestamps: %v", err)
		}
	}
	if props != nil {
		if props.TimestampPrecision != "" {
			r.extra[database.ExtraTimestampPrecision] = props.TimestampPrecision
		}
		if props.BuildInfo != "" {
			r.extra[database.ExtraBuild] = props.BuildInfo
		}
	}

	d.withProbe(ctx, func(ctx context.Context) { d.probeREST(ctx, cfg, r) })
	return r, nil
}

// probeREST checks whether the optional REST service answers.
func (d *Detector) probeREST(ctx context.Context, cfg *database.DriverConfig, r *result) {
	port := cfg.IntParam(database.ParamRESTPort, database.DefaultIoTDBRESTPort)
	base := cfg.Scheme() + "://" + cfg.AddressFor(port)
	_, err := d.httpClient(cfg, httpx.WithBaseURL(base)).Get(ctx, "/ping", "rest probe")
	if err == nil {
		r.features[database.FeatureRESTService] = true
		r.addProtocol(database.ProtocolREST)
		return
	}
	if cfg.Param(database.ParamProtocol, "rpc") == "rest" {
		r.warn("REST service not reachable on port %d: %v", port, err)
	}
}
