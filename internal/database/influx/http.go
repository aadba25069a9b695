package influx

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/points"
	"github.com/koustreak/tsgate/internal/transport/httpx"
)

// QueryInfluxQL posts stmt to the /query endpoint (1.x, or the 2.x
// compatibility API) and decodes the JSON result.
func QueryInfluxQL(ctx context.Context, c *httpx.Client, db, rp, stmt string) (*database.Dataset, error) {
	start := time.Now()
	form := map[string]string{"q": stmt}
	if db != "" {
		form["db"] = db
	}
	if rp != "" {
		form["rp"] = rp
	}
	req := c.R(ctx).
		SetQueryParam("epoch", "ns").
		SetHeader("Accept", "application/json").
		SetFormData(form)
	resp, err := c.Do(req, http.MethodPost, "/query", "query")
	if err != nil {
		return nil, err
	}
	return DecodeInfluxQL(resp.Body(), start)
}

// QueryFlux posts a Flux script to /api/v2/query. org is ignored by 1.x.
func QueryFlux(ctx context.Context, c *httpx.Client, org, script string) (*database.Dataset, error) {
	start := time.Now()
	req := c.R(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/csv").
		SetBody(map[string]any{"query": script, "type": "flux", "dialect": FluxDialect})
	if org != "" {
		req.SetQueryParam("org", org)
	}
	resp, err := c.Do(req, http.MethodPost, "/api/v2/query", "query")
	if err != nil {
		return nil, err
	}
	return DecodeFlux(bytes.NewReader(resp.Body()), start)
}

// V1Precision spells p the way the 1.x /write endpoint expects.
func V1Precision(p points.Precision) string {
	switch p {
	case points.Nanosecond:
		return "n"
	case points.Microsecond:
		return "u"
	}
	return string(p)
}

// PostLines sends one encoded chunk to a write endpoint.
func PostLines(ctx context.Context, c *httpx.Client, path string, params map[string]string, body []byte) error {
	req := c.R(ctx).
		SetHeader("Content-Type", "text/plain; charset=utf-8").
		SetQueryParams(params).
		SetBody(bytes.NewReader(body))
	if _, err := c.Do(req, http.MethodPost, path, "write"); err != nil {
		return WriteFailure(err)
	}
	return nil
}
