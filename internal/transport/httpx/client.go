// Package httpx is the HTTP wire transport shared by the InfluxDB drivers,
// the IoTDB REST driver and the capability detector.
package httpx

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/errs"
	"github.com/koustreak/tsgate/internal/logger"
)

// AuthMode selects how credentials are attached to requests.
type AuthMode int

const (
	AuthNone   AuthMode = iota
	AuthBasic           // username/password as HTTP basic auth
	AuthToken           // "Authorization: Token <token>" (InfluxDB 2.x)
	AuthBearer          // "Authorization: Bearer <token>" (InfluxDB 3)
	AuthQuery           // u/p query parameters (InfluxDB 1.x)
)

// Client wraps a resty client bound to one server.
type Client struct {
	http *resty.Client
	base string
	auth AuthMode
	user string
	pass string
}

type Option func(*Client)

// WithAuth overrides the auth mode picked from the config.
func WithAuth(mode AuthMode) Option {
	return func(c *Client) { c.auth = mode }
}

// WithBaseURL points the client at a different base URL, e.g. the IoTDB
// REST port.
func WithBaseURL(base string) Option {
	return func(c *Client) { c.base = strings.TrimRight(base, "/") }
}

// WithLogger routes resty's own diagnostics through log.
func WithLogger(log *logger.Logger) Option {
	return func(c *Client) { c.http.SetLogger(log) }
}

// WithTransport replaces the round tripper; tests use it to count calls.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.http.SetTransport(rt) }
}

// New builds a client for cfg. The auth mode defaults to Token when a token
// is configured and Basic when a username is.
func New(cfg *database.DriverConfig, opts ...Option) *Client {
	c := &Client{
		http: resty.New(),
		base: cfg.BaseURL(),
		user: cfg.Username,
		pass: cfg.Password,
	}
	switch {
	case cfg.Token != "":
		c.auth = AuthToken
	case cfg.Username != "":
		c.auth = AuthBasic
	}

	if cfg.SSL {
		c.http.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify})
	}
	c.http.SetHeader("User-Agent", "tsgate")

	for _, o := range opts {
		o(c)
	}

	switch c.auth {
	case AuthBasic:
		c.http.SetBasicAuth(c.user, c.pass)
	case AuthToken:
		c.http.SetAuthScheme("Token")
		c.http.SetAuthToken(cfg.Token)
	case AuthBearer:
		c.http.SetAuthScheme("Bearer")
		c.http.SetAuthToken(cfg.Token)
	case AuthQuery:
		if c.user != "" {
			c.http.SetQueryParams(map[string]string{"u": c.user, "p": c.pass})
		}
	}
	return c
}

// BaseURL returns the server root the client talks to.
func (c *Client) BaseURL() string { return c.base }

// R starts a request bound to ctx.
func (c *Client) R(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx)
}

// Do executes req and maps transport failures and non-2xx responses onto
// *errs.Error. The response is returned even on HTTP errors so callers can
// inspect headers.
func (c *Client) Do(req *resty.Request, method, path, op string) (*resty.Response, error) {
	resp, err := req.Execute(method, c.base+path)
	if err != nil {
		return resp, TransportError(err, op)
	}
	if resp.IsError() {
		return resp, StatusError(resp, op)
	}
	return resp, nil
}

// Get is Do with GET.
func (c *Client) Get(ctx context.Context, path, op string) (*resty.Response, error) {
	return c.Do(c.R(ctx), http.MethodGet, path, op)
}

// TransportError maps an error from the HTTP round trip itself.
func TransportError(err error, op string) *errs.Error {
	if e := database.ContextError(err, op); e != nil {
		return e
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return &errs.Error{Kind: errs.ErrKindConnection, Op: op, Message: "server unreachable", Cause: err}
	}
	var tlsErr *tls.RecordHeaderError
	if errors.As(err, &tlsErr) {
		return &errs.Error{Kind: errs.ErrKindConnection, Op: op, Message: "TLS handshake failed", Cause: err}
	}
	return &errs.Error{Kind: errs.ErrKindConnection, Op: op, Message: "request failed", Cause: err}
}

// StatusError maps a non-2xx response.
func StatusError(resp *resty.Response, op string) *errs.Error {
	msg := ServerMessage(resp.Body())
	if msg == "" {
		msg = resp.Status()
	}
	cause := fmt.Errorf("HTTP %d", resp.StatusCode())

	kind := errs.ErrKindQuery
	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = errs.ErrKindAuthentication
	case code == http.StatusNotFound:
		kind = errs.ErrKindNotFound
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		kind = errs.ErrKindTimeout
	case code == http.StatusRequestEntityTooLarge:
		kind = errs.ErrKindWrite
	case code >= 500:
		kind = errs.ErrKindConnection
	}
	return &errs.Error{Kind: kind, Op: op, Message: msg, Cause: cause}
}

// ServerMessage extracts the human-readable error from the JSON bodies the
// supported servers return: {"error": ...} (InfluxDB 1.x),
// {"message": ...} (InfluxDB 2.x/3, IoTDB REST).
func ServerMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}

// CloseIdle drops pooled keep-alive connections.
func (c *Client) CloseIdle() {
	c.http.GetClient().CloseIdleConnections()
}
