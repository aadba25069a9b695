package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/errs"
	"github.com/koustreak/tsgate/internal/logger"
	"github.com/koustreak/tsgate/internal/manager"
)

// connectionRequest carries the secrets DriverConfig never serialises.
type connectionRequest struct {
	ID                 string            `json:"id"`
	Family             string            `json:"family"`
	Host               string            `json:"host"`
	Port               int               `json:"port"`
	Username           string            `json:"username"`
	Password           string            `json:"password"`
	Token              string            `json:"token"`
	Database           string            `json:"database"`
	SSL                bool              `json:"ssl"`
	InsecureSkipVerify bool              `json:"insecure_skip_verify"`
	Timeout            string            `json:"timeout"`
	Extra              map[string]string `json:"extra"`
}

func (c *connectionRequest) driverConfig() (*database.DriverConfig, error) {
	family, ok := database.ParseFamily(c.Family)
	if !ok {
		return nil, errs.Newf(errs.ErrKindConfiguration, "unknown database family %q", c.Family)
	}
	timeout, err := parseDuration(c.Timeout)
	if err != nil {
		return nil, err
	}
	return &database.DriverConfig{
		ID:                 c.ID,
		Family:             family,
		Host:               c.Host,
		Port:               c.Port,
		Username:           c.Username,
		Password:           c.Password,
		Token:              c.Token,
		Database:           c.Database,
		SSL:                c.SSL,
		InsecureSkipVerify: c.InsecureSkipVerify,
		Timeout:            timeout,
		Extra:              c.Extra,
	}, nil
}

type queryRequest struct {
	ConnectionID string `json:"connection_id"`
	Query        string `json:"query"`
	Database     string `json:"database"`
	Timeout      string `json:"timeout"`
}

type errorResponse struct {
	Error        string   `json:"error"`
	Kind         string   `json:"kind"`
	ConnectionID string   `json:"connection_id,omitempty"`
	Succeeded    *int     `json:"succeeded,omitempty"`
	Lines        []string `json:"lines,omitempty"`
	Chunks       []string `json:"chunks,omitempty"`
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.List())
}

func (s *Server) upsertConnection(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeConnection(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := s.mgr.Upsert(r.Context(), cfg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) removeConnection(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// testConnection checks a config under the path id without registering it.
func (s *Server) testConnection(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeConnection(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	cfg.ID = chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, s.mgr.Test(r.Context(), cfg))
}

func (s *Server) connectionStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.mgr.Status(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) connectionHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.mgr.Health(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	code := http.StatusOK
	if h.Status == database.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) capabilities(w http.ResponseWriter, r *http.Request) {
	caps, err := s.mgr.Capabilities(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, caps)
}

func (s *Server) listDatabases(w http.ResponseWriter, r *http.Request) {
	dbs, err := s.mgr.ListDatabases(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"databases": dbs})
}

func (s *Server) listMeasurements(w http.ResponseWriter, r *http.Request) {
	ms, err := s.mgr.ListMeasurements(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("db"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"measurements": ms})
}

func (s *Server) describeSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := s.mgr.DescribeSchema(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("db"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	timeout, err := parseDuration(req.Timeout)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.mgr.Query(r.Context(), manager.QueryRequest{
		ConnectionID: req.ConnectionID,
		Query:        req.Query,
		Database:     req.Database,
		Timeout:      timeout,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// write takes the raw line-protocol body; the connection and target come
// from the query string.
func (s *Server) write(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.fail(w, r, errs.Wrap(errs.ErrKindConfiguration, "read write payload", err))
		return
	}
	q := r.URL.Query()
	res, err := s.mgr.Write(r.Context(), q.Get("connection"), payload, q.Get("target"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	resp := errorResponse{Error: err.Error(), Kind: kind.String()}

	var we *errs.WriteError
	var e *errs.Error
	switch {
	case errors.As(err, &we):
		resp.ConnectionID = we.ConnectionID
		n := we.Succeeded
		resp.Succeeded = &n
		for _, l := range we.Lines {
			resp.Lines = append(resp.Lines, l.Error())
		}
		for _, c := range we.Chunks {
			resp.Chunks = append(resp.Chunks, c.Error())
		}
	case errors.As(err, &e):
		resp.ConnectionID = e.ConnectionID
	}

	code := statusFor(kind)
	if code >= http.StatusInternalServerError {
		logger.FromContext(r.Context(), s.log).ErrorWith("request failed", err, nil)
	}
	writeJSON(w, code, resp)
}

func statusFor(kind errs.ErrKind) int {
	switch kind {
	case errs.ErrKindConfiguration, errs.ErrKindQuery:
		return http.StatusBadRequest
	case errs.ErrKindAuthentication:
		return http.StatusUnauthorized
	case errs.ErrKindNotFound:
		return http.StatusNotFound
	case errs.ErrKindWrite, errs.ErrKindUnsupported:
		return http.StatusUnprocessableEntity
	case errs.ErrKindConnection:
		return http.StatusBadGateway
	case errs.ErrKindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeConnection(r *http.Request) (*database.DriverConfig, error) {
	var req connectionRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	return req.driverConfig()
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(errs.ErrKindConfiguration, "decode request body", err)
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, errs.Newf(errs.ErrKindConfiguration, "invalid duration %q", s)
	}
	return d, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
