package manager

import (
	"time"

	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/pool"
)

// QueryRequest is one query against a registered connection.
type QueryRequest struct {
	ConnectionID string        `json:"connection_id"`
	Query        string        `json:"query"`
	Database     string        `json:"database,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
}

// QueryResult is a Dataset stamped with the query id and dialect.
type QueryResult struct {
	QueryID       string             `json:"query_id"`
	ConnectionID  string             `json:"connection_id"`
	Dialect       string             `json:"dialect"`
	Columns       []database.Column  `json:"columns"`
	Rows          [][]database.Value `json:"rows"`
	RowCount      int                `json:"row_count"`
	ExecutionTime time.Duration      `json:"execution_time"`
	Timestamp     time.Time          `json:"timestamp"`
	Warnings      []string           `json:"warnings,omitempty"`
}

// WriteResult reports an accepted write.
type WriteResult struct {
	ConnectionID string `json:"connection_id"`
	Target       string `json:"target,omitempty"`
	Points       int    `json:"points"`
}

// ConnectionTestResult is the outcome of Test. Failures are reported in
// Error rather than returned.
type ConnectionTestResult struct {
	Success       bool                       `json:"success"`
	Latency       time.Duration              `json:"latency"`
	Error         string                     `json:"error,omitempty"`
	ErrorKind     string                     `json:"error_kind,omitempty"`
	ServerVersion string                     `json:"server_version,omitempty"`
	Driver        database.Kind              `json:"driver,omitempty"`
	Capabilities  *database.ServerCapability `json:"capabilities,omitempty"`
	Health        *database.Health           `json:"health,omitempty"`
}

// ConnectionStatus describes one registered connection.
type ConnectionStatus struct {
	ID        string          `json:"id"`
	Connected bool            `json:"connected"`
	Family    database.Family `json:"family"`
	Driver    database.Kind   `json:"driver"`
	Address   string          `json:"address"`
	Version   string          `json:"version"`
	Pool      pool.Stats      `json:"pool"`
	LastError string          `json:"last_error,omitempty"`
	Since     time.Time       `json:"since"`
}
