package errs

import (
	"fmt"
	"strings"
)

// LineError is a single malformed line in a write payload.
type LineError struct {
	Line    int    // 1-based line number within the payload
	Message string // why the line was rejected
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

// ChunkError is a sub-batch the server refused.
type ChunkError struct {
	Index     int // 0-based chunk index
	FirstLine int // 1-based line number of the first point in the chunk
	LastLine  int
	Points    int
	Cause     error
}

func (e ChunkError) Error() string {
	return fmt.Sprintf("chunk %d (lines %d-%d, %d points): %v", e.Index, e.FirstLine, e.LastLine, e.Points, e.Cause)
}

// WriteError reports a write that was not fully accepted. Valid lines and
// accepted chunks still count towards Succeeded.
type WriteError struct {
	ConnectionID string
	Target       string
	Succeeded    int
	Lines        []LineError
	Chunks       []ChunkError
}

func (e *WriteError) Error() string {
	var sb strings.Builder
	sb.WriteString("[write]")
	if e.ConnectionID != "" {
		fmt.Fprintf(&sb, " (conn=%s)", e.ConnectionID)
	}
	fmt.Fprintf(&sb, " %d points written", e.Succeeded)
	if n := len(e.Lines); n > 0 {
		fmt.Fprintf(&sb, ", %d lines rejected (first: %s)", n, e.Lines[0].Error())
	}
	if n := len(e.Chunks); n > 0 {
		fmt.Fprintf(&sb, ", %d chunks failed (first: %s)", n, e.Chunks[0].Error())
	}
	return sb.String()
}

// Unwrap exposes every chunk failure so that errors.Is and errors.As can
// reach a transport error in any chunk, not only the first.
func (e *WriteError) Unwrap() []error {
	var causes []error
	for _, c := range e.Chunks {
		if c.Cause != nil {
			causes = append(causes, c.Cause)
		}
	}
	return causes
}

// Failed reports whether anything was rejected.
func (e *WriteError) Failed() bool {
	return len(e.Lines) > 0 || len(e.Chunks) > 0
}

// OrNil returns e when something failed and nil otherwise.
func (e *WriteError) OrNil() error {
	if e == nil || !e.Failed() {
		return nil
	}
	return e
}
