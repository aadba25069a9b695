package points

import (
	"context"

	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/errs"
)

// Sender ships one chunk of points to the server.
type Sender func(ctx context.Context, chunk []Point) error

// Deliver parses payload, sends the valid points in chunks of size and
// returns how many points the server accepted. Rejected lines and failed
// chunks come back together as a *errs.WriteError; a cancelled context fails
// every chunk not yet sent.
func Deliver(ctx context.Context, payload []byte, target string, size int, send Sender) (int, error) {
	pts, lineErrs := Parse(payload)
	we := &errs.WriteError{Target: target, Lines: lineErrs}

	for i, chunk := range Chunk(pts, size) {
		if err := ctx.Err(); err != nil {
			we.Chunks = append(we.Chunks, ChunkError(i, chunk, database.ContextError(err, "write")))
			continue
		}
		if err := send(ctx, chunk); err != nil {
			we.Chunks = append(we.Chunks, ChunkError(i, chunk, err))
			continue
		}
		we.Succeeded += len(chunk)
	}
	return we.Succeeded, we.OrNil()
}
