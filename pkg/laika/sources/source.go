// Package sources defines the connector boundary records cross before
// reaching the Dispatcher. A Source is responsible only for producing
// Records on a channel and respecting context cancellation; classification,
// correlation, and evaluation all happen downstream. This interface and its
// single reference implementation sit outside the engine core; they exist
// so the CLI is runnable end-to-end rather than needing an external
// producer wired in by hand.
package sources

import (
	"context"

	"github.com/go-laika/laika/pkg/laika"
)

// Source produces Records on out until ctx is cancelled. Run blocks until
// ctx is done or the source fails, then returns; it does not close out.
// Implementations must not block Run past ctx.Done().
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- *laika.Record) error
}
