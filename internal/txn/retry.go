package txn

import (
	"context"
	"math/rand"
	"time"

	coreerr "github.com/agentic-substrate/storecore/internal/coreerr"
	"github.com/agentic-substrate/storecore/internal/kv"
)

// RetryPolicy configures Retry's exponential backoff with jitter. The
// coordinator itself never retries a conflict (spec §4.3, §9 "Retry as
// control flow, not a library concern") — this is a separate, optional
// helper a caller may wrap around Begin/Commit.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is a reasonable default for OCC conflict retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 8, BaseDelay: 2 * time.Millisecond, MaxDelay: 200 * time.Millisecond}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	// Full jitter: spreads retries out so concurrent losers of the same
	// conflict don't all wake up and retry in lockstep.
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// Retry runs fn in a fresh transaction, retrying on a recoverable error
// (spec §7: Conflict, Timeout, VersionMismatch) with exponential backoff
// and jitter, up to policy.MaxAttempts. fn is given the *Context to read
// and write through; Retry calls Commit itself. A non-recoverable error
// from fn or from Commit is returned immediately without retrying.
func Retry(ctx context.Context, co *Coordinator, run kv.RunId, policy RetryPolicy, fn func(*Context) error) (kv.Version, error) {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		txc := co.Begin(run)

		if err := fn(txc); err != nil {
			co.Abort(txc)
			if !coreerr.Recoverable(err) {
				return kv.NoVersion, err
			}
			lastErr = err
		} else {
			v, err := co.Commit(ctx, txc)
			if err == nil {
				return v, nil
			}
			if !coreerr.Recoverable(err) {
				return kv.NoVersion, err
			}
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return kv.NoVersion, coreerr.New(coreerr.CodeTimeout, "retry cancelled", ctx.Err())
		case <-time.After(policy.delay(attempt)):
		}
	}
	return kv.NoVersion, coreerr.New(coreerr.CodeConflict, "exhausted retry attempts", lastErr)
}
