package cluster

import (
	"context"
	"sync/atomic"
	"time"
)

// attempt is the outcome of one peer request of a fan-out.
type attempt[T any] struct {
	peer Replica
	val  T
	err  error
}

// fanOut sends call to every peer concurrently and returns as soon as
// required attempts have completed. Failed attempts count too: a quorum here
// is "heard back or gave up", not "succeeded".
//
// How it works:
//
//  1. One goroutine per peer, all parked on a start barrier so the requests
//     leave together.
//  2. Each goroutine runs call under its own timeout derived from
//     context.WithoutCancel(ctx): stragglers keep running after the caller
//     returns (and after an HTTP handler's request context is cancelled).
//  3. A shared atomic counter gates which attempts are handed to the
//     collector; late attempts are dropped. The results channel is buffered
//     for every peer so no goroutine ever blocks on send.
//  4. after then runs for every attempt, counted or not, off the quorum
//     path. The write path uses it to divert failures into hinted handoff.
//
// The collector also stops if ctx is cancelled, returning what it has.
func fanOut[T any](
	ctx context.Context,
	peers []Replica,
	required int,
	timeout time.Duration,
	call func(ctx context.Context, peer Replica) (T, error),
	after func(a attempt[T]),
) []attempt[T] {
	required = min(required, len(peers))

	var (
		start   = make(chan struct{})
		results = make(chan attempt[T], len(peers))
		counted atomic.Int64
		base    = context.WithoutCancel(ctx)
	)

	for _, p := range peers {
		go func(peer Replica) {
			<-start

			callCtx, cancel := context.WithTimeout(base, timeout)
			val, err := call(callCtx, peer)
			cancel()

			a := attempt[T]{peer: peer, val: val, err: err}
			if counted.Add(1) <= int64(required) {
				results <- a
			}
			if after != nil {
				after(a)
			}
		}(p)
	}
	close(start)

	out := make([]attempt[T], 0, max(required, 0))
	for len(out) < required {
		select {
		case a := <-results:
			out = append(out, a)
		case <-ctx.Done():
			return out
		}
	}
	return out
}

// quorum returns how many peer attempts a fan-out waits for: one less than
// the configured quorum (the local replica already counted), never more than
// the other live replicas.
func quorum(configured, live int) int {
	return max(min(configured-1, live-1), 0)
}
