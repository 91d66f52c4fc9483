// Package groutine starts named goroutines. The name is attached as a pprof
// label so worker, reader and poller goroutines are identifiable in profiles
// and goroutine dumps.
package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts fn in a named goroutine and returns a channel that is closed when
// fn returns. If parentCtx is nil, context.Background() is used.
//
//	done := groutine.Go(ctx, "link-worker", func(ctx context.Context) {
//	    // work
//	})
//	<-done
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) <-chan struct{} {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	done := make(chan struct{})
	labels := pprof.Labels("goroutine_name", name)

	go func() {
		defer close(done)
		pprof.Do(parentCtx, labels, func(ctx context.Context) {
			fn(context.WithValue(ctx, goroutineNameKey, name))
		})
	}()
	return done
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(goroutineNameKey).(string); ok {
		return v
	}
	return ""
}
