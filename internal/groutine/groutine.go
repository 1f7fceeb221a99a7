// Package groutine runs named goroutines carrying pprof labels, so radio
// workers and link watchers can be told apart in profiles and logs.
package groutine

import (
	"context"
	"fmt"
	"runtime/debug"
	"runtime/pprof"
	"sync"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts fn on a new goroutine labelled name.
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		fn(context.WithValue(ctx, goroutineNameKey, name))
	})
}

// Name returns the goroutine name stored in ctx by Go, or "".
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(goroutineNameKey).(string); ok {
		return s
	}
	return ""
}

// Group runs named goroutines under a shared cancellable context.
// A panic in one goroutine is logged and recovered instead of killing the process.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *logrus.Logger
}

// NewGroup returns a Group whose context derives from parent.
func NewGroup(parent context.Context, logger *logrus.Logger) *Group {
	if parent == nil {
		parent = context.Background()
	}
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel, logger: logger}
}

// Context returns the group context. It is cancelled by Stop.
func (g *Group) Context() context.Context {
	return g.ctx
}

// Go starts fn as a member of the group.
func (g *Group) Go(name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	Go(g.ctx, name, func(ctx context.Context) {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				g.logger.WithFields(logrus.Fields{
					"goroutine": name,
					"panic":     fmt.Sprint(r),
					"stack":     string(debug.Stack()),
				}).Error("Recovered from goroutine panic")
			}
		}()
		fn(ctx)
	})
}

// Stop cancels the group context and waits for every member to return.
func (g *Group) Stop() {
	g.cancel()
	g.wg.Wait()
}
