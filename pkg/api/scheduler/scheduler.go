// Package scheduler runs background tasks spawned by request handlers.
//
// Audit writes go through a Scheduler so a slow or broken audit backend
// never adds latency to a signing response.
package scheduler

import (
	"context"

	"github.com/quillsign/quill/pkg/api/response"
	"github.com/quillsign/quill/pkg/logger"
)

// Scheduler runs a task detached from the request that spawned it.
type Scheduler interface {
	// Schedule runs task with a context that survives the end of the
	// request. name identifies the task in logs.
	Schedule(ctx context.Context, name string, task func(context.Context))
}

// AsyncScheduler runs tasks on their own goroutines.
type AsyncScheduler struct{}

var _ Scheduler = AsyncScheduler{}

// Schedule runs task on a goroutine. The task context keeps the request's
// values (request ID included) but not its cancellation. Panics are logged
// and swallowed.
func (AsyncScheduler) Schedule(ctx context.Context, name string, task func(context.Context)) {
	detached := context.WithoutCancel(ctx)
	requestID := response.RequestID(ctx)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("background task panicked",
					"task", name, "requestId", requestID, "panic", r)
			}
		}()
		task(detached)
	}()
}

// SyncScheduler runs tasks inline before returning. Used in tests so
// handlers' audit writes are observable without synchronization.
type SyncScheduler struct{}

var _ Scheduler = SyncScheduler{}

// Schedule runs task inline with a non-cancelable context.
func (SyncScheduler) Schedule(ctx context.Context, _ string, task func(context.Context)) {
	task(context.WithoutCancel(ctx))
}
