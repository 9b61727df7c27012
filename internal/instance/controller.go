package instance

import (
	"context"
	"errors"
	"time"

	"github.com/basket/inferd/internal/engineapi"
)

// controller merges the three cancellation sources spec §4.3 step 4
// names — the caller's own signal, an internal cancel button exposed to
// the task's owner, and an optional per-task timeout — into the single
// context passed to the engine.
type controller struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	timer  *time.Timer
}

// newController derives a cancellable context from parent. If timeout is
// positive, the controller's own timer cancels it with ErrTimedOut after
// that duration.
func newController(parent context.Context, timeout time.Duration) *controller {
	ctx, cancel := context.WithCancelCause(parent)
	c := &controller{ctx: ctx, cancel: cancel}
	if timeout > 0 {
		c.timer = time.AfterFunc(timeout, func() {
			cancel(engineapi.ErrTimedOut)
		})
	}
	return c
}

// Ctx is the merged context to pass to the engine.
func (c *controller) Ctx() context.Context {
	return c.ctx
}

// Cancel trips the internal cancel button (the task owner's cancel()).
func (c *controller) Cancel() {
	c.cancel(engineapi.ErrCancelled)
}

// Stop clears the timeout timer. Always call on every exit path.
func (c *controller) Stop() {
	if c.timer != nil {
		c.timer.Stop()
	}
}

// FinishReason maps the controller's terminal cause to a FinishReason
// rewrite, per spec §4.3 step 6: "if timeout token tripped, rewrite to
// timeout; if cancel button tripped, rewrite to cancel". It also covers
// the caller cancelling (or timing out) the parent context directly,
// rather than going through Cancel()/the internal timer, since that
// context is one of the three merged sources (spec §4.3 step 4). Returns
// ("", false) if the context is not done at all, meaning the engine
// returned a genuine, unrelated error.
func (c *controller) FinishReason() (engineapi.FinishReason, bool) {
	cause := context.Cause(c.ctx)
	switch {
	case cause == engineapi.ErrTimedOut:
		return engineapi.FinishTimeout, true
	case cause == engineapi.ErrCancelled:
		return engineapi.FinishCancel, true
	case errors.Is(cause, context.DeadlineExceeded):
		return engineapi.FinishTimeout, true
	case errors.Is(cause, context.Canceled):
		return engineapi.FinishCancel, true
	default:
		return "", false
	}
}
