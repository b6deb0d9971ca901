package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrTimeout is the cancellation cause of an exchange whose Deadline fired.
var ErrTimeout = errors.New("upstream request timed out")

// Deadline bounds an upstream exchange. Unlike context.WithTimeout it can be
// stopped once headers are in, so a streamed media body is not cut off,
// while a buffered playlist body stays under the same bound.
type Deadline struct {
	timer  *time.Timer
	cancel context.CancelCauseFunc
	ctx    context.Context
}

// WithDeadline derives a context that is canceled with ErrTimeout after d.
func WithDeadline(parent context.Context, d time.Duration) (context.Context, *Deadline) {
	ctx, cancel := context.WithCancelCause(parent)
	dl := &Deadline{cancel: cancel, ctx: ctx}
	dl.timer = time.AfterFunc(d, func() { cancel(ErrTimeout) })
	return ctx, dl
}

// Stop disarms the timer. It reports false if the deadline already fired.
func (d *Deadline) Stop() bool {
	return d.timer.Stop()
}

// Expired reports whether the exchange was aborted by the deadline.
func (d *Deadline) Expired() bool {
	return errors.Is(context.Cause(d.ctx), ErrTimeout)
}

// Release disarms the timer and cancels the exchange, tearing down an
// unfinished upstream connection.
func (d *Deadline) Release() {
	d.timer.Stop()
	d.cancel(context.Canceled)
}

// Bind returns body with Close also releasing the deadline.
func (d *Deadline) Bind(body io.ReadCloser) io.ReadCloser {
	return &boundBody{ReadCloser: body, release: d.Release}
}

type boundBody struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (b *boundBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
