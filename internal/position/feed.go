package position

import (
	"context"
	"fmt"
	"sync"
)

// Feed is a push-driven Source: readings arrive from the device through Push,
// usually via the HTTP ingestion endpoint.
type Feed struct {
	mu        sync.Mutex
	started   bool
	stopped   bool
	onReading func(Reading)
	onError   func(error)
	waiters   map[chan Reading]struct{}
}

func NewFeed() *Feed {
	return &Feed{waiters: map[chan Reading]struct{}{}}
}

func (f *Feed) Start(onReading func(Reading), onError func(error)) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return nil, ErrStopped
	}
	if f.started {
		return nil, ErrAlreadyStarted
	}
	f.started = true
	f.onReading = onReading
	f.onError = onError
	return stopFunc(f.stop), nil
}

// Push hands a reading to one-shot readers and to the running consumer.
func (f *Feed) Push(r Reading) error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return ErrStopped
	}
	for ch := range f.waiters {
		ch <- r
		delete(f.waiters, ch)
	}
	cb := f.onReading
	f.mu.Unlock()

	if cb != nil {
		cb(r)
	}
	return nil
}

// Fail reports a device-side error such as denied permission.
func (f *Feed) Fail(err error) error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return ErrStopped
	}
	cb := f.onError
	f.mu.Unlock()

	if cb != nil {
		cb(fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	return nil
}

// Read waits for the next pushed reading or until ctx is done.
func (f *Feed) Read(ctx context.Context) (Reading, error) {
	ch := make(chan Reading, 1)
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return Reading{}, ErrStopped
	}
	f.waiters[ch] = struct{}{}
	f.mu.Unlock()

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		f.mu.Lock()
		delete(f.waiters, ch)
		f.mu.Unlock()
		// a push may have landed between ctx expiry and removal
		select {
		case r := <-ch:
			return r, nil
		default:
		}
		return Reading{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
}

func (f *Feed) Stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *Feed) stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	f.onReading = nil
	f.onError = nil
	for ch := range f.waiters {
		delete(f.waiters, ch)
	}
}

// Close stops the feed whether or not it was started.
func (f *Feed) Close() {
	f.stop()
}
