package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Follower keeps a prefix subscription alive. When the store drops the
// subscription it resubscribes and hands the fresh snapshot to the handler,
// which must treat every snapshot as a full replacement.
type Follower struct {
	st     Store
	prefix string
	fn     func(Event)
	log    *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Follow subscribes to prefix and delivers the initial snapshot to fn before
// returning. Later events are delivered from a single goroutine, in order.
func Follow(ctx context.Context, st Store, prefix string, fn func(Event), log *zap.Logger) (*Follower, error) {
	if log == nil {
		log = zap.NewNop()
	}
	f := &Follower{st: st, prefix: prefix, fn: fn, log: log}

	sub, err := f.subscribe(ctx)
	if err != nil {
		return nil, err
	}

	fctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.wg.Add(1)
	go f.loop(fctx, sub)
	return f, nil
}

func (f *Follower) subscribe(ctx context.Context) (Subscription, error) {
	sub, err := f.st.Subscribe(ctx, f.prefix)
	if err != nil {
		return nil, err
	}
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			sub.Close()
			return nil, errors.New("subscription closed before snapshot")
		}
		f.fn(ev)
	case <-ctx.Done():
		sub.Close()
		return nil, ctx.Err()
	}
	return sub, nil
}

func (f *Follower) loop(ctx context.Context, sub Subscription) {
	defer f.wg.Done()

	for {
		if !f.drain(ctx, sub) {
			return
		}

		f.log.Warn("subscription dropped, resubscribing", zap.String("prefix", f.prefix))
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 50 * time.Millisecond
		b.MaxInterval = 5 * time.Second
		b.MaxElapsedTime = 0

		err := backoff.Retry(func() error {
			s, err := f.subscribe(ctx)
			if errors.Is(err, ErrClosed) {
				return backoff.Permanent(err)
			}
			if err != nil {
				return err
			}
			sub = s
			return nil
		}, backoff.WithContext(b, ctx))
		if err != nil {
			return
		}
	}
}

// drain forwards events until the channel closes. It reports false when the
// follower was stopped.
func (f *Follower) drain(ctx context.Context, sub Subscription) bool {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-sub.Events():
			if !ok {
				return ctx.Err() == nil
			}
			f.fn(ev)
		}
	}
}

// Stop ends the subscription and waits for the handler to return.
func (f *Follower) Stop() {
	f.cancel()
	f.wg.Wait()
}
