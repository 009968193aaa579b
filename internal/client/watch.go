package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/chatsql/chatsql/internal/reconcile"
	"github.com/chatsql/chatsql/internal/session"
	"github.com/chatsql/chatsql/internal/stream"
)

// DefaultReconnectDelay is the fixed pause between stream reconnects.
const DefaultReconnectDelay = 3 * time.Second

var (
	// ErrNotFocused stops a watch whose session lost focus in the store.
	ErrNotFocused = errors.New("session is no longer focused")

	errStreamEnded = errors.New("stream ended")
)

type WatchOptions struct {
	ReconnectDelay time.Duration
	// MaxReconnects bounds reconnect attempts; zero retries until ctx is done.
	MaxReconnects  int
	CoalesceWindow time.Duration
	CoalesceBatch  int
	// UntilIdle returns once the session has no active task.
	UntilIdle bool
	// OnUpdate is called with the session's view after every applied batch.
	OnUpdate func(reconcile.View)
	// OnReconnect is called before each reconnect attempt.
	OnReconnect func(attempt uint, err error)
}

// Watch focuses sessionID in store and keeps it reconciled with the server:
// it loads the persisted session, follows the event stream, and re-reads the
// session on every (re)connect and after every terminal event. A dropped
// stream is reopened after a fixed delay. Watch returns nil when ctx ends or,
// with UntilIdle, when the session goes idle.
func (c *Client) Watch(ctx context.Context, store *reconcile.Store, sessionID string, opts WatchOptions) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	attempts := uint(0)
	if opts.MaxReconnects > 0 {
		attempts = uint(opts.MaxReconnects) + 1
	}

	store.Focus(sessionID)
	if err := c.refresh(ctx, store, sessionID); err != nil {
		return err
	}
	notify(store, sessionID, opts)
	if opts.UntilIdle && isIdle(store, sessionID) {
		return nil
	}

	err := retry.Do(
		func() error {
			if store.Focused() != sessionID {
				return retry.Unrecoverable(ErrNotFocused)
			}
			done, err := c.follow(ctx, store, sessionID, opts)
			if done {
				return nil
			}
			if err == nil {
				err = errStreamEnded
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
				return retry.Unrecoverable(err)
			}
			if errors.Is(err, ErrNotFocused) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			if opts.OnReconnect != nil {
				opts.OnReconnect(n+1, err)
			}
		}),
	)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// follow consumes one stream connection. It reports done when UntilIdle is
// satisfied.
func (c *Client) follow(ctx context.Context, store *reconcile.Store, sessionID string, opts WatchOptions) (bool, error) {
	es, err := c.Stream(ctx, sessionID)
	if err != nil {
		return false, err
	}
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = es.Close() }()

	events := make(chan stream.Event)
	readErr := make(chan error, 1)
	go func() {
		defer close(events)
		for {
			event, err := es.Next()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case events <- event:
			case <-streamCtx.Done():
				readErr <- streamCtx.Err()
				return
			}
		}
	}()

	for batch := range stream.Coalesce(streamCtx, events, opts.CoalesceWindow, opts.CoalesceBatch) {
		refresh := false
		for _, event := range batch {
			if event.SessionID == "" {
				event.SessionID = sessionID
			}
			if store.ApplyEvent(event) {
				refresh = true
			}
		}
		if refresh {
			if err := c.refresh(streamCtx, store, sessionID); err != nil {
				return false, err
			}
		}
		notify(store, sessionID, opts)
		if store.Focused() != sessionID {
			return false, ErrNotFocused
		}
		if opts.UntilIdle && isIdle(store, sessionID) {
			return true, nil
		}
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err := <-readErr; !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read stream: %w", err)
	}
	return false, errStreamEnded
}

func (c *Client) refresh(ctx context.Context, store *reconcile.Store, sessionID string) error {
	sess, err := c.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	store.ApplySnapshot(sess)
	return nil
}

func notify(store *reconcile.Store, sessionID string, opts WatchOptions) {
	if opts.OnUpdate == nil {
		return
	}
	if view, ok := store.View(sessionID); ok {
		opts.OnUpdate(view)
	}
}

func isIdle(store *reconcile.Store, sessionID string) bool {
	view, ok := store.View(sessionID)
	return ok && view.Status != session.StatusProcessing && view.ActiveTaskID == ""
}
