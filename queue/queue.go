// Package queue implements C7 of the provman core: the session gate
// that admits at most one client at a time into an active session,
// keeps everyone else FIFO-queued on Start, and tracks an idle-
// shutdown timer (spec.md §4.7). It replaces the original's
// GLib-main-loop single-threaded executor with ordinary goroutines
// blocked on channels — ctx cancellation stands in for client-death
// detection at the transport layer.
package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/provman/provman/errs"
)

// Gate serialises session ownership across clients identified by an
// opaque string id supplied by the caller (a connection id, a
// correlation token — whatever the transport considers a client).
type Gate struct {
	mu          sync.Mutex
	holder      string
	queued      map[string]struct{}
	waiters     *list.List // of *ticket
	idleTimeout time.Duration
	idleTimer   *time.Timer
	onIdle      func()
}

type ticket struct {
	client string
	admit  chan struct{}
	taskID string
}

// New creates a Gate with no holder. If idleTimeout is non-zero, the
// shutdown timer is armed immediately since the queue starts empty;
// onIdle fires at most once per expiry and may be nil.
func New(idleTimeout time.Duration, onIdle func()) *Gate {
	g := &Gate{
		queued:      map[string]struct{}{},
		waiters:     list.New(),
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
	}
	g.armIdleTimerLocked()
	return g
}

// Start attempts to become the session holder for client. If the
// session is free it succeeds immediately; otherwise it blocks until
// admitted in FIFO order, ctx is cancelled, or client turns out to
// already be the holder or already queued (Unexpected, mirroring
// spec.md §4.6.4's Start precondition). A taskID is returned for
// logging/diagnostics — a lightweight stand-in for the original's
// per-request correlation handle.
func (g *Gate) Start(ctx context.Context, client string) (taskID string, err error) {
	g.mu.Lock()
	if client == g.holder {
		g.mu.Unlock()
		return "", errs.Unexpectedf("client %q already holds the session", client)
	}
	if _, already := g.queued[client]; already {
		g.mu.Unlock()
		return "", errs.Unexpectedf("client %q is already queued for the session", client)
	}
	g.stopIdleTimerLocked()

	if g.holder == "" {
		g.holder = client
		id := uuid.NewString()
		g.mu.Unlock()
		return id, nil
	}

	t := &ticket{client: client, admit: make(chan struct{}), taskID: uuid.NewString()}
	g.queued[client] = struct{}{}
	elem := g.waiters.PushBack(t)
	g.mu.Unlock()

	select {
	case <-t.admit:
		return t.taskID, nil
	case <-ctx.Done():
		g.mu.Lock()
		defer g.mu.Unlock()
		select {
		case <-t.admit:
			// admitted concurrently with cancellation; honour the win.
			return t.taskID, nil
		default:
		}
		delete(g.queued, client)
		g.waiters.Remove(elem)
		return "", errs.New(errs.Died, "client departed while queued for the session")
	}
}

// Release gives up session ownership held by client and admits the
// next waiter, if any. It fails with Unexpected if client does not
// currently hold the session.
func (g *Gate) Release(client string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if client != g.holder {
		return errs.Unexpectedf("client %q does not hold the session", client)
	}
	g.admitNextLocked()
	return nil
}

// ClientGone is invoked by the transport layer when it detects the
// current holder's connection has disappeared. If client is indeed
// the holder, recover is called (synchronously, while still marked as
// holder) so it can perform an End-equivalent sync-out before the
// next waiter is admitted; recover's error, if any, is returned for
// the caller to log, and never keeps the next waiter from being
// admitted (spec.md §4.7.2).
func (g *Gate) ClientGone(client string, recover func(client string) error) error {
	g.mu.Lock()
	if client != g.holder {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	err := recover(client)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.admitNextLocked()
	return err
}

// Touch resets the idle-shutdown timer. Call it on every incoming
// request, not only when the queue drains to empty — spec.md §9's
// supplemented behaviour, since a stream of no-session requests (e.g.
// GetTypeInfo) should keep postponing shutdown just as much as a
// held session does.
func (g *Gate) Touch() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holder == "" && g.waiters.Len() == 0 {
		g.armIdleTimerLocked()
	}
}

// Holder returns the current session holder, or "" if none.
func (g *Gate) Holder() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder
}

// Stop cancels any pending idle timer, e.g. on process shutdown.
func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopIdleTimerLocked()
}

func (g *Gate) admitNextLocked() {
	front := g.waiters.Front()
	if front == nil {
		g.holder = ""
		g.armIdleTimerLocked()
		return
	}
	g.waiters.Remove(front)
	t := front.Value.(*ticket)
	delete(g.queued, t.client)
	g.holder = t.client
	close(t.admit)
}

func (g *Gate) armIdleTimerLocked() {
	g.stopIdleTimerLocked()
	if g.idleTimeout <= 0 || g.onIdle == nil {
		return
	}
	g.idleTimer = time.AfterFunc(g.idleTimeout, g.onIdle)
}

func (g *Gate) stopIdleTimerLocked() {
	if g.idleTimer != nil {
		g.idleTimer.Stop()
		g.idleTimer = nil
	}
}
