// Package expiry carries the process-wide "session expired" signal to the UI shell.
package expiry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Reason says why the session ended.
type Reason string

const (
	ReasonUnauthorized  Reason = "unauthorized"
	ReasonForbidden     Reason = "forbidden"
	ReasonRefreshFailed Reason = "refresh_failed"
	ReasonServerEvent   Reason = "server_event"
)

// LoginRedirect is where the shell sends the user after confirming the prompt.
const LoginRedirect = "/login?expired=1"

var defaultMessages = map[Reason]string{
	ReasonUnauthorized:  "Your session has expired. Please log in again.",
	ReasonForbidden:     "Your permissions have changed. Please log in again.",
	ReasonRefreshFailed: "Your session has expired. Please log in again.",
	ReasonServerEvent:   "You have been signed out. Please log in again.",
}

// Notice is a single session-expired event.
type Notice struct {
	Reason  Reason
	Message string
	At      time.Time
}

// Clearer removes the session; implemented by *session.Store.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Notifier is a single-flight flag: at most one prompt is outstanding until
// Confirm or Dismiss re-arms it.
type Notifier struct {
	sess   Clearer
	active atomic.Bool
	ch     chan Notice

	mu    sync.Mutex
	hooks []func(Notice)
}

// NewNotifier returns an armed Notifier.
func NewNotifier(sess Clearer) *Notifier {
	return &Notifier{sess: sess, ch: make(chan Notice, 1)}
}

// C delivers notices; it holds at most the pending one.
func (n *Notifier) C() <-chan Notice { return n.ch }

// OnExpired registers fn to run synchronously for each delivered notice.
func (n *Notifier) OnExpired(fn func(Notice)) {
	n.mu.Lock()
	n.hooks = append(n.hooks, fn)
	n.mu.Unlock()
}

// Active reports whether a prompt is outstanding.
func (n *Notifier) Active() bool { return n.active.Load() }

// Signal raises the prompt. It returns false, delivering nothing, while one is already outstanding.
func (n *Notifier) Signal(reason Reason, message string) bool {
	if !n.active.CompareAndSwap(false, true) {
		return false
	}
	if message == "" {
		message = defaultMessages[reason]
	}
	notice := Notice{Reason: reason, Message: message, At: time.Now()}

	select {
	case n.ch <- notice:
	default:
	}
	n.mu.Lock()
	hooks := append([]func(Notice){}, n.hooks...)
	n.mu.Unlock()
	for _, fn := range hooks {
		fn(notice)
	}
	return true
}

// Confirm is the user's answer to the prompt: clears the session, re-arms the flag
// and returns the login redirect.
func (n *Notifier) Confirm(ctx context.Context) (string, error) {
	n.drain()
	defer n.active.Store(false)
	if err := n.sess.Clear(ctx); err != nil {
		return LoginRedirect, err
	}
	return LoginRedirect, nil
}

// Dismiss re-arms the flag without touching the session.
func (n *Notifier) Dismiss() {
	n.drain()
	n.active.Store(false)
}

func (n *Notifier) drain() {
	select {
	case <-n.ch:
	default:
	}
}
