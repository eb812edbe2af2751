package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/market-client/internal/expiry"
)

// Clearer removes the session.
type Clearer interface {
	Clear(ctx context.Context) error
}

// LogoutNotifier tells the backend a session ended.
type LogoutNotifier interface {
	Logout(ctx context.Context, accessToken string) error
}

// Signaler raises the global session-expired prompt.
type Signaler interface {
	Signal(reason expiry.Reason, message string) bool
}

// Escalator performs the terminal reactions to authentication failures: session
// teardown, best-effort backend logout and the session-expired signal.
type Escalator struct {
	sess          Clearer
	signal        Signaler
	logout        LogoutNotifier
	logoutTimeout time.Duration
	log           *zap.Logger

	pending sync.WaitGroup
}

// EscalatorOption configures an Escalator.
type EscalatorOption func(*Escalator)

// WithLogoutNotifier enables the fire-and-forget backend logout.
func WithLogoutNotifier(n LogoutNotifier, timeout time.Duration) EscalatorOption {
	return func(e *Escalator) {
		e.logout = n
		e.logoutTimeout = timeout
	}
}

// WithEscalatorLogger sets the logger.
func WithEscalatorLogger(l *zap.Logger) EscalatorOption { return func(e *Escalator) { e.log = l } }

// NewEscalator constructs an Escalator.
func NewEscalator(sess Clearer, signal Signaler, opts ...EscalatorOption) *Escalator {
	e := &Escalator{sess: sess, signal: signal, logoutTimeout: 5 * time.Second, log: zap.NewNop()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Teardown clears the session, notifies the backend when logoutToken is set, and
// raises the session-expired signal. The caller's cancellation does not stop it.
func (e *Escalator) Teardown(ctx context.Context, reason expiry.Reason, message, logoutToken string) {
	ctx = context.WithoutCancel(ctx)
	if err := e.sess.Clear(ctx); err != nil {
		e.log.Warn("session clear failed during teardown", zap.Error(err))
	}
	if logoutToken != "" && e.logout != nil {
		e.pending.Add(1)
		go e.notifyLogout(ctx, logoutToken)
	}
	raised := e.signal.Signal(reason, message)
	e.log.Warn("session torn down", zap.String("reason", string(reason)), zap.Bool("prompt", raised))
}

// RefreshFailed implements refresh.FailureHandler.
func (e *Escalator) RefreshFailed(ctx context.Context, err error) {
	e.log.Debug("refresh failed, tearing down", zap.Error(err))
	e.Teardown(ctx, expiry.ReasonRefreshFailed, "", "")
}

// Wait blocks until pending logout notifications finish.
func (e *Escalator) Wait() { e.pending.Wait() }

// notifyLogout never reports failure: the session is already gone locally.
func (e *Escalator) notifyLogout(ctx context.Context, token string) {
	defer e.pending.Done()
	ctx, cancel := context.WithTimeout(ctx, e.logoutTimeout)
	defer cancel()
	if err := e.logout.Logout(ctx, token); err != nil {
		e.log.Debug("best-effort logout failed", zap.Error(err))
	}
}
