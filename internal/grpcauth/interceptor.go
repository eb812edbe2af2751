// Package grpcauth applies the authenticated request pipeline to gRPC calls:
// bearer metadata, proactive and single reactive refresh, and escalation.
package grpcauth

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/and161185/market-client/internal/expiry"
	"github.com/and161185/market-client/internal/pipeline"
)

// ForceLogoutKey is the header or trailer metadata key marking a PermissionDenied as a forced logout.
const ForceLogoutKey = "x-force-logout"

// Escalator tears the session down; implemented by *pipeline.Escalator.
type Escalator interface {
	Teardown(ctx context.Context, reason expiry.Reason, message, logoutToken string)
}

// Interceptor carries the pipeline policy for unary client calls.
type Interceptor struct {
	sess   pipeline.Session
	coord  pipeline.Refresher
	esc    Escalator
	exempt func(method string) bool
	log    *zap.Logger
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithExempt marks methods that are never refreshed nor escalated (login, register).
func WithExempt(fn func(method string) bool) Option { return func(i *Interceptor) { i.exempt = fn } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(i *Interceptor) { i.log = l } }

// New constructs an Interceptor.
func New(sess pipeline.Session, coord pipeline.Refresher, esc Escalator, opts ...Option) *Interceptor {
	i := &Interceptor{
		sess:   sess,
		coord:  coord,
		esc:    esc,
		exempt: func(string) bool { return false },
		log:    zap.NewNop(),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// ExemptMethods returns an exemption func matching any of the given full method names.
func ExemptMethods(methods ...string) func(string) bool {
	return func(m string) bool {
		for _, x := range methods {
			if strings.EqualFold(m, x) {
				return true
			}
		}
		return false
	}
}

// Unary returns the client interceptor.
func (i *Interceptor) Unary() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if i.exempt(method) {
			_, err := call(ctx, i.sess.AccessToken(), method, req, reply, cc, invoker, opts)
			return err
		}

		used := i.sess.AccessToken()
		if used != "" && i.sess.RefreshToken() != "" && i.sess.IsTokenNearExpiry() {
			var err error
			if used, err = i.coord.RefreshStale(ctx, used); err != nil {
				return err
			}
		}

		md, err := call(ctx, used, method, req, reply, cc, invoker, opts)
		switch status.Code(err) {
		case codes.Unauthenticated:
			return i.unauthenticated(ctx, err, used, method, req, reply, cc, invoker, opts)
		case codes.PermissionDenied:
			i.denied(ctx, md)
		}
		return err
	}
}

func (i *Interceptor) unauthenticated(ctx context.Context, cause error, used, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts []grpc.CallOption) error {
	if i.sess.RefreshToken() == "" {
		i.esc.Teardown(ctx, expiry.ReasonUnauthorized, "", used)
		return cause
	}
	token, err := i.coord.RefreshStale(ctx, used)
	if err != nil {
		return err
	}

	md, err := call(ctx, token, method, req, reply, cc, invoker, opts)
	switch status.Code(err) {
	case codes.Unauthenticated:
		i.log.Warn("grpc call rejected after refresh", zap.String("method", method))
		i.esc.Teardown(ctx, expiry.ReasonUnauthorized, "", token)
	case codes.PermissionDenied:
		i.denied(ctx, md)
	}
	return err
}

func (i *Interceptor) denied(ctx context.Context, md metadata.MD) {
	for _, v := range md.Get(ForceLogoutKey) {
		if pipeline.HeaderMarked(v) {
			i.esc.Teardown(ctx, expiry.ReasonForbidden, "", "")
			return
		}
	}
}

// call invokes with token and returns the union of response header and trailer.
func call(ctx context.Context, token, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts []grpc.CallOption) (metadata.MD, error) {
	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	}
	var header, trailer metadata.MD
	opts = append(opts[:len(opts):len(opts)], grpc.Header(&header), grpc.Trailer(&trailer))
	err := invoker(ctx, method, req, reply, cc, opts...)
	return metadata.Join(header, trailer), err
}
