package gateway

import (
	"context"
	"errors"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/janusd/janus/internal/engine"
	"github.com/janusd/janus/internal/policy"
)

// UnaryRateLimit returns a gRPC interceptor enforcing "grpc:<method>"
// actions. Methods without a configured policy pass through for free,
// same as unclassified HTTP routes.
func UnaryRateLimit(eng *engine.Engine, bypass *Bypass) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		addr := peerAddr(ctx)
		if bypass.Skip(addr, "") {
			return handler(ctx, req)
		}

		identifier := principalFromMetadata(ctx)
		if identifier == "" {
			identifier = addr
		}

		action := policy.Key("grpc:" + info.FullMethod)
		d, err := eng.Enforce(ctx, identifier, action, addr)

		var limitErr *engine.LimitError
		if errors.As(err, &limitErr) {
			secs := int64(math.Ceil(d.RetryAfter.Seconds()))
			return nil, status.Errorf(codes.ResourceExhausted,
				"rate limit exceeded for %s: retry after %ds", info.FullMethod, secs)
		}

		return handler(ctx, req)
	}
}

func principalFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get("x-principal-id"); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func peerAddr(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	return p.Addr.String()
}
