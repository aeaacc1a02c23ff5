package client

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// identityInterceptor attaches the caller identity to every outgoing call.
// Identity already present on an incoming context is forwarded unchanged, so
// a service calling on behalf of a user keeps that user's identity.
func identityInterceptor(userID, organisationID string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if md, ok := metadata.FromIncomingContext(ctx); ok && len(md.Get("x-user-id")) > 0 {
			ctx = metadata.NewOutgoingContext(ctx, md)
		} else {
			pairs := []string{"x-user-id", userID}
			if organisationID != "" {
				pairs = append(pairs, "x-organisation-id", organisationID)
			}
			ctx = metadata.AppendToOutgoingContext(ctx, pairs...)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
