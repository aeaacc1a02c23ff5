// Package auth carries the authenticated caller through request contexts.
// Authentication itself happens upstream at the gateway; this service trusts
// the identity headers it forwards.
package auth

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"

	"github.com/pesio-ai/be-approval-governance/internal/platform/errors"
)

const (
	HeaderUserID         = "X-User-ID"
	HeaderOrganisationID = "X-Organisation-ID"

	metadataUserID         = "x-user-id"
	metadataOrganisationID = "x-organisation-id"
)

// UserContext identifies the calling user.
type UserContext struct {
	UserID         string
	OrganisationID string
}

type contextKey struct{}

// WithUserContext stores uc on ctx.
func WithUserContext(ctx context.Context, uc UserContext) context.Context {
	return context.WithValue(ctx, contextKey{}, uc)
}

// GetUserContext returns the caller, or an UNAUTHORIZED error when the request
// carries no identity.
func GetUserContext(ctx context.Context) (UserContext, error) {
	uc, ok := ctx.Value(contextKey{}).(UserContext)
	if !ok || uc.UserID == "" {
		return UserContext{}, errors.New(errors.ErrCodeUnauthorized, "unauthorized: missing caller identity")
	}
	return uc, nil
}

// FromIncomingMetadata lifts the caller identity out of gRPC metadata.
func FromIncomingMetadata(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	uc := UserContext{
		UserID:         first(md.Get(metadataUserID)),
		OrganisationID: first(md.Get(metadataOrganisationID)),
	}
	if uc.UserID == "" {
		return ctx
	}
	return WithUserContext(ctx, uc)
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}
