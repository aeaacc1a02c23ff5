package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestCodeOf_WrappedChain(t *testing.T) {
	base := NotFound("approval_task", "t-1")
	wrapped := fmt.Errorf("decide: %w", base)

	assert.Equal(t, ErrCodeNotFound, CodeOf(wrapped))
	assert.Equal(t, "t-1", MetadataOf(wrapped)["id"])
	assert.Equal(t, ErrCodeInternal, CodeOf(stderrors.New("boom")))
}

func TestIs_MatchesByCode(t *testing.T) {
	err := Conflict("approval task already decided")
	assert.True(t, Is(err, New(ErrCodeConflict, "")))
	assert.False(t, Is(err, New(ErrCodeNotFound, "")))
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := Wrap(cause, ErrCodeInternal, "failed to load tasks")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "failed to load tasks: connection reset", err.Error())
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		err      error
		httpCode int
		grpcCode codes.Code
	}{
		{NotFound("x", "1"), http.StatusNotFound, codes.NotFound},
		{InvalidInput("decision", "bad"), http.StatusBadRequest, codes.InvalidArgument},
		{PolicyViolation("bad type", nil), http.StatusUnprocessableEntity, codes.FailedPrecondition},
		{Forbidden("no"), http.StatusForbidden, codes.PermissionDenied},
		{Conflict("again"), http.StatusConflict, codes.Aborted},
		{New(ErrCodeRateLimited, "slow down"), http.StatusTooManyRequests, codes.ResourceExhausted},
		{New(ErrCodeUnauthorized, "who"), http.StatusUnauthorized, codes.Unauthenticated},
		{stderrors.New("raw"), http.StatusInternalServerError, codes.Internal},
	}

	for _, tt := range tests {
		t.Run(string(CodeOf(tt.err)), func(t *testing.T) {
			assert.Equal(t, tt.httpCode, HTTPStatus(tt.err))
			assert.Equal(t, tt.grpcCode, GRPCCode(tt.err))
		})
	}
}

func TestJoinAllowed_Sorted(t *testing.T) {
	assert.Equal(t, "change, charter, closure", JoinAllowed([]string{"closure", "change", "charter"}))
}
