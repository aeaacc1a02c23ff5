package handler

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-approval-governance/internal/platform/auth"
	"github.com/pesio-ai/be-approval-governance/internal/platform/errors"
	"github.com/pesio-ai/be-approval-governance/internal/ratelimit"
	"github.com/pesio-ai/be-approval-governance/internal/service"
)

// ApprovalServiceName is the fully qualified gRPC service name.
const ApprovalServiceName = "governance.v1.ApprovalService"

// ApprovalServer is the gRPC surface used by other services and approvalctl.
// Messages are google.protobuf.Struct values whose fields mirror the HTTP
// API's JSON bodies.
type ApprovalServer interface {
	SubmitForApproval(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordDecision(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAggregate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecomputeAggregate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPending(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckRateLimit(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(ApprovalServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func methodHandler(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ApprovalServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ApprovalServiceName + "/" + name,
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ApprovalServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ApprovalServiceDesc registers an ApprovalServer on a grpc.Server. Its
// descriptor is built at init so server reflection can describe it.
var ApprovalServiceDesc = grpc.ServiceDesc{
	ServiceName: ApprovalServiceName,
	HandlerType: (*ApprovalServer)(nil),
	Methods: []grpc.MethodDesc{
		methodHandler("SubmitForApproval", ApprovalServer.SubmitForApproval),
		methodHandler("RecordDecision", ApprovalServer.RecordDecision),
		methodHandler("GetAggregate", ApprovalServer.GetAggregate),
		methodHandler("RecomputeAggregate", ApprovalServer.RecomputeAggregate),
		methodHandler("ListPending", ApprovalServer.ListPending),
		methodHandler("CheckRateLimit", ApprovalServer.CheckRateLimit),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: ApprovalProtoFile,
}

// GRPCHandler implements ApprovalServer
type GRPCHandler struct {
	approvals *service.ApprovalService
	guard     *ratelimit.Guard
	logger    zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(approvals *service.ApprovalService, guard *ratelimit.Guard, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		approvals: approvals,
		guard:     guard,
		logger:    logger.With().Str("handler", "grpc").Logger(),
	}
}

// Register attaches the handler to s.
func (h *GRPCHandler) Register(s *grpc.Server) {
	s.RegisterService(&ApprovalServiceDesc, h)
}

type artifactRequest struct {
	ArtifactID string `json:"artifact_id"`
}

// SubmitForApproval submits an artifact for approval
func (h *GRPCHandler) SubmitForApproval(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uc, req, err := decodeRequest[artifactRequest](ctx, in)
	if err != nil {
		return nil, err
	}
	h.logger.Info().Str("artifact_id", req.ArtifactID).Str("user_id", uc.UserID).Msg("gRPC SubmitForApproval called")

	res, err := h.approvals.SubmitForApproval(ctx, req.ArtifactID, uc.UserID)
	return h.reply(ctx, res, err)
}

// RecordDecision approves or rejects a task
func (h *GRPCHandler) RecordDecision(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uc, req, err := decodeRequest[service.DecisionRequest](ctx, in)
	if err != nil {
		return nil, err
	}
	h.logger.Info().
		Str("task_id", req.TaskID).
		Str("decision", req.Decision).
		Str("user_id", uc.UserID).
		Msg("gRPC RecordDecision called")

	res, err := h.approvals.RecordDecision(ctx, uc.UserID, *req)
	return h.reply(ctx, res, err)
}

// GetAggregate returns an artifact's aggregate without writing it
func (h *GRPCHandler) GetAggregate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uc, req, err := decodeRequest[artifactRequest](ctx, in)
	if err != nil {
		return nil, err
	}
	res, err := h.approvals.GetAggregate(ctx, req.ArtifactID, uc.UserID)
	return h.reply(ctx, res, err)
}

// RecomputeAggregate re-runs aggregation for an artifact
func (h *GRPCHandler) RecomputeAggregate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uc, req, err := decodeRequest[artifactRequest](ctx, in)
	if err != nil {
		return nil, err
	}
	h.logger.Info().Str("artifact_id", req.ArtifactID).Str("user_id", uc.UserID).Msg("gRPC RecomputeAggregate called")

	res, err := h.approvals.RecomputeAggregate(ctx, req.ArtifactID, uc.UserID)
	return h.reply(ctx, res, err)
}

// ListPending lists the caller's open tasks
func (h *GRPCHandler) ListPending(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uc, _, err := decodeRequest[struct{}](ctx, in)
	if err != nil {
		return nil, err
	}
	tasks, err := h.approvals.ListPending(ctx, uc.OrganisationID, uc.UserID)
	if err != nil {
		return h.reply(ctx, nil, err)
	}
	return h.reply(ctx, map[string]interface{}{"tasks": tasks}, nil)
}

type rateLimitRequest struct {
	OperationKind string `json:"operation_kind"`
}

// CheckRateLimit admits or rejects one invocation of an operation. A
// rejection is a RESOURCE_EXHAUSTED status whose trailer carries the
// exceeded limit.
func (h *GRPCHandler) CheckRateLimit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uc, req, err := decodeRequest[rateLimitRequest](ctx, in)
	if err != nil {
		return nil, err
	}
	decision, err := h.guard.Check(ctx, ratelimit.Request{
		ActorID:        uc.UserID,
		OrganisationID: uc.OrganisationID,
		OperationKind:  req.OperationKind,
	})
	if err == nil && !decision.Allowed {
		err = decision.Rejection.Err()
	}
	return h.reply(ctx, decision, err)
}

func decodeRequest[T any](ctx context.Context, in *structpb.Struct) (auth.UserContext, *T, error) {
	uc, err := auth.GetUserContext(ctx)
	if err != nil {
		return auth.UserContext{}, nil, toStatus(ctx, err)
	}
	req := new(T)
	if in != nil && len(in.GetFields()) > 0 {
		if err := fromStruct(in, req); err != nil {
			return auth.UserContext{}, nil, status.Error(codes.InvalidArgument, "invalid request: "+err.Error())
		}
	}
	return uc, req, nil
}

func (h *GRPCHandler) reply(ctx context.Context, v interface{}, err error) (*structpb.Struct, error) {
	if err != nil {
		if errors.GRPCCode(err) == codes.Internal {
			h.logger.Error().Err(err).Msg("gRPC request failed")
		}
		return nil, toStatus(ctx, err)
	}
	out, err := toStruct(v)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode gRPC response")
		return nil, status.Error(codes.Internal, "internal error")
	}
	return out, nil
}

// toStatus converts a service error to a gRPC status. Error metadata travels
// in the response trailer.
func toStatus(ctx context.Context, err error) error {
	code := errors.GRPCCode(err)
	if code == codes.Internal {
		return status.Error(code, "internal error")
	}
	if md := errors.MetadataOf(err); len(md) > 0 {
		_ = grpc.SetTrailer(ctx, metadata.New(md))
	}
	return status.Error(code, err.Error())
}

// UnaryAuthInterceptor lifts the caller identity from request metadata.
// Health and reflection calls pass through without one.
func UnaryAuthInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !strings.HasPrefix(info.FullMethod, "/"+ApprovalServiceName+"/") {
			return handler(ctx, req)
		}
		return handler(auth.FromIncomingMetadata(ctx), req)
	}
}
