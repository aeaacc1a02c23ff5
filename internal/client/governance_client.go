package client

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const governanceService = "/governance.v1.ApprovalService/"

// GovernanceGRPCClient calls the governance ApprovalService. Responses are
// returned as decoded JSON objects.
type GovernanceGRPCClient struct {
	conn *grpc.ClientConn
}

// NewGovernanceGRPCClient dials the governance gRPC service acting as userID
// within organisationID.
func NewGovernanceGRPCClient(addr, userID, organisationID string, opts ...grpc.DialOption) (*GovernanceGRPCClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(identityInterceptor(userID, organisationID)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &GovernanceGRPCClient{conn: conn}, nil
}

// Close releases the underlying gRPC connection.
func (c *GovernanceGRPCClient) Close() error {
	return c.conn.Close()
}

// SubmitForApproval submits an artifact and returns the created tasks.
func (c *GovernanceGRPCClient) SubmitForApproval(ctx context.Context, artifactID string) (map[string]interface{}, error) {
	return c.call(ctx, "SubmitForApproval", map[string]interface{}{"artifact_id": artifactID})
}

// RecordDecision approves or rejects a task.
func (c *GovernanceGRPCClient) RecordDecision(ctx context.Context, taskID, decision, comment string) (map[string]interface{}, error) {
	req := map[string]interface{}{"task_id": taskID, "decision": decision}
	if comment != "" {
		req["comment"] = comment
	}
	return c.call(ctx, "RecordDecision", req)
}

// GetAggregate reads an artifact's aggregate without writing it.
func (c *GovernanceGRPCClient) GetAggregate(ctx context.Context, artifactID string) (map[string]interface{}, error) {
	return c.call(ctx, "GetAggregate", map[string]interface{}{"artifact_id": artifactID})
}

// RecomputeAggregate re-runs aggregation for an artifact.
func (c *GovernanceGRPCClient) RecomputeAggregate(ctx context.Context, artifactID string) (map[string]interface{}, error) {
	return c.call(ctx, "RecomputeAggregate", map[string]interface{}{"artifact_id": artifactID})
}

// ListPending lists the caller's open tasks.
func (c *GovernanceGRPCClient) ListPending(ctx context.Context) (map[string]interface{}, error) {
	return c.call(ctx, "ListPending", nil)
}

// CheckRateLimit asks the guard to admit one invocation of operationKind. A
// rejection surfaces as a RESOURCE_EXHAUSTED status error.
func (c *GovernanceGRPCClient) CheckRateLimit(ctx context.Context, operationKind string) (map[string]interface{}, error) {
	return c.call(ctx, "CheckRateLimit", map[string]interface{}{"operation_kind": operationKind})
}

func (c *GovernanceGRPCClient) call(ctx context.Context, method string, req map[string]interface{}) (map[string]interface{}, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, governanceService+method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
