package handler

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ApprovalProtoFile is the descriptor path named in ApprovalServiceDesc.
const ApprovalProtoFile = "governance/v1/approval.proto"

// ApprovalFileDescriptor describes the gRPC surface for server reflection.
// Every method takes and returns a google.protobuf.Struct.
var ApprovalFileDescriptor protoreflect.FileDescriptor

func init() {
	fd, err := buildApprovalFile(protoregistry.GlobalFiles)
	if err != nil {
		panic(err)
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		panic(fmt.Sprintf("register %s: %v", ApprovalProtoFile, err))
	}
	ApprovalFileDescriptor = fd
}

func buildApprovalFile(resolver protodesc.Resolver) (protoreflect.FileDescriptor, error) {
	structName := "." + string((&structpb.Struct{}).ProtoReflect().Descriptor().FullName())

	methods := make([]*descriptorpb.MethodDescriptorProto, 0, len(ApprovalServiceDesc.Methods))
	for _, m := range ApprovalServiceDesc.Methods {
		methods = append(methods, &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(m.MethodName),
			InputType:  proto.String(structName),
			OutputType: proto.String(structName),
		})
	}

	file := &descriptorpb.FileDescriptorProto{
		Name:       proto.String(ApprovalProtoFile),
		Package:    proto.String("governance.v1"),
		Dependency: []string{structpb.File_google_protobuf_struct_proto.Path()},
		Syntax:     proto.String("proto3"),
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name:   proto.String("ApprovalService"),
			Method: methods,
		}},
	}
	fd, err := protodesc.NewFile(file, resolver)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", ApprovalProtoFile, err)
	}
	return fd, nil
}
