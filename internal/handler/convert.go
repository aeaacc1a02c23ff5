package handler

import (
	"bytes"
	"encoding/json"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-approval-governance/internal/repository"
)

func candidateJSON(c repository.ApproverIdentity) map[string]string {
	switch v := c.(type) {
	case repository.AccountApprover:
		return map[string]string{
			"type":    "account",
			"key":     v.Key(),
			"user_id": v.UserID,
			"email":   v.Email,
		}
	case repository.DirectoryApprover:
		return map[string]string{
			"type":         "directory",
			"key":          v.Key(),
			"directory_id": v.DirectoryID,
			"email":        v.Email,
			"full_name":    v.FullName,
		}
	default:
		return map[string]string{"key": c.Key()}
	}
}

// toStruct renders v through its JSON tags so gRPC responses carry the same
// field names as the HTTP API.
func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes a request struct into dst, rejecting unknown fields.
func fromStruct(in *structpb.Struct, dst interface{}) error {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
