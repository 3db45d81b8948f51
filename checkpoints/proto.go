package checkpoints

import (
	"encoding/json"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// marshalProto encodes a checkpoint as a binary google.protobuf.Struct. The
// struct mirrors the JSON document field for field, so both formats carry the
// same information and the JSON tags remain the single schema.
func marshalProto(checkpoint *Checkpoint) ([]byte, error) {
	doc, err := json.Marshal(checkpoint)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, err
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, "build protobuf struct")
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(msg)
}

// unmarshalProto decodes a binary google.protobuf.Struct into checkpoint
func unmarshalProto(data []byte, checkpoint *Checkpoint) error {
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return errors.Wrap(err, "unmarshal protobuf")
	}
	if len(msg.GetFields()) == 0 {
		return errors.New("empty protobuf checkpoint")
	}
	doc, err := json.Marshal(msg.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(doc, checkpoint)
}
