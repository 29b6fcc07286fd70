package natsclient

import (
	"encoding/json"
	"errors"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bartossh/Relayer/relay"
)

const originField = "origin"

var ErrMissingOrigin = errors.New("message has no origin")

// encode marshals the update with the origin of the publishing instance to the protobuf Struct wire form.
func encode(origin string, u relay.Update) ([]byte, error) {
	raw, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields[originField] = origin
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// decode reads the update and the origin of the publishing instance.
func decode(msg []byte) (string, relay.Update, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(msg, &s); err != nil {
		return "", relay.Update{}, err
	}
	fields := s.AsMap()
	origin, _ := fields[originField].(string)
	if origin == "" {
		return "", relay.Update{}, ErrMissingOrigin
	}
	delete(fields, originField)
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", relay.Update{}, err
	}
	var u relay.Update
	if err := json.Unmarshal(raw, &u); err != nil {
		return "", relay.Update{}, err
	}
	return origin, u, nil
}
