package rpc

import "encoding/json"

// jsonCodec implements google.golang.org/grpc/encoding.Codec over
// encoding/json instead of protobuf wire format, so this service's
// request/response types can be plain Go structs rather than
// protoc-generated `.pb.go` stubs. Registered globally under the name
// "json" by init() in service.go, matching the name grpc's content-
// subtype negotiation expects (`application/grpc+json`).
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "json"
}
