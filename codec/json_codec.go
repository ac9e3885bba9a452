package codec

import (
	"bytes"
	"encoding/json"
)

// JSONCodec encodes with encoding/json.
type JSONCodec struct{}

func (*JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode unmarshals data into v. A nil v, an empty payload or a JSON null
// leaves v untouched.
func (*JSONCodec) Decode(data []byte, v any) error {
	if v == nil || len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (*JSONCodec) ContentType() string { return "application/json-rpc" }
