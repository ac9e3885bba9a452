package codec

import (
	"fmt"
	"mime"
)

// Codec turns JSON-RPC envelopes into frames and back.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	ContentType() string
}

// JSON is the codec aria2 speaks on both its websocket and HTTP endpoints.
var JSON Codec = &JSONCodec{}

var byContentType = map[string]Codec{
	"application/json":        JSON,
	"application/json-rpc":    JSON,
	"application/jsonrequest": JSON,
}

// ForContentType picks the codec for an HTTP Content-Type header. An empty
// header falls back to JSON, as aria2 does.
func ForContentType(header string) (Codec, error) {
	if header == "" {
		return JSON, nil
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	if c, ok := byContentType[mt]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("codec: unsupported content type %q", mt)
}
