// Package message defines the JSON-RPC 2.0 envelopes exchanged with the download engine.
//
// Request is the outbound "envelope" for every call. Response is what the engine
// sends back, matched to its request by ID. Notification is an engine-initiated
// event (no id) such as aria2.onDownloadComplete.
//
//	-> {"jsonrpc":"2.0","id":7,"method":"aria2.tellActive","params":["token:s3cr3t"]}
//	<- {"jsonrpc":"2.0","id":7,"result":[...]}
//	<- {"jsonrpc":"2.0","id":7,"error":{"code":1,"message":"Unauthorized"}}
package message

import (
	"encoding/json"
	"strconv"
)

// Request carries one outbound call.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      ID     `json:"id"`
	Method  string `json:"method"` // Namespaced, e.g. "aria2.addUri"
	Params  []any  `json:"params"` // Positional; the secret token is always first
}

// Response carries one inbound reply. Exactly one of Result and Error is set
// on a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the JSON-RPC error member.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Notification is an engine-pushed event. aria2 sends a single {"gid": ...}
// object as params.
type Notification struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []EventParams `json:"params"`
}

// EventParams identifies the download a notification refers to.
type EventParams struct {
	GID string `json:"gid"`
}

// GIDs returns the handles referenced by the notification.
func (n *Notification) GIDs() []string {
	gids := make([]string, 0, len(n.Params))
	for _, p := range n.Params {
		if p.GID != "" {
			gids = append(gids, p.GID)
		}
	}
	return gids
}

// Result is what a pending call eventually receives: the raw result or an error.
type Result struct {
	Value json.RawMessage
	Err   error
}

// ID is a correlation id as it appears on the wire. The engine echoes whatever
// it was sent, but JSON-RPC allows both numbers and strings, so both are accepted.
type ID struct {
	num   uint64
	str   string
	isNum bool
	set   bool
}

// NumericID builds the id form the client sends.
func NumericID(n uint64) ID {
	return ID{num: n, isNum: true, set: true}
}

// StringID builds a string id.
func StringID(s string) ID {
	return ID{str: s, set: true}
}

// IsZero reports whether the id was absent or null.
func (id ID) IsZero() bool { return !id.set }

// Uint64 returns the numeric value of the id. String ids holding a decimal
// number are accepted as well.
func (id ID) Uint64() (uint64, bool) {
	if !id.set {
		return 0, false
	}
	if id.isNum {
		return id.num, true
	}
	n, err := strconv.ParseUint(id.str, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (id ID) String() string {
	switch {
	case !id.set:
		return ""
	case id.isNum:
		return strconv.FormatUint(id.num, 10)
	default:
		return id.str
	}
}

func (id ID) MarshalJSON() ([]byte, error) {
	switch {
	case !id.set:
		return []byte("null"), nil
	case id.isNum:
		return strconv.AppendUint(nil, id.num, 10), nil
	default:
		return json.Marshal(id.str)
	}
}

func (id *ID) UnmarshalJSON(data []byte) error {
	*id = ID{}
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	v, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil {
		// Non-integral or negative numbers can never match an id we issued.
		*id = StringID(n.String())
		return nil
	}
	*id = NumericID(v)
	return nil
}
