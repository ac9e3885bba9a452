// Package protocol implements the aria2 JSON-RPC envelope rules on top of
// websocket text frames.
//
// The websocket layer already delimits messages, so there is no length prefix:
// one text frame carries exactly one JSON object. What this package adds is the
// contract around that object:
//
//	method  = "aria2." + verb          (verbs in the "system." namespace pass through)
//	params  = ["token:" + secret, ...]  (the secret is always the first positional param)
//	reply   = {"id", "result"} xor {"id", "error":{"code","message"}}
//
// Frames that break the reply contract cannot be correlated and are rejected by
// Decode; the transport drops them.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ariactl/message"
)

const (
	Version         = "2.0"
	Namespace       = "aria2"
	SystemNamespace = "system"
	tokenPrefix     = "token:"
)

var (
	ErrEmptyFrame     = errors.New("protocol: empty frame")
	ErrMissingID      = errors.New("protocol: response without id")
	ErrResultAndError = errors.New("protocol: response carries both result and error")
	ErrNoOutcome      = errors.New("protocol: response carries neither result nor error")
)

// Method applies the engine namespace to a verb. Already-namespaced verbs
// ("system.multicall", "aria2.getVersion") are returned as is.
func Method(verb string) string {
	if strings.HasPrefix(verb, Namespace+".") || strings.HasPrefix(verb, SystemNamespace+".") {
		return verb
	}
	return Namespace + "." + verb
}

// Verb strips the engine namespace from a method name.
func Verb(method string) string {
	return strings.TrimPrefix(method, Namespace+".")
}

// TokenParam renders the shared secret as the engine expects it.
func TokenParam(secret string) string {
	return tokenPrefix + secret
}

// SplitToken extracts the secret from a first positional parameter.
func SplitToken(param string) (string, bool) {
	if !strings.HasPrefix(param, tokenPrefix) {
		return "", false
	}
	return strings.TrimPrefix(param, tokenPrefix), true
}

// NewRequest builds the envelope for one call. The token is prepended ahead of
// the caller's parameters; this is part of the protocol, not an option.
func NewRequest(id uint64, verb, secret string, params ...any) *message.Request {
	all := make([]any, 0, len(params)+1)
	all = append(all, TokenParam(secret))
	all = append(all, params...)
	return &message.Request{
		JSONRPC: Version,
		ID:      message.NumericID(id),
		Method:  Method(verb),
		Params:  all,
	}
}

// Decode parses and validates one inbound response frame.
func Decode(frame []byte) (*message.Response, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}

	var resp message.Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		return nil, fmt.Errorf("protocol: decode response: %w", err)
	}
	if resp.JSONRPC != "" && resp.JSONRPC != Version {
		return nil, fmt.Errorf("protocol: unsupported version %q", resp.JSONRPC)
	}
	if resp.ID.IsZero() {
		return nil, ErrMissingID
	}

	hasResult := resp.Result != nil
	hasError := resp.Error != nil
	switch {
	case hasResult && hasError:
		return nil, ErrResultAndError
	case !hasResult && !hasError:
		return nil, ErrNoOutcome
	}
	return &resp, nil
}

// IsNotification reports whether frame is an engine-pushed event rather than
// a response: it names a method and carries no id.
func IsNotification(frame []byte) bool {
	var probe struct {
		ID     *json.RawMessage `json:"id"`
		Method string           `json:"method"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return false
	}
	return probe.Method != "" && (probe.ID == nil || string(*probe.ID) == "null")
}

// DecodeNotification parses an engine-pushed event.
func DecodeNotification(frame []byte) (*message.Notification, error) {
	var n message.Notification
	if err := json.Unmarshal(frame, &n); err != nil {
		return nil, fmt.Errorf("protocol: decode notification: %w", err)
	}
	if n.Method == "" {
		return nil, errors.New("protocol: notification without method")
	}
	return &n, nil
}
