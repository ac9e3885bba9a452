// Package registry lets aria2 engines announce themselves and lets clients
// find them.
//
// Engines are grouped by name (for example "default" or "seedbox"); every
// member of a group is an EngineInstance keyed by its websocket address.
package registry

import (
	"context"
	"errors"
)

// ErrNoEngines is returned when a group has no live members.
var ErrNoEngines = errors.New("registry: no engines available")

// EngineInstance describes one reachable engine.
type EngineInstance struct {
	Addr    string `json:"addr"`    // Websocket RPC endpoint, e.g. ws://10.0.0.5:6800/jsonrpc
	Weight  int    `json:"weight"`  // Relative capacity for weighted balancing
	Version string `json:"version"` // Engine version as reported by getVersion
}

// Registry stores engine announcements.
type Registry interface {
	Register(ctx context.Context, name string, instance EngineInstance, ttl int64) error
	Deregister(ctx context.Context, name string, addr string) error
	Discover(ctx context.Context, name string) ([]EngineInstance, error)
	Watch(ctx context.Context, name string) <-chan []EngineInstance
}

// Picker chooses one instance for a key. loadbalance.Balancer satisfies it.
type Picker interface {
	Pick(key string, instances []EngineInstance) (*EngineInstance, error)
}
