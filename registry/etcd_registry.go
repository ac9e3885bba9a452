package registry

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix is the root of every announcement:
//
//	Key:   /ariactl/engines/{name}/{escaped addr}
//	Value: JSON-encoded EngineInstance
//
// Entries are attached to a TTL lease, so a crashed engine disappears once the
// lease runs out.
const KeyPrefix = "/ariactl/engines/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]registration // key -> lease held by this process
}

type registration struct {
	lease  clientv3.LeaseID
	cancel context.CancelFunc // Stops the keepalive goroutine
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, logger: logger, leases: make(map[string]registration)}, nil
}

func groupPrefix(name string) string {
	return KeyPrefix + name + "/"
}

func instanceKey(name, addr string) string {
	return groupPrefix(name) + url.PathEscape(addr)
}

// Register announces instance under name with a TTL lease that is renewed in
// the background until Deregister or Close.
//
// The lease id is local to the call; one EtcdRegistry may announce several
// engines concurrently.
func (r *EtcdRegistry) Register(ctx context.Context, name string, instance EngineInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := instanceKey(name, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		cancel()
		return err
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	if old, ok := r.leases[key]; ok {
		old.cancel()
	}
	r.leases[key] = registration{lease: lease.ID, cancel: cancel}
	r.mu.Unlock()
	return nil
}

// Deregister removes the announcement and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, name string, addr string) error {
	key := instanceKey(name, addr)

	r.mu.Lock()
	reg, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		reg.cancel()
		if _, err := r.client.Revoke(ctx, reg.lease); err != nil {
			r.logger.Debug("lease revoke failed", zap.String("key", key), zap.Error(err))
		}
	}
	_, err := r.client.Delete(ctx, key)
	return err
}

// Watch emits the full member list of name whenever it changes. The channel is
// closed when ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, name string) <-chan []EngineInstance {
	ch := make(chan []EngineInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, groupPrefix(name), clientv3.WithPrefix())
		for range watchChan {
			instances, err := r.Discover(ctx, name)
			if err != nil {
				r.logger.Warn("discover after watch event failed", zap.String("name", name), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns the current members of name. Malformed entries are skipped.
func (r *EtcdRegistry) Discover(ctx context.Context, name string) ([]EngineInstance, error) {
	resp, err := r.client.Get(ctx, groupPrefix(name), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]EngineInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance EngineInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Debug("skipping malformed announcement", zap.ByteString("key", kv.Key))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops every keepalive and closes the etcd connection. Announcements
// expire with their leases.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, reg := range r.leases {
		reg.cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
