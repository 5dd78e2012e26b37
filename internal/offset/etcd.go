package offset

import (
	"context"
	"fmt"
	"strconv"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdKV is the subset of clientv3.KV used by Etcd
type EtcdKV interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Txn(ctx context.Context) clientv3.Txn
}

// Etcd allocates offsets from counters stored in etcd under a prefix.
// Each counter holds the next free offset as a decimal string.
type Etcd struct {
	kv          EtcdKV
	prefix      string
	maxAttempts int
}

// NewEtcd creates an allocator over kv, normally a *clientv3.Client
func NewEtcd(kv EtcdKV, prefix string, maxAttempts int) *Etcd {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Etcd{kv: kv, prefix: prefix, maxAttempts: maxAttempts}
}

// Next advances the counter for key in a transaction guarded by its revision
func (a *Etcd) Next(ctx context.Context, key string) (int, error) {
	k := a.prefix + counterKey(key)

	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		resp, err := a.kv.Get(ctx, k)
		if err != nil {
			return 0, fmt.Errorf("%w: get %s: %w", ErrUnavailable, k, err)
		}

		current := 0
		guard := clientv3.Compare(clientv3.CreateRevision(k), "=", 0)
		if len(resp.Kvs) > 0 {
			kv := resp.Kvs[0]
			current, err = strconv.Atoi(string(kv.Value))
			if err != nil {
				return 0, fmt.Errorf("%w: %s holds %q", ErrCorrupt, k, kv.Value)
			}
			guard = clientv3.Compare(clientv3.ModRevision(k), "=", kv.ModRevision)
		}

		txn, err := a.kv.Txn(ctx).
			If(guard).
			Then(clientv3.OpPut(k, strconv.Itoa(current+1))).
			Commit()
		if err != nil {
			return 0, fmt.Errorf("%w: txn %s: %w", ErrUnavailable, k, err)
		}
		if txn.Succeeded {
			return current, nil
		}
	}

	return 0, fmt.Errorf("%w: %d transactions on %s lost", ErrUnavailable, a.maxAttempts, k)
}
