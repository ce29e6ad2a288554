package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/integrity/pkg/types"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// DefaultEtcdPrefix is the key prefix every node of a cluster shares
	DefaultEtcdPrefix = "/integrity"

	// DefaultDialTimeout bounds the initial connection to etcd
	DefaultDialTimeout = 5 * time.Second

	// DefaultRequestTimeout bounds a single etcd request
	DefaultRequestTimeout = 5 * time.Second

	// maxUpdateAttempts bounds compare-and-swap retries on a contended record
	maxUpdateAttempts = 32
)

// errConflict marks a compare-and-swap that lost against a concurrent writer
var errConflict = errors.New("concurrent update")

// EtcdStoreOptions configures the etcd-backed store
type EtcdStoreOptions struct {
	Endpoints      []string
	Prefix         string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// EtcdStore implements Store on an etcd cluster, so every node of a
// redundant cluster reads and writes the same records. Keys are laid out as
// <prefix>/<bucket>/<name> with JSON values.
type EtcdStore struct {
	client  *clientv3.Client
	prefix  string
	timeout time.Duration
}

// NewEtcdStore connects to the etcd endpoints in opts
func NewEtcdStore(opts EtcdStoreOptions) (*EtcdStore, error) {
	if len(opts.Endpoints) == 0 {
		return nil, &types.StoreError{Op: "open", Err: errors.New("etcd store requires at least one endpoint")}
	}
	prefix := strings.TrimRight(strings.TrimSpace(opts.Prefix), "/")
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:           opts.Endpoints,
		DialTimeout:         dialTimeout,
		RejectOldCluster:    true,
		PermitWithoutStream: true,
	})
	if err != nil {
		return nil, &types.StoreError{Op: "open", Err: fmt.Errorf("create etcd client: %w", err)}
	}

	s := &EtcdStore{client: client, prefix: prefix, timeout: timeout}
	if err := s.Ping(); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the etcd client
func (s *EtcdStore) Close() error {
	return s.client.Close()
}

// Ping issues a count-only read under the prefix
func (s *EtcdStore) Ping() error {
	ctx, cancel := s.context()
	defer cancel()
	if _, err := s.client.Get(ctx, s.prefix+"/", clientv3.WithPrefix(), clientv3.WithCountOnly()); err != nil {
		return &types.StoreError{Op: "ping", Err: err}
	}
	return nil
}

func (s *EtcdStore) GetState(resource string) (*types.StateRecord, error) {
	var rec types.StateRecord
	if err := s.get(bucketStates, "get state", resource, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *EtcdStore) UpdateState(resource string, fn StateUpdateFunc) (*types.StateRecord, error) {
	var rec types.StateRecord
	err := s.update(bucketStates, "update state", resource, func(data []byte) (any, error) {
		rec = types.StateRecord{Resource: resource}
		exists := data != nil
		if exists {
			if err := json.Unmarshal(data, &rec); err != nil {
				return nil, err
			}
		}
		if err := fn(&rec, exists); err != nil {
			return nil, abort(err)
		}
		return &rec, nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *EtcdStore) ListStates() ([]*types.StateRecord, error) {
	var records []*types.StateRecord
	err := s.list(bucketStates, "list states", func(v []byte) error {
		var rec types.StateRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		records = append(records, &rec)
		return nil
	})
	return records, err
}

func (s *EtcdStore) DeleteState(resource string) error {
	return s.delete(bucketStates, "delete state", resource)
}

func (s *EtcdStore) GetForwardProgress(resource string) (*types.ForwardProgress, error) {
	var fp types.ForwardProgress
	if err := s.get(bucketForwardProgress, "get forward progress", resource, &fp); err != nil {
		return nil, err
	}
	return &fp, nil
}

func (s *EtcdStore) UpdateForwardProgress(resource string, fn ProgressUpdateFunc) (*types.ForwardProgress, error) {
	var fp types.ForwardProgress
	err := s.update(bucketForwardProgress, "update forward progress", resource, func(data []byte) (any, error) {
		fp = types.ForwardProgress{Resource: resource}
		exists := data != nil
		if exists {
			if err := json.Unmarshal(data, &fp); err != nil {
				return nil, err
			}
		}
		if err := fn(&fp, exists); err != nil {
			return nil, abort(err)
		}
		return &fp, nil
	})
	if err != nil {
		return nil, err
	}
	return &fp, nil
}

func (s *EtcdStore) ListForwardProgress() ([]*types.ForwardProgress, error) {
	var records []*types.ForwardProgress
	err := s.list(bucketForwardProgress, "list forward progress", func(v []byte) error {
		var fp types.ForwardProgress
		if err := json.Unmarshal(v, &fp); err != nil {
			return err
		}
		records = append(records, &fp)
		return nil
	})
	return records, err
}

func (s *EtcdStore) DeleteForwardProgress(resource string) error {
	return s.delete(bucketForwardProgress, "delete forward progress", resource)
}

// RegisterResource writes res, keeping the creation time of an earlier
// registration when res carries none
func (s *EtcdStore) RegisterResource(res *types.Resource) error {
	return s.update(bucketResources, "register resource", res.Name, func(data []byte) (any, error) {
		if data != nil && res.CreatedAt.IsZero() {
			var prev types.Resource
			if err := json.Unmarshal(data, &prev); err == nil {
				res.CreatedAt = prev.CreatedAt
			}
		}
		return res, nil
	})
}

func (s *EtcdStore) GetResource(name string) (*types.Resource, error) {
	var res types.Resource
	if err := s.get(bucketResources, "get resource", name, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *EtcdStore) ListResources() ([]*types.Resource, error) {
	var resources []*types.Resource
	err := s.list(bucketResources, "list resources", func(v []byte) error {
		var res types.Resource
		if err := json.Unmarshal(v, &res); err != nil {
			return err
		}
		resources = append(resources, &res)
		return nil
	})
	return resources, err
}

func (s *EtcdStore) DeleteResource(name string) error {
	return s.delete(bucketResources, "delete resource", name)
}

func (s *EtcdStore) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(clientv3.WithRequireLeader(context.Background()), s.timeout)
}

func (s *EtcdStore) key(bucket []byte, name string) string {
	return path.Join(s.prefix, string(bucket), name)
}

func (s *EtcdStore) get(bucket []byte, op, name string, v any) error {
	ctx, cancel := s.context()
	defer cancel()

	resp, err := s.client.Get(ctx, s.key(bucket, name))
	if err != nil {
		return &types.StoreError{Op: op, Resource: name, Err: err}
	}
	if len(resp.Kvs) == 0 {
		return fmt.Errorf("%s %s: %w", bucket, name, types.ErrNotFound)
	}
	if err := json.Unmarshal(resp.Kvs[0].Value, v); err != nil {
		return &types.StoreError{Op: op, Resource: name, Err: err}
	}
	return nil
}

// update reads key, hands its value (nil when absent) to mutate and writes
// the returned value back only if nobody changed the key in between. Lost
// races are retried; every other failure ends the update. Errors from the
// caller's update function come back unchanged.
func (s *EtcdStore) update(bucket []byte, op, name string, mutate func(data []byte) (any, error)) error {
	key := s.key(bucket, name)

	attempt := func() error {
		ctx, cancel := s.context()
		defer cancel()

		resp, err := s.client.Get(ctx, key)
		if err != nil {
			return backoff.Permanent(err)
		}
		var (
			data []byte
			rev  int64
		)
		if len(resp.Kvs) > 0 {
			data = resp.Kvs[0].Value
			rev = resp.Kvs[0].ModRevision
		}

		v, err := mutate(data)
		if err != nil {
			return backoff.Permanent(err)
		}
		out, err := json.Marshal(v)
		if err != nil {
			return backoff.Permanent(err)
		}

		// ModRevision is 0 for a missing key, so this also guards creation
		txn, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
			Then(clientv3.OpPut(key, string(out))).
			Commit()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !txn.Succeeded {
			return errConflict
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	policy := backoff.WithMaxRetries(b, maxUpdateAttempts)
	err := backoff.Retry(attempt, policy)
	if err == nil {
		return nil
	}
	var aborted *abortError
	if errors.As(err, &aborted) {
		return aborted.err
	}
	return &types.StoreError{Op: op, Resource: name, Err: err}
}

// abortError carries an error returned by a caller's update function
type abortError struct {
	err error
}

func (e *abortError) Error() string {
	return e.err.Error()
}

func abort(err error) error {
	return &abortError{err: err}
}

func (s *EtcdStore) list(bucket []byte, op string, decode func(v []byte) error) error {
	ctx, cancel := s.context()
	defer cancel()

	resp, err := s.client.Get(ctx, s.key(bucket, "")+"/", clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return &types.StoreError{Op: op, Err: err}
	}
	for _, kv := range resp.Kvs {
		if err := decode(kv.Value); err != nil {
			return &types.StoreError{Op: op, Err: err}
		}
	}
	return nil
}

func (s *EtcdStore) delete(bucket []byte, op, name string) error {
	ctx, cancel := s.context()
	defer cancel()

	if _, err := s.client.Delete(ctx, s.key(bucket, name)); err != nil {
		return &types.StoreError{Op: op, Resource: name, Err: err}
	}
	return nil
}

var _ Store = (*EtcdStore)(nil)
