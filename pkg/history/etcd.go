package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/selfheald/selfheald/pkg/etcdutil"
	"github.com/selfheald/selfheald/pkg/recovery"
)

// EtcdStoreOptions configures the etcd-backed store. When Client is nil a client is dialled from
// Endpoints and closed by Close.
type EtcdStoreOptions struct {
	Client      *clientv3.Client
	Endpoints   []string
	DialTimeout time.Duration
	Namespace   string
	Prefix      string
}

// EtcdStore shares recovery history and scores between replicas through etcd.
type EtcdStore struct {
	client     *clientv3.Client
	ownsClient bool
	records    string
	scores     string
}

// NewEtcdStore constructs an etcd store.
func NewEtcdStore(opts EtcdStoreOptions) (*EtcdStore, error) {
	client := opts.Client
	owns := false
	if client == nil {
		if len(opts.Endpoints) == 0 {
			return nil, errors.New("etcd store requires a client or at least one endpoint")
		}
		dialTimeout := opts.DialTimeout
		if dialTimeout <= 0 {
			dialTimeout = 5 * time.Second
		}
		var err error
		client, err = clientv3.New(clientv3.Config{
			Endpoints:           opts.Endpoints,
			DialTimeout:         dialTimeout,
			RejectOldCluster:    true,
			PermitWithoutStream: true,
		})
		if err != nil {
			return nil, fmt.Errorf("create etcd client: %w", err)
		}
		owns = true
	}
	prefix := strings.Trim(strings.TrimSpace(opts.Prefix), "/")
	if prefix == "" {
		prefix = "recovery"
	}
	base := etcdutil.ApplyNamespace(opts.Namespace, prefix)
	return &EtcdStore{
		client:     client,
		ownsClient: owns,
		records:    base + "/records/",
		scores:     base + "/scores/",
	}, nil
}

// Save implements recovery.Store. The record and its score updates are written atomically.
func (s *EtcdStore) Save(ctx context.Context, record recovery.Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode recovery record: %w", err)
	}
	ops := []clientv3.Op{clientv3.OpPut(s.recordKey(record), string(payload))}
	for _, score := range record.ScoreUpdates {
		encoded, err := json.Marshal(score)
		if err != nil {
			return fmt.Errorf("encode effectiveness score: %w", err)
		}
		ops = append(ops, clientv3.OpPut(s.scores+score.Action+"/"+string(score.Problem), string(encoded)))
	}

	ctx = clientv3.WithRequireLeader(ctx)
	if _, err := s.client.Txn(ctx).Then(ops...).Commit(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("store recovery record: %w", err)
	}
	return nil
}

// LoadEffectiveness implements recovery.Store.
func (s *EtcdStore) LoadEffectiveness(ctx context.Context) ([]recovery.Score, error) {
	resp, err := s.client.Get(clientv3.WithRequireLeader(ctx), s.scores, clientv3.WithPrefix())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("load effectiveness scores: %w", err)
	}
	scores := make([]recovery.Score, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var score recovery.Score
		if err := json.Unmarshal(kv.Value, &score); err != nil {
			return nil, fmt.Errorf("decode effectiveness score %s: %w", kv.Key, err)
		}
		scores = append(scores, score)
	}
	return scores, nil
}

// Recent implements Store.
func (s *EtcdStore) Recent(ctx context.Context, limit int) ([]recovery.Record, error) {
	opts := []clientv3.OpOption{
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortDescend),
	}
	if limit > 0 {
		opts = append(opts, clientv3.WithLimit(int64(limit)))
	}
	resp, err := s.client.Get(clientv3.WithRequireLeader(ctx), s.records, opts...)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("list recovery records: %w", err)
	}
	records := make([]recovery.Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var record recovery.Record
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			return nil, fmt.Errorf("decode recovery record %s: %w", kv.Key, err)
		}
		records = append(records, record)
	}
	return records, nil
}

// Close implements Store.
func (s *EtcdStore) Close() error {
	if s == nil || !s.ownsClient {
		return nil
	}
	return s.client.Close()
}

// recordKey sorts records chronologically by start time.
func (s *EtcdStore) recordKey(record recovery.Record) string {
	return s.records + record.StartedAt.UTC().Format(timeLayout) + "-" + record.ID
}

var _ Store = (*EtcdStore)(nil)
