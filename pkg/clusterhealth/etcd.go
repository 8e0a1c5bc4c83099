package clusterhealth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/selfheald/selfheald/pkg/etcdutil"
	"github.com/selfheald/selfheald/pkg/health"
)

// EtcdPublisherOptions configures the etcd-backed publisher. When Client is nil a client is
// dialled from Endpoints and closed by Close.
type EtcdPublisherOptions struct {
	Client      *clientv3.Client
	Endpoints   []string
	DialTimeout time.Duration
	Namespace   string
	Prefix      string
	NodeName    string
	// TTL expires the node's entry when it stops publishing. Zero keeps entries forever.
	TTL   time.Duration
	Clock func() time.Time
}

// EtcdPublisher persists node health summaries in etcd.
type EtcdPublisher struct {
	client     *clientv3.Client
	ownsClient bool
	prefix     string
	node       string
	ttl        time.Duration
	now        func() time.Time
	nodePath   string
}

type recordPayload struct {
	Node          string   `json:"node"`
	Status        string   `json:"status"`
	Tier          string   `json:"tier,omitempty"`
	FailingChecks []string `json:"failing_checks,omitempty"`
	OpenBreakers  []string `json:"open_breakers,omitempty"`
	ActivePlan    string   `json:"active_plan,omitempty"`
	ReportedAt    string   `json:"reported_at"`
}

// NewEtcdPublisher constructs a publisher backed by etcd.
func NewEtcdPublisher(opts EtcdPublisherOptions) (*EtcdPublisher, error) {
	node := strings.TrimSpace(opts.NodeName)
	if node == "" {
		return nil, errors.New("cluster health publisher requires a node name")
	}
	trimmedPrefix := strings.TrimSpace(opts.Prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "health"
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	client := opts.Client
	owns := false
	if client == nil {
		if len(opts.Endpoints) == 0 {
			return nil, errors.New("cluster health publisher requires a client or at least one etcd endpoint")
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

	normalizedPrefix := strings.TrimRight(etcdutil.ApplyNamespace(opts.Namespace, trimmedPrefix), "/")
	return &EtcdPublisher{
		client:     client,
		ownsClient: owns,
		prefix:     normalizedPrefix,
		node:       node,
		ttl:        opts.TTL,
		now:        clock,
		nodePath:   path.Join(normalizedPrefix, node),
	}, nil
}

// Close releases the client when the publisher dialled it.
func (p *EtcdPublisher) Close() error {
	if p == nil || !p.ownsClient {
		return nil
	}
	return p.client.Close()
}

// Publish implements Publisher.
func (p *EtcdPublisher) Publish(ctx context.Context, summary Summary) error {
	if ctx == nil {
		ctx = context.Background()
	}

	payload := recordPayload{
		Node:          p.node,
		Status:        string(summary.Status),
		Tier:          summary.Tier,
		FailingChecks: summary.FailingChecks,
		OpenBreakers:  summary.OpenBreakers,
		ActivePlan:    summary.ActivePlan,
		ReportedAt:    p.now().UTC().Format(time.RFC3339Nano),
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ctx = clientv3.WithRequireLeader(ctx)
	var putOpts []clientv3.OpOption
	if p.ttl > 0 {
		seconds := int64(p.ttl / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		lease, err := p.client.Grant(ctx, seconds)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("grant cluster health lease: %w", err)
		}
		putOpts = append(putOpts, clientv3.WithLease(lease.ID))
	}
	if _, err := p.client.Put(ctx, p.nodePath, string(encoded), putOpts...); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("store cluster health entry: %w", err)
	}
	return nil
}

// Status implements Publisher.
func (p *EtcdPublisher) Status(ctx context.Context) ([]Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx = clientv3.WithRequireLeader(ctx)
	prefix := p.prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	resp, err := p.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("list cluster health entries: %w", err)
	}

	records := make([]Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var payload recordPayload
		if err := json.Unmarshal(kv.Value, &payload); err != nil {
			return nil, fmt.Errorf("parse cluster health payload: %w", err)
		}
		reportedAt, err := time.Parse(time.RFC3339Nano, payload.ReportedAt)
		if err != nil {
			return nil, fmt.Errorf("parse cluster health timestamp: %w", err)
		}
		node := payload.Node
		if node == "" {
			node = strings.TrimPrefix(string(kv.Key), prefix)
		}
		status := health.Status(payload.Status)
		if !status.Valid() {
			status = health.StatusUnhealthy
		}
		records = append(records, Record{
			Node:          node,
			Status:        status,
			Tier:          payload.Tier,
			FailingChecks: payload.FailingChecks,
			OpenBreakers:  payload.OpenBreakers,
			ActivePlan:    payload.ActivePlan,
			ReportedAt:    reportedAt,
		})
	}

	return records, nil
}

var _ Publisher = (*EtcdPublisher)(nil)
