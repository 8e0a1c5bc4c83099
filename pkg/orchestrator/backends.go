package orchestrator

import (
	"errors"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/selfheald/selfheald/pkg/clusterhealth"
	"github.com/selfheald/selfheald/pkg/config"
	"github.com/selfheald/selfheald/pkg/etcdutil"
	"github.com/selfheald/selfheald/pkg/history"
	"github.com/selfheald/selfheald/pkg/lock"
)

// Backends holds the external collaborators selected by the configuration. A single etcd client
// is shared by the store, the lock manager and the publisher.
type Backends struct {
	Client    *clientv3.Client
	Store     history.Store
	Locker    lock.Manager
	Publisher clusterhealth.Publisher

	closers []func() error
}

// OpenBackends dials etcd when any etcd-backed feature is enabled and opens the history store.
func OpenBackends(cfg *config.Config) (*Backends, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	b := &Backends{}
	needsEtcd := cfg.Store.Backend == "etcd" || cfg.Lock.Enabled || cfg.Publish.Enabled
	if needsEtcd {
		client, err := etcdutil.NewClient(cfg.Store.Etcd)
		if err != nil {
			return nil, err
		}
		b.Client = client
	}

	store, err := history.Open(cfg.Store, b.Client)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("open history store: %w", err)
	}
	b.Store = store
	b.closers = append(b.closers, store.Close)

	if cfg.Lock.Enabled {
		manager, err := lock.NewEtcdManager(lock.EtcdManagerOptions{
			Client:    b.Client,
			KeyPrefix: cfg.Lock.KeyPrefix,
			Namespace: cfg.Store.Etcd.Namespace,
			TTL:       cfg.LockTTL(),
			NodeName:  cfg.NodeName,
		})
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("create lock manager: %w", err)
		}
		b.Locker = manager
		b.closers = append(b.closers, manager.Close)
	} else {
		b.Locker = lock.NewNoopManager()
	}

	if cfg.Publish.Enabled {
		publisher, err := clusterhealth.NewEtcdPublisher(clusterhealth.EtcdPublisherOptions{
			Client:    b.Client,
			Namespace: cfg.Store.Etcd.Namespace,
			Prefix:    cfg.Publish.Prefix,
			NodeName:  cfg.NodeName,
			TTL:       3 * cfg.PublishInterval(),
		})
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("create health publisher: %w", err)
		}
		b.Publisher = publisher
		b.closers = append(b.closers, publisher.Close)
	}
	return b, nil
}

// Options converts the backends into orchestrator options.
func (b *Backends) Options() []Option {
	opts := []Option{WithStore(b.Store), WithLocker(b.Locker)}
	if b.Publisher != nil {
		opts = append(opts, WithPublisher(b.Publisher))
	}
	return opts
}

// Close releases every backend, the shared client last.
func (b *Backends) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	if b.Client != nil {
		if err := b.Client.Close(); err != nil {
			errs = append(errs, err)
		}
		b.Client = nil
	}
	return errors.Join(errs...)
}
