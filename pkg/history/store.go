package history

import (
	"context"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/selfheald/selfheald/pkg/config"
	"github.com/selfheald/selfheald/pkg/recovery"
)

// Store persists recovery records and effectiveness scores.
type Store interface {
	recovery.Store
	// Recent returns up to limit records, newest first. A limit of zero returns everything.
	Recent(ctx context.Context, limit int) ([]recovery.Record, error)
	Close() error
}

// Open builds the store selected by cfg. client is required for the etcd backend.
func Open(cfg config.StoreConfig, client *clientv3.Client) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(0), nil
	case "sqlite":
		return NewSQLiteStore(cfg.SQLite.Path)
	case "etcd":
		return NewEtcdStore(EtcdStoreOptions{Client: client, Namespace: cfg.Etcd.Namespace})
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}
