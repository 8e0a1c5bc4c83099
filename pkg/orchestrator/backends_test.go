package orchestrator

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/selfheald/selfheald/internal/testutil"
	"github.com/selfheald/selfheald/pkg/health"
	"github.com/selfheald/selfheald/pkg/history"
	"github.com/selfheald/selfheald/pkg/lock"
)

func TestOpenBackendsWithoutEtcd(t *testing.T) {
	cfg := parseConfig(t, "node_name: node-a\nstore:\n  backend: sqlite\n  sqlite:\n    path: "+filepath.Join(t.TempDir(), "history.db")+"\n")
	backends, err := OpenBackends(cfg)
	if err != nil {
		t.Fatalf("open backends: %v", err)
	}
	defer backends.Close()

	if backends.Client != nil {
		t.Fatal("no etcd client expected")
	}
	if _, ok := backends.Store.(*history.SQLiteStore); !ok {
		t.Fatalf("expected sqlite store, got %T", backends.Store)
	}
	if _, ok := backends.Locker.(*lock.NoopManager); !ok {
		t.Fatalf("expected noop locker, got %T", backends.Locker)
	}
	if backends.Publisher != nil {
		t.Fatal("publisher must be disabled")
	}
	if len(backends.Options()) != 2 {
		t.Fatalf("expected store and locker options")
	}
}

func TestOpenBackendsSharesEtcdClient(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	doc := `
node_name: node-a
store:
  backend: etcd
  etcd:
    endpoints: [` + strings.Join(cluster.Endpoints, ",") + `]
    namespace: /env/test
lock:
  enabled: true
publish:
  enabled: true
`
	cfg := parseConfig(t, doc)
	backends, err := OpenBackends(cfg)
	if err != nil {
		t.Fatalf("open backends: %v", err)
	}
	defer backends.Close()

	if backends.Client == nil {
		t.Fatal("expected shared etcd client")
	}
	if _, ok := backends.Store.(*history.EtcdStore); !ok {
		t.Fatalf("expected etcd store, got %T", backends.Store)
	}
	if _, ok := backends.Locker.(*lock.EtcdManager); !ok {
		t.Fatalf("expected etcd locker, got %T", backends.Locker)
	}

	o, err := New(cfg, append(backends.Options(), WithSleep(noSleep))...)
	if err != nil {
		t.Fatalf("create orchestrator: %v", err)
	}
	ctx := context.Background()
	if err := backends.Publisher.Publish(ctx, o.Summary()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	records, err := backends.Publisher.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(records) != 1 || records[0].Node != "node-a" || records[0].Status != health.StatusHealthy {
		t.Fatalf("unexpected records %+v", records)
	}

	if err := backends.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
