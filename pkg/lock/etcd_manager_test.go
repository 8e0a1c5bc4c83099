package lock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/selfheald/selfheald/internal/testutil"
)

func newTestEtcdManager(t *testing.T, namespace string) *EtcdManager {
	t.Helper()
	cluster := testutil.StartEmbeddedEtcd(t)

	manager, err := NewEtcdManager(EtcdManagerOptions{
		Endpoints: cluster.Endpoints,
		KeyPrefix: "recovery/locks",
		Namespace: namespace,
		TTL:       3 * time.Second,
		NodeName:  "node-1",
	})
	if err != nil {
		t.Fatalf("failed to create etcd manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestEtcdManagerAcquireAndRelease(t *testing.T) {
	manager := newTestEtcdManager(t, "")

	lease, err := manager.Acquire(context.Background(), "integration_failure")
	if err != nil {
		t.Fatalf("expected acquire to succeed, got %v", err)
	}
	if lease == nil {
		t.Fatal("expected lease to be non-nil")
	}
	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("expected release to succeed, got %v", err)
	}
}

func TestEtcdManagerContentionIsPerKey(t *testing.T) {
	manager := newTestEtcdManager(t, "")

	lease1, err := manager.Acquire(context.Background(), "integration_failure")
	if err != nil {
		t.Fatalf("expected first acquire to succeed, got %v", err)
	}

	if _, err := manager.Acquire(context.Background(), "integration_failure"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired when lock held, got %v", err)
	}

	other, err := manager.Acquire(context.Background(), "database_failure")
	if err != nil {
		t.Fatalf("expected independent key to be acquirable, got %v", err)
	}
	if err := other.Release(context.Background()); err != nil {
		t.Fatalf("release other: %v", err)
	}

	if err := lease1.Release(context.Background()); err != nil {
		t.Fatalf("expected release to succeed, got %v", err)
	}

	lease2, err := manager.Acquire(context.Background(), "integration_failure")
	if err != nil {
		t.Fatalf("expected second acquire to succeed, got %v", err)
	}
	if err := lease2.Release(context.Background()); err != nil {
		t.Fatalf("expected second release to succeed, got %v", err)
	}
}

func TestEtcdManagerAcquireContextCancelled(t *testing.T) {
	manager := newTestEtcdManager(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := manager.Acquire(ctx, "integration_failure"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation error, got %v", err)
	}
}

func TestEtcdManagerNamespaceApplied(t *testing.T) {
	manager := newTestEtcdManager(t, "env/prod")

	lease, err := manager.Acquire(context.Background(), "resource_exhaustion")
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	internal, ok := lease.(*etcdLease)
	if !ok {
		t.Fatalf("expected lease to be etcdLease, got %T", lease)
	}
	key := internal.mutex.Key()
	if !strings.HasPrefix(key, "/env/prod/recovery/locks/resource_exhaustion/") {
		t.Fatalf("expected key to include namespace prefix, got %s", key)
	}
	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("failed to release lease: %v", err)
	}
}

func TestNewEtcdManagerValidation(t *testing.T) {
	if _, err := NewEtcdManager(EtcdManagerOptions{KeyPrefix: "x", TTL: time.Second, NodeName: "n"}); err == nil {
		t.Fatal("expected error without endpoints or client")
	}
	if _, err := NewEtcdManager(EtcdManagerOptions{Endpoints: []string{"127.0.0.1:2379"}, TTL: time.Second, NodeName: "n"}); err == nil {
		t.Fatal("expected error without key prefix")
	}
}
