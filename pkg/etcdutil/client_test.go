package etcdutil

import (
	"testing"

	"github.com/selfheald/selfheald/pkg/config"
)

func TestApplyNamespace(t *testing.T) {
	cases := []struct {
		namespace, key, want string
	}{
		{"", "lock", "/lock"},
		{"env/prod", "/lock", "/env/prod/lock"},
		{"/selfheald/", "health/node-1", "/selfheald/health/node-1"},
	}
	for _, tc := range cases {
		if got := ApplyNamespace(tc.namespace, tc.key); got != tc.want {
			t.Fatalf("ApplyNamespace(%q, %q) = %q, want %q", tc.namespace, tc.key, got, tc.want)
		}
	}
}

func TestBuildTLSDisabled(t *testing.T) {
	cfg, err := BuildTLS(&config.EtcdTLSConfig{Enabled: false})
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config for disabled TLS, got %v, %v", cfg, err)
	}
}

func TestBuildTLSMissingFiles(t *testing.T) {
	_, err := BuildTLS(&config.EtcdTLSConfig{Enabled: true, CAFile: "/missing/ca", CertFile: "/missing/cert", KeyFile: "/missing/key"})
	if err == nil {
		t.Fatal("expected error for missing certificate files")
	}
}

func TestNewClientRequiresEndpoints(t *testing.T) {
	if _, err := NewClient(config.EtcdConfig{}); err == nil {
		t.Fatal("expected error without endpoints")
	}
}
