package etcdutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/selfheald/selfheald/pkg/config"
)

const defaultDialTimeout = 5 * time.Second

// NewClient dials etcd using the shared store configuration.
func NewClient(cfg config.EtcdConfig) (*clientv3.Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd client requires at least one endpoint")
	}
	tlsConfig, err := BuildTLS(cfg.TLS)
	if err != nil {
		return nil, err
	}
	dialTimeout := cfg.DialTimeout()
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:           cfg.Endpoints,
		DialTimeout:         dialTimeout,
		TLS:                 tlsConfig,
		RejectOldCluster:    true,
		PermitWithoutStream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}
	return client, nil
}

// BuildTLS loads the client certificate and CA bundle. It returns nil when TLS is disabled.
func BuildTLS(cfg *config.EtcdTLSConfig) (*tls.Config, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load etcd client certificate: %w", err)
	}
	caPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read etcd ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("etcd ca file %s contains no certificates", cfg.CAFile)
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		RootCAs:            pool,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.Insecure, //nolint:gosec // operator opt-in
	}, nil
}

// ApplyNamespace joins namespace and key into an absolute etcd key.
func ApplyNamespace(namespace, key string) string {
	normalizedKey := "/" + strings.TrimLeft(key, "/")
	trimmedNamespace := strings.Trim(namespace, "/")
	if trimmedNamespace == "" {
		return normalizedKey
	}
	return "/" + trimmedNamespace + normalizedKey
}
