package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/wudi/broker/internal/config"
)

// NewTransport creates the HTTP transport shared by token and data calls.
func NewTransport(cfg config.TransportConfig) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("ca_file %s contains no certificates", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout: time.Second,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     true,
	}, nil
}

// TransportInfo summarises a transport for the admin API.
func TransportInfo(t *http.Transport) map[string]any {
	return map[string]any{
		"max_idle_conns":          t.MaxIdleConns,
		"max_idle_conns_per_host": t.MaxIdleConnsPerHost,
		"max_conns_per_host":      t.MaxConnsPerHost,
		"idle_conn_timeout":       t.IdleConnTimeout.String(),
		"tls_handshake_timeout":   t.TLSHandshakeTimeout.String(),
		"disable_keep_alives":     t.DisableKeepAlives,
		"force_attempt_http2":     t.ForceAttemptHTTP2,
	}
}
