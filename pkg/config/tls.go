package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfig holds certificate paths for DICOM-over-TLS.
//
// Server settings wrap the receiver's listener; client settings apply to
// outbound associations with destinations marked use_tls. Both sides are
// optional and independent.
type TLSConfig struct {
	// ServerCert and ServerKey enable TLS on the receiver when both are set.
	ServerCert string `mapstructure:"server_cert" yaml:"server_cert"`
	ServerKey  string `mapstructure:"server_key" yaml:"server_key"`

	// ClientCA, when set, is the CA bundle used to verify destination
	// certificates. Empty falls back to the system pool.
	ClientCA string `mapstructure:"client_ca" yaml:"client_ca"`

	// ClientCert and ClientKey present a client certificate to destinations
	// that require mutual TLS.
	ClientCert string `mapstructure:"client_cert" yaml:"client_cert"`
	ClientKey  string `mapstructure:"client_key" yaml:"client_key"`

	// InsecureSkipVerify disables destination certificate verification.
	// Only for test rigs.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// ServerTLS builds the listener TLS configuration, or nil when the server
// side is not configured.
func (c *TLSConfig) ServerTLS() (*tls.Config, error) {
	if c.ServerCert == "" && c.ServerKey == "" {
		return nil, nil
	}
	if c.ServerCert == "" || c.ServerKey == "" {
		return nil, fmt.Errorf("tls: server_cert and server_key must both be set")
	}

	cert, err := tls.LoadX509KeyPair(c.ServerCert, c.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("tls: loading server keypair: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLS builds the outbound TLS configuration used for destinations that
// require TLS. Always non-nil so a use_tls destination works against any
// publicly trusted peer without extra configuration.
func (c *TLSConfig) ClientTLS() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}

	if c.ClientCA != "" {
		pem, err := os.ReadFile(c.ClientCA)
		if err != nil {
			return nil, fmt.Errorf("tls: reading client CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tls: no certificates found in %s", c.ClientCA)
		}
		cfg.RootCAs = pool
	}

	if c.ClientCert != "" || c.ClientKey != "" {
		if c.ClientCert == "" || c.ClientKey == "" {
			return nil, fmt.Errorf("tls: client_cert and client_key must both be set")
		}
		cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("tls: loading client keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
