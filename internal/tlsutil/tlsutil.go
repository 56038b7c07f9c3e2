package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/rs/zerolog"
	"github.com/samber/oops"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// ServerCredentials returns TLS credentials backed by a CertWatcher over
// certPath, or plaintext credentials when certPath is empty.
func ServerCredentials(certPath string, log zerolog.Logger) (credentials.TransportCredentials, error) {
	if certPath == "" {
		log.Warn().Msg("no certificate directory configured, serving plaintext gRPC")
		return insecure.NewCredentials(), nil
	}
	cw, err := NewCertWatcher(certPath, log)
	if err != nil {
		return nil, err
	}
	return cw.TransportCredentials(), nil
}

// ClientCredentials returns the credentials used to dial our own gRPC port.
// Plaintext servers are dialed in plaintext; otherwise caFile is trusted and,
// when it cannot be read, verification is skipped.
func ClientCredentials(plaintext bool, caFile, serverName string, log zerolog.Logger) credentials.TransportCredentials {
	if plaintext {
		return insecure.NewCredentials()
	}
	cfg := &tls.Config{ServerName: serverName}
	if pool, err := LoadCA(caFile); err == nil {
		cfg.RootCAs = pool
	} else {
		log.Warn().Err(err).Msg("certificate verification disabled")
		cfg.InsecureSkipVerify = true
	}
	return credentials.NewTLS(cfg)
}

func LoadCA(caPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caPath)
	if err != nil {
		return nil, oops.
			In("tlsutil").
			Code("READ_CA_FAILED").
			With("ca_file", caPath).
			Wrapf(err, "failed to read CA certificate")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, oops.
			In("tlsutil").
			Code("PARSE_CA_FAILED").
			With("ca_file", caPath).
			Errorf("no PEM certificates found")
	}
	return pool, nil
}
