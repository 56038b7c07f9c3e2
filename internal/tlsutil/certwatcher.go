// Package tlsutil loads the serving certificate of the gRPC and HTTP
// listeners and swaps it when the files on disk change.
package tlsutil

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/oops"
	"google.golang.org/grpc/credentials"
)

const (
	CertFileName = "server.crt"
	KeyFileName  = "server.key"
)

// CertWatcher serves the key pair found in a directory. The files' mtime is
// compared on every handshake and a newer pair is loaded in place.
type CertWatcher struct {
	certFile string
	keyFile  string
	log      zerolog.Logger

	mu      sync.RWMutex
	cert    *tls.Certificate
	modTime time.Time
}

func NewCertWatcher(certPath string, log zerolog.Logger) (*CertWatcher, error) {
	cw := &CertWatcher{
		certFile: filepath.Join(certPath, CertFileName),
		keyFile:  filepath.Join(certPath, KeyFileName),
		log:      log.With().Str("component", "cert_watcher").Logger(),
	}
	if err := cw.reload(); err != nil {
		return nil, err
	}
	return cw, nil
}

func (cw *CertWatcher) latestModTime() (time.Time, error) {
	var latest time.Time
	for _, name := range []string{cw.certFile, cw.keyFile} {
		info, err := os.Stat(name)
		if err != nil {
			return time.Time{}, err
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest, nil
}

func (cw *CertWatcher) reload() error {
	modTime, err := cw.latestModTime()
	if err != nil {
		return oops.
			In("tlsutil").
			Code("STAT_FAILED").
			With("cert_file", cw.certFile).
			Wrapf(err, "failed to stat certificate files")
	}
	cert, err := tls.LoadX509KeyPair(cw.certFile, cw.keyFile)
	if err != nil {
		return oops.
			In("tlsutil").
			Code("LOAD_KEYPAIR_FAILED").
			With("cert_file", cw.certFile).
			With("key_file", cw.keyFile).
			Wrapf(err, "failed to load server key pair")
	}

	cw.mu.Lock()
	cw.cert = &cert
	cw.modTime = modTime
	cw.mu.Unlock()

	cw.log.Info().
		Str("cert_file", cw.certFile).
		Time("mod_time", modTime).
		Msg("certificate loaded")
	return nil
}

func (cw *CertWatcher) maybeReload() {
	modTime, err := cw.latestModTime()
	if err != nil {
		cw.log.Warn().Err(err).Msg("failed to stat certificate files")
		return
	}

	cw.mu.RLock()
	stale := modTime.After(cw.modTime)
	cw.mu.RUnlock()
	if !stale {
		return
	}
	if err := cw.reload(); err != nil {
		cw.log.Error().Err(err).Msg("failed to reload certificate, keeping previous")
	}
}

// GetCertificate is suitable for tls.Config.GetCertificate.
func (cw *CertWatcher) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cw.maybeReload()

	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.cert, nil
}

// TLSConfig returns a server config that always presents the current pair.
func (cw *CertWatcher) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: cw.GetCertificate,
	}
}

func (cw *CertWatcher) TransportCredentials() credentials.TransportCredentials {
	return credentials.NewTLS(cw.TLSConfig())
}
