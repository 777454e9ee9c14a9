package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/alxayo/quicrq/internal/logger"
)

// TLSLoader builds tls.Config.GetCertificate from cert_file/key_file and
// hot-reloads it on change (spec.md §6 "cert_file"/"key_file"), so a
// certificate rotation does not require a restart. New connections pick up
// the new pair immediately; in-flight connections keep whatever tls.Conn
// state they already negotiated, since a fsnotify-driven reload only ever
// swaps the pointer GetCertificate reads.
type TLSLoader struct {
	certFile, keyFile string
	current           atomic.Pointer[tls.Certificate]
	log               *slog.Logger
}

// NewTLSLoader loads the initial pair and arranges for it to be reloaded
// whenever certFile or keyFile changes on disk.
func NewTLSLoader(certFile, keyFile string) (*TLSLoader, error) {
	l := &TLSLoader{
		certFile: certFile,
		keyFile:  keyFile,
		log:      logger.Logger().With("component", "tls_loader"),
	}
	if err := l.reload(); err != nil {
		return nil, err
	}
	if err := l.watch(); err != nil {
		l.log.Warn("certificate hot-reload disabled", "error", err)
	}
	return l, nil
}

func (l *TLSLoader) reload() error {
	cert, err := tls.LoadX509KeyPair(l.certFile, l.keyFile)
	if err != nil {
		return fmt.Errorf("load cert/key pair: %w", err)
	}
	l.current.Store(&cert)
	return nil
}

// watch starts a background fsnotify loop over the directories containing
// certFile/keyFile (watching the directory, not the file, so atomic
// rename-based rotation — the common certbot/cert-manager idiom — is seen).
func (l *TLSLoader) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}

	dirs := map[string]struct{}{
		filepath.Dir(l.certFile): {},
		filepath.Dir(l.keyFile):  {},
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != l.certFile && ev.Name != l.keyFile {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := l.reload(); err != nil {
					l.log.Error("certificate reload failed, keeping previous pair", "error", err)
					continue
				}
				l.log.Info("certificate reloaded", "cert_file", l.certFile)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.log.Warn("certificate watcher error", "error", err)
			}
		}
	}()
	return nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (l *TLSLoader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return l.current.Load(), nil
}

// LoadRootCAs reads a PEM bundle into a cert pool, for cert_root_store
// (spec.md §6) when the peer's certificate must be verified against a
// specific root rather than the system store.
func LoadRootCAs(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading cert_root_store: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates parsed from %s", path)
	}
	return pool, nil
}
