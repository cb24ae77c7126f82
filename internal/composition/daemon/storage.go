// Package daemon resolves and opens the server's storage backend.
package daemon

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"sealchat/go-backend/internal/bootstrap/serverconfig"
	"sealchat/go-backend/internal/domains/directory"
	"sealchat/go-backend/internal/domains/ledger"
	"sealchat/go-backend/internal/storage"
	"sealchat/go-backend/internal/storage/boltstore"
	"sealchat/go-backend/internal/storage/sqlitestore"
)

const storageKeyFile = "storage.key"

// Store is what the daemon needs from any backend.
type Store interface {
	directory.Store
	ledger.Store
	Ping(ctx context.Context) error
	Backend() string
	Close() error
}

var (
	_ Store = (*storage.MemoryStore)(nil)
	_ Store = (*boltstore.Store)(nil)
	_ Store = (*sqlitestore.Store)(nil)
)

// DefaultFileName is used when a durable backend has a data dir but no path.
func DefaultFileName(backend string) string {
	switch backend {
	case serverconfig.BackendFile:
		return "ledger.json"
	case serverconfig.BackendBolt:
		return "ledger.bolt"
	case serverconfig.BackendSQLite:
		return "ledger.sqlite"
	default:
		return ""
	}
}

// ResolveStorage places relative paths under dataDir and, for the file
// backend without a configured passphrase, loads or creates dataDir/storage.key.
func ResolveStorage(cfg serverconfig.StorageConfig, dataDir string) (serverconfig.StorageConfig, error) {
	dataDir = strings.TrimSpace(dataDir)
	if cfg.Backend == serverconfig.BackendMemory || dataDir == "" {
		return cfg, nil
	}
	if cfg.Path == "" {
		cfg.Path = DefaultFileName(cfg.Backend)
	}
	if !filepath.IsAbs(cfg.Path) {
		cfg.Path = filepath.Join(dataDir, cfg.Path)
	}
	if cfg.Backend == serverconfig.BackendFile && cfg.Passphrase == "" {
		secret, err := StoragePassphrase(dataDir)
		if err != nil {
			return serverconfig.StorageConfig{}, err
		}
		cfg.Passphrase = secret
	}
	return cfg, nil
}

// StoragePassphrase returns the secret kept in dataDir/storage.key, generating
// one on first start.
func StoragePassphrase(dataDir string) (string, error) {
	keyPath := filepath.Join(dataDir, storageKeyFile)
	existing, err := os.ReadFile(keyPath)
	if err == nil {
		if secret := strings.TrimSpace(string(existing)); secret != "" {
			return secret, nil
		}
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	secret := base64.RawStdEncoding.EncodeToString(buf)
	if err := WriteStorageKey(dataDir, secret); err != nil {
		return "", err
	}
	return secret, nil
}

func WriteStorageKey(dataDir, secret string) error {
	keyPath := filepath.Join(dataDir, storageKeyFile)
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(keyPath, []byte(secret), 0o600)
}

// OpenStore opens the configured backend. Durable backends create their
// parent directory.
func OpenStore(cfg serverconfig.StorageConfig) (Store, error) {
	if cfg.Backend != serverconfig.BackendMemory {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	switch cfg.Backend {
	case serverconfig.BackendMemory:
		return storage.NewMemoryStore(), nil
	case serverconfig.BackendFile:
		return storage.NewFileStore(cfg.Path, cfg.Passphrase)
	case serverconfig.BackendBolt:
		return boltstore.Open(cfg.Path)
	case serverconfig.BackendSQLite:
		return sqlitestore.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", serverconfig.ErrInvalidConfig, cfg.Backend)
	}
}
