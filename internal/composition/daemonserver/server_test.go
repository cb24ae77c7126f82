package daemonserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"sealchat/go-backend/internal/app"
	"sealchat/go-backend/internal/auth"
	"sealchat/go-backend/internal/bootstrap/serverconfig"
	"sealchat/go-backend/internal/domains/contracts"
	"sealchat/go-backend/pkg/models"

	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef-signing"

func TestNewResolver(t *testing.T) {
	ctx := context.Background()
	_, err := NewResolver(serverconfig.AuthConfig{})
	require.ErrorIs(t, err, ErrNoAuth)
	_, err = NewResolver(serverconfig.AuthConfig{SigningSecret: "short"})
	require.ErrorIs(t, err, auth.ErrWeakSecret)

	resolver, err := NewResolver(serverconfig.AuthConfig{
		SigningSecret: testSecret,
		Tokens:        map[string]string{"static-bob": "bob"},
	})
	require.NoError(t, err)

	signer, err := auth.NewTokenSigner([]byte(testSecret))
	require.NoError(t, err)
	token, _, err := signer.Issue("alice", 0)
	require.NoError(t, err)

	id, err := resolver.Resolve(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "alice", id)
	id, err = resolver.Resolve(ctx, "static-bob")
	require.NoError(t, err)
	require.Equal(t, "bob", id)
	_, err = resolver.Resolve(ctx, "unknown")
	require.ErrorIs(t, err, contracts.ErrUnauthenticated)
}

func TestBuildServesHealthAndMetrics(t *testing.T) {
	cfg := serverconfig.Default()
	cfg.Storage = serverconfig.StorageConfig{Backend: serverconfig.BackendBolt, Path: filepath.Join(t.TempDir(), "ledger.bolt")}
	cfg.Auth.Tokens = map[string]string{"tok-alice": "alice"}

	var logs bytes.Buffer
	d, err := Build(context.Background(), cfg, app.NewLogger(&logs, "debug"))
	require.NoError(t, err)
	defer d.Close()

	ts := httptest.NewServer(d.Server.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	var status models.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	require.Equal(t, "ok", status.Status)
	require.Equal(t, serverconfig.BackendBolt, status.StorageBackend)

	resp, err = ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, body.String(), "sealchat_delivery_subscriptions 0")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Contains(t, logs.String(), `"storage_backend":"bolt"`)
}

func TestBuildRejectsMissingAuth(t *testing.T) {
	_, err := Build(context.Background(), serverconfig.Default(), nil)
	require.ErrorIs(t, err, ErrNoAuth)
}

func TestNewRPCServerWithOptionsAppliesOverrides(t *testing.T) {
	dataDir := t.TempDir()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
storage:
  backend: sqlite
auth:
  tokens:
    tok-alice: alice
`), 0o600))

	d, err := NewRPCServerWithOptions(context.Background(), "/ip4/127.0.0.1/tcp/0", configPath, dataDir, app.NewLogger(&bytes.Buffer{}, "info"))
	require.NoError(t, err)
	require.NoError(t, d.Close())
	_, err = os.Stat(filepath.Join(dataDir, "ledger.sqlite"))
	require.NoError(t, err)

	_, err = NewRPCServerWithOptions(context.Background(), "not-an-address", configPath, dataDir, nil)
	require.ErrorIs(t, err, serverconfig.ErrInvalidConfig)
}

func TestRunClosesOnCancel(t *testing.T) {
	cfg := serverconfig.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.Auth.Tokens = map[string]string{"tok-alice": "alice"}
	d, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))

	_, err = d.Gateway.Subscribe(context.Background(), "alice")
	require.Error(t, err)
}
