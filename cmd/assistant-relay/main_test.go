// ABOUTME: Tests for CLI helpers: config path resolution, token args, init, and the log handler
// ABOUTME: Sweep and health commands are exercised against an httptest server

package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/assistant-relay/internal/auth"
	"github.com/2389/assistant-relay/internal/config"
)

func TestGetConfigPath(t *testing.T) {
	t.Setenv("RELAY_CONFIG", "/etc/relay.toml")
	assert.Equal(t, "/etc/relay.toml", getConfigPath())

	t.Setenv("RELAY_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, "/xdg/assistant-relay/relay.yaml", getConfigPath())

	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", "/home/relay")
	assert.Equal(t, "/home/relay/.config/assistant-relay/relay.yaml", getConfigPath())
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, found, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, config.DefaultHTTPAddr, cfg.Server.HTTPAddr)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session: [unclosed"), 0600))

	_, _, err := loadConfig(path)
	assert.Error(t, err)
}

func TestRunInit_WritesLoadableConfig(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	path := filepath.Join(t.TempDir(), "nested", "relay.yaml")

	require.NoError(t, runInit(path))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Internal.TokenSecret)
	assert.Equal(t, 30*time.Minute, cfg.Session.InactivityTimeout)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	assert.Error(t, runInit(path), "refuses to overwrite")
}

func TestParseTokenArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string
		wantTTL time.Duration
		wantErr bool
	}{
		{name: "name only", args: []string{"scheduler"}, want: "scheduler", wantTTL: defaultTokenTTL},
		{name: "ttl separate", args: []string{"scheduler", "--ttl", "2h"}, want: "scheduler", wantTTL: 2 * time.Hour},
		{name: "ttl inline", args: []string{"--ttl=30m", "cron"}, want: "cron", wantTTL: 30 * time.Minute},
		{name: "missing name", args: []string{"--ttl", "1h"}, wantErr: true},
		{name: "missing ttl value", args: []string{"cron", "--ttl"}, wantErr: true},
		{name: "bad ttl", args: []string{"cron", "--ttl=soon"}, wantErr: true},
		{name: "negative ttl", args: []string{"cron", "--ttl=-1h"}, wantErr: true},
		{name: "unknown flag", args: []string{"cron", "--admin"}, wantErr: true},
		{name: "extra arg", args: []string{"cron", "extra"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, ttl, err := parseTokenArgs(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, name)
			assert.Equal(t, tt.wantTTL, ttl)
		})
	}
}

func writeConfig(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	t.Setenv("RELAY_CONFIG", path)
}

func TestRunToken(t *testing.T) {
	writeConfig(t, "internal:\n  token_secret: \"s3cret\"\n")

	var out bytes.Buffer
	require.NoError(t, runToken([]string{"scheduler"}, &out))

	caller, err := auth.NewJWTVerifier([]byte("s3cret")).Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "scheduler", caller)
}

func TestRunToken_NoSecret(t *testing.T) {
	writeConfig(t, "logging:\n  level: \"warn\"\n")
	assert.Error(t, runToken([]string{"scheduler"}, &bytes.Buffer{}))
}

func TestRunSweep_SendsToken(t *testing.T) {
	var gotCaller string
	verifier := auth.NewJWTVerifier([]byte("s3cret"))
	srv := httptest.NewServer(auth.RequireToken(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/check-timeouts", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		gotCaller = auth.CallerFromContext(r.Context())
		_, _ = w.Write([]byte(`{"terminated":1,"threadIds":["t-1"]}`))
	})))
	defer srv.Close()

	writeConfig(t, "server:\n  http_addr: \""+strings.TrimPrefix(srv.URL, "http://")+"\"\ninternal:\n  token_secret: \"s3cret\"\n")

	var out bytes.Buffer
	require.NoError(t, runSweep(context.Background(), &out))
	assert.Equal(t, "sweep-cli", gotCaller)
	assert.Contains(t, out.String(), `"terminated":1`)
}

func TestRunHealth(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("ready (0 conversations)"))
	}))
	defer srv.Close()
	writeConfig(t, "server:\n  http_addr: \""+strings.TrimPrefix(srv.URL, "http://")+"\"\n")

	var out bytes.Buffer
	require.NoError(t, runHealth(context.Background(), &out))
	assert.Equal(t, "ready (0 conversations)\n", out.String())

	status = http.StatusServiceUnavailable
	assert.Error(t, runHealth(context.Background(), &out))
}

func TestBaseURL(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, "http://localhost:3000", baseURL(cfg))

	cfg.Server.HTTPAddr = "127.0.0.1:8080"
	assert.Equal(t, "http://127.0.0.1:8080", baseURL(cfg))

	cfg.Tailscale.Enabled = true
	cfg.Tailscale.Hostname = "relay"
	assert.Equal(t, "http://relay", baseURL(cfg))
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	h := &colorHandler{out: &buf, mu: new(sync.Mutex), level: slog.LevelInfo}
	logger := slog.New(h).With("component", "gateway")

	logger.Debug("hidden")
	logger.Info("server listening", "addr", ":3000")

	line := buf.String()
	assert.NotContains(t, line, "hidden")
	assert.Contains(t, line, "server listening")
	assert.Contains(t, line, "component=")
	assert.Contains(t, line, "addr=")
	assert.Equal(t, 1, strings.Count(line, "\n"))
}
