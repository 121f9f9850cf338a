package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/config"
)

func TestLoadKeyset(t *testing.T) {
	cases := []struct {
		name       string
		cfg        config.AuthConfig
		wantActive string
		wantKeys   int
		wantErr    bool
	}{
		{
			name:       "single secret",
			cfg:        config.AuthConfig{JWTSecret: "prod-secret"},
			wantActive: "default",
			wantKeys:   1,
		},
		{
			name:       "development default",
			cfg:        config.Default().Auth,
			wantActive: "default",
			wantKeys:   1,
		},
		{
			name:       "keys with dev secret",
			cfg:        config.AuthConfig{JWTSecret: config.Default().Auth.JWTSecret, JWTKeys: "k1:one,k2:two", ActiveKID: "k2"},
			wantActive: "k2",
			wantKeys:   2,
		},
		{
			name:       "keys alongside a real secret",
			cfg:        config.AuthConfig{JWTSecret: "prod-secret", JWTKeys: "k1:one", ActiveKID: "k1"},
			wantActive: "k1",
			wantKeys:   2,
		},
		{
			name:    "unknown active kid",
			cfg:     config.AuthConfig{JWTKeys: "k1:one", ActiveKID: "k9"},
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ks, err := loadKeyset(tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("load keyset: %v", err)
			}
			if ks.ActiveKID != tc.wantActive || len(ks.Keys) != tc.wantKeys {
				t.Fatalf("unexpected keyset: active=%s keys=%d", ks.ActiveKID, len(ks.Keys))
			}
		})
	}
}

func TestLoadKeysetFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	if err := os.WriteFile(path, []byte("active_kid: k2\nkeys:\n  k1: one\n  k2: two\n"), 0o600); err != nil {
		t.Fatalf("write keyset: %v", err)
	}
	ks, err := loadKeyset(config.AuthConfig{KeysetFile: path, JWTSecret: "ignored"})
	if err != nil {
		t.Fatalf("load keyset file: %v", err)
	}
	if ks.ActiveKID != "k2" || len(ks.Keys) != 2 {
		t.Fatalf("unexpected keyset: %+v", ks.ActiveKID)
	}
}

func TestInMemoryAppServesLogin(t *testing.T) {
	cfg := config.Default()
	cfg.Bootstrap = config.BootstrapConfig{
		PowerhouseEmail:    "root@karnalix.test",
		PowerhousePassword: "bootstrap-pass",
		PowerhousePIN:      "1234",
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	a, err := newApp(cfg, logger, prometheus.NewRegistry(), nil)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx := context.Background()
	if err := a.load(ctx); err != nil {
		t.Fatalf("load without database: %v", err)
	}
	if err := a.bootstrap(ctx, cfg.Bootstrap); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := a.bootstrap(ctx, cfg.Bootstrap); err != nil {
		t.Fatalf("second bootstrap must be a no-op: %v", err)
	}
	if n := a.core.Users.Count(); n != 1 {
		t.Fatalf("users after bootstrap: %d", n)
	}

	h := a.api.Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}

	body := strings.NewReader(`{"email":"root@karnalix.test","password":"bootstrap-pass"}`)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/auth/login", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"role":"`+string(auth.RolePowerhouse)+`"`) {
		t.Fatalf("login response: %s", rec.Body.String())
	}
}
