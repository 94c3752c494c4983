package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, config.Default().Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Default().Negotiation.Timeout, cfg.Negotiation.Timeout)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "yacall.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9000"
self:
  id: agent-1
  display_name: Support bot
signaling:
  assign_call_ids: true
  transports:
    admin:
      kind: nats
      url: nats://127.0.0.1:4222
      subject_prefix: calls
    shop:
      kind: ws
      url: wss://shop.example/ws
      token: t0k
media:
  mode: synthetic
negotiation:
  mode: synthetic
  timeout: 12s
messages:
  DeviceBusy: Close the other app first.
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.True(t, cfg.Signaling.AssignCallIDs)
	assert.Equal(t, config.TransportNATS, cfg.Signaling.Transports["admin"].Kind)
	assert.Equal(t, "calls", cfg.Signaling.Transports["admin"].SubjectPrefix)
	assert.Equal(t, "t0k", cfg.Signaling.Transports["shop"].Token)
	assert.Equal(t, 12*time.Second, cfg.Negotiation.Timeout)
	assert.Equal(t, "Close the other app first.", cfg.UserMessages().Lookup(domain.KindDeviceBusy))
	assert.Equal(t, domain.DefaultMessages[domain.KindUnknown], cfg.UserMessages().Lookup(domain.KindUnknown))
	assert.Equal(t, domain.Counterpart{ID: "agent-1", DisplayName: "Support bot"}, cfg.Counterpart())
}

func TestApplyEnv(t *testing.T) {
	cfg := config.Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"YACALL_LOG_LEVEL":       "debug",
		"YACALL_SELF_ID":         "u-7",
		"YACALL_ASSIGN_CALL_IDS": "true",
		"YACALL_ADMIN_TOKEN":     "secret",
		"YACALL_SHOP_URL":        "ws://shop/ws",
	}))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Signaling.AssignCallIDs)
	assert.Equal(t, "secret", cfg.Signaling.Transports["admin"].Token)
	assert.Equal(t, config.TransportWS, cfg.Signaling.Transports["admin"].Kind)
	assert.Equal(t, config.TransportConfig{Kind: config.TransportWS, URL: "ws://shop/ws"}, cfg.Signaling.Transports["shop"])
	assert.NotContains(t, cfg.Signaling.Transports, "ai")
	require.NoError(t, cfg.Validate())

	err = cfg.ApplyEnv(env(map[string]string{"YACALL_ASSIGN_CALL_IDS": "maybe"}))
	assert.ErrorContains(t, err, "YACALL_ASSIGN_CALL_IDS")
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := config.Default()
	cfg.Listen = ""
	cfg.Log.Format = "xml"
	cfg.Signaling.AssignCallIDs = true
	cfg.Signaling.Transports = map[string]config.TransportConfig{
		"shop":    {Kind: config.TransportNATS},
		"billing": {Kind: "carrier-pigeon"},
	}
	cfg.Media.Mode = "screen"
	cfg.Messages = map[string]string{"Typo": "x"}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"listen address",
		"log.format",
		"self.id",
		"transports.admin is required",
		"transports.shop: url is required",
		"transports.billing: unknown channel",
		`unknown kind "carrier-pigeon"`,
		"media.mode",
		"messages.Typo",
	} {
		assert.ErrorContains(t, err, want)
	}
}

func TestSyntheticMediaNeedsSyntheticNegotiation(t *testing.T) {
	cfg := config.Default()
	cfg.Media.Mode = "synthetic"
	assert.ErrorContains(t, cfg.Validate(), "negotiation.mode pion needs media.mode devices")

	cfg.Negotiation.Mode = "synthetic"
	assert.NoError(t, cfg.Validate())
}
