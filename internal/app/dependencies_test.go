package app

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/donasi-payments/internal/config"
	"github.com/noah-isme/donasi-payments/internal/notify"
)

func TestNotifiersDisabledWithoutURL(t *testing.T) {
	cfg := &config.Config{}
	notifiers, err := Notifiers(cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	require.Empty(t, notifiers)
}

func TestNotifiersBuildsAlertNotifier(t *testing.T) {
	cfg := &config.Config{}
	cfg.Alert.WebhookURL = "https://ops.example.org/hooks/donasi"
	cfg.Alert.WebhookSecret = "s3cret"
	cfg.Alert.Topics = []string{"reconciliation.failed", "payment.failed"}
	cfg.Alert.Timeout = time.Second
	cfg.Alert.CircuitMinReqs = 5
	cfg.Alert.CircuitRatio = 0.5
	cfg.Alert.CircuitCooldown = time.Minute

	notifiers, err := Notifiers(cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, notifiers, 1)
	alert, ok := notifiers[0].(*notify.AlertNotifier)
	require.True(t, ok)
	require.True(t, alert.Topics["payment.failed"])
	require.Nil(t, alert.Replay)
}

func TestNotifiersRejectsBadURL(t *testing.T) {
	cfg := &config.Config{}
	cfg.Alert.WebhookURL = "ftp://ops.example.org"
	_, err := Notifiers(cfg, nil, zerolog.Nop())
	require.Error(t, err)
}
