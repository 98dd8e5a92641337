package obs_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/donasi-payments/internal/obs"
)

func TestDomainMetricsCountOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs.MustRegisterDomainMetrics("donasi", reg)

	before := testutil.ToFloat64(obs.PaymentCallbackTotal.WithLabelValues("duplicate"))
	obs.CountCallback("duplicate")
	obs.CountCallback("duplicate")
	require.Equal(t, before+2, testutil.ToFloat64(obs.PaymentCallbackTotal.WithLabelValues("duplicate")))

	obs.CountResubmission("rejected")
	require.GreaterOrEqual(t, testutil.ToFloat64(obs.ResubmissionTotal.WithLabelValues("rejected")), 1.0)

	obs.CountEventPublished("order.paid", "ok")
	require.GreaterOrEqual(t, testutil.ToFloat64(obs.EventsPublishedTotal.WithLabelValues("order.paid", "ok")), 1.0)

	// registering twice is a no-op
	require.NotPanics(t, func() { obs.MustRegisterDomainMetrics("donasi", reg) })
}
