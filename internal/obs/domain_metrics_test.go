package obs_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-payflow/internal/obs"
)

func TestDomainMetricsHelpers(t *testing.T) {
	obs.MustRegisterDomainMetrics("payflow", prometheus.NewRegistry())
	obs.PaymentVerifyTotal.Reset()
	obs.PollingOutcomeTotal.Reset()
	obs.PollingActive.Set(0)

	obs.ObservePollingStarted()
	obs.ObserveVerify("mobileMoneyA", "poll", "pending", 12)
	obs.ObservePollingStopped("gave_up")

	require.Equal(t, 0.0, testutil.ToFloat64(obs.PollingActive))
	require.Equal(t, 1.0, testutil.ToFloat64(obs.PaymentVerifyTotal.WithLabelValues("mobileMoneyA", "poll", "pending")))
	require.Equal(t, 1.0, testutil.ToFloat64(obs.PollingOutcomeTotal.WithLabelValues("gave_up")))
}
