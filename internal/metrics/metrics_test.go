package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchangeLifecycle(t *testing.T) {
	before := testutil.ToFloat64(exchangesTotal.WithLabelValues(OutcomeCompleted))
	active := testutil.ToFloat64(exchangesActive)

	ExchangeStarted()
	assert.Equal(t, active+1, testutil.ToFloat64(exchangesActive))
	ExchangeFinished(OutcomeCompleted, 2*time.Second)

	assert.Equal(t, active, testutil.ToFloat64(exchangesActive))
	assert.Equal(t, before+1, testutil.ToFloat64(exchangesTotal.WithLabelValues(OutcomeCompleted)))
}

func TestCounters(t *testing.T) {
	malformed := testutil.ToFloat64(malformedFramesTotal)
	MalformedFrame()
	assert.Equal(t, malformed+1, testutil.ToFloat64(malformedFramesTotal))

	limited := testutil.ToFloat64(quotaChecksTotal.WithLabelValues("limited"))
	QuotaChecked(true)
	assert.Equal(t, limited+1, testutil.ToFloat64(quotaChecksTotal.WithLabelValues("limited")))

	events := testutil.ToFloat64(eventsTotal.WithLabelValues("StageResult"))
	EventRelayed("StageResult")
	assert.Equal(t, events+1, testutil.ToFloat64(eventsTotal.WithLabelValues("StageResult")))
}

func TestHandlerServesRelayMetrics(t *testing.T) {
	ExchangeRejected(OutcomeNotFound)

	srv := httptest.NewServer(Handler(NewRegistry()))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "buildrelay_exchanges_total"))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}
