package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestCountersAfterInit(t *testing.T) {
	Init(nil, zerolog.Nop())

	before := testutil.ToFloat64(alertEventsTotal.WithLabelValues("alert.created"))
	IncAlertEvent("alert.created")
	assert.Equal(t, before+1, testutil.ToFloat64(alertEventsTotal.WithLabelValues("alert.created")))

	IncAlertEvent("")
	assert.GreaterOrEqual(t, testutil.ToFloat64(alertEventsTotal.WithLabelValues("unknown")), 1.0)

	SetOpenAlerts(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(openAlerts))

	ObserveRuleReload(ResultError, 99)
	ObserveRuleReload(ResultSuccess, 7)
	assert.Equal(t, 7.0, testutil.ToFloat64(rulesLoaded))

	ObserveEvaluation("prometheus", "", 120*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(evaluationsTotal.WithLabelValues("prometheus", ResultSuccess)), 1.0)

	AddSamples("prometheus", 0)
	AddSamples("prometheus", 3)
	assert.GreaterOrEqual(t, testutil.ToFloat64(evaluationSamples.WithLabelValues("prometheus")), 3.0)
}
