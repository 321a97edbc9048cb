package prometheus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alerting "infrawatch/internal/alerting/domain"
	"infrawatch/internal/datasource"
)

func TestClientQueryRangeMatrix(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"matrix","result":[
			{"metric":{"__name__":"cpu_usage","instance":"server-001"},"values":[[1772352000,"90"],[1772352060,"92.5"]]},
			{"metric":{"__name__":"cpu_usage","instance":"server-002"},"values":[[1772352060,"40"]]}
		]}}`))
	}))
	defer server.Close()

	client, err := NewClient(server.URL, zerolog.Nop(), WithBearerToken("secret"))
	require.NoError(t, err)

	end := time.Unix(1772352060, 0).UTC()
	result, err := client.Query(context.Background(), datasource.Request{
		Source: alerting.SourcePrometheus,
		Query:  alerting.Query{Kind: alerting.SourcePrometheus, Prometheus: &alerting.PrometheusQuery{Expr: "cpu_usage"}},
		Range:  datasource.TimeRange{Start: end.Add(-5 * time.Minute), End: end},
		Step:   time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
	require.Len(t, result.Series, 2)
	assert.Equal(t, "server-001", result.Series[0].Labels["instance"])
	assert.Equal(t, "cpu_usage", result.Series[0].Name)
	latest, ok := result.Series[0].Latest()
	require.True(t, ok)
	assert.Equal(t, 92.5, latest.Value)
}

func TestClientBadDataIsInvalidQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"error","errorType":"bad_data","error":"parse error"}`))
	}))
	defer server.Close()

	client, err := NewClient(server.URL, zerolog.Nop())
	require.NoError(t, err)
	_, err = client.Query(context.Background(), datasource.Request{
		Source: alerting.SourcePrometheus,
		Query:  alerting.Query{Kind: alerting.SourcePrometheus, Prometheus: &alerting.PrometheusQuery{Expr: "cpu_usage{"}},
		Range:  datasource.TimeRange{Start: time.Now().Add(-time.Minute), End: time.Now()},
		Step:   time.Minute,
	})
	var qerr *alerting.QueryError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, alerting.QueryErrorInvalidQuery, qerr.Kind)
}

func TestNewClientRequiresAddress(t *testing.T) {
	_, err := NewClient(" ", zerolog.Nop())
	assert.Error(t, err)
}
