package influxdb

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"infrawatch/internal/datasource"
)

type fakeRows struct {
	records []*query.FluxRecord
	idx     int
	err     error
}

func (f *fakeRows) Next() bool {
	if f.idx >= len(f.records) {
		return false
	}
	f.idx++
	return true
}

func (f *fakeRows) Record() *query.FluxRecord { return f.records[f.idx-1] }

func (f *fakeRows) Err() error { return f.err }

func record(table int, host string, at time.Time, value any) *query.FluxRecord {
	return query.NewFluxRecord(table, map[string]interface{}{
		"result":       "_result",
		"table":        int64(table),
		"_measurement": "cpu",
		"_field":       "usage",
		"host":         host,
		"_time":        at,
		"_value":       value,
	})
}

func TestCollectGroupsByTable(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	rows := &fakeRows{records: []*query.FluxRecord{
		record(0, "server-001", base, 90.0),
		record(0, "server-001", base.Add(time.Minute), 92.5),
		record(1, "server-002", base, int64(40)),
		record(1, "server-002", base.Add(time.Minute), "not-a-number"),
	}}

	result, err := collect(rows)
	require.NoError(t, err)
	require.Len(t, result.Series, 2)
	assert.Equal(t, "cpu.usage", result.Series[0].Name)
	assert.Equal(t, "server-001", result.Series[0].Labels["host"])
	_, hasValue := result.Series[0].Labels["_value"]
	assert.False(t, hasValue)
	latest, ok := result.Series[0].Latest()
	require.True(t, ok)
	assert.Equal(t, 92.5, latest.Value)
	assert.Len(t, result.Series[1].Points, 1)
}

func TestCollectPropagatesIteratorError(t *testing.T) {
	_, err := collect(&fakeRows{err: errors.New("stream broken")})
	assert.Error(t, err)
}

func TestBuildFluxInjectsRange(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	flux := BuildFlux(`from(bucket: "infra") |> range(start: v.timeRangeStart, stop: v.timeRangeStop)`,
		datasource.TimeRange{Start: start, End: start.Add(5 * time.Minute)}, 30*time.Second)
	assert.True(t, strings.HasPrefix(flux, "option v = {timeRangeStart: 2026-03-01T08:00:00Z, timeRangeStop: 2026-03-01T08:05:00Z, windowPeriod: 30s}\n"))
}
