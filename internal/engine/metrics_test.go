package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricRecord_Value(t *testing.T) {
	rec := MetricRecord{Spend: 200, Impressions: 10000, Clicks: 50, Results: 4, Revenue: 600, Reach: 4000}
	tests := []struct {
		metric string
		want   float64
		state  ValueState
	}{
		{MetricSpend, 200, ValueOK},
		{MetricCostPerResult, 50, ValueOK},
		{MetricCTR, 0.5, ValueOK},
		{MetricCPC, 4, ValueOK},
		{MetricCPM, 20, ValueOK},
		{MetricROAS, 3, ValueOK},
		{MetricFrequency, 2.5, ValueOK},
		{"unheard_of", 0, ValueUnknownMetric},
	}
	for _, tt := range tests {
		t.Run(tt.metric, func(t *testing.T) {
			v, st := rec.Value(tt.metric)
			assert.Equal(t, tt.state, st)
			assert.InDelta(t, tt.want, v, 1e-9)
		})
	}
}

func TestMetricRecord_ZeroDenominators(t *testing.T) {
	var rec MetricRecord
	for _, m := range []string{MetricCostPerResult, MetricCTR, MetricCPC, MetricCPM, MetricROAS, MetricFrequency} {
		_, st := rec.Value(m)
		assert.Equal(t, ValueNotComputable, st, m)
	}
	assert.Equal(t, "not computable", ValueNotComputable.String())
}

func TestAggregate(t *testing.T) {
	d1 := time.Date(2024, 5, 12, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)
	rows := []MetricRecord{
		{ObjectID: "a", Date: d2, Spend: 10, Clicks: 1, Reach: 100, Extra: map[string]float64{"leads": 1}},
		{ObjectID: "a", Date: d1, Spend: 5, Clicks: 2, Reach: 150, Extra: map[string]float64{"leads": 2}},
		{ObjectID: "b", Date: d1, Spend: 7},
	}

	out := Aggregate(rows)

	require.Len(t, out, 2)
	a := out["a"]
	assert.Equal(t, 15.0, a.Spend)
	assert.Equal(t, 3.0, a.Clicks)
	assert.Equal(t, 150.0, a.Reach)
	assert.Equal(t, 3.0, a.Extra["leads"])
	assert.Equal(t, d1, a.Date)
	assert.Equal(t, 7.0, out["b"].Spend)
}

func TestTimeRange_Resolve(t *testing.T) {
	now := time.Date(2024, 5, 14, 2, 30, 0, 0, time.UTC)
	day := func(m time.Month, d int) time.Time { return time.Date(2024, m, d, 0, 0, 0, 0, time.UTC) }
	tests := []struct {
		tr   TimeRange
		want DateRange
	}{
		{RangeToday, DateRange{day(5, 14), day(5, 14)}},
		{RangeYesterday, DateRange{day(5, 13), day(5, 13)}},
		{RangeLast3d, DateRange{day(5, 11), day(5, 13)}},
		{RangeLast7d, DateRange{day(5, 7), day(5, 13)}},
		{RangeLast30d, DateRange{day(4, 14), day(5, 13)}},
		{RangeThisMonth, DateRange{day(5, 1), day(5, 14)}},
		{RangeLifetime, DateRange{To: day(5, 14)}},
	}
	for _, tt := range tests {
		t.Run(string(tt.tr), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.tr.Resolve(now, time.UTC))
		})
	}
}

func TestTimeRange_ResolveUsesLocation(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	now := time.Date(2024, 5, 14, 2, 30, 0, 0, time.UTC)

	dr := RangeToday.Resolve(now, ny)

	assert.Equal(t, 13, dr.From.Day(), "still the 13th in New York")
	assert.Equal(t, "2024-05-13...2024-05-13", dr.String())
}
