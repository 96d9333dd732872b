package engine

import (
	"fmt"
	"math"
	"time"
)

// MetricRecord is performance data for one object. Rows from a MetricsSource
// carry a single Date; Aggregate folds them into one record per object.
type MetricRecord struct {
	ObjectID    ObjectID           `json:"object_id"`
	Kind        ObjectKind         `json:"kind"`
	Date        time.Time          `json:"date"`
	Spend       float64            `json:"spend"`
	Impressions float64            `json:"impressions"`
	Clicks      float64            `json:"clicks"`
	Results     float64            `json:"results"`
	Revenue     float64            `json:"revenue"`
	Reach       float64            `json:"reach"`
	Extra       map[string]float64 `json:"extra,omitempty"`
}

// Metric names understood by MetricRecord.Value.
const (
	MetricSpend         = "spend"
	MetricImpressions   = "impressions"
	MetricClicks        = "clicks"
	MetricResults       = "results"
	MetricRevenue       = "revenue"
	MetricReach         = "reach"
	MetricCostPerResult = "cost_per_result"
	MetricCTR           = "ctr"
	MetricCPC           = "cpc"
	MetricCPM           = "cpm"
	MetricROAS          = "roas"
	MetricFrequency     = "frequency"
)

// ValueState qualifies a looked-up metric value.
type ValueState int

const (
	ValueOK ValueState = iota
	ValueUnknownMetric
	// ValueNotComputable is returned for derived metrics with a zero denominator.
	ValueNotComputable
)

func (s ValueState) String() string {
	switch s {
	case ValueOK:
		return "ok"
	case ValueUnknownMetric:
		return "unknown metric"
	case ValueNotComputable:
		return "not computable"
	}
	return fmt.Sprintf("ValueState(%d)", int(s))
}

// KnownMetric reports whether name is a stored or derived metric.
func KnownMetric(name string) bool {
	switch name {
	case MetricSpend, MetricImpressions, MetricClicks, MetricResults, MetricRevenue, MetricReach,
		MetricCostPerResult, MetricCTR, MetricCPC, MetricCPM, MetricROAS, MetricFrequency:
		return true
	}
	return false
}

// Value returns the named metric. Names not in the fixed set fall back to Extra.
func (m MetricRecord) Value(name string) (float64, ValueState) {
	switch name {
	case MetricSpend:
		return m.Spend, ValueOK
	case MetricImpressions:
		return m.Impressions, ValueOK
	case MetricClicks:
		return m.Clicks, ValueOK
	case MetricResults:
		return m.Results, ValueOK
	case MetricRevenue:
		return m.Revenue, ValueOK
	case MetricReach:
		return m.Reach, ValueOK
	case MetricCostPerResult:
		return ratio(m.Spend, m.Results, 1)
	case MetricCTR:
		return ratio(m.Clicks, m.Impressions, 100)
	case MetricCPC:
		return ratio(m.Spend, m.Clicks, 1)
	case MetricCPM:
		return ratio(m.Spend, m.Impressions, 1000)
	case MetricROAS:
		return ratio(m.Revenue, m.Spend, 1)
	case MetricFrequency:
		return ratio(m.Impressions, m.Reach, 1)
	}
	if v, ok := m.Extra[name]; ok {
		return v, ValueOK
	}
	return 0, ValueUnknownMetric
}

func ratio(num, den, scale float64) (float64, ValueState) {
	if den == 0 || math.IsNaN(den) || math.IsNaN(num) {
		return 0, ValueNotComputable
	}
	return num / den * scale, ValueOK
}

// Aggregate sums daily rows into one record per object. Objects without rows
// are absent from the result.
func Aggregate(rows []MetricRecord) map[ObjectID]MetricRecord {
	out := make(map[ObjectID]MetricRecord, len(rows))
	for _, r := range rows {
		acc, ok := out[r.ObjectID]
		if !ok {
			acc = MetricRecord{ObjectID: r.ObjectID, Kind: r.Kind, Date: r.Date}
		}
		acc.Spend += r.Spend
		acc.Impressions += r.Impressions
		acc.Clicks += r.Clicks
		acc.Results += r.Results
		acc.Revenue += r.Revenue
		// reach is not additive across days; keep the largest daily value
		acc.Reach = math.Max(acc.Reach, r.Reach)
		for k, v := range r.Extra {
			if acc.Extra == nil {
				acc.Extra = make(map[string]float64, len(r.Extra))
			}
			acc.Extra[k] += v
		}
		if r.Date.Before(acc.Date) {
			acc.Date = r.Date
		}
		out[r.ObjectID] = acc
	}
	return out
}

// TimeRange is a symbolic aggregation period.
type TimeRange string

const (
	RangeToday     TimeRange = "today"
	RangeYesterday TimeRange = "yesterday"
	RangeLast3d    TimeRange = "last_3d"
	RangeLast7d    TimeRange = "last_7d"
	RangeLast14d   TimeRange = "last_14d"
	RangeLast30d   TimeRange = "last_30d"
	RangeThisMonth TimeRange = "this_month"
	RangeLifetime  TimeRange = "lifetime"
)

func (t TimeRange) Valid() bool {
	switch t {
	case RangeToday, RangeYesterday, RangeLast3d, RangeLast7d, RangeLast14d, RangeLast30d, RangeThisMonth, RangeLifetime:
		return true
	}
	return false
}

// DateRange is an inclusive range of calendar days. A zero From means unbounded.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (d DateRange) String() string {
	if d.From.IsZero() {
		return "..." + d.To.Format(time.DateOnly)
	}
	return d.From.Format(time.DateOnly) + "..." + d.To.Format(time.DateOnly)
}

// Resolve turns the symbolic range into calendar days as seen from now in loc.
// The "last_Nd" presets exclude today, matching the ad platform's presets.
func (t TimeRange) Resolve(now time.Time, loc *time.Location) DateRange {
	if loc == nil {
		loc = time.UTC
	}
	n := now.In(loc)
	today := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, loc)
	yesterday := today.AddDate(0, 0, -1)
	switch t {
	case RangeYesterday:
		return DateRange{From: yesterday, To: yesterday}
	case RangeLast3d:
		return DateRange{From: today.AddDate(0, 0, -3), To: yesterday}
	case RangeLast7d:
		return DateRange{From: today.AddDate(0, 0, -7), To: yesterday}
	case RangeLast14d:
		return DateRange{From: today.AddDate(0, 0, -14), To: yesterday}
	case RangeLast30d:
		return DateRange{From: today.AddDate(0, 0, -30), To: yesterday}
	case RangeThisMonth:
		return DateRange{From: time.Date(n.Year(), n.Month(), 1, 0, 0, 0, 0, loc), To: today}
	case RangeLifetime:
		return DateRange{To: today}
	default:
		return DateRange{From: today, To: today}
	}
}
