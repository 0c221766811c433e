package fetch

import (
	"sync/atomic"
)

const (
	MetricFetchTotal  = "fetch_total"
	MetricFetch200    = "fetch_200"
	MetricFetch304    = "fetch_304"
	MetricFetchErrors = "fetch_errors"
	MetricParseErrors = "parse_errors"
	MetricItemsParsed = "items_parsed"
)

// Metrics accumulates counters across runs. Safe for concurrent use.
type Metrics struct {
	fetchTotal  atomic.Int64
	fetch200    atomic.Int64
	fetch304    atomic.Int64
	fetchErrors atomic.Int64
	parseErrors atomic.Int64
	itemsParsed atomic.Int64
}

func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		MetricFetchTotal:  m.fetchTotal.Load(),
		MetricFetch200:    m.fetch200.Load(),
		MetricFetch304:    m.fetch304.Load(),
		MetricFetchErrors: m.fetchErrors.Load(),
		MetricParseErrors: m.parseErrors.Load(),
		MetricItemsParsed: m.itemsParsed.Load(),
	}
}
