package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flashfs/flashfs/pkg/retry"
)

// RetrySource reports the retry counters of archive transfers.
type RetrySource interface {
	RetryStats() retry.Stats
}

// ArchiveCollector exports archive transfer retry counters at scrape time.
type ArchiveCollector struct {
	source RetrySource

	calls     *prometheus.Desc
	attempts  *prometheus.Desc
	retries   *prometheus.Desc
	exhausted *prometheus.Desc
	aborted   *prometheus.Desc
}

// NewArchiveCollector creates a collector reading from source.
func NewArchiveCollector(namespace string, constLabels map[string]string, source RetrySource) *ArchiveCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "archive", name), help, nil, constLabels)
	}
	return &ArchiveCollector{
		source:    source,
		calls:     desc("transfers_total", "Store transfers started"),
		attempts:  desc("transfer_attempts_total", "Store calls made, retries included"),
		retries:   desc("transfer_retries_total", "Store calls made after a failed attempt"),
		exhausted: desc("transfers_exhausted_total", "Transfers that ran out of attempts or retry budget"),
		aborted:   desc("transfers_aborted_total", "Transfers whose retries stopped because the breaker opened"),
	}
}

// Describe implements prometheus.Collector
func (a *ArchiveCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- a.calls
	ch <- a.attempts
	ch <- a.retries
	ch <- a.exhausted
	ch <- a.aborted
}

// Collect implements prometheus.Collector
func (a *ArchiveCollector) Collect(ch chan<- prometheus.Metric) {
	s := a.source.RetryStats()
	for _, m := range []struct {
		desc *prometheus.Desc
		v    uint64
	}{
		{a.calls, s.Calls},
		{a.attempts, s.Attempts},
		{a.retries, s.Retries},
		{a.exhausted, s.Exhausted},
		{a.aborted, s.Aborted},
	} {
		ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue, float64(m.v))
	}
}
