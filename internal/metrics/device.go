package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flashfs/flashfs/internal/flash"
)

// StatsSource is a flash device that reports its counters.
type StatsSource interface {
	Stats() flash.Stats
}

// DeviceCollector exports flash device counters at scrape time.
type DeviceCollector struct {
	mu      sync.RWMutex
	devices map[string]StatsSource

	reads        *prometheus.Desc
	writes       *prometheus.Desc
	erases       *prometheus.Desc
	bytesRead    *prometheus.Desc
	bytesWritten *prometheus.Desc
	suspends     *prometheus.Desc
	resumes      *prometheus.Desc
	erasedBlocks *prometheus.Desc
	suspended    *prometheus.Desc
}

// NewDeviceCollector creates a collector with no devices.
func NewDeviceCollector(namespace string, constLabels map[string]string) *DeviceCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "flash", name), help,
			[]string{"device"}, constLabels)
	}
	return &DeviceCollector{
		devices:      make(map[string]StatsSource),
		reads:        desc("reads_total", "Device read transactions"),
		writes:       desc("writes_total", "Device program transactions"),
		erases:       desc("erases_total", "Device erase transactions"),
		bytesRead:    desc("read_bytes_total", "Bytes read from the device"),
		bytesWritten: desc("written_bytes_total", "Bytes programmed to the device"),
		suspends:     desc("suspends_total", "Times the device entered suspend"),
		resumes:      desc("resumes_total", "Times the device left suspend"),
		erasedBlocks: desc("erased_blocks", "Erase blocks currently in the erased state"),
		suspended:    desc("suspended", "Whether the device is suspended"),
	}
}

// Add registers a device under name, replacing any earlier one.
func (d *DeviceCollector) Add(name string, dev StatsSource) {
	d.mu.Lock()
	d.devices[name] = dev
	d.mu.Unlock()
}

// Describe implements prometheus.Collector
func (d *DeviceCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range []*prometheus.Desc{
		d.reads, d.writes, d.erases, d.bytesRead, d.bytesWritten,
		d.suspends, d.resumes, d.erasedBlocks, d.suspended,
	} {
		ch <- desc
	}
}

// Collect implements prometheus.Collector
func (d *DeviceCollector) Collect(ch chan<- prometheus.Metric) {
	d.mu.RLock()
	names := make([]string, 0, len(d.devices))
	for name := range d.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	sources := make([]StatsSource, len(names))
	for i, name := range names {
		sources[i] = d.devices[name]
	}
	d.mu.RUnlock()

	for i, name := range names {
		s := sources[i].Stats()
		counter := func(desc *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), name)
		}
		counter(d.reads, s.Reads)
		counter(d.writes, s.Writes)
		counter(d.erases, s.Erases)
		counter(d.bytesRead, s.BytesRead)
		counter(d.bytesWritten, s.BytesWritten)
		counter(d.suspends, s.Suspends)
		counter(d.resumes, s.Resumes)

		suspended := 0.0
		if s.Suspended {
			suspended = 1
		}
		ch <- prometheus.MustNewConstMetric(d.erasedBlocks, prometheus.GaugeValue, float64(s.ErasedBlocks), name)
		ch <- prometheus.MustNewConstMetric(d.suspended, prometheus.GaugeValue, suspended, name)
	}
}
