/*
Package metrics exports flashfs activity to Prometheus.

A Collector observes the access layer (accesses, mounts, suspends) and the
record worker (queue depth, completions, rejections). It also keeps
in-process statistics, including latency percentiles, served as JSON on
/debug/operations. DeviceCollector reports flash device counters at scrape
time.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "flashfs",
	})
	if err != nil {
		return err
	}
	devices := metrics.NewDeviceCollector("flashfs", nil)
	devices.Add("nor0", dev)
	_ = collector.Register(devices)

	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

A disabled collector still feeds the in-process statistics but registers
nothing and serves nothing.
*/
package metrics
