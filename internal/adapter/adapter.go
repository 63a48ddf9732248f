package adapter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flashfs/flashfs/internal/archive"
	"github.com/flashfs/flashfs/internal/config"
	"github.com/flashfs/flashfs/internal/engine/snapfs"
	"github.com/flashfs/flashfs/internal/flash"
	"github.com/flashfs/flashfs/internal/instance"
	"github.com/flashfs/flashfs/internal/metrics"
	"github.com/flashfs/flashfs/internal/suspend"
	"github.com/flashfs/flashfs/internal/worker"
	"github.com/flashfs/flashfs/pkg/api"
	"github.com/flashfs/flashfs/pkg/errors"
	"github.com/flashfs/flashfs/pkg/health"
	"github.com/flashfs/flashfs/pkg/status"
	"github.com/flashfs/flashfs/pkg/utils"
)

// Completion is the outcome of a queued record request: the bytes
// transferred, 0 when the request failed.
type Completion struct {
	Bytes int
}

// Adapter owns every component of one flash filesystem system
type Adapter struct {
	config *config.Configuration
	log    zerolog.Logger

	devices []namedDevice
	sched   *suspend.Scheduler
	table   *instance.Table
	worker  *worker.Worker
	metrics *metrics.Collector
	health  *health.Tracker
	status  *status.Tracker
	archive *archive.Archiver // nil when disabled
	api     *api.Server       // nil when disabled

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	bg      sync.WaitGroup
}

type namedDevice struct {
	name string
	dev  *flash.Device
}

// New builds the system described by cfg. Nothing is mounted until Start.
func New(ctx context.Context, cfg *config.Configuration) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigValidation, "invalid configuration").
			WithComponent("adapter")
	}
	maxSize, _ := cfg.Global.ParseLogMaxSize() // checked by Validate
	if err := utils.SetupLogging(utils.LogOptions{
		Level:      cfg.Global.LogLevel,
		File:       cfg.Global.LogFile,
		Pretty:     cfg.Global.LogFormat == "console",
		MaxSize:    maxSize,
		MaxBackups: cfg.Global.LogMaxBackups,
		Compress:   cfg.Global.LogCompress,
	}); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to set up logging").
			WithComponent("adapter")
	}

	a := &Adapter{
		config: cfg,
		log:    utils.ComponentLogger("adapter"),
	}
	ok := false
	defer func() {
		if !ok {
			a.closeDevices()
		}
	}()

	drivers, err := a.openDevices(cfg.Instances)
	if err != nil {
		return nil, err
	}

	a.health = health.NewTracker(health.TrackerConfig{
		ErrorThreshold:       cfg.Health.ErrorThreshold,
		UnavailableThreshold: health.DefaultConfig().UnavailableThreshold,
		DegradedTimeout:      cfg.Health.DegradedTimeout,
		HealthCheckInterval:  cfg.Health.CheckInterval,
	})
	a.metrics, err = metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Port:      cfg.Metrics.Port,
		Path:      cfg.Metrics.Path,
		Namespace: cfg.Metrics.Namespace,
		Labels:    cfg.Metrics.Labels,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to create metrics collector").
			WithComponent("adapter")
	}
	devices := metrics.NewDeviceCollector(cfg.Metrics.Namespace, cfg.Metrics.Labels)
	for _, d := range a.devices {
		devices.Add(d.name, d.dev)
	}
	if err := a.metrics.Register(devices); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to register device metrics").
			WithComponent("adapter")
	}

	specs := make([]instance.Spec, len(cfg.Instances))
	for i, ic := range cfg.Instances {
		g, _ := ic.ParseGeometry() // checked by Validate
		specs[i] = instance.Spec{
			Partition:    ic.Partition,
			Driver:       drivers[i],
			Engine:       snapfs.New(),
			LogBlockSize: g.BlockSize,
			LogPageSize:  g.PageSize,
			MaxOpenFiles: ic.MaxFiles,
		}
		a.health.RegisterInstance(i)
	}
	a.sched = suspend.New(cfg.Suspend.IdleWindow, cfg.Suspend.Enabled)
	a.table, err = instance.NewTable(specs, a.sched, instance.Options{
		LockTimeout:  cfg.Access.LockTimeout,
		ReadyTimeout: cfg.Access.ReadyTimeout,
		Observer:     instance.Observers{a.metrics, a.health},
	})
	if err != nil {
		return nil, err
	}
	a.worker = worker.New(a.table, worker.Config{
		ReadQueueSize:  cfg.Worker.ReadQueueSize,
		WriteQueueSize: cfg.Worker.WriteQueueSize,
	}, a.metrics)

	if cfg.Archive.Enabled {
		if a.archive, err = a.openArchive(ctx, cfg.Archive); err != nil {
			return nil, err
		}
		archiveMetrics := metrics.NewArchiveCollector(cfg.Metrics.Namespace, cfg.Metrics.Labels, a.archive)
		if err := a.metrics.Register(archiveMetrics); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to register archive metrics").
				WithComponent("adapter")
		}
	}

	a.status = status.NewTracker(status.TrackerConfig{HealthTracker: a.health})
	if cfg.API.Enabled {
		opts := api.Options{Status: a.status, Health: a.health}
		if a.archive != nil {
			opts.Archive = a.archive
		}
		if reg := a.metrics.Registry(); reg != nil {
			opts.Gatherer = reg
		}
		serverCfg := api.DefaultServerConfig()
		serverCfg.Address = cfg.API.Address
		a.api = api.NewServer(serverCfg, a, opts)
	}

	ok = true
	return a, nil
}

// openDevices opens the flash devices behind the instances and returns the
// driver of each instance. Memory instances share one device; file
// instances share a device per image path.
func (a *Adapter) openDevices(instances []config.InstanceConfig) ([]*flash.Device, error) {
	type group struct {
		name  string
		path  string
		opts  flash.Options
		index []int
	}
	groups := map[string]*group{}
	var order []string

	for i, ic := range instances {
		g, err := ic.ParseGeometry()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid instance geometry").
				WithComponent("adapter").WithContext("fs", fmt.Sprint(i))
		}
		key := ic.Driver
		if ic.Driver == config.DriverFile {
			key = ic.Driver + ":" + ic.ImagePath
		}
		grp, ok := groups[key]
		if !ok {
			grp = &group{name: key, path: ic.ImagePath}
			groups[key] = grp
			order = append(order, key)
		}
		grp.opts.Partitions = append(grp.opts.Partitions, flash.PartitionSpec{
			Index:     ic.Partition,
			Size:      g.Size,
			EraseSize: g.EraseSize,
		})
		// The first instance that sets a limit decides it for the device
		if grp.opts.ReadThroughput == 0 {
			grp.opts.ReadThroughput = g.ReadThroughput
		}
		if grp.opts.WriteThroughput == 0 {
			grp.opts.WriteThroughput = g.WriteThroughput
		}
		grp.index = append(grp.index, i)
	}

	drivers := make([]*flash.Device, len(instances))
	for _, key := range order {
		grp := groups[key]
		var (
			dev *flash.Device
			err error
		)
		if grp.path != "" {
			dev, err = flash.OpenFile(grp.path, grp.opts)
		} else {
			dev, err = flash.NewMemory(grp.opts)
		}
		if err != nil {
			return nil, err
		}
		a.devices = append(a.devices, namedDevice{name: grp.name, dev: dev})
		for _, i := range grp.index {
			drivers[i] = dev
		}
		a.log.Debug().Str("device", grp.name).Int("partitions", len(grp.opts.Partitions)).Msg("flash device opened")
	}
	return drivers, nil
}

func (a *Adapter) openArchive(ctx context.Context, ac config.ArchiveConfig) (*archive.Archiver, error) {
	compression, err := archive.ParseCompression(ac.Compression)
	if err != nil {
		return nil, err
	}

	var store archive.Store
	switch ac.Backend {
	case config.BackendMinio:
		client, err := archive.NewMinioClient(ac.Endpoint, ac.AccessKey, ac.SecretKey, ac.UseSSL)
		if err != nil {
			return nil, err
		}
		store = archive.NewMinioStore(client, ac.Bucket, "")
	default:
		client, err := archive.NewS3Client(ctx, archive.S3Options{
			Region:    ac.Region,
			Endpoint:  ac.Endpoint,
			AccessKey: ac.AccessKey,
			SecretKey: ac.SecretKey,
		})
		if err != nil {
			return nil, err
		}
		store = archive.NewS3Store(client, ac.Bucket, "")
	}

	a.log.Info().Str("backend", ac.Backend).Str("bucket", ac.Bucket).
		Stringer("compression", compression).Msg("archive configured")
	return archive.New(store, a.table, archive.Options{
		Prefix:      ac.Prefix,
		Compression: compression,
		Retry:       ac.Retry,
		Circuit:     ac.Circuit,
	}), nil
}

// Start mounts every instance and starts the worker and the servers. An
// instance that fails to mount stays not ready; that is not a Start error.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return errors.NewError(errors.ErrCodeWorkerStopped, "adapter stopped").WithComponent("adapter")
	}
	if a.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "adapter already started").WithComponent("adapter")
	}

	a.log.Info().Int("instances", a.table.Len()).Int("devices", len(a.devices)).Msg("starting")
	if err := a.metrics.Start(ctx); err != nil {
		return err
	}
	if err := a.table.MountAll(ctx); err != nil {
		a.log.Error().Err(err).Msg("some instances failed to mount")
	}
	if err := a.worker.Start(); err != nil {
		return err
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		a.health.StartHealthChecks(bgCtx, a.checkComponent)
	}()
	if a.api != nil {
		a.api.StartBackground()
	}

	a.started = true
	a.log.Info().Msg("started")
	return nil
}

// Stop completes every pending record request, stops the servers and
// closes the devices. It is safe to call more than once.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil
	}
	a.stopped = true
	a.log.Info().Msg("stopping")

	var errs []string
	if a.api != nil {
		if err := a.api.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("api: %v", err))
		}
	}
	if a.started {
		if err := a.worker.Stop(); err != nil {
			errs = append(errs, fmt.Sprintf("worker: %v", err))
		}
		a.cancel()
		a.bg.Wait()
	}
	a.sched.Stop()
	if err := a.metrics.Stop(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("metrics: %v", err))
	}
	if err := a.closeDevices(); err != nil {
		errs = append(errs, fmt.Sprintf("devices: %v", err))
	}

	if len(errs) > 0 {
		return errors.NewError(errors.ErrCodeInternalError, "stop failed: "+strings.Join(errs, "; ")).
			WithComponent("adapter")
	}
	a.log.Info().Msg("stopped")
	return nil
}

func (a *Adapter) closeDevices() error {
	var firstErr error
	for _, d := range a.devices {
		if err := d.dev.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.devices = nil
	return firstErr
}

// checkComponent is the periodic health check. Instances are checked with
// an Info call; other components have no check.
func (a *Adapter) checkComponent(component string) error {
	var fs int
	if _, err := fmt.Sscanf(component, "fs%d", &fs); err != nil {
		return nil
	}
	in, err := a.table.Get(fs)
	if err != nil {
		return nil
	}
	if !in.Ready() {
		return errors.Newf(errors.ErrCodeNotReady, "instance %d is not mounted", fs)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = in.Info(ctx)
	return err
}

// Table returns the instance table for direct synchronous access.
func (a *Adapter) Table() *instance.Table { return a.table }

// Worker returns the record worker.
func (a *Adapter) Worker() *worker.Worker { return a.worker }

// Metrics returns the metrics collector.
func (a *Adapter) Metrics() *metrics.Collector { return a.metrics }

// Health returns the health tracker.
func (a *Adapter) Health() *health.Tracker { return a.health }

// Status returns the maintenance operation tracker.
func (a *Adapter) Status() *status.Tracker { return a.status }

// Archive returns the image archive, nil when disabled.
func (a *Adapter) Archive() *archive.Archiver { return a.archive }

// WriteRecord queues a write of data to path on instance fs. The returned
// channel receives exactly one Completion.
func (a *Adapter) WriteRecord(ctx context.Context, fs int, path string, data []byte, wait bool) (<-chan Completion, error) {
	done := make(chan Completion, 1)
	_, err := a.worker.EnqueueWrite(ctx, fs, path, data, wait, complete(done), nil)
	if err != nil {
		return nil, err
	}
	return done, nil
}

// ReadRecord queues a read of path on instance fs into buf. The returned
// channel receives exactly one Completion; buf must not be touched until
// then.
func (a *Adapter) ReadRecord(ctx context.Context, fs int, path string, buf []byte, wait bool) (<-chan Completion, error) {
	done := make(chan Completion, 1)
	_, err := a.worker.EnqueueRead(ctx, fs, path, buf, wait, complete(done), nil)
	if err != nil {
		return nil, err
	}
	return done, nil
}

func complete(done chan<- Completion) worker.Callback {
	return func(n int, _ any) {
		done <- Completion{Bytes: n}
	}
}

// Instances reports the state of every instance.
func (a *Adapter) Instances(ctx context.Context) []api.InstanceInfo {
	infos := make([]api.InstanceInfo, 0, a.table.Len())
	for id := 0; id < a.table.Len(); id++ {
		in, _ := a.table.Get(id)
		info := api.InstanceInfo{
			ID:         id,
			Partition:  in.Partition(),
			Ready:      in.Ready(),
			Generation: in.Generation(),
			Health:     a.health.GetState(health.InstanceName(id)).String(),
		}
		if info.Ready {
			total, used, err := in.Info(ctx)
			if err != nil {
				a.log.Warn().Err(err).Int("fs", id).Msg("volume info unavailable")
			}
			info.Total, info.Used = total, used
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Reformat formats and remounts instance fs.
func (a *Adapter) Reformat(ctx context.Context, fs int) error {
	return a.table.Reformat(ctx, fs)
}

// Prune deletes old archived images of every instance, keeping the newest
// archive.keep of each. It returns the number of images deleted.
func (a *Adapter) Prune(ctx context.Context) (int, error) {
	if a.archive == nil {
		return 0, errors.NewError(errors.ErrCodeInvalidConfig, "archive not configured").WithComponent("adapter")
	}
	if a.config.Archive.Keep <= 0 {
		return 0, nil
	}
	total := 0
	for fs := 0; fs < a.table.Len(); fs++ {
		n, err := a.archive.Prune(ctx, fs, a.config.Archive.Keep)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
