package archive

import (
	"context"
	stderr "errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/flashfs/flashfs/internal/circuit"
	"github.com/flashfs/flashfs/internal/instance"
	"github.com/flashfs/flashfs/pkg/errors"
	"github.com/flashfs/flashfs/pkg/retry"
	"github.com/flashfs/flashfs/pkg/utils"
)

const (
	imageSuffix = ".img"
	timeLayout  = "20060102T150405.000000000Z"
)

// Options configures an Archiver
type Options struct {
	Prefix      string
	Compression Compression
	Retry       retry.Config
	Circuit     circuit.Config
}

// Archiver moves partition images between instances and a Store.
type Archiver struct {
	store   Store
	table   *instance.Table
	opts    Options
	retryer *retry.Retryer
	breaker *circuit.Breaker
	log     zerolog.Logger
	now     func() time.Time
}

// New creates an archiver for the instances of table.
func New(store Store, table *instance.Table, opts Options) *Archiver {
	a := &Archiver{
		store: store,
		table: table,
		opts:  opts,
		log:   utils.ComponentLogger("archive"),
		now:   time.Now,
	}
	cc := opts.Circuit
	if cc.IsFailure == nil {
		cc.IsFailure = countsAgainstStore
	}
	a.breaker = circuit.New("archive", cc)
	// Stop retrying once concurrent transfers have opened the breaker
	a.retryer = retry.New(opts.Retry).
		WithOnRetry(func(attempt int, err error, delay time.Duration) {
			a.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("archive transfer failed, retrying")
		}).
		WithAbort(func() bool { return a.breaker.State() == circuit.StateOpen })
	return a
}

// countsAgainstStore reports whether err says something about the health
// of the object store.
func countsAgainstStore(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ErrCodeObjectNotFound, errors.ErrCodeInvalidArgument:
		return false
	}
	return !stderr.Is(err, context.Canceled)
}

// transfer runs one store call with retries behind the breaker. A call
// that exhausts its retries counts as a single breaker failure.
func (a *Archiver) transfer(ctx context.Context, fn func(ctx context.Context) error) error {
	return a.breaker.Execute(ctx, func(ctx context.Context) error {
		return a.retryer.DoWithContext(ctx, fn)
	})
}

// RetryStats returns the transfer retry counters.
func (a *Archiver) RetryStats() retry.Stats { return a.retryer.Stats() }

// Breaker returns the breaker guarding the store.
func (a *Archiver) Breaker() *circuit.Breaker { return a.breaker }

func (a *Archiver) instanceDir(fs int) (string, error) {
	return utils.ObjectKey(a.opts.Prefix, fmt.Sprintf("fs%d", fs))
}

// Export snapshots instance fs and uploads the image. It returns the key
// the image was stored under.
func (a *Archiver) Export(ctx context.Context, fs int) (string, error) {
	in, err := a.table.Get(fs)
	if err != nil {
		return "", err
	}

	start := time.Now()
	image, err := in.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	frame, err := encodeImage(image, a.opts.Compression)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s-g%d%s", a.now().UTC().Format(timeLayout), in.Generation(), imageSuffix)
	key, err := utils.ObjectKey(a.opts.Prefix, fmt.Sprintf("fs%d", fs), name)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInvalidArgument, "bad object key").WithComponent("archive")
	}

	err = a.transfer(ctx, func(ctx context.Context) error {
		return a.store.Put(ctx, key, frame)
	})
	if err != nil {
		return "", err
	}

	a.log.Info().Int("fs", fs).Str("key", key).
		Str("image", utils.FormatBytes(int64(len(image)))).
		Str("stored", utils.FormatBytes(int64(len(frame)))).
		Stringer("compression", a.opts.Compression).
		Dur("took", time.Since(start)).Msg("partition exported")
	return key, nil
}

// Images lists the stored images of instance fs, oldest first.
func (a *Archiver) Images(ctx context.Context, fs int) ([]string, error) {
	if _, err := a.table.Get(fs); err != nil {
		return nil, err
	}
	dir, err := a.instanceDir(fs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidArgument, "bad object key").WithComponent("archive")
	}

	var keys []string
	err = a.transfer(ctx, func(ctx context.Context) error {
		var lerr error
		keys, lerr = a.store.List(ctx, dir+"/")
		return lerr
	})
	if err != nil {
		return nil, err
	}

	images := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, dir+"/") && strings.HasSuffix(k, imageSuffix) {
			images = append(images, k)
		}
	}
	return images, nil
}

// Import downloads the image at key, restores it onto instance fs and
// remounts it. An empty key selects the newest image of the instance.
func (a *Archiver) Import(ctx context.Context, fs int, key string) error {
	in, err := a.table.Get(fs)
	if err != nil {
		return err
	}

	if key == "" {
		images, err := a.Images(ctx, fs)
		if err != nil {
			return err
		}
		if len(images) == 0 {
			return errors.Wrap(ErrNotFound, errors.ErrCodeObjectNotFound,
				fmt.Sprintf("no images for instance %d", fs)).WithComponent("archive")
		}
		key = images[len(images)-1]
	}

	var frame []byte
	err = a.transfer(ctx, func(ctx context.Context) error {
		var gerr error
		frame, gerr = a.store.Get(ctx, key)
		return gerr
	})
	if err != nil {
		return err
	}

	image, err := decodeImage(frame)
	if err != nil {
		return err
	}
	if err := in.Restore(ctx, image); err != nil {
		return err
	}

	a.log.Info().Int("fs", fs).Str("key", key).Uint32("gen", in.Generation()).Msg("partition imported")
	return nil
}

// Prune deletes all but the newest keep images of instance fs and
// returns the number deleted.
func (a *Archiver) Prune(ctx context.Context, fs int, keep int) (int, error) {
	images, err := a.Images(ctx, fs)
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}

	deleted := 0
	for len(images)-deleted > keep {
		key := images[deleted]
		err := a.transfer(ctx, func(ctx context.Context) error {
			return a.store.Delete(ctx, key)
		})
		if err != nil {
			return deleted, err
		}
		deleted++
	}
	if deleted > 0 {
		a.log.Info().Int("fs", fs).Int("deleted", deleted).Int("kept", keep).Msg("old images pruned")
	}
	return deleted, nil
}
