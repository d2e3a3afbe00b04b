package cache

import (
	"context"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/backmassage/debloat/internal/probe"
)

// ProbeFunc probes one file. Injected so tests can refresh without ffprobe.
type ProbeFunc func(ctx context.Context, path string) (*probe.Result, error)

// RefreshResult is the per-file outcome of a Refresh pass.
type RefreshResult struct {
	Path     string
	Entry    *Entry // nil when the file could not be statted
	FromHit  bool   // served from cache, no probe ran
	StatErr  error  // file vanished or unreadable
	ProbeErr error  // probe attempt failed (failure counter updated)
}

// Refresh brings the cache up to date for paths: fresh entries are served
// as-is, everything else is probed with at most workers concurrent ffprobe
// invocations. Probing one file cannot affect another, so probe failures
// never abort the pass; each result is delivered through visit in arbitrary
// completion order. Files already at the failure cap are not re-probed.
func (c *Cache) Refresh(ctx context.Context, paths []string, workers int, probeFn ProbeFunc, visit func(RefreshResult)) error {
	if workers < 1 {
		workers = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	results := make(chan RefreshResult)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for r := range results {
			visit(r)
		}
	}()

	for _, path := range paths {
		path := path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results <- c.refreshOne(ctx, path, probeFn)
			return nil
		})
	}

	err := g.Wait()
	close(results)
	<-done
	return err
}

func (c *Cache) refreshOne(ctx context.Context, path string, probeFn ProbeFunc) RefreshResult {
	fi, err := os.Stat(path)
	if err != nil {
		return RefreshResult{Path: path, StatErr: err}
	}

	if e, ok, err := c.Lookup(path, fi.Size(), fi.ModTime()); err == nil && ok {
		if e.Probe != nil || e.HardFailure() {
			return RefreshResult{Path: path, Entry: e, FromHit: true}
		}
		// Soft failure entry: fall through and retry the probe.
	}

	r, probeErr := probeFn(ctx, path)
	if probeErr != nil {
		if _, err := c.RecordFailure(path, fi.Size(), fi.ModTime()); err != nil {
			return RefreshResult{Path: path, ProbeErr: err}
		}
		e, _, _ := c.loadLocked(path)
		return RefreshResult{Path: path, Entry: e, ProbeErr: probeErr}
	}

	if err := c.StoreResult(path, r, fi.ModTime()); err != nil {
		return RefreshResult{Path: path, ProbeErr: err}
	}
	e, _, _ := c.loadLocked(path)
	return RefreshResult{Path: path, Entry: e}
}

// loadLocked is load with its own locking, for callers outside the mutex.
func (c *Cache) loadLocked(path string) (*Entry, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(path)
}
