package tiles

import (
	"context"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/gammazero/workerpool"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/polarsar/demprep/s3"
)

// Status is the outcome of fetching a single tile.
type Status int

const (
	// Found means the tile was downloaded during this run.
	Found Status = iota
	// Cached means the tile was already present in the local cache.
	Cached
	// Missing means the remote store has no such tile, e.g. over the ocean.
	Missing
	// Transient means the download failed or timed out.
	Transient
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case Cached:
		return "cached"
	case Missing:
		return "missing"
	case Transient:
		return "transient"
	}
	return "unknown"
}

// MarshalCSV implements gocsv.TypeMarshaller.
func (s Status) MarshalCSV() (string, error) {
	return s.String(), nil
}

// errCached tells the callers of a shared download that the tile reached
// the cache before the download started.
var errCached = errors.New("tile already cached")

// Result describes what happened to one tile.
type Result struct {
	ID       ID
	URI      string
	Path     string
	Status   Status
	Err      error
	Bytes    int64
	Duration time.Duration
}

// Available reports whether the tile can be read from Path.
func (r Result) Available() bool {
	return r.Status == Found || r.Status == Cached
}

// FetchReport aggregates the results of a fetch, ordered like the ids that
// were requested.
type FetchReport struct {
	Results []Result
}

// Paths returns the local files of every available tile.
func (r FetchReport) Paths() []string {
	var paths []string
	for _, res := range r.Results {
		if res.Available() {
			paths = append(paths, res.Path)
		}
	}
	return paths
}

// Missing returns the tiles absent from the remote store.
func (r FetchReport) Missing() []Result {
	return r.filter(Missing)
}

// Failed returns the tiles whose download did not succeed.
func (r FetchReport) Failed() []Result {
	return r.filter(Transient)
}

func (r FetchReport) filter(status Status) []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Status == status {
			out = append(out, res)
		}
	}
	return out
}

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	// BaseURI is the root of the remote tile store, e.g. s3://copernicus-dem-30m.
	BaseURI string
	// CacheDir is where tiles are stored locally.
	CacheDir string
	Naming   Naming
	// Workers bounds the number of concurrent downloads.
	Workers int
	// Timeout bounds each tile download, retries included. Zero disables it.
	Timeout time.Duration
	// Retries is the number of extra attempts after a transient failure.
	Retries uint64
	// Progress receives a progress bar. Nil disables it.
	Progress io.Writer
}

// Fetcher resolves tile identifiers to local files, downloading the ones
// that are not cached yet.
type Fetcher struct {
	logger logrus.FieldLogger
	store  s3.ObjectStorage
	fs     afero.Fs
	cfg    FetcherConfig
	group  singleflight.Group
}

// NewFetcher returns a Fetcher. fs is the filesystem holding the cache.
func NewFetcher(logger logrus.FieldLogger, store s3.ObjectStorage, fs afero.Fs, cfg FetcherConfig) *Fetcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Naming == (Naming{}) {
		cfg.Naming = DefaultNaming()
	}
	if cfg.Progress == nil {
		cfg.Progress = io.Discard
	}
	return &Fetcher{
		logger: logger.WithField("component", "tiles"),
		store:  store,
		fs:     fs,
		cfg:    cfg,
	}
}

// URI returns the remote location of a tile.
func (f *Fetcher) URI(id ID) string {
	return s3.JoinURI(f.cfg.BaseURI, f.cfg.Naming.Key(id))
}

// LocalPath returns the cache location of a tile.
func (f *Fetcher) LocalPath(id ID) string {
	return filepath.Join(f.cfg.CacheDir, f.cfg.Naming.Stem(id)+".tif")
}

// Fetch resolves every id. Missing and failed tiles do not make the fetch
// fail: they are logged and reported so the caller can fill the gaps. The
// only error returned is the cancellation of ctx.
func (f *Fetcher) Fetch(ctx context.Context, ids []ID) (FetchReport, error) {
	ids = dedupe(ids)
	results := make([]Result, len(ids))
	bar := progressbar.NewOptions(len(ids),
		progressbar.OptionSetWriter(f.cfg.Progress),
		progressbar.OptionSetDescription("fetching DEM tiles"),
		progressbar.OptionShowCount(),
	)

	pool := workerpool.New(f.cfg.Workers)
	for i, id := range ids {
		i, id := i, id
		pool.Submit(func() {
			results[i] = f.fetch(ctx, id)
			_ = bar.Add(1)
		})
	}
	pool.StopWait()
	_ = bar.Finish()

	if err := ctx.Err(); err != nil {
		return FetchReport{Results: results}, errors.Wrap(err, "tile fetch interrupted")
	}
	return FetchReport{Results: results}, nil
}

func (f *Fetcher) fetch(ctx context.Context, id ID) Result {
	res := Result{ID: id, URI: f.URI(id), Path: f.LocalPath(id)}
	logger := f.logger.WithFields(logrus.Fields{"tile": id.String(), "uri": res.URI})
	start := time.Now()

	if ok, _ := afero.Exists(f.fs, res.Path); ok {
		res.Status = Cached
		logger.Debug("Tile found in cache")
		return res
	}

	// Concurrent requests for the same destination share one download.
	v, err, _ := f.group.Do(res.Path, func() (interface{}, error) {
		if ok, _ := afero.Exists(f.fs, res.Path); ok {
			return int64(0), errCached
		}
		tctx := ctx
		if f.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			tctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
			defer cancel()
		}
		retry := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), f.cfg.Retries)
		return s3.DownloadFile(tctx, f.store, f.fs, res.URI, res.Path, retry)
	})
	res.Duration = time.Since(start)

	switch {
	case err == nil:
		res.Status = Found
		res.Bytes, _ = v.(int64)
		logger.WithField("bytes", res.Bytes).Debug("Tile downloaded")
	case err == errCached:
		res.Status = Cached
		logger.Debug("Tile cached by a concurrent download")
	case errors.Cause(err) == s3.ErrNotFound:
		res.Status = Missing
		logger.Warn("Tile does not exist in the remote store, it will be filled")
	default:
		res.Status = Transient
		res.Err = err
		logger.WithError(err).Warn("Tile could not be fetched, it will be filled")
	}
	return res
}

func dedupe(ids []ID) []ID {
	seen := make(map[ID]struct{}, len(ids))
	out := make([]ID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}
