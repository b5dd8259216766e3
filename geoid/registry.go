package geoid

import (
	"context"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cast"

	"github.com/polarsar/demprep/s3"
)

// ErrUnknownModel is returned for identifiers with no known source.
var ErrUnknownModel = errors.New("unknown geoid model")

// constantPrefix introduces a flat model, e.g. "constant:30".
const constantPrefix = "constant:"

// DefaultSources maps model identifiers to public undulation grids.
var DefaultSources = map[string]string{
	"egm_08":   "s3://asf-dem-west/GEOID/us_nga_egm2008_1.tif",
	"egm_96":   "s3://asf-dem-west/GEOID/us_nga_egm96_15.tif",
	"geoid_18": "s3://asf-dem-west/GEOID/us_noaa_g2018u0.tif",
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// CacheDir is where downloaded grids are kept.
	CacheDir string
	// Sources overrides or extends DefaultSources. Values are s3:// URIs or
	// local paths.
	Sources map[string]string
	Retries uint64
}

// Registry resolves model identifiers, downloading and caching grids. Loaded
// models are kept in memory for the lifetime of the registry.
type Registry struct {
	logger logrus.FieldLogger
	store  s3.ObjectStorage
	fs     afero.Fs
	cfg    RegistryConfig

	mu     sync.Mutex
	loaded map[string]Model
}

// NewRegistry returns a Registry. fs must be backed by the OS filesystem for
// downloaded grids to be readable by GDAL.
func NewRegistry(logger logrus.FieldLogger, store s3.ObjectStorage, fs afero.Fs, cfg RegistryConfig) *Registry {
	sources := make(map[string]string, len(DefaultSources)+len(cfg.Sources))
	for k, v := range DefaultSources {
		sources[k] = v
	}
	for k, v := range cfg.Sources {
		sources[k] = v
	}
	cfg.Sources = sources
	return &Registry{
		logger: logger.WithField("component", "geoid"),
		store:  store,
		fs:     fs,
		cfg:    cfg,
		loaded: map[string]Model{},
	}
}

// Known reports whether id can be resolved without touching the network.
func (r *Registry) Known(id string) bool {
	if strings.HasPrefix(id, constantPrefix) {
		_, err := cast.ToFloat64E(strings.TrimPrefix(id, constantPrefix))
		return err == nil
	}
	_, ok := r.cfg.Sources[id]
	return ok
}

// Model returns the model identified by id.
func (r *Registry) Model(ctx context.Context, id string) (Model, error) {
	if strings.HasPrefix(id, constantPrefix) {
		v, err := cast.ToFloat64E(strings.TrimPrefix(id, constantPrefix))
		if err != nil {
			return nil, errors.Wrapf(ErrUnknownModel, "%s: %v", id, err)
		}
		return Constant(v), nil
	}
	src, ok := r.cfg.Sources[id]
	if !ok {
		return nil, errors.Wrap(ErrUnknownModel, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.loaded[id]; ok {
		return m, nil
	}

	local := src
	if strings.HasPrefix(src, "s3://") {
		var err error
		if local, err = r.fetch(ctx, id, src); err != nil {
			return nil, err
		}
	}
	m, err := LoadGrid(local)
	if err != nil {
		return nil, errors.Wrapf(err, "geoid model %s", id)
	}
	r.loaded[id] = m
	return m, nil
}

func (r *Registry) fetch(ctx context.Context, id, uri string) (string, error) {
	local := filepath.Join(r.cfg.CacheDir, path.Base(uri))
	logger := r.logger.WithFields(logrus.Fields{"model": id, "uri": uri})
	if ok, _ := afero.Exists(r.fs, local); ok {
		logger.Debug("Geoid grid found in cache")
		return local, nil
	}
	logger.Info("Downloading geoid grid")
	retry := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.cfg.Retries)
	if _, err := s3.DownloadFile(ctx, r.store, r.fs, uri, local, retry); err != nil {
		return "", errors.Wrapf(err, "downloading geoid model %s", id)
	}
	return local, nil
}
