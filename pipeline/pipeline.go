// Package pipeline turns a scene footprint into an ellipsoid-referenced DEM
// mosaic ready for terrain correction.
package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/polarsar/demprep/geo"
	"github.com/polarsar/demprep/geoid"
	"github.com/polarsar/demprep/raster"
	"github.com/polarsar/demprep/tiles"
)

const (
	resultOK      = "ok"
	resultFailed  = "failed"
	resultSkipped = "skipped"
)

// ErrNoData is returned when none of the tiles covering a scene could be
// fetched, leaving nothing to build a mosaic from.
var ErrNoData = errors.New("no DEM tile available for the scene")

// TileFetcher resolves tiles to local files.
type TileFetcher interface {
	Fetch(ctx context.Context, ids []tiles.ID) (tiles.FetchReport, error)
}

// GeoidSource resolves geoid model identifiers.
type GeoidSource interface {
	Model(ctx context.Context, id string) (geoid.Model, error)
}

// Config holds the per-deployment settings of the pipeline.
type Config struct {
	Corrector   geo.CorrectorConfig
	Fill        float64
	GeoidModel  string
	OutputDir   string
	SanityRange geoid.Range
	// TileMargin grows the corrected box before tiles are located, in
	// degrees. Half a pixel of the product keeps cells whose shifted extent
	// still covers the box edge.
	TileMargin float64
}

// Request asks for the DEM of one scene.
type Request struct {
	SceneID   string
	Footprint geo.BoundingBox
	// Force rebuilds the DEM even if one was produced before.
	Force bool
}

// Pipeline runs the DEM preparation stages in order. Stages run one after
// the other; only tile downloads are concurrent.
type Pipeline struct {
	logger    logrus.FieldLogger
	cfg       Config
	corrector *geo.Corrector
	fetcher   TileFetcher
	geoids    GeoidSource
	storage   Storage
	fs        afero.Fs
	metrics   *Metrics
}

// New returns a Pipeline. storage and metrics may be nil.
func New(
	logger logrus.FieldLogger,
	cfg Config,
	tr geo.Transformer,
	fetcher TileFetcher,
	geoids GeoidSource,
	storage Storage,
	fs afero.Fs,
	metrics *Metrics) (*Pipeline, error) {

	corrector, err := geo.NewCorrector(cfg.Corrector, tr)
	if err != nil {
		return nil, err
	}
	if cfg.GeoidModel == "" {
		return nil, errors.New("geoid model is not set")
	}
	if storage == nil {
		storage = NewStorageMemory()
	}
	return &Pipeline{
		logger:    logger,
		cfg:       cfg,
		corrector: corrector,
		fetcher:   fetcher,
		geoids:    geoids,
		storage:   storage,
		fs:        fs,
		metrics:   metrics,
	}, nil
}

// OutputPath returns where the DEM of a scene is written.
func (p *Pipeline) OutputPath(sceneID string) string {
	return filepath.Join(p.cfg.OutputDir, sceneID+"_dem.tif")
}

// ReportPath returns where the tile report of a scene is written.
func (p *Pipeline) ReportPath(sceneID string) string {
	return filepath.Join(p.cfg.OutputDir, sceneID+"_dem_tiles.csv")
}

// Prepare builds the DEM of a scene. The report is always returned; the
// error is set when the run failed and no DEM was produced.
func (p *Pipeline) Prepare(ctx context.Context, req Request) (*Report, error) {
	r := &Report{
		RunID:    uuid.New().String(),
		SceneID:  req.SceneID,
		Started:  time.Now(),
		Original: req.Footprint,
	}
	if r.SceneID == "" {
		r.SceneID = r.RunID
	}
	logger := p.logger.WithFields(logrus.Fields{"run": r.RunID, "scene": r.SceneID})

	if !req.Force {
		if done, err := p.reuse(ctx, r); err != nil {
			logger.WithError(err).Warn("Run state could not be checked")
			r.warn("run state unavailable: " + err.Error())
		} else if done {
			r.Finished = time.Now()
			p.metrics.observe(r, resultSkipped)
			logger.WithField("output", r.Output).Info("DEM already prepared, skipping")
			return r, nil
		}
	}

	err := p.run(ctx, r, logger)
	r.Finished = time.Now()
	if err != nil {
		r.Err = err
		p.metrics.observe(r, resultFailed)
		return r, err
	}
	p.metrics.observe(r, resultOK)
	logger.WithFields(r.Fields()).Info("DEM prepared")
	return r, nil
}

// reuse looks for a DEM built by an earlier run, first in the run state and
// then at the output path, which is all a fresh process can see when the
// state is kept in memory.
func (p *Pipeline) reuse(ctx context.Context, r *Report) (bool, error) {
	rec, err := p.storage.GetRecord(ctx, r.SceneID)
	if err != nil {
		return false, err
	}
	output := p.OutputPath(r.SceneID)
	if rec != nil {
		output = rec.Output
	}
	if ok, _ := afero.Exists(p.fs, output); !ok {
		return false, nil
	}
	r.Skipped = true
	r.Output = output
	return true, nil
}

func (p *Pipeline) run(ctx context.Context, r *Report, logger logrus.FieldLogger) error {
	corrected, err := p.corrector.Correct(r.Original)
	if err != nil {
		return errors.Wrap(err, "correcting bounds")
	}
	r.Corrected = corrected
	if corrected != r.Original {
		logger.WithFields(logrus.Fields{
			"original":  r.Original.String(),
			"corrected": corrected.String(),
		}).Info("Bounds adjusted for polar distortion")
	}

	ids, err := tiles.Locate(corrected, p.cfg.TileMargin)
	if err != nil {
		return errors.Wrap(err, "locating tiles")
	}
	fetched, err := p.fetcher.Fetch(ctx, ids)
	r.Tiles = fetched.Results
	if err != nil {
		return err
	}
	for _, t := range fetched.Missing() {
		r.warn("tile " + t.ID.String() + " does not exist, filled")
	}
	for _, t := range fetched.Failed() {
		r.warn("tile " + t.ID.String() + " could not be fetched, filled: " + t.Err.Error())
	}
	paths := fetched.Paths()
	if len(paths) == 0 {
		return errors.Wrapf(ErrNoData, "%d tiles requested", len(ids))
	}

	inputs, err := raster.LoadAll(paths, p.cfg.Fill)
	if err != nil {
		return errors.Wrap(err, "loading tiles")
	}
	mosaic, err := raster.Merge(inputs, p.cfg.Fill)
	if err != nil {
		return errors.Wrap(err, "merging tiles")
	}

	mosaic, r.Padding, err = raster.Expand(mosaic, corrected, p.cfg.Fill)
	if err != nil {
		return errors.Wrap(err, "expanding mosaic")
	}
	if !r.Padding.IsZero() {
		logger.WithField("padding", r.Padding).Info("Mosaic padded with fill to cover the scene")
	}

	model, err := p.geoids.Model(ctx, p.cfg.GeoidModel)
	if err != nil {
		return errors.Wrap(err, "loading geoid model")
	}
	if err := geoid.ToEllipsoid(mosaic, model); err != nil {
		return errors.Wrap(err, "converting to ellipsoid heights")
	}
	stats, warning := geoid.SanityCheck(mosaic, p.cfg.SanityRange)
	r.Stats = stats
	if warning != "" {
		logger.Warn(warning)
		r.warn(warning)
	}

	out := p.OutputPath(r.SceneID)
	if err := raster.Save(mosaic, out); err != nil {
		return errors.Wrap(err, "writing DEM")
	}
	r.Output = out

	if err := p.writeReport(r); err != nil {
		logger.WithError(err).Warn("Tile report could not be written")
	}
	rec := Record{SceneID: r.SceneID, RunID: r.RunID, Output: out, Finished: time.Now().UTC().Format(time.RFC3339)}
	if err := p.storage.PutRecord(ctx, rec); err != nil {
		logger.WithError(err).Warn("Run state could not be stored")
		r.warn("run state not stored: " + err.Error())
	}
	return nil
}

func (p *Pipeline) writeReport(r *Report) error {
	f, err := p.fs.Create(p.ReportPath(r.SceneID))
	if err != nil {
		return err
	}
	if err := r.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// SceneID derives a file-system friendly identifier from a scene name.
func SceneID(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			return r
		}
		return '_'
	}, name)
}
