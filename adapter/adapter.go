// Package adapter connects the DEM pipeline to its callers: the command line
// and the scene request queue.
package adapter

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/polarsar/demprep/broker"
	"github.com/polarsar/demprep/geo"
	"github.com/polarsar/demprep/pipeline"
	"github.com/polarsar/demprep/processor"
	"github.com/polarsar/demprep/tiles"
)

// Preparer builds the DEM of a scene.
type Preparer interface {
	Prepare(ctx context.Context, req pipeline.Request) (*pipeline.Report, error)
}

// Processor runs terrain correction once the DEM is ready.
type Processor interface {
	Enabled() bool
	Defaults() map[string]string
	Run(ctx context.Context, j processor.Job) error
}

// Scene is a request to prepare the DEM of a scene.
type Scene struct {
	// SceneID defaults to the scene name found in the footprint.
	SceneID string
	// Footprint is a GeoJSON document.
	Footprint []byte
	// ScenePath and OrbitPath are handed to the processor.
	ScenePath string
	OrbitPath string
	Force     bool
}

// Adapter is the core of the service.
//
// It turns a footprint into a pipeline request and hands the resulting DEM
// to the processor when one is configured and the scene is known.
type Adapter struct {
	logger    logrus.FieldLogger
	pipeline  Preparer
	processor Processor
	outputDir string
}

var _ broker.Handler = (*Adapter)(nil)

// New returns an Adapter. proc may be nil. Processor output goes to a
// directory per scene under outputDir.
func New(logger logrus.FieldLogger, p Preparer, proc Processor, outputDir string) *Adapter {
	return &Adapter{
		logger:    logger,
		pipeline:  p,
		processor: proc,
		outputDir: outputDir,
	}
}

// Prepare runs the pipeline for a scene. The report is returned whenever the
// pipeline ran, even if it failed.
func (a *Adapter) Prepare(ctx context.Context, s Scene) (*pipeline.Report, error) {
	fp, err := geo.ParseFootprint(s.Footprint)
	if err != nil {
		return nil, err
	}
	bounds, err := fp.Bounds()
	if err != nil {
		return nil, err
	}
	sceneID := s.SceneID
	if sceneID == "" {
		sceneID = fp.SceneName
	}
	report, err := a.pipeline.Prepare(ctx, pipeline.Request{
		SceneID:   pipeline.SceneID(sceneID),
		Footprint: bounds,
		Force:     s.Force,
	})
	if err != nil {
		return report, err
	}
	if err := a.process(ctx, s, report); err != nil {
		return report, err
	}
	return report, nil
}

func (a *Adapter) process(ctx context.Context, s Scene, report *pipeline.Report) error {
	if a.processor == nil || !a.processor.Enabled() {
		return nil
	}
	logger := a.logger.WithField("scene", report.SceneID)
	if s.ScenePath == "" {
		logger.Debug("No scene path given, processor not started")
		return nil
	}
	job, err := processor.NewJob(processor.JobParams{
		SceneID:   report.SceneID,
		ScenePath: s.ScenePath,
		OrbitPath: s.OrbitPath,
		DEMPath:   report.Output,
		OutputDir: filepath.Join(a.outputDir, report.SceneID),
	}, a.processor.Defaults())
	if err != nil {
		return err
	}
	return errors.Wrap(a.processor.Run(ctx, job), "terrain correction")
}

// HandleScene implements broker.Handler.
func (a *Adapter) HandleScene(ctx context.Context, req *broker.SceneRequest) (*broker.Event, error) {
	report, err := a.Prepare(ctx, Scene{
		SceneID:   req.SceneID,
		Footprint: req.Footprint,
		ScenePath: req.ScenePath,
		OrbitPath: req.OrbitPath,
		Force:     req.Force,
	})
	if err != nil {
		return nil, err
	}
	return ReadyEvent(report), nil
}

// ReadyEvent describes a prepared DEM.
func ReadyEvent(r *pipeline.Report) *broker.Event {
	ev := broker.NewEvent(broker.EventDEMReady)
	ev.SceneID = r.SceneID
	ev.RunID = r.RunID
	ev.DEMPath = r.Output
	ev.Reused = r.Skipped
	ev.Warnings = r.Warnings
	if !r.Skipped {
		b := r.Corrected
		ev.Bounds = &b
	}
	for _, t := range r.Tiles {
		if t.Status == tiles.Missing || t.Status == tiles.Transient {
			ev.MissingTiles = append(ev.MissingTiles, t.ID.String())
		}
	}
	return ev
}
