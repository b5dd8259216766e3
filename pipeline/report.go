package pipeline

import (
	"io"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/sirupsen/logrus"

	"github.com/polarsar/demprep/geo"
	"github.com/polarsar/demprep/geoid"
	"github.com/polarsar/demprep/raster"
	"github.com/polarsar/demprep/tiles"
)

// Report collects what happened during one run, including the non-fatal
// conditions an operator should know about.
type Report struct {
	RunID     string
	SceneID   string
	Started   time.Time
	Finished  time.Time
	Original  geo.BoundingBox
	Corrected geo.BoundingBox
	Tiles     []tiles.Result
	Padding   raster.Padding
	Stats     geoid.Stats
	Warnings  []string
	Output    string
	// Skipped is set when an existing DEM was reused.
	Skipped bool
	Err     error
}

func (r *Report) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Count returns the number of tiles with the given status.
func (r *Report) Count(status tiles.Status) int {
	n := 0
	for _, t := range r.Tiles {
		if t.Status == status {
			n++
		}
	}
	return n
}

// Fields summarises the report for structured logging.
func (r *Report) Fields() logrus.Fields {
	f := logrus.Fields{
		"run":       r.RunID,
		"scene":     r.SceneID,
		"original":  r.Original.String(),
		"corrected": r.Corrected.String(),
		"found":     r.Count(tiles.Found),
		"cached":    r.Count(tiles.Cached),
		"missing":   r.Count(tiles.Missing),
		"failed":    r.Count(tiles.Transient),
		"padding":   r.Padding,
		"warnings":  len(r.Warnings),
		"output":    r.Output,
	}
	if !r.Finished.IsZero() {
		f["elapsed"] = r.Finished.Sub(r.Started).String()
	}
	return f
}

// TileRow is one line of the tile report.
type TileRow struct {
	RunID      string `csv:"run_id"`
	SceneID    string `csv:"scene_id"`
	Tile       string `csv:"tile"`
	Status     string `csv:"status"`
	URI        string `csv:"uri"`
	Path       string `csv:"path"`
	Bytes      int64  `csv:"bytes"`
	DurationMs int64  `csv:"duration_ms"`
	Error      string `csv:"error"`
}

// Rows returns one TileRow per requested tile.
func (r *Report) Rows() []*TileRow {
	rows := make([]*TileRow, 0, len(r.Tiles))
	for _, t := range r.Tiles {
		row := &TileRow{
			RunID:      r.RunID,
			SceneID:    r.SceneID,
			Tile:       t.ID.String(),
			Status:     t.Status.String(),
			URI:        t.URI,
			Path:       t.Path,
			Bytes:      t.Bytes,
			DurationMs: t.Duration.Milliseconds(),
		}
		if t.Err != nil {
			row.Error = t.Err.Error()
		}
		rows = append(rows, row)
	}
	return rows
}

// WriteCSV writes the tile report as CSV with a header line.
func (r *Report) WriteCSV(w io.Writer) error {
	return gocsv.Marshal(r.Rows(), w)
}
