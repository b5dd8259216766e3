package pipeline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/airbusgeo/godal"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polarsar/demprep/geo"
	"github.com/polarsar/demprep/geoid"
	"github.com/polarsar/demprep/internal/testutil"
	"github.com/polarsar/demprep/raster"
	"github.com/polarsar/demprep/tiles"
)

const fill = -32768

func TestMain(m *testing.M) {
	godal.RegisterAll()
	os.Exit(m.Run())
}

// fakeFetcher serves tiles written to disk by the test.
type fakeFetcher struct {
	paths     map[tiles.ID]string
	requested [][]tiles.ID
}

func (f *fakeFetcher) Fetch(ctx context.Context, ids []tiles.ID) (tiles.FetchReport, error) {
	f.requested = append(f.requested, ids)
	var report tiles.FetchReport
	for _, id := range ids {
		res := tiles.Result{ID: id, Status: tiles.Missing}
		if p, ok := f.paths[id]; ok {
			res.Status, res.Path = tiles.Found, p
		}
		report.Results = append(report.Results, res)
	}
	return report, nil
}

type geoids map[string]geoid.Model

func (g geoids) Model(ctx context.Context, id string) (geoid.Model, error) {
	m, ok := g[id]
	if !ok {
		return nil, errors.Wrap(geoid.ErrUnknownModel, id)
	}
	return m, nil
}

func box(minX, minY, maxX, maxY float64) geo.BoundingBox {
	return geo.BoundingBox{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY, EPSG: geo.Geographic}
}

func writeTile(t *testing.T, id tiles.ID, v float32) string {
	g := testutil.TileGrid(id.Lat, id.Lon, 8, fill)
	g.Value = testutil.Constant(v)
	return testutil.WriteGeoTIFF(t, id.String()+".tif", g)
}

type fixture struct {
	pipeline *Pipeline
	fetcher  *fakeFetcher
	storage  Storage
	metrics  *Metrics
	out      string
}

func newFixture(t *testing.T, tileValues map[tiles.ID]float32) *fixture {
	fetcher := &fakeFetcher{paths: map[tiles.ID]string{}}
	for id, v := range tileValues {
		fetcher.paths[id] = writeTile(t, id, v)
	}
	logger, _ := test.NewNullLogger()
	out := t.TempDir()
	storage := NewStorageMemory()
	metrics := NewMetrics(prometheus.NewRegistry())
	p, err := New(logger, Config{
		Corrector:   geo.DefaultCorrectorConfig(),
		Fill:        fill,
		GeoidModel:  "flat",
		OutputDir:   out,
		SanityRange: geoid.DefaultRange(),
	}, geo.GDALTransformer{}, fetcher, geoids{"flat": geoid.Constant(30)}, storage, afero.NewOsFs(), metrics)
	require.NoError(t, err)
	return &fixture{pipeline: p, fetcher: fetcher, storage: storage, metrics: metrics, out: out}
}

func TestPrepare_SingleTile(t *testing.T) {
	s17 := tiles.ID{Lat: -17, Lon: 130}
	f := newFixture(t, map[tiles.ID]float32{s17: 100})
	target := box(130.2, -16.8, 130.7, -16.3)

	r, err := f.pipeline.Prepare(context.Background(), Request{SceneID: "scene", Footprint: target})
	require.NoError(t, err)

	require.Len(t, f.fetcher.requested, 1)
	assert.Equal(t, []tiles.ID{s17}, f.fetcher.requested[0], "a box inside one tile needs that tile only")
	assert.Equal(t, target, r.Corrected)
	assert.True(t, r.Padding.IsZero())
	assert.Empty(t, r.Warnings)
	assert.Equal(t, filepath.Join(f.out, "scene_dem.tif"), r.Output)

	dem, err := raster.Load(r.Output, 0)
	require.NoError(t, err)
	assert.True(t, dem.Contains(target))
	assert.Equal(t, float64(fill), dem.NoData)
	for _, v := range dem.Data {
		assert.Equal(t, float32(70), v)
	}
	assert.InDelta(t, 70, r.Stats.Mean, 1e-6)

	csv, err := os.ReadFile(f.pipeline.ReportPath("scene"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(csv), "run_id,scene_id,tile,status"))
	assert.Contains(t, string(csv), "S17_00_E130_00,found")

	rec, err := f.storage.GetRecord(context.Background(), "scene")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, r.RunID, rec.RunID)

	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.runs.WithLabelValues(resultOK)))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.tiles.WithLabelValues("found")))
}

func TestPrepare_MissingTileIsFilled(t *testing.T) {
	s17 := tiles.ID{Lat: -17, Lon: 130}
	f := newFixture(t, map[tiles.ID]float32{s17: 100})
	// Reaches into S18, which does not exist.
	target := box(130.2, -17.5, 130.7, -16.5)

	r, err := f.pipeline.Prepare(context.Background(), Request{SceneID: "gap", Footprint: target})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Count(tiles.Missing))
	assert.False(t, r.Padding.IsZero())
	require.Len(t, r.Warnings, 1)
	assert.Contains(t, r.Warnings[0], "S18_00_E130_00")

	dem, err := raster.Load(r.Output, 0)
	require.NoError(t, err)
	assert.True(t, dem.Contains(target))
	assert.Equal(t, 64, dem.Valid(), "only the pixels of S17 hold data")
	for _, v := range dem.Data {
		if !dem.IsFill(v) {
			assert.Equal(t, float32(70), v)
		}
	}
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.padding))
}

func TestPrepare_SkipsPreparedScenes(t *testing.T) {
	s17 := tiles.ID{Lat: -17, Lon: 130}
	f := newFixture(t, map[tiles.ID]float32{s17: 100})
	req := Request{SceneID: "again", Footprint: box(130.2, -16.8, 130.7, -16.3)}

	first, err := f.pipeline.Prepare(context.Background(), req)
	require.NoError(t, err)

	second, err := f.pipeline.Prepare(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, first.Output, second.Output)
	assert.Len(t, f.fetcher.requested, 1)

	req.Force = true
	third, err := f.pipeline.Prepare(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, third.Skipped)
	assert.Len(t, f.fetcher.requested, 2)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.runs.WithLabelValues(resultSkipped)))
}

func TestPrepare_ReusesExistingOutput(t *testing.T) {
	f := newFixture(t, nil)
	out := f.pipeline.OutputPath("earlier")
	require.NoError(t, os.WriteFile(out, []byte("dem"), 0644))

	r, err := f.pipeline.Prepare(context.Background(), Request{SceneID: "earlier", Footprint: box(130.2, -16.8, 130.7, -16.3)})
	require.NoError(t, err)
	assert.True(t, r.Skipped)
	assert.Equal(t, out, r.Output)
	assert.Empty(t, f.fetcher.requested)
}

func TestPrepare_Failures(t *testing.T) {
	testCases := []struct {
		name      string
		footprint geo.BoundingBox
		model     string
		want      error
		fetched   bool
	}{
		{"no tile", box(10.2, 10.2, 10.4, 10.4), "flat", ErrNoData, true},
		{"inverted", box(170, 10, -170, 11), "flat", geo.ErrDegenerate, false},
		{"antimeridian", box(175, 10, 185, 11), "flat", geo.ErrAntimeridian, false},
		{"both hemispheres", box(10, -60, 11, 60), "flat", geo.ErrBothHemispheres, false},
		{"unknown geoid", box(130.2, -16.8, 130.7, -16.3), "egm_2020", geoid.ErrUnknownModel, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, map[tiles.ID]float32{{Lat: -17, Lon: 130}: 100})
			f.pipeline.cfg.GeoidModel = tc.model

			r, err := f.pipeline.Prepare(context.Background(), Request{SceneID: "bad", Footprint: tc.footprint})
			assert.Equal(t, tc.want, errors.Cause(err))
			require.NotNil(t, r)
			assert.Equal(t, err, r.Err)
			assert.Empty(t, r.Output)
			assert.Equal(t, tc.fetched, len(f.fetcher.requested) > 0)

			_, statErr := os.Stat(f.pipeline.OutputPath("bad"))
			assert.True(t, os.IsNotExist(statErr), "no DEM may be left behind")
			assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.runs.WithLabelValues(resultFailed)))
		})
	}
}

func TestPrepare_PolarBoxIsCorrected(t *testing.T) {
	f := newFixture(t, nil)
	original := box(10, -55, 12, -54)

	r, err := f.pipeline.Prepare(context.Background(), Request{SceneID: "polar", Footprint: original})
	assert.Equal(t, ErrNoData, errors.Cause(err))
	assert.True(t, r.Corrected.Contains(original))
	assert.NotEqual(t, original, r.Corrected)

	ids, err := tiles.Locate(r.Corrected, f.pipeline.cfg.TileMargin)
	require.NoError(t, err)
	assert.Equal(t, [][]tiles.ID{ids}, f.fetcher.requested)
}

func TestPrepare_PolarScene(t *testing.T) {
	original := box(10, -55, 12, -54)
	corrector, err := geo.NewCorrector(geo.DefaultCorrectorConfig(), geo.GDALTransformer{})
	require.NoError(t, err)
	corrected, err := corrector.Correct(original)
	require.NoError(t, err)
	ids, err := tiles.Locate(corrected, 0)
	require.NoError(t, err)

	values := map[tiles.ID]float32{}
	for _, id := range ids {
		values[id] = 100
	}
	f := newFixture(t, values)

	r, err := f.pipeline.Prepare(context.Background(), Request{SceneID: "polar", Footprint: original})
	require.NoError(t, err)
	assert.Equal(t, corrected, r.Corrected)
	assert.NotEqual(t, original, r.Corrected)
	assert.Equal(t, [][]tiles.ID{ids}, f.fetcher.requested)
	assert.Equal(t, len(ids), r.Count(tiles.Found))
	assert.True(t, r.Padding.IsZero())
	assert.Empty(t, r.Warnings)

	dem, err := raster.Load(r.Output, 0)
	require.NoError(t, err)
	assert.True(t, dem.Contains(r.Corrected))
	assert.Equal(t, len(dem.Data), dem.Valid())
	for _, v := range dem.Data {
		assert.Equal(t, float32(70), v)
	}
	assert.InDelta(t, 70, r.Stats.Mean, 1e-6)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.runs.WithLabelValues(resultOK)))
}

func TestPrepare_PointTilesAtBoxEdge(t *testing.T) {
	const n = 8
	e130, e131 := tiles.ID{Lat: -17, Lon: 130}, tiles.ID{Lat: -17, Lon: 131}
	// The shifted E130 ends at 130.9375, short of the box.
	target := box(130.5, -16.8, 130.97, -16.3)

	testCases := []struct {
		name   string
		margin float64
		want   []tiles.ID
		filled bool
	}{
		{"half pixel margin", 0.5 / n, []tiles.ID{e130, e131}, false},
		{"no margin", 0, []tiles.ID{e130}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			for _, id := range []tiles.ID{e130, e131} {
				g := testutil.PointTileGrid(id.Lat, id.Lon, n, fill)
				g.Value = testutil.Constant(100)
				f.fetcher.paths[id] = testutil.WriteGeoTIFF(t, id.String()+".tif", g)
			}
			f.pipeline.cfg.TileMargin = tc.margin

			r, err := f.pipeline.Prepare(context.Background(), Request{SceneID: "edge", Footprint: target})
			require.NoError(t, err)
			require.Len(t, f.fetcher.requested, 1)
			assert.Equal(t, tc.want, f.fetcher.requested[0])
			assert.Equal(t, tc.filled, !r.Padding.IsZero())

			dem, err := raster.Load(r.Output, 0)
			require.NoError(t, err)
			assert.True(t, dem.Contains(target))
			if !tc.filled {
				assert.Equal(t, len(dem.Data), dem.Valid(), "no fill where a tile holds data")
			}
		})
	}
}

func TestReport_WriteCSV(t *testing.T) {
	r := &Report{
		RunID:   "run",
		SceneID: "scene",
		Tiles: []tiles.Result{
			{ID: tiles.ID{Lat: -17, Lon: 130}, Status: tiles.Cached, Path: "/cache/a.tif"},
			{ID: tiles.ID{Lat: -18, Lon: 130}, Status: tiles.Transient, Err: errors.New("timeout")},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, r.WriteCSV(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "run_id,scene_id,tile,status,uri,path,bytes,duration_ms,error", lines[0])
	assert.Equal(t, "run,scene,S17_00_E130_00,cached,,/cache/a.tif,0,0,", lines[1])
	assert.Equal(t, "run,scene,S18_00_E130_00,transient,,,0,0,timeout", lines[2])
}

func TestSceneID(t *testing.T) {
	assert.Equal(t, "S1A_IW_GRDH_1SDV_20200101", SceneID(" S1A_IW_GRDH_1SDV_20200101.zip "))
	assert.Equal(t, "a_b_c", SceneID("a/b c"))
}
