package app

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"os"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polarsar/demprep/geo"
	"github.com/polarsar/demprep/internal/testutil"
	"github.com/polarsar/demprep/s3"
	"github.com/polarsar/demprep/tiles"
)

func TestMainHelp(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()
	os.Args = []string{"demprep", "help"}

	var (
		output    bytes.Buffer
		errOutput bytes.Buffer
	)
	err := Run(&output, &errOutput)

	if err != nil {
		t.Error(err)
	}
	if have, want := output.String(), "Available Commands"; !strings.Contains(have, want) {
		t.Errorf("expected output %s not found in output: %s", want, have)
	}
	if errOutput.String() != "" {
		t.Errorf("error output is not empty")
	}
}

func TestMainUnknownCommand(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()
	os.Args = []string{"demprep", "unknown"}

	err := Run(ioutil.Discard, ioutil.Discard)

	if err == nil {
		t.Error("error expected")
	}
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := RootCommand(&out, ioutil.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "demprep/(devel)\n", out)
}

func TestValidate(t *testing.T) {
	out, err := execute(t, "validate", "-f", testutil.FixturePath(t, "footprints/scene.geojson"))
	require.NoError(t, err)
	assert.Contains(t, out, "Scene: S1A_IW_GRDH_1SDV_20200614T205405")
	assert.Contains(t, out, "Footprint is valid")

	out, err = execute(t, "validate", "-f", testutil.FixturePath(t, "footprints/point.geojson"))
	assert.IsType(t, geo.ValidationError{}, err)
	assert.Contains(t, out, "The footprint is invalid!")

	_, err = execute(t, "validate", "-f", testutil.FixturePath(t, "footprints/antimeridian.geojson"))
	assert.Equal(t, geo.ErrAntimeridian, errors.Cause(err))
}

func TestTiles(t *testing.T) {
	out, err := execute(t, "tiles", "-f", testutil.FixturePath(t, "footprints/scene.geojson"))
	require.NoError(t, err)

	assert.Contains(t, out, "Bounds:")
	assert.NotContains(t, out, "Corrected:")
	assert.Contains(t, out, "S17_00_E130_00 s3://copernicus-dem-30m/"+
		"Copernicus_DSM_COG_10_S17_00_E130_00_DEM/Copernicus_DSM_COG_10_S17_00_E130_00_DEM.tif\n")
	assert.Equal(t, 1, strings.Count(out, "s3://"))
}

func TestTiles_Polar(t *testing.T) {
	out, err := execute(t, "tiles", "-f", testutil.FixturePath(t, "footprints/antarctic.geojson"))
	require.NoError(t, err)

	assert.Contains(t, out, "Corrected:")
	// The uncorrected box alone needs 11 x 6 tiles.
	assert.GreaterOrEqual(t, strings.Count(out, "s3://"), 66)
}

type fakeStore struct {
	present map[string]bool
}

func (f fakeStore) Download(ctx context.Context, w io.WriterAt, URI string) (int64, error) {
	return 0, s3.ErrNotFound
}

func (f fakeStore) Exists(ctx context.Context, URI string) (bool, error) {
	if URI == "" {
		return false, errors.New("empty URI")
	}
	return f.present[URI], nil
}

func TestTiles_Check(t *testing.T) {
	config := &Config{}
	require.NoError(t, loadConfig(config))

	uri := "s3://copernicus-dem-30m/Copernicus_DSM_COG_10_S17_00_E130_00_DEM/Copernicus_DSM_COG_10_S17_00_E130_00_DEM.tif"
	var out bytes.Buffer
	err := doTiles(context.Background(), &out, config, fakeStore{present: map[string]bool{uri: true}}, &tilesOptions{
		footprint: testutil.FixturePath(t, "footprints/scene.geojson"),
		check:     true,
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), uri+" present\n")
}

func TestPrepare_RequiresFootprint(t *testing.T) {
	_, err := execute(t, "prepare")
	assert.EqualError(t, err, "footprint file is required")
}

func TestConfig(t *testing.T) {
	out, err := execute(t, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "copernicus-dem-30m")
	assert.Contains(t, out, "threshold_lat")
}

func TestLoadConfig_Defaults(t *testing.T) {
	config := &Config{}
	require.NoError(t, loadConfig(config))

	assert.Equal(t, "s3://copernicus-dem-30m", config.DEM.BucketURI)
	assert.Equal(t, -32768.0, config.DEM.FillValue)
	assert.Equal(t, geo.DefaultCorrectorConfig(), config.Polar)
	assert.Equal(t, "egm_08", config.Geoid.Model)
	assert.Equal(t, "Copernicus_DSM_COG_10_S17_00_E130_00_DEM", config.Naming().Stem(tiles.ID{Lat: -17, Lon: 130}))
	assert.Equal(t, -500.0, config.SanityRange().Min)
	assert.False(t, config.Processor.Enabled())
	assert.True(t, config.AWS.S3Anonymous)
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("DEMPREP_DEM_WORKERS", "3")
	t.Setenv("DEMPREP_GEOID_MODEL", "constant:0")

	config := &Config{}
	require.NoError(t, loadConfig(config))
	assert.Equal(t, 3, config.DEM.Workers)
	assert.Equal(t, "constant:0", config.Geoid.Model)
}

func TestLoadConfig_File(t *testing.T) {
	path := t.TempDir() + "/demprep.toml"
	require.NoError(t, os.WriteFile(path, []byte("[polar]\nthreshold_lat = 60.0\n[processor]\nbinary = \"rtc\"\nwork_dir = \"\"\n"), 0644))
	configFile = path
	defer func() { configFile = "" }()

	err := loadConfig(&Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "processor.work_dir is required")
}

func TestConfig_Validate(t *testing.T) {
	config := &Config{}
	require.NoError(t, loadConfig(config))
	require.NoError(t, config.Validate())

	config.Logging.Level = "chatty"
	config.DEM.Workers = 0
	config.Polar.ThresholdLat = 95
	config.Geoid.MinHeight = 10000

	err := config.Validate()
	require.Error(t, err)
	cerr, ok := err.(ConfigError)
	require.True(t, ok)
	assert.Len(t, cerr.Problems, 4)
	assert.Contains(t, err.Error(), "dem.workers must be at least 1, got 0")
}
