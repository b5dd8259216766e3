package app

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/polarsar/demprep/geo"
	"github.com/polarsar/demprep/geoid"
	"github.com/polarsar/demprep/processor"
	"github.com/polarsar/demprep/tiles"
)

const defaultConfig = `# demprep

################################## LOGGING ####################################

[logging]

#
# Logging verbosity level.
# Supported values: "DEBUG", "INFO", "WARN", "ERROR", "FATAL" or "PANIC".
#
level = "INFO"

################################## DEM ########################################

[dem]

#
# Root of the tile store. Tiles are found at
# <bucket_uri>/<stem>/<stem>.tif, e.g.
# Copernicus_DSM_COG_10_S17_00_E130_00_DEM/Copernicus_DSM_COG_10_S17_00_E130_00_DEM.tif
#
bucket_uri = "s3://copernicus-dem-30m"
s3_region = "eu-central-1"
product = "Copernicus_DSM_COG"
resolution = "10"

#
# Local tile cache and destination of the prepared DEMs.
#
cache_dir = "/var/cache/demprep/tiles"
output_dir = "/var/lib/demprep/dem"

#
# Value of pixels with no elevation.
#
fill_value = -32768.0

#
# Concurrent downloads, time allowed per tile and retries after transient
# failures.
#
workers = 8
fetch_timeout = "2m"
retries = 3

################################## POLAR ######################################

[polar]

#
# Boxes reaching beyond this absolute latitude are corrected in the polar
# stereographic projection of their hemisphere.
#
threshold_lat = 50.0
southern_epsg = 3031
northern_epsg = 3995

#
# Maximum spacing, in degrees, of the samples taken along the box perimeter.
#
sampling_delta = 0.1

################################## GEOID ######################################

[geoid]

#
# Geoid model: "egm_08", "egm_96", "geoid_18" or "constant:<metres>".
#
model = "egm_08"
cache_dir = "/var/cache/demprep/geoid"
s3_region = "us-west-2"

#
# Expected range of the mean ellipsoidal height. A DEM outside of it is
# reported, not rejected.
#
min_height = -500.0
max_height = 9000.0

################################## PROCESSOR ##################################

[processor]

#
# Terrain correction binary, run with the job configuration file as its last
# argument once the DEM is ready. Leave empty to disable.
#
binary = ""
work_dir = "/var/lib/demprep/work"
args = []

################################## SERVER #####################################

[server]

listen = ":6060"

#
# AWS SQS queue URL, e.g. "https://queue.amazonaws.com/80398EXAMPLE/MyQueue".
#
# The server will receive scene requests from this queue.
#
queue_url = ""

#
# AWS SNS topic ARNs, e.g. "arn:aws:sns:us-east-2:444455556666:topic1".
#
ready_topic_arn = ""
error_topic_arn = ""

#
# DynamoDB tables used to record prepared scenes and received messages.
# Leave empty to keep that state in memory.
#
state_table = ""
repository_table = ""

################################## AWS ########################################

[aws]

#
# Public tile and geoid buckets are read without credentials.
#
s3_anonymous = true
s3_profile = ""
s3_endpoint = ""

dynamodb_profile = ""
dynamodb_endpoint = ""

sqs_profile = ""
sqs_endpoint = ""

sns_profile = ""
sns_endpoint = ""
`

type Config struct {
	v *viper.Viper

	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`

	DEM struct {
		BucketURI    string        `mapstructure:"bucket_uri"`
		S3Region     string        `mapstructure:"s3_region"`
		Product      string        `mapstructure:"product"`
		Resolution   string        `mapstructure:"resolution"`
		CacheDir     string        `mapstructure:"cache_dir"`
		OutputDir    string        `mapstructure:"output_dir"`
		FillValue    float64       `mapstructure:"fill_value"`
		Workers      int           `mapstructure:"workers"`
		FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
		Retries      uint64        `mapstructure:"retries"`
	} `mapstructure:"dem"`

	Polar geo.CorrectorConfig `mapstructure:"polar"`

	Geoid struct {
		Model     string            `mapstructure:"model"`
		CacheDir  string            `mapstructure:"cache_dir"`
		S3Region  string            `mapstructure:"s3_region"`
		Sources   map[string]string `mapstructure:"sources"`
		MinHeight float64           `mapstructure:"min_height"`
		MaxHeight float64           `mapstructure:"max_height"`
	} `mapstructure:"geoid"`

	Processor processor.Settings `mapstructure:"processor"`

	Server struct {
		Listen          string `mapstructure:"listen"`
		QueueURL        string `mapstructure:"queue_url"`
		ReadyTopicARN   string `mapstructure:"ready_topic_arn"`
		ErrorTopicARN   string `mapstructure:"error_topic_arn"`
		StateTable      string `mapstructure:"state_table"`
		RepositoryTable string `mapstructure:"repository_table"`
	} `mapstructure:"server"`

	AWS struct {
		S3Anonymous      bool   `mapstructure:"s3_anonymous"`
		S3Profile        string `mapstructure:"s3_profile"`
		S3Endpoint       string `mapstructure:"s3_endpoint"`
		DynamoDBProfile  string `mapstructure:"dynamodb_profile"`
		DynamoDBEndpoint string `mapstructure:"dynamodb_endpoint"`
		SQSProfile       string `mapstructure:"sqs_profile"`
		SQSEndpoint      string `mapstructure:"sqs_endpoint"`
		SNSProfile       string `mapstructure:"sns_profile"`
		SNSEndpoint      string `mapstructure:"sns_endpoint"`
	} `mapstructure:"aws"`
}

// Naming returns the tile naming rule.
func (c Config) Naming() tiles.Naming {
	return tiles.Naming{Product: c.DEM.Product, Resolution: c.DEM.Resolution}
}

// SanityRange returns the accepted range of mean ellipsoidal heights.
func (c Config) SanityRange() geoid.Range {
	return geoid.Range{Min: c.Geoid.MinHeight, Max: c.Geoid.MaxHeight}
}

// ConfigError lists every problem found in a configuration.
type ConfigError struct {
	Problems []string
}

func (err ConfigError) Error() string {
	return strings.Join(err.Problems, "; ")
}

// Validate reports all the problems found at once.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, errors.Errorf(format, args...).Error())
	}

	if c.Logging.Level != "" {
		if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
			add("logging.level: %v", err)
		}
	}
	if c.DEM.BucketURI == "" {
		add("dem.bucket_uri is required")
	}
	if c.DEM.Product == "" || c.DEM.Resolution == "" {
		add("dem.product and dem.resolution are required")
	}
	if c.DEM.CacheDir == "" {
		add("dem.cache_dir is required")
	}
	if c.DEM.OutputDir == "" {
		add("dem.output_dir is required")
	}
	if c.DEM.Workers < 1 {
		add("dem.workers must be at least 1, got %d", c.DEM.Workers)
	}
	if c.DEM.FetchTimeout < 0 {
		add("dem.fetch_timeout must not be negative")
	}
	if err := c.Polar.Validate(); err != nil {
		add("polar: %v", err)
	}
	if c.Geoid.Model == "" {
		add("geoid.model is required")
	}
	if c.Geoid.CacheDir == "" {
		add("geoid.cache_dir is required")
	}
	if !(c.Geoid.MinHeight < c.Geoid.MaxHeight) {
		add("geoid.min_height must be lower than geoid.max_height")
	}
	if c.Processor.Enabled() && c.Processor.WorkDir == "" {
		add("processor.work_dir is required when processor.binary is set")
	}

	if len(problems) > 0 {
		return ConfigError{Problems: problems}
	}
	return nil
}

func (c Config) String() string {
	tmpfile, err := os.CreateTemp("", "config.*.toml")
	if err != nil {
		return err.Error()
	}
	tmpfile.Close()
	defer os.Remove(tmpfile.Name())
	err = c.v.WriteConfigAs(tmpfile.Name())
	if err != nil {
		return err.Error()
	}
	blob, err := os.ReadFile(tmpfile.Name())
	if err != nil {
		return err.Error()
	}
	return string(blob)
}

func loadConfig(c *Config) error {
	v := viper.New()

	v.SetEnvPrefix("DEMPREP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("demprep")
	v.SetConfigType("toml")
	v.AddConfigPath("$HOME/.config/")
	v.AddConfigPath("/etc/demprep/")

	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	// Read our default configuration.
	if err := v.ReadConfig(strings.NewReader(defaultConfig)); err != nil {
		panic(err) // Not in the user path.
	}

	// Include configuration file provided by the user.
	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	if err := v.Unmarshal(c); err != nil {
		return errors.Wrap(err, "configuration unmarshaling failed")
	}

	if err := c.Validate(); err != nil {
		return errors.Wrap(err, "config did not pass validation")
	}

	c.v = v

	return nil
}
