package app

import (
	"io"
	"os"
	"strconv"

	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/polarsar/demprep/adapter"
	"github.com/polarsar/demprep/geo"
	"github.com/polarsar/demprep/geoid"
	"github.com/polarsar/demprep/pipeline"
	"github.com/polarsar/demprep/processor"
	"github.com/polarsar/demprep/s3"
	"github.com/polarsar/demprep/tiles"
	"github.com/polarsar/demprep/version"
)

// services holds the components shared by the commands.
type services struct {
	adapter  *adapter.Adapter
	dynamodb *dynamodb.DynamoDB
}

// tileStorage returns the object storage holding the DEM tiles.
func tileStorage(logger logrus.FieldLogger, config *Config) (s3.ObjectStorage, error) {
	sess, err := awsSession(logger, awsOptions{
		profile:   config.AWS.S3Profile,
		endpoint:  config.AWS.S3Endpoint,
		region:    config.DEM.S3Region,
		anonymous: config.AWS.S3Anonymous,
	})
	if err != nil {
		return nil, err
	}
	return s3.New(sess), nil
}

// newServices builds the pipeline. progress receives the fetch progress bar
// and may be nil. reg may be nil.
func newServices(logger logrus.FieldLogger, config *Config, reg prometheus.Registerer, progress io.Writer) (*services, error) {
	fs := afero.NewOsFs()
	svc := &services{}

	tileStore, err := tileStorage(logger, config)
	if err != nil {
		return nil, err
	}

	var geoidStore s3.ObjectStorage
	{
		sess, err := awsSession(logger, awsOptions{
			profile:   config.AWS.S3Profile,
			endpoint:  config.AWS.S3Endpoint,
			region:    config.Geoid.S3Region,
			anonymous: config.AWS.S3Anonymous,
		})
		if err != nil {
			return nil, err
		}
		geoidStore = s3.New(sess)
	}

	if config.Server.StateTable != "" || config.Server.RepositoryTable != "" {
		sess, err := awsSession(logger, awsOptions{
			profile:  config.AWS.DynamoDBProfile,
			endpoint: config.AWS.DynamoDBEndpoint,
		})
		if err != nil {
			return nil, err
		}
		svc.dynamodb = dynamodb.New(sess)
	}

	var storage pipeline.Storage
	if config.Server.StateTable != "" {
		storage = pipeline.NewStorageDynamoDB(svc.dynamodb, config.Server.StateTable)
	} else {
		storage = pipeline.NewStorageMemory()
	}

	fetcher := tiles.NewFetcher(logger, tileStore, fs, tiles.FetcherConfig{
		BaseURI:  config.DEM.BucketURI,
		CacheDir: config.DEM.CacheDir,
		Naming:   config.Naming(),
		Workers:  config.DEM.Workers,
		Timeout:  config.DEM.FetchTimeout,
		Retries:  config.DEM.Retries,
		Progress: progress,
	})

	geoids := geoid.NewRegistry(logger, geoidStore, fs, geoid.RegistryConfig{
		CacheDir: config.Geoid.CacheDir,
		Sources:  config.Geoid.Sources,
		Retries:  config.DEM.Retries,
	})
	if !geoids.Known(config.Geoid.Model) {
		return nil, errors.Wrap(geoid.ErrUnknownModel, config.Geoid.Model)
	}

	if err := fs.MkdirAll(config.DEM.OutputDir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating output directory")
	}

	p, err := pipeline.New(logger, pipeline.Config{
		Corrector:   config.Polar,
		Fill:        config.DEM.FillValue,
		GeoidModel:  config.Geoid.Model,
		OutputDir:   config.DEM.OutputDir,
		SanityRange: config.SanityRange(),
		TileMargin:  config.Naming().Margin(),
	}, geo.GDALTransformer{}, fetcher, geoids, storage, fs, pipeline.NewMetrics(reg))
	if err != nil {
		return nil, err
	}

	runner := processor.NewRunner(logger, config.Processor, fs)
	svc.adapter = adapter.New(logger, p, runner, config.DEM.OutputDir)

	return svc, nil
}

type logrusProxy struct {
	logger logrus.FieldLogger
}

func (l logrusProxy) Log(args ...interface{}) {
	l.logger.WithField("client", "aws").Debug(args...)
}

type awsOptions struct {
	profile   string
	endpoint  string
	region    string
	anonymous bool
}

// awsSession returns a session using NewSessionWithOptions meaning that it
// relies on the SDK defaults but also the user config files and environment.
//
// AWS_S3_FORCE_PATH_STYLE is a made-up environment string that the SDK does
// not look up. It is needed by S3-compatible stores like MinIO.
func awsSession(logger logrus.FieldLogger, opts awsOptions) (*session.Session, error) {
	options := session.Options{}
	if opts.profile != "" {
		options.Profile = opts.profile
	}
	if opts.endpoint != "" {
		options.Config.WithEndpoint(opts.endpoint)
	}
	if opts.region != "" {
		options.Config.WithRegion(opts.region)
	}
	if opts.anonymous {
		options.Config.WithCredentials(credentials.AnonymousCredentials)
	}
	if res, ok := os.LookupEnv("AWS_S3_FORCE_PATH_STYLE"); ok {
		enabled, _ := strconv.ParseBool(res)
		options.Config.WithS3ForcePathStyle(enabled)
	}
	if logrus.GetLevel() == logrus.DebugLevel {
		options.Config.WithCredentialsChainVerboseErrors(true)
	}
	options.Config.WithLogger(logrusProxy{logger: logger})
	sess, err := session.NewSessionWithOptions(options)
	if err != nil {
		return nil, err
	}
	sess.Handlers.Build.PushBack(request.MakeAddToUserAgentFreeFormHandler(version.AppVersion()))
	return sess, nil
}
