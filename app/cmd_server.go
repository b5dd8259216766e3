package app

import (
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/polarsar/demprep/broker"
	"github.com/polarsar/demprep/version"
)

func NewCmdServer(logger logrus.FieldLogger, config *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Prepare DEMs for scene requests received from the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.WithField("v", version.VERSION).Info("Starting server...")
			return doServer(logger, config)
		},
	}
}

func doServer(logger logrus.FieldLogger, config *Config) error {
	if config.Server.QueueURL == "" || config.Server.ReadyTopicARN == "" {
		return errors.New("server.queue_url and server.ready_topic_arn are required")
	}

	var g run.Group
	{
		b, err := server(logger, config)
		if err != nil {
			return err
		}

		g.Add(func() error {
			b.Run()
			return nil
		}, func(error) {
			b.Stop()
		})
	}
	{
		ln, err := net.Listen("tcp", config.Server.Listen)
		if err != nil {
			return err
		}
		logger.WithField("addr", ln.Addr().String()).Info("HTTP server listening")

		g.Add(func() error {
			mux := http.NewServeMux()

			// Health check.
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				fmt.Fprintln(w, "OK")
			})

			// Prometheus metrics.
			mux.Handle("/metrics", promhttp.Handler())

			// Profiling data.
			mux.HandleFunc("/debug/pprof/", pprof.Index)
			mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
			mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
			mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
			mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
			mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
			mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))

			return http.Serve(ln, mux)
		}, func(error) {
			ln.Close()
		})
	}
	{
		cancel := make(chan struct{})

		g.Add(func() error {
			err := interrupt(cancel)
			logger.Warn("Shutting down...")
			return err
		}, func(error) {
			close(cancel)
		})
	}

	return g.Run()
}

func server(logger logrus.FieldLogger, config *Config) (*broker.Broker, error) {
	incomingMessages := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "demprep",
		Name:      "incoming_messages_total",
		Help:      "The total number of scene requests received.",
	})
	prometheus.MustRegister(incomingMessages)

	svc, err := newServices(logger, config, prometheus.DefaultRegisterer, nil)
	if err != nil {
		return nil, err
	}

	sess, err := awsSession(logger, awsOptions{profile: config.AWS.SQSProfile, endpoint: config.AWS.SQSEndpoint})
	if err != nil {
		return nil, err
	}
	sqsClient := sqs.New(sess)

	sess, err = awsSession(logger, awsOptions{profile: config.AWS.SNSProfile, endpoint: config.AWS.SNSEndpoint})
	if err != nil {
		return nil, err
	}
	snsClient := sns.New(sess)

	cfg := broker.Config{
		QueueURL:        config.Server.QueueURL,
		ReadyTopicARN:   config.Server.ReadyTopicARN,
		ErrorTopicARN:   config.Server.ErrorTopicARN,
		RepositoryTable: config.Server.RepositoryTable,
	}
	logger = logger.WithField("component", "broker")
	if svc.dynamodb != nil {
		return broker.New(logger, sqsClient, snsClient, svc.dynamodb, cfg, svc.adapter, incomingMessages), nil
	}
	return broker.New(logger, sqsClient, snsClient, nil, cfg, svc.adapter, incomingMessages), nil
}
