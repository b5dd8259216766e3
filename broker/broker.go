package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	// maxNumberOfMessages is the number of messages that we want to receive
	// from SQS incoming batches.
	maxNumberOfMessages = 1

	// waitTimeSeconds is the longest we're waiting on each SQS receive poll.
	waitTimeSeconds = 5
)

// retryInterval is how long we wait after a failed receive.
var retryInterval = time.Second

// Handler prepares the DEM of a requested scene.
type Handler interface {
	HandleScene(ctx context.Context, req *SceneRequest) (*Event, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *SceneRequest) (*Event, error)

func (f HandlerFunc) HandleScene(ctx context.Context, req *SceneRequest) (*Event, error) {
	return f(ctx, req)
}

// Config names the queue resources used by the broker.
type Config struct {
	// QueueURL is the SQS queue scene requests are received from.
	QueueURL string
	// ReadyTopicARN receives dem_ready events.
	ReadyTopicARN string
	// ErrorTopicARN receives dem_failed and request_invalid events. Empty
	// disables them.
	ErrorTopicARN string
	// RepositoryTable is the DynamoDB table used to recognise messages
	// delivered twice. Empty disables it.
	RepositoryTable string
}

// Broker consumes scene requests from SQS and publishes the outcome to SNS.
//
// Messages are received from the queue and sent to an internal channel
// (messages). The channel is unbuffered and the processor handles one
// message at a time: preparing a DEM is heavy enough that running requests
// side by side would only make all of them slower.
//
// The message processor will:
//
// * Validate and decode the request, publishing a request_invalid event
// when that fails.
//
// * Skip messages that have been handled before.
//
// * Run the handler and publish its event, dem_ready or dem_failed.
//
// Messages are deleted from SQS once handled, including failed requests.
// A request interrupted by Stop is left in the queue so it is redelivered
// after its visibility timeout.
type Broker struct {
	logger           logrus.FieldLogger
	sqsClient        sqsiface.SQSAPI
	snsClient        snsiface.SNSAPI
	cfg              Config
	handler          Handler
	ctx              context.Context
	cancel           context.CancelFunc
	messages         chan *sqs.Message
	done             chan struct{}
	incomingMessages prometheus.Counter
	repository
}

// New returns a usable Broker. dynamodbClient may be nil.
func New(
	logger logrus.FieldLogger,
	sqsClient sqsiface.SQSAPI, snsClient snsiface.SNSAPI,
	dynamodbClient dynamodbiface.DynamoDBAPI,
	cfg Config, handler Handler,
	incomingMessages prometheus.Counter) *Broker {
	b := &Broker{
		logger:           logger,
		sqsClient:        sqsClient,
		snsClient:        snsClient,
		cfg:              cfg,
		handler:          handler,
		messages:         make(chan *sqs.Message),
		done:             make(chan struct{}),
		incomingMessages: incomingMessages,
		repository:       repository{client: dynamodbClient, table: cfg.RepositoryTable},
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b
}

// Run receives and processes messages until Stop is called.
func (b *Broker) Run() {
	defer close(b.done)
	processed := make(chan struct{})
	go func() {
		defer close(processed)
		b.processor()
	}()
	b.loop()
	<-processed
}

// Stop blocks until the broker terminates.
func (b *Broker) Stop() {
	b.cancel()
	<-b.done
}

func (b *Broker) processor() {
	for m := range b.messages {
		b.processMessage(m)
	}
}

// loop sends messages received from the queue to the internal messages
// channel which is unbuffered so the receiver has control over how often we
// receive.
func (b *Broker) loop() {
	defer close(b.messages)
	for b.ctx.Err() == nil {
		out, err := b.sqsClient.ReceiveMessageWithContext(b.ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(b.cfg.QueueURL),
			MaxNumberOfMessages: aws.Int64(maxNumberOfMessages),
			WaitTimeSeconds:     aws.Int64(waitTimeSeconds),
		})
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			b.logger.Errorf("Error receiving a message from SQS: %s", err)
			select {
			case <-time.After(retryInterval):
			case <-b.ctx.Done():
			}
			continue
		}
		for _, m := range out.Messages {
			select {
			case b.messages <- m:
			case <-b.ctx.Done():
				return
			}
		}
	}
}

// openMessage validates the message and returns the request it carries.
func (b *Broker) openMessage(m *sqs.Message) (*SceneRequest, error) {
	if b.incomingMessages != nil {
		b.incomingMessages.Inc()
	}
	body := aws.StringValue(m.Body)
	req, err := ParseRequest([]byte(body))
	if err != nil {
		ev := NewEvent(EventRequestInvalid)
		ev.TagError(err)
		if json.Valid([]byte(body)) {
			ev.Request = json.RawMessage(body)
		}
		b.logger.WithError(err).Warn("Invalid scene request")
		b.publish(b.cfg.ErrorTopicARN, ev)
		return nil, err
	}
	return req, nil
}

// processMessage runs the handler and publishes its outcome.
func (b *Broker) processMessage(m *sqs.Message) {
	req, err := b.openMessage(m)
	if err != nil {
		b.deleteMessage(m.ReceiptHandle)
		return
	}

	messageID := aws.StringValue(m.MessageId)
	logger := b.logger.WithFields(logrus.Fields{
		"messageID": messageID,
		"scene":     req.SceneID,
	})

	seen, err := b.seenBeforeOrStore(b.ctx, messageID, req.SceneID)
	if err != nil {
		// The repository is a safeguard, not a reason to stop processing.
		logger.Warning("Local data repository check failed: ", err)
	}
	if seen {
		logger.Warning("Message found in the local data repository.")
		b.deleteMessage(m.ReceiptHandle)
		return
	}

	ev, err := b.handle(req)
	if err != nil {
		if b.ctx.Err() != nil {
			logger.Warn("Handler interrupted, the message is left in the queue")
			return
		}
		logger.Error("Handler failure: ", err)
		ev = NewEvent(EventDEMFailed)
		ev.SceneID = req.SceneID
		ev.TagError(err)
		b.publish(b.cfg.ErrorTopicARN, ev)
		b.setState(logger, messageID, req.SceneID, repositoryMessageStateFailed)
		b.deleteMessage(m.ReceiptHandle)
		return
	}

	if ev == nil {
		ev = NewEvent(EventDEMReady)
		ev.SceneID = req.SceneID
	}
	b.publish(b.cfg.ReadyTopicARN, ev)
	b.setState(logger, messageID, req.SceneID, repositoryMessageStateDone)
	b.deleteMessage(m.ReceiptHandle)
}

// handle runs the handler in panic recovery mode.
func (b *Broker) handle(req *SceneRequest) (ev *Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic! %s %s", r, debug.Stack())
		}
	}()
	return b.handler.HandleScene(b.ctx, req)
}

func (b *Broker) setState(logger logrus.FieldLogger, messageID, sceneID string, state repositoryMessageState) {
	// A cancelled broker context must not prevent recording the outcome.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.putRecord(ctx, messageID, sceneID, state); err != nil {
		logger.Warning("Local data repository update failed: ", err)
	}
}

// deleteMessage does best effort to delete a message from SQS. It does not
// return since we're not reacting to them at the moment.
func (b *Broker) deleteMessage(receiptHandle *string) {
	_, err := b.sqsClient.DeleteMessageWithContext(context.Background(), &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(b.cfg.QueueURL),
		ReceiptHandle: receiptHandle,
	})
	if err != nil {
		b.logger.Error("Message could not be removed from SQS: ", err)
	}
}

// publish does best effort to put an event into a SNS topic.
func (b *Broker) publish(topicARN string, ev *Event) {
	logger := b.logger.WithFields(logrus.Fields{"event": ev.ID, "type": ev.Type})
	if topicARN == "" {
		logger.WithField("topic", "disabled").Warn("Event not published: ", ev.Error)
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error("Event could not be marshalled: ", err)
		return
	}
	_, err = b.snsClient.PublishWithContext(context.Background(), &sns.PublishInput{
		Message:  aws.String(string(data)),
		TopicArn: aws.String(topicARN),
		MessageAttributes: map[string]*sns.MessageAttributeValue{
			"type": {DataType: aws.String("String"), StringValue: aws.String(string(ev.Type))},
		},
	})
	if err != nil {
		logger.Error("Event could not be published: ", err)
		return
	}
	logger.Debug("Event published")
}
