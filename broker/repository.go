package broker

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/pkg/errors"
)

// repositoryMessage is what we remember about a queue message, so messages
// delivered more than once are handled once.
type repositoryMessage struct {
	MessageID string                 `dynamodbav:"ID"`
	SceneID   string                 `dynamodbav:"sceneID"`
	Status    repositoryMessageState `dynamodbav:"status"`
}

type repositoryMessageState int

const (
	_                              repositoryMessageState = iota
	repositoryMessageStateReceived repositoryMessageState = iota
	repositoryMessageStateDone
	repositoryMessageStateFailed
)

func (s repositoryMessageState) String() string {
	switch s {
	case repositoryMessageStateReceived:
		return "RECEIVED"
	case repositoryMessageStateDone:
		return "DONE"
	case repositoryMessageStateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// final reports whether a message in this state must not be handled again.
func (s repositoryMessageState) final() bool {
	return s == repositoryMessageStateDone || s == repositoryMessageStateFailed
}

// repository is disabled when it has no client or table.
type repository struct {
	client dynamodbiface.DynamoDBAPI
	table  string
}

func (r *repository) enabled() bool {
	return r.client != nil && r.table != ""
}

// seenBeforeOrStore decides whether a message was already handled. Messages
// that were received but never completed, e.g. because the server stopped,
// are handled again.
func (r *repository) seenBeforeOrStore(ctx context.Context, ID, sceneID string) (bool, error) {
	if !r.enabled() {
		return false, nil
	}
	item, err := r.getRecord(ctx, ID)
	if err != nil {
		return false, err
	}
	if item != nil && item.Status.final() {
		return true, nil
	}
	return false, r.putRecord(ctx, ID, sceneID, repositoryMessageStateReceived)
}

func (r *repository) getRecord(ctx context.Context, ID string) (*repositoryMessage, error) {
	output, err := r.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.table),
		Key: map[string]*dynamodb.AttributeValue{
			"ID": {S: aws.String(ID)},
		},
	})
	if err != nil {
		return nil, err
	}
	if output.Item == nil {
		return nil, nil
	}
	msg := &repositoryMessage{}
	if err := dynamodbattribute.UnmarshalMap(output.Item, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *repository) putRecord(ctx context.Context, ID, sceneID string, state repositoryMessageState) error {
	if !r.enabled() {
		return nil
	}
	if ID == "" {
		return errors.New("message has no ID")
	}
	item, err := dynamodbattribute.MarshalMap(&repositoryMessage{MessageID: ID, SceneID: sceneID, Status: state})
	if err != nil {
		return err
	}
	input := &dynamodb.PutItemInput{
		TableName: aws.String(r.table),
		Item:      item,
	}
	_, err = r.client.PutItemWithContext(ctx, input)
	return err
}
