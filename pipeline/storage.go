package pipeline

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/pkg/errors"
)

// Record is the run state kept per scene.
type Record struct {
	SceneID  string `dynamodbav:"sceneID"`
	RunID    string `dynamodbav:"runID"`
	Output   string `dynamodbav:"output"`
	Finished string `dynamodbav:"finished"`
}

// Storage remembers which scenes already have a DEM.
type Storage interface {
	PutRecord(ctx context.Context, r Record) error
	// GetRecord returns nil when the scene is unknown.
	GetRecord(ctx context.Context, sceneID string) (*Record, error)
}

type storageDynamoDBImpl struct {
	DynamoDB dynamodbiface.DynamoDBAPI
	Table    string
}

var _ Storage = (*storageDynamoDBImpl)(nil)

// NewStorageDynamoDB returns a Storage backed by a DynamoDB table keyed by
// sceneID.
func NewStorageDynamoDB(client dynamodbiface.DynamoDBAPI, table string) Storage {
	return &storageDynamoDBImpl{
		DynamoDB: client,
		Table:    table,
	}
}

func (s *storageDynamoDBImpl) PutRecord(ctx context.Context, r Record) error {
	item, err := dynamodbattribute.MarshalMap(r)
	if err != nil {
		return errors.Wrap(err, "marshaling record")
	}
	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.Table),
		Item:      item,
	}
	_, err = s.DynamoDB.PutItemWithContext(ctx, input)
	return errors.Wrap(err, "storing record")
}

func (s *storageDynamoDBImpl) GetRecord(ctx context.Context, sceneID string) (*Record, error) {
	var input = &dynamodb.GetItemInput{
		TableName: aws.String(s.Table),
		Key: map[string]*dynamodb.AttributeValue{
			"sceneID": {S: aws.String(sceneID)},
		},
	}
	output, err := s.DynamoDB.GetItemWithContext(ctx, input)
	if err != nil {
		return nil, errors.Wrap(err, "fetching record")
	}
	if output.Item == nil {
		return nil, nil
	}
	r := &Record{}
	if err := dynamodbattribute.UnmarshalMap(output.Item, r); err != nil {
		return nil, errors.Wrap(err, "unmarshaling record")
	}
	return r, nil
}

type storageMemoryImpl struct {
	mu      sync.RWMutex
	records map[string]Record
}

var _ Storage = (*storageMemoryImpl)(nil)

// NewStorageMemory returns a Storage that lives as long as the process.
func NewStorageMemory() Storage {
	return &storageMemoryImpl{records: map[string]Record{}}
}

func (s *storageMemoryImpl) PutRecord(ctx context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.SceneID] = r
	return nil
}

func (s *storageMemoryImpl) GetRecord(ctx context.Context, sceneID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[sceneID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}
