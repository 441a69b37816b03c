package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"
	log "github.com/sirupsen/logrus"
)

// dynamoListPartition is the constant partition every upload is indexed
// under, so the listing index holds one ordered range.
const dynamoListPartition = "uploads"

// DynamoDBRegistry implements the Registry interface using AWS DynamoDB.
//
// The records table is keyed by the numeric id. A global secondary index
// keyed by (list_partition, sort_key) serves List, where sort_key is
// "<created_at nanos>#<id>" zero padded so string order matches
// (CreatedAt, ID) order. IDs come from an atomic counter item in a separate
// table.
type DynamoDBRegistry struct {
	client        *dynamodb.DynamoDB
	recordsTable  string
	countersTable string
	indexName     string
	now           func() int64
}

// DynamoDBUploadItem represents an upload item in DynamoDB
type DynamoDBUploadItem struct {
	ID               int64  `json:"id"`
	ListPartition    string `json:"list_partition"`
	SortKey          string `json:"sort_key"`
	Description      string `json:"description"`
	StorageKey       string `json:"storage_key"`
	OriginalFilename string `json:"original_filename"`
	ContentType      string `json:"content_type"`
	SizeBytes        int64  `json:"size_bytes"`
	CreatedAt        int64  `json:"created_at"`
}

// NewDynamoDBRegistry creates a new DynamoDB registry
func NewDynamoDBRegistry(region, endpoint, recordsTable, countersTable, indexName string) (*DynamoDBRegistry, error) {
	cfg := &aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}

	return &DynamoDBRegistry{
		client:        dynamodb.New(sess),
		recordsTable:  recordsTable,
		countersTable: countersTable,
		indexName:     indexName,
		now:           nowNanos,
	}, nil
}

// Insert allocates an ID from the counter item and writes the record
func (r *DynamoDBRegistry) Insert(ctx context.Context, record *UploadRecord) (*UploadRecord, error) {
	if err := validateRecord(record); err != nil {
		return nil, err
	}

	id, err := r.nextID(ctx)
	if err != nil {
		return nil, err
	}

	createdAt := r.now()
	item := DynamoDBUploadItem{
		ID:               id,
		ListPartition:    dynamoListPartition,
		SortKey:          dynamoSortKey(createdAt, id),
		Description:      record.Description,
		StorageKey:       record.StorageKey,
		OriginalFilename: record.OriginalFilename,
		ContentType:      record.ContentType,
		SizeBytes:        record.SizeBytes,
		CreatedAt:        createdAt,
	}

	av, err := dynamodbattribute.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upload item: %v", err)
	}

	_, err = r.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.recordsTable),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put upload item: %v", err)
	}

	return item.toRecord(), nil
}

// nextID atomically increments the upload counter and returns the new value
func (r *DynamoDBRegistry) nextID(ctx context.Context) (int64, error) {
	update := expression.Add(expression.Name("value"), expression.Value(1))
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return 0, fmt.Errorf("failed to build expression: %v", err)
	}

	result, err := r.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.countersTable),
		Key: map[string]*dynamodb.AttributeValue{
			"counter_name": {
				S: aws.String(uploadCounterName),
			},
		},
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              aws.String(dynamodb.ReturnValueUpdatedNew),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to allocate upload id: %v", err)
	}

	value, ok := result.Attributes["value"]
	if !ok || value.N == nil {
		return 0, fmt.Errorf("failed to allocate upload id: counter value missing")
	}
	id, err := strconv.ParseInt(*value.N, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse upload id: %v", err)
	}
	return id, nil
}

// List queries the listing index newest-first, strictly after cursor
func (r *DynamoDBRegistry) List(ctx context.Context, pageSize int, cursor string) (*Page, error) {
	pageSize = normalizePageSize(pageSize)
	pos, hasCursor, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	keyCondition := expression.Key("list_partition").Equal(expression.Value(dynamoListPartition))
	if hasCursor {
		keyCondition = keyCondition.And(
			expression.Key("sort_key").LessThan(expression.Value(dynamoSortKey(pos.createdAt, pos.id))))
	}
	expr, err := expression.NewBuilder().WithKeyCondition(keyCondition).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %v", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(r.recordsTable),
		IndexName:                 aws.String(r.indexName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(false),
	}

	// A single query response is capped at 1 MB, so keep reading until one
	// extra row is available or the index is exhausted.
	records := make([]*UploadRecord, 0, pageSize+1)
	for len(records) < pageSize+1 {
		input.Limit = aws.Int64(int64(pageSize + 1 - len(records)))

		result, err := r.client.QueryWithContext(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to query uploads: %v", err)
		}

		for _, av := range result.Items {
			var item DynamoDBUploadItem
			if err := dynamodbattribute.UnmarshalMap(av, &item); err != nil {
				log.WithError(err).Warn("Failed to unmarshal upload item")
				continue
			}
			records = append(records, item.toRecord())
		}

		if len(result.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	return newPage(records, pageSize), nil
}

// Get retrieves an upload by ID with a strongly consistent read
func (r *DynamoDBRegistry) Get(ctx context.Context, id int64) (*UploadRecord, error) {
	result, err := r.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.recordsTable),
		Key:            dynamoIDKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get upload: %v", err)
	}

	if result.Item == nil {
		return nil, fmt.Errorf("upload %d: %w", id, ErrNotFound)
	}

	var item DynamoDBUploadItem
	if err := dynamodbattribute.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal upload item: %v", err)
	}

	return item.toRecord(), nil
}

// Delete removes an upload, failing with ErrNotFound when it does not exist
func (r *DynamoDBRegistry) Delete(ctx context.Context, id int64) error {
	_, err := r.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(r.recordsTable),
		Key:                 dynamoIDKey(id),
		ConditionExpression: aws.String("attribute_exists(id)"),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
			return fmt.Errorf("upload %d: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to delete upload: %v", err)
	}

	return nil
}

// Close is a no-op; the AWS client holds no resources that need releasing
func (r *DynamoDBRegistry) Close(ctx context.Context) error {
	return nil
}

func (item *DynamoDBUploadItem) toRecord() *UploadRecord {
	return &UploadRecord{
		ID:               item.ID,
		Description:      item.Description,
		StorageKey:       item.StorageKey,
		OriginalFilename: item.OriginalFilename,
		ContentType:      item.ContentType,
		SizeBytes:        item.SizeBytes,
		CreatedAt:        timestamp(item.CreatedAt),
	}
}

func dynamoIDKey(id int64) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"id": {
			N: aws.String(strconv.FormatInt(id, 10)),
		},
	}
}

// dynamoSortKey encodes (createdAt, id) so that lexical order equals
// numeric order. Both fit in 19 digits for non-negative int64 values.
func dynamoSortKey(createdAt, id int64) string {
	return fmt.Sprintf("%019d#%019d", createdAt, id)
}
