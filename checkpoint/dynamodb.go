// putItem and getItem below retry with backoff using matryer/try.
package checkpoint

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/matryer/try"

	"github.com/streambatch/corebatch/batch"
	"github.com/streambatch/corebatch/errs"
	"github.com/streambatch/corebatch/logger"
	"github.com/streambatch/corebatch/metrics"
)

const (
	attrStreamConsumerID = "streamConsumerId"
	attrShardOrEventID   = "shardOrEventId"

	// NumMaxRetries bounds the backoff loop around throughput and
	// internal-server errors from DynamoDB.
	NumMaxRetries = 10
)

// DynamoTable implements the checkpoint codec's table facade using
// DynamoDB as a backend: conditional insert on first save, conditional
// update on subsequent saves, with a one-shot fallback between modes,
// and strongly-consistent restricted-projection reads.
type DynamoTable struct {
	log     logger.Logger
	metrics metrics.MonitoringService

	TableName string
	svc       dynamodbiface.DynamoDBAPI
	region    string
	endpoint  string
	Retries   int
}

// NewDynamoTable returns a DynamoTable for tableName. Call WithDynamoDB
// to supply a pre-configured client, or Init to build one from region.
func NewDynamoTable(tableName, region string, log logger.Logger, mtr metrics.MonitoringService) *DynamoTable {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	if mtr == nil {
		mtr = metrics.NoopMonitoringService{}
	}
	return &DynamoTable{
		log:       log,
		metrics:   mtr,
		TableName: tableName,
		region:    region,
		Retries:   NumMaxRetries,
	}
}

// WithDynamoDB supplies a pre-configured DynamoDB client, bypassing
// Init's own session construction; used by tests to inject a mock.
func (t *DynamoTable) WithDynamoDB(svc dynamodbiface.DynamoDBAPI) *DynamoTable {
	t.svc = svc
	return t
}

// WithEndpoint overrides the DynamoDB endpoint, for local testing
// against DynamoDB Local.
func (t *DynamoTable) WithEndpoint(endpoint string) *DynamoTable {
	t.endpoint = endpoint
	return t
}

// Init creates the DynamoDB session (unless WithDynamoDB already
// supplied one) and verifies the table exists; a missing table is
// fatal, since the core cannot create it for the caller.
func (t *DynamoTable) Init() error {
	if t.svc == nil {
		t.log.Infof("checkpoint: creating DynamoDB session")
		sess, err := session.NewSession(&aws.Config{
			Region:   aws.String(t.region),
			Endpoint: aws.String(t.endpoint),
		})
		if err != nil {
			return &errs.FatalError{Op: "checkpoint: create dynamodb session", Cause: err}
		}
		t.svc = dynamodb.New(sess)
	}

	if !t.doesTableExist() {
		return &errs.FatalError{Op: fmt.Sprintf("checkpoint: table %q does not exist", t.TableName)}
	}
	return nil
}

func (t *DynamoTable) doesTableExist() bool {
	_, err := t.svc.DescribeTable(&dynamodb.DescribeTableInput{TableName: aws.String(t.TableName)})
	return err == nil
}

// Load reads the batch key's item with strong consistency and a
// restricted projection, returning found=false when no prior state
// exists.
func (t *DynamoTable) Load(ctx context.Context, key batch.Key) (item Item, found bool, err error) {
	out, err := t.getItem(key)
	if err != nil {
		return Item{}, false, &errs.TransientError{Op: "checkpoint: load", Cause: err}
	}
	if out.Item == nil {
		return Item{}, false, nil
	}
	var loaded Item
	if err := dynamodbattribute.UnmarshalMap(out.Item, &loaded); err != nil {
		return Item{}, false, &errs.FatalError{Op: "checkpoint: unmarshal item", Cause: err}
	}
	return loaded, true, nil
}

func (t *DynamoTable) getItem(key batch.Key) (*dynamodb.GetItemOutput, error) {
	var out *dynamodb.GetItemOutput
	err := try.Do(func(attempt int) (bool, error) {
		var err error
		out, err = t.svc.GetItem(&dynamodb.GetItemInput{
			TableName:      aws.String(t.TableName),
			ConsistentRead: aws.Bool(true),
			Key: map[string]*dynamodb.AttributeValue{
				attrStreamConsumerID: {S: aws.String(key.StreamConsumerID)},
				attrShardOrEventID:   {S: aws.String(key.ShardOrEventID)},
			},
			ProjectionExpression: aws.String(
				"messageStates, rejectedMessageStates, unusableRecordStates, batchState",
			),
		})
		return t.shouldRetry(err, attempt), err
	})
	return out, err
}

// Save persists item using the conditional insert/update policy: the
// first save for a batch key uses conditional insert
// (attribute_not_exists), subsequent saves use conditional update
// (attribute_exists); on a conditional-check failure the codec
// switches modes and retries once. previouslySaved is the batch's
// tri-state heuristic: nil tries insert first.
func (t *DynamoTable) Save(ctx context.Context, key batch.Key, item Item, previouslySaved *bool) error {
	if !key.IsValid() {
		return &errs.FatalError{Op: "checkpoint: save called with invalid batch key"}
	}

	item.StreamConsumerID = key.StreamConsumerID
	item.ShardOrEventID = key.ShardOrEventID

	av, err := dynamodbattribute.MarshalMap(item)
	if err != nil {
		return &errs.FatalError{Op: "checkpoint: marshal item", Cause: err}
	}

	useUpdate := previouslySaved != nil && *previouslySaved
	start := time.Now()
	err = t.putConditional(av, useUpdate)
	if isConditionalCheckFailed(err) {
		t.metrics.IncrCheckpointConditionalRetry()
		err = t.putConditional(av, !useUpdate)
	}
	t.metrics.RecordCheckpointWriteTime(float64(time.Since(start).Milliseconds()))
	if err != nil {
		return &errs.TransientError{Op: "checkpoint: save", Cause: err}
	}
	return nil
}

func (t *DynamoTable) putConditional(item map[string]*dynamodb.AttributeValue, useUpdate bool) error {
	input := &dynamodb.PutItemInput{
		TableName: aws.String(t.TableName),
		Item:      item,
	}
	if useUpdate {
		input.ConditionExpression = aws.String(fmt.Sprintf("attribute_exists(%s)", attrStreamConsumerID))
	} else {
		input.ConditionExpression = aws.String(fmt.Sprintf("attribute_not_exists(%s)", attrStreamConsumerID))
	}
	return t.putItem(input)
}

func (t *DynamoTable) putItem(input *dynamodb.PutItemInput) error {
	return try.Do(func(attempt int) (bool, error) {
		_, err := t.svc.PutItem(input)
		if isConditionalCheckFailed(err) {
			return false, err
		}
		return t.shouldRetry(err, attempt), err
	})
}

func (t *DynamoTable) shouldRetry(err error, attempt int) bool {
	awsErr, ok := err.(awserr.Error)
	if !ok {
		return false
	}
	retryable := awsErr.Code() == dynamodb.ErrCodeProvisionedThroughputExceededException ||
		awsErr.Code() == dynamodb.ErrCodeInternalServerError
	if retryable && attempt < t.Retries {
		time.Sleep(time.Duration(math.Exp2(float64(attempt))*100) * time.Millisecond)
		return true
	}
	return false
}

func isConditionalCheckFailed(err error) bool {
	awsErr, ok := err.(awserr.Error)
	return ok && awsErr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
}

// CreateTable provisions the checkpoint table schema described in
// this module's external interfaces: hash streamConsumerId, range
// shardOrEventId. It is a convenience for local/test environments, not
// called from the production save/load path.
func (t *DynamoTable) CreateTable(readCapacity, writeCapacity int64) error {
	_, err := t.svc.CreateTable(&dynamodb.CreateTableInput{
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String(attrStreamConsumerID), AttributeType: aws.String("S")},
			{AttributeName: aws.String(attrShardOrEventID), AttributeType: aws.String("S")},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String(attrStreamConsumerID), KeyType: aws.String("HASH")},
			{AttributeName: aws.String(attrShardOrEventID), KeyType: aws.String("RANGE")},
		},
		ProvisionedThroughput: &dynamodb.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(readCapacity),
			WriteCapacityUnits: aws.Int64(writeCapacity),
		},
		TableName: aws.String(t.TableName),
	})
	return err
}
