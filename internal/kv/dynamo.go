package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// DynamoAPI is the subset of the DynamoDB client the backend uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// dynamoTxnLimit is the most items DynamoDB accepts in one TransactWriteItems.
const dynamoTxnLimit = 100

// Dynamo stores each key as one item. The partition key is the key segment
// before the first '/', the sort key is the full key, so a prefix scan that
// names a partition becomes a single paginated Query.
type Dynamo struct {
	client DynamoAPI
	table  string

	attempts   int
	maxBackoff time.Duration
}

// DynamoOption tunes a Dynamo backend.
type DynamoOption func(*Dynamo)

// WithDynamoRetry sets how often a batch transaction is attempted and the
// ceiling on the jittered backoff between attempts.
func WithDynamoRetry(attempts int, maxBackoff time.Duration) DynamoOption {
	return func(d *Dynamo) {
		d.attempts = max(attempts, 1)
		d.maxBackoff = maxBackoff
	}
}

type dynamoItem struct {
	PK    string `dynamodbav:"pk"`
	SK    string `dynamodbav:"sk"`
	Value []byte `dynamodbav:"value"`
}

// NewDynamo wraps an existing client.
func NewDynamo(client DynamoAPI, table string, opts ...DynamoOption) *Dynamo {
	d := &Dynamo{client: client, table: table, attempts: 4, maxBackoff: 2 * time.Second}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OpenDynamo builds a client from the default AWS credential chain.
// An empty endpoint uses the regional AWS endpoint.
func OpenDynamo(ctx context.Context, table, region, endpoint string) (*Dynamo, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewDynamo(client, table), nil
}

func partition(key string) string {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i]
	}
	return key
}

func (d *Dynamo) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: partition(key)},
		"sk": &types.AttributeValueMemberS{Value: key},
	}
}

func (d *Dynamo) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            d.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get %s: %w", key, err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal item %s: %w", key, err)
	}
	return item.Value, nil
}

func (d *Dynamo) Put(ctx context.Context, key string, value []byte) error {
	av, err := attributevalue.MarshalMap(dynamoItem{PK: partition(key), SK: key, Value: value})
	if err != nil {
		return fmt.Errorf("marshal item %s: %w", key, err)
	}
	if _, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("dynamodb put %s: %w", key, err)
	}
	return nil
}

func (d *Dynamo) Delete(ctx context.Context, key string) error {
	if _, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       d.itemKey(key),
	}); err != nil {
		return fmt.Errorf("dynamodb delete %s: %w", key, err)
	}
	return nil
}

// Scan requires the prefix to contain the partition segment, e.g. "node/".
func (d *Dynamo) Scan(ctx context.Context, prefix string, fn func(string, []byte) error) error {
	if !strings.Contains(prefix, "/") {
		return fmt.Errorf("dynamodb scan: prefix %q does not name a partition", prefix)
	}

	var startKey map[string]types.AttributeValue
	for {
		out, err := d.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(d.table),
			KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: partition(prefix)},
				":prefix": &types.AttributeValueMemberS{Value: prefix},
			},
			ExclusiveStartKey: startKey,
			ConsistentRead:    aws.Bool(true),
		})
		if err != nil {
			return fmt.Errorf("dynamodb query %q: %w", prefix, err)
		}

		var items []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
			return fmt.Errorf("unmarshal query page: %w", err)
		}
		for _, it := range items {
			if err := fn(it.SK, it.Value); err != nil {
				return err
			}
		}

		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// Apply writes the batch with TransactWriteItems. A batch of up to 100 writes
// is all-or-nothing; a larger one commits in chunks, and a failure after the
// first chunk wraps ErrPartialWrite. Throttling and conflicts are retried with
// the same request token, so a retried chunk is applied at most once.
func (d *Dynamo) Apply(ctx context.Context, puts map[string][]byte, deletes []string) error {
	keys := make([]string, 0, len(puts))
	for k := range puts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	items := make([]types.TransactWriteItem, 0, len(puts)+len(deletes))
	for _, k := range keys {
		av, err := attributevalue.MarshalMap(dynamoItem{PK: partition(k), SK: k, Value: puts[k]})
		if err != nil {
			return fmt.Errorf("marshal item %s: %w", k, err)
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{TableName: aws.String(d.table), Item: av},
		})
	}
	for _, k := range deletes {
		if _, ok := puts[k]; ok {
			continue
		}
		items = append(items, types.TransactWriteItem{
			Delete: &types.Delete{TableName: aws.String(d.table), Key: d.itemKey(k)},
		})
	}

	for start := 0; start < len(items); start += dynamoTxnLimit {
		end := min(start+dynamoTxnLimit, len(items))
		if err := d.transact(ctx, items[start:end]); err != nil {
			if start > 0 {
				return fmt.Errorf("dynamodb batch: %d of %d writes committed: %w: %w", start, len(items), ErrPartialWrite, err)
			}
			return fmt.Errorf("dynamodb batch: %w", err)
		}
	}
	return nil
}

func (d *Dynamo) transact(ctx context.Context, items []types.TransactWriteItem) error {
	in := &dynamodb.TransactWriteItemsInput{
		TransactItems:      items,
		ClientRequestToken: aws.String(uuid.NewString()),
	}
	backoff := retry.NewExponentialJitterBackoff(d.maxBackoff)
	var err error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		if _, err = d.client.TransactWriteItems(ctx, in); err == nil {
			return nil
		}
		if attempt == d.attempts || !retryable(err) {
			break
		}
		delay, berr := backoff.BackoffDelay(attempt, err)
		if berr != nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// retryable reports whether a failed transaction may succeed if resent:
// throttling, transient server errors, or a cancellation caused only by
// conflicting transactions.
func retryable(err error) bool {
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, r := range canceled.CancellationReasons {
			switch aws.ToString(r.Code) {
			case "None", "TransactionConflict", "ThrottlingError", "ProvisionedThroughputExceeded":
			default:
				return false
			}
		}
		return true
	}
	var (
		internal  *types.InternalServerError
		throttled *types.ProvisionedThroughputExceededException
		limited   *types.RequestLimitExceeded
	)
	if errors.As(err, &internal) || errors.As(err, &throttled) || errors.As(err, &limited) {
		return true
	}
	return retry.IsErrorRetryables(retry.DefaultRetryables).IsErrorRetryable(err) == aws.TrueTernary
}

func (d *Dynamo) Close() error { return nil }
