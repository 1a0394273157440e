package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamo keeps items keyed by sort key and serves Query in pages of
// pageSize so pagination is exercised.
type fakeDynamo struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	pageSize int
	queries  int

	txnErrs []error // returned by successive TransactWriteItems calls, nil commits
	txns    int
	tokens  []string
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue), pageSize: 2}
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[str(in.Key["sk"])]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[str(in.Item["sk"])] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, str(in.Key["sk"]))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++

	pk := str(in.ExpressionAttributeValues[":pk"])
	prefix := str(in.ExpressionAttributeValues[":prefix"])
	var keys []string
	for sk, item := range f.items {
		if str(item["pk"]) == pk && strings.HasPrefix(sk, prefix) {
			keys = append(keys, sk)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ExclusiveStartKey != nil {
		after := str(in.ExclusiveStartKey["sk"])
		start = sort.SearchStrings(keys, after) + 1
	}
	end := start + f.pageSize
	out := &dynamodb.QueryOutput{}
	if end < len(keys) {
		out.LastEvaluatedKey = f.items[keys[end-1]]
	} else {
		end = len(keys)
	}
	for _, k := range keys[start:end] {
		out.Items = append(out.Items, f.items[k])
	}
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txns++
	f.tokens = append(f.tokens, aws.ToString(in.ClientRequestToken))
	if len(in.TransactItems) > dynamoTxnLimit {
		return nil, errors.New("ValidationException: too many items")
	}
	if len(f.txnErrs) > 0 {
		err := f.txnErrs[0]
		f.txnErrs = f.txnErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	for _, it := range in.TransactItems {
		switch {
		case it.Put != nil:
			f.items[str(it.Put.Item["sk"])] = it.Put.Item
		case it.Delete != nil:
			delete(f.items, str(it.Delete.Key["sk"]))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func fastRetry() DynamoOption { return WithDynamoRetry(3, time.Millisecond) }

func TestDynamoRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	d := NewDynamo(fake, "memgraph")

	_, err := d.Get(ctx, "node/nope")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, k := range []string{"node/c", "node/a", "node/b", "node/d", "node/e", "edge/semantic/a/b"} {
		require.NoError(t, d.Put(ctx, k, []byte("v:"+k)))
	}

	v, err := d.Get(ctx, "node/b")
	require.NoError(t, err)
	assert.Equal(t, "v:node/b", string(v))

	var keys []string
	require.NoError(t, d.Scan(ctx, "node/", func(k string, _ []byte) error {
		keys = append(keys, k)
		return nil
	}))
	assert.Equal(t, []string{"node/a", "node/b", "node/c", "node/d", "node/e"}, keys)
	assert.Equal(t, 3, fake.queries, "five items in pages of two")

	require.NoError(t, d.Delete(ctx, "node/a"))
	_, err = d.Get(ctx, "node/a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoScanNeedsPartition(t *testing.T) {
	d := NewDynamo(newFakeDynamo(), "memgraph")
	err := d.Scan(context.Background(), "node", func(string, []byte) error { return nil })
	assert.Error(t, err)
}

func TestDynamoApplyIsOneTransaction(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	d := NewDynamo(fake, "memgraph", fastRetry())
	require.NoError(t, d.Put(ctx, "edge/temporal/a/b", []byte("old")))

	err := Apply(ctx, d, map[string][]byte{"node/a": []byte("1"), "node/b": []byte("2")}, []string{"edge/temporal/a/b"})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.txns)

	_, err = d.Get(ctx, "edge/temporal/a/b")
	assert.ErrorIs(t, err, ErrNotFound)
	v, err := d.Get(ctx, "node/b")
	require.NoError(t, err)
	assert.Equal(t, "2", string(v))
}

func TestDynamoApplyRetriesThrottling(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	fake.txnErrs = []error{&types.ProvisionedThroughputExceededException{Message: aws.String("slow down")}}
	d := NewDynamo(fake, "memgraph", fastRetry())

	require.NoError(t, d.Apply(ctx, map[string][]byte{"node/a": []byte("1")}, nil))
	assert.Equal(t, 2, fake.txns)
	assert.Equal(t, fake.tokens[0], fake.tokens[1], "a retry resends the same request token")

	v, err := d.Get(ctx, "node/a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))
}

func TestDynamoApplyRetriesConflicts(t *testing.T) {
	conflict := &types.TransactionCanceledException{CancellationReasons: []types.CancellationReason{
		{Code: aws.String("None")}, {Code: aws.String("TransactionConflict")},
	}}
	fake := newFakeDynamo()
	fake.txnErrs = []error{conflict, conflict}
	d := NewDynamo(fake, "memgraph", fastRetry())

	require.NoError(t, d.Apply(context.Background(), map[string][]byte{"node/a": []byte("1")}, nil))
	assert.Equal(t, 3, fake.txns)
}

func TestDynamoApplyGivesUp(t *testing.T) {
	ctx := context.Background()

	fake := newFakeDynamo()
	failed := &types.TransactionCanceledException{CancellationReasons: []types.CancellationReason{
		{Code: aws.String("ConditionalCheckFailed")},
	}}
	fake.txnErrs = []error{failed}
	d := NewDynamo(fake, "memgraph", fastRetry())
	err := d.Apply(ctx, map[string][]byte{"node/a": []byte("1")}, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPartialWrite)
	assert.Equal(t, 1, fake.txns, "a failed condition is not retried")

	fake = newFakeDynamo()
	throttled := &types.ProvisionedThroughputExceededException{}
	fake.txnErrs = []error{throttled, throttled, throttled}
	d = NewDynamo(fake, "memgraph", fastRetry())
	err = d.Apply(ctx, map[string][]byte{"node/a": []byte("1")}, nil)
	require.Error(t, err)
	assert.Equal(t, 3, fake.txns)
	assert.Empty(t, fake.items)
}

func TestDynamoApplyChunksLargeBatches(t *testing.T) {
	ctx := context.Background()
	puts := make(map[string][]byte)
	for i := range 2*dynamoTxnLimit + 10 {
		puts[fmt.Sprintf("node/%04d", i)] = []byte("v")
	}

	fake := newFakeDynamo()
	d := NewDynamo(fake, "memgraph", fastRetry())
	require.NoError(t, d.Apply(ctx, puts, nil))
	assert.Equal(t, 3, fake.txns)
	assert.Len(t, fake.items, len(puts))

	fake = newFakeDynamo()
	denied := &types.TransactionCanceledException{CancellationReasons: []types.CancellationReason{
		{Code: aws.String("ValidationError")},
	}}
	fake.txnErrs = []error{nil, denied}
	d = NewDynamo(fake, "memgraph", fastRetry())
	err := d.Apply(ctx, puts, nil)
	assert.ErrorIs(t, err, ErrPartialWrite)
	assert.Len(t, fake.items, dynamoTxnLimit)
}

func TestPartition(t *testing.T) {
	assert.Equal(t, "node", partition("node/abc"))
	assert.Equal(t, "edge", partition("edge/semantic/a/b"))
	assert.Equal(t, "meta", partition("meta"))
}
