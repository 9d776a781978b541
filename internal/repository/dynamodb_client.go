package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"convsync/internal/docstore"
)

const (
	maxTxAttempts       = 5
	defaultPollInterval = time.Second
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client is a docstore.Store over a single DynamoDB table. Items are keyed
// PK = collection path, SK = document id; every write stamps a fresh _rev
// token that transactions use for optimistic concurrency.
type Client struct {
	api       dynamodbAPI
	tableName string
	indexes   map[string]string
	poll      time.Duration
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
}

var _ docstore.Store = (*Client)(nil)

type Option func(*Client)

// WithOrderIndex registers a local secondary index whose sort key is field.
// Queries ordered by field go through it.
func WithOrderIndex(field, index string) Option {
	return func(c *Client) {
		if field != "" && index != "" {
			c.indexes[field] = index
		}
	}
}

// WithPollInterval sets how often listeners re-read their target.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.poll = d
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(c *Client) { c.now = fn }
}

func WithIDGenerator(fn func() string) Option {
	return func(c *Client) { c.newID = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{
		api:       api,
		tableName: tableName,
		indexes:   map[string]string{},
		poll:      defaultPollInterval,
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) serverNow() int64 { return c.now().UnixMilli() }

func (c *Client) Get(ctx context.Context, path string) (*docstore.Record, error) {
	rec, _, err := c.get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("repository: Get %q: %w", path, err)
	}
	return rec, nil
}

func (c *Client) get(ctx context.Context, path string) (*docstore.Record, string, error) {
	coll, id, err := docstore.Split(path)
	if err != nil {
		return nil, "", err
	}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            keyOf(coll, id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, "", wrapErr("GetItem", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, "", docstore.ErrNotFound
	}
	rec, rev, err := itemToRecord(out.Item)
	if err != nil {
		return nil, "", err
	}
	return &rec, rev, nil
}

func (c *Client) Query(ctx context.Context, q docstore.Query) ([]docstore.Record, error) {
	recs, _, err := c.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("repository: Query %q: %w", q.Collection, err)
	}
	return recs, nil
}

// query reads through the order index when one is registered for
// q.OrderBy; otherwise it reads the whole collection partition and evaluates
// q in memory.
func (c *Client) query(ctx context.Context, q docstore.Query) ([]docstore.Record, []string, error) {
	if !docstore.ValidCollection(q.Collection) {
		return nil, nil, fmt.Errorf("%w: bad collection %q", docstore.ErrInvalidArgument, q.Collection)
	}
	coll := strings.Trim(q.Collection, "/")
	index, indexed := c.indexes[q.OrderBy]
	if q.OrderBy == "" || !indexed {
		return c.scanPartition(ctx, coll, q)
	}

	b := newExpr()
	keyCond := b.path(attrPK) + " = " + b.value(&types.AttributeValueMemberS{Value: coll})
	var filters []string
	sortKeyUsed := false
	for _, f := range q.Filters {
		cond, err := b.condition(f)
		if err != nil {
			return nil, nil, err
		}
		if f.Field == q.OrderBy && !sortKeyUsed {
			keyCond += " AND " + cond
			sortKeyUsed = true
			continue
		}
		filters = append(filters, cond)
	}

	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(index),
		KeyConditionExpression: aws.String(keyCond),
		ScanIndexForward:       aws.Bool(q.Direction == docstore.Ascending),
		ConsistentRead:         aws.Bool(true),
	}
	if len(filters) > 0 {
		in.FilterExpression = aws.String(strings.Join(filters, " AND "))
	}
	if q.Limit > 0 {
		in.Limit = aws.Int32(int32(q.Limit))
	}
	if cur := q.StartAfter; cur != nil {
		v, ok := docstore.Lookup(cur.Data, q.OrderBy)
		if !ok {
			return nil, nil, fmt.Errorf("%w: cursor lacks %q", docstore.ErrInvalidArgument, q.OrderBy)
		}
		av, err := toAttr(v)
		if err != nil {
			return nil, nil, err
		}
		in.ExclusiveStartKey = keyOf(coll, cur.ID)
		in.ExclusiveStartKey[q.OrderBy] = av
	}
	in.ExpressionAttributeNames = b.attrNames()
	in.ExpressionAttributeValues = b.attrValues()

	var (
		recs []docstore.Record
		revs []string
	)
	// Limit applies before the filter expression, so keep paging until the
	// page is full or the partition is exhausted.
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, nil, wrapErr("Query", err)
		}
		for _, item := range out.Items {
			rec, rev, err := itemToRecord(item)
			if err != nil {
				return nil, nil, err
			}
			recs = append(recs, rec)
			revs = append(revs, rev)
			if q.Limit > 0 && len(recs) == q.Limit {
				return recs, revs, nil
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return recs, revs, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (c *Client) scanPartition(ctx context.Context, coll string, q docstore.Query) ([]docstore.Record, []string, error) {
	b := newExpr()
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String(b.path(attrPK) + " = " + b.value(&types.AttributeValueMemberS{Value: coll})),
		ConsistentRead:         aws.Bool(true),
	}
	in.ExpressionAttributeNames = b.attrNames()
	in.ExpressionAttributeValues = b.attrValues()

	var all []docstore.Record
	revByID := map[string]string{}
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, nil, wrapErr("Query", err)
		}
		for _, item := range out.Items {
			rec, rev, err := itemToRecord(item)
			if err != nil {
				return nil, nil, err
			}
			all = append(all, rec)
			revByID[rec.ID] = rev
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	recs := docstore.Evaluate(q, all)
	revs := make([]string, len(recs))
	for i, r := range recs {
		revs[i] = revByID[r.ID]
	}
	return recs, revs, nil
}

func (c *Client) Add(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	if !docstore.ValidCollection(collection) {
		return "", fmt.Errorf("repository: Add: %w: bad collection %q", docstore.ErrInvalidArgument, collection)
	}
	coll := strings.Trim(collection, "/")
	id := c.newID()
	item, err := recordItem(coll, id, c.newID(), docstore.ResolveFields(fields, c.serverNow()))
	if err != nil {
		return "", fmt.Errorf("repository: Add: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return "", fmt.Errorf("repository: Add: %w", docstore.ErrAlreadyExists)
		}
		return "", fmt.Errorf("repository: Add: %w", wrapErr("PutItem", err))
	}
	return id, nil
}

func (c *Client) Set(ctx context.Context, path string, fields docstore.Fields, opts ...docstore.SetOption) error {
	coll, id, err := docstore.Split(path)
	if err != nil {
		return fmt.Errorf("repository: Set: %w", err)
	}
	resolved := docstore.ResolveFields(fields, c.serverNow())
	if !docstore.ApplySetOptions(opts).Merge {
		item, err := recordItem(coll, id, c.newID(), resolved)
		if err != nil {
			return fmt.Errorf("repository: Set %q: %w", path, err)
		}
		if _, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(c.tableName), Item: item}); err != nil {
			return fmt.Errorf("repository: Set %q: %w", path, wrapErr("PutItem", err))
		}
		return nil
	}
	if err := c.merge(ctx, coll, id, resolved, false); err != nil {
		return fmt.Errorf("repository: Set %q: %w", path, err)
	}
	return nil
}

func (c *Client) Update(ctx context.Context, path string, fields docstore.Fields) error {
	coll, id, err := docstore.Split(path)
	if err != nil {
		return fmt.Errorf("repository: Update: %w", err)
	}
	if err := c.merge(ctx, coll, id, docstore.ResolveFields(fields, c.serverNow()), true); err != nil {
		return fmt.Errorf("repository: Update %q: %w", path, err)
	}
	return nil
}

// merge applies a field-path merge. Intermediate maps named by dotted keys
// are created first, one nesting level per request; the final request sets
// every field. mustExist turns a missing item into ErrNotFound.
func (c *Client) merge(ctx context.Context, coll, id string, fields docstore.Fields, mustExist bool) error {
	var cond *string
	if mustExist {
		cond = aws.String("attribute_exists(PK)")
	}
	for _, level := range parentLevels(fields) {
		b := newExpr()
		_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 aws.String(c.tableName),
			Key:                       keyOf(coll, id),
			UpdateExpression:          aws.String(b.ensureMapsExpression(level)),
			ConditionExpression:       cond,
			ExpressionAttributeNames:  b.attrNames(),
			ExpressionAttributeValues: b.attrValues(),
		})
		if err != nil {
			return c.updateErr(err, mustExist)
		}
	}

	b := newExpr()
	expr, err := b.setExpression(fields, c.newID())
	if err != nil {
		return err
	}
	_, err = c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       keyOf(coll, id),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       cond,
		ExpressionAttributeNames:  b.attrNames(),
		ExpressionAttributeValues: b.attrValues(),
	})
	if err != nil {
		return c.updateErr(err, mustExist)
	}
	return nil
}

func (c *Client) updateErr(err error, mustExist bool) error {
	if mustExist && isConditionFailed(err) {
		return docstore.ErrNotFound
	}
	return wrapErr("UpdateItem", err)
}

func (c *Client) Delete(ctx context.Context, path string) error {
	coll, id, err := docstore.Split(path)
	if err != nil {
		return fmt.Errorf("repository: Delete: %w", err)
	}
	_, err = c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       keyOf(coll, id),
	})
	if err != nil {
		return fmt.Errorf("repository: Delete %q: %w", path, wrapErr("DeleteItem", err))
	}
	return nil
}
