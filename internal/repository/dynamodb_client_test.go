package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"convsync/internal/docstore"
)

type fakeDynamo struct {
	mu sync.Mutex

	getOuts   []*dynamodb.GetItemOutput
	getErr    error
	putErr    error
	updateErr error
	deleteErr error
	queryOuts []*dynamodb.QueryOutput
	queryErr  error
	txErrs    []error

	getCalls  int
	lastGetIn *dynamodb.GetItemInput
	putIns    []*dynamodb.PutItemInput
	updateIns []*dynamodb.UpdateItemInput
	lastDelIn *dynamodb.DeleteItemInput
	queryIns  []*dynamodb.QueryInput
	txIns     []*dynamodb.TransactWriteItemsInput
}

// GetItem returns getOuts in order and repeats the last one.
func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastGetIn = in
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	if len(f.getOuts) == 0 {
		return &dynamodb.GetItemOutput{}, nil
	}
	out := f.getOuts[0]
	if len(f.getOuts) > 1 {
		f.getOuts = f.getOuts[1:]
	}
	return out, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putIns = append(f.putIns, in)
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateIns = append(f.updateIns, in)
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastDelIn = in
	return &dynamodb.DeleteItemOutput{}, f.deleteErr
}

// Query returns queryOuts in order and repeats the last one.
func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *in
	f.queryIns = append(f.queryIns, &cp)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryOuts) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.queryOuts[0]
	if len(f.queryOuts) > 1 {
		f.queryOuts = f.queryOuts[1:]
	}
	return out, nil
}

// TransactWriteItems pops txErrs in order; nil once exhausted.
func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txIns = append(f.txIns, in)
	if len(f.txErrs) == 0 {
		return &dynamodb.TransactWriteItemsOutput{}, nil
	}
	err := f.txErrs[0]
	f.txErrs = f.txErrs[1:]
	return &dynamodb.TransactWriteItemsOutput{}, err
}

var fixedNow = time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

func mustNewClient(t *testing.T, db *fakeDynamo, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() string { return "id-1" }),
		WithOrderIndex("createdAt", "createdAt-index"),
		WithPollInterval(5 * time.Millisecond),
	}
	c, err := New(db, "test-table", append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func s(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }
func n(v string) types.AttributeValue { return &types.AttributeValueMemberN{Value: v} }

func messageItem(id, rev, createdAt string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        s("conversations/a_b/messages"),
		"SK":        s(id),
		"_rev":      s(rev),
		"senderId":  s("a"),
		"createdAt": n(createdAt),
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "t")
	require.Error(t, err)
	_, err = New(&fakeDynamo{}, "  ")
	require.Error(t, err)
}

func TestGet_ConvertsItem(t *testing.T) {
	db := &fakeDynamo{getOuts: []*dynamodb.GetItemOutput{{Item: map[string]types.AttributeValue{
		"PK":        s("conversations/a_b/messages"),
		"SK":        s("m1"),
		"_rev":      s("r1"),
		"text":      s("hi"),
		"createdAt": n("1700000000123"),
		"ratio":     n("0.5"),
		"edited":    &types.AttributeValueMemberBOOL{Value: true},
		"editedAt":  &types.AttributeValueMemberNULL{Value: true},
		"readBy":    &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{"b": &types.AttributeValueMemberBOOL{Value: true}}},
		"reactions": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"👍": &types.AttributeValueMemberL{Value: []types.AttributeValue{s("a")}},
		}},
	}}}}
	c := mustNewClient(t, db)

	rec, err := c.Get(context.Background(), "conversations/a_b/messages/m1")
	require.NoError(t, err)
	require.Equal(t, "m1", rec.ID)
	require.Equal(t, "conversations/a_b/messages/m1", rec.Path)
	require.Equal(t, docstore.Fields{
		"text":      "hi",
		"createdAt": int64(1700000000123),
		"ratio":     0.5,
		"edited":    true,
		"editedAt":  nil,
		"readBy":    map[string]any{"b": true},
		"reactions": map[string]any{"👍": []any{"a"}},
	}, rec.Data)
	require.True(t, aws.ToBool(db.lastGetIn.ConsistentRead))
	require.Equal(t, s("conversations/a_b/messages"), db.lastGetIn.Key["PK"])
}

func TestGet_Missing(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	_, err := c.Get(context.Background(), "users/u1")
	require.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestGet_ErrorKinds(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"access denied", &smithy.GenericAPIError{Code: "AccessDeniedException"}, docstore.ErrPermissionDenied},
		{"validation", &smithy.GenericAPIError{Code: "ValidationException"}, docstore.ErrInvalidArgument},
		{"throttled", &smithy.GenericAPIError{Code: "ThrottlingException"}, docstore.ErrUnavailable},
		{"missing table", &types.ResourceNotFoundException{}, docstore.ErrFailedPrecondition},
		{"network", errors.New("connection reset"), docstore.ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := mustNewClient(t, &fakeDynamo{getErr: tc.err})
			_, err := c.Get(context.Background(), "users/u1")
			require.ErrorIs(t, err, tc.want)
			require.Contains(t, err.Error(), "GetItem")
		})
	}
}

func TestGet_ContextErrorPassesThrough(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getErr: context.Canceled})
	_, err := c.Get(context.Background(), "users/u1")
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, docstore.ErrUnavailable)
}

func TestAdd_ResolvesServerTimestamp(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	id, err := c.Add(context.Background(), "conversations/a_b/messages", docstore.Fields{
		"text":      "hello",
		"createdAt": docstore.ServerTimestamp,
		"readBy":    map[string]any{},
	})
	require.NoError(t, err)
	require.Equal(t, "id-1", id)

	require.Len(t, db.putIns, 1)
	in := db.putIns[0]
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", aws.ToString(in.ConditionExpression))
	require.Equal(t, n("1778051289000"), in.Item["createdAt"])
	require.Equal(t, s("id-1"), in.Item["SK"])
	require.Contains(t, in.Item, "_rev")
}

func TestAdd_RejectsDocumentPath(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	_, err := c.Add(context.Background(), "users/u1", docstore.Fields{})
	require.ErrorIs(t, err, docstore.ErrInvalidArgument)
}

func TestSet_OverwriteIsPut(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	require.NoError(t, c.Set(context.Background(), "users/u1", docstore.Fields{"publicId": "P1"}))
	require.Len(t, db.putIns, 1)
	require.Nil(t, db.putIns[0].ConditionExpression)
	require.Equal(t, s("P1"), db.putIns[0].Item["publicId"])
	require.Empty(t, db.updateIns)
}

func TestSet_MergeFieldPathPreparesParentMap(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	require.NoError(t, c.Set(context.Background(), "conversations/a_b/state/presence",
		docstore.Fields{docstore.FieldPath("typing", "ua"): true}, docstore.Merge()))

	require.Len(t, db.updateIns, 2)
	prep := db.updateIns[0]
	require.Equal(t, "SET #n0 = if_not_exists(#n0, :v0)", aws.ToString(prep.UpdateExpression))
	require.Equal(t, map[string]string{"#n0": "typing"}, prep.ExpressionAttributeNames)
	require.Nil(t, prep.ConditionExpression)

	main := db.updateIns[1]
	require.Equal(t, "SET #n0.#n1 = :v0, #n2 = :v1", aws.ToString(main.UpdateExpression))
	require.Equal(t, map[string]string{"#n0": "typing", "#n1": "ua", "#n2": "_rev"}, main.ExpressionAttributeNames)
	require.Equal(t, &types.AttributeValueMemberBOOL{Value: true}, main.ExpressionAttributeValues[":v0"])
}

func TestSet_MergePlainKeysSingleRequest(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	require.NoError(t, c.Set(context.Background(), "conversations/a_b", docstore.Fields{
		"lastMessage": "hi",
		"updatedAt":   docstore.ServerTimestamp,
	}, docstore.Merge()))

	require.Len(t, db.updateIns, 1)
	require.Equal(t, "SET #n0 = :v0, #n1 = :v1, #n2 = :v2", aws.ToString(db.updateIns[0].UpdateExpression))
	require.Equal(t, "lastMessage", db.updateIns[0].ExpressionAttributeNames["#n0"])
	require.Equal(t, n("1778051289000"), db.updateIns[0].ExpressionAttributeValues[":v1"])
}

func TestUpdate_MissingRecordIsNotFound(t *testing.T) {
	db := &fakeDynamo{updateErr: &types.ConditionalCheckFailedException{}}
	c := mustNewClient(t, db)

	err := c.Update(context.Background(), "conversations/a_b/messages/m1", docstore.Fields{"text": "x"})
	require.ErrorIs(t, err, docstore.ErrNotFound)
	require.Equal(t, "attribute_exists(PK)", aws.ToString(db.updateIns[0].ConditionExpression))
}

func TestDelete(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.Delete(context.Background(), "conversations/a_b/messages/m1"))
	require.Equal(t, s("m1"), db.lastDelIn.Key["SK"])

	db.deleteErr = &smithy.GenericAPIError{Code: "AccessDeniedException"}
	require.ErrorIs(t, c.Delete(context.Background(), "conversations/a_b/messages/m1"), docstore.ErrPermissionDenied)
}

func TestQuery_OrderedUsesIndexAndCursor(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{messageItem("m9", "r9", "900"), messageItem("m8", "r8", "800")},
	}}}
	c := mustNewClient(t, db)

	cursor := &docstore.Record{ID: "m10", Data: docstore.Fields{"createdAt": int64(1000)}}
	recs, err := c.Query(context.Background(), docstore.Query{
		Collection: "conversations/a_b/messages",
		OrderBy:    "createdAt",
		Direction:  docstore.Descending,
		Limit:      2,
		StartAfter: cursor,
	}.Where("createdAt", docstore.OpLessOrEqual, int64(5000)).Where("senderId", docstore.OpEqual, "a"))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "m9", recs[0].ID)

	in := db.queryIns[0]
	require.Equal(t, "createdAt-index", aws.ToString(in.IndexName))
	require.False(t, aws.ToBool(in.ScanIndexForward))
	require.Equal(t, int32(2), aws.ToInt32(in.Limit))
	require.Equal(t, "#n0 = :v0 AND #n1 <= :v1", aws.ToString(in.KeyConditionExpression))
	require.Equal(t, "#n2 = :v2", aws.ToString(in.FilterExpression))
	require.Equal(t, map[string]string{"#n0": "PK", "#n1": "createdAt", "#n2": "senderId"}, in.ExpressionAttributeNames)
	require.Equal(t, s("m10"), in.ExclusiveStartKey["SK"])
	require.Equal(t, n("1000"), in.ExclusiveStartKey["createdAt"])
}

func TestQuery_PagesUntilLimit(t *testing.T) {
	lastKey := map[string]types.AttributeValue{"PK": s("conversations/a_b/messages"), "SK": s("m1")}
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{Items: []map[string]types.AttributeValue{messageItem("m1", "r1", "100")}, LastEvaluatedKey: lastKey},
		{Items: []map[string]types.AttributeValue{messageItem("m2", "r2", "200"), messageItem("m3", "r3", "300")}},
	}}
	c := mustNewClient(t, db)

	recs, err := c.Query(context.Background(), docstore.Query{
		Collection: "conversations/a_b/messages", OrderBy: "createdAt", Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, []string{"m1", "m2"}, []string{recs[0].ID, recs[1].ID})
	require.Len(t, db.queryIns, 2)
	require.Equal(t, lastKey, db.queryIns[1].ExclusiveStartKey)
}

func TestQuery_UnindexedEvaluatesInMemory(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{
		{"PK": s("users"), "SK": s("u2"), "publicId": s("B")},
		{"PK": s("users"), "SK": s("u1"), "publicId": s("A")},
		{"PK": s("users"), "SK": s("u3"), "publicId": s("C")},
	}}}}
	c := mustNewClient(t, db)

	recs, err := c.Query(context.Background(), docstore.Query{Collection: "users", Limit: 1}.
		Where("publicId", docstore.OpEqual, "C"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "u3", recs[0].ID)
	require.Nil(t, db.queryIns[0].IndexName)
	require.Nil(t, db.queryIns[0].Limit)
}

func TestQuery_Error(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{queryErr: errors.New("boom")})
	_, err := c.Query(context.Background(), docstore.Query{Collection: "users"})
	require.ErrorIs(t, err, docstore.ErrUnavailable)
	require.Contains(t, err.Error(), "Query")
}

func reactionItem(rev string) map[string]types.AttributeValue {
	item := messageItem("m1", rev, "100")
	item["reactions"] = &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{}}
	return item
}

func TestRunTransaction_PutGuardedByRevision(t *testing.T) {
	db := &fakeDynamo{getOuts: []*dynamodb.GetItemOutput{{Item: reactionItem("r1")}}}
	c := mustNewClient(t, db)
	path := "conversations/a_b/messages/m1"

	err := c.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		if _, err := tx.Get(ctx, path); err != nil {
			return err
		}
		return tx.Update(path, docstore.Fields{"reactions": map[string]any{"👍": []any{"a"}}})
	})
	require.NoError(t, err)

	require.Len(t, db.txIns, 1)
	items := db.txIns[0].TransactItems
	require.Len(t, items, 1)
	put := items[0].Put
	require.NotNil(t, put)
	require.Equal(t, "#n0 = :v0", aws.ToString(put.ConditionExpression))
	require.Equal(t, "_rev", put.ExpressionAttributeNames["#n0"])
	require.Equal(t, s("r1"), put.ExpressionAttributeValues[":v0"])
	require.Equal(t, s("a"), put.Item["senderId"], "untouched fields survive the whole-item put")
	require.Equal(t, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
		"👍": &types.AttributeValueMemberL{Value: []types.AttributeValue{s("a")}},
	}}, put.Item["reactions"])
}

func TestRunTransaction_RetriesOnConflict(t *testing.T) {
	canceled := &types.TransactionCanceledException{CancellationReasons: []types.CancellationReason{
		{Code: aws.String("ConditionalCheckFailed")},
	}}
	db := &fakeDynamo{
		getOuts: []*dynamodb.GetItemOutput{{Item: reactionItem("r1")}, {Item: reactionItem("r2")}},
		txErrs:  []error{canceled},
	}
	c := mustNewClient(t, db)
	path := "conversations/a_b/messages/m1"

	runs := 0
	err := c.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		runs++
		if _, err := tx.Get(ctx, path); err != nil {
			return err
		}
		return tx.Update(path, docstore.Fields{"reactions": map[string]any{}})
	})
	require.NoError(t, err)
	require.Equal(t, 2, runs)
	require.Len(t, db.txIns, 2)
	require.Equal(t, s("r2"), db.txIns[1].TransactItems[0].Put.ExpressionAttributeValues[":v0"])
}

func TestRunTransaction_AbortsAfterMaxAttempts(t *testing.T) {
	var errs []error
	for i := 0; i < maxTxAttempts; i++ {
		errs = append(errs, &types.TransactionConflictException{})
	}
	db := &fakeDynamo{getOuts: []*dynamodb.GetItemOutput{{Item: reactionItem("r1")}}, txErrs: errs}
	c := mustNewClient(t, db)
	path := "conversations/a_b/messages/m1"

	err := c.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		if _, err := tx.Get(ctx, path); err != nil {
			return err
		}
		return tx.Update(path, docstore.Fields{"reactions": map[string]any{}})
	})
	require.ErrorIs(t, err, docstore.ErrAborted)
	require.Len(t, db.txIns, maxTxAttempts)
}

func TestRunTransaction_MissingRecord(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	err := c.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		_, err := tx.Get(ctx, "conversations/a_b/messages/nope")
		return err
	})
	require.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestRunTransaction_UnreadUpdateUsesExpression(t *testing.T) {
	canceled := &types.TransactionCanceledException{CancellationReasons: []types.CancellationReason{
		{Code: aws.String("ConditionalCheckFailed")},
	}}
	db := &fakeDynamo{txErrs: []error{canceled}}
	c := mustNewClient(t, db)

	err := c.RunTransaction(context.Background(), func(_ context.Context, tx docstore.Tx) error {
		return tx.Update("conversations/a_b/messages/m1", docstore.Fields{"text": "x"})
	})
	require.ErrorIs(t, err, docstore.ErrNotFound)
	upd := db.txIns[0].TransactItems[0].Update
	require.NotNil(t, upd)
	require.Equal(t, "SET #n0 = :v0, #n1 = :v1", aws.ToString(upd.UpdateExpression))
	require.Equal(t, "attribute_exists(#n2)", aws.ToString(upd.ConditionExpression))
}

func TestWatch_DeliversOnRevisionChange(t *testing.T) {
	item := func(rev string) *dynamodb.GetItemOutput {
		return &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
			"PK": s("conversations/a_b/state"), "SK": s("presence"), "_rev": s(rev),
		}}
	}
	db := &fakeDynamo{getOuts: []*dynamodb.GetItemOutput{item("r1"), item("r1"), item("r1"), item("r2")}}
	c := mustNewClient(t, db)

	var mu sync.Mutex
	var got int
	sub, err := c.Watch(context.Background(), "conversations/a_b/state/presence", func(rec *docstore.Record, err error) {
		if err != nil || rec == nil {
			return
		}
		mu.Lock()
		got++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got == 2
	}, time.Second, 5*time.Millisecond)
	sub.Release()

	db.mu.Lock()
	calls := db.getCalls
	db.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	db.mu.Lock()
	defer db.mu.Unlock()
	require.LessOrEqual(t, db.getCalls, calls+1)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, got)
}

func TestWatchQuery_ReportsErrorOnce(t *testing.T) {
	db := &fakeDynamo{queryErr: errors.New("boom")}
	c := mustNewClient(t, db)

	var mu sync.Mutex
	var errs int
	sub, err := c.WatchQuery(context.Background(), docstore.Query{Collection: "users"}, func(_ []docstore.Record, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs++
		}
	})
	require.NoError(t, err)
	defer sub.Release()

	require.Eventually(t, func() bool {
		db.mu.Lock()
		defer db.mu.Unlock()
		return len(db.queryIns) >= 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, errs)
}
