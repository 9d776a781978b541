package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"convsync/internal/docstore"
)

// transaction buffers writes and remembers the revision of every read. The
// commit is one TransactWriteItems call whose conditions fail if any read
// record changed in between.
type transaction struct {
	c      *Client
	reads  map[string]txRead
	order  []string
	writes []txWrite
}

type txRead struct {
	exists bool
	rev    string
	data   docstore.Fields
}

type txWrite struct {
	path   string
	fields docstore.Fields
	update bool
}

func (c *Client) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &transaction{c: c, reads: map[string]txRead{}}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		err := tx.commit(ctx)
		if errors.Is(err, errTxConflict) {
			c.logger.Debug("dynamodb_tx_conflict", "attempt", attempt)
			continue
		}
		if err != nil {
			return fmt.Errorf("repository: RunTransaction: %w", err)
		}
		return nil
	}
	return fmt.Errorf("repository: RunTransaction: %w", docstore.ErrAborted)
}

var errTxConflict = errors.New("repository: transaction conflict")

func (t *transaction) Get(ctx context.Context, path string) (*docstore.Record, error) {
	if len(t.writes) > 0 {
		return nil, fmt.Errorf("repository: tx Get after write: %w", docstore.ErrInvalidArgument)
	}
	rec, rev, err := t.c.get(ctx, path)
	if errors.Is(err, docstore.ErrNotFound) {
		t.remember(path, txRead{})
		return nil, fmt.Errorf("repository: tx Get %q: %w", path, err)
	}
	if err != nil {
		return nil, fmt.Errorf("repository: tx Get %q: %w", path, err)
	}
	t.remember(path, txRead{exists: true, rev: rev, data: docstore.Clone(rec.Data)})
	return rec, nil
}

func (t *transaction) remember(path string, r txRead) {
	if _, ok := t.reads[path]; !ok {
		t.order = append(t.order, path)
	}
	t.reads[path] = r
}

func (t *transaction) Set(path string, fields docstore.Fields) error {
	return t.write(path, fields, false)
}

func (t *transaction) Update(path string, fields docstore.Fields) error {
	return t.write(path, fields, true)
}

func (t *transaction) write(path string, fields docstore.Fields, update bool) error {
	if _, _, err := docstore.Split(path); err != nil {
		return err
	}
	t.writes = append(t.writes, txWrite{path: path, fields: docstore.Clone(fields), update: update})
	return nil
}

// revCondition guards an item on the state read earlier.
func revCondition(b *exprBuilder, r txRead) string {
	switch {
	case !r.exists:
		return "attribute_not_exists(" + b.path(attrPK) + ")"
	case r.rev == "":
		return "attribute_exists(" + b.path(attrPK) + ") AND attribute_not_exists(" + b.path(attrRev) + ")"
	default:
		return b.path(attrRev) + " = " + b.value(&types.AttributeValueMemberS{Value: r.rev})
	}
}

func (t *transaction) commit(ctx context.Context) error {
	if len(t.writes) == 0 {
		return nil
	}
	now := t.c.serverNow()
	var items []types.TransactWriteItem
	// notFound marks items whose failed condition means "missing record"
	// rather than a concurrent change.
	var notFound []bool
	written := map[string]bool{}

	for _, w := range t.writes {
		coll, id, _ := docstore.Split(w.path)
		fields := docstore.ResolveFields(w.fields, now)
		read, wasRead := t.reads[w.path]
		written[w.path] = true

		if wasRead || !w.update {
			// Updates of read records are folded into the read copy and written
			// whole, so nested keys never depend on existing parent maps.
			doc := fields
			if w.update {
				if !read.exists {
					return fmt.Errorf("update %s: %w", w.path, docstore.ErrNotFound)
				}
				doc = docstore.Clone(read.data)
				docstore.ApplyMerge(doc, fields)
			}
			item, err := recordItem(coll, id, t.c.newID(), doc)
			if err != nil {
				return err
			}
			put := &types.Put{TableName: aws.String(t.c.tableName), Item: item}
			if wasRead {
				b := newExpr()
				put.ConditionExpression = aws.String(revCondition(b, read))
				put.ExpressionAttributeNames = b.attrNames()
				put.ExpressionAttributeValues = b.attrValues()
			}
			items = append(items, types.TransactWriteItem{Put: put})
			notFound = append(notFound, false)
			continue
		}

		b := newExpr()
		expr, err := b.setExpression(fields, t.c.newID())
		if err != nil {
			return err
		}
		cond := "attribute_exists(" + b.path(attrPK) + ")"
		items = append(items, types.TransactWriteItem{Update: &types.Update{
			TableName:                 aws.String(t.c.tableName),
			Key:                       keyOf(coll, id),
			UpdateExpression:          aws.String(expr),
			ConditionExpression:       aws.String(cond),
			ExpressionAttributeNames:  b.attrNames(),
			ExpressionAttributeValues: b.attrValues(),
		}})
		notFound = append(notFound, true)
	}

	// Records read but not written still take part so a concurrent change to
	// them aborts the commit.
	for _, path := range t.order {
		if written[path] {
			continue
		}
		coll, id, _ := docstore.Split(path)
		b := newExpr()
		items = append(items, types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{
			TableName:                 aws.String(t.c.tableName),
			Key:                       keyOf(coll, id),
			ConditionExpression:       aws.String(revCondition(b, t.reads[path])),
			ExpressionAttributeNames:  b.attrNames(),
			ExpressionAttributeValues: b.attrValues(),
		}})
		notFound = append(notFound, false)
	}

	_, err := t.c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		return nil
	}

	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for i, r := range canceled.CancellationReasons {
			code := aws.ToString(r.Code)
			if code == "ConditionalCheckFailed" && i < len(notFound) && notFound[i] {
				return docstore.ErrNotFound
			}
		}
		for _, r := range canceled.CancellationReasons {
			switch aws.ToString(r.Code) {
			case "ConditionalCheckFailed", "TransactionConflict":
				return errTxConflict
			}
		}
	}
	var conflict *types.TransactionConflictException
	if errors.As(err, &conflict) {
		return errTxConflict
	}
	return wrapErr("TransactWriteItems", err)
}
