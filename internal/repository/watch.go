package repository

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"convsync/internal/docstore"
)

// DynamoDB has no push channel for a single partition, so listeners poll and
// deliver only when the result's revision fingerprint changes.
type poller struct {
	stop chan struct{}
	once sync.Once
}

func (p *poller) Release() {
	p.once.Do(func() { close(p.stop) })
}

func (c *Client) Watch(ctx context.Context, path string, fn docstore.SnapshotFunc) (docstore.Subscription, error) {
	if _, _, err := docstore.Split(path); err != nil {
		return nil, err
	}
	return c.startPoller(ctx, func(ctx context.Context) (string, func(), error) {
		rec, rev, err := c.get(ctx, path)
		if errors.Is(err, docstore.ErrNotFound) {
			return "missing", func() { fn(nil, nil) }, nil
		}
		if err != nil {
			return "", nil, err
		}
		return "rev:" + rev, func() { fn(rec, nil) }, nil
	}, func(err error) { fn(nil, err) }), nil
}

func (c *Client) WatchQuery(ctx context.Context, q docstore.Query, fn docstore.QuerySnapshotFunc) (docstore.Subscription, error) {
	if !docstore.ValidCollection(q.Collection) {
		return nil, docstore.ErrInvalidArgument
	}
	return c.startPoller(ctx, func(ctx context.Context) (string, func(), error) {
		recs, revs, err := c.query(ctx, q)
		if err != nil {
			return "", nil, err
		}
		var b strings.Builder
		for i, r := range recs {
			b.WriteString(r.ID)
			b.WriteByte('@')
			b.WriteString(revs[i])
			b.WriteByte(';')
		}
		return b.String(), func() { fn(recs, nil) }, nil
	}, func(err error) { fn(nil, err) }), nil
}

func (c *Client) startPoller(ctx context.Context, eval func(context.Context) (string, func(), error), fail func(error)) *poller {
	p := &poller{stop: make(chan struct{})}
	go func() {
		pctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-p.stop:
				cancel()
			case <-pctx.Done():
			}
		}()

		ticker := time.NewTicker(c.poll)
		defer ticker.Stop()
		last, lastErr, first := "", "", true
		for {
			fp, deliver, err := eval(pctx)
			select {
			case <-p.stop:
				return
			default:
			}
			switch {
			case err != nil:
				if pctx.Err() != nil {
					return
				}
				// Report each distinct failure once; keep polling.
				if err.Error() != lastErr {
					lastErr = err.Error()
					c.logger.Warn("dynamodb_poll_failed", "err", err)
					fail(err)
				}
			case first || fp != last:
				first, last, lastErr = false, fp, ""
				deliver()
			}
			select {
			case <-p.stop:
				return
			case <-pctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return p
}
