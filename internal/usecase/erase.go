package usecase

import (
	"context"
	"errors"
	"fmt"

	"convsync/internal/docstore"
)

// EraseHistory deletes every message of a conversation and its presence
// record. Live listeners registered in reg are released first so none of
// them observes a half-erased conversation. The parent record is kept.
func EraseHistory(ctx context.Context, store docstore.Store, reg *docstore.Registry, cid string) (int, error) {
	if reg != nil {
		reg.ReleaseAll()
	}
	recs, err := store.Query(ctx, docstore.Query{Collection: MessagesPath(cid)})
	if err != nil {
		return 0, fmt.Errorf("usecase: EraseHistory: %w", err)
	}
	n := 0
	for _, r := range recs {
		if err := store.Delete(ctx, MessagePath(cid, r.ID)); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return n, fmt.Errorf("usecase: EraseHistory: delete %s: %w", r.ID, err)
		}
		n++
	}
	if err := store.Delete(ctx, PresencePath(cid)); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return n, fmt.Errorf("usecase: EraseHistory: presence: %w", err)
	}
	return n, nil
}
