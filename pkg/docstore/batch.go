package docstore

import (
	"context"
	"errors"
)

// ErrBulkWrite is returned by Load for a batch holding anything but plain sets.
var ErrBulkWrite = errors.New("bulk load only accepts sets")

// WriteBatch collects writes that are committed atomically.
type WriteBatch struct {
	store *Store
	ops   []writeOp
}

func (s *Store) Batch() *WriteBatch {
	return &WriteBatch{store: s}
}

func (b *WriteBatch) Set(collection, id string, fields Fields, merge bool) *WriteBatch {
	kind := opSet
	if merge {
		kind = opMerge
	}
	b.ops = append(b.ops, writeOp{kind: kind, collection: collection, id: id, fields: fields})
	return b
}

func (b *WriteBatch) Update(collection, id string, fields Fields) *WriteBatch {
	b.ops = append(b.ops, writeOp{kind: opUpdate, collection: collection, id: id, fields: fields})
	return b
}

func (b *WriteBatch) Delete(collection, id string) *WriteBatch {
	b.ops = append(b.ops, writeOp{kind: opDelete, collection: collection, id: id})
	return b
}

func (b *WriteBatch) Len() int {
	return len(b.ops)
}

// Commit applies every write or none of them.
func (b *WriteBatch) Commit(ctx context.Context) error {
	if len(b.ops) == 0 {
		return nil
	}
	return b.store.commit(ctx, b.ops)
}

// Load writes a batch of plain sets that may be too large for one transaction, such as
// a seed. Unlike Commit, a failure can leave part of the batch persisted.
func (b *WriteBatch) Load(ctx context.Context) error {
	if len(b.ops) == 0 {
		return nil
	}
	for _, op := range b.ops {
		if op.kind != opSet {
			return ErrBulkWrite
		}
	}
	return b.store.write(ctx, b.ops, true)
}
