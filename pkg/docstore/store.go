package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sudorandom/world-grid/pkg/logging"
	"github.com/sudorandom/world-grid/pkg/utils"
)

var (
	ErrNotFound         = errors.New("document not found")
	ErrClosed           = errors.New("store closed")
	ErrInvalidQuery     = errors.New("invalid query")
	ErrInvalidPath      = errors.New("invalid document path")
	ErrUnsupportedValue = errors.New("unsupported field value")
)

type opKind int

const (
	opSet opKind = iota
	opMerge
	opUpdate
	opDelete
)

type writeOp struct {
	kind       opKind
	collection string
	id         string
	fields     Fields
}

type Option func(*Store)

// WithPersistence writes every commit through to kv and loads existing documents on Open.
func WithPersistence(kv *utils.DiskKV) Option {
	return func(s *Store) { s.kv = kv }
}

// WithClock replaces the clock used for server timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator replaces the generator used by Add and NewID.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]*Document
	subs        map[uint64]*subscription
	nextSub     uint64
	seq         uint64
	lastTS      time.Time
	closed      bool

	kv    *utils.DiskKV
	now   func() time.Time
	newID func() string
	log   zerolog.Logger
}

func Open(opts ...Option) (*Store, error) {
	s := &Store{
		collections: make(map[string]map[string]*Document),
		subs:        make(map[uint64]*subscription),
		now:         time.Now,
		newID:       uuid.NewString,
		log:         logging.With().Str("component", "docstore").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.kv != nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("failed to load documents: %w", err)
		}
	}
	return s, nil
}

func (s *Store) load() error {
	n := 0
	err := s.kv.ForEachPrefix(docKeyPrefix, func(k string, v []byte) error {
		doc, err := decodeDocument(k, v)
		if err != nil {
			s.log.Warn().Err(err).Str("key", k).Msg("skipping undecodable document")
			return nil
		}
		s.seq++
		doc.version = s.seq
		if doc.UpdateTime.After(s.lastTS) {
			s.lastTS = doc.UpdateTime
		}
		s.put(&doc)
		n++
		return nil
	})
	if err == nil {
		s.log.Info().Int("documents", n).Msg("documents loaded")
	}
	return err
}

// Close cancels every live query. Subscribers receive ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[uint64]*subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fail(ErrClosed)
	}
	return nil
}

// NewID returns a fresh document id, for callers that need the id before writing.
func (s *Store) NewID() string {
	return s.newID()
}

func (s *Store) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Document{}, ErrClosed
	}
	d, ok := s.collections[collection][id]
	if !ok {
		return Document{}, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return d.clone(), nil
}

// GetDocs runs a one-shot query.
func (s *Store) GetDocs(ctx context.Context, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.runLocked(q), nil
}

// Add creates a document with a generated id and returns the id.
func (s *Store) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	id := s.newID()
	if err := s.commit(ctx, []writeOp{{kind: opSet, collection: collection, id: id, fields: fields}}); err != nil {
		return "", err
	}
	return id, nil
}

// Set replaces a document, creating it if needed. With merge, fields are merged into the
// existing document instead.
func (s *Store) Set(ctx context.Context, collection, id string, fields Fields, merge bool) error {
	kind := opSet
	if merge {
		kind = opMerge
	}
	return s.commit(ctx, []writeOp{{kind: kind, collection: collection, id: id, fields: fields}})
}

// Update merges fields into an existing document. It fails with ErrNotFound otherwise.
func (s *Store) Update(ctx context.Context, collection, id string, fields Fields) error {
	return s.commit(ctx, []writeOp{{kind: opUpdate, collection: collection, id: id, fields: fields}})
}

// Delete removes a document. Deleting a missing document is not an error.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.commit(ctx, []writeOp{{kind: opDelete, collection: collection, id: id}})
}

func validPath(collection, id string) bool {
	if collection == "" || id == "" || strings.Contains(id, "/") {
		return false
	}
	// Collection paths alternate collection/doc/collection, so they have an odd segment count.
	return strings.Count(collection, "/")%2 == 0
}

func (s *Store) serverTimeLocked() time.Time {
	t := s.now().UTC()
	if !t.After(s.lastTS) {
		t = s.lastTS.Add(time.Microsecond)
	}
	s.lastTS = t
	return t
}

func (s *Store) put(d *Document) {
	coll, ok := s.collections[d.Collection]
	if !ok {
		coll = make(map[string]*Document)
		s.collections[d.Collection] = coll
	}
	coll[d.ID] = d
}

func (s *Store) runLocked(q Query) []Document {
	coll := s.collections[q.Collection]
	docs := make([]Document, 0, len(coll))
	for _, d := range coll {
		docs = append(docs, *d)
	}
	out := q.run(docs)
	for i := range out {
		out[i] = out[i].clone()
	}
	return out
}

type stagedKey struct{ collection, id string }

// commit applies ops atomically: all ops are staged first, persisted in one badger
// transaction, then made visible and fanned out to live queries.
func (s *Store) commit(ctx context.Context, ops []writeOp) error {
	return s.write(ctx, ops, false)
}

// write stages ops and persists them. A bulk write may only contain sets and is persisted
// with BatchSet instead of one transaction.
func (s *Store) write(ctx context.Context, ops []writeOp, bulk bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	now := s.serverTimeLocked()
	staged := make(map[stagedKey]*Document)
	var order []stagedKey

	current := func(k stagedKey) *Document {
		if d, ok := staged[k]; ok {
			return d
		}
		return s.collections[k.collection][k.id]
	}

	for _, op := range ops {
		if !validPath(op.collection, op.id) {
			return fmt.Errorf("%s/%s: %w", op.collection, op.id, ErrInvalidPath)
		}
		k := stagedKey{op.collection, op.id}
		prev := current(k)
		if _, seen := staged[k]; !seen {
			order = append(order, k)
		}

		if op.kind == opDelete {
			staged[k] = nil
			continue
		}
		if op.kind == opUpdate && prev == nil {
			return fmt.Errorf("%s/%s: %w", op.collection, op.id, ErrNotFound)
		}

		next := &Document{ID: op.id, Collection: op.collection, CreateTime: now, Fields: Fields{}}
		if prev != nil {
			next.CreateTime = prev.CreateTime
			if op.kind != opSet {
				next.Fields = cloneFields(prev.Fields)
			}
		}
		for field, v := range op.fields {
			if tr, ok := v.(transform); ok {
				next.Fields[field] = tr.apply(next.Fields[field], now)
				continue
			}
			n, err := normalizeValue(v)
			if err != nil {
				return fmt.Errorf("field %q: %w", field, err)
			}
			next.Fields[field] = n
		}
		next.UpdateTime = now
		staged[k] = next
	}

	if s.kv != nil {
		sets := make(map[string][]byte)
		var deletes []string
		for _, k := range order {
			key := docKey(k.collection, k.id)
			d := staged[k]
			if d == nil {
				deletes = append(deletes, key)
				continue
			}
			b, err := encodeDocument(d)
			if err != nil {
				return err
			}
			sets[key] = b
		}
		if bulk {
			if err := s.kv.BatchSet(sets); err != nil {
				return fmt.Errorf("failed to persist bulk load: %w", err)
			}
		} else if err := s.kv.Apply(sets, deletes); err != nil {
			return fmt.Errorf("failed to persist commit: %w", err)
		}
	}

	touched := make(map[string]bool)
	for _, k := range order {
		touched[k.collection] = true
		d := staged[k]
		if d == nil {
			delete(s.collections[k.collection], k.id)
			continue
		}
		s.seq++
		d.version = s.seq
		s.put(d)
	}

	for _, sub := range s.subs {
		if touched[sub.query.Collection] {
			s.refreshLocked(sub, now)
		}
	}
	return nil
}
