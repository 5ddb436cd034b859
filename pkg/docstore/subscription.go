package docstore

import (
	"sync"
	"sync/atomic"
	"time"
)

type ChangeType int

const (
	Added ChangeType = iota
	Modified
	Removed
)

func (c ChangeType) String() string {
	switch c {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Change is one row-level difference between two consecutive windows. OldIndex is -1 for
// added rows and NewIndex is -1 for removed rows.
type Change struct {
	Type     ChangeType
	Doc      Document
	OldIndex int
	NewIndex int
}

// Snapshot is one delivery of a live query: the full current window and the changes since
// the previous delivery. Removed changes come first, then added and modified changes in
// window order.
type Snapshot struct {
	Docs     []Document
	Changes  []Change
	ReadTime time.Time
}

func (s Snapshot) Size() int   { return len(s.Docs) }
func (s Snapshot) Empty() bool { return len(s.Docs) == 0 }

// Unsubscribe stops a live query. It is safe to call more than once.
type Unsubscribe func()

type event struct {
	snap Snapshot
	err  error
}

type subscription struct {
	id     uint64
	query  Query
	onNext func(Snapshot)
	onErr  func(error)

	last []Document

	mu        sync.Mutex
	queue     []event
	notify    chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	cancelled atomic.Bool
}

// Subscribe starts a live query. onNext first receives the current window with every row
// as Added, then a snapshot after every commit that changes the window. Deliveries for one
// subscription are sequential and in commit order. onErr may be nil.
func (s *Store) Subscribe(q Query, onNext func(Snapshot), onErr func(error)) (Unsubscribe, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	if q.After != nil {
		return nil, ErrInvalidQuery
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.nextSub++
	sub := &subscription{
		id:     s.nextSub,
		query:  q,
		onNext: onNext,
		onErr:  onErr,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	s.subs[sub.id] = sub
	docs := s.runLocked(q)
	sub.last = docs
	changes := make([]Change, len(docs))
	for i, d := range docs {
		changes[i] = Change{Type: Added, Doc: d, OldIndex: -1, NewIndex: i}
	}
	sub.push(event{snap: Snapshot{Docs: cloneDocs(docs), Changes: changes, ReadTime: s.lastTS}})
	s.mu.Unlock()

	go sub.run()

	return func() {
		s.mu.Lock()
		delete(s.subs, sub.id)
		s.mu.Unlock()
		sub.cancel()
	}, nil
}

// ActiveSubscriptions reports the number of live queries.
func (s *Store) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// refreshLocked recomputes the window of sub and queues a snapshot if anything changed.
func (s *Store) refreshLocked(sub *subscription, now time.Time) {
	next := s.runLocked(sub.query)
	changes := diffWindows(sub.last, next)
	sub.last = next
	if len(changes) == 0 {
		return
	}
	sub.push(event{snap: Snapshot{Docs: cloneDocs(next), Changes: changes, ReadTime: now}})
}

func diffWindows(prev, next []Document) []Change {
	prevIdx := make(map[string]int, len(prev))
	for i, d := range prev {
		prevIdx[d.ID] = i
	}
	nextIdx := make(map[string]int, len(next))
	for i, d := range next {
		nextIdx[d.ID] = i
	}

	var changes []Change
	for i, d := range prev {
		if _, ok := nextIdx[d.ID]; !ok {
			changes = append(changes, Change{Type: Removed, Doc: d.clone(), OldIndex: i, NewIndex: -1})
		}
	}
	for j, d := range next {
		i, ok := prevIdx[d.ID]
		switch {
		case !ok:
			changes = append(changes, Change{Type: Added, Doc: d.clone(), OldIndex: -1, NewIndex: j})
		case prev[i].version != d.version:
			changes = append(changes, Change{Type: Modified, Doc: d.clone(), OldIndex: i, NewIndex: j})
		}
	}
	return changes
}

func cloneDocs(docs []Document) []Document {
	out := make([]Document, len(docs))
	for i, d := range docs {
		out[i] = d.clone()
	}
	return out
}

func (sub *subscription) push(ev event) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, ev)
	sub.mu.Unlock()
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *subscription) pop() (event, bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.queue) == 0 {
		return event{}, false
	}
	ev := sub.queue[0]
	sub.queue = sub.queue[1:]
	return ev, true
}

func (sub *subscription) run() {
	for {
		select {
		case <-sub.stop:
			return
		case <-sub.notify:
		}
		for {
			ev, ok := sub.pop()
			if !ok {
				break
			}
			if sub.cancelled.Load() {
				return
			}
			if ev.err != nil {
				if sub.onErr != nil {
					sub.onErr(ev.err)
				}
				sub.cancel()
				return
			}
			sub.onNext(ev.snap)
		}
	}
}

func (sub *subscription) cancel() {
	sub.cancelled.Store(true)
	sub.stopOnce.Do(func() { close(sub.stop) })
}

// fail queues a terminal error behind any pending snapshots.
func (sub *subscription) fail(err error) {
	sub.push(event{err: err})
}
