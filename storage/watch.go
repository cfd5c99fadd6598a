package storage

import (
	"context"
	"errors"

	"chatsync/store"
)

type watcher struct {
	collection string
	// docID is set for document subscriptions.
	docID string
	sub   *store.Subscription
}

// Subscribe watches a collection or a single document. Document
// subscriptions receive the current snapshot first when it exists.
func (s *Store) Subscribe(ctx context.Context, path string) (*store.Subscription, error) {
	var (
		collection string
		docID      string
		err        error
	)
	if store.IsDocumentPath(path) {
		collection, docID, err = store.SplitDocumentPath(path)
	} else {
		collection, err = store.ParseCollectionPath(path)
	}
	if err != nil {
		return nil, err
	}

	// Holding writeMu keeps writes from landing between the snapshot and registration.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var snapshot store.Data
	if docID != "" {
		snapshot, err = s.GetDocument(ctx, collection, docID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	s.watchMu.Lock()
	id := s.nextWatcherID
	s.nextWatcherID++
	sub := store.NewSubscription(func() { s.removeWatcher(id) })
	s.watchers[id] = &watcher{collection: collection, docID: docID, sub: sub}
	s.watchMu.Unlock()

	if snapshot != nil {
		sub.Publish(store.Change{
			Type:     store.ChangeAdded,
			Document: store.Document{ID: docID, Data: snapshot},
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Cancel()
		case <-sub.Done():
		}
	}()

	return sub, nil
}

func (s *Store) removeWatcher(id int64) {
	s.watchMu.Lock()
	delete(s.watchers, id)
	s.watchMu.Unlock()
}

// notify must be called with writeMu held.
func (s *Store) notify(collection string, change store.Change) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	for _, w := range s.watchers {
		if w.collection != collection {
			continue
		}
		if w.docID != "" && w.docID != change.Document.ID {
			continue
		}
		w.sub.Publish(store.Change{
			Type:     change.Type,
			Document: store.Document{ID: change.Document.ID, Data: store.Clone(change.Document.Data)},
		})
	}
}

func (s *Store) endWatchers(err error) {
	s.watchMu.Lock()
	watchers := s.watchers
	s.watchers = make(map[int64]*watcher)
	s.watchMu.Unlock()

	for _, w := range watchers {
		w.sub.End(err)
	}
}
