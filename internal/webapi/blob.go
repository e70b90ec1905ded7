package webapi

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cryguy/hostjs/internal/engine"
	"github.com/cryguy/hostjs/internal/eventloop"
)

// BlobEntry is the data behind one blob: URL.
type BlobEntry struct {
	Data []byte
	Type string
}

// BlobStore maps blob: URLs to their data. It is safe for concurrent use
// and may be shared by several workers. The zero value is an empty store.
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string]BlobEntry
}

// NewBlobStore returns an empty store.
func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string]BlobEntry)}
}

// Put stores e under a fresh URL for origin ("null" when empty).
func (s *BlobStore) Put(origin string, e BlobEntry) string {
	if origin == "" {
		origin = "null"
	}
	u := "blob:" + origin + "/" + uuid.NewString()
	s.mu.Lock()
	if s.blobs == nil {
		s.blobs = make(map[string]BlobEntry)
	}
	s.blobs[u] = e
	s.mu.Unlock()
	return u
}

// Get returns the blob for u.
func (s *BlobStore) Get(u string) (BlobEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.blobs[u]
	return e, ok
}

// Revoke forgets u.
func (s *BlobStore) Revoke(u string) {
	s.mu.Lock()
	delete(s.blobs, u)
	s.mu.Unlock()
}

// Len reports how many URLs are live.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

const blobURLJS = `
(function() {
	URL.createObjectURL = function(blob) {
		if (!(blob instanceof Blob)) throw new TypeError('URL.createObjectURL requires a Blob');
		return __blobPut(__bytesToB64(blob._bytes), blob.type);
	};
	URL.revokeObjectURL = function(url) {
		__blobRevoke(String(url));
	};
})();
`

// SetupBlobURLs adds URL.createObjectURL and URL.revokeObjectURL backed by
// store. origin is the worker's location origin, if any.
func SetupBlobURLs(store *BlobStore, origin string) Setup {
	return func(rt engine.Runtime, _ *eventloop.EventLoop) error {
		if err := rt.RegisterFunc("__blobPut", func(b64, typ string) (string, error) {
			data, err := base64.StdEncoding.DecodeString(b64)
			if err != nil {
				return "", err
			}
			return store.Put(origin, BlobEntry{Data: data, Type: typ}), nil
		}); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__blobRevoke", func(u string) {
			store.Revoke(u)
		}); err != nil {
			return err
		}
		if err := rt.Eval(blobURLJS); err != nil {
			return fmt.Errorf("evaluating blob.js: %w", err)
		}
		return nil
	}
}
