package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/yihaochen/urban-growth/internal/domain"
)

type object struct {
	data        []byte
	contentType string
}

// ObjectStore is a map-backed domain.ObjectStore.
type ObjectStore struct {
	mu      sync.RWMutex
	objects map[string]object
}

// NewObjectStore creates an empty ObjectStore.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{objects: make(map[string]object)}
}

func (o *ObjectStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	buf := make([]byte, len(data))
	copy(buf, data)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[key] = object{data: buf, contentType: contentType}
	return nil
}

func (o *ObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	obj, ok := o.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, domain.ErrNotFound)
	}
	buf := make([]byte, len(obj.data))
	copy(buf, obj.data)
	return buf, nil
}

// ContentType returns the content type an object was stored with.
func (o *ObjectStore) ContentType(key string) string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.objects[key].contentType
}

// Len returns the number of stored objects.
func (o *ObjectStore) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.objects)
}
