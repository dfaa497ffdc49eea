package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmdall/fileswap/internal/errs"
)

// MemoryBlobStore keeps objects in memory. Presigned URLs point at a fake host
// and carry the key, so tests can resolve them back with ObjectForURL.
type MemoryBlobStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	BaseURL string
}

type memoryObject struct {
	data        []byte
	contentType string
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{objects: make(map[string]memoryObject), BaseURL: "http://blobs.local"}
}

func (m *MemoryBlobStore) CheckConnection(context.Context) error { return nil }

func (m *MemoryBlobStore) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = memoryObject{data: data, contentType: contentType}
	m.mu.Unlock()
	return nil
}

func (m *MemoryBlobStore) Get(_ context.Context, key string, maxBytes int64) ([]byte, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, errs.ErrNotFound)
	}
	if maxBytes > 0 && int64(len(obj.data)) > maxBytes {
		return nil, fmt.Errorf("get %s: %w", key, errs.ErrTooLarge)
	}
	return bytes.Clone(obj.data), nil
}

func (m *MemoryBlobStore) PresignPut(_ context.Context, key string, ttl time.Duration) (string, error) {
	return m.presign("PUT", key, ttl, ""), nil
}

func (m *MemoryBlobStore) PresignGet(_ context.Context, key string, ttl time.Duration, downloadName string) (string, error) {
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("presign get %s: %w", key, errs.ErrNotFound)
	}
	disposition := ""
	if downloadName != "" {
		disposition = ContentDisposition(downloadName)
	}
	return m.presign("GET", key, ttl, disposition), nil
}

func (m *MemoryBlobStore) presign(method, key string, ttl time.Duration, disposition string) string {
	q := url.Values{}
	q.Set("method", method)
	q.Set("expires", ttl.String())
	if disposition != "" {
		q.Set("response-content-disposition", disposition)
	}
	return m.BaseURL + "/" + url.PathEscape(key) + "?" + q.Encode()
}

func (m *MemoryBlobStore) DeleteObjectsByPrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			delete(m.objects, k)
			n++
		}
	}
	return n, nil
}

// Keys lists stored keys in order.
func (m *MemoryBlobStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ObjectForURL resolves a URL minted by this store back to the object bytes.
func (m *MemoryBlobStore) ObjectForURL(raw string) ([]byte, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	key, err := url.PathUnescape(strings.TrimPrefix(u.EscapedPath(), "/"))
	if err != nil {
		return nil, err
	}
	return m.Get(context.Background(), key, 0)
}
