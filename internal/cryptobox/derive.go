package cryptobox

import (
	"container/list"
	"crypto/sha256"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100000
	derivedKeyLength = 32
	keyCacheSize     = 10
)

// keyCache is an in-process LRU over derived keys, read-mostly. Its lock
// guards only lookups and inserts: deriveKey runs PBKDF2 outside the lock,
// so concurrent misses for the same version each derive the (identical) key
// and the last insert is the one kept.
type keyCache struct {
	mu    sync.Mutex
	order *list.List
	index map[string]*list.Element
}

type cacheEntry struct {
	versionID string
	key       []byte
}

func newKeyCache() *keyCache {
	return &keyCache{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

func (c *keyCache) get(versionID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[versionID]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).key, true
}

func (c *keyCache) put(versionID string, key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[versionID]; ok {
		c.order.MoveToFront(el)
		el.Value.(*cacheEntry).key = key
		return
	}
	el := c.order.PushFront(&cacheEntry{versionID: versionID, key: key})
	c.index[versionID] = el

	for c.order.Len() > keyCacheSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(*cacheEntry).versionID)
	}
}

// deriveKey returns the 32-byte key for versionID, deriving and caching it
// if absent: PBKDF2-HMAC-SHA256(masterKey, salt=SHA256(versionID||masterKey),
// 100000 iterations, 32 bytes), per spec.md §3/§4.5.
func (m *Manager) deriveKey(versionID string) []byte {
	if key, ok := m.cache.get(versionID); ok {
		return key
	}

	h := sha256.New()
	h.Write([]byte(versionID))
	h.Write(m.masterKey)
	salt := h.Sum(nil)

	key := pbkdf2.Key(m.masterKey, salt, pbkdf2Iterations, derivedKeyLength, sha256.New)
	m.cache.put(versionID, key)
	return key
}
