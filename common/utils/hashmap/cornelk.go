package hashmap

import (
	"github.com/zhangjyr/hashmap"
)

// CornelkMap is a HashMap backed by the lock-free cornelk hashmap.
//
// Keys must be hashable by the backing map (strings and integer types).
type CornelkMap[K any, V any] struct {
	hashmap *hashmap.HashMap
}

// NewCornelkMap creates a new CornelkMap with the given initial size hint.
func NewCornelkMap[K any, V any](size int) *CornelkMap[K, V] {
	return &CornelkMap[K, V]{
		hashmap: hashmap.New(uintptr(size)),
	}
}

func (m *CornelkMap[K, V]) Delete(key K) {
	m.hashmap.Del(key)
}

func (m *CornelkMap[K, V]) Load(key K) (ret V, ok bool) {
	v, ok := m.hashmap.Get(key)
	if !ok {
		return ret, false
	}
	return v.(V), true
}

func (m *CornelkMap[K, V]) LoadAndDelete(key K) (ret V, exists bool) {
	v, exists := m.hashmap.Get(key)
	if !exists {
		return ret, false
	}
	m.hashmap.Del(key)
	return v.(V), true
}

func (m *CornelkMap[K, V]) LoadOrStore(key K, value V) (ret V, loaded bool) {
	actual, loaded := m.hashmap.GetOrInsert(key, value)
	if actual != nil {
		ret = actual.(V)
	}
	return ret, loaded
}

func (m *CornelkMap[K, V]) Range(cb func(K, V) bool) {
	contd := true
	for item := range m.hashmap.Iter() {
		if contd {
			contd = cb(item.Key.(K), item.Value.(V))
		}
		// keep iterating regardless to drain the iterator channel
	}
}

func (m *CornelkMap[K, V]) Store(key K, val V) {
	m.hashmap.Set(key, val)
}

func (m *CornelkMap[K, V]) Len() int {
	return m.hashmap.Len()
}
