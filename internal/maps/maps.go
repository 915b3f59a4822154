package maps

import "fmt"

// Implementation names accepted by New.
const (
	ImplXSync   = "xsync"
	ImplCornelk = "cornelk"
)

// Integer is a constraint that permits any integer type.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// ConcurrentMap is a thread-safe map with integer keys. The kernel uses it as
// the id index of its thread registry, where lookups may come from outside the
// simulated CPU.
type ConcurrentMap[K Integer, V any] interface {
	Load(key K) (V, bool)
	Store(key K, value V)
	Delete(key K)
	Len() int
}

// New returns the ConcurrentMap implementation registered under impl.
// An empty impl selects xsync.
func New[K Integer, V any](impl string) (ConcurrentMap[K, V], error) {
	switch impl {
	case "", ImplXSync:
		return NewXSyncMap[K, V](), nil
	case ImplCornelk:
		return NewCornelkMap[K, V](), nil
	default:
		return nil, fmt.Errorf("unknown map implementation %q", impl)
	}
}

// Valid reports whether impl names a known implementation.
func Valid(impl string) bool {
	switch impl {
	case "", ImplXSync, ImplCornelk:
		return true
	}
	return false
}
