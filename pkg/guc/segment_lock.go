package guc

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// SegmentRwLock stripes keys over a fixed set of RWMutex so unrelated keys
// rarely contend.
type SegmentRwLock[K comparable] struct {
	locks  []sync.RWMutex
	hashFn func(K) uint64
}

func NewSegmentRwLock[K comparable](strip int, hashFn func(K) uint64) *SegmentRwLock[K] {
	if strip <= 0 {
		strip = 32
	}

	if hashFn == nil {
		hashFn = defaultHash[K]
	}

	return &SegmentRwLock[K]{
		locks:  make([]sync.RWMutex, strip),
		hashFn: hashFn,
	}
}

func (sl *SegmentRwLock[K]) segment(key K) *sync.RWMutex {
	return &sl.locks[sl.hashFn(key)%uint64(len(sl.locks))]
}

// WithLock runs fn under the key's write lock.
func (sl *SegmentRwLock[K]) WithLock(key K, fn func() (any, error)) (any, error) {
	lock := sl.segment(key)
	lock.Lock()
	defer lock.Unlock()

	return fn()
}

func (sl *SegmentRwLock[K]) WithRLock(key K, fn func() (any, error)) (any, error) {
	lock := sl.segment(key)
	lock.RLock()
	defer lock.RUnlock()

	return fn()
}

// WithLockManual hands the segment to fn, which decides how to lock it
// (read-check then write-check, double checked init, ...).
func (sl *SegmentRwLock[K]) WithLockManual(key K, fn func(lock *sync.RWMutex) (any, error)) (any, error) {
	return fn(sl.segment(key))
}

func (sl *SegmentRwLock[K]) SafeCall(key K, fn func()) {
	lock := sl.segment(key)
	lock.Lock()
	defer lock.Unlock()

	fn()
}

func defaultHash[K comparable](key K) uint64 {
	switch k := any(key).(type) {
	case string:
		return xxhash.Sum64String(k)
	case int64:
		return uint64(k)
	case int:
		return uint64(k)
	case uint64:
		return k
	}

	return xxhash.Sum64String(fmt.Sprint(key))
}
