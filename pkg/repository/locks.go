package repository

import (
	"hash/fnv"
	"slices"
	"sync"
)

const defaultStripes = 64

// stripedLock serializes work per string key using a fixed number of mutexes.
// Different keys may share a stripe which only costs concurrency.
type stripedLock struct {
	stripes []sync.Mutex
}

func newStripedLock(stripes int) *stripedLock {
	if stripes <= 0 {
		stripes = defaultStripes
	}
	return &stripedLock{stripes: make([]sync.Mutex, stripes)}
}

func (l *stripedLock) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(l.stripes)))
}

// Lock locks the stripe of key and returns the function that unlocks it.
func (l *stripedLock) Lock(key string) func() {
	m := &l.stripes[l.index(key)]
	m.Lock()
	return m.Unlock
}

// LockAll locks the stripes of all keys in ascending stripe order so two callers with overlapping keys can not deadlock.
func (l *stripedLock) LockAll(keys []string) func() {
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		idx = append(idx, l.index(k))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)
	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for i := len(idx) - 1; i >= 0; i-- {
			l.stripes[idx[i]].Unlock()
		}
	}
}
