package cache

import (
	"container/list"
	"sync"
	"time"
)

type LRUOpts struct {
	Size int
}

type lruEntry struct {
	key       string
	val       any
	expiresAt time.Time // zero = no expiry
}

// LRU is a fixed-size least-recently-used cache with optional per-entry TTL.
type LRU struct {
	mu    sync.Mutex
	size  int
	order *list.List // front = most recently used
	items map[string]*list.Element
}

func NewLRU(opts LRUOpts) *LRU {
	if opts.Size <= 0 {
		opts.Size = 128
	}
	return &LRU{
		size:  opts.Size,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

func (l *LRU) Get(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*lruEntry)
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		l.removeLocked(el)
		return nil, false
	}
	l.order.MoveToFront(el)
	return e.val, true
}

func (l *LRU) Put(key string, val any, opts ...PutOption) {
	options := PutOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	var expiresAt time.Time
	if options.TTL > 0 {
		expiresAt = time.Now().Add(options.TTL)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.items[key]; ok {
		e := el.Value.(*lruEntry)
		e.val = val
		e.expiresAt = expiresAt
		l.order.MoveToFront(el)
		return
	}

	el := l.order.PushFront(&lruEntry{key: key, val: val, expiresAt: expiresAt})
	l.items[key] = el

	if l.order.Len() > l.size {
		l.removeLocked(l.order.Back())
	}
}

func (l *LRU) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.items[key]; ok {
		l.removeLocked(el)
	}
}

func (l *LRU) removeLocked(el *list.Element) {
	e := el.Value.(*lruEntry)
	l.order.Remove(el)
	delete(l.items, e.key)
}

var _ Cache = (*LRU)(nil)
