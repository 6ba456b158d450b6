package handlemap

import (
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// node is one entry of a shard's chained hash table. remote is never
// modified after the node is linked; replacing a value links a new node.
type node struct {
	local   LocalHandle
	remote  RemoteHandle
	corrupt bool

	// stray is the shard whose database holds this entry's key when it was
	// found outside its own shard. Only set on corrupt nodes.
	stray *shard

	// Unix nanoseconds; accessed is bumped by readers, flushed records what
	// the database holds.
	accessed atomic.Int64
	flushed  atomic.Int64

	next *node
}

func handleHash(h LocalHandle) uint64 {
	return xxhash.Sum64(h[:])
}

func shardIndex(h LocalHandle, shards int) int {
	return int(handleHash(h) % uint64(shards))
}

// table is a separate-chaining hash table with a fixed bucket count.
// Callers hold the owning shard's lock.
type table struct {
	buckets []*node
	n       int
}

func newTable(size int) *table {
	return &table{buckets: make([]*node, size)}
}

func (t *table) bucket(h LocalHandle) int {
	v := handleHash(h)
	return int((v >> 32 ^ v) % uint64(len(t.buckets)))
}

func (t *table) get(h LocalHandle) *node {
	for n := t.buckets[t.bucket(h)]; n != nil; n = n.next {
		if n.local == h {
			return n
		}
	}
	return nil
}

// put links nd, replacing any node with the same local handle.
func (t *table) put(nd *node) {
	b := t.bucket(nd.local)
	for pp := &t.buckets[b]; *pp != nil; pp = &(*pp).next {
		if (*pp).local == nd.local {
			nd.next = (*pp).next
			*pp = nd
			return
		}
	}
	nd.next = t.buckets[b]
	t.buckets[b] = nd
	t.n++
}

func (t *table) remove(h LocalHandle) bool {
	for pp := &t.buckets[t.bucket(h)]; *pp != nil; pp = &(*pp).next {
		if (*pp).local == h {
			*pp = (*pp).next
			t.n--
			return true
		}
	}
	return false
}

func (t *table) len() int { return t.n }

// each visits every node until fn returns false.
func (t *table) each(fn func(*node) bool) {
	for _, head := range t.buckets {
		for n := head; n != nil; n = n.next {
			if !fn(n) {
				return
			}
		}
	}
}
