// Package fs implements the block cache and write-ahead metadata journal,
// adapted from biscuit's fs.Bdev_block_t/Disk_i shapes. biscuit's cache
// keys blocks by a bare int sector number inside a bespoke object-cache
// (Objref_t); gokern keys by (device, sector) through the generic
// hashtable package built for this purpose, and folds pin/dirty/eviction
// bookkeeping directly into Block rather than a separate
// reference-counted wrapper.
package fs

import (
	"sync"
	"sync/atomic"

	"gokern/defs"
	"gokern/hashtable"
	"gokern/ksync"
)

// BSIZE is the size of a disk block in bytes.
const BSIZE = 4096

// Device identifies one block device backing the cache.
type Device int

// Key is the block cache's lookup key: one (device, sector) pair.
type Key struct {
	Dev    Device
	Sector int
}

func keyHash(k Key) uint32 {
	return uint32(k.Dev)*2654435761 + uint32(k.Sector)
}

// Cmd enumerates disk request types, mirroring biscuit's Bdevcmd_t.
type Cmd int

const (
	CmdRead Cmd = iota
	CmdWrite
	CmdFlush
)

// Request is a single disk I/O request, grounded in biscuit's
// Bdev_req_t/MkRequest: a command, the block(s) involved, and a channel
// the disk closes (or sends on) when the request completes.
type Request struct {
	Cmd  Cmd
	Key  Key
	Data []byte
	Ack  chan struct{}
}

// Disk is the block device contract; the drivers behind it live outside
// this module. Start returns false if the
// disk rejected the request outright (e.g. device full); otherwise the
// caller waits on req.Ack.
type Disk interface {
	Start(req *Request) bool
	Stats() string
}

// Block is one cached, pinned buffer: fixed size, reference count, dirty
// flag.
type Block struct {
	sync.Mutex
	Key   Key
	Data  []byte
	Dirty bool

	refs  int32
	cache *Cache
}

// Pin increments the block's reference count.
func (b *Block) Pin() { atomic.AddInt32(&b.refs, 1) }

// Release unpins the block; the block stays cached (see Cache.Release).
func (b *Block) Release() {
	b.cache.Release(b)
}

// MarkDirty flags the block for write-back at the next Sync.
func (b *Block) MarkDirty() {
	b.Lock()
	b.Dirty = true
	b.Unlock()
}

// Cache is the block cache. One spinlock guards the cache's own
// bookkeeping; each Block's own mutex guards its data/dirty flag during
// I/O, matching biscuit's per-block sync.Mutex.
type Cache struct {
	lock    ksync.Spinlock_t
	table   *hashtable.Table[Key, *Block]
	disk    Disk
	loading map[Key]chan struct{} // at-most-one-in-flight-read per block
}

// NewCache constructs an empty block cache of the given bucket count
// backed by disk.
func NewCache(disk Disk, buckets int) *Cache {
	return &Cache{
		table:   hashtable.New[Key, *Block](buckets, keyHash),
		disk:    disk,
		loading: make(map[Key]chan struct{}),
	}
}

// Get pins the block for (dev, sector),
// reading it from disk on a cache miss. The cache guarantees at most one
// in-flight read per block -- a second caller racing a miss on the same
// key waits on the first caller's read instead of issuing its own.
func (c *Cache) Get(dev Device, sector int) (*Block, defs.Err_t) {
	key := Key{Dev: dev, Sector: sector}

	for {
		if b, ok := c.table.Get(key); ok {
			b.Pin()
			return b, 0
		}

		c.lock.Lock()
		if ch, inflight := c.loading[key]; inflight {
			c.lock.Unlock()
			<-ch
			continue
		}
		ch := make(chan struct{})
		c.loading[key] = ch
		c.lock.Unlock()

		b := &Block{Key: key, Data: make([]byte, BSIZE), cache: c, refs: 1}
		req := &Request{Cmd: CmdRead, Key: key, Data: b.Data, Ack: make(chan struct{})}
		if c.disk.Start(req) {
			<-req.Ack
		}

		c.lock.Lock()
		c.table.Set(key, b)
		delete(c.loading, key)
		c.lock.Unlock()
		close(ch)
		return b, 0
	}
}

// Release unpins b; a block with no remaining pins stays cached -- only
// pinned blocks are protected from eviction, and this cache never
// shrinks its table, so nothing is evicted outright.
func (c *Cache) Release(b *Block) {
	atomic.AddInt32(&b.refs, -1)
}

// Sync writes every dirty block back to disk and clears its dirty flag.
func (c *Cache) Sync() {
	for _, p := range c.table.Elems() {
		b := p.Value
		b.Lock()
		if !b.Dirty {
			b.Unlock()
			continue
		}
		req := &Request{Cmd: CmdWrite, Key: b.Key, Data: b.Data, Ack: make(chan struct{})}
		if c.disk.Start(req) {
			<-req.Ack
		}
		b.Dirty = false
		b.Unlock()
	}
}
