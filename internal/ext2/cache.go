package ext2

import "sync"

// cachedInode is a cache entry: the parsed on-disk inode plus the same
// open-handle refcount discipline as the TCP stack's TCB table.
type cachedInode struct {
	num   uint32
	inode *InodeOnDisk
	refs  uint32
	dirty bool
}

// Cache is a reference-counted, inode-number-keyed cache over a Volume.
// Get loads from disk on a miss and bumps refs on a hit; Handle.Release decrements and
// evicts at zero — exactly the table/socket-facade split the TCB table
// uses, adapted to a single-owner-per-Get model (ext2 has no four-tuple
// equivalent, so the resource key is just the inode number).
type Cache struct {
	mu     sync.Mutex
	vol    *Volume
	byNum  map[uint32]*cachedInode
}

// NewCache wraps vol with a refcounted inode cache.
func NewCache(vol *Volume) *Cache {
	return &Cache{vol: vol, byNum: make(map[uint32]*cachedInode)}
}

// Handle is the caller-facing reference returned by Get; Release must be
// called exactly once per Handle to drop the cache's hold on the inode.
type Handle struct {
	c     *Cache
	entry *cachedInode
}

// Inode returns the cached on-disk inode data. Valid only between Get and
// Release.
func (h *Handle) Inode() *InodeOnDisk { return h.entry.inode }

// Get loads inode number ino, either from the cache (bumping its refcount)
// or from disk on a miss (inserting it with refcount 1).
func (c *Cache) Get(ino uint32) (*Handle, error) {
	c.mu.Lock()
	if e, ok := c.byNum[ino]; ok {
		e.refs++
		c.mu.Unlock()
		return &Handle{c: c, entry: e}, nil
	}
	c.mu.Unlock()

	in, err := c.vol.ReadInode(ino)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byNum[ino]; ok {
		// Lost a race with a concurrent Get for the same inode; use the
		// entry that won rather than install a second one for the same key.
		e.refs++
		return &Handle{c: c, entry: e}, nil
	}
	e := &cachedInode{num: ino, inode: in, refs: 1}
	c.byNum[ino] = e
	return &Handle{c: c, entry: e}, nil
}

// Release drops h's reference, evicting the entry from the cache once no
// handle references it.
func (h *Handle) Release() {
	c := h.c
	c.mu.Lock()
	defer c.mu.Unlock()
	h.entry.refs--
	if h.entry.refs == 0 {
		delete(c.byNum, h.entry.num)
	}
}

// Len reports the number of distinct inodes currently cached, for tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byNum)
}
