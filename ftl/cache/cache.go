// Package cache implements the per-bank write-buffer cache: an LRU
// array of full-page staging buffers that coalesces repeated writes to
// the same page and defers the physical program until eviction
// (spec.md §4.2). Grounded on the original firmware's cache.c, with
// the LRU itself built on container/list and the lpn lookup built on
// a hash index the way the teacher's buffer_pool/buffer_lru.go keys
// its (spaceId,pageNo) lookup through util.HashCode.
package cache

import (
	"container/list"
	"context"

	"github.com/juju/errors"

	"github.com/yschang/nandftl/ftl/blockmgr"
	"github.com/yschang/nandftl/ftl/config"
	"github.com/yschang/nandftl/ftl/device"
	"github.com/yschang/nandftl/ftl/pagemap"
	"github.com/yschang/nandftl/ftl/walog"
	"github.com/yschang/nandftl/util"
)

const unmappedLPN uint32 = 0xFFFFFFFF

// hashKey reproduces buffer_lru.go's composite-key pattern: the
// (bank,lpn) pair is packed into bytes and run through util.HashCode
// rather than compared field-by-field, so a cache with many more
// buffers than NumCacheBuffersPerBank would still look up in O(1).
func hashKey(bank int, lpn uint32) uint64 {
	buf := append(util.ConvertUInt4Bytes(uint32(bank)), util.ConvertUInt4Bytes(lpn)...)
	return util.HashCode(buf)
}

type entry struct {
	lpn    uint32
	dirty  bool
	pgSpan uint16
	epoch  uint32
	data   []byte
}

type bankCache struct {
	ents []entry
	// lru orders buffer indices, MRU at Front(); elems lets Enqueue
	// relocate an existing entry's position in O(1) instead of the
	// original firmware's O(n) array shift.
	lru   *list.List
	elems []*list.Element

	// index maps hashKey(bank,lpn) to the buffer currently holding
	// that lpn, so ExistInCache no longer scans every entry
	// (exist_in_cache's original O(n) walk).
	index map[uint64]int

	nDirty            int
	incompleteBuf     int // -1 sentinel: no program currently in flight
	stall             bool
}

// Cache is the process-wide write-buffer cache across all banks.
type Cache struct {
	cfg  config.Cfg
	dev  device.Device
	bm   *blockmgr.Manager
	pm   *pagemap.Map
	wlog *walog.Log

	banks    []bankCache
	poolBank int
}

var ErrNoDirtyEntry = errors.New("cache: no dirty entry to dequeue")

// NumCacheBuffersPerBank mirrors the original firmware's fixed cache
// depth; kept as a package constant rather than a config knob since
// spec.md ties it to the write-buffer pool, not device geometry.
const NumCacheBuffersPerBank = 32

// New builds an empty cache over every bank (init_cache).
func New(cfg config.Cfg, dev device.Device, bm *blockmgr.Manager, pm *pagemap.Map, wlog *walog.Log) *Cache {
	c := &Cache{cfg: cfg, dev: dev, bm: bm, pm: pm, wlog: wlog, banks: make([]bankCache, cfg.Geometry.Banks)}
	for b := range c.banks {
		bc := &c.banks[b]
		bc.ents = make([]entry, NumCacheBuffersPerBank)
		bc.lru = list.New()
		bc.elems = make([]*list.Element, NumCacheBuffersPerBank)
		bc.index = make(map[uint64]int, NumCacheBuffersPerBank)
		bc.incompleteBuf = -1
		for i := range bc.ents {
			bc.ents[i].lpn = unmappedLPN
			bc.elems[i] = bc.lru.PushBack(i)
		}
	}
	return c
}

// ExistInCache returns the buffer index holding lpn in bank, or
// (-1, false) if absent (exist_in_cache). The lpn field is re-checked
// after the hash lookup to resolve the rare collision the same way
// buffer_lru.go's map[uint64]*list.Element lookups tolerate it.
func (c *Cache) ExistInCache(bank int, lpn uint32) (int, bool) {
	bc := &c.banks[bank]
	idx, ok := bc.index[hashKey(bank, lpn)]
	if !ok || bc.ents[idx].lpn != lpn {
		return -1, false
	}
	return idx, true
}

// Read returns the cached buffer for (bank,buf) if dirty, for read-hit
// short-circuiting ahead of a flash read.
func (c *Cache) Read(bank, buf int) (data []byte, ok bool) {
	e := c.banks[bank].ents[buf]
	if !e.dirty {
		return nil, false
	}
	return e.data, true
}

// Enqueue stages hostData's written sectors into buffer buf, coalescing
// with whatever was already staged there outside [holeLeft,holeRight)
// (enqueue). complete indicates the caller has supplied the entire
// page; otherwise the buffer is flagged incomplete until a later
// Enqueue or a read-modify fill completes it.
func (c *Cache) Enqueue(bank, lpn, buf int, holeLeft, holeRight int, complete bool, hostData []byte, pgSpan uint16, epoch uint32) {
	bc := &c.banks[bank]
	e := &bc.ents[buf]

	if e.data == nil {
		e.data = make([]byte, c.cfg.Geometry.BytesPerPage())
	}
	bps := c.cfg.Geometry.BytesPerSector
	start := holeLeft * bps
	end := len(e.data) - holeRight*bps
	copy(e.data[start:end], hostData[start:end])

	if e.lpn != unmappedLPN && e.lpn != uint32(lpn) {
		delete(bc.index, hashKey(bank, e.lpn))
	}
	bc.index[hashKey(bank, uint32(lpn))] = buf

	e.lpn = uint32(lpn)
	e.pgSpan = pgSpan
	e.epoch = epoch
	if !e.dirty {
		bc.nDirty++
	}
	e.dirty = true
	if !complete {
		bc.incompleteBuf = buf
	}

	bc.lru.MoveToFront(bc.elems[buf])
}

// Dequeue evicts the LRU-ordered dirty buffer in bank to flash: it
// allocates a fresh active ppn (always in the cold region, per
// spec.md's resolved Open Question on region selection), updates the
// L2P map and vcounts, appends a mapent to the checkpoint log, and
// issues the page program (dequeue). ok is false if nothing was dirty.
func (c *Cache) Dequeue(ctx context.Context, bank int) (evictedLPN uint32, ok bool, err error) {
	bc := &c.banks[bank]
	bc.incompleteBuf = -1

	idx := -1
	for e := bc.lru.Back(); e != nil; e = e.Prev() {
		i := e.Value.(int)
		if bc.ents[i].dirty {
			idx = i
			break
		}
	}
	if idx == -1 {
		return 0, false, nil
	}

	lpn := bc.ents[idx].lpn
	oldPPN := c.pm.GetPPN(lpn)
	const region = 1 // dequeue always targets the cold region (spec.md Open Question, resolved)
	if oldPPN != pagemap.UnmappedPPN {
		ppb := uint32(c.cfg.Geometry.PagesPerBlock)
		oldBlk := oldPPN / ppb
		c.bm.DecVCount(bank, oldBlk)
	}

	newPPN, err := c.pm.AllocateActivePPN(ctx, bank, region)
	if err != nil {
		return 0, false, errors.Annotatef(err, "cache: dequeue bank %d", bank)
	}
	ppb := uint32(c.cfg.Geometry.PagesPerBlock)
	blk, page := newPPN/ppb, int(newPPN%ppb)

	c.pm.SetLPN(bank, region, page, lpn)
	c.pm.SetPPN(lpn, newPPN)
	c.bm.IncVCount(bank, blk)
	c.wlog.InsertMapEnt(lpn, newPPN)

	bc.incompleteBuf = idx
	bc.ents[idx].dirty = false
	bc.nDirty--

	tag := device.SpareTag{Present: true, LPN: lpn, PgSpan: bc.ents[idx].pgSpan, Epoch: bc.ents[idx].epoch}
	if err := c.dev.ProgramPage(ctx, bank, int(blk), page, bc.ents[idx].data, tag); err != nil {
		return 0, false, errors.Annotatef(err, "cache: dequeue program bank %d", bank)
	}

	return lpn, true, nil
}

// GetCleanBuf returns a non-dirty buffer index in bank, forcing
// dequeues (or opportunistic async erases) of other banks in round
// robin until one frees up (get_clean_cache_buf, via PoolWriteBuf).
func (c *Cache) GetCleanBuf(ctx context.Context, bank int) (int, error) {
	bc := &c.banks[bank]
	idx := 0
	for bc.ents[idx].dirty {
		if err := c.PoolWriteBuf(ctx); err != nil {
			return 0, errors.Trace(err)
		}
		idx = (idx + 1) % len(bc.ents)
	}
	for e := bc.lru.Back(); e != nil; e = e.Prev() {
		i := e.Value.(int)
		if !bc.ents[i].dirty {
			idx = i
			break
		}
	}
	return idx, nil
}

// PoolWriteBuf advances the round-robin pool cursor by one bank,
// opportunistically either dequeuing that bank's LRU dirty entry (if
// more than half its buffers are dirty) or erasing its pending GC
// victim (pool_write_buf).
func (c *Cache) PoolWriteBuf(ctx context.Context) error {
	bank := c.poolBank
	bc := &c.banks[bank]
	c.poolBank = (c.poolBank + 1) % len(c.banks)

	if bc.nDirty > len(bc.ents)/2 {
		_, _, err := c.Dequeue(ctx, bank)
		return errors.Trace(err)
	}
	if blk, ok := c.bm.PendingErase(bank); ok {
		if err := c.dev.EraseBlock(ctx, bank, int(blk)); err != nil {
			return errors.Annotatef(err, "cache: async victim erase bank %d", bank)
		}
	}
	return nil
}

// FlushWriteBuf drains every bank's dirty entries to quiescence
// (flush_write_buf).
func (c *Cache) FlushWriteBuf(ctx context.Context) error {
	for {
		done := true
		for bank := range c.banks {
			_, ok, err := c.Dequeue(ctx, bank)
			if err != nil {
				return errors.Trace(err)
			}
			if ok {
				done = false
			}
		}
		if done {
			return nil
		}
	}
}

// TotalDirtyBufs reports the aggregate dirty buffer count across all
// banks (cache_get_total_dirty_bufs).
func (c *Cache) TotalDirtyBufs() int {
	n := 0
	for i := range c.banks {
		n += c.banks[i].nDirty
	}
	return n
}

// EntryEpoch returns the epoch a cached buffer was last written at,
// used by the dispatcher's RAW-hazard detection.
func (c *Cache) EntryEpoch(bank, buf int) uint32 { return c.banks[bank].ents[buf].epoch }

// EntryPgSpan returns the pg_span a cached buffer was written with.
func (c *Cache) EntryPgSpan(bank, buf int) uint16 { return c.banks[bank].ents[buf].pgSpan }

// IsDirty reports whether a cache buffer currently holds unflushed data.
func (c *Cache) IsDirty(bank, buf int) bool { return c.banks[bank].ents[buf].dirty }
