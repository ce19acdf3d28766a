// Package blockmgr owns the per-bank, per-region block pools: the
// three-cursor ring that partitions each region's blocks into
// GC-eligible-used / GC-ineligible-used / free (spec.md §3, §4.1), the
// per-block valid-page counters, and victim selection for GC. It is
// grounded directly on the original firmware's blkmgr.c.
package blockmgr

import (
	"github.com/juju/errors"

	"github.com/yschang/nandftl/ftl/config"
)

// Ring is a circular index set over a contiguous slice of a bank's
// block-id table. [tail,rsv) holds used, GC-eligible blocks; [rsv,head)
// holds used blocks the dispatcher's current reservation barrier has
// made GC-ineligible; [head,tail) is free (spec.md §3). Offset/Size
// locate the ring's window into the bank's flat block-id table.
type Ring struct {
	Offset int
	Size   int
	Tail   int
	Rsv    int
	Head   int
	Free   int
}

func (r Ring) next(i int) int { return (i + 1) % r.Size }

// bankState is one bank's block-management state: the flat id table
// (physical block numbers in ring order) plus the region rings,
// per-block vcounts, log-block cursor, and shadow-map block pair.
type bankState struct {
	ids    []uint32 // ids[region.Offset+i] is the block-id at ring position i
	vcount []uint16 // indexed by absolute block id

	regions [config.NumRegions]Ring

	blkLog, blkLogFirst, blkLogLast uint32

	blksMap [2]uint32 // shadow map block pair, toggled by pagemap

	vtBlk     uint32 // previous GC victim, pending erase
	vtBlkSet  bool
	freeBlkCnt uint32
}

// Manager is the process-wide block manager across all banks.
type Manager struct {
	cfg config.Cfg

	banks []bankState

	mapBlkIdx uint8
	logBlkCnt uint32
	firstGC   bool
}

var (
	ErrOutOfLogBlocks = errors.New("blockmgr: bank has no log blocks left")
	ErrRegionFull     = errors.New("blockmgr: region has no free blocks")
)

// New builds a Manager with every bank's blocks freshly partitioned:
// block 0 reserved (bad-block bitmap equivalent), block 1 reserved
// (misc), two shadow map blocks, cfg.NumLogBlksPerBank log blocks, then
// the remainder split between the hot region (config.HotRegionBlocks)
// and the cold region (init_blk_list in blkmgr.c).
func New(cfg config.Cfg) *Manager {
	m := &Manager{cfg: cfg, banks: make([]bankState, cfg.Geometry.Banks), firstGC: true}
	for b := range m.banks {
		m.initBank(b)
	}
	m.logBlkCnt = uint32(cfg.NumLogBlksPerBank * cfg.Geometry.Banks)
	return m
}

func (m *Manager) initBank(bank int) {
	vblks := m.cfg.Geometry.BlocksPerBank
	bs := &m.banks[bank]
	bs.vcount = make([]uint16, vblks)
	bs.ids = make([]uint32, 0, vblks)

	bs.vcount[0] = config.VCMax // bad-block bitmap placeholder
	bs.vcount[1] = config.VCMax // misc block
	blk := 2

	bs.blksMap[0] = uint32(blk)
	blk++
	bs.blksMap[1] = uint32(blk)
	blk++

	for i := 0; i < m.cfg.NumLogBlksPerBank; i++ {
		if i == 0 {
			bs.blkLog = uint32(blk)
			bs.blkLogFirst = uint32(blk)
		}
		if i == m.cfg.NumLogBlksPerBank-1 {
			bs.blkLogLast = uint32(blk)
		}
		blk++
	}

	for ; blk < vblks; blk++ {
		bs.ids = append(bs.ids, uint32(blk))
	}

	hot := config.HotRegionBlocks
	if hot > len(bs.ids) {
		hot = len(bs.ids)
	}
	bs.regions[0] = Ring{Offset: 0, Size: hot, Free: hot}
	bs.regions[1] = Ring{Offset: hot, Size: len(bs.ids) - hot, Free: len(bs.ids) - hot}
	bs.freeBlkCnt = uint32(len(bs.ids))
}

func (m *Manager) region(bank, region int) *Ring { return &m.banks[bank].regions[region] }

func (m *Manager) blkID(bank, region, idx int) uint32 {
	r := m.banks[bank].regions[region]
	return m.banks[bank].ids[r.Offset+idx]
}

func (m *Manager) setBlkID(bank, region, idx int, blk uint32) {
	r := m.banks[bank].regions[region]
	m.banks[bank].ids[r.Offset+idx] = blk
}

// AllocateActive returns the next free block for (bank,region) and
// advances its head cursor (get_and_inc_active_blk).
func (m *Manager) AllocateActive(bank, region int) (uint32, error) {
	r := m.region(bank, region)
	if r.Free == 0 {
		return 0, ErrRegionFull
	}
	r.Free--
	m.banks[bank].freeBlkCnt--
	blk := m.blkID(bank, region, r.Head)
	r.Head = r.next(r.Head)
	return blk, nil
}

// GetLogBlk returns the bank's current log-append block and advances
// past it to the next non-bad block (get_log_blk). Bad-block skipping
// is a no-op here: bad-block discovery is out of this core's scope, so
// every block is assumed good.
func (m *Manager) GetLogBlk(bank int) (uint32, error) {
	bs := &m.banks[bank]
	blk := bs.blkLog
	if blk > bs.blkLogLast {
		return 0, ErrOutOfLogBlocks
	}
	m.logBlkCnt--
	bs.blkLog++
	return blk, nil
}

// RevertLogBlk rewinds the bank's log cursor to its first log block;
// pagemap.RevertLogPPN calls it when the log is reclaimed or rescanned
// from its start during recovery.
func (m *Manager) RevertLogBlk(bank int) {
	m.banks[bank].blkLog = m.banks[bank].blkLogFirst
}

// GetRsvBlk returns the block currently at the region's reservation
// cursor — blocks in [tail,rsv) are GC-eligible, blocks from rsv up to
// head are not.
func (m *Manager) GetRsvBlk(bank, region int) uint32 {
	r := m.region(bank, region)
	return m.blkID(bank, region, r.Rsv)
}

// NCurRsvBlks returns the total reserved (GC-ineligible) block count
// across every bank and region.
func (m *Manager) NCurRsvBlks() int {
	total := 0
	for bank := range m.banks {
		for region := 0; region < config.NumRegions; region++ {
			r := m.banks[bank].regions[region]
			if r.Head > r.Rsv {
				total += r.Head - r.Rsv
			} else {
				total += r.Head + r.Size - r.Rsv
			}
		}
	}
	return total
}

// ReserveBarrier moves every region's reservation cursor to one slot
// behind its current head, so only the block each region is still
// filling stays GC-ineligible, the way push_rsv does in blkmgr.c: it is intentionally
// global across all banks, not scoped to the bank argument the
// dispatcher's epoch boundary fires for (an asymmetry the original
// firmware has and this core preserves rather than "fixes").
func (m *Manager) ReserveBarrier() {
	for bank := range m.banks {
		for region := 0; region < config.NumRegions; region++ {
			r := &m.banks[bank].regions[region]
			r.Rsv = (r.Head + r.Size - 1) % r.Size
		}
	}
}

// IncVCount increments a block's valid-page count (inc_vcount).
func (m *Manager) IncVCount(bank int, blk uint32) {
	m.banks[bank].vcount[blk]++
}

// DecVCount decrements a block's valid-page count (dec_vcount).
func (m *Manager) DecVCount(bank int, blk uint32) {
	m.banks[bank].vcount[blk]--
}

// VCount returns a block's current valid-page count.
func (m *Manager) VCount(bank int, blk uint32) uint16 {
	return m.banks[bank].vcount[blk]
}

// RegionGCNeeded reports whether a single region's free-block count has
// dropped below the GC floor (reach_gc_threshold).
func (m *Manager) RegionGCNeeded(bank, region int) bool {
	return m.banks[bank].regions[region].Free < m.cfg.GCThreshold
}

// BatchGCNeeded reports whether the aggregate cold-region shortfall
// across all banks exceeds the batch trigger. Only region 1 (cold) is
// checked, matching blkmgr_reach_batch_gc_threshold's "currently we
// only use region 1" scope.
func (m *Manager) BatchGCNeeded() bool {
	shortfall := 0
	for bank := range m.banks {
		r := m.banks[bank].regions[1]
		if r.Free < m.cfg.GCThreshold {
			shortfall += m.cfg.GCThreshold - r.Free
		}
	}
	return shortfall > m.cfg.BatchGCThreshold
}

// SelectVictim scans [tail,rsv) for the block with the lowest vcount,
// swaps it into the tail slot so the ring's ordering is preserved for
// recovery's block-chain walk, and returns it and its vcount
// (get_victim_blk).
func (m *Manager) SelectVictim(bank, region int) (blk uint32, vcount uint16) {
	r := m.region(bank, region)
	idx := r.Tail
	blk = m.blkID(bank, region, idx)
	vcountMin := m.VCount(bank, blk)

	for i := r.next(r.Tail); r.Tail != r.Rsv && i != r.Rsv; i = r.next(i) {
		cand := m.blkID(bank, region, i)
		v := m.VCount(bank, cand)
		if v < vcountMin {
			vcountMin = v
			idx = i
		}
	}

	tmp := m.blkID(bank, region, r.Tail)
	victim := m.blkID(bank, region, idx)
	m.setBlkID(bank, region, r.Tail, victim)
	m.setBlkID(bank, region, idx, tmp)

	return victim, vcountMin
}

// FinishVictim retires a selected victim block after its live pages
// have been relocated: resets its vcount to zero, frees one slot,
// advances the tail cursor, and records the block as pending erase
// (the garbage_collection tail of blkmgr.c, split from SelectVictim so
// the gc package can interleave the live-page copy between the two).
func (m *Manager) FinishVictim(bank, region int, blk uint32) {
	bs := &m.banks[bank]
	bs.vcount[blk] = 0
	bs.freeBlkCnt++
	r := &bs.regions[region]
	r.Free++
	r.Tail = r.next(r.Tail)
	bs.vtBlk = blk
	bs.vtBlkSet = true
}

// PendingErase returns the previous victim block awaiting erase, if
// any, and clears the pending flag. Callers (sync at GC start, async
// while idle) are responsible for actually erasing the device block.
func (m *Manager) PendingErase(bank int) (blk uint32, ok bool) {
	bs := &m.banks[bank]
	if !bs.vtBlkSet {
		return 0, false
	}
	blk = bs.vtBlk
	bs.vtBlkSet = false
	return blk, true
}

// FirstGCDone marks that at least one GC cycle has run (first_gc).
func (m *Manager) FirstGCDone() bool {
	done := !m.firstGC
	m.firstGC = false
	return done
}

// MapBlk returns the shadow map block currently considered committed
// for bank (blkmgr_get_map_blk).
func (m *Manager) MapBlk(bank int) uint32 {
	return m.banks[bank].blksMap[m.mapBlkIdx]
}

// MapBlkOther returns the shadow map block NOT currently committed,
// i.e. the one a fresh persist pass should write to.
func (m *Manager) MapBlkOther(bank int) uint32 {
	return m.banks[bank].blksMap[(m.mapBlkIdx+1)%2]
}

// ToggleMapBlkIdx flips which shadow copy is considered committed
// (blkmgr_toggle_map_blk_idx), called once both copies' writes land.
func (m *Manager) ToggleMapBlkIdx() {
	m.mapBlkIdx = (m.mapBlkIdx + 1) % 2
}

// LogBlkReclaimNeeded reports whether the global log-block pool has
// fallen below the configured floor (blkmgr_reach_log_reclaim_threshold).
func (m *Manager) LogBlkReclaimNeeded() bool {
	return int(m.logBlkCnt) < m.cfg.LogReclaimBlkFloor
}

// ResetLogBlkCnt restores the log-block budget after a reclaim pass
// erases every log block across all banks.
func (m *Manager) ResetLogBlkCnt() {
	m.logBlkCnt = uint32(m.cfg.NumLogBlksPerBank * m.cfg.Geometry.Banks)
}

// NumBanks returns the configured bank count.
func (m *Manager) NumBanks() int { return m.cfg.Geometry.Banks }

// LogBlkRange returns the first and last log-block ids for a bank, for
// callers (recovery, log reclamation) that need to walk the whole log
// region rather than just the append cursor.
func (m *Manager) LogBlkRange(bank int) (first, last uint32) {
	return m.banks[bank].blkLogFirst, m.banks[bank].blkLogLast
}
