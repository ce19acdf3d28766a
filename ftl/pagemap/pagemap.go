// Package pagemap owns the logical-to-physical page map: the L2P
// table itself, each bank/region's active write cursor (with the
// block-close summary-page write), the per-bank log cursor, and the
// shadow-paged persist/restore pair that snapshots the table to flash
// across crashes (spec.md §2, §4.3). Grounded on the original
// firmware's pgmap.c.
package pagemap

import (
	"context"
	"encoding/binary"

	"github.com/juju/errors"

	"github.com/yschang/nandftl/ftl/blockmgr"
	"github.com/yschang/nandftl/ftl/config"
	"github.com/yschang/nandftl/ftl/device"
	"github.com/yschang/nandftl/ftl/layout"
)

// UnmappedPPN is the sentinel ppn meaning "never written" (get_ppn of
// a fresh dram region, all-zero, per pgmap.c's convention of 0 as no-op).
const UnmappedPPN uint32 = 0

var ErrNoMapFound = errors.New("pagemap: no committed shadow copy found")

// Map is the process-wide L2P table plus cursor state.
type Map struct {
	cfg config.Cfg
	dev device.Device
	bm  *blockmgr.Manager

	l2p     []uint32 // lpn -> ppn (block*PagesPerBlock + page), 0 = unmapped
	blkTime []uint32 // per (bank,blk) birth epoch, flat bank*BlocksPerBank+blk

	activePPN [][config.NumRegions]uint32 // per bank
	logPPN    []uint32                    // per bank

	// pageLPN accumulates the per-page lpn table for the block
	// currently open in each (bank,region), flushed to a summary page
	// when the block closes.
	pageLPN [][config.NumRegions][]uint32

	currentEpoch uint32
}

// New builds an empty Map over numLPNs logical pages, allocating the
// first active block and log block for every bank (init_pgmap).
func New(ctx context.Context, cfg config.Cfg, dev device.Device, bm *blockmgr.Manager, numLPNs int) (*Map, error) {
	m := &Map{
		cfg:       cfg,
		dev:       dev,
		bm:        bm,
		l2p:       make([]uint32, numLPNs),
		blkTime:   make([]uint32, cfg.Geometry.Banks*cfg.Geometry.BlocksPerBank),
		activePPN: make([][config.NumRegions]uint32, cfg.Geometry.Banks),
		logPPN:    make([]uint32, cfg.Geometry.Banks),
		pageLPN:   make([][config.NumRegions][]uint32, cfg.Geometry.Banks),
	}
	for bank := 0; bank < cfg.Geometry.Banks; bank++ {
		for region := 0; region < config.NumRegions; region++ {
			blk, err := bm.AllocateActive(bank, region)
			if err != nil {
				return nil, errors.Annotatef(err, "pagemap: init bank %d region %d", bank, region)
			}
			m.activePPN[bank][region] = blk * uint32(cfg.Geometry.PagesPerBlock)
			pageLPN := make([]uint32, cfg.Geometry.PagesPerBlock)
			for i := range pageLPN {
				pageLPN[i] = layout.SummaryEmptyLPN
			}
			m.pageLPN[bank][region] = pageLPN
		}
		blk, err := bm.GetLogBlk(bank)
		if err != nil {
			return nil, errors.Annotatef(err, "pagemap: init log block bank %d", bank)
		}
		m.logPPN[bank] = blk * uint32(cfg.Geometry.PagesPerBlock)
	}
	return m, nil
}

func (m *Map) blkPage(ppn uint32) (blk, page int) {
	ppb := uint32(m.cfg.Geometry.PagesPerBlock)
	return int(ppn / ppb), int(ppn % ppb)
}

// SetPPN records lpn's current physical location.
func (m *Map) SetPPN(lpn, ppn uint32) { m.l2p[lpn] = ppn }

// GetPPN returns lpn's current physical location, or UnmappedPPN.
func (m *Map) GetPPN(lpn uint32) uint32 { return m.l2p[lpn] }

// SetLPN records which lpn landed in a page slot of the block
// currently open in (bank,region), for that block's eventual summary
// page.
func (m *Map) SetLPN(bank, region, page int, lpn uint32) {
	m.pageLPN[bank][region][page] = lpn
}

// GetLPN reads back an entry set by SetLPN.
func (m *Map) GetLPN(bank, region, page int) uint32 {
	return m.pageLPN[bank][region][page]
}

// GetActivePPN returns the next ppn that a write to (bank,region) would
// land on, without consuming it.
func (m *Map) GetActivePPN(bank, region int) uint32 {
	return m.activePPN[bank][region]
}

// AllocateActivePPN returns the next free ppn in (bank,region) and
// advances the cursor. When the cursor reaches the last page of a
// block, the accumulated per-page lpn table is written out as that
// block's summary page (with a forward pointer to the new block) before
// the cursor rolls onto a freshly allocated block (get_and_inc_active_ppn).
func (m *Map) AllocateActivePPN(ctx context.Context, bank, region int) (uint32, error) {
	ppb := uint32(m.cfg.Geometry.PagesPerBlock)
	ppn := m.activePPN[bank][region]
	blk, _ := m.blkPage(ppn)

	if ppn%ppb == ppb-1 {
		nextBlk, err := m.bm.AllocateActive(bank, region)
		if err != nil {
			return 0, errors.Annotatef(err, "pagemap: allocate active ppn bank %d region %d", bank, region)
		}
		sp := layout.SummaryPage{Entries: m.pageLPN[bank][region], NextBlock: nextBlk}
		buf, err := layout.EncodeSummaryPage(m.cfg.Geometry.BytesPerPage(), sp)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if err := m.dev.ProgramPage(ctx, bank, blk, int(ppb)-1, buf, device.SpareTag{}); err != nil {
			return 0, errors.Annotatef(err, "pagemap: summary page write bank %d blk %d", bank, blk)
		}
		for i := range m.pageLPN[bank][region] {
			m.pageLPN[bank][region][i] = layout.SummaryEmptyLPN
		}
		m.blkTime[bank*m.cfg.Geometry.BlocksPerBank+int(nextBlk)] = m.currentEpoch

		ppn = nextBlk * ppb
	}

	m.activePPN[bank][region] = ppn + 1
	return ppn, nil
}

// currentEpoch is stamped by the caller (dispatcher) before each write
// so freshly opened blocks record their birth epoch (BLK_TIME), which
// BlockBirthEpoch reports.
//
// This is set via SetCurrentEpoch rather than passed through every call
// so AllocateActivePPN's signature matches get_and_inc_active_ppn's.
func (m *Map) SetCurrentEpoch(epoch uint32) { m.currentEpoch = epoch }

// BlockBirthEpoch returns the epoch a block was opened at.
func (m *Map) BlockBirthEpoch(bank, blk int) uint32 {
	return m.blkTime[bank*m.cfg.Geometry.BlocksPerBank+blk]
}

// Trim clears the mapping for a run of logical pages (pgmap_trim).
func (m *Map) Trim(lpn, nPages uint32) {
	for p := lpn; p < lpn+nPages; p++ {
		m.l2p[p] = UnmappedPPN
	}
}

// AllocateLogPPN returns the next ppn in the bank's append-only log
// region, rolling onto a fresh log block when the cursor reaches the
// last (unusable, sentinel) page of the current one (get_log_ppn).
func (m *Map) AllocateLogPPN(bank int) (uint32, error) {
	ppb := uint32(m.cfg.Geometry.PagesPerBlock)
	ppn := m.logPPN[bank]
	if ppn%ppb == ppb-1 {
		blk, err := m.bm.GetLogBlk(bank)
		if err != nil {
			return 0, errors.Trace(err)
		}
		ppn = blk * ppb
	}
	m.logPPN[bank] = ppn + 1
	return ppn, nil
}

// RevertLogPPN rewinds the bank's log cursor to the start of its first
// log block (revert_log_ppn), used when reclamation restarts logging.
func (m *Map) RevertLogPPN(bank int) error {
	m.bm.RevertLogBlk(bank)
	blk, err := m.bm.GetLogBlk(bank)
	if err != nil {
		return errors.Trace(err)
	}
	m.logPPN[bank] = blk * uint32(m.cfg.Geometry.PagesPerBlock)
	return nil
}

// commitPage is the fixed page index, relative to a map block, where
// the shadow-commit marker lives: just past the per-bank L2P stripe.
func (m *Map) commitPage() int {
	bytesPerPage := m.cfg.Geometry.BytesPerPage()
	total := len(m.l2p) * 4
	perBank := (total + m.cfg.Geometry.Banks - 1) / m.cfg.Geometry.Banks
	return (perBank + bytesPerPage - 1) / bytesPerPage
}

func (m *Map) serialize() []byte {
	buf := make([]byte, len(m.l2p)*4)
	for i, ppn := range m.l2p {
		binary.BigEndian.PutUint32(buf[i*4:i*4+4], ppn)
	}
	return buf
}

func (m *Map) deserialize(buf []byte) {
	n := len(buf) / 4
	if n > len(m.l2p) {
		n = len(m.l2p)
	}
	for i := 0; i < n; i++ {
		m.l2p[i] = binary.BigEndian.Uint32(buf[i*4 : i*4+4])
	}
}

// Persist writes a full shadow-map snapshot into every bank's currently
// INACTIVE map block (MapBlkOther — the copy still holding the prior,
// stale, already-erased snapshot), then a commit marker recording
// epoch-1 as the last fully-committed epoch, then toggles the active
// index so that new snapshot becomes current, and finally erases the
// now-retired old copy for the next cycle (pgmap_persist_map_table).
func (m *Map) Persist(ctx context.Context, epoch uint32) error {
	buf := m.serialize()
	bytesPerPage := m.cfg.Geometry.BytesPerPage()
	banks := m.cfg.Geometry.Banks

	addr, bank, page := 0, 0, 0
	for addr < len(buf) {
		size := bytesPerPage
		if addr+size > len(buf) {
			size = len(buf) - addr
		}
		blk := int(m.bm.MapBlkOther(bank))
		if err := m.dev.ProgramPage(ctx, bank, blk, page, buf[addr:addr+size], device.SpareTag{}); err != nil {
			return errors.Annotatef(err, "pagemap: persist stripe bank %d page %d", bank, page)
		}
		addr += size
		bank = (bank + 1) % banks
		if bank == 0 {
			page++
		}
	}

	commitBuf, err := layout.EncodeShadowCommitPage(bytesPerPage, epoch-1)
	if err != nil {
		return errors.Trace(err)
	}
	commitBlk := int(m.bm.MapBlkOther(0))
	if err := m.dev.ProgramPage(ctx, 0, commitBlk, m.commitPage(), commitBuf, device.SpareTag{}); err != nil {
		return errors.Annotatef(err, "pagemap: persist commit marker")
	}

	m.bm.ToggleMapBlkIdx()
	for bank := 0; bank < banks; bank++ {
		if err := m.dev.EraseBlock(ctx, bank, int(m.bm.MapBlkOther(bank))); err != nil {
			return errors.Annotatef(err, "pagemap: erase retired map block bank %d", bank)
		}
	}
	return nil
}

// checkCommit reads bank 0's currently-indexed map block's commit page
// and returns the committed epoch, or 0 if that copy has never been
// committed.
func (m *Map) checkCommit(ctx context.Context) (uint32, error) {
	blk := int(m.bm.MapBlk(0))
	buf, _, err := m.dev.ReadPage(ctx, 0, blk, m.commitPage(), 0, m.cfg.Geometry.SectorsPerPage)
	if err != nil {
		return 0, errors.Trace(err)
	}
	p, ok := layout.DecodeShadowCommitPage(buf)
	if !ok {
		return 0, nil
	}
	return p.Epoch, nil
}

// Restore reads both shadow copies, picks the one with the higher
// committed epoch, loads the L2P table from it, and leaves the block
// manager's shadow index pointed at that copy (pgmap_restore_map_table).
// It returns ErrNoMapFound on a blank device (neither copy ever
// committed), which the dispatcher treats as "format, don't restore".
func (m *Map) Restore(ctx context.Context) (epoch uint32, err error) {
	epoch0, err := m.checkCommit(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}
	m.bm.ToggleMapBlkIdx()
	epoch1, err := m.checkCommit(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}

	if epoch0 == 0 && epoch1 == 0 {
		m.bm.ToggleMapBlkIdx() // leave index as we found it
		return 0, ErrNoMapFound
	}

	var chosen uint32
	if epoch0 > epoch1 {
		m.bm.ToggleMapBlkIdx() // point back at copy 0
		chosen = epoch0
	} else {
		chosen = epoch1
	}

	bytesPerPage := m.cfg.Geometry.BytesPerPage()
	total := len(m.l2p) * 4
	buf := make([]byte, 0, total)
	addr, bank, page := 0, 0, 0
	for addr < total {
		size := bytesPerPage
		if addr+size > total {
			size = total - addr
		}
		blk := int(m.bm.MapBlk(bank))
		got, _, err := m.dev.ReadPage(ctx, bank, blk, page, 0, (size+m.cfg.Geometry.BytesPerSector-1)/m.cfg.Geometry.BytesPerSector)
		if err != nil {
			return 0, errors.Annotatef(err, "pagemap: restore stripe bank %d page %d", bank, page)
		}
		buf = append(buf, got[:size]...)
		addr += size
		bank = (bank + 1) % m.cfg.Geometry.Banks
		if bank == 0 {
			page++
		}
	}
	m.deserialize(buf)

	return chosen, nil
}
