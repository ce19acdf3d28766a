// Package gc implements victim selection and live-page relocation for
// a single (bank,region), plus the batch trigger that runs it across
// every bank while any region remains below threshold (spec.md §4.5).
// Grounded on the original firmware's garbage_collection in blkmgr.c.
package gc

import (
	"context"

	"github.com/juju/errors"

	"github.com/yschang/nandftl/ftl/blockmgr"
	"github.com/yschang/nandftl/ftl/config"
	"github.com/yschang/nandftl/ftl/device"
	"github.com/yschang/nandftl/ftl/layout"
	"github.com/yschang/nandftl/ftl/pagemap"
	"github.com/yschang/nandftl/ftl/walog"
)

// Engine runs GC cycles against the other components.
type Engine struct {
	cfg  config.Cfg
	dev  device.Device
	bm   *blockmgr.Manager
	pm   *pagemap.Map
	wlog *walog.Log

	// coldRegion is the region GC always relocates live pages into;
	// spec.md's hot/cold split only ever designates region 1 ("cold")
	// as a GC destination (cache.Dequeue resolves the same way).
	coldRegion int

	stats Stats
}

// Stats accumulates the write-amplification accounting spec.md §2 item 5
// requires of the GC engine: how many GC cycles ran per bank, and how
// many live pages they relocated in total (stat.c's per-bank
// stat_record_gc counters and its running stat_gc_vcount total).
type Stats struct {
	Invocations    []uint64 // per bank GC cycle count
	PagesRelocated uint64   // total live pages copied across every GC cycle
}

// New builds a GC engine.
func New(cfg config.Cfg, dev device.Device, bm *blockmgr.Manager, pm *pagemap.Map, wlog *walog.Log) *Engine {
	return &Engine{
		cfg: cfg, dev: dev, bm: bm, pm: pm, wlog: wlog,
		coldRegion: config.NumRegions - 1,
		stats:      Stats{Invocations: make([]uint64, cfg.Geometry.Banks)},
	}
}

// RunOne garbage-collects a single victim block in (bank,region): it
// first synchronously erases the bank's previous victim (a GC cycle
// never starts with two pending un-erased victims in flight), then
// selects a new victim, relocates every still-valid page to the cold
// region, and retires the victim (garbage_collection).
func (e *Engine) RunOne(ctx context.Context, bank, region int) error {
	if blk, ok := e.bm.PendingErase(bank); ok {
		if err := e.dev.EraseBlock(ctx, bank, int(blk)); err != nil {
			return errors.Annotatef(err, "gc: sync erase previous victim bank %d", bank)
		}
	}

	victim, vcount := e.bm.SelectVictim(bank, region)
	ppb := e.cfg.Geometry.PagesPerBlock

	buf, _, err := e.dev.ReadPage(ctx, bank, int(victim), ppb-1, 0, e.cfg.Geometry.SectorsPerPage)
	if err != nil {
		return errors.Annotatef(err, "gc: read summary page bank %d blk %d", bank, victim)
	}
	summary, err := layout.DecodeSummaryPage(buf)
	if err != nil {
		return errors.Annotatef(err, "gc: decode summary page bank %d blk %d", bank, victim)
	}

	nValid := 0
	for page := 0; page < ppb-1; page++ {
		lpn := summary.Entries[page]
		if lpn == layout.SummaryEmptyLPN {
			continue
		}
		ppn := uint32(victim)*uint32(ppb) + uint32(page)
		if e.pm.GetPPN(lpn) != ppn {
			continue // superseded by a later write, no longer live
		}

		gcPPN, err := e.pm.AllocateActivePPN(ctx, bank, e.coldRegion)
		if err != nil {
			return errors.Annotatef(err, "gc: relocate lpn %d", lpn)
		}
		gcBlk, gcPage := gcPPN/uint32(ppb), int(gcPPN%uint32(ppb))

		e.pm.SetPPN(lpn, gcPPN)
		e.pm.SetLPN(bank, e.coldRegion, gcPage, lpn)
		e.bm.IncVCount(bank, gcBlk)
		e.wlog.InsertMapEnt(lpn, gcPPN)

		tag := device.SpareTag{Present: true, LPN: lpn, Epoch: device.EpochGCMove}
		if err := e.dev.CopyBack(ctx, bank, int(victim), page, int(gcBlk), gcPage, tag); err != nil {
			return errors.Annotatef(err, "gc: copyback lpn %d", lpn)
		}
		nValid++
	}

	if uint16(nValid) != vcount {
		return errors.Errorf("gc: live page count mismatch bank %d blk %d: found %d, vcount says %d", bank, victim, nValid, vcount)
	}

	e.stats.Invocations[bank]++
	e.stats.PagesRelocated += uint64(nValid)

	e.bm.FinishVictim(bank, region, victim)
	return nil
}

// Stats returns a snapshot of the GC invocation/relocation counters
// (show_stat's per-bank GC line and its gc_vcount running total).
func (e *Engine) Stats() Stats {
	invocations := make([]uint64, len(e.stats.Invocations))
	copy(invocations, e.stats.Invocations)
	return Stats{Invocations: invocations, PagesRelocated: e.stats.PagesRelocated}
}

// WriteAmplification reports physical page programs (host page writes
// plus GC relocations) per host page written, the standard FTL
// write-amplification ratio: every host page write that
// later forces a GC cycle to relocate other live pages costs more than
// one physical page program. stat.c's own "prefix" summary line divides
// the same gc_vcount total by GC invocation count instead; this divides
// it by host page writes, the ratio spec.md §2 item 5 calls for.
// Returns 0 before any host page has been written.
func (e *Engine) WriteAmplification(hostPagesWritten uint64) float64 {
	if hostPagesWritten == 0 {
		return 0
	}
	return float64(hostPagesWritten+e.stats.PagesRelocated) / float64(hostPagesWritten)
}

// RunBatch runs GC across every (bank,region) still below the
// per-region free-block floor, the way the dispatcher's post-write
// batch trigger does (ftl_write's call into garbage_collection for
// every region still under threshold).
func (e *Engine) RunBatch(ctx context.Context) error {
	for bank := 0; bank < e.cfg.Geometry.Banks; bank++ {
		for region := 0; region < config.NumRegions; region++ {
			for e.bm.RegionGCNeeded(bank, region) {
				if err := e.RunOne(ctx, bank, region); err != nil {
					return errors.Trace(err)
				}
			}
		}
	}
	return nil
}

// AsyncEraseIdle opportunistically erases a bank's pending victim
// block while the bank is otherwise idle (blkmgr_erase_vt_blk); it does
// nothing if the bank is busy. Nothing in the write path calls it.
func (e *Engine) AsyncEraseIdle(ctx context.Context, bank int) error {
	if !e.dev.BankIdle(bank) {
		return nil
	}
	blk, ok := e.bm.PendingErase(bank)
	if !ok {
		return nil
	}
	return errors.Trace(e.dev.EraseBlock(ctx, bank, int(blk)))
}
