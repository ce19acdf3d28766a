// Package walog accumulates map-delta and dependency records in DRAM
// and periodically flushes them as append-only log pages across the
// per-bank log-block rings, the way the original firmware's log.c
// does for its checkpoint buffers. A full map snapshot plus a commit
// tag bounds how far back recovery ever needs to scan (spec.md §4.4,
// §4.6).
package walog

import (
	"context"

	"github.com/juju/errors"

	"github.com/yschang/nandftl/ftl/blockmgr"
	"github.com/yschang/nandftl/ftl/config"
	"github.com/yschang/nandftl/ftl/device"
	"github.com/yschang/nandftl/ftl/layout"
	"github.com/yschang/nandftl/ftl/pagemap"
)

// Log is the process-wide checkpoint accumulator.
type Log struct {
	cfg config.Cfg
	dev device.Device
	bm  *blockmgr.Manager
	pm  *pagemap.Map

	mapEnts []layout.MapEnt
	depEnts []layout.DepEnt

	bankActive          int
	requireFlushDepEnt  bool
}

// New builds an empty checkpoint accumulator (init_log).
func New(cfg config.Cfg, dev device.Device, bm *blockmgr.Manager, pm *pagemap.Map) *Log {
	return &Log{cfg: cfg, dev: dev, bm: bm, pm: pm}
}

// InsertMapEnt appends an L2P delta to the in-memory checkpoint buffer
// (log_insert_mapent), called on every cache dequeue.
func (l *Log) InsertMapEnt(lpn, ppn uint32) {
	l.mapEnts = append(l.mapEnts, layout.MapEnt{LPN: lpn, PPN: ppn})
}

// InsertDepEnt records a RAW hazard: a write at the current epoch
// landed on a cache entry still holding data from epochSrc
// (insert_dep_entry).
func (l *Log) InsertDepEnt(epochSrc, epochDst uint32, pgSpan uint16) {
	l.depEnts = append(l.depEnts, layout.DepEnt{EpochSrc: epochSrc, EpochDst: epochDst, PgSpan: pgSpan})
}

// DepEntsFull reports whether the dependency buffer has reached a full
// page's worth of entries (is_depents_full).
func (l *Log) DepEntsFull() bool {
	return len(l.depEnts) >= l.cfg.NumDepEntsPerPage
}

// ReachChkptThreshold reports whether the accumulated mapents are close
// to overflowing the space a checkpoint reserves for them, or whether
// the block manager is low on log blocks (reach_chkpt_threshold).
func (l *Log) ReachChkptThreshold() bool {
	headroom := (l.cfg.Geometry.Banks-1)*l.cfg.NumMapEntsPerPage - l.cfg.ChkptMapentHeadroom
	return len(l.mapEnts) > headroom || l.bm.LogBlkReclaimNeeded()
}

// ReachFlushDepEnt reports whether a dependency flush was scheduled
// (reach_flush_depent / schedule_flush_depent).
func (l *Log) ReachFlushDepEnt() bool { return l.requireFlushDepEnt }

// ScheduleFlushDepEnt marks that the next checkpoint pass should flush
// dependency records even if the buffer isn't full, e.g. on ftl_flush.
func (l *Log) ScheduleFlushDepEnt() { l.requireFlushDepEnt = true }

// RecordMapEnt writes every accumulated mapent out as full (or partial,
// for the last) MAPENT pages, striped round-robin across banks
// starting from the checkpoint's active bank (record_mapent).
func (l *Log) RecordMapEnt(ctx context.Context) error {
	bank := l.bankActive
	for len(l.mapEnts) > 0 {
		n := l.cfg.NumMapEntsPerPage
		if n > len(l.mapEnts) {
			n = len(l.mapEnts)
		}
		buf, err := layout.EncodeMapEntPage(l.cfg.Geometry.BytesPerPage(), l.mapEnts[:n])
		if err != nil {
			return errors.Trace(err)
		}
		if err := l.programLogPage(ctx, bank, buf); err != nil {
			return errors.Annotatef(err, "walog: record mapent bank %d", bank)
		}
		l.mapEnts = l.mapEnts[n:]
		bank = (bank + 1) % l.cfg.Geometry.Banks
	}
	l.bankActive = bank
	return nil
}

// RecordTag writes the commit marker recording epoch-1 as fully
// durable, after first raising every region's reservation barrier
// globally (record_tag) so blocks written during the just-completed
// epoch are not GC'd before the commit lands. If the block manager is
// low on log blocks, it reclaims the log (persisting a full map
// snapshot and erasing every log block) and recurses.
func (l *Log) RecordTag(ctx context.Context, epoch uint32) error {
	l.bm.ReserveBarrier()

	activePPNs := make([][]uint32, l.cfg.Geometry.Banks)
	for bank := 0; bank < l.cfg.Geometry.Banks; bank++ {
		activePPNs[bank] = make([]uint32, config.NumRegions)
		for region := 0; region < config.NumRegions; region++ {
			activePPNs[bank][region] = l.pm.GetActivePPN(bank, region)
		}
	}
	buf, err := layout.EncodeCommitPage(l.cfg.Geometry.BytesPerPage(), epoch-1, activePPNs)
	if err != nil {
		return errors.Trace(err)
	}
	if err := l.programLogPage(ctx, l.bankActive, buf); err != nil {
		return errors.Annotatef(err, "walog: record tag bank %d", l.bankActive)
	}
	l.bankActive = (l.bankActive + 1) % l.cfg.Geometry.Banks

	if l.bm.LogBlkReclaimNeeded() {
		if err := l.reclaimLog(ctx, epoch); err != nil {
			return errors.Trace(err)
		}
		l.bankActive = 0
		return l.RecordTag(ctx, epoch)
	}
	return nil
}

// RecordDepEnt flushes the accumulated dependency records as one
// DEPENT page, if any are pending (record_depent).
func (l *Log) RecordDepEnt(ctx context.Context) error {
	l.requireFlushDepEnt = false
	if len(l.depEnts) == 0 {
		return nil
	}
	buf, err := layout.EncodeDepEntPage(l.cfg.Geometry.BytesPerPage(), l.depEnts)
	if err != nil {
		return errors.Trace(err)
	}
	if err := l.programLogPage(ctx, l.bankActive, buf); err != nil {
		return errors.Annotatef(err, "walog: record depent bank %d", l.bankActive)
	}
	l.bankActive = (l.bankActive + 1) % l.cfg.Geometry.Banks
	l.depEnts = l.depEnts[:0]
	return nil
}

func (l *Log) programLogPage(ctx context.Context, bank int, buf []byte) error {
	ppn, err := l.pm.AllocateLogPPN(bank)
	if err != nil {
		return errors.Trace(err)
	}
	ppb := uint32(l.cfg.Geometry.PagesPerBlock)
	blk, page := int(ppn/ppb), int(ppn%ppb)
	return l.dev.ProgramPage(ctx, bank, blk, page, buf, device.SpareTag{})
}

// reclaimLog snapshots the full L2P map to the shadow pages (which
// makes every currently-logged record redundant), erases every log
// block across every bank, and resets the log-block budget
// (blkmgr_reclaim_log), then rewinds every bank's log cursor so the
// next write lands at the start of its first log block again.
func (l *Log) reclaimLog(ctx context.Context, epoch uint32) error {
	if err := l.pm.Persist(ctx, epoch); err != nil {
		return errors.Annotatef(err, "walog: reclaim log persist")
	}
	for bank := 0; bank < l.cfg.Geometry.Banks; bank++ {
		first, last := l.bm.LogBlkRange(bank)
		for blk := first; blk <= last; blk++ {
			if err := l.dev.EraseBlock(ctx, bank, int(blk)); err != nil {
				return errors.Annotatef(err, "walog: erase log block bank %d blk %d", bank, blk)
			}
		}
		if err := l.pm.RevertLogPPN(bank); err != nil {
			return errors.Trace(err)
		}
	}
	l.bm.ResetLogBlkCnt()
	return nil
}
