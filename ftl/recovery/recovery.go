// Package recovery rebuilds the L2P map after a restart by replaying the
// append-only change log past the last persisted shadow-map snapshot
// (spec.md §4.6). It is grounded directly on the original firmware's
// recovery.c: find the last commit marker, apply the mapents logged
// before it, walk each region's block chain from the commit's active-ppn
// snapshot to find the first epoch with a torn (incomplete) write, lower
// that bound transitively through any RAW dependency records, then
// re-walk the same chains applying only pages from epochs known whole.
package recovery

import (
	"context"
	"sort"

	"github.com/juju/errors"

	"github.com/yschang/nandftl/ftl/blockmgr"
	"github.com/yschang/nandftl/ftl/config"
	"github.com/yschang/nandftl/ftl/device"
	"github.com/yschang/nandftl/ftl/layout"
	"github.com/yschang/nandftl/ftl/pagemap"
)

// Recovery drives the analyze/rebuild pass against an already-restored
// pagemap (the caller must have called pagemap.Restore first so the L2P
// table starts from the last full shadow snapshot).
type Recovery struct {
	cfg config.Cfg
	dev device.Device
	bm  *blockmgr.Manager
	pm  *pagemap.Map
}

// New builds a Recovery bound to the live component set.
func New(cfg config.Cfg, dev device.Device, bm *blockmgr.Manager, pm *pagemap.Map) *Recovery {
	return &Recovery{cfg: cfg, dev: dev, bm: bm, pm: pm}
}

// Report is analyze()'s output: the bound between definitely-durable and
// possibly-torn epochs, plus the block-chain starting points Rebuild
// needs to re-walk (find_last_commit / pull_epoch_incomplete).
type Report struct {
	EpochCommit     uint32
	EpochIncomplete uint32
	NoCommitFound   bool

	activePPNs [][]uint32 // per bank/region, from the last commit page
}

type epochStat struct {
	pgSpan uint16
	count  int
}

// Analyze scans the log forward from its start, locates the last commit
// marker, replays the mapents preceding it (already known durable),
// walks every region's block chain from the commit's snapshotted
// active-ppn cursors to tally how many pages each post-commit epoch
// actually placed, and derives the first epoch whose write may have been
// torn by a crash. shadowEpoch is the epoch pagemap.Restore returned;
// if the log holds no commit marker at all, the shadow snapshot is
// already the whole story and Report.NoCommitFound is set.
func (r *Recovery) Analyze(ctx context.Context, shadowEpoch uint32) (Report, error) {
	banks := r.cfg.Geometry.Banks

	epochCommit, activePPNs, found, err := r.findLastCommit(ctx, shadowEpoch)
	if err != nil {
		return Report{}, errors.Trace(err)
	}
	if !found {
		return Report{EpochCommit: shadowEpoch, NoCommitFound: true}, nil
	}

	if err := r.replayMapEntsToCommit(ctx, epochCommit); err != nil {
		return Report{}, errors.Trace(err)
	}

	table := map[uint32]*epochStat{}
	for bank := 0; bank < banks; bank++ {
		for region := 0; region < config.NumRegions; region++ {
			err := r.walkChain(ctx, bank, activePPNs[bank][region], func(ppn, lpn uint32, pgSpan uint16, epoch uint32, gcSurvivor bool) {
				if gcSurvivor {
					// GC-placed data was durable before the move landed;
					// it carries no host epoch and is always valid.
					r.pm.SetPPN(lpn, ppn)
					return
				}
				if epoch > epochCommit {
					addRecoveryEnt(table, epoch, pgSpan)
				}
			})
			if err != nil {
				return Report{}, errors.Annotatef(err, "recovery: analyze chain bank %d region %d", bank, region)
			}
		}
	}

	depEnts, err := r.collectPostCommitDepEnts(ctx, epochCommit, table)
	if err != nil {
		return Report{}, errors.Trace(err)
	}

	epochIncomplete := epochCommit + 1
	for {
		st, ok := table[epochIncomplete]
		if !ok || st.count < int(st.pgSpan) {
			break
		}
		epochIncomplete++
	}

	// Depents are logged in insertion order; sort ascending by source
	// epoch, then fold backwards so a dependency chain propagates
	// incompleteness transitively in one pass (pull_epoch_incomplete).
	sort.Slice(depEnts, func(i, j int) bool { return depEnts[i].EpochSrc < depEnts[j].EpochSrc })
	for i := len(depEnts) - 1; i >= 0; i-- {
		e := depEnts[i]
		if e.EpochSrc < epochIncomplete && e.EpochDst >= epochIncomplete {
			epochIncomplete = e.EpochSrc
		}
	}

	return Report{
		EpochCommit:     epochCommit,
		EpochIncomplete: epochIncomplete,
		activePPNs:      activePPNs,
	}, nil
}

// Rebuild re-walks every region's block chain from the same commit
// snapshot, this time applying each page's mapping directly to the L2P
// table, but only for pages whose epoch is below EpochIncomplete — and,
// among several sightings of the same lpn in one chain, keeping only the
// highest valid epoch (remap_page_entries / retrieve_page_entries mode 1).
// If Analyze found no commit at all, the restored shadow snapshot is
// already authoritative and Rebuild is a no-op.
func (r *Recovery) Rebuild(ctx context.Context, rep Report) error {
	if rep.NoCommitFound {
		return nil
	}
	banks := r.cfg.Geometry.Banks
	for bank := 0; bank < banks; bank++ {
		for region := 0; region < config.NumRegions; region++ {
			bestEpoch := map[uint32]uint32{}
			err := r.walkChain(ctx, bank, rep.activePPNs[bank][region], func(ppn, lpn uint32, pgSpan uint16, epoch uint32, gcSurvivor bool) {
				prev := bestEpoch[lpn]
				if epoch < rep.EpochIncomplete && epoch > prev {
					r.pm.SetPPN(lpn, ppn)
					bestEpoch[lpn] = epoch
				}
			})
			if err != nil {
				return errors.Annotatef(err, "recovery: rebuild chain bank %d region %d", bank, region)
			}
		}
	}
	return nil
}

func addRecoveryEnt(table map[uint32]*epochStat, epoch uint32, pgSpan uint16) {
	st, ok := table[epoch]
	if !ok {
		st = &epochStat{pgSpan: pgSpan}
		table[epoch] = st
	}
	st.count++
}

// findLastCommit scans every bank's log round-robin from its first log
// block, classifying each page by magic and remembering the epoch and
// active-ppn snapshot of the last COMMIT page seen before the log runs
// out (find_last_commit / process_commit).
func (r *Recovery) findLastCommit(ctx context.Context, shadowEpoch uint32) (epoch uint32, activePPNs [][]uint32, found bool, err error) {
	banks := r.cfg.Geometry.Banks
	for bank := 0; bank < banks; bank++ {
		if err := r.pm.RevertLogPPN(bank); err != nil {
			return 0, nil, false, errors.Trace(err)
		}
	}
	epoch = shadowEpoch
	bank := 0
	for {
		buf, kind, rerr := r.readLogPage(ctx, bank)
		if rerr != nil {
			return 0, nil, false, errors.Trace(rerr)
		}
		if kind == layout.LogPageUnknown {
			break
		}
		if kind == layout.LogPageCommit {
			e, ppns, derr := layout.DecodeCommitPage(buf, banks, config.NumRegions)
			if derr != nil {
				return 0, nil, false, errors.Trace(derr)
			}
			epoch, activePPNs, found = e, ppns, true
		}
		bank = (bank + 1) % banks
	}
	return epoch, activePPNs, found, nil
}

// replayMapEntsToCommit re-scans the log from its start, applying every
// MAPENT page's entries directly — they were all logged before the last
// commit, so they describe only already-durable writes — and stops once
// it reaches the commit page carrying epochCommit again (process_mapent,
// reach_last_commit).
func (r *Recovery) replayMapEntsToCommit(ctx context.Context, epochCommit uint32) error {
	banks := r.cfg.Geometry.Banks
	for bank := 0; bank < banks; bank++ {
		if err := r.pm.RevertLogPPN(bank); err != nil {
			return errors.Trace(err)
		}
	}
	bank := 0
	for {
		buf, kind, err := r.readLogPage(ctx, bank)
		if err != nil {
			return errors.Trace(err)
		}
		switch kind {
		case layout.LogPageCommit:
			e, _, derr := layout.DecodeCommitPage(buf, banks, config.NumRegions)
			if derr != nil {
				return errors.Trace(derr)
			}
			if e == epochCommit {
				return nil
			}
		case layout.LogPageMapEnt:
			ents, derr := layout.DecodeMapEntPage(buf)
			if derr != nil {
				return errors.Trace(derr)
			}
			for _, ent := range ents {
				r.pm.SetPPN(ent.LPN, ent.PPN)
			}
		case layout.LogPageUnknown:
			return nil
		}
		bank = (bank + 1) % banks
	}
}

// collectPostCommitDepEnts continues the log scan immediately past the
// last commit page, reading DEPENT pages until a page of a different
// kind appears, feeding each record into the recovery table (the same
// way a host-write page would) and returning the full list for the
// transitive-lowering pass (process_depent / build_depent_list).
func (r *Recovery) collectPostCommitDepEnts(ctx context.Context, epochCommit uint32, table map[uint32]*epochStat) ([]layout.DepEnt, error) {
	banks := r.cfg.Geometry.Banks
	var depEnts []layout.DepEnt
	bank := 0
	for {
		buf, kind, err := r.readLogPage(ctx, bank)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if kind != layout.LogPageDepEnt {
			return depEnts, nil
		}
		ents, derr := layout.DecodeDepEntPage(buf)
		if derr != nil {
			return nil, errors.Trace(derr)
		}
		for _, e := range ents {
			if e.EpochSrc > epochCommit {
				addRecoveryEnt(table, e.EpochSrc, e.PgSpan)
			}
			depEnts = append(depEnts, e)
		}
		bank = (bank + 1) % banks
	}
}

func (r *Recovery) readLogPage(ctx context.Context, bank int) ([]byte, layout.LogPageKind, error) {
	ppn, err := r.pm.AllocateLogPPN(bank)
	if err != nil {
		return nil, layout.LogPageUnknown, errors.Trace(err)
	}
	ppb := uint32(r.cfg.Geometry.PagesPerBlock)
	blk, page := int(ppn/ppb), int(ppn%ppb)
	buf, _, err := r.dev.ReadPage(ctx, bank, blk, page, 0, r.cfg.Geometry.SectorsPerPage)
	if err != nil {
		return nil, layout.LogPageUnknown, errors.Trace(err)
	}
	kind, kerr := layout.PeekMagic(buf)
	if kerr != nil {
		return buf, layout.LogPageUnknown, nil
	}
	return buf, kind, nil
}

// walkChain follows a region's block chain starting at startPPN,
// visiting every written data page (skipping the trailing summary page)
// until it reaches a block whose summary page has no forward pointer —
// the block still open for writes (retrieve_page_entries).
func (r *Recovery) walkChain(ctx context.Context, bank int, startPPN uint32, visit func(ppn, lpn uint32, pgSpan uint16, epoch uint32, gcSurvivor bool)) error {
	ppb := uint32(r.cfg.Geometry.PagesPerBlock)
	blk := startPPN / ppb
	pgStart := int(startPPN % ppb)

	for {
		for page := pgStart; page < int(ppb)-1; page++ {
			_, tag, err := r.dev.ReadPage(ctx, bank, int(blk), page, 0, r.cfg.Geometry.SectorsPerPage)
			if err != nil {
				return errors.Trace(err)
			}
			if tag.Erased() {
				break
			}
			ppn := blk*ppb + uint32(page)
			visit(ppn, tag.LPN, tag.PgSpan, tag.Epoch, tag.GCSurvivor())
		}

		summaryBuf, _, err := r.dev.ReadPage(ctx, bank, int(blk), int(ppb)-1, 0, r.cfg.Geometry.SectorsPerPage)
		if err != nil {
			return errors.Trace(err)
		}
		summary, derr := layout.DecodeSummaryPage(summaryBuf)
		if derr != nil || summary.NextBlock == 0 {
			return nil
		}
		blk = summary.NextBlock
		pgStart = 0
	}
}
