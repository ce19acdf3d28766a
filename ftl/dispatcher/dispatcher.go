// Package dispatcher wires every FTL component into the single
// host-facing surface spec.md §5 describes: ftl_open/ftl_read/ftl_write/
// ftl_flush/ftl_close translated into Go method calls on one long-lived
// value. Grounded directly on the original firmware's ftl.c.
package dispatcher

import (
	"context"

	"github.com/juju/errors"

	"github.com/yschang/nandftl/ftl/blockmgr"
	"github.com/yschang/nandftl/ftl/cache"
	"github.com/yschang/nandftl/ftl/config"
	"github.com/yschang/nandftl/ftl/device"
	"github.com/yschang/nandftl/ftl/gc"
	"github.com/yschang/nandftl/ftl/pagemap"
	"github.com/yschang/nandftl/ftl/recovery"
	"github.com/yschang/nandftl/ftl/walog"
)

// FTL is the process-wide FTL context (ftl_open's static state).
type FTL struct {
	cfg   config.Cfg
	dev   device.Device
	bm    *blockmgr.Manager
	pm    *pagemap.Map
	cache *cache.Cache
	wlog  *walog.Log
	gc    *gc.Engine

	epoch     uint32
	hostPages uint64 // host page writes, for gc.Engine.WriteAmplification
}

// Open builds every component, then tries to restore the L2P map from
// the shadow snapshot and replay the change log on top of it; a blank
// device (pagemap.ErrNoMapFound) is treated as a fresh format instead
// (ftl_open's check_format_mark / format() branch). numLPNs bounds the
// addressable logical page space.
func Open(ctx context.Context, cfg config.Cfg, dev device.Device, numLPNs int) (*FTL, error) {
	bm := blockmgr.New(cfg)
	pm, err := pagemap.New(ctx, cfg, dev, bm, numLPNs)
	if err != nil {
		return nil, errors.Annotatef(err, "dispatcher: open pagemap")
	}

	epoch, err := pm.Restore(ctx)
	switch {
	case errors.Cause(err) == pagemap.ErrNoMapFound:
		epoch = 0
	case err != nil:
		return nil, errors.Annotatef(err, "dispatcher: restore map")
	default:
		rec := recovery.New(cfg, dev, bm, pm)
		rep, rerr := rec.Analyze(ctx, epoch)
		if rerr != nil {
			return nil, errors.Annotatef(rerr, "dispatcher: analyze log")
		}
		if rerr := rec.Rebuild(ctx, rep); rerr != nil {
			return nil, errors.Annotatef(rerr, "dispatcher: rebuild map")
		}
		epoch = rep.EpochIncomplete
	}

	wlog := walog.New(cfg, dev, bm, pm)
	ch := cache.New(cfg, dev, bm, pm, wlog)
	eng := gc.New(cfg, dev, bm, pm, wlog)
	pm.SetCurrentEpoch(epoch)

	return &FTL{cfg: cfg, dev: dev, bm: bm, pm: pm, cache: ch, wlog: wlog, gc: eng, epoch: epoch}, nil
}

// Close flushes every dirty buffer and writes a final mapent/tag pair so
// the next Open needs to replay nothing but what happens after this
// point (ftl_close).
func (f *FTL) Close(ctx context.Context) error {
	if err := f.Flush(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := f.wlog.RecordMapEnt(ctx); err != nil {
		return errors.Annotatef(err, "dispatcher: close record mapent")
	}
	if err := f.wlog.RecordTag(ctx, f.epoch); err != nil {
		return errors.Annotatef(err, "dispatcher: close record tag")
	}
	return nil
}

// Flush drains any pending dependency records and every bank's dirty
// write-buffer entries to flash (ftl_prefix_flush).
func (f *FTL) Flush(ctx context.Context) error {
	if err := f.wlog.RecordDepEnt(ctx); err != nil {
		return errors.Annotatef(err, "dispatcher: flush record depent")
	}
	return errors.Trace(f.cache.FlushWriteBuf(ctx))
}

// GetEpoch returns the next epoch number a write will be stamped with.
func (f *FTL) GetEpoch() uint32 { return f.epoch }

// WriteAmplification reports the GC engine's ratio of physical page
// programs (host writes plus GC relocations) to host page writes
// accumulated so far (spec.md §2 item 5).
func (f *FTL) WriteAmplification() float64 { return f.gc.WriteAmplification(f.hostPages) }

// Trim clears the mapping for a run of logical pages (pgmap_trim via
// ftl_trim, not separately modeled in ftl.c but present in pgmap.c).
func (f *FTL) Trim(lpn, nPages uint32) { f.pm.Trim(lpn, nPages) }

func (f *FTL) bank(lpn uint32) int { return int(lpn) % f.cfg.Geometry.Banks }

// Read satisfies n_sect sectors starting at lba: lpn-by-lpn, a hit on a
// dirty write-buffer entry is served from DRAM, otherwise the current
// mapping is read from flash, and an unmapped lpn returns the
// never-written sentinel fill (ftl_read).
func (f *FTL) Read(ctx context.Context, lba uint32, nsect int) ([]byte, error) {
	bps := f.cfg.Geometry.BytesPerSector
	spp := f.cfg.Geometry.SectorsPerPage
	ppb := uint32(f.cfg.Geometry.PagesPerBlock)

	out := make([]byte, nsect*bps)
	lpn := lba / uint32(spp)
	baseSect := int(lba % uint32(spp))
	remain := nsect
	outOff := 0

	for remain > 0 {
		cnt := spp - baseSect
		if cnt > remain {
			cnt = remain
		}
		bank := f.bank(lpn)

		served := false
		if buf, hit := f.cache.ExistInCache(bank, lpn); hit {
			if data, ok := f.cache.Read(bank, buf); ok {
				copy(out[outOff:outOff+cnt*bps], data[baseSect*bps:(baseSect+cnt)*bps])
				served = true
			}
		}
		if !served {
			ppn := f.pm.GetPPN(lpn)
			if ppn == pagemap.UnmappedPPN {
				for i := outOff; i < outOff+cnt*bps; i++ {
					out[i] = 0xFF
				}
			} else {
				got, _, err := f.dev.ReadPage(ctx, bank, int(ppn/ppb), int(ppn%ppb), baseSect, cnt)
				if err != nil {
					return nil, errors.Annotatef(err, "dispatcher: read lpn %d", lpn)
				}
				copy(out[outOff:outOff+cnt*bps], got)
			}
		}

		outOff += cnt * bps
		remain -= cnt
		baseSect = 0
		lpn++
	}
	return out, nil
}

// Write stages n_sect sectors of data starting at lba into the
// write-buffer cache, tagging every page touched with the write's epoch
// and the page span the whole request covers, recording a RAW
// dependency whenever a page lands on a buffer still holding an earlier
// epoch's unflushed data. After every page is staged it advances the
// epoch counter and runs whatever batch GC, checkpoint, or dependency
// flush the post-write thresholds call for (ftl_write).
func (f *FTL) Write(ctx context.Context, lba uint32, data []byte) error {
	bps := f.cfg.Geometry.BytesPerSector
	spp := f.cfg.Geometry.SectorsPerPage
	bytesPerPage := f.cfg.Geometry.BytesPerPage()
	ppb := uint32(f.cfg.Geometry.PagesPerBlock)

	nsect := len(data) / bps
	if nsect == 0 {
		return nil
	}

	lpnStart := lba / uint32(spp)
	baseSect := int(lba % uint32(spp))
	lpnEnd := (lba + uint32(nsect) - 1) / uint32(spp)
	pgSpan := uint16(lpnEnd - lpnStart + 1)

	epoch := f.epoch
	f.pm.SetCurrentEpoch(epoch)

	lpn := lpnStart
	remain := nsect
	dataOff := 0
	for remain > 0 {
		if err := f.cache.PoolWriteBuf(ctx); err != nil {
			return errors.Trace(err)
		}
		cnt := spp - baseSect
		if cnt > remain {
			cnt = remain
		}
		bank := f.bank(lpn)

		buf, hit := f.cache.ExistInCache(bank, lpn)
		if hit && f.cache.IsDirty(bank, buf) {
			epochSrc := f.cache.EntryEpoch(bank, buf)
			pgSpanSrc := f.cache.EntryPgSpan(bank, buf)
			f.wlog.InsertDepEnt(epochSrc, epoch, pgSpanSrc)
			if f.wlog.DepEntsFull() {
				if err := f.wlog.RecordDepEnt(ctx); err != nil {
					return errors.Trace(err)
				}
			}
			base, _ := f.cache.Read(bank, buf)
			pageBuf := make([]byte, bytesPerPage)
			copy(pageBuf, base)
			copy(pageBuf[baseSect*bps:(baseSect+cnt)*bps], data[dataOff:dataOff+cnt*bps])
			f.cache.Enqueue(bank, int(lpn), buf, 0, 0, true, pageBuf, pgSpan, epoch)
		} else {
			var err error
			if !hit {
				buf, err = f.cache.GetCleanBuf(ctx, bank)
				if err != nil {
					return errors.Trace(err)
				}
			}
			pageBuf := make([]byte, bytesPerPage)
			ppn := f.pm.GetPPN(lpn)
			if ppn != pagemap.UnmappedPPN && cnt != spp {
				// Partial write to a page that already holds data: the
				// untouched bytes must survive, so pull them in first.
				full, _, rerr := f.dev.ReadPage(ctx, bank, int(ppn/ppb), int(ppn%ppb), 0, spp)
				if rerr != nil {
					return errors.Annotatef(rerr, "dispatcher: preread lpn %d", lpn)
				}
				copy(pageBuf, full)
			}
			copy(pageBuf[baseSect*bps:(baseSect+cnt)*bps], data[dataOff:dataOff+cnt*bps])
			f.cache.Enqueue(bank, int(lpn), buf, 0, 0, true, pageBuf, pgSpan, epoch)
		}

		f.hostPages++
		dataOff += cnt * bps
		remain -= cnt
		baseSect = 0
		lpn++
	}

	if f.bm.BatchGCNeeded() {
		if err := f.Flush(ctx); err != nil {
			return errors.Trace(err)
		}
		if err := f.gc.RunBatch(ctx); err != nil {
			return errors.Trace(err)
		}
	}

	f.epoch++

	if f.wlog.ReachChkptThreshold() {
		if err := f.Flush(ctx); err != nil {
			return errors.Trace(err)
		}
		if err := f.wlog.RecordMapEnt(ctx); err != nil {
			return errors.Trace(err)
		}
		if err := f.wlog.RecordTag(ctx, f.epoch); err != nil {
			return errors.Trace(err)
		}
	}

	if f.wlog.ReachFlushDepEnt() {
		if err := f.Flush(ctx); err != nil {
			return errors.Trace(err)
		}
	}

	return nil
}
