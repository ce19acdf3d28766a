package recovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yschang/nandftl/ftl/blockmgr"
	"github.com/yschang/nandftl/ftl/config"
	"github.com/yschang/nandftl/ftl/device"
	"github.com/yschang/nandftl/ftl/pagemap"
	"github.com/yschang/nandftl/ftl/simdevice"
	"github.com/yschang/nandftl/ftl/walog"
)

// testCfg keeps the log-block budget well above its reclaim floor so a
// handful of RecordTag/RecordMapEnt/RecordDepEnt calls never trigger an
// unplanned blkmgr_reclaim_log mid-test.
func testCfg() config.Cfg {
	cfg := config.Default()
	cfg.Geometry = config.Geometry{
		Banks:          1,
		BlocksPerBank:  24,
		PagesPerBlock:  8,
		SectorsPerPage: 2,
		BytesPerSector: 16,
	}
	cfg.NumLogBlksPerBank = 4
	cfg.LogReclaimBlkFloor = 1
	return cfg
}

type harness struct {
	cfg config.Cfg
	bm  *blockmgr.Manager
	dev *simdevice.Device
	pm  *pagemap.Map
	wl  *walog.Log
}

func newHarness(t *testing.T, ctx context.Context) *harness {
	cfg := testCfg()
	bm := blockmgr.New(cfg)
	dev := simdevice.New(cfg.Geometry)
	pm, err := pagemap.New(ctx, cfg, dev, bm, 64)
	require.NoError(t, err)
	wl := walog.New(cfg, dev, bm, pm)
	return &harness{cfg: cfg, bm: bm, dev: dev, pm: pm, wl: wl}
}

// writeDataPage allocates the next ppn in the cold region and, unless
// skipProgram is set (to simulate a page a crash never reached), programs
// it with a host-write spare tag.
func (h *harness) writeDataPage(t *testing.T, ctx context.Context, lpn uint32, epoch uint32, pgSpan uint16, skipProgram bool) uint32 {
	ppn, err := h.pm.AllocateActivePPN(ctx, 0, 1)
	require.NoError(t, err)
	ppb := uint32(h.cfg.Geometry.PagesPerBlock)
	h.pm.SetLPN(0, 1, int(ppn%ppb), lpn)
	if !skipProgram {
		data := make([]byte, h.cfg.Geometry.BytesPerPage())
		tag := device.SpareTag{Present: true, LPN: lpn, PgSpan: pgSpan, Epoch: epoch}
		require.NoError(t, h.dev.ProgramPage(ctx, 0, int(ppn/ppb), int(ppn%ppb), data, tag))
	}
	return ppn
}

// commitEpoch1 writes lpn5 as a single-page epoch-1 write and checkpoints
// it fully: mapent flushed, barrier raised, tag committed. It returns the
// ppn lpn5 landed on.
func (h *harness) commitEpoch1(t *testing.T, ctx context.Context) uint32 {
	h.pm.SetCurrentEpoch(1)
	ppn := h.writeDataPage(t, ctx, 5, 1, 1, false)
	h.pm.SetPPN(5, ppn)
	h.bm.IncVCount(0, ppn/uint32(h.cfg.Geometry.PagesPerBlock))
	h.wl.InsertMapEnt(5, ppn)
	require.NoError(t, h.wl.RecordMapEnt(ctx))
	h.bm.ReserveBarrier()
	require.NoError(t, h.wl.RecordTag(ctx, 2))
	return ppn
}

func TestAnalyzeCleanCommitRestoresCommittedMapping(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ctx)
	ppn5 := h.commitEpoch1(t, ctx)

	// Simulate a cold boot: the in-memory L2P entry is gone, only the
	// durable log and data pages remain.
	h.pm.Trim(5, 1)
	require.Equal(t, pagemap.UnmappedPPN, h.pm.GetPPN(5))

	rec := New(h.cfg, h.dev, h.bm, h.pm)
	rep, err := rec.Analyze(ctx, 0)
	require.NoError(t, err)
	require.False(t, rep.NoCommitFound)
	require.Equal(t, uint32(1), rep.EpochCommit)
	require.Equal(t, uint32(2), rep.EpochIncomplete)

	require.NoError(t, rec.Rebuild(ctx, rep))
	require.Equal(t, ppn5, h.pm.GetPPN(5))
}

func TestAnalyzeTornMultiPageWriteRolledBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ctx)
	h.commitEpoch1(t, ctx)

	// Epoch 2 spans two pages but the second never lands before the
	// simulated crash: its tag reads back erased.
	h.pm.SetCurrentEpoch(2)
	h.writeDataPage(t, ctx, 10, 2, 2, false)
	h.writeDataPage(t, ctx, 10, 2, 2, true)
	h.pm.Trim(10, 1)

	rec := New(h.cfg, h.dev, h.bm, h.pm)
	rep, err := rec.Analyze(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(1), rep.EpochCommit)
	require.Equal(t, uint32(2), rep.EpochIncomplete)

	require.NoError(t, rec.Rebuild(ctx, rep))
	require.Equal(t, pagemap.UnmappedPPN, h.pm.GetPPN(10))
}

func TestAnalyzeRAWDependencyForcesEarlierEpochIncomplete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ctx)
	h.commitEpoch1(t, ctx)

	// Epoch 2 fully lands (looks complete in isolation).
	h.pm.SetCurrentEpoch(2)
	h.writeDataPage(t, ctx, 20, 2, 1, false)

	// Epoch 3 overwrote the same cache buffer epoch 2's write was still
	// sitting in, then itself gets torn (only the first of two pages
	// lands). The dependency record proves epoch 2's durability and
	// epoch 3's are linked.
	h.pm.SetCurrentEpoch(3)
	h.writeDataPage(t, ctx, 30, 3, 2, false)
	h.writeDataPage(t, ctx, 30, 3, 2, true)

	h.wl.InsertDepEnt(2, 3, 1)
	require.NoError(t, h.wl.RecordDepEnt(ctx))

	h.pm.Trim(20, 1)
	h.pm.Trim(30, 1)

	rec := New(h.cfg, h.dev, h.bm, h.pm)
	rep, err := rec.Analyze(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(1), rep.EpochCommit)
	// Without the dependency, the gap scan alone would stop at epoch 3
	// (epoch 2's own page count already looks complete). The RAW
	// dependency pulls the bound back to 2.
	require.Equal(t, uint32(2), rep.EpochIncomplete)

	require.NoError(t, rec.Rebuild(ctx, rep))
	require.Equal(t, pagemap.UnmappedPPN, h.pm.GetPPN(20))
	require.Equal(t, pagemap.UnmappedPPN, h.pm.GetPPN(30))
}

func TestGCSurvivorPagesPreservedThroughRecovery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ctx)
	h.commitEpoch1(t, ctx)

	// A GC relocation lands after the last commit and the process dies
	// before anything else happens. GC-survivor pages carry no host
	// epoch and must survive regardless of epoch_incomplete.
	ppnGC, err := h.pm.AllocateActivePPN(ctx, 0, 1)
	require.NoError(t, err)
	ppb := uint32(h.cfg.Geometry.PagesPerBlock)
	h.pm.SetLPN(0, 1, int(ppnGC%ppb), 50)
	data := make([]byte, h.cfg.Geometry.BytesPerPage())
	tag := device.SpareTag{Present: true, LPN: 50, Epoch: device.EpochGCMove}
	require.NoError(t, h.dev.ProgramPage(ctx, 0, int(ppnGC/ppb), int(ppnGC%ppb), data, tag))
	h.pm.Trim(50, 1)

	rec := New(h.cfg, h.dev, h.bm, h.pm)
	rep, err := rec.Analyze(ctx, 0)
	require.NoError(t, err)
	// Analyze applies GC-survivor mappings unconditionally as it walks.
	require.Equal(t, ppnGC, h.pm.GetPPN(50))

	require.NoError(t, rec.Rebuild(ctx, rep))
	require.Equal(t, ppnGC, h.pm.GetPPN(50))
}

func TestAnalyzeNoCommitFoundOnBlankLog(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ctx)

	rec := New(h.cfg, h.dev, h.bm, h.pm)
	rep, err := rec.Analyze(ctx, 0)
	require.NoError(t, err)
	require.True(t, rep.NoCommitFound)

	require.NoError(t, rec.Rebuild(ctx, rep))
}
