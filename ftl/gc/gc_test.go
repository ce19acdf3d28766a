package gc

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

func testCfg() config.Cfg {
	cfg := config.Default()
	cfg.Geometry.Banks = 1
	cfg.Geometry.BlocksPerBank = 16
	cfg.Geometry.PagesPerBlock = 4
	cfg.Geometry.SectorsPerPage = 2
	cfg.Geometry.BytesPerSector = 16
	return cfg
}

// fillBlock writes ppb-1 data pages into region's currently-open block
// with lpn lpnBase+i for page i; pages listed in invalidate are left
// stale (l2p points elsewhere), the rest valid (l2p points back at
// them). It then forces the block to roll by allocating once more.
func fillBlock(t *testing.T, ctx context.Context, pm *pagemap.Map, bm *blockmgr.Manager, dev device.Device, bank, region int, lpnBase uint32, invalidate map[int]bool) uint32 {
	ppb := testCfg().Geometry.PagesPerBlock
	var blk uint32
	for page := 0; page < ppb-1; page++ {
		ppn, err := pm.AllocateActivePPN(ctx, bank, region)
		require.NoError(t, err)
		blk = ppn / uint32(ppb)
		lpn := lpnBase + uint32(page)
		pm.SetLPN(bank, region, page, lpn)
		bm.IncVCount(bank, blk)

		data := make([]byte, testCfg().Geometry.BytesPerPage())
		tag := device.SpareTag{Present: true, LPN: lpn, Epoch: 1}
		require.NoError(t, dev.ProgramPage(ctx, bank, int(blk), page, data, tag))

		if invalidate[page] {
			// Superseded elsewhere: l2p points somewhere else, so
			// this physical copy is stale and should not survive GC.
			pm.SetPPN(lpn, ppn+1000)
			bm.DecVCount(bank, blk)
		} else {
			pm.SetPPN(lpn, ppn)
		}
	}
	// force rollover: writes the summary page for blk
	_, err := pm.AllocateActivePPN(ctx, bank, region)
	require.NoError(t, err)
	return blk
}

func TestRunOneRelocatesOnlyValidPages(t *testing.T) {
	ctx := context.Background()
	cfg := testCfg()
	bm := blockmgr.New(cfg)
	dev := simdevice.New(cfg.Geometry)
	pm, err := pagemap.New(ctx, cfg, dev, bm, 256)
	require.NoError(t, err)
	wl := walog.New(cfg, dev, bm, pm)
	eng := New(cfg, dev, bm, pm, wl)

	bm.ReserveBarrier()
	victimBlk := fillBlock(t, ctx, pm, bm, dev, 0, 1, 100, map[int]bool{1: true})
	bm.ReserveBarrier()

	require.Equal(t, uint16(2), bm.VCount(0, victimBlk))

	require.NoError(t, eng.RunOne(ctx, 0, 1))

	require.Equal(t, uint16(0), bm.VCount(0, victimBlk))
	// lpn 100 was valid and must have moved off the victim block.
	ppb := uint32(cfg.Geometry.PagesPerBlock)
	require.NotEqual(t, victimBlk, pm.GetPPN(100)/ppb)

	blk, ok := bm.PendingErase(0)
	require.True(t, ok)
	require.Equal(t, victimBlk, blk)

	stats := eng.Stats()
	require.Equal(t, uint64(1), stats.Invocations[0])
	require.Equal(t, uint64(2), stats.PagesRelocated) // lpn 100 and the page fillBlock never invalidated

	require.Equal(t, float64(0), eng.WriteAmplification(0))
	require.InDelta(t, float64(10+2)/10, eng.WriteAmplification(10), 0.0001)
}
