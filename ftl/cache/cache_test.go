package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yschang/nandftl/ftl/blockmgr"
	"github.com/yschang/nandftl/ftl/config"
	"github.com/yschang/nandftl/ftl/pagemap"
	"github.com/yschang/nandftl/ftl/simdevice"
	"github.com/yschang/nandftl/ftl/walog"
)

func testCfg() config.Cfg {
	cfg := config.Default()
	cfg.Geometry.Banks = 2
	cfg.Geometry.BlocksPerBank = 16
	cfg.Geometry.PagesPerBlock = 8
	cfg.Geometry.SectorsPerPage = 2
	cfg.Geometry.BytesPerSector = 16
	return cfg
}

func newTestCache(t *testing.T) *Cache {
	cfg := testCfg()
	bm := blockmgr.New(cfg)
	dev := simdevice.New(cfg.Geometry)
	pm, err := pagemap.New(context.Background(), cfg, dev, bm, 64)
	require.NoError(t, err)
	wl := walog.New(cfg, dev, bm, pm)
	return New(cfg, dev, bm, pm, wl)
}

func TestEnqueueMarksDirtyAndIndexesLPN(t *testing.T) {
	c := newTestCache(t)
	data := make([]byte, testCfg().Geometry.BytesPerPage())
	c.Enqueue(0, 3, 0, 0, 0, true, data, 1, 1)

	require.True(t, c.IsDirty(0, 0))
	idx, ok := c.ExistInCache(0, 3)
	require.True(t, ok)
	require.Equal(t, 0, idx)
}

func TestExistInCacheMissesAcrossBanksAndLPNs(t *testing.T) {
	c := newTestCache(t)
	data := make([]byte, testCfg().Geometry.BytesPerPage())
	c.Enqueue(0, 3, 0, 0, 0, true, data, 1, 1)

	_, ok := c.ExistInCache(0, 4)
	require.False(t, ok, "different lpn, same bank, must miss")
	_, ok = c.ExistInCache(1, 3)
	require.False(t, ok, "same lpn, different bank, must miss")
}

func TestExistInCacheFollowsBufferReassignment(t *testing.T) {
	c := newTestCache(t)
	data := make([]byte, testCfg().Geometry.BytesPerPage())
	c.Enqueue(0, 3, 0, 0, 0, true, data, 1, 1)
	c.Enqueue(0, 3, 9, 0, 0, true, data, 1, 1)

	_, ok := c.ExistInCache(0, 3)
	require.True(t, ok)
	idx, _ := c.ExistInCache(0, 3)
	require.Equal(t, 9, idx, "re-enqueue under a different buffer must retarget the lookup")
}

func TestDequeueWithNoDirtyReturnsNotOK(t *testing.T) {
	c := newTestCache(t)
	_, ok, err := c.Dequeue(context.Background(), 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDequeueWritesBackAndUpdatesMap(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	data := make([]byte, testCfg().Geometry.BytesPerPage())
	for i := range data {
		data[i] = byte(i + 1)
	}
	c.Enqueue(0, 7, 0, 0, 0, true, data, 1, 5)

	lpn, ok, err := c.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(7), lpn)

	ppn := c.pm.GetPPN(7)
	require.NotEqual(t, pagemap.UnmappedPPN, ppn)
	require.False(t, c.IsDirty(0, 0))
}

func TestFlushWriteBufDrainsAllBanks(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	data := make([]byte, testCfg().Geometry.BytesPerPage())
	c.Enqueue(0, 1, 0, 0, 0, true, data, 1, 1)
	c.Enqueue(1, 2, 0, 0, 0, true, data, 1, 1)

	require.NoError(t, c.FlushWriteBuf(ctx))
	require.Equal(t, 0, c.TotalDirtyBufs())
}
