package dispatcher

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yschang/nandftl/ftl/config"
	"github.com/yschang/nandftl/ftl/simdevice"
)

func testCfg() config.Cfg {
	cfg := config.Default()
	cfg.Geometry = config.Geometry{
		Banks:          1,
		BlocksPerBank:  20,
		PagesPerBlock:  4,
		SectorsPerPage: 2,
		BytesPerSector: 16,
	}
	cfg.NumLogBlksPerBank = 4
	cfg.LogReclaimBlkFloor = 1
	return cfg
}

func openTestFTL(t *testing.T, ctx context.Context) (*FTL, *simdevice.Device) {
	cfg := testCfg()
	dev := simdevice.New(cfg.Geometry)
	f, err := Open(ctx, cfg, dev, 256)
	require.NoError(t, err)
	return f, dev
}

func pattern(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i)
	}
	return buf
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	f, _ := openTestFTL(t, ctx)

	data := pattern(32, 0x10) // one full page: 2 sectors * 16 bytes
	require.NoError(t, f.Write(ctx, 0, data))

	got, err := f.Read(ctx, 0, 2)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestUnmappedReadReturnsSentinelFill(t *testing.T) {
	ctx := context.Background()
	f, _ := openTestFTL(t, ctx)

	got, err := f.Read(ctx, 100, 2)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0xFF}, 32), got)
}

func TestPartialOverwritePreservesNeighboringBytes(t *testing.T) {
	ctx := context.Background()
	f, _ := openTestFTL(t, ctx)

	full := pattern(32, 0x01)
	require.NoError(t, f.Write(ctx, 0, full))
	require.NoError(t, f.Flush(ctx))

	// Overwrite only the second sector of the page.
	patch := pattern(16, 0x55)
	require.NoError(t, f.Write(ctx, 1, patch))

	got, err := f.Read(ctx, 0, 2)
	require.NoError(t, err)
	require.Equal(t, full[:16], got[:16], "first sector must survive the partial write untouched")
	require.Equal(t, patch, got[16:])
}

func TestMultiPageWriteSpansPages(t *testing.T) {
	ctx := context.Background()
	f, _ := openTestFTL(t, ctx)

	data := pattern(96, 0x20) // three pages worth (2 sectors/page, 16B/sector)
	require.NoError(t, f.Write(ctx, 0, data))

	got, err := f.Read(ctx, 0, 6)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestRewriteSameLPNBeforeFlushReturnsLatestData(t *testing.T) {
	ctx := context.Background()
	f, _ := openTestFTL(t, ctx)

	first := pattern(32, 0x01)
	require.NoError(t, f.Write(ctx, 0, first))
	second := pattern(32, 0x02)
	require.NoError(t, f.Write(ctx, 0, second))

	got, err := f.Read(ctx, 0, 2)
	require.NoError(t, err)
	require.Equal(t, second, got)
}

func TestTrimClearsMapping(t *testing.T) {
	ctx := context.Background()
	f, _ := openTestFTL(t, ctx)

	data := pattern(32, 0x30)
	require.NoError(t, f.Write(ctx, 0, data))
	require.NoError(t, f.Flush(ctx))

	f.Trim(0, 1)

	got, err := f.Read(ctx, 0, 2)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0xFF}, 32), got)
}

func TestSustainedWritesAcrossManyLPNsSurviveGCAndReclaim(t *testing.T) {
	ctx := context.Background()
	f, _ := openTestFTL(t, ctx)

	const n = 60
	payloads := make([][]byte, n)
	for lpn := 0; lpn < n; lpn++ {
		payloads[lpn] = pattern(32, byte(lpn))
		require.NoError(t, f.Write(ctx, uint32(lpn*2), payloads[lpn]))
	}
	require.NoError(t, f.Flush(ctx))

	for lpn := 0; lpn < n; lpn++ {
		got, err := f.Read(ctx, uint32(lpn*2), 2)
		require.NoError(t, err)
		require.Equalf(t, payloads[lpn], got, "lpn %d", lpn)
	}
}

func TestCloseFlushesAndRecordsFinalCheckpoint(t *testing.T) {
	ctx := context.Background()
	f, _ := openTestFTL(t, ctx)

	data := pattern(32, 0x40)
	require.NoError(t, f.Write(ctx, 0, data))
	require.NoError(t, f.Close(ctx))
}
