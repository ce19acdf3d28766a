package layout

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapEntPageRoundTrip(t *testing.T) {
	ents := []MapEnt{
		{LPN: 1, PPN: 2, Epoch: 3},
		{LPN: 4, PPN: 5, Epoch: 6},
	}
	buf, err := EncodeMapEntPage(4096, ents)
	require.NoError(t, err)

	got, err := DecodeMapEntPage(buf)
	require.NoError(t, err)
	require.Equal(t, ents, got)
}

func TestDepEntPageRoundTrip(t *testing.T) {
	ents := []DepEnt{{EpochSrc: 1, EpochDst: 5, PgSpan: 3}}
	buf, err := EncodeDepEntPage(512, ents)
	require.NoError(t, err)

	got, err := DecodeDepEntPage(buf)
	require.NoError(t, err)
	require.Equal(t, ents, got)
}

func TestCommitPageRoundTrip(t *testing.T) {
	activePPNs := [][]uint32{{1, 2}, {3, 4}}
	buf, err := EncodeCommitPage(512, 42, activePPNs)
	require.NoError(t, err)

	epoch, got, err := DecodeCommitPage(buf, 2, 2)
	require.NoError(t, err)
	require.Equal(t, uint32(42), epoch)
	require.Equal(t, activePPNs, got)
}

func TestPeekMagicClassifiesEachKind(t *testing.T) {
	commit, _ := EncodeCommitPage(512, 1, [][]uint32{{0, 0}})
	mapent, _ := EncodeMapEntPage(512, nil)
	depent, _ := EncodeDepEntPage(512, nil)

	kind, err := PeekMagic(commit)
	require.NoError(t, err)
	require.Equal(t, LogPageCommit, kind)

	kind, err = PeekMagic(mapent)
	require.NoError(t, err)
	require.Equal(t, LogPageMapEnt, kind)

	kind, err = PeekMagic(depent)
	require.NoError(t, err)
	require.Equal(t, LogPageDepEnt, kind)
}

func TestPeekMagicRejectsGarbage(t *testing.T) {
	_, err := PeekMagic([]byte{0, 0, 0, 0})
	require.Error(t, err)
}

func TestSummaryPageRoundTrip(t *testing.T) {
	s := SummaryPage{Entries: []uint32{SummaryEmptyLPN, 7, 8}, NextBlock: 12}
	buf, err := EncodeSummaryPage(512, s)
	require.NoError(t, err)

	got, err := DecodeSummaryPage(buf)
	require.NoError(t, err)
	require.Equal(t, s, got)
}

func TestShadowCommitPageRoundTrip(t *testing.T) {
	buf, err := EncodeShadowCommitPage(512, 99)
	require.NoError(t, err)

	p, ok := DecodeShadowCommitPage(buf)
	require.True(t, ok)
	require.Equal(t, uint32(99), p.Epoch)
}

func TestShadowCommitPageRejectsUnwritten(t *testing.T) {
	_, ok := DecodeShadowCommitPage(make([]byte, 512))
	require.False(t, ok)
}

func TestSpareRoundTrip(t *testing.T) {
	buf := EncodeSpare(123, 4, 9999)
	lpn, pgSpan, epoch, err := DecodeSpare(buf)
	require.NoError(t, err)
	require.Equal(t, uint32(123), lpn)
	require.Equal(t, uint16(4), pgSpan)
	require.Equal(t, uint32(9999), epoch)
}
