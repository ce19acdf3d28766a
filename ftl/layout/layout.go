// Package layout defines the on-flash byte formats for the change-log
// pages, block summary pages, and shadow-map commit pages spec.md §6
// specifies, the way the teacher's storage/store/pages package defines
// fixed binary page layouts for InnoDB-style pages.
package layout

import (
	"encoding/binary"
	"errors"

	"github.com/yschang/nandftl/util"
)

// Magic tags identify a log page's record type, written as the first
// 4 bytes of the page (spec.md §6).
const (
	MagicCommit uint32 = 100
	MagicMapEnt uint32 = 200
	MagicDepEnt uint32 = 300

	// MagicShadowCommit tags the shadow-map commit page (spec.md §4.3);
	// distinct numeric space from the log-page magics above so a stray
	// read can never confuse the two page families.
	MagicShadowCommit uint32 = 815
)

var ErrBadMagic = errors.New("layout: unrecognized page magic")

const magicSize = 4
const countSize = 4

// MapEnt is one L2P delta record: lpn was placed at ppn as of epoch.
type MapEnt struct {
	LPN   uint32
	PPN   uint32
	Epoch uint32
}

const mapEntSize = 4 + 4 + 4

// DepEnt records a RAW hazard: a write at epoch_dst landed on a cache
// entry still holding data from epoch_src, spanning pg_span pages
// (spec.md §4.2, §4.6).
type DepEnt struct {
	EpochSrc uint32
	EpochDst uint32
	PgSpan   uint16
}

const depEntSize = 4 + 4 + 2

// EncodeMapEntPage serializes a MAPENT log page: magic, count, entries.
func EncodeMapEntPage(pageSize int, ents []MapEnt) ([]byte, error) {
	need := magicSize + countSize + len(ents)*mapEntSize
	if need > pageSize {
		return nil, errors.New("layout: too many mapents for page size")
	}
	buf := make([]byte, pageSize)
	binary.BigEndian.PutUint32(buf[0:4], MagicMapEnt)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(ents)))
	off := 8
	for _, e := range ents {
		binary.BigEndian.PutUint32(buf[off:off+4], e.LPN)
		binary.BigEndian.PutUint32(buf[off+4:off+8], e.PPN)
		binary.BigEndian.PutUint32(buf[off+8:off+12], e.Epoch)
		off += mapEntSize
	}
	return buf, nil
}

// DecodeMapEntPage reverses EncodeMapEntPage.
func DecodeMapEntPage(buf []byte) ([]MapEnt, error) {
	if len(buf) < 8 {
		return nil, ErrBadMagic
	}
	if binary.BigEndian.Uint32(buf[0:4]) != MagicMapEnt {
		return nil, ErrBadMagic
	}
	n := int(binary.BigEndian.Uint32(buf[4:8]))
	ents := make([]MapEnt, 0, n)
	off := 8
	for i := 0; i < n; i++ {
		if off+mapEntSize > len(buf) {
			return nil, errors.New("layout: truncated mapent page")
		}
		ents = append(ents, MapEnt{
			LPN:   binary.BigEndian.Uint32(buf[off : off+4]),
			PPN:   binary.BigEndian.Uint32(buf[off+4 : off+8]),
			Epoch: binary.BigEndian.Uint32(buf[off+8 : off+12]),
		})
		off += mapEntSize
	}
	return ents, nil
}

// EncodeDepEntPage serializes a DEPENT log page.
func EncodeDepEntPage(pageSize int, ents []DepEnt) ([]byte, error) {
	need := magicSize + countSize + len(ents)*depEntSize
	if need > pageSize {
		return nil, errors.New("layout: too many depents for page size")
	}
	buf := make([]byte, pageSize)
	binary.BigEndian.PutUint32(buf[0:4], MagicDepEnt)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(ents)))
	off := 8
	for _, e := range ents {
		binary.BigEndian.PutUint32(buf[off:off+4], e.EpochSrc)
		binary.BigEndian.PutUint32(buf[off+4:off+8], e.EpochDst)
		binary.BigEndian.PutUint16(buf[off+8:off+10], e.PgSpan)
		off += depEntSize
	}
	return buf, nil
}

// DecodeDepEntPage reverses EncodeDepEntPage.
func DecodeDepEntPage(buf []byte) ([]DepEnt, error) {
	if len(buf) < 8 {
		return nil, ErrBadMagic
	}
	if binary.BigEndian.Uint32(buf[0:4]) != MagicDepEnt {
		return nil, ErrBadMagic
	}
	n := int(binary.BigEndian.Uint32(buf[4:8]))
	ents := make([]DepEnt, 0, n)
	off := 8
	for i := 0; i < n; i++ {
		if off+depEntSize > len(buf) {
			return nil, errors.New("layout: truncated depent page")
		}
		ents = append(ents, DepEnt{
			EpochSrc: binary.BigEndian.Uint32(buf[off : off+4]),
			EpochDst: binary.BigEndian.Uint32(buf[off+4 : off+8]),
			PgSpan:   binary.BigEndian.Uint16(buf[off+8 : off+10]),
		})
		off += depEntSize
	}
	return ents, nil
}

// EncodeCommitPage serializes a COMMIT marker page: magic, the epoch
// committed as of this point in the log, and a snapshot of every
// bank/region's active-ppn cursor so recovery knows where to start its
// block-chain walk without needing the live pagemap state (spec.md §6,
// original recovery.c's process_commit).
func EncodeCommitPage(pageSize int, epoch uint32, activePPNs [][]uint32) ([]byte, error) {
	nBanks := len(activePPNs)
	nRegions := 0
	if nBanks > 0 {
		nRegions = len(activePPNs[0])
	}
	need := 8 + nBanks*nRegions*4
	if need > pageSize {
		return nil, errors.New("layout: page too small for commit marker")
	}
	buf := make([]byte, pageSize)
	binary.BigEndian.PutUint32(buf[0:4], MagicCommit)
	binary.BigEndian.PutUint32(buf[4:8], epoch)
	off := 8
	for bank := 0; bank < nBanks; bank++ {
		for region := 0; region < nRegions; region++ {
			binary.BigEndian.PutUint32(buf[off:off+4], activePPNs[bank][region])
			off += 4
		}
	}
	return buf, nil
}

// DecodeCommitPage reverses EncodeCommitPage, given the bank/region
// counts the caller expects to find (both fixed by device geometry).
func DecodeCommitPage(buf []byte, nBanks, nRegions int) (epoch uint32, activePPNs [][]uint32, err error) {
	if len(buf) < 8 {
		return 0, nil, ErrBadMagic
	}
	if binary.BigEndian.Uint32(buf[0:4]) != MagicCommit {
		return 0, nil, ErrBadMagic
	}
	epoch = binary.BigEndian.Uint32(buf[4:8])
	need := 8 + nBanks*nRegions*4
	if len(buf) < need {
		return 0, nil, errors.New("layout: truncated commit marker")
	}
	activePPNs = make([][]uint32, nBanks)
	off := 8
	for bank := 0; bank < nBanks; bank++ {
		activePPNs[bank] = make([]uint32, nRegions)
		for region := 0; region < nRegions; region++ {
			activePPNs[bank][region] = binary.BigEndian.Uint32(buf[off : off+4])
			off += 4
		}
	}
	return epoch, activePPNs, nil
}

// LogPageKind is the decoded type of a page read back from a log block.
type LogPageKind int

const (
	LogPageUnknown LogPageKind = iota
	LogPageCommit
	LogPageMapEnt
	LogPageDepEnt
)

// PeekMagic inspects a log page's magic without fully decoding the body,
// the way the recovery scan classifies each page in one pass
// (spec.md §4.6, original parse_log_pg_type).
func PeekMagic(buf []byte) (LogPageKind, error) {
	if len(buf) < 4 {
		return LogPageUnknown, ErrBadMagic
	}
	switch binary.BigEndian.Uint32(buf[0:4]) {
	case MagicCommit:
		return LogPageCommit, nil
	case MagicMapEnt:
		return LogPageMapEnt, nil
	case MagicDepEnt:
		return LogPageDepEnt, nil
	default:
		return LogPageUnknown, ErrBadMagic
	}
}

// SummaryPage is the per-block trailer spec.md §6 writes once a block's
// active cursor moves on: which lpn landed in each page slot, so
// recovery/GC can identify a block's contents without the full map.
type SummaryPage struct {
	Entries   []uint32 // lpn per page slot, 0xFFFFFFFF for never-written
	NextBlock uint32   // next data block of the same (bank, region), followed by recovery's chain walk
}

const SummaryEmptyLPN uint32 = 0xFFFFFFFF

// EncodeSummaryPage serializes a block's per-page lpn table plus the
// chain-forward pointer to the next block of the same kind.
func EncodeSummaryPage(pageSize int, s SummaryPage) ([]byte, error) {
	need := countSize + len(s.Entries)*4 + 4
	if need > pageSize {
		return nil, errors.New("layout: summary page too large")
	}
	buf := make([]byte, pageSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(s.Entries)))
	off := 4
	for _, lpn := range s.Entries {
		binary.BigEndian.PutUint32(buf[off:off+4], lpn)
		off += 4
	}
	binary.BigEndian.PutUint32(buf[off:off+4], s.NextBlock)
	return buf, nil
}

// DecodeSummaryPage reverses EncodeSummaryPage.
func DecodeSummaryPage(buf []byte) (SummaryPage, error) {
	if len(buf) < 4 {
		return SummaryPage{}, ErrBadMagic
	}
	n := int(binary.BigEndian.Uint32(buf[0:4]))
	if 4+n*4+4 > len(buf) {
		return SummaryPage{}, errors.New("layout: truncated summary page")
	}
	out := SummaryPage{Entries: make([]uint32, n)}
	off := 4
	for i := 0; i < n; i++ {
		out.Entries[i] = binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
	}
	out.NextBlock = binary.BigEndian.Uint32(buf[off : off+4])
	return out, nil
}

// ShadowCommitPage is the small trailer page written to whichever
// shadow map-block copy (A/B) was just fully rewritten, recording which
// epoch's map state it holds (spec.md §4.3).
type ShadowCommitPage struct {
	Epoch uint32
}

// EncodeShadowCommitPage serializes the shadow commit marker.
func EncodeShadowCommitPage(pageSize int, epoch uint32) ([]byte, error) {
	if pageSize < 8 {
		return nil, errors.New("layout: page too small for shadow commit marker")
	}
	buf := make([]byte, pageSize)
	binary.BigEndian.PutUint32(buf[0:4], MagicShadowCommit)
	binary.BigEndian.PutUint32(buf[4:8], epoch)
	return buf, nil
}

// DecodeShadowCommitPage reverses EncodeShadowCommitPage. ok is false if
// the page was never written or carries a foreign magic — both read as
// "this shadow copy has no valid commit" to the caller.
func DecodeShadowCommitPage(buf []byte) (p ShadowCommitPage, ok bool) {
	if len(buf) < 8 {
		return ShadowCommitPage{}, false
	}
	if binary.BigEndian.Uint32(buf[0:4]) != MagicShadowCommit {
		return ShadowCommitPage{}, false
	}
	return ShadowCommitPage{Epoch: binary.BigEndian.Uint32(buf[4:8])}, true
}

// SpareSize is the fixed 12-byte OOB layout for data pages: lpn(4),
// pg_span(2, padded to 4), epoch(4) — matches util.Convert* big-endian
// conventions used elsewhere in the tree.
const SpareSize = 12

// EncodeSpare serializes a data page's spare area.
func EncodeSpare(lpn uint32, pgSpan uint16, epoch uint32) []byte {
	buf := make([]byte, SpareSize)
	copy(buf[0:4], util.ConvertUInt4Bytes(lpn))
	copy(buf[4:6], util.ConvertUInt2Bytes(pgSpan))
	copy(buf[8:12], util.ConvertUInt4Bytes(epoch))
	return buf
}

// DecodeSpare reverses EncodeSpare.
func DecodeSpare(buf []byte) (lpn uint32, pgSpan uint16, epoch uint32, err error) {
	if len(buf) < SpareSize {
		return 0, 0, 0, errors.New("layout: truncated spare area")
	}
	lpn = util.ReadUB4Byte2UInt32(buf[0:4])
	pgSpan = util.ReadUB2Byte2UInt16(buf[4:6])
	epoch = util.ReadUB4Byte2UInt32(buf[8:12])
	return lpn, pgSpan, epoch, nil
}
