// Package simdevice is an in-memory device.Device, the Go analogue of
// the original firmware's vst/src/vflash.c emulated flash array — a
// banks[].blocks[].pages[] grid of data+spare, each page either erased
// or programmed exactly once since its last erase. It exists so the
// dispatcher and every component package above it have something
// concrete to drive in tests, without any real NAND timing model.
package simdevice

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"github.com/yschang/nandftl/ftl/config"
	"github.com/yschang/nandftl/ftl/device"
)

var (
	ErrOutOfRange    = errors.New("simdevice: address out of range")
	ErrNotErased     = errors.New("simdevice: program on a non-erased page")
	ErrBankBusy      = errors.New("simdevice: bank still has a command in flight")
)

type page struct {
	data    []byte
	tag     device.SpareTag
	erased  bool
}

type block struct {
	pages []page
}

type bank struct {
	mu     sync.Mutex
	blocks []block
	busy   bool
}

// Device is a fully synchronous, single-process flash array. Commands
// complete before the call returns; BankIdle always reports true
// between calls, matching a simulator rather than a real device, which
// is consistent with spec.md's scope (device timing is out of scope).
type Device struct {
	geo   config.Geometry
	banks []bank
}

// New allocates a fully-erased flash array sized per geo.
func New(geo config.Geometry) *Device {
	d := &Device{geo: geo, banks: make([]bank, geo.Banks)}
	for b := range d.banks {
		d.banks[b].blocks = make([]block, geo.BlocksPerBank)
		for blk := range d.banks[b].blocks {
			d.banks[b].blocks[blk].pages = make([]page, geo.PagesPerBlock)
			for p := range d.banks[b].blocks[blk].pages {
				d.banks[b].blocks[blk].pages[p] = page{
					data:   make([]byte, geo.BytesPerPage()),
					erased: true,
				}
			}
		}
	}
	return d
}

func (d *Device) validate(bankIdx, blk, pg int) error {
	if bankIdx < 0 || bankIdx >= len(d.banks) {
		return ErrOutOfRange
	}
	if blk < 0 || blk >= len(d.banks[bankIdx].blocks) {
		return ErrOutOfRange
	}
	if pg < 0 || pg >= len(d.banks[bankIdx].blocks[blk].pages) {
		return ErrOutOfRange
	}
	return nil
}

func (d *Device) ReadPage(ctx context.Context, bankIdx, blk, pg, sectorOffset, nsect int) ([]byte, device.SpareTag, error) {
	if err := d.validate(bankIdx, blk, pg); err != nil {
		return nil, device.SpareTag{}, err
	}
	b := &d.banks[bankIdx]
	b.mu.Lock()
	defer b.mu.Unlock()

	p := &b.blocks[blk].pages[pg]
	byteOff := sectorOffset * d.geo.BytesPerSector
	byteLen := nsect * d.geo.BytesPerSector
	if byteOff < 0 || byteOff+byteLen > len(p.data) {
		return nil, device.SpareTag{}, ErrOutOfRange
	}
	out := make([]byte, byteLen)
	copy(out, p.data[byteOff:byteOff+byteLen])
	if p.erased {
		return out, device.SpareTag{}, nil
	}
	return out, p.tag, nil
}

func (d *Device) ProgramPage(ctx context.Context, bankIdx, blk, pg int, data []byte, tag device.SpareTag) error {
	if err := d.validate(bankIdx, blk, pg); err != nil {
		return err
	}
	b := &d.banks[bankIdx]
	b.mu.Lock()
	defer b.mu.Unlock()

	p := &b.blocks[blk].pages[pg]
	if !p.erased {
		return ErrNotErased
	}
	if len(data) > len(p.data) {
		return ErrOutOfRange
	}
	copy(p.data, data)
	p.tag = tag
	p.erased = false
	return nil
}

func (d *Device) CopyBack(ctx context.Context, bankIdx, srcBlk, srcPage, dstBlk, dstPage int, tag device.SpareTag) error {
	if err := d.validate(bankIdx, srcBlk, srcPage); err != nil {
		return err
	}
	if err := d.validate(bankIdx, dstBlk, dstPage); err != nil {
		return err
	}
	b := &d.banks[bankIdx]
	b.mu.Lock()
	defer b.mu.Unlock()

	src := &b.blocks[srcBlk].pages[srcPage]
	dst := &b.blocks[dstBlk].pages[dstPage]
	if !dst.erased {
		return ErrNotErased
	}
	copy(dst.data, src.data)
	dst.tag = tag
	dst.erased = false
	return nil
}

func (d *Device) EraseBlock(ctx context.Context, bankIdx, blk int) error {
	if bankIdx < 0 || bankIdx >= len(d.banks) {
		return ErrOutOfRange
	}
	if blk < 0 || blk >= len(d.banks[bankIdx].blocks) {
		return ErrOutOfRange
	}
	b := &d.banks[bankIdx]
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.blocks[blk].pages {
		p := &b.blocks[blk].pages[i]
		for j := range p.data {
			p.data[j] = 0
		}
		p.tag = device.SpareTag{}
		p.erased = true
	}
	return nil
}

// BankIdle always reports true: this device completes every command
// synchronously, so there is never an outstanding operation to wait on.
func (d *Device) BankIdle(bankIdx int) bool {
	if bankIdx < 0 || bankIdx >= len(d.banks) {
		return false
	}
	return true
}

// Finish is a no-op for the same reason BankIdle always reports true.
func (d *Device) Finish(ctx context.Context) error { return nil }
