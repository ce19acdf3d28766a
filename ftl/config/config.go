// Package config holds the FTL's build-time geometry and tunable
// constants (spec.md §3, §6), loaded from an INI file the way the
// teacher's server/conf package loads its MySQL-server config.
package config

import (
	"time"

	"gopkg.in/ini.v1"
)

// Geometry is the fixed device shape: B, Vpb, Ppb, Spp, Bps in spec.md §3.
type Geometry struct {
	Banks          int // B
	BlocksPerBank  int // Vpb
	PagesPerBlock  int // Ppb
	SectorsPerPage int // Spp
	BytesPerSector int // Bps
}

// BytesPerPage is Spp*Bps.
func (g Geometry) BytesPerPage() int { return g.SectorsPerPage * g.BytesPerSector }

// NumRegions is fixed at 2 (hot=0, cold=1) per the data model (spec.md §3, §4.1).
const NumRegions = 2

// HotRegionBlocks is the small fixed size of region 0 ("hot") per bank,
// spec.md §4.1 ("region 0 is a small 'hot' pool sized to a small fixed
// constant"). Region 1 ("cold") is the remainder.
const HotRegionBlocks = 8

// VCMax is the valid-count sentinel for bad/reserved blocks (spec.md §3).
const VCMax = 0xCDCD

// Cfg is the full set of build-time tunables surfaced to config (spec.md §6).
type Cfg struct {
	Geometry Geometry

	GCThreshold         int // GC_THRESHOLD: per-region free-block floor
	BatchGCThreshold    int // BATCH_GC_THRESHOLD: aggregate shortfall trigger
	NumLogBlksPerBank   int // NUM_LOG_BLKS_PER_BANK
	NumMapEntsPerPage   int // NUM_MAPENTS_PER_PAGE
	NumDepEntsPerPage   int // NUM_DEPENTS_PER_PAGE
	AutoFlush           time.Duration
	LogReclaimBlkFloor  int // "free log blocks < 3" in spec.md §4.4; kept tunable
	ChkptMapentHeadroom int // the "512" slack in reach_chkpt_threshold
}

// Default returns a small geometry and conservative thresholds, suitable
// for unit tests and the demo CLI — the production constants from the
// original firmware (16 banks, thousands of blocks) are reachable by
// loading a config file via Load.
func Default() Cfg {
	return Cfg{
		Geometry: Geometry{
			Banks:          4,
			BlocksPerBank:  64,
			PagesPerBlock:  32,
			SectorsPerPage: 8,
			BytesPerSector: 512,
		},
		GCThreshold:         6,
		BatchGCThreshold:    4,
		NumLogBlksPerBank:   2,
		NumMapEntsPerPage:   64,
		NumDepEntsPerPage:   32,
		AutoFlush:           5 * time.Second,
		LogReclaimBlkFloor:  3,
		ChkptMapentHeadroom: 8,
	}
}

// Load reads an INI file shaped like:
//
//	[geometry]
//	banks = 16
//	blocks_per_bank = 4096
//	pages_per_block = 128
//	sectors_per_page = 8
//	bytes_per_sector = 512
//
//	[ftl]
//	gc_threshold = 120
//	batch_gc_threshold = 16
//	num_log_blks_per_bank = 2
//	num_mapents_per_page = 1800
//	num_depents_per_page = 750
//	auto_flush = 5s
//	log_reclaim_blk_floor = 3
//	chkpt_mapent_headroom = 512
//
// Any key not present keeps its Default() value.
func Load(path string) (Cfg, error) {
	cfg := Default()

	raw, err := ini.Load(path)
	if err != nil {
		return Cfg{}, err
	}

	geo := raw.Section("geometry")
	cfg.Geometry.Banks = geo.Key("banks").MustInt(cfg.Geometry.Banks)
	cfg.Geometry.BlocksPerBank = geo.Key("blocks_per_bank").MustInt(cfg.Geometry.BlocksPerBank)
	cfg.Geometry.PagesPerBlock = geo.Key("pages_per_block").MustInt(cfg.Geometry.PagesPerBlock)
	cfg.Geometry.SectorsPerPage = geo.Key("sectors_per_page").MustInt(cfg.Geometry.SectorsPerPage)
	cfg.Geometry.BytesPerSector = geo.Key("bytes_per_sector").MustInt(cfg.Geometry.BytesPerSector)

	f := raw.Section("ftl")
	cfg.GCThreshold = f.Key("gc_threshold").MustInt(cfg.GCThreshold)
	cfg.BatchGCThreshold = f.Key("batch_gc_threshold").MustInt(cfg.BatchGCThreshold)
	cfg.NumLogBlksPerBank = f.Key("num_log_blks_per_bank").MustInt(cfg.NumLogBlksPerBank)
	cfg.NumMapEntsPerPage = f.Key("num_mapents_per_page").MustInt(cfg.NumMapEntsPerPage)
	cfg.NumDepEntsPerPage = f.Key("num_depents_per_page").MustInt(cfg.NumDepEntsPerPage)
	cfg.AutoFlush = f.Key("auto_flush").MustDuration(cfg.AutoFlush)
	cfg.LogReclaimBlkFloor = f.Key("log_reclaim_blk_floor").MustInt(cfg.LogReclaimBlkFloor)
	cfg.ChkptMapentHeadroom = f.Key("chkpt_mapent_headroom").MustInt(cfg.ChkptMapentHeadroom)

	return cfg, nil
}
