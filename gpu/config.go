package gpu

import (
	"time"

	"github.com/sarchlab/nvgpusim/hw"
)

// Config holds the static parameters of a GPU.
type Config struct {
	NumChannels     int
	NumSyncpoints   int
	RingEntries     uint32
	PoolWords       uint32
	PreallocJobs    int
	Log2PageSize    uint64
	CtxCacheSize    int
	FaultBufferSize int

	WatchdogEnabled       bool
	WatchdogTimeout       time.Duration
	AggressiveSyncDestroy bool
	CanRailgate           bool

	// SyncptSupport tells if the sync objects are backed by syncpoints,
	// which lets deterministic channels retire jobs synchronously.
	SyncptSupport bool

	GR hw.GRConfig
}

// DefaultConfig returns the parameters of a small single-GPC part.
func DefaultConfig() Config {
	return Config{
		NumChannels:     64,
		NumSyncpoints:   128,
		RingEntries:     128,
		PoolWords:       1024,
		Log2PageSize:    12,
		CtxCacheSize:    2,
		FaultBufferSize: 64,
		WatchdogTimeout: 5 * time.Second,
		SyncptSupport:   true,
		GR: hw.GRConfig{
			NumGPC:    1,
			TPCPerGPC: 4,
			SMPerTPC:  2,
		},
	}
}
