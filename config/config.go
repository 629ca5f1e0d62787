// Package config loads the parameters of a simulation run.
//
// Values are layered: built-in defaults first, then a dotenv file, then
// NVGPU_* environment variables. Command line flags are applied on top by
// the caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/sarchlab/nvgpusim/gpu"
)

// EnvPrefix is the prefix of every variable the loader reads.
const EnvPrefix = "NVGPU_"

// Config is everything needed to assemble and drive a platform.
type Config struct {
	GPU gpu.Config

	HostFreqMHz     float64
	EntriesPerTick  int
	CleanupInterval time.Duration

	RecordPath  string
	Record      bool
	MonitorPort int
	LogLevel    string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		GPU:             gpu.DefaultConfig(),
		HostFreqMHz:     1000,
		EntriesPerTick:  4,
		CleanupInterval: 100 * time.Millisecond,
		LogLevel:        "info",
	}
}

type setter func(c *Config, v string) error

func intVar(dst func(c *Config) *int) setter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}

		*dst(c) = n

		return nil
	}
}

func uint32Var(dst func(c *Config) *uint32) setter {
	return func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 0, 32)
		if err != nil {
			return err
		}

		*dst(c) = uint32(n)

		return nil
	}
}

func boolVar(dst func(c *Config) *bool) setter {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}

		*dst(c) = b

		return nil
	}
}

func durationVar(dst func(c *Config) *time.Duration) setter {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}

		*dst(c) = d

		return nil
	}
}

func stringVar(dst func(c *Config) *string) setter {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

var vars = map[string]setter{
	"NUM_CHANNELS":     intVar(func(c *Config) *int { return &c.GPU.NumChannels }),
	"NUM_SYNCPOINTS":   intVar(func(c *Config) *int { return &c.GPU.NumSyncpoints }),
	"RING_ENTRIES":     uint32Var(func(c *Config) *uint32 { return &c.GPU.RingEntries }),
	"POOL_WORDS":       uint32Var(func(c *Config) *uint32 { return &c.GPU.PoolWords }),
	"PREALLOC_JOBS":    intVar(func(c *Config) *int { return &c.GPU.PreallocJobs }),
	"CTX_CACHE_SIZE":   intVar(func(c *Config) *int { return &c.GPU.CtxCacheSize }),
	"FAULT_BUF_SIZE":   intVar(func(c *Config) *int { return &c.GPU.FaultBufferSize }),
	"WATCHDOG":         boolVar(func(c *Config) *bool { return &c.GPU.WatchdogEnabled }),
	"WATCHDOG_TIMEOUT": durationVar(func(c *Config) *time.Duration { return &c.GPU.WatchdogTimeout }),
	"AGGRESSIVE_SYNC":  boolVar(func(c *Config) *bool { return &c.GPU.AggressiveSyncDestroy }),
	"RAILGATE":         boolVar(func(c *Config) *bool { return &c.GPU.CanRailgate }),
	"SYNCPT_SUPPORT":   boolVar(func(c *Config) *bool { return &c.GPU.SyncptSupport }),
	"NUM_GPC":          intVar(func(c *Config) *int { return &c.GPU.GR.NumGPC }),
	"TPC_PER_GPC":      intVar(func(c *Config) *int { return &c.GPU.GR.TPCPerGPC }),
	"SM_PER_TPC":       intVar(func(c *Config) *int { return &c.GPU.GR.SMPerTPC }),
	"ENTRIES_PER_TICK": intVar(func(c *Config) *int { return &c.EntriesPerTick }),
	"CLEANUP_INTERVAL": durationVar(func(c *Config) *time.Duration { return &c.CleanupInterval }),
	"RECORD":           boolVar(func(c *Config) *bool { return &c.Record }),
	"RECORD_PATH":      stringVar(func(c *Config) *string { return &c.RecordPath }),
	"MONITOR_PORT":     intVar(func(c *Config) *int { return &c.MonitorPort }),
	"LOG_LEVEL":        stringVar(func(c *Config) *string { return &c.LogLevel }),
	"HOST_FREQ_MHZ": func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}

		c.HostFreqMHz = f

		return nil
	},
}

// Load builds the configuration. envFile is read with godotenv when it
// exists; variables already set in the environment win over the file. A
// missing envFile is not an error.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		err := godotenv.Load(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	c := Default()
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	return c, c.Validate()
}

// ApplyEnv overrides fields with the NVGPU_* variables lookup finds.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for name, set := range vars {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			continue
		}

		if err := set(c, v); err != nil {
			return fmt.Errorf("%s%s=%q: %w", EnvPrefix, name, v, err)
		}
	}

	return nil
}

// Validate rejects configurations no platform can be built from.
func (c Config) Validate() error {
	g := c.GPU

	switch {
	case g.NumChannels <= 0:
		return fmt.Errorf("channel count %d must be positive", g.NumChannels)
	case g.RingEntries < 2 || g.RingEntries&(g.RingEntries-1) != 0:
		return fmt.Errorf("ring entries %d is not a power of two",
			g.RingEntries)
	case g.FaultBufferSize <= 0:
		return fmt.Errorf("fault buffer size %d must be positive",
			g.FaultBufferSize)
	case g.CtxCacheSize <= 0:
		return fmt.Errorf("context cache size %d must be positive",
			g.CtxCacheSize)
	case c.HostFreqMHz <= 0:
		return fmt.Errorf("host frequency %g must be positive", c.HostFreqMHz)
	case c.EntriesPerTick <= 0:
		return fmt.Errorf("entries per tick %d must be positive",
			c.EntriesPerTick)
	}

	return nil
}
