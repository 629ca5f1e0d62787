package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sarchlab/nvgpusim/channel"
	"github.com/sarchlab/nvgpusim/gpu"
	"github.com/sarchlab/nvgpusim/hw"
	"github.com/sarchlab/nvgpusim/mmufault"
	"github.com/sarchlab/nvgpusim/platform"
	"github.com/sarchlab/nvgpusim/vm"
)

const (
	victimPage   uint64 = 0x10000
	grFaultID    uint32 = 0x40
	ce0FaultID   uint32 = 0x0f
	victimPAddr  uint64 = 0x8000_0000
	trappedClass uint32 = 0xc597
)

// victim is the context a scenario injects into.
type victim struct {
	ch  *channel.Channel
	tsg *channel.TSG
	as  *vm.AddressSpace
}

type scenario struct {
	help   string
	inject func(p *platform.Platform, v victim)
}

func rawFault(v victim, t mmufault.FaultType, engine uint32, replayable bool,
) hw.RawFault {
	return hw.RawFault{
		InstPtr:    v.ch.InstPtr,
		Addr:       victimPage,
		EngineID:   engine,
		FaultType:  uint32(t),
		Replayable: replayable,
	}
}

var scenarios = map[string]scenario{
	"gr-illegal-class": {
		help: "graphics engine rejects the object class",
		inject: func(p *platform.Platform, v victim) {
			p.GPU.GR.RaiseTrap(hw.GRIntrIllegalClass, gpu.CtxOf(v.ch),
				hw.TrappedMethod{Class: trappedClass, Offset: 0x200})
		},
	},
	"gr-semaphore": {
		help: "semaphore release wakes the TSG",
		inject: func(p *platform.Platform, v victim) {
			p.GPU.GR.Raise(hw.GRIntrSemaphore, gpu.CtxOf(v.ch))
		},
	},
	"gr-fecs-watchdog": {
		help: "context switch firmware watchdog expires",
		inject: func(p *platform.Platform, v victim) {
			p.GPU.GR.RaiseFECS(gpu.CtxOf(v.ch), hw.FECSWatchdog)
		},
	},
	"gr-bpt": {
		help: "an SM hits a breakpoint",
		inject: func(p *platform.Platform, v victim) {
			p.GPU.GR.RaiseSMException(gpu.CtxOf(v.ch), hw.SMID{},
				hw.SMGlobalESRBptInt, 0)
		},
	},
	"gr-sm-error": {
		help: "an SM reports a warp error",
		inject: func(p *platform.Platform, v victim) {
			p.GPU.GR.RaiseSMException(gpu.CtxOf(v.ch), hw.SMID{}, 0, 0x1)
		},
	},
	"gr-mmu-nack": {
		help: "an SM is nacked by the MMU, paired with the fault that caused it",
		inject: func(p *platform.Platform, v victim) {
			p.GPU.GR.RaiseSMException(gpu.CtxOf(v.ch), hw.SMID{}, 0,
				hw.SMWarpESRErrorMMUNack)
		},
	},
	"mmu-replayable": {
		help: "replayable fault on an unpopulated page, fixed and replayed",
		inject: func(p *platform.Platform, v victim) {
			p.GPU.FB.Buffers[hw.ReplayFaultBuffer].Push(
				rawFault(v, mmufault.FaultTypePTE, grFaultID, true))
		},
	},
	"mmu-nonreplayable": {
		help: "non-replayable fault recovers the TSG",
		inject: func(p *platform.Platform, v victim) {
			p.GPU.FB.Buffers[hw.NonReplayFaultBuffer].Push(
				rawFault(v, mmufault.FaultTypePDE, grFaultID, false))
		},
	},
	"mmu-ce": {
		help: "copy engine faults on an unpopulated page and is resumed",
		inject: func(p *platform.Platform, v victim) {
			p.GPU.FB.Buffers[hw.NonReplayFaultBuffer].Push(
				rawFault(v, mmufault.FaultTypePTE, ce0FaultID, false))
		},
	},
	"fault-overflow": {
		help: "the replayable fault buffer overflows",
		inject: func(p *platform.Platform, _ victim) {
			p.GPU.FB.RaiseFaultStatus(hw.FaultStatusReplayOverflow)
		},
	},
}

func scenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for n := range scenarios {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}

func openVictim(p *platform.Platform) (victim, error) {
	g := p.GPU

	ch, err := g.OpenChannel(gpu.ChannelOptions{})
	if err != nil {
		return victim{}, err
	}

	if err := g.SetupRing(ch, g.Config.RingEntries, 0); err != nil {
		return victim{}, err
	}

	as := vm.NewAddressSpace(ch.ID, g.Config.Log2PageSize)
	as.Insert(victimPage, vm.MakePTE(victimPAddr, false, false))

	if err := g.BindAddressSpace(ch, as); err != nil {
		return victim{}, err
	}

	tsg := g.OpenTSG()
	if err := g.BindChannelToTSG(tsg, ch); err != nil {
		return victim{}, err
	}

	return victim{ch: ch, tsg: tsg, as: as}, nil
}

// inject runs the named scenarios in order on one victim context and
// services the interrupts after each.
func inject(p *platform.Platform, names []string) (victim, error) {
	v, err := openVictim(p)
	if err != nil {
		return v, err
	}

	for _, name := range names {
		s, ok := scenarios[name]
		if !ok {
			return v, fmt.Errorf("unknown scenario %q, want one of %s",
				name, strings.Join(scenarioNames(), ", "))
		}

		s.inject(p, v)

		if _, err := p.ServiceInterrupts(); err != nil {
			return v, fmt.Errorf("%s: %w", name, err)
		}
	}

	return v, nil
}

var injectCmd = &cobra.Command{
	Use:   "inject SCENARIO...",
	Short: "Inject interrupts and MMU faults and show how they are handled.",
	Long: "`inject` opens a channel in a TSG, raises each scenario in turn " +
		"and services the stall interrupt. Scenarios: " +
		strings.Join(scenarioNames(), ", ") + ".",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := buildPlatform(cmd)
		if err != nil {
			return err
		}
		defer p.Terminate()

		v, err := inject(p, args)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		printVictim(out, v)
		printPlatform(out, p)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(injectCmd)
}
