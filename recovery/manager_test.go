package recovery

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/akita/v4/sim"
	"github.com/sarchlab/nvgpusim/channel"
	"github.com/sarchlab/nvgpusim/gpu"
)

type hookFunc func(ctx sim.HookCtx)

func (f hookFunc) Func(ctx sim.HookCtx) { f(ctx) }

var _ = Describe("Manager", func() {
	var (
		g          *gpu.GPU
		m          *Manager
		a, b, lone *channel.Channel
		tsg        *channel.TSG
	)

	open := func() *channel.Channel {
		ch, err := g.OpenChannel(gpu.ChannelOptions{})
		Expect(err).NotTo(HaveOccurred())

		return ch
	}

	BeforeEach(func() {
		logger := logrus.New()
		logger.SetOutput(GinkgoWriter)

		g = gpu.MakeBuilder().WithLogger(logger).Build("GPU")
		m = MakeBuilder().WithGPU(g).Build("Recovery")

		a, b, lone = open(), open(), open()
		tsg = g.OpenTSG()
		Expect(g.BindChannelToTSG(tsg, a)).To(Succeed())
		Expect(g.BindChannelToTSG(tsg, b)).To(Succeed())
	})

	It("should install itself on the GPU", func() {
		Expect(g.Recovery).To(BeIdenticalTo(m))
	})

	It("should tear down every channel of a TSG", func() {
		m.Recover(1, tsg.ID, gpu.IDTypeTSG, gpu.RCTypeMMUFault, nil)

		for _, ch := range []*channel.Channel{a, b} {
			Expect(ch.Unserviceable()).To(BeTrue())
			code, ok := ch.ErrorNotifier()
			Expect(ok).To(BeTrue())
			Expect(code).To(Equal(channel.NotifierFIFOMMUFault))
		}

		Expect(lone.Unserviceable()).To(BeFalse())
		Expect(m.EngineResets(0)).To(Equal(1))
		Expect(m.Events()).To(Equal([]Event{{
			EngMask:  1,
			ID:       tsg.ID,
			IDType:   gpu.IDTypeTSG,
			RCType:   gpu.RCTypeMMUFault,
			Channels: []uint32{a.ID, b.ID},
		}}))
	})

	It("should keep a notifier that is already set", func() {
		a.SetErrorNotifier(channel.NotifierGRException)

		m.Recover(1, tsg.ID, gpu.IDTypeTSG, gpu.RCTypeMMUFault, nil)

		code, _ := a.ErrorNotifier()
		Expect(code).To(Equal(channel.NotifierGRException))
		code, _ = b.ErrorNotifier()
		Expect(code).To(Equal(channel.NotifierFIFOMMUFault))
	})

	It("should not set a notifier for GR faults", func() {
		m.Recover(1, lone.ID, gpu.IDTypeChannel, gpu.RCTypeGRFault, nil)

		_, ok := lone.ErrorNotifier()
		Expect(ok).To(BeFalse())
		Expect(lone.Unserviceable()).To(BeTrue())
		Expect(a.Unserviceable()).To(BeFalse())
	})

	It("should recover the whole runlist for an unknown id", func() {
		m.Recover(0x3, gpu.InvalidID, gpu.IDTypeUnknown,
			gpu.RCTypeForceReset, nil)

		for _, ch := range g.Channels() {
			Expect(ch.Unserviceable()).To(BeTrue())
		}

		Expect(m.EngineResets(0)).To(Equal(1))
		Expect(m.EngineResets(1)).To(Equal(1))
	})

	It("should survive a target that is gone", func() {
		m.Recover(0, 99, gpu.IDTypeTSG, gpu.RCTypeIdleTimeout, nil)

		Expect(m.Events()).To(HaveLen(1))
		Expect(m.Events()[0].Channels).To(BeEmpty())
	})

	It("should report through hooks", func() {
		var details []gpu.RecoveryDetail
		g.AcceptHook(hookFunc(func(hc sim.HookCtx) {
			if hc.Pos == gpu.HookPosRecovery {
				details = append(details, hc.Detail.(gpu.RecoveryDetail))
			}
		}))

		m.Recover(2, lone.ID, gpu.IDTypeChannel, gpu.RCTypePBDMAFault, nil)

		Expect(details).To(Equal([]gpu.RecoveryDetail{{
			EngMask: 2,
			ID:      lone.ID,
			IDType:  gpu.IDTypeChannel,
			RCType:  gpu.RCTypePBDMAFault,
		}}))
		code, _ := lone.ErrorNotifier()
		Expect(code).To(Equal(channel.NotifierPBDMAError))
	})

	It("should record un-fault requests", func() {
		m.ClearFaulted(a, 1, 2)

		Expect(m.Unfaults()).To(Equal([]Unfault{{ChID: a.ID, Engine: 1, PBDMA: 2}}))
	})
})
