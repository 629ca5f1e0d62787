package platform

import (
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/nvgpusim/channel"
	"github.com/sarchlab/nvgpusim/config"
	"github.com/sarchlab/nvgpusim/gpfifo"
	"github.com/sarchlab/nvgpusim/gpu"
	"github.com/sarchlab/nvgpusim/hw"
	"github.com/sarchlab/nvgpusim/recorder"
	"github.com/sarchlab/nvgpusim/submit"
	"github.com/sarchlab/nvgpusim/vm"
)

var _ = Describe("Platform", func() {
	var (
		cfg    config.Config
		logger *logrus.Logger
		p      *Platform
	)

	entries := []gpfifo.Entry{gpfifo.MakeEntry(0x1000_0000, 8)}

	open := func() *channel.Channel {
		ch, err := p.GPU.OpenChannel(gpu.ChannelOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(p.GPU.SetupRing(ch, 16, 0)).To(Succeed())
		Expect(p.GPU.BindAddressSpace(ch, vm.NewAddressSpace(ch.ID, 12))).
			To(Succeed())

		return ch
	}

	build := func() {
		var err error
		p, err = MakeBuilder().
			WithConfig(cfg).
			WithLogger(logger).
			WithoutExitFlush().
			Build("GPU")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(p.Terminate)
	}

	BeforeEach(func() {
		logger = logrus.New()
		logger.SetOutput(GinkgoWriter)

		cfg = config.Default()
	})

	It("should refuse an invalid configuration", func() {
		cfg.EntriesPerTick = 0

		_, err := MakeBuilder().WithConfig(cfg).Build("GPU")

		Expect(err).To(HaveOccurred())
	})

	It("should install every collaborator on the gpu", func() {
		build()

		Expect(p.GPU.Recovery).To(BeIdenticalTo(p.Recovery))
		Expect(p.GPU.Power).To(BeIdenticalTo(p.Power))
		Expect(p.GPU.Cleanup).To(BeIdenticalTo(p.Cleanup))
		Expect(p.GPU.Doorbell).To(BeIdenticalTo(p.Host))
		Expect(p.Recorder).To(BeNil())
		Expect(p.Monitor).To(BeNil())
	})

	It("should run a submission to completion", func() {
		build()
		ch := open()

		fence, err := p.Submitter.SubmitKernel(ch, entries, 1,
			submit.FlagFenceGet, &submit.Fence{})
		Expect(err).NotTo(HaveOccurred())

		Expect(p.Run()).To(Succeed())
		Expect(fence.IsExpired()).To(BeTrue())

		p.Cleanup.Flush()
		Expect(ch.Jobs.Empty()).To(BeTrue())
		Expect(p.Power.Usage()).To(BeZero())
	})

	It("should retire jobs from the background worker", func() {
		build()
		ch := open()
		p.Start(context.Background())

		_, err := p.Submitter.SubmitKernel(ch, entries, 1,
			submit.FlagFenceGet, &submit.Fence{})
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Engine.Run()).To(Succeed())

		Eventually(ch.Jobs.Empty).Should(BeTrue())
		Expect(p.Stop()).To(Succeed())
	})

	It("should route a gr interrupt to recovery", func() {
		build()
		ch := open()
		tsg := p.GPU.OpenTSG()
		Expect(p.GPU.BindChannelToTSG(tsg, ch)).To(Succeed())

		p.GPU.GR.Raise(hw.GRIntrIllegalClass, gpu.CtxOf(ch))

		rounds, err := p.ServiceInterrupts()
		Expect(err).NotTo(HaveOccurred())
		Expect(rounds).To(Equal(1))

		Expect(p.Recovery.Events()).To(HaveLen(1))
		Expect(p.Recovery.Events()[0].RCType).To(Equal(gpu.RCTypeGRFault))
		Expect(p.Recovery.Events()[0].IDType).To(Equal(gpu.IDTypeTSG))
		code, ok := ch.ErrorNotifier()
		Expect(ok).To(BeTrue())
		Expect(code).To(Equal(channel.NotifierGRErrorSWNotify))
	})

	It("should route a non-replayable fault to recovery", func() {
		build()
		ch := open()

		Expect(p.GPU.FB.Buffers[hw.NonReplayFaultBuffer].Push(hw.RawFault{
			InstPtr:  ch.InstPtr,
			Addr:     0x4000,
			EngineID: 0x40,
		})).To(BeTrue())

		_, err := p.ServiceInterrupts()
		Expect(err).NotTo(HaveOccurred())

		Expect(p.Recovery.Events()).To(HaveLen(1))
		Expect(p.Recovery.Events()[0].RCType).To(Equal(gpu.RCTypeMMUFault))
		Expect(p.GPU.FaultStats[hw.NonReplayFaultBuffer].Recoveries.Load()).
			To(Equal(uint64(1)))
	})

	It("should record when asked to", func() {
		cfg.Record = true
		cfg.RecordPath = filepath.Join(GinkgoT().TempDir(), "run.sqlite3")
		build()
		ch := open()

		_, err := p.Submitter.SubmitKernel(ch, entries, 1,
			submit.FlagFenceGet, &submit.Fence{})
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Run()).To(Succeed())

		Expect(p.RecordingPath()).To(Equal(cfg.RecordPath))
		Expect(p.Recorder.Count(recorder.TableSubmissions)).
			To(Equal(uint64(1)))
		Expect(p.Recorder.Count(recorder.TableHostTasks)).
			To(BeNumerically(">", 0))
	})

	It("should serve the monitor", func() {
		var err error
		p, err = MakeBuilder().
			WithConfig(cfg).
			WithLogger(logger).
			WithMonitoring().
			Build("GPU")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(p.Terminate)

		Expect(p.Monitor).NotTo(BeNil())
	})
})
