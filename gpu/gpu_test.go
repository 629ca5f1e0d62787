package gpu

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/nvgpusim/channel"
	"github.com/sarchlab/nvgpusim/gpuerr"
	"github.com/sarchlab/nvgpusim/vm"
)

var _ = Describe("GPU", func() {
	var (
		mockCtrl *gomock.Controller
		power    *MockPower
		g        *GPU
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		power = NewMockPower(mockCtrl)

		cfg := DefaultConfig()
		cfg.NumChannels = 2
		g = MakeBuilder().
			WithConfig(cfg).
			WithPower(power).
			Build("GPU")
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should hand out the lowest free channel id", func() {
		a, _ := g.OpenChannel(ChannelOptions{})
		b, _ := g.OpenChannel(ChannelOptions{})
		g.CloseChannel(a)
		c, err := g.OpenChannel(ChannelOptions{})

		Expect(err).NotTo(HaveOccurred())
		Expect(b.ID).To(Equal(uint32(1)))
		Expect(c.ID).To(Equal(uint32(0)))
	})

	It("should run out of channels", func() {
		g.OpenChannel(ChannelOptions{})
		g.OpenChannel(ChannelOptions{})

		_, err := g.OpenChannel(ChannelOptions{})

		Expect(errors.Is(err, gpuerr.ErrOutOfMemory)).To(BeTrue())
	})

	It("should refuse to open channels while dying", func() {
		g.SetDying()

		_, err := g.OpenChannel(ChannelOptions{})

		Expect(errors.Is(err, gpuerr.ErrNotAllowed)).To(BeTrue())
	})

	It("should set up the ring and a preallocated job list", func() {
		ch, _ := g.OpenChannel(ChannelOptions{Deterministic: true})

		Expect(g.SetupRing(ch, 32, 4)).To(Succeed())

		Expect(ch.Ring().Count()).To(Equal(uint32(32)))
		Expect(ch.Pool()).NotTo(BeNil())
		Expect(ch.Jobs.Preallocated()).To(BeTrue())
	})

	It("should reject a ring size that is not a power of two", func() {
		ch, _ := g.OpenChannel(ChannelOptions{})

		err := g.SetupRing(ch, 24, 0)

		Expect(errors.Is(err, gpuerr.ErrInvalidArgument)).To(BeTrue())
	})

	It("should not create a sync before the ring exists", func() {
		ch, _ := g.OpenChannel(ChannelOptions{})

		_, err := ch.EnsureSync()

		Expect(errors.Is(err, gpuerr.ErrNotAllowed)).To(BeTrue())
	})

	It("should find a channel by instance block", func() {
		g.OpenChannel(ChannelOptions{})
		ch, _ := g.OpenChannel(ChannelOptions{})

		ref := g.ChannelFromInst(ch.InstPtr)
		defer ref.Release()

		Expect(ref.Channel()).To(BeIdenticalTo(ch))
		Expect(ch.Refs()).To(Equal(int32(1)))
	})

	It("should not find closed channels", func() {
		ch, _ := g.OpenChannel(ChannelOptions{})
		inst := ch.InstPtr
		g.CloseChannel(ch)

		Expect(g.ChannelFromInst(inst)).To(BeNil())
		Expect(ch.Unserviceable()).To(BeTrue())
	})

	It("should bind a channel to one tsg only", func() {
		ch, _ := g.OpenChannel(ChannelOptions{})
		t1 := g.OpenTSG()
		t2 := g.OpenTSG()

		Expect(g.BindChannelToTSG(t1, ch)).To(Succeed())
		err := g.BindChannelToTSG(t2, ch)

		Expect(errors.Is(err, gpuerr.ErrNotAllowed)).To(BeTrue())
	})

	It("should drop the power reference of a retired job", func() {
		ch, _ := g.OpenChannel(ChannelOptions{})
		Expect(g.SetupRing(ch, 32, 0)).To(Succeed())
		Expect(g.BindAddressSpace(ch, vm.NewAddressSpace(1, 12))).To(Succeed())
		s, _ := ch.EnsureSync()
		incr, f, _ := s.Incr(false, false)

		job, _ := ch.Jobs.AllocJob()
		job.IncrCmd = incr
		job.PostFence = f
		job.HoldsPowerRef = true
		ch.Jobs.AddJob(job, true)

		power.EXPECT().Idle()

		g.Syncpoints.Incr(s.SyncptID())
		Expect(ch.CleanUpJobs(true)).To(Equal(1))
	})

	It("should find channels by syncpoint", func() {
		ch, _ := g.OpenChannel(ChannelOptions{})
		g.SetupRing(ch, 32, 0)
		s, _ := ch.EnsureSync()

		Expect(g.ChannelsOfSyncpt(s.SyncptID())).To(ConsistOf(ch))
	})

	It("should notify every channel of a tsg", func() {
		a, _ := g.OpenChannel(ChannelOptions{})
		b, _ := g.OpenChannel(ChannelOptions{})
		tsg := g.OpenTSG()
		g.BindChannelToTSG(tsg, a)
		g.BindChannelToTSG(tsg, b)

		g.NotifyTSG(tsg, channel.NotifierGRException)

		code, _ := b.ErrorNotifier()
		Expect(code).To(Equal(channel.NotifierGRException))
	})
})

var _ = Describe("StaticEngineMap", func() {
	It("should map graphics subcontexts", func() {
		e := DefaultEngineMap.MMUFaultIDToEngine(0x43)

		Expect(e.Engine).To(Equal(uint32(0)))
		Expect(e.SubID).To(Equal(uint32(3)))
		Expect(DefaultEngineMap.IsCE(0x43)).To(BeFalse())
	})

	It("should map copy engines", func() {
		e := DefaultEngineMap.MMUFaultIDToEngine(0x10)

		Expect(e.Engine).To(Equal(uint32(2)))
		Expect(e.PBDMA).To(Equal(uint32(2)))
		Expect(DefaultEngineMap.IsCE(0x10)).To(BeTrue())
	})

	It("should flag unknown ids", func() {
		Expect(DefaultEngineMap.MMUFaultIDToEngine(0x3).Valid()).To(BeFalse())
	})
})
