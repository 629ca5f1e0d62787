package cleanup

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/nvgpusim/channel"
	"github.com/sarchlab/nvgpusim/gpfifo"
	"github.com/sarchlab/nvgpusim/gpu"
	"github.com/sarchlab/nvgpusim/recovery"
	"github.com/sarchlab/nvgpusim/submit"
	"github.com/sarchlab/nvgpusim/vm"
)

var _ = Describe("Worker", func() {
	var (
		g   *gpu.GPU
		w   *Worker
		rc  *recovery.Manager
		ch  *channel.Channel
		s   *submit.Submitter
		now time.Time
	)

	entries := []gpfifo.Entry{gpfifo.MakeEntry(0x1000_0000, 16)}

	submitTracked := func() uint32 {
		post, err := s.SubmitKernel(ch, entries, 1, submit.FlagFenceGet,
			&submit.Fence{})
		Expect(err).NotTo(HaveOccurred())
		defer post.Put()

		return post.ID
	}

	BeforeEach(func() {
		logger := logrus.New()
		logger.SetOutput(GinkgoWriter)

		cfg := gpu.DefaultConfig()
		cfg.WatchdogEnabled = true
		g = gpu.MakeBuilder().WithConfig(cfg).WithLogger(logger).Build("GPU")
		rc = recovery.MakeBuilder().WithGPU(g).Build("Recovery")
		w = MakeBuilder().
			WithGPU(g).
			WithWatchdogInterval(time.Millisecond).
			Build("Cleanup")

		var err error
		ch, err = g.OpenChannel(gpu.ChannelOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(g.SetupRing(ch, 16, 0)).To(Succeed())
		Expect(g.BindAddressSpace(ch, vm.NewAddressSpace(1, 12))).
			To(Succeed())

		now = time.Unix(100, 0)
		ch.Watchdog = channel.NewWatchdog(time.Second,
			func() time.Time { return now })
		ch.Watchdog.SetEnabled(true)

		s = submit.NewSubmitter(g)
	})

	It("should install itself as the cleanup scheduler", func() {
		Expect(g.Cleanup).To(BeIdenticalTo(w))
	})

	It("should keep jobs whose fence has not expired", func() {
		submitTracked()

		w.Flush()

		Expect(ch.Jobs.Len()).To(Equal(1))
		Expect(w.Retired()).To(BeZero())
	})

	It("should retire jobs when their syncpoint advances", func() {
		id := submitTracked()
		w.Flush()

		g.Syncpoints.Incr(id)
		w.Flush()

		Expect(ch.Jobs.Empty()).To(BeTrue())
		Expect(w.Retired()).To(Equal(uint64(1)))
		Expect(ch.Watchdog.Running()).To(BeFalse())
	})

	It("should retire every completed job", func() {
		id := submitTracked()
		submitTracked()
		submitTracked()

		g.Syncpoints.Incr(id)
		g.Syncpoints.Incr(id)
		w.Flush()

		Expect(ch.Jobs.Len()).To(Equal(1))
		Expect(w.Retired()).To(Equal(uint64(2)))
	})

	It("should serve requests in the background", func() {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error)
		go func() { done <- w.Run(ctx) }()

		id := submitTracked()
		g.Syncpoints.Incr(id)

		Eventually(ch.Jobs.Empty).Should(BeTrue())

		cancel()
		Eventually(done).Should(Receive(BeNil()))
	})

	It("should recover a channel that makes no progress", func() {
		submitTracked()
		Expect(ch.Watchdog.Running()).To(BeTrue())

		w.CheckWatchdogs()
		Expect(w.Timeouts()).To(BeZero())

		now = now.Add(2 * time.Second)
		w.CheckWatchdogs()

		Expect(w.Timeouts()).To(Equal(uint64(1)))
		Expect(ch.Unserviceable()).To(BeTrue())
		code, _ := ch.ErrorNotifier()
		Expect(code).To(Equal(channel.NotifierFIFOIdleTimeout))
		Expect(rc.Events()).To(HaveLen(1))
		Expect(rc.Events()[0].RCType).To(Equal(gpu.RCTypeIdleTimeout))
		Expect(ch.Jobs.Empty()).To(BeTrue())
	})

	It("should rewind the watchdog on progress", func() {
		submitTracked()
		now = now.Add(2 * time.Second)
		ch.Ring().Consume()

		w.CheckWatchdogs()

		Expect(w.Timeouts()).To(BeZero())
	})
})
