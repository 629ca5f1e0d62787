package cmd

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/pkg/browser"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/nvgpusim/platform"
	"github.com/sarchlab/nvgpusim/workload"
)

var (
	title = color.New(color.FgCyan, color.Bold)
	good  = color.New(color.FgGreen)
	bad   = color.New(color.FgRed, color.Bold)
	warn  = color.New(color.FgYellow)
)

func openInBrowser(p *platform.Platform, logger *logrus.Logger) {
	addr := p.Monitor.Address()
	if addr == "" {
		return
	}

	if err := browser.OpenURL(addr + "/api/channels"); err != nil {
		logger.WithError(err).Warn("browser not opened")
	}
}

func printResult(w io.Writer, res workload.Result) {
	title.Fprintln(w, "Workload")

	c := good
	if res.Failed > 0 {
		c = bad
	}

	c.Fprintf(w, "  submitted %d, completed %d, failed %d\n",
		res.Submitted, res.Completed, res.Failed)

	if res.Retries > 0 {
		warn.Fprintf(w, "  retried %d times on a full ring or job list\n",
			res.Retries)
	}

	fmt.Fprintf(w, "  latency (s)  %s\n", res.Latency)
	fmt.Fprintf(w, "  ring fill    %s\n", res.Occupancy)
}

func printPlatform(w io.Writer, p *platform.Platform) {
	title.Fprintln(w, "Units")

	hs := p.Host.Stats()
	fmt.Fprintf(w, "  host: %d entries, %d waits, %d increments, %d dropped\n",
		hs.Entries, hs.Waits, hs.Incrs, hs.Dropped)
	fmt.Fprintf(w, "  cleanup: %d retired, %d timeouts\n",
		p.Cleanup.Retired(), p.Cleanup.Timeouts())
	fmt.Fprintf(w, "  stall interrupts: %d\n", p.ISR.Serviced())

	events := p.Recovery.Events()
	if len(events) == 0 {
		good.Fprintln(w, "  no recovery")
	}

	for _, ev := range events {
		bad.Fprintf(w, "  recovery %s: %s %d, engines 0x%x, channels %v\n",
			ev.RCType, ev.IDType, int32(ev.ID), ev.EngMask, ev.Channels)
	}

	if path := p.RecordingPath(); path != "" {
		fmt.Fprintf(w, "  recorded to %s\n", path)
	}
}

func printVictim(w io.Writer, v victim) {
	title.Fprintf(w, "Channel %d in TSG %d\n", v.ch.ID, v.tsg.ID)

	if code, ok := v.ch.ErrorNotifier(); ok {
		bad.Fprintf(w, "  error notifier: %s\n", code)
	} else {
		good.Fprintln(w, "  no error notified")
	}

	if v.ch.Unserviceable() {
		bad.Fprintln(w, "  channel is unserviceable")
	}

	for _, ev := range v.tsg.Events() {
		fmt.Fprintf(w, "  event: %s\n", ev)
	}

	if pte, err := v.as.GetPTE(victimPage); err == nil {
		fmt.Fprintf(w, "  victim page: %s\n", pte)
	}
}
