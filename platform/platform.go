// Package platform assembles a simulated GPU with every unit that services
// it.
package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/akita/v4/sim"
	"github.com/sarchlab/nvgpusim/cleanup"
	"github.com/sarchlab/nvgpusim/gpu"
	"github.com/sarchlab/nvgpusim/gr"
	"github.com/sarchlab/nvgpusim/host"
	"github.com/sarchlab/nvgpusim/mc"
	"github.com/sarchlab/nvgpusim/mmufault"
	"github.com/sarchlab/nvgpusim/monitoring"
	"github.com/sarchlab/nvgpusim/power"
	"github.com/sarchlab/nvgpusim/recorder"
	"github.com/sarchlab/nvgpusim/recovery"
	"github.com/sarchlab/nvgpusim/submit"
)

// maxStallRounds bounds how often the stall interrupt is re-entered while
// handlers keep raising new work.
const maxStallRounds = 64

// Platform is a GPU with its interrupt, fault, power and cleanup units.
type Platform struct {
	Engine sim.Engine
	GPU    *gpu.GPU

	Submitter *submit.Submitter
	Recovery  *recovery.Manager
	Power     *power.Manager
	Cleanup   *cleanup.Worker
	Host      *host.Comp
	GR        *gr.Dispatcher
	Faults    *mmufault.Handler
	ISR       *mc.ISR

	Recorder *recorder.Recorder
	Monitor  *monitoring.Monitor

	log    *logrus.Entry
	writer *recorder.SQLiteWriter
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Start runs the background cleanup worker until Stop.
func (p *Platform) Start(ctx context.Context) {
	if p.cancel != nil {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)
	p.group.Go(func() error { return p.Cleanup.Run(ctx) })
}

// Stop stops the background worker and retires what is left.
func (p *Platform) Stop() error {
	if p.cancel == nil {
		return nil
	}

	p.cancel()
	err := p.group.Wait()
	p.cancel = nil

	p.Cleanup.Flush()

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// Run runs the engine until the pushbuffer unit has nothing left to do
// and services the interrupts that were raised meanwhile.
func (p *Platform) Run() error {
	if err := p.Engine.Run(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	_, err := p.ServiceInterrupts()

	return err
}

// ServiceInterrupts enters the stall ISR until nothing is pending. It
// returns how many times the ISR found work.
func (p *Platform) ServiceInterrupts() (int, error) {
	rounds := 0

	for ; rounds < maxStallRounds; rounds++ {
		pending, err := p.ISR.HandleStall()
		if err != nil {
			return rounds, err
		}

		if pending == 0 {
			return rounds, nil
		}
	}

	p.log.WithField("rounds", rounds).Warn("stall interrupt storm")

	return rounds, nil
}

// Terminate flushes the recording and stops the monitor.
func (p *Platform) Terminate() error {
	var errs []error

	if err := p.Stop(); err != nil {
		errs = append(errs, err)
	}

	if p.Monitor != nil {
		if err := p.Monitor.StopServer(); err != nil {
			errs = append(errs, err)
		}
	}

	if p.writer != nil {
		if err := p.writer.Close(); err != nil {
			errs = append(errs, err)
		}

		p.writer = nil
	}

	return errors.Join(errs...)
}

// RecordingPath returns the database file, or an empty string when the
// platform does not record.
func (p *Platform) RecordingPath() string {
	if p.writer == nil {
		return ""
	}

	return p.writer.Path()
}
