package mc

import (
	"github.com/sirupsen/logrus"
)

// Builder can build ISRs.
type Builder struct {
	mc     PendingReader
	gr     GRHandler
	faults FaultHandler
	logger *logrus.Logger
}

// MakeBuilder creates a builder.
func MakeBuilder() Builder {
	return Builder{}
}

// WithController sets where the pending mask is read from.
func (b Builder) WithController(mc PendingReader) Builder {
	b.mc = mc
	return b
}

// WithGRHandler sets the GR interrupt handler.
func (b Builder) WithGRHandler(h GRHandler) Builder {
	b.gr = h
	return b
}

// WithFaultHandler sets the MMU fault handler.
func (b Builder) WithFaultHandler(h FaultHandler) Builder {
	b.faults = h
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l *logrus.Logger) Builder {
	b.logger = l
	return b
}

// Build creates an ISR.
func (b Builder) Build(name string) *ISR {
	if b.mc == nil || b.gr == nil || b.faults == nil {
		panic("mc isr requires a controller, a gr handler and a fault handler")
	}

	logger := b.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &ISR{
		mc:     b.mc,
		gr:     b.gr,
		faults: b.faults,
		log:    logger.WithField("unit", name),
	}
}
