package recorder

import (
	"github.com/sirupsen/logrus"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/akita/v4/sim"
)

// Builder creates recorders backed by SQLite.
type Builder struct {
	path      string
	batchSize int
	flushExit bool
	hookables []sim.Hookable
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		batchSize: 10000,
		flushExit: true,
	}
}

// WithPath sets the database file. A unique name is picked when unset.
func (b Builder) WithPath(path string) Builder {
	b.path = path
	return b
}

// WithBatchSize sets how many rows are buffered before a flush.
func (b Builder) WithBatchSize(n int) Builder {
	b.batchSize = n
	return b
}

// WithoutExitFlush stops the recorder from flushing when the program exits
// through atexit.
func (b Builder) WithoutExitFlush() Builder {
	b.flushExit = false
	return b
}

// AttachTo makes the recorder hook to h.
func (b Builder) AttachTo(h sim.Hookable) Builder {
	b.hookables = append(append([]sim.Hookable(nil), b.hookables...), h)
	return b
}

// Build opens the database and creates the recorder.
func (b Builder) Build() (*Recorder, *SQLiteWriter, error) {
	w, err := NewSQLiteWriter(b.path, b.batchSize)
	if err != nil {
		return nil, nil, err
	}

	r := New(w)

	for _, h := range b.hookables {
		h.AcceptHook(r)
	}

	if b.flushExit {
		atexit.Register(func() {
			if err := w.Close(); err != nil {
				logrus.WithError(err).Error("recording not flushed")
			}
		})
	}

	logrus.WithField("path", w.Path()).Info("recording to database")

	return r, w, nil
}
