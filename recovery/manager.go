// Package recovery tears down the contexts that caused an engine failure
// and resets the engines involved.
package recovery

import (
	"math/bits"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/akita/v4/sim"
	"github.com/sarchlab/nvgpusim/channel"
	"github.com/sarchlab/nvgpusim/gpu"
)

// Event is one completed recovery.
type Event struct {
	EngMask  uint32
	ID       uint32
	IDType   gpu.IDType
	RCType   gpu.RCType
	Channels []uint32
}

// Unfault is a request to let an engine and PBDMA fetch again.
type Unfault struct {
	ChID   uint32
	Engine uint32
	PBDMA  uint32
}

// Manager implements gpu.Recoverer.
type Manager struct {
	gpu *gpu.GPU
	log *logrus.Entry

	// Serializes recoveries. A recovery aborts job lists, so it must not
	// run while another one is tearing down the same channels.
	recoverLock sync.Mutex

	mu           sync.Mutex
	events       []Event
	engineResets map[uint32]int
	unfaults     []Unfault
}

func notifierFor(rc gpu.RCType) (channel.NotifierCode, bool) {
	switch rc {
	case gpu.RCTypeMMUFault:
		return channel.NotifierFIFOMMUFault, true
	case gpu.RCTypeIdleTimeout:
		return channel.NotifierFIFOIdleTimeout, true
	case gpu.RCTypePBDMAFault:
		return channel.NotifierPBDMAError, true
	case gpu.RCTypeForceReset:
		return channel.NotifierResetChannelVerifError, true
	default:
		return 0, false
	}
}

// Recover resets the engines in engMask and tears down every channel in
// scope: the TSG, the channel, or with IDTypeUnknown the whole runlist.
func (m *Manager) Recover(
	engMask uint32,
	id uint32,
	idType gpu.IDType,
	rcType gpu.RCType,
	fault any,
) {
	m.recoverLock.Lock()
	defer m.recoverLock.Unlock()

	l := m.log.WithFields(logrus.Fields{
		"eng_mask": engMask,
		"id":       int64(int32(id)),
		"id_type":  idType.String(),
		"rc_type":  rcType.String(),
	})
	if fault != nil {
		l = l.WithField("fault", fault)
	}

	chs := m.scope(id, idType)
	if len(chs) == 0 && idType != gpu.IDTypeUnknown {
		l.Warn("recovery target is gone")
	}

	code, hasCode := notifierFor(rcType)

	ids := make([]uint32, 0, len(chs))
	for _, ch := range chs {
		if _, set := ch.ErrorNotifier(); hasCode && !set {
			m.gpu.Notifier.SetErrorNotifier(ch, code)
		}

		ch.Abort()
		ids = append(ids, ch.ID)
	}

	m.gpu.ChannelCache.Flush()

	m.mu.Lock()
	for mask := engMask; mask != 0; mask &= mask - 1 {
		m.engineResets[uint32(bits.TrailingZeros32(mask))]++
	}

	ev := Event{
		EngMask:  engMask,
		ID:       id,
		IDType:   idType,
		RCType:   rcType,
		Channels: ids,
	}
	m.events = append(m.events, ev)
	m.mu.Unlock()

	l.WithField("channels", ids).Warn("recovered")

	m.gpu.InvokeHook(sim.HookCtx{
		Domain: m.gpu,
		Pos:    gpu.HookPosRecovery,
		Item:   fault,
		Detail: gpu.RecoveryDetail{
			EngMask: engMask,
			ID:      id,
			IDType:  idType,
			RCType:  rcType,
		},
	})
}

func (m *Manager) scope(id uint32, idType gpu.IDType) []*channel.Channel {
	switch idType {
	case gpu.IDTypeTSG:
		tsg := m.gpu.TSG(id)
		if tsg == nil {
			return nil
		}

		return tsg.Channels()
	case gpu.IDTypeChannel:
		ch := m.gpu.Channel(id)
		if ch == nil {
			return nil
		}

		return []*channel.Channel{ch}
	default:
		return m.gpu.Channels()
	}
}

// ClearFaulted records that the engine and PBDMA serving ch may fetch
// again.
func (m *Manager) ClearFaulted(ch *channel.Channel, engine, pbdma uint32) {
	m.mu.Lock()
	m.unfaults = append(m.unfaults, Unfault{
		ChID:   ch.ID,
		Engine: engine,
		PBDMA:  pbdma,
	})
	m.mu.Unlock()

	m.log.WithField("chid", ch.ID).
		WithField("engine", engine).
		WithField("pbdma", pbdma).
		Debug("engine un-faulted")
}

// Events returns the recoveries so far.
func (m *Manager) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Event(nil), m.events...)
}

// EngineResets returns how many times an engine was reset.
func (m *Manager) EngineResets(engine uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.engineResets[engine]
}

// Unfaults returns the un-fault requests so far.
func (m *Manager) Unfaults() []Unfault {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Unfault(nil), m.unfaults...)
}
