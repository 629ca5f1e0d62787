package channel

import "fmt"

// NotifierCode is the error code written to a channel error notifier.
type NotifierCode uint32

// Error notifier codes.
const (
	NotifierFIFOIdleTimeout            NotifierCode = 8
	NotifierGRErrorSWMethod            NotifierCode = 12
	NotifierGRErrorSWNotify            NotifierCode = 13
	NotifierGRException                NotifierCode = 13
	NotifierGRSemaphoreTimeout         NotifierCode = 24
	NotifierGRIllegalNotify            NotifierCode = 25
	NotifierFIFOMMUFault               NotifierCode = 31
	NotifierPBDMAError                 NotifierCode = 32
	NotifierFECSUnimpFirmwareMethod    NotifierCode = 37
	NotifierResetChannelVerifError     NotifierCode = 43
	NotifierPBDMAPushbufferCRCMismatch NotifierCode = 80
)

func (c NotifierCode) String() string {
	switch c {
	case NotifierFIFOIdleTimeout:
		return "fifo_idle_timeout"
	case NotifierGRErrorSWMethod:
		return "gr_error_sw_method"
	case NotifierGRErrorSWNotify:
		return "gr_error_sw_notify"
	case NotifierGRSemaphoreTimeout:
		return "gr_semaphore_timeout"
	case NotifierGRIllegalNotify:
		return "gr_illegal_notify"
	case NotifierFIFOMMUFault:
		return "fifo_error_mmu_err_flt"
	case NotifierPBDMAError:
		return "pbdma_error"
	case NotifierFECSUnimpFirmwareMethod:
		return "fecs_err_unimp_firmware_method"
	case NotifierResetChannelVerifError:
		return "resetchannel_verif_error"
	case NotifierPBDMAPushbufferCRCMismatch:
		return "pbdma_pushbuffer_crc_mismatch"
	default:
		return fmt.Sprintf("notifier(%d)", uint32(c))
	}
}

// EventID identifies an event posted to a TSG.
type EventID int

// Events a TSG can receive.
const (
	EventBptInt EventID = iota
	EventBptPause
	EventBlockingSync
	EventCILPPreemptionStarted
	EventCILPPreemptionComplete
	EventGRSemaphoreWriteAwaken
)

func (e EventID) String() string {
	switch e {
	case EventBptInt:
		return "bpt_int"
	case EventBptPause:
		return "bpt_pause"
	case EventBlockingSync:
		return "blocking_sync"
	case EventCILPPreemptionStarted:
		return "cilp_preemption_started"
	case EventCILPPreemptionComplete:
		return "cilp_preemption_complete"
	case EventGRSemaphoreWriteAwaken:
		return "gr_semaphore_write_awaken"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}
