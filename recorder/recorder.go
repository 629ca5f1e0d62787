// Package recorder stores what happened on a GPU into a database.
//
// A Recorder is a hook. Attach it to the GPU to record submissions,
// interrupts, faults, recoveries and TSG events, and to the host component
// to record the entries it executed.
package recorder

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"

	"github.com/sarchlab/akita/v4/sim"
	"github.com/sarchlab/akita/v4/tracing"
	"github.com/sarchlab/nvgpusim/channel"
	"github.com/sarchlab/nvgpusim/gpu"
)

// Table names.
const (
	TableSubmissions = "submissions"
	TableGRIntrs     = "gr_interrupts"
	TableFaults      = "mmu_faults"
	TableRecoveries  = "recoveries"
	TableEvents      = "tsg_events"
	TableRetired     = "retired_jobs"
	TableHostTasks   = "host_tasks"
)

// SubmissionRow is one submit call.
type SubmissionRow struct {
	ID      string
	Run     string
	Seq     uint64
	GPU     string
	ChID    uint32
	Count   uint32
	Flags   uint32
	Tracked bool
	Put     uint32
	Error   string
}

// GRIntrRow is one serviced GR stall interrupt.
type GRIntrRow struct {
	ID        string
	Run       string
	Seq       uint64
	Pending   uint32
	Ctx       uint32
	ChID      int64
	TSGID     int64
	NeedReset bool
	Residual  uint32
	BptEvents uint32
}

// FaultRow is one drained MMU fault buffer entry.
type FaultRow struct {
	ID         string
	Run        string
	Seq        uint64
	Buffer     int
	Addr       uint64
	FaultType  string
	Client     string
	Replayable bool
	MMUEngine  uint32
	ChID       int64
	Action     string
}

// RecoveryRow is one recovery.
type RecoveryRow struct {
	ID      string
	Run     string
	Seq     uint64
	EngMask uint32
	Target  int64
	IDType  string
	RCType  string
	Fault   string
}

// EventRow is one event posted to a TSG.
type EventRow struct {
	ID    string
	Run   string
	Seq   uint64
	TSGID uint32
	Event string
}

// RetiredRow is one retired job.
type RetiredRow struct {
	ID    string
	Run   string
	Seq   uint64
	ChID  uint32
	JobID uint64
}

// HostTaskRow is one entry executed by the host component.
type HostTaskRow struct {
	ID       string
	Run      string
	TaskID   string
	Kind     string
	What     string
	Where    string
	StartSeq uint64
	EndSeq   uint64
}

// Recorder turns hook invocations into rows.
type Recorder struct {
	w   Writer
	run string
	seq atomic.Uint64

	mu        sync.Mutex
	openTasks map[string]HostTaskRow
	counts    map[string]uint64
}

// New creates a recorder writing through w and creates its tables.
func New(w Writer) *Recorder {
	r := &Recorder{
		w:         w,
		run:       xid.New().String(),
		openTasks: make(map[string]HostTaskRow),
		counts:    make(map[string]uint64),
	}

	w.CreateTable(TableSubmissions, SubmissionRow{})
	w.CreateTable(TableGRIntrs, GRIntrRow{})
	w.CreateTable(TableFaults, FaultRow{})
	w.CreateTable(TableRecoveries, RecoveryRow{})
	w.CreateTable(TableEvents, EventRow{})
	w.CreateTable(TableRetired, RetiredRow{})
	w.CreateTable(TableHostTasks, HostTaskRow{})

	return r
}

// RunID identifies the rows of this recorder.
func (r *Recorder) RunID() string {
	return r.run
}

// Count returns the number of rows inserted into a table.
func (r *Recorder) Count(table string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.counts[table]
}

// Flush writes buffered rows.
func (r *Recorder) Flush() error {
	return r.w.Flush()
}

// Func records the hook context, if it is one the recorder knows.
func (r *Recorder) Func(ctx sim.HookCtx) {
	switch ctx.Pos {
	case gpu.HookPosSubmit:
		r.recordSubmit(ctx)
	case gpu.HookPosGRIntr:
		r.recordGRIntr(ctx)
	case gpu.HookPosMMUFault:
		r.recordFault(ctx)
	case gpu.HookPosRecovery:
		r.recordRecovery(ctx)
	case gpu.HookPosTSGEvent:
		r.recordEvent(ctx)
	case gpu.HookPosJobRetired:
		r.recordRetired(ctx)
	case tracing.HookPosTaskStart:
		r.startTask(ctx)
	case tracing.HookPosTaskEnd:
		r.endTask(ctx)
	}
}

func (r *Recorder) insert(table string, row any) {
	r.w.Insert(table, row)

	r.mu.Lock()
	r.counts[table]++
	r.mu.Unlock()
}

func (r *Recorder) next() uint64 {
	return r.seq.Add(1)
}

func signedID(id uint32) int64 {
	if id == gpu.InvalidID {
		return -1
	}

	return int64(id)
}

func (r *Recorder) recordSubmit(ctx sim.HookCtx) {
	d := ctx.Detail.(gpu.SubmitDetail)

	row := SubmissionRow{
		ID:      xid.New().String(),
		Run:     r.run,
		Seq:     r.next(),
		ChID:    d.ChID,
		Count:   d.Count,
		Flags:   d.Flags,
		Tracked: d.Tracked,
		Put:     d.Put,
	}

	if g, ok := ctx.Domain.(*gpu.GPU); ok {
		row.GPU = g.Name()
	}

	if d.Err != nil {
		row.Error = d.Err.Error()
	}

	r.insert(TableSubmissions, row)
}

func (r *Recorder) recordGRIntr(ctx sim.HookCtx) {
	d := ctx.Detail.(gpu.GRIntrDetail)

	r.insert(TableGRIntrs, GRIntrRow{
		ID:        xid.New().String(),
		Run:       r.run,
		Seq:       r.next(),
		Pending:   d.Pending,
		Ctx:       d.Ctx,
		ChID:      signedID(d.ChID),
		TSGID:     signedID(d.TSGID),
		NeedReset: d.NeedReset,
		Residual:  d.Residual,
		BptEvents: d.BptEvents,
	})
}

func (r *Recorder) recordFault(ctx sim.HookCtx) {
	d := ctx.Detail.(gpu.FaultDetail)

	r.insert(TableFaults, FaultRow{
		ID:         xid.New().String(),
		Run:        r.run,
		Seq:        r.next(),
		Buffer:     d.Buffer,
		Addr:       d.Addr,
		FaultType:  d.FaultType,
		Client:     d.Client,
		Replayable: d.Replayable,
		MMUEngine:  d.MMUEngine,
		ChID:       signedID(d.ChID),
		Action:     d.Action,
	})
}

func (r *Recorder) recordRecovery(ctx sim.HookCtx) {
	d := ctx.Detail.(gpu.RecoveryDetail)

	row := RecoveryRow{
		ID:      xid.New().String(),
		Run:     r.run,
		Seq:     r.next(),
		EngMask: d.EngMask,
		Target:  signedID(d.ID),
		IDType:  d.IDType.String(),
		RCType:  d.RCType.String(),
	}

	if ctx.Item != nil {
		row.Fault = fmt.Sprint(ctx.Item)
	}

	r.insert(TableRecoveries, row)
}

func (r *Recorder) recordEvent(ctx sim.HookCtx) {
	d := ctx.Detail.(gpu.EventDetail)

	r.insert(TableEvents, EventRow{
		ID:    xid.New().String(),
		Run:   r.run,
		Seq:   r.next(),
		TSGID: d.TSGID,
		Event: d.Event,
	})
}

func (r *Recorder) recordRetired(ctx sim.HookCtx) {
	row := RetiredRow{
		ID:    xid.New().String(),
		Run:   r.run,
		Seq:   r.next(),
		JobID: ctx.Detail.(uint64),
	}

	if ch, ok := ctx.Item.(*channel.Channel); ok {
		row.ChID = ch.ID
	}

	r.insert(TableRetired, row)
}

func (r *Recorder) startTask(ctx sim.HookCtx) {
	task := ctx.Item.(tracing.Task)

	r.mu.Lock()
	r.openTasks[task.ID] = HostTaskRow{
		ID:       xid.New().String(),
		Run:      r.run,
		TaskID:   task.ID,
		Kind:     task.Kind,
		What:     task.What,
		Where:    task.Where,
		StartSeq: r.next(),
	}
	r.mu.Unlock()
}

func (r *Recorder) endTask(ctx sim.HookCtx) {
	task := ctx.Item.(tracing.Task)

	r.mu.Lock()
	row, ok := r.openTasks[task.ID]
	delete(r.openTasks, task.ID)
	r.mu.Unlock()

	if !ok {
		return
	}

	row.EndSeq = r.next()
	r.insert(TableHostTasks, row)
}
