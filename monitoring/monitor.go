// Package monitoring serves the state of a running simulation over HTTP.
package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/rs/xid"
	"github.com/shirou/gopsutil/process"
	"github.com/sirupsen/logrus"
	"github.com/syifan/goseth"

	"github.com/sarchlab/akita/v4/sim"
	"github.com/sarchlab/nvgpusim/gpu"
	"github.com/sarchlab/nvgpusim/hw"
)

// Engine is the part of the simulation engine the monitor controls.
type Engine interface {
	Pause()
	Continue()
	CurrentTime() sim.VTimeInSec
}

// Ticker is a component that can be woken up from the monitor.
type Ticker interface {
	Name() string
	TickLater()
}

// Monitor turns a simulation into a server.
type Monitor struct {
	gpu        *gpu.GPU
	engine     Engine
	tickers    []Ticker
	portNumber int
	log        *logrus.Entry

	statsLock sync.Mutex
	stats     map[string]func() any

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar

	listener net.Listener
	server   *http.Server
	addr     string
}

// NewMonitor creates a monitor of g.
func NewMonitor(g *gpu.GPU) *Monitor {
	return &Monitor{
		gpu:   g,
		stats: make(map[string]func() any),
		log:   g.Log.WithField("unit", "monitor"),
	}
}

// WithPortNumber sets the port number of the monitor. Ports below 1000
// select a random port.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		m.log.WithField("port", portNumber).
			Warn("port not allowed, using a random port instead")

		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterEngine registers the engine the simulation runs on.
func (m *Monitor) RegisterEngine(e Engine) {
	m.engine = e
}

// RegisterTicker registers a component that can be ticked by name.
func (m *Monitor) RegisterTicker(t Ticker) {
	m.tickers = append(m.tickers, t)
}

// RegisterStats publishes what f returns under name.
func (m *Monitor) RegisterStats(name string, f func() any) {
	m.statsLock.Lock()
	defer m.statsLock.Unlock()

	m.stats[name] = f
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        xid.New().String(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	kept := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			kept = append(kept, b)
		}
	}

	m.progressBars = kept
}

// Router returns the handler of every monitoring endpoint.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/pause", m.pauseEngine)
	api.HandleFunc("/continue", m.continueEngine)
	api.HandleFunc("/now", m.now)
	api.HandleFunc("/tick/{name}", m.tick)
	api.HandleFunc("/channels", m.listChannels)
	api.HandleFunc("/channel/{id:[0-9]+}", m.channelDetails)
	api.HandleFunc("/field/{json}", m.fieldValue)
	api.HandleFunc("/faults", m.faultStats)
	api.HandleFunc("/intr", m.pendingInterrupts)
	api.HandleFunc("/stats", m.listStats)
	api.HandleFunc("/progress", m.listProgressBars)
	api.HandleFunc("/resource", m.listResources)
	api.HandleFunc("/profile", m.collectProfile)

	return r
}

// StartServer starts serving in the background and returns the address
// it listens on.
func (m *Monitor) StartServer() (string, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(m.portNumber))
	if err != nil {
		return "", err
	}

	m.listener = listener
	m.server = &http.Server{
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	addr := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	m.addr = addr
	fmt.Fprintf(os.Stderr, "Monitoring simulation with %s\n", addr)

	go func() {
		err := m.server.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			m.log.WithError(err).Error("monitor stopped")
		}
	}()

	return addr, nil
}

// Address returns the URL the server listens on, or an empty string when
// it is not started.
func (m *Monitor) Address() string {
	return m.addr
}

// StopServer shuts the server down.
func (m *Monitor) StopServer() error {
	if m.server == nil {
		return nil
	}

	return m.server.Close()
}

func (m *Monitor) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.log.WithError(err).Warn("response not written")
	}
}

func (m *Monitor) engineOr503(w http.ResponseWriter) Engine {
	if m.engine == nil {
		http.Error(w, "no engine registered", http.StatusServiceUnavailable)
	}

	return m.engine
}

func (m *Monitor) pauseEngine(w http.ResponseWriter, _ *http.Request) {
	if e := m.engineOr503(w); e != nil {
		e.Pause()
	}
}

func (m *Monitor) continueEngine(w http.ResponseWriter, _ *http.Request) {
	if e := m.engineOr503(w); e != nil {
		e.Continue()
	}
}

func (m *Monitor) now(w http.ResponseWriter, _ *http.Request) {
	if e := m.engineOr503(w); e != nil {
		m.writeJSON(w, map[string]float64{"now": float64(e.CurrentTime())})
	}
}

func (m *Monitor) tick(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	for _, t := range m.tickers {
		if t.Name() == name {
			t.TickLater()
			return
		}
	}

	http.Error(w, "component not found", http.StatusNotFound)
}

// ChannelSummary is one row of the channel list.
type ChannelSummary struct {
	ID            uint32 `json:"id"`
	TSG           int64  `json:"tsg"`
	Refs          int32  `json:"refs"`
	Deterministic bool   `json:"deterministic"`
	Unserviceable bool   `json:"unserviceable"`
	Jobs          int    `json:"jobs"`
	Put           uint32 `json:"put"`
	Get           uint32 `json:"get"`
	Pending       uint32 `json:"pending"`
	Notifier      string `json:"notifier,omitempty"`
}

func summarize(g *gpu.GPU) []ChannelSummary {
	chs := g.Channels()
	out := make([]ChannelSummary, 0, len(chs))

	for _, ch := range chs {
		s := ChannelSummary{
			ID:            ch.ID,
			TSG:           -1,
			Refs:          ch.Refs(),
			Deterministic: ch.Deterministic,
			Unserviceable: ch.Unserviceable(),
			Jobs:          ch.Jobs.Len(),
		}

		if tsg := ch.TSG(); tsg != nil {
			s.TSG = int64(tsg.ID)
		}

		if ring := ch.Ring(); ring != nil {
			s.Put = ring.HWPut()
			s.Get = ring.HWGet()
			s.Pending = ring.Pending()
		}

		if code, ok := ch.ErrorNotifier(); ok {
			s.Notifier = code.String()
		}

		out = append(out, s)
	}

	return out
}

func (m *Monitor) listChannels(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, summarize(m.gpu))
}

func (m *Monitor) channelOr404(w http.ResponseWriter, idStr string) any {
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err == nil {
		if ch := m.gpu.Channel(uint32(id)); ch != nil {
			return ch
		}
	}

	http.Error(w, "channel not found", http.StatusNotFound)

	return nil
}

func (m *Monitor) channelDetails(w http.ResponseWriter, r *http.Request) {
	ch := m.channelOr404(w, mux.Vars(r)["id"])
	if ch == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(ch)
	serializer.SetMaxDepth(1)

	if err := serializer.Serialize(w); err != nil {
		m.log.WithError(err).Warn("channel not serialized")
	}
}

type fieldReq struct {
	ChID      string `json:"chid,omitempty"`
	FieldName string `json:"field_name,omitempty"`
}

func (m *Monitor) fieldValue(w http.ResponseWriter, r *http.Request) {
	req := fieldReq{}

	err := json.Unmarshal([]byte(mux.Vars(r)["json"]), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ch := m.channelOr404(w, req.ChID)
	if ch == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(ch)
	serializer.SetMaxDepth(1)

	if err := serializer.SetEntryPoint(strings.Split(req.FieldName, ".")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := serializer.Serialize(w); err != nil {
		m.log.WithError(err).Warn("field not serialized")
	}
}

// FaultBufferStats are the counters of one fault buffer.
type FaultBufferStats struct {
	Buffer     int    `json:"buffer"`
	Get        uint32 `json:"get"`
	Put        uint32 `json:"put"`
	Entries    uint64 `json:"entries"`
	Spurious   uint64 `json:"spurious"`
	Duplicates uint64 `json:"duplicates"`
	Fixed      uint64 `json:"fixed"`
	Recoveries uint64 `json:"recoveries"`
	Replays    uint64 `json:"replays"`
	Cancels    uint64 `json:"cancels"`
}

func (m *Monitor) faultStats(w http.ResponseWriter, _ *http.Request) {
	out := make([]FaultBufferStats, 0, hw.NumFaultBuffers)

	for i := 0; i < hw.NumFaultBuffers; i++ {
		c := &m.gpu.FaultStats[i]
		out = append(out, FaultBufferStats{
			Buffer:     i,
			Get:        m.gpu.FB.Buffers[i].Get(),
			Put:        m.gpu.FB.Buffers[i].Put(),
			Entries:    c.Entries.Load(),
			Spurious:   c.Spurious.Load(),
			Duplicates: c.Duplicates.Load(),
			Fixed:      c.Fixed.Load(),
			Recoveries: c.Recoveries.Load(),
			Replays:    c.Replays.Load(),
			Cancels:    c.Cancels.Load(),
		})
	}

	m.writeJSON(w, out)
}

type intrRsp struct {
	Stall      uint32 `json:"stall"`
	GR         uint32 `json:"gr"`
	FaultState uint32 `json:"fault_status"`
}

func (m *Monitor) pendingInterrupts(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, intrRsp{
		Stall:      m.gpu.MC.PendingStall(),
		GR:         m.gpu.GR.PendingIntr(),
		FaultState: m.gpu.FB.FaultStatus(),
	})
}

func (m *Monitor) listStats(w http.ResponseWriter, _ *http.Request) {
	m.statsLock.Lock()
	names := make([]string, 0, len(m.stats))
	for name := range m.stats {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]any, len(names))
	for _, name := range names {
		out[name] = m.stats[name]()
	}
	m.statsLock.Unlock()

	m.writeJSON(w, out)
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.writeJSON(w, m.progressBars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	mem, err := proc.MemoryInfo()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m.writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: mem.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	if err := pprof.StartCPUProfile(buf); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m.writeJSON(w, prof)
}
