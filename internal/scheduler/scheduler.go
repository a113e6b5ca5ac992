// Package scheduler owns the per-(mac,pid) polling table. A 500 ms tick
// walks the table in starvation-weight order and dispatches InstructQuery
// frames to the owning node, honouring per-device intervals, in-flight
// de-duplication and per-terminal channel exclusivity.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/dtufleet/uartcenter/internal/cache"
	"github.com/dtufleet/uartcenter/internal/entity"
	"github.com/dtufleet/uartcenter/internal/model"
	"github.com/dtufleet/uartcenter/internal/protocol"
)

const (
	tickInterval = 500 * time.Millisecond

	minInterval   = 5 * time.Second
	baseInterval  = 500 * time.Millisecond
	baseCellular  = time.Second
	smallBudgetKB = 512 * 1024

	// inFlightGrace bounds how long an unanswered poll blocks its channel;
	// past it the request is treated as abandoned.
	inFlightGrace  = 30 * time.Second
	abandonedAfter = time.Minute
	siblingWindow  = 10 * time.Second
)

// Store is the slice of persistence the scheduler needs. *store.Store
// satisfies it.
type Store interface {
	Terminal(ctx context.Context, mac string) (*model.Terminal, error)
	ApplyTerminalUpdate(ctx context.Context, mac string, set bson.M) error
	SaveResult(ctx context.Context, r *model.QueryResult) error
}

// InstructQuery is the outbound poll frame payload.
type InstructQuery struct {
	EventName string `json:"eventName"`
	Mac       string `json:"mac"`
	PID       int    `json:"pid"`
	Protocol  string `json:"protocol"`
	DevMac    string `json:"devMac"`
	Content   string `json:"content"`
	Interval  int64  `json:"interval"` // ms
}

// Transport sends frames to live node sessions. The RPC layer satisfies it.
type Transport interface {
	NodeOnline(name string) bool
	SendInstructQuery(node string, q InstructQuery) error
}

// Entry is one row of the scheduling table, keyed by (mac, pid).
type Entry struct {
	Mac        string
	PID        int
	Node       string
	Protocol   string
	Type       int
	MountDev   string
	Interval   time.Duration
	SibCount   int
	Weight     int
	Online     bool
	LastEmit   time.Time
	LastRecord time.Time
}

func key(mac string, pid int) string {
	return fmt.Sprintf("%s:%d", mac, pid)
}

// Scheduler drives the polling plane.
type Scheduler struct {
	log      hclog.Logger
	now      func() time.Time
	store    Store
	cache    *cache.Cache
	registry *protocol.Registry
	builder  *protocol.Builder

	mu        sync.Mutex
	entries   map[string]*Entry
	busy      map[string]struct{}
	handled   map[string]struct{}
	awaiting  map[string]time.Time // dispatched event name -> acceptance deadline
	transport Transport
}

// New creates a Scheduler. The transport binds later, once the RPC layer
// exists, via SetTransport.
func New(log hclog.Logger, st Store, c *cache.Cache, reg *protocol.Registry, b *protocol.Builder) *Scheduler {
	return &Scheduler{
		log:      log.Named("scheduler"),
		now:      time.Now,
		store:    st,
		cache:    c,
		registry: reg,
		builder:  b,
		entries:  make(map[string]*Entry),
		busy:     make(map[string]struct{}),
		handled:  make(map[string]struct{}),
		awaiting: make(map[string]time.Time),
	}
}

// Flusher exposes the persistence target entities flush against.
func (s *Scheduler) Flusher() entity.Flusher {
	return s.store
}

// SetTransport binds the node transport. Entries whose node has no live
// session are skipped, never deleted, so binding late loses nothing.
func (s *Scheduler) SetTransport(t Transport) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(tickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick walks the table once, most-starved entries first. One entry's
// failure never stops the walk.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	s.handled = make(map[string]struct{})
	for name, deadline := range s.awaiting {
		if now.After(deadline) {
			delete(s.awaiting, name)
		}
	}
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		return s.entries[keys[i]].Weight > s.entries[keys[j]].Weight
	})
	s.mu.Unlock()

	for _, k := range keys {
		s.dispatchSafe(ctx, k)
	}
}

func (s *Scheduler) dispatchSafe(ctx context.Context, k string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("dispatch panic", "entry", k, "panic", r)
		}
	}()
	s.dispatch(ctx, k)
}

// Terminal resolves a terminal through the cache, falling back to the
// store on miss and installing the loaded entity.
func (s *Scheduler) Terminal(ctx context.Context, mac string) (*entity.Entity, error) {
	if e := s.cache.Get(mac); e != nil {
		return e, nil
	}
	doc, err := s.store.Terminal(ctx, mac)
	if err != nil || doc == nil {
		return nil, err
	}
	e := entity.New(s.log, *doc, s.now())
	s.cache.Set(mac, e)

	// Construction may have forced pesiv devices online; persist that now
	// rather than waiting for the next mutation.
	if e.HasPendingChanges() {
		if err := e.Flush(ctx, s.store); err != nil {
			s.log.Warn("flush after load failed", "mac", mac, "error", err)
		}
	}
	return e, nil
}

// dispatch applies the per-entry policy; see the package comment.
func (s *Scheduler) dispatch(ctx context.Context, k string) {
	now := s.now()

	s.mu.Lock()
	e, ok := s.entries[k]
	if !ok {
		s.mu.Unlock()
		return
	}
	mac, pid := e.Mac, e.PID

	// Node back-pressure: the mac sits in the busy set until the node
	// signals otherwise.
	if _, isBusy := s.busy[mac]; isBusy {
		e.Weight++
		s.mu.Unlock()
		return
	}

	// Outstanding request by the table's own bookkeeping: the previous
	// poll has neither answered nor been abandoned yet.
	if e.LastRecord.Before(e.LastEmit) &&
		e.LastEmit.Sub(e.LastRecord) < inFlightGrace &&
		now.Sub(e.LastEmit) < abandonedAfter {
		e.Weight++
		s.mu.Unlock()
		return
	}

	// Too soon since the last emit.
	if !e.LastEmit.IsZero() && now.Sub(e.LastEmit) < e.Interval-time.Second {
		s.mu.Unlock()
		return
	}

	multi := e.SibCount > 1
	if multi {
		// One poll per physical channel per tick.
		if _, held := s.handled[mac]; held {
			e.Weight++
			s.mu.Unlock()
			return
		}
		s.handled[mac] = struct{}{}
	}
	interval := e.Interval
	node := e.Node
	protoName := e.Protocol
	s.mu.Unlock()

	if multi {
		ent, err := s.Terminal(ctx, mac)
		if err != nil {
			s.log.Debug("terminal load failed", "mac", mac, "error", err)
			return
		}
		if ent == nil {
			return
		}
		snap := ent.Snapshot()
		d := snap.MountDev(pid)
		if d == nil {
			return
		}

		// Outstanding request on this device: the previous poll has not
		// answered and is not yet abandoned.
		if d.LastRecord.Before(d.LastEmit) &&
			d.LastEmit.Sub(d.LastRecord) < inFlightGrace &&
			now.Sub(d.LastEmit) < abandonedAfter {
			s.bumpWeight(k)
			return
		}

		// Too soon by the stored record.
		if !d.LastEmit.IsZero() && now.Sub(d.LastEmit) < interval-time.Second {
			return
		}

		// A sibling holds the channel: it emitted recently and its reply
		// is still outstanding.
		for i := range snap.MountDevs {
			sib := &snap.MountDevs[i]
			if sib.PID == pid {
				continue
			}
			if !sib.LastEmit.IsZero() && now.Sub(sib.LastEmit) < siblingWindow &&
				sib.LastRecord.Before(sib.LastEmit) &&
				now.Sub(sib.LastRecord) < abandonedAfter {
				s.bumpWeight(k)
				return
			}
		}
	}

	proto := s.registry.Get(ctx, protoName)
	if proto == nil {
		s.log.Warn("unknown protocol, skipping", "mac", mac, "pid", pid, "protocol", protoName)
		return
	}
	instructs := s.builder.Build(proto, pid)

	s.mu.Lock()
	tr := s.transport
	s.mu.Unlock()
	if tr == nil || !tr.NodeOnline(node) {
		return
	}

	q := InstructQuery{
		EventName: fmt.Sprintf("instructQuery_%s_%d_%d", mac, pid, now.UnixMilli()),
		Mac:       mac,
		PID:       pid,
		Protocol:  protoName,
		DevMac:    mac,
		Content:   strings.Join(instructs, ","),
		Interval:  interval.Milliseconds(),
	}
	if err := tr.SendInstructQuery(node, q); err != nil {
		s.log.Warn("instruct query send failed", "node", node, "mac", mac, "pid", pid, "error", err)
		return
	}

	s.mu.Lock()
	if e, ok := s.entries[k]; ok {
		e.Weight = 0
		e.LastEmit = now
		e.Online = true
	}
	// The reply stays acceptable for twice the interval; anything later is
	// treated as never sent.
	s.awaiting[q.EventName] = now.Add(2 * interval)
	s.mu.Unlock()

	// Persist lastEmit and force the device online; both settle through
	// idempotent positional updates.
	if ent, err := s.Terminal(ctx, mac); err == nil && ent != nil {
		ent.SetMountDevLastEmit(pid, now, now)
		ent.SetMountDevOnline(pid, true, now)
		if err := ent.Flush(ctx, s.store); err != nil {
			s.log.Warn("post-dispatch flush failed", "mac", mac, "pid", pid, "error", err)
		}
	}
}

func (s *Scheduler) bumpWeight(k string) {
	s.mu.Lock()
	if e, ok := s.entries[k]; ok {
		e.Weight++
	}
	s.mu.Unlock()
}

// deriveInterval computes the terminal-wide poll interval. Cellular
// terminals pace slower, small ali_1 budgets slower still; the instruction
// count of the first mount-device's protocol scales the base (a DTU-level
// throttle: later devices' protocols are deliberately not consulted).
func (s *Scheduler) deriveInterval(ctx context.Context, t *model.Terminal) time.Duration {
	base := baseInterval
	if t.ICCID != "" {
		base = baseCellular
	}
	if info := t.IccidInfo; info != nil && info.ResourceName == "ali_1" &&
		info.TotalKB > 0 && info.TotalKB < smallBudgetKB {
		factor := float64(smallBudgetKB) / float64(info.TotalKB) * 2
		base = time.Duration(float64(base) * factor)
	}

	n := 1
	if len(t.MountDevs) > 0 {
		if p := s.registry.Get(ctx, t.MountDevs[0].Protocol); p != nil && len(p.Instructs) > 0 {
			n = len(p.Instructs)
		}
	}

	iv := time.Duration(n) * base
	if iv < minInterval {
		iv = minInterval
	}
	return iv
}

// Accept reports whether an inbound result's event name matches a poll
// whose reply is still awaited, consuming the registration either way. A
// result for an unknown or expired name must not be ingested.
func (s *Scheduler) Accept(eventName string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.awaiting[eventName]
	if !ok {
		return false
	}
	delete(s.awaiting, eventName)
	return now.Before(deadline)
}

// SyncTerminal folds a freshly loaded document into the cached entity —
// the flow-budget record in particular, which drifts in storage without
// any node event — then re-derives the terminal's scheduling entries. The
// periodic cache refresh feeds it.
func (s *Scheduler) SyncTerminal(ctx context.Context, doc *model.Terminal) error {
	if ent := s.cache.Get(doc.DevMac); ent != nil {
		if doc.IccidInfo != nil {
			ent.UpdateIccidInfo(*doc.IccidInfo, s.now())
		}
	} else {
		e := entity.New(s.log, *doc, s.now())
		s.cache.Set(doc.DevMac, e)
		if e.HasPendingChanges() {
			if err := e.Flush(ctx, s.store); err != nil {
				s.log.Warn("flush after load failed", "mac", doc.DevMac, "error", err)
			}
		}
	}
	return s.RefreshTerminal(ctx, doc.DevMac)
}

// RefreshTerminal (re)derives scheduling entries for every mount-device of
// mac against the terminal's current document and flow-budget state.
// Existing entries keep their starvation weight and emit bookkeeping.
func (s *Scheduler) RefreshTerminal(ctx context.Context, mac string) error {
	ent, err := s.Terminal(ctx, mac)
	if err != nil {
		return err
	}
	if ent == nil {
		return fmt.Errorf("terminal %s not found", mac)
	}
	snap := ent.Snapshot()
	iv := s.deriveInterval(ctx, &snap)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range snap.MountDevs {
		d := &snap.MountDevs[i]
		eff := iv
		if min := time.Duration(d.MinQueryLimit) * time.Millisecond; eff < min {
			eff = min
		}
		k := key(mac, d.PID)
		if cur, ok := s.entries[k]; ok {
			cur.Node = snap.MountNode
			cur.Protocol = d.Protocol
			cur.Type = d.Type
			cur.MountDev = d.MountDev
			cur.Interval = eff
			cur.SibCount = len(snap.MountDevs)
			cur.Online = d.Online
			continue
		}
		s.entries[k] = &Entry{
			Mac:        mac,
			PID:        d.PID,
			Node:       snap.MountNode,
			Protocol:   d.Protocol,
			Type:       d.Type,
			MountDev:   d.MountDev,
			Interval:   eff,
			SibCount:   len(snap.MountDevs),
			Online:     d.Online,
			LastEmit:   d.LastEmit,
			LastRecord: d.LastRecord,
		}
	}
	return nil
}

// RemoveTerminal drops every entry for mac.
func (s *Scheduler) RemoveTerminal(mac string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if e.Mac == mac {
			delete(s.entries, k)
		}
	}
	delete(s.busy, mac)
}

// Remove drops one (mac, pid) entry.
func (s *Scheduler) Remove(mac string, pid int) {
	s.mu.Lock()
	delete(s.entries, key(mac, pid))
	s.mu.Unlock()
}

// SetBusy marks or clears node back-pressure for a terminal.
func (s *Scheduler) SetBusy(mac string, busy bool) {
	s.mu.Lock()
	if busy {
		s.busy[mac] = struct{}{}
	} else {
		delete(s.busy, mac)
	}
	s.mu.Unlock()
}

// ClearScratch drops the per-tick channel-occupancy scratch. The hourly
// maintenance sweep calls this alongside the node-map reset.
func (s *Scheduler) ClearScratch() {
	s.mu.Lock()
	s.handled = make(map[string]struct{})
	s.mu.Unlock()
}

// Len reports the table size.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Entry returns a copy of the (mac, pid) row, if present.
func (s *Scheduler) Entry(mac string, pid int) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key(mac, pid)]; ok {
		return *e, true
	}
	return Entry{}, false
}

// Ingest handles a queryResult after correlation fan-out. Successful
// results persist and advance the device's lastRecord; failures only log —
// flipping a device offline is the consecutive-timeout path's job.
func (s *Scheduler) Ingest(ctx context.Context, res *model.QueryResult) error {
	now := s.now()

	if !res.Success {
		s.log.Debug("query result failed", "mac", res.Mac, "pid", res.PID, "error", res.Error)
		return nil
	}

	res.TimeStamp = now
	if err := s.store.SaveResult(ctx, res); err != nil {
		s.log.Warn("persist result failed", "mac", res.Mac, "pid", res.PID, "error", err)
	}

	ent, err := s.Terminal(ctx, res.Mac)
	if err != nil || ent == nil {
		return err
	}
	ent.SetMountDevLastRecord(res.PID, now, now)
	ent.SetMountDevOnline(res.PID, true, now)
	if err := ent.Flush(ctx, s.store); err != nil {
		s.log.Warn("post-ingest flush failed", "mac", res.Mac, "pid", res.PID, "error", err)
	}

	s.mu.Lock()
	if e, ok := s.entries[key(res.Mac, res.PID)]; ok {
		e.LastRecord = now
		e.Online = true
	}
	s.mu.Unlock()
	return nil
}
