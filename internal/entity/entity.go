// Package entity wraps a terminal document with dirty-field tracking so
// mutations flush as one minimal positional update. Mutators are the only
// write path; readers take snapshots.
package entity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/dtufleet/uartcenter/internal/model"
)

// Flusher applies one $set document to a terminal, addressed by mac.
type Flusher interface {
	ApplyTerminalUpdate(ctx context.Context, mac string, set bson.M) error
}

// Entity carries a terminal document plus two dirty overlays: changed
// top-level fields and changed per-mount-device fields. Mount-devices are
// append-only for the entity's lifetime so positional indexes stay stable
// between mutation and flush.
type Entity struct {
	log hclog.Logger

	mu       sync.Mutex
	doc      model.Terminal
	dirtyTop map[string]any
	dirtyDev map[int]map[string]any // pid -> field -> value
}

// New builds an entity from a stored document. If the terminal is online
// and is the pesiv firmware variant, every pesiv mount-device is forced
// online; the forcing enters the dirty map so the next flush persists it.
func New(log hclog.Logger, doc model.Terminal, now time.Time) *Entity {
	e := &Entity{
		log:      log.Named("terminal").With("mac", doc.DevMac),
		doc:      doc,
		dirtyTop: make(map[string]any),
		dirtyDev: make(map[int]map[string]any),
	}
	if doc.Online && doc.PID == model.PIDPesiv {
		for i := range e.doc.MountDevs {
			d := &e.doc.MountDevs[i]
			if d.Protocol == model.PIDPesiv && !d.Online {
				d.Online = true
				e.markDev(d.PID, "online", true, now)
			}
		}
	}
	return e
}

// Mac returns the terminal's identity.
func (e *Entity) Mac() string {
	return e.doc.DevMac
}

// Snapshot returns a copy of the current document, safe to read without
// holding the entity.
func (e *Entity) Snapshot() model.Terminal {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.doc
	t.MountDevs = make([]model.MountDev, len(e.doc.MountDevs))
	copy(t.MountDevs, e.doc.MountDevs)
	if e.doc.IccidInfo != nil {
		info := *e.doc.IccidInfo
		t.IccidInfo = &info
	}
	return t
}

// markDev records a mount-device field change. Caller holds e.mu (or the
// entity is still under construction).
func (e *Entity) markDev(pid int, field string, v any, now time.Time) {
	m, ok := e.dirtyDev[pid]
	if !ok {
		m = make(map[string]any)
		e.dirtyDev[pid] = m
	}
	m[field] = v
	e.dirtyTop["uptime"] = now
	e.doc.Uptime = now
}

func (e *Entity) markTop(field string, v any, now time.Time) {
	e.dirtyTop[field] = v
	e.dirtyTop["uptime"] = now
	e.doc.Uptime = now
}

// SetOnline flips the terminal-level online flag.
func (e *Entity) SetOnline(online bool, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.doc.Online == online {
		return
	}
	e.doc.Online = online
	e.markTop("online", online, now)
}

// Update applies top-level field changes (admin edits). Values matching
// the current document are suppressed for the fields tracked here; the
// document copy stays coherent for subsequent snapshots. Fields outside
// the tracked set are written as-is.
func (e *Entity) Update(fields map[string]any, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range fields {
		switch k {
		case "name":
			if s, ok := v.(string); ok {
				if e.doc.Name == s {
					continue
				}
				e.doc.Name = s
			}
		case "mountNode":
			if s, ok := v.(string); ok {
				if e.doc.MountNode == s {
					continue
				}
				e.doc.MountNode = s
			}
		case "online":
			if b, ok := v.(bool); ok {
				if e.doc.Online == b {
					continue
				}
				e.doc.Online = b
			}
		}
		e.markTop(k, v, now)
	}
}

// UpdateIccidInfo replaces the SIM flow-budget record.
func (e *Entity) UpdateIccidInfo(info model.IccidInfo, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.doc.IccidInfo != nil && *e.doc.IccidInfo == info {
		return
	}
	e.doc.IccidInfo = &info
	e.markTop("iccidInfo", info, now)
}

// SetMountDevOnline flips one mount-device's online flag. Unknown pids
// warn and no-op.
func (e *Entity) SetMountDevOnline(pid int, online bool, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.doc.MountDev(pid)
	if d == nil {
		e.log.Warn("mutate unknown mount-device", "pid", pid, "field", "online")
		return
	}
	if d.Online == online {
		return
	}
	d.Online = online
	e.markDev(pid, "online", online, now)
}

// SetMountDevLastEmit stamps the moment a poll was dispatched for pid.
func (e *Entity) SetMountDevLastEmit(pid int, at time.Time, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.doc.MountDev(pid)
	if d == nil {
		e.log.Warn("mutate unknown mount-device", "pid", pid, "field", "lastEmit")
		return
	}
	if d.LastEmit.Equal(at) {
		return
	}
	// Timestamps settle on the latest value when updates race.
	if at.Before(d.LastEmit) {
		return
	}
	d.LastEmit = at
	e.markDev(pid, "lastEmit", at, now)
}

// SetMountDevLastRecord stamps the moment a reply was ingested for pid.
func (e *Entity) SetMountDevLastRecord(pid int, at time.Time, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.doc.MountDev(pid)
	if d == nil {
		e.log.Warn("mutate unknown mount-device", "pid", pid, "field", "lastRecord")
		return
	}
	if d.LastRecord.Equal(at) || at.Before(d.LastRecord) {
		return
	}
	d.LastRecord = at
	e.markDev(pid, "lastRecord", at, now)
}

// HasPendingChanges reports whether a flush would do work.
func (e *Entity) HasPendingChanges() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.dirtyTop) > 0 || len(e.dirtyDev) > 0
}

// updateDoc composes the minimal positional $set. Caller holds e.mu.
func (e *Entity) updateDoc() (bson.M, error) {
	set := bson.M{}
	for k, v := range e.dirtyTop {
		set[k] = v
	}
	for pid, fields := range e.dirtyDev {
		idx := -1
		for i := range e.doc.MountDevs {
			if e.doc.MountDevs[i].PID == pid {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("dirty mount-device pid %d not in document", pid)
		}
		for f, v := range fields {
			set[fmt.Sprintf("mountDevs.%d.%s", idx, f)] = v
		}
	}
	return set, nil
}

// Flush writes all pending changes as one positional update. The dirty
// sets are taken out before the write; on failure they merge back in (new
// changes made during the write win) so a later flush retries.
func (e *Entity) Flush(ctx context.Context, f Flusher) error {
	e.mu.Lock()
	if len(e.dirtyTop) == 0 && len(e.dirtyDev) == 0 {
		e.mu.Unlock()
		return nil
	}
	set, err := e.updateDoc()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	top, dev := e.dirtyTop, e.dirtyDev
	e.dirtyTop = make(map[string]any)
	e.dirtyDev = make(map[int]map[string]any)
	mac := e.doc.DevMac
	e.mu.Unlock()

	if err := f.ApplyTerminalUpdate(ctx, mac, set); err != nil {
		e.mu.Lock()
		for k, v := range top {
			if _, ok := e.dirtyTop[k]; !ok {
				e.dirtyTop[k] = v
			}
		}
		for pid, fields := range dev {
			cur, ok := e.dirtyDev[pid]
			if !ok {
				e.dirtyDev[pid] = fields
				continue
			}
			for f, v := range fields {
				if _, ok := cur[f]; !ok {
					cur[f] = v
				}
			}
		}
		e.mu.Unlock()
		return fmt.Errorf("flush terminal %s: %w", mac, err)
	}
	return nil
}
