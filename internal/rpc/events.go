package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dtufleet/uartcenter/internal/model"
)

// ack is the generic reply payload on correlated or lifecycle events.
type ack struct {
	OK   int    `json:"ok"`
	Msg  string `json:"msg,omitempty"`
	Node string `json:"node,omitempty"`
	Name string `json:"name,omitempty"`
}

type registerPayload struct {
	Name           string `json:"name"`
	IP             string `json:"ip"`
	Port           int    `json:"port"`
	MaxConnections int    `json:"maxConnections"`
}

type nodeInfoPayload struct {
	Name        string `json:"name"`
	Connections int    `json:"connections"`
}

type mountDevRegisterPayload struct {
	Mac      string `json:"mac"`
	PID      int    `json:"pid"`
	MountDev string `json:"mountDev"`
}

// terminalOnPayload tolerates both a single mac and a mac array.
type terminalOnPayload struct {
	Mac    macList `json:"mac"`
	Reline bool    `json:"reline,omitempty"`
}

type macList []string

func (m *macList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*m = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*m = many
	return nil
}

type terminalOffPayload struct {
	Mac    string `json:"mac"`
	Active bool   `json:"active"`
}

type instructTimeoutPayload struct {
	Mac      string   `json:"mac"`
	PID      int      `json:"pid"`
	Instruct []string `json:"instruct"`
}

type mountDevTimeoutPayload struct {
	Mac     string `json:"mac"`
	PID     int    `json:"pid"`
	TimeOut int    `json:"timeOut"`
}

type busyPayload struct {
	Mac  string `json:"mac"`
	Busy bool   `json:"busy"`
	N    int    `json:"n"`
}

type heartbeatPayload struct {
	TS int64 `json:"ts"`
}

// consecutive timeouts past this mark a mount-device offline.
const mountDevTimeoutLimit = 10

// dispatchFrame routes one inbound frame. Handlers run inline so events on
// one session are processed in receive order.
func (s *Server) dispatchFrame(sess *Session, f *Frame) {
	ctx := context.Background()
	switch f.Event {
	case "register":
		s.onRegister(ctx, sess, f.Data)
	case "updateNodeInfo":
		s.onUpdateNodeInfo(sess, f.Data)
	case "terminalMountDevRegister":
		s.onMountDevRegister(ctx, sess, f.Data)
	case "terminalOn":
		s.onTerminalOn(ctx, sess, f.Data)
	case "terminalOff":
		s.onTerminalOff(ctx, sess, f.Data)
	case "instructTimeOut":
		s.onInstructTimeout(f.Data)
	case "terminalMountDevTimeOut":
		s.onMountDevTimeout(ctx, f.Data)
	case "busy":
		s.onBusy(f.Data)
	case "ready":
		s.onReady(ctx, sess)
	case "queryResult":
		s.onQueryResult(ctx, sess, f.Data)
	case "oprateDTUResult":
		s.onOprateResult(f.Data)
	case "heartbeat":
		s.onHeartbeat(sess, f.Data)
	case "startError":
		s.log.Warn("node reported start error", "node", sess.Name, "data", string(f.Data))
	case "alarm":
		s.log.Warn("node raised alarm", "node", sess.Name, "data", string(f.Data))
	default:
		s.log.Debug("unknown event", "node", sess.Name, "event", f.Event)
	}
}

func (s *Server) onRegister(ctx context.Context, sess *Session, data json.RawMessage) {
	var p registerPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Name == "" {
		s.log.Warn("bad register payload", "session", sess.ID, "error", err)
		return
	}

	s.mu.Lock()
	old := ""
	if id, ok := s.byName[p.Name]; ok && id != sess.ID {
		old = id
	}
	sess.Name = p.Name
	sess.IP = p.IP
	sess.Port = p.Port
	sess.MaxConnections = p.MaxConnections
	sess.LastHeartbeat = time.Now()
	s.byName[p.Name] = sess.ID
	var oldSess *Session
	if old != "" {
		oldSess = s.sessions[old]
	}
	s.mu.Unlock()

	// A node re-registering under the same name supersedes its old
	// session; close it so its cleanup runs.
	if oldSess != nil {
		s.log.Info("superseding stale node session", "node", p.Name, "old", old, "new", sess.ID)
		oldSess.close()
	}

	node := model.NodeClient{
		Name:           p.Name,
		IP:             p.IP,
		Port:           p.Port,
		MaxConnections: p.MaxConnections,
		Online:         true,
		LastSeen:       time.Now(),
	}
	if err := s.store.UpsertNode(ctx, node); err != nil {
		s.log.Warn("persist node failed", "node", p.Name, "error", err)
	}
	s.log.Info("node registered", "node", p.Name, "ip", p.IP, "port", p.Port)

	if err := sess.send("register", ack{OK: 1, Node: p.Name}); err != nil {
		s.log.Warn("register ack failed", "node", p.Name, "error", err)
	}
}

func (s *Server) onUpdateNodeInfo(sess *Session, data json.RawMessage) {
	var p nodeInfoPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	s.mu.Lock()
	sess.Connections = p.Connections
	sess.LastHeartbeat = time.Now()
	if p.Name != "" {
		s.byName[p.Name] = sess.ID
		sess.Name = p.Name
	}
	s.mu.Unlock()
}

func (s *Server) onMountDevRegister(ctx context.Context, sess *Session, data json.RawMessage) {
	var p mountDevRegisterPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Mac == "" {
		return
	}
	ent, err := s.sched.Terminal(ctx, p.Mac)
	if err != nil || ent == nil {
		s.log.Warn("mount-dev register for unknown terminal", "mac", p.Mac, "pid", p.PID, "error", err)
		return
	}
	ent.SetOnline(true, time.Now())
	if err := ent.Flush(ctx, s.sched.Flusher()); err != nil {
		s.log.Warn("flush failed", "mac", p.Mac, "error", err)
	}
	s.claimTerminal(p.Mac, sess.ID)
	s.cache.OnTerminalOnline(p.Mac)
	if err := s.sched.RefreshTerminal(ctx, p.Mac); err != nil {
		s.log.Warn("refresh scheduling failed", "mac", p.Mac, "error", err)
	}
	s.log.Debug("mount-device registered", "mac", p.Mac, "pid", p.PID, "mountDev", p.MountDev)
}

func (s *Server) claimTerminal(mac, sessionID string) {
	s.mu.Lock()
	s.owners[mac] = sessionID
	s.mu.Unlock()
}

func (s *Server) onTerminalOn(ctx context.Context, sess *Session, data json.RawMessage) {
	var p terminalOnPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	for _, mac := range p.Mac {
		ent, err := s.sched.Terminal(ctx, mac)
		if err != nil || ent == nil {
			s.log.Warn("terminalOn for unknown terminal", "mac", mac, "error", err)
			continue
		}
		ent.SetOnline(true, time.Now())
		if err := ent.Flush(ctx, s.sched.Flusher()); err != nil {
			s.log.Warn("flush failed", "mac", mac, "error", err)
		}
		s.claimTerminal(mac, sess.ID)
		s.cache.OnTerminalOnline(mac)
		s.sched.SetBusy(mac, false)
		if err := s.sched.RefreshTerminal(ctx, mac); err != nil {
			s.log.Warn("refresh scheduling failed", "mac", mac, "error", err)
		}
		s.log.Info("terminal online", "mac", mac, "reline", p.Reline)
	}
}

func (s *Server) onTerminalOff(ctx context.Context, sess *Session, data json.RawMessage) {
	var p terminalOffPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Mac == "" {
		return
	}
	if err := s.store.SetTerminalOnline(ctx, p.Mac, false); err != nil {
		s.log.Warn("mark terminal offline failed", "mac", p.Mac, "error", err)
	}
	s.cache.Invalidate(p.Mac)
	s.sched.RemoveTerminal(p.Mac)
	s.mu.Lock()
	delete(s.owners, p.Mac)
	s.mu.Unlock()
	s.log.Info("terminal offline", "mac", p.Mac, "active", p.Active)
}

func (s *Server) onInstructTimeout(data json.RawMessage) {
	var p instructTimeoutPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	// Device stays online; routing a timeout alarm is external.
	s.log.Warn("instruct timeout", "mac", p.Mac, "pid", p.PID, "instructs", len(p.Instruct))
}

func (s *Server) onMountDevTimeout(ctx context.Context, data json.RawMessage) {
	var p mountDevTimeoutPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if p.TimeOut <= mountDevTimeoutLimit {
		s.log.Debug("mount-device timeout", "mac", p.Mac, "pid", p.PID, "count", p.TimeOut)
		return
	}
	ent, err := s.sched.Terminal(ctx, p.Mac)
	if err != nil || ent == nil {
		return
	}
	ent.SetMountDevOnline(p.PID, false, time.Now())
	if err := ent.Flush(ctx, s.sched.Flusher()); err != nil {
		s.log.Warn("flush failed", "mac", p.Mac, "error", err)
	}
	s.log.Error("mount-device unresponsive, marked offline",
		"mac", p.Mac, "pid", p.PID, "timeouts", p.TimeOut)
}

func (s *Server) onBusy(data json.RawMessage) {
	var p busyPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Mac == "" {
		return
	}
	s.sched.SetBusy(p.Mac, p.Busy)
	s.log.Debug("terminal back-pressure", "mac", p.Mac, "busy", p.Busy, "n", p.N)
}

func (s *Server) onReady(ctx context.Context, sess *Session) {
	name := sess.Name
	if name == "" {
		s.log.Warn("ready before register", "session", sess.ID)
		return
	}
	terminals, err := s.store.TerminalsByNode(ctx, name)
	if err != nil {
		s.log.Warn("load node terminals failed", "node", name, "error", err)
		return
	}
	for i := range terminals {
		if err := s.sched.RefreshTerminal(ctx, terminals[i].DevMac); err != nil {
			s.log.Warn("refresh scheduling failed", "mac", terminals[i].DevMac, "error", err)
		}
	}
	s.log.Info("node ready, scheduling warmed", "node", name, "terminals", len(terminals))
	if err := sess.send("ready", ack{OK: 1, Name: name}); err != nil {
		s.log.Warn("ready ack failed", "node", name, "error", err)
	}
}

func (s *Server) onQueryResult(ctx context.Context, sess *Session, data json.RawMessage) {
	var res model.QueryResult
	if err := json.Unmarshal(data, &res); err != nil {
		s.log.Warn("bad query result payload", "node", sess.Name, "error", err)
		return
	}

	// Ad-hoc awaiters first, then scheduled polls. A result whose event
	// name is registered in neither place — never dispatched, or arriving
	// after its acceptance window closed — is acked but never ingested:
	// stale replies must not write storage or resurrect device state.
	awaited := s.pending.publish(res.EventName, data)
	if awaited || s.sched.Accept(res.EventName) {
		if err := s.sched.Ingest(ctx, &res); err != nil {
			s.log.Warn("ingest failed", "mac", res.Mac, "pid", res.PID, "error", err)
		}
	} else {
		s.log.Debug("stale query result dropped",
			"mac", res.Mac, "pid", res.PID, "eventName", res.EventName)
	}

	reply := ack{OK: 1}
	if !res.Success {
		reply = ack{OK: 0, Msg: res.Error}
	}
	if res.EventName != "" {
		if err := sess.send(res.EventName, reply); err != nil {
			s.log.Debug("result ack failed", "node", sess.Name, "error", err)
		}
	}
}

func (s *Server) onOprateResult(data json.RawMessage) {
	var probe struct {
		EventName string `json:"eventName"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.EventName == "" {
		return
	}
	if !s.pending.publish(probe.EventName, data) {
		s.log.Debug("late operate result dropped", "eventName", probe.EventName)
	}
}

func (s *Server) onHeartbeat(sess *Session, data json.RawMessage) {
	var p heartbeatPayload
	_ = json.Unmarshal(data, &p)
	s.mu.Lock()
	sess.LastHeartbeat = time.Now()
	s.mu.Unlock()
	if err := sess.send("heartbeat", heartbeatPayload{TS: p.TS}); err != nil {
		s.log.Debug("heartbeat echo failed", "node", sess.Name, "error", err)
	}
}
