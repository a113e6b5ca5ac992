package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dtufleet/uartcenter/internal/model"
	"github.com/dtufleet/uartcenter/internal/scheduler"
)

// Reply is what ad-hoc callers get back from a correlated RPC.
type Reply struct {
	OK      int             `json:"ok"`
	Msg     string          `json:"msg,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	UseTime float64         `json:"useTime,omitempty"`
}

func timeoutReply() Reply {
	return Reply{OK: 0, Msg: "no response"}
}

// DTU operation kinds accepted by OprateDTU.
var oprateTypes = map[string]bool{
	"restart":        true,
	"restart485":     true,
	"updateMount":    true,
	"OprateInstruct": true,
	"setTerminal":    true,
	"getTerminal":    true,
}

type oprateFrame struct {
	EventName string `json:"eventName"`
	Mac       string `json:"mac"`
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
}

// terminalSession resolves the session owning mac via its mountNode.
func (s *Server) terminalSession(ctx context.Context, mac string) (*Session, error) {
	ent, err := s.sched.Terminal(ctx, mac)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return nil, fmt.Errorf("terminal %s not found", mac)
	}
	sess := s.sessionByName(ent.Snapshot().MountNode)
	if sess == nil {
		return nil, fmt.Errorf("node for terminal %s not online", mac)
	}
	return sess, nil
}

// InstructQuery sends one ad-hoc poll to the terminal's node and waits up
// to twice the declared interval for the correlated queryResult. The
// device's online flag is refreshed by the ingestion path on success.
func (s *Server) InstructQuery(ctx context.Context, mac string, pid int, protoName, content string, interval time.Duration) Reply {
	sess, err := s.terminalSession(ctx, mac)
	if err != nil {
		return Reply{OK: 0, Msg: err.Error()}
	}

	q := scheduler.InstructQuery{
		EventName: fmt.Sprintf("instructQuery_%s_%d_%d", mac, pid, time.Now().UnixMilli()),
		Mac:       mac,
		PID:       pid,
		Protocol:  protoName,
		DevMac:    mac,
		Content:   content,
		Interval:  interval.Milliseconds(),
	}
	// Register before sending so a fast node cannot race the waiter.
	ch := s.pending.register(q.EventName)
	if err := sess.send("instructQuery", q); err != nil {
		s.pending.drop(q.EventName)
		return Reply{OK: 0, Msg: err.Error()}
	}

	t := time.NewTimer(2 * interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		s.pending.drop(q.EventName)
		return Reply{OK: 0, Msg: ctx.Err().Error()}
	case <-t.C:
		s.pending.drop(q.EventName)
		return timeoutReply()
	case raw := <-ch:
		var res model.QueryResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return Reply{OK: 0, Msg: "malformed result"}
		}
		if !res.Success {
			return Reply{OK: 0, Msg: res.Error, UseTime: res.UseTime}
		}
		return Reply{OK: 1, Data: raw, UseTime: res.UseTime}
	}
}

// OprateDTU runs one management operation against a terminal (restart,
// mount update, passthrough instruction, ...) with a 10 s deadline, and
// appends the outcome to the operation log either way.
func (s *Server) OprateDTU(ctx context.Context, mac, opType, content, operatedBy string) Reply {
	if !oprateTypes[opType] {
		return Reply{OK: 0, Msg: "unknown operation type: " + opType}
	}
	sess, err := s.terminalSession(ctx, mac)
	if err != nil {
		return Reply{OK: 0, Msg: err.Error()}
	}

	f := oprateFrame{
		EventName: fmt.Sprintf("oprateDTU_%s_%d", mac, time.Now().UnixMilli()),
		Mac:       mac,
		Type:      opType,
		Content:   content,
	}
	ch := s.pending.register(f.EventName)
	if err := sess.send("oprateDTU", f); err != nil {
		s.pending.drop(f.EventName)
		return Reply{OK: 0, Msg: err.Error()}
	}

	reply := timeoutReply()
	t := time.NewTimer(oprateTimeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		s.pending.drop(f.EventName)
		reply = Reply{OK: 0, Msg: ctx.Err().Error()}
	case <-t.C:
		s.pending.drop(f.EventName)
	case raw := <-ch:
		var res struct {
			OK  int    `json:"ok"`
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(raw, &res); err == nil {
			reply = Reply{OK: res.OK, Msg: res.Msg, Data: raw}
		} else {
			reply = Reply{OK: 1, Data: raw}
		}
	}

	op := &model.DTUOperation{
		Mac:        mac,
		Type:       opType,
		Content:    content,
		OperatedBy: operatedBy,
		OK:         reply.OK == 1,
		Msg:        reply.Msg,
		CreatedAt:  time.Now(),
	}
	if err := s.store.AppendDTUOperation(ctx, op); err != nil {
		s.log.Warn("operation log append failed", "mac", mac, "type", opType, "error", err)
	}
	return reply
}
