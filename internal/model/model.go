// Package model defines the document types shared by the store, the cache,
// the scheduler and the node RPC layer. Field tags mirror the collection
// schema exactly; everything the controller persists goes through these.
package model

import "time"

// Wire types a mount-device can sit behind.
const (
	WireRS232 = 232
	WireRS485 = 485
)

// PIDPesiv marks the self-reporting terminal firmware variant. Devices
// speaking pesiv are online whenever their terminal is and are not polled.
const PIDPesiv = "pesiv"

// Terminal is one gateway (DTU) document from the terminals collection,
// uniquely keyed by DevMac.
type Terminal struct {
	DevMac    string     `bson:"DevMac" json:"mac"`
	Name      string     `bson:"name" json:"name"`
	MountNode string     `bson:"mountNode" json:"mountNode"`
	Online    bool       `bson:"online" json:"online"`
	PID       string     `bson:"PID" json:"pid"`
	ICCID     string     `bson:"ICCID,omitempty" json:"iccid,omitempty"`
	IccidInfo *IccidInfo `bson:"iccidInfo,omitempty" json:"iccidInfo,omitempty"`
	Uptime    time.Time  `bson:"uptime" json:"uptime"`
	MountDevs []MountDev `bson:"mountDevs" json:"mountDevs"`
}

// MountDev returns the mount-device with the given slave pid, or nil.
func (t *Terminal) MountDev(pid int) *MountDev {
	for i := range t.MountDevs {
		if t.MountDevs[i].PID == pid {
			return &t.MountDevs[i]
		}
	}
	return nil
}

// IsPesiv reports whether the terminal is a pesiv variant: either the
// terminal firmware itself or any mounted device speaks pesiv.
func (t *Terminal) IsPesiv() bool {
	if t.PID == PIDPesiv {
		return true
	}
	for i := range t.MountDevs {
		if t.MountDevs[i].Protocol == PIDPesiv {
			return true
		}
	}
	return false
}

// MountDev is one downstream device on a terminal's bus, addressed by the
// protocol-level slave pid (unique within the terminal).
type MountDev struct {
	PID           int       `bson:"pid" json:"pid"`
	Protocol      string    `bson:"protocol" json:"protocol"`
	Type          int       `bson:"Type" json:"type"`
	MountDev      string    `bson:"mountDev" json:"mountDev"`
	Online        bool      `bson:"online" json:"online"`
	MinQueryLimit int64     `bson:"minQueryLimit,omitempty" json:"minQueryLimit,omitempty"` // ms
	LastEmit      time.Time `bson:"lastEmit,omitempty" json:"lastEmit,omitempty"`
	LastRecord    time.Time `bson:"lastRecord,omitempty" json:"lastRecord,omitempty"`
}

// IccidInfo is the SIM flow-budget record attached to cellular terminals.
type IccidInfo struct {
	ResourceName string `bson:"resourceName" json:"resourceName"`
	TotalKB      int64  `bson:"totalKB" json:"totalKB"`
	RemainingKB  int64  `bson:"remainingKB" json:"remainingKB"`
}

// Protocol is an administrator-authored descriptor from device.protocols,
// keyed by Protocol name.
type Protocol struct {
	Protocol  string     `bson:"Protocol" json:"protocol"`
	Type      int        `bson:"Type" json:"type"` // wire type: 232, 485, ...
	Category  string     `bson:"category,omitempty" json:"category,omitempty"`
	Instructs []Instruct `bson:"instruct" json:"instruct"`
}

// Instruct describes one pollable instruction of a protocol. For standard
// Modbus instructions Name is the hex payload itself (e.g. "030000000A").
type Instruct struct {
	Name        string `bson:"name" json:"name"`
	ResultType  string `bson:"resultType" json:"resultType"` // utf8, hex, ...
	NonStandard bool   `bson:"noStandard,omitempty" json:"noStandard,omitempty"`
	ScriptStart string `bson:"scriptStart,omitempty" json:"scriptStart,omitempty"`
}

// NodeClient is one edge daemon record from node.clients, keyed by Name.
type NodeClient struct {
	Name           string    `bson:"Name" json:"name"`
	IP             string    `bson:"IP" json:"ip"`
	Port           int       `bson:"Port" json:"port"`
	MaxConnections int       `bson:"MaxConnections" json:"maxConnections"`
	Count          int       `bson:"count" json:"count"` // live terminal connections
	Online         bool      `bson:"online" json:"online"`
	LastSeen       time.Time `bson:"lastSeen" json:"lastSeen"`
}

// QueryResult is the parsed payload of a node's queryResult event and the
// shape persisted to the result collections.
type QueryResult struct {
	EventName string    `bson:"eventName" json:"eventName"`
	Mac       string    `bson:"mac" json:"mac"`
	PID       int       `bson:"pid" json:"pid"`
	Success   bool      `bson:"success" json:"success"`
	Content   []Content `bson:"contents,omitempty" json:"contents,omitempty"`
	Error     string    `bson:"error,omitempty" json:"error,omitempty"`
	UseTime   float64   `bson:"useTime,omitempty" json:"useTime,omitempty"` // ms
	TimeStamp time.Time `bson:"timeStamp" json:"timeStamp"`
}

// Content is one instruction's raw response inside a QueryResult.
type Content struct {
	Content string  `bson:"content" json:"content"`
	Buffer  string  `bson:"buffer,omitempty" json:"buffer,omitempty"` // hex of the raw reply
	UseTime float64 `bson:"useTime,omitempty" json:"useTime,omitempty"`
}

// DTUOperation is one append-only row in log.dtuoperations.
type DTUOperation struct {
	Mac        string    `bson:"mac" json:"mac"`
	Type       string    `bson:"type" json:"type"` // restart, restart485, updateMount, ...
	Content    string    `bson:"content,omitempty" json:"content,omitempty"`
	OperatedBy string    `bson:"operatedBy,omitempty" json:"operatedBy,omitempty"`
	OK         bool      `bson:"ok" json:"ok"`
	Msg        string    `bson:"msg,omitempty" json:"msg,omitempty"`
	CreatedAt  time.Time `bson:"createdAt" json:"createdAt"`
}
