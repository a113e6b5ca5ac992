package entity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/dtufleet/uartcenter/internal/model"
)

type fakeFlusher struct {
	mac  string
	sets []bson.M
	err  error
}

func (f *fakeFlusher) ApplyTerminalUpdate(ctx context.Context, mac string, set bson.M) error {
	if f.err != nil {
		return f.err
	}
	f.mac = mac
	f.sets = append(f.sets, set)
	return nil
}

func testTerminal() model.Terminal {
	return model.Terminal{
		DevMac:    "AABBCCDDEE01",
		Name:      "pump house",
		MountNode: "N1",
		Online:    true,
		PID:       "dtu-std",
		MountDevs: []model.MountDev{
			{PID: 1, Protocol: "modbus", Type: model.WireRS485, MountDev: "flow meter"},
			{PID: 3, Protocol: "modbus", Type: model.WireRS485, MountDev: "level gauge"},
		},
	}
}

func newTestEntity(doc model.Terminal) *Entity {
	return New(hclog.NewNullLogger(), doc, time.Unix(1000, 0))
}

func TestFlushMinimality(t *testing.T) {
	e := newTestEntity(testTerminal())
	now := time.Unix(2000, 0)
	e.SetMountDevLastEmit(3, now, now)

	f := &fakeFlusher{}
	if err := e.Flush(context.Background(), f); err != nil {
		t.Fatal(err)
	}
	if f.mac != "AABBCCDDEE01" {
		t.Fatalf("flushed wrong mac %q", f.mac)
	}
	if len(f.sets) != 1 {
		t.Fatalf("expected one update, got %d", len(f.sets))
	}
	set := f.sets[0]
	if len(set) != 2 {
		t.Fatalf("expected exactly two paths, got %v", set)
	}
	// pid 3 sits at index 1 of mountDevs.
	if _, ok := set["mountDevs.1.lastEmit"]; !ok {
		t.Fatalf("missing positional lastEmit path: %v", set)
	}
	if _, ok := set["uptime"]; !ok {
		t.Fatalf("missing uptime bump: %v", set)
	}
	if e.HasPendingChanges() {
		t.Fatal("dirty sets should be clear after flush")
	}
}

func TestNoopMutationsStayClean(t *testing.T) {
	doc := testTerminal()
	doc.MountDevs[0].Online = true
	e := newTestEntity(doc)

	e.SetOnline(true, time.Unix(2000, 0))
	e.SetMountDevOnline(1, true, time.Unix(2000, 0))
	if e.HasPendingChanges() {
		t.Fatal("no-op mutations must not dirty the entity")
	}
}

func TestUnknownPidWarnsAndNoops(t *testing.T) {
	e := newTestEntity(testTerminal())
	e.SetMountDevOnline(99, true, time.Unix(2000, 0))
	e.SetMountDevLastRecord(99, time.Unix(2000, 0), time.Unix(2000, 0))
	if e.HasPendingChanges() {
		t.Fatal("unknown pid must be a no-op")
	}
}

func TestPesivForcedOnlineAtConstruction(t *testing.T) {
	doc := testTerminal()
	doc.PID = model.PIDPesiv
	doc.MountDevs = []model.MountDev{
		{PID: 1, Protocol: model.PIDPesiv, Online: false},
		{PID: 2, Protocol: "modbus", Online: false},
	}
	e := newTestEntity(doc)

	snap := e.Snapshot()
	if !snap.MountDevs[0].Online {
		t.Fatal("pesiv mount-device must be forced online")
	}
	if snap.MountDevs[1].Online {
		t.Fatal("non-pesiv mount-device must be untouched")
	}
	if !e.HasPendingChanges() {
		t.Fatal("forcing must enter the dirty map")
	}

	f := &fakeFlusher{}
	if err := e.Flush(context.Background(), f); err != nil {
		t.Fatal(err)
	}
	if v, ok := f.sets[0]["mountDevs.0.online"]; !ok || v != true {
		t.Fatalf("forced online flag must persist: %v", f.sets[0])
	}
}

func TestOfflinePesivTerminalNotForced(t *testing.T) {
	doc := testTerminal()
	doc.PID = model.PIDPesiv
	doc.Online = false
	doc.MountDevs = []model.MountDev{{PID: 1, Protocol: model.PIDPesiv, Online: false}}
	e := newTestEntity(doc)
	if e.HasPendingChanges() {
		t.Fatal("offline terminal must not force pesiv devices online")
	}
}

func TestUpdateSuppressesNoops(t *testing.T) {
	e := newTestEntity(testTerminal())
	now := time.Unix(2000, 0)

	e.Update(map[string]any{"name": "pump house", "online": true}, now)
	if e.HasPendingChanges() {
		t.Fatal("updates matching the document must not dirty the entity")
	}

	e.Update(map[string]any{"name": "pump house east"}, now)
	if got := e.Snapshot().Name; got != "pump house east" {
		t.Fatalf("name = %q after update", got)
	}
	f := &fakeFlusher{}
	if err := e.Flush(context.Background(), f); err != nil {
		t.Fatal(err)
	}
	set := f.sets[0]
	if set["name"] != "pump house east" {
		t.Fatalf("flush must carry the changed field: %v", set)
	}
	if len(set) != 2 { // name + uptime
		t.Fatalf("expected a minimal update, got %v", set)
	}
}

func TestUpdateIccidInfoSuppressesNoop(t *testing.T) {
	e := newTestEntity(testTerminal())
	now := time.Unix(2000, 0)
	info := model.IccidInfo{ResourceName: "ali_1", TotalKB: 512 * 1024, RemainingKB: 1024}

	e.UpdateIccidInfo(info, now)
	if !e.HasPendingChanges() {
		t.Fatal("new flow-budget record must dirty the entity")
	}
	if err := e.Flush(context.Background(), &fakeFlusher{}); err != nil {
		t.Fatal(err)
	}

	e.UpdateIccidInfo(info, now)
	if e.HasPendingChanges() {
		t.Fatal("identical flow-budget record must be a no-op")
	}
	if got := e.Snapshot().IccidInfo; got == nil || got.TotalKB != 512*1024 {
		t.Fatalf("snapshot must carry the record, got %+v", got)
	}
}

func TestTimestampRaceLatestWins(t *testing.T) {
	e := newTestEntity(testTerminal())
	later := time.Unix(3000, 0)
	earlier := time.Unix(2500, 0)

	e.SetMountDevLastRecord(1, later, later)
	e.SetMountDevLastRecord(1, earlier, earlier)

	if got := e.Snapshot().MountDevs[0].LastRecord; !got.Equal(later) {
		t.Fatalf("expected later timestamp to win, got %v", got)
	}
}

func TestFlushFailureKeepsDirty(t *testing.T) {
	e := newTestEntity(testTerminal())
	now := time.Unix(2000, 0)
	e.SetOnline(false, now)

	f := &fakeFlusher{err: errors.New("store down")}
	if err := e.Flush(context.Background(), f); err == nil {
		t.Fatal("expected flush error")
	}
	if !e.HasPendingChanges() {
		t.Fatal("failed flush must leave the entity dirty for retry")
	}

	ok := &fakeFlusher{}
	if err := e.Flush(context.Background(), ok); err != nil {
		t.Fatal(err)
	}
	if _, present := ok.sets[0]["online"]; !present {
		t.Fatalf("retry must carry the original change: %v", ok.sets[0])
	}
}
