package protocol

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/hashicorp/go-hclog"

	"github.com/dtufleet/uartcenter/internal/model"
)

func testLogger() hclog.Logger {
	return hclog.NewNullLogger()
}

func modbusProto(name string) *model.Protocol {
	return &model.Protocol{
		Protocol: name,
		Type:     model.WireRS485,
		Instructs: []model.Instruct{
			{Name: "030000000A", ResultType: "hex"},
		},
	}
}

func TestCRC16KnownVector(t *testing.T) {
	// "01 03 00 00 00 0A" is the canonical read-holding-registers request;
	// its Modbus CRC is 0xCDC5, transmitted low byte first: c5 cd.
	got := CRC16([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A})
	if got != 0xCDC5 {
		t.Fatalf("CRC16 = %#04x, want 0xcdc5", got)
	}
}

func TestBuildAppendsValidCRC(t *testing.T) {
	b := NewBuilder(testLogger())
	p := modbusProto("modbus")

	out := b.BuildInstruction(p, 1, &p.Instructs[0])
	if len(out) != len("01030000000a")+4 {
		t.Fatalf("expected payload plus two CRC bytes, got %q", out)
	}
	if out[:12] != "01030000000a" {
		t.Fatalf("expected slave prefix + payload, got %q", out[:12])
	}

	// Recompute the CRC over the frame body and check the little-endian
	// tail: low byte then high byte.
	raw, err := hex.DecodeString(out)
	if err != nil {
		t.Fatalf("output is not hex: %v", err)
	}
	body, tail := raw[:len(raw)-2], raw[len(raw)-2:]
	crc := CRC16(body)
	if tail[0] != byte(crc&0xff) || tail[1] != byte(crc>>8) {
		t.Fatalf("CRC mismatch: got %02x%02x, want %02x%02x",
			tail[0], tail[1], byte(crc&0xff), byte(crc>>8))
	}

	// And the whole frame must self-verify: CRC over body+tail is zero.
	if CRC16(raw) != 0 {
		t.Fatalf("frame does not self-verify under Modbus CRC")
	}
}

func TestBuildDeterministicAndCached(t *testing.T) {
	b := NewBuilder(testLogger())
	p := modbusProto("modbus")

	first := b.BuildInstruction(p, 7, &p.Instructs[0])
	second := b.BuildInstruction(p, 7, &p.Instructs[0])
	if first != second {
		t.Fatalf("repeated build differs: %q vs %q", first, second)
	}
	if _, ok := b.cache[cacheKey("modbus", 7, "030000000A")]; !ok {
		t.Fatal("expected encoding to be memoised")
	}
}

func TestBuildRS232Utf8Verbatim(t *testing.T) {
	b := NewBuilder(testLogger())
	p := &model.Protocol{
		Protocol:  "console",
		Type:      model.WireRS232,
		Instructs: []model.Instruct{{Name: "STATUS", ResultType: "utf8"}},
	}
	if got := b.BuildInstruction(p, 1, &p.Instructs[0]); got != "STATUS" {
		t.Fatalf("expected verbatim textual command, got %q", got)
	}
}

func TestBuildNonStandardScript(t *testing.T) {
	b := NewBuilder(testLogger())
	p := &model.Protocol{
		Protocol: "vendorx",
		Type:     model.WireRS485,
		Instructs: []model.Instruct{{
			Name:        "fe01",
			ResultType:  "hex",
			NonStandard: true,
			ScriptStart: `"aa" + instruct + "55"`,
		}},
	}
	if got := b.BuildInstruction(p, 3, &p.Instructs[0]); got != "aafe0155" {
		t.Fatalf("expected script-built content, got %q", got)
	}
}

func TestBuildBadScriptYieldsEmpty(t *testing.T) {
	b := NewBuilder(testLogger())
	p := &model.Protocol{
		Protocol: "vendorx",
		Type:     model.WireRS485,
		Instructs: []model.Instruct{{
			Name:        "fe01",
			ResultType:  "hex",
			NonStandard: true,
			ScriptStart: `pid +`, // does not compile
		}},
	}
	if got := b.BuildInstruction(p, 3, &p.Instructs[0]); got != "" {
		t.Fatalf("expected empty content on script failure, got %q", got)
	}
}

func TestRegistryLazyLoadAndPutInvalidates(t *testing.T) {
	b := NewBuilder(testLogger())

	loads := 0
	loader := func(ctx context.Context, name string) (*model.Protocol, error) {
		loads++
		return modbusProto(name), nil
	}
	r := NewRegistry(testLogger(), loader, b)

	ctx := context.Background()
	p := r.Get(ctx, "modbus")
	if p == nil {
		t.Fatal("expected descriptor from loader")
	}
	if r.Get(ctx, "modbus") == nil || loads != 1 {
		t.Fatalf("expected single lazy load, got %d", loads)
	}

	old := b.BuildInstruction(p, 1, &p.Instructs[0])

	// Replace with a descriptor whose payload differs; the first build
	// against the new descriptor must reflect it.
	next := &model.Protocol{
		Protocol:  "modbus",
		Type:      model.WireRS485,
		Instructs: []model.Instruct{{Name: "0300000001", ResultType: "hex"}},
	}
	r.Put(next)

	got := r.Get(ctx, "modbus")
	if got.Instructs[0].Name != "0300000001" {
		t.Fatal("expected replaced descriptor")
	}
	fresh := b.BuildInstruction(got, 1, &got.Instructs[0])
	if fresh == old {
		t.Fatalf("expected re-encoded instruction after Put, still %q", fresh)
	}
	if fresh[:12] != "010300000001" {
		t.Fatalf("expected new payload in encoding, got %q", fresh)
	}
}
