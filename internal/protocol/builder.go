package protocol

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr/vm"
	"github.com/hashicorp/go-hclog"

	"github.com/dtufleet/uartcenter/internal/model"
)

// Builder turns (protocol, slave pid, instruction) into the hex content a
// node transmits on the bus. Results are memoised per
// "protocol|pid|instruction" key; after first use a build is a map lookup.
type Builder struct {
	log hclog.Logger

	mu      sync.Mutex
	cache   map[string]string
	scripts map[string]*vmEntry // keyed protocol|instruction
}

type vmEntry struct {
	prog *vm.Program
	err  error
}

// NewBuilder creates an empty Builder.
func NewBuilder(log hclog.Logger) *Builder {
	return &Builder{
		log:     log.Named("builder"),
		cache:   make(map[string]string),
		scripts: make(map[string]*vmEntry),
	}
}

func cacheKey(protocol string, pid int, name string) string {
	return fmt.Sprintf("%s|%d|%s", protocol, pid, name)
}

// Build encodes every instruction of the protocol for the given pid, in
// descriptor order. Instructions that fail to encode contribute an empty
// string; the node rejects zero-content polls downstream.
func (b *Builder) Build(p *model.Protocol, pid int) []string {
	out := make([]string, 0, len(p.Instructs))
	for i := range p.Instructs {
		out = append(out, b.BuildInstruction(p, pid, &p.Instructs[i]))
	}
	return out
}

// BuildInstruction encodes a single instruction:
//
//   - RS-232 protocols with utf8 results use the instruction name verbatim
//     as a textual command.
//   - Non-standard instructions evaluate the descriptor's scriptStart
//     expression for (pid, instruct).
//   - Everything else gets the two-digit slave prefix, the hex payload, and
//     a little-endian Modbus CRC16.
//
// Failures log at warn and return "" (the historical behaviour: the node
// drops empty polls).
func (b *Builder) BuildInstruction(p *model.Protocol, pid int, inst *model.Instruct) string {
	key := cacheKey(p.Protocol, pid, inst.Name)

	b.mu.Lock()
	if s, ok := b.cache[key]; ok {
		b.mu.Unlock()
		return s
	}
	b.mu.Unlock()

	s := b.encode(p, pid, inst)

	// Write-once: a concurrent encode of the same key produced the same
	// bytes, so last-write-wins is safe.
	b.mu.Lock()
	b.cache[key] = s
	b.mu.Unlock()
	return s
}

func (b *Builder) encode(p *model.Protocol, pid int, inst *model.Instruct) string {
	if p.Type == model.WireRS232 && inst.ResultType == "utf8" {
		return inst.Name
	}

	if inst.NonStandard && inst.ScriptStart != "" {
		s, err := b.evalScript(p.Protocol, pid, inst)
		if err != nil {
			b.log.Warn("scriptStart evaluation failed",
				"protocol", p.Protocol, "pid", pid, "instruct", inst.Name, "error", err)
			return ""
		}
		return s
	}

	full, err := appendCRC(fmt.Sprintf("%02x%s", pid, strings.ToLower(inst.Name)))
	if err != nil {
		b.log.Warn("instruction encode failed",
			"protocol", p.Protocol, "pid", pid, "instruct", inst.Name, "error", err)
		return ""
	}
	return full
}

func (b *Builder) evalScript(protocol string, pid int, inst *model.Instruct) (string, error) {
	sk := protocol + "|" + inst.Name

	b.mu.Lock()
	ent, ok := b.scripts[sk]
	b.mu.Unlock()
	if !ok {
		prog, err := compileScript(inst.ScriptStart)
		ent = &vmEntry{prog: prog, err: err}
		b.mu.Lock()
		b.scripts[sk] = ent
		b.mu.Unlock()
	}
	if ent.err != nil {
		return "", ent.err
	}
	return runScript(ent.prog, pid, *inst)
}

// InvalidatePrefix drops every cached encoding and compiled script for the
// named protocol. Called by the registry when a descriptor is replaced.
func (b *Builder) InvalidatePrefix(protocol string) {
	prefix := protocol + "|"
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.cache {
		if strings.HasPrefix(k, prefix) {
			delete(b.cache, k)
		}
	}
	for k := range b.scripts {
		if strings.HasPrefix(k, prefix) {
			delete(b.scripts, k)
		}
	}
}
