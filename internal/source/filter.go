package source

import (
	"encoding/binary"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/google/gopacket/layers"
	"golang.org/x/net/bpf"

	"firestige.xyz/reassembly/internal/core"
)

var (
	srcRegex  = regexp.MustCompile(`\bsrc\s+(?:host\s+)?([0-9a-f.:]+)(?:\s|$)`)
	dstRegex  = regexp.MustCompile(`\bdst\s+(?:host\s+)?([0-9a-f.:]+)(?:\s|$)`)
	hostRegex = regexp.MustCompile(`(?:^|\s)host\s+([0-9a-f.:]+)`)
	netRegex  = regexp.MustCompile(`\bnet\s+([0-9a-f.:]+/\d+)`)
	ip6Regex  = regexp.MustCompile(`\b(ip6|ipv6)\b`)
)

// ipCondition is one address test; all conditions of a filter must hold.
type ipCondition struct {
	src, dst bool // which addresses are tested, both means either may match
	addr     uint32
	mask     uint32
}

// Filter is a tcpdump style address filter compiled to classic BPF and run in a
// bpf.VM. Only IP layer conditions are understood: src, dst, host and net, joined
// by "and". Anything else in the expression (ports, protocols) is ignored so that
// IP fragments are never filtered out by conditions they cannot carry.
type Filter struct {
	expr string
	prog []bpf.Instruction
	vm   *bpf.VM
}

// CompileFilter compiles expr for packets of link type lt. An empty expression
// yields a nil filter, which accepts everything.
func CompileFilter(expr string, lt layers.LinkType) (*Filter, error) {
	expr = strings.TrimSpace(strings.ToLower(expr))
	if expr == "" {
		return nil, nil
	}
	if ip6Regex.MatchString(expr) {
		return nil, fmt.Errorf("filter %q: only IPv4 is supported: %w", expr, core.ErrInvalidInput)
	}
	conds, err := parseConditions(expr)
	if err != nil {
		return nil, fmt.Errorf("filter %q: %w", expr, err)
	}
	prog, err := compile(conds, lt)
	if err != nil {
		return nil, fmt.Errorf("filter %q: %w", expr, err)
	}
	vm, err := bpf.NewVM(prog)
	if err != nil {
		return nil, fmt.Errorf("filter %q: %w", expr, err)
	}
	return &Filter{expr: expr, prog: prog, vm: vm}, nil
}

// String returns the normalized expression.
func (f *Filter) String() string { return f.expr }

// Program returns the assembled BPF program.
func (f *Filter) Program() ([]bpf.RawInstruction, error) { return bpf.Assemble(f.prog) }

// Match reports whether the packet bytes pass the filter. A nil filter matches
// everything.
func (f *Filter) Match(data []byte) bool {
	if f == nil {
		return true
	}
	n, err := f.vm.Run(data)
	return err == nil && n > 0
}

func parseAddr(s string) (uint32, error) {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return 0, fmt.Errorf("address %q: %w", s, core.ErrInvalidInput)
	}
	return binary.BigEndian.Uint32(ip), nil
}

func parseConditions(expr string) ([]ipCondition, error) {
	var conds []ipCondition
	add := func(re *regexp.Regexp, src, dst bool) error {
		for _, m := range re.FindAllStringSubmatch(expr, -1) {
			addr, err := parseAddr(m[1])
			if err != nil {
				return err
			}
			conds = append(conds, ipCondition{src: src, dst: dst, addr: addr, mask: 0xffffffff})
		}
		return nil
	}
	if err := add(srcRegex, true, false); err != nil {
		return nil, err
	}
	if err := add(dstRegex, false, true); err != nil {
		return nil, err
	}
	if err := add(hostRegex, true, true); err != nil {
		return nil, err
	}
	for _, m := range netRegex.FindAllStringSubmatch(expr, -1) {
		_, network, err := net.ParseCIDR(m[1])
		if err != nil || network.IP.To4() == nil {
			return nil, fmt.Errorf("network %q: %w", m[1], core.ErrInvalidInput)
		}
		conds = append(conds, ipCondition{
			src:  true,
			dst:  true,
			addr: binary.BigEndian.Uint32(network.IP.To4()),
			mask: binary.BigEndian.Uint32(network.Mask),
		})
	}
	return conds, nil
}

// compile emits one block per condition. Every block jumps to the final drop
// instruction when its condition fails.
func compile(conds []ipCondition, lt layers.LinkType) ([]bpf.Instruction, error) {
	var base uint32
	var prog []bpf.Instruction
	var toDrop []int // jumps whose SkipTrue must reach the drop instruction

	switch lt {
	case layers.LinkTypeEthernet:
		base = 14
		prog = append(prog,
			bpf.LoadAbsolute{Off: 12, Size: 2},
			bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: uint32(layers.EthernetTypeIPv4)},
		)
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		prog = append(prog,
			bpf.LoadAbsolute{Off: 0, Size: 1},
			bpf.ALUOpConstant{Op: bpf.ALUOpShiftRight, Val: 4},
			bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: 4},
		)
	default:
		return nil, fmt.Errorf("link type %s: %w", lt, core.ErrInvalidInput)
	}
	toDrop = append(toDrop, len(prog)-1)

	load := func(off uint32, mask uint32) []bpf.Instruction {
		ins := []bpf.Instruction{bpf.LoadAbsolute{Off: base + off, Size: 4}}
		if mask != 0xffffffff {
			ins = append(ins, bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: mask})
		}
		return ins
	}
	for _, c := range conds {
		switch {
		case c.src && c.dst:
			dstPart := append(load(16, c.mask), bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: c.addr & c.mask})
			prog = append(prog, load(12, c.mask)...)
			prog = append(prog, bpf.JumpIf{Cond: bpf.JumpEqual, Val: c.addr & c.mask, SkipTrue: uint8(len(dstPart))})
			prog = append(prog, dstPart...)
		case c.src:
			prog = append(prog, load(12, c.mask)...)
			prog = append(prog, bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: c.addr & c.mask})
		default:
			prog = append(prog, load(16, c.mask)...)
			prog = append(prog, bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: c.addr & c.mask})
		}
		toDrop = append(toDrop, len(prog)-1)
	}

	prog = append(prog, bpf.RetConstant{Val: 65535})
	drop := len(prog)
	prog = append(prog, bpf.RetConstant{Val: 0})

	for _, i := range toDrop {
		j := prog[i].(bpf.JumpIf)
		if drop-i-1 > 255 {
			return nil, fmt.Errorf("filter too long: %w", core.ErrInvalidInput)
		}
		j.SkipTrue = uint8(drop - i - 1)
		prog[i] = j
	}
	return prog, nil
}
