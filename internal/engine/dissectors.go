package engine

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/reassembly/internal/core"
	"firestige.xyz/reassembly/internal/metrics"
	"firestige.xyz/reassembly/internal/multipart"
	"firestige.xyz/reassembly/internal/packet"
	"firestige.xyz/reassembly/internal/proto"
	"firestige.xyz/reassembly/internal/ptype"
	"firestige.xyz/reassembly/internal/stream"
)

const (
	ethFieldSrc = iota
	ethFieldDst
	ethFieldType
)

var ethernetFields = []packet.FieldDecl{
	{Name: "src", Template: &ptype.String{}, Description: "Source MAC address"},
	{Name: "dst", Template: &ptype.String{}, Description: "Destination MAC address"},
	{Name: "type", Template: &ptype.Uint32{}, Description: "EtherType"},
}

const (
	ipv4FieldSrc = iota
	ipv4FieldDst
	ipv4FieldProto
	ipv4FieldID
)

var ipv4Fields = []packet.FieldDecl{
	{Name: "src", Template: &ptype.Addr{}, Description: "Source address"},
	{Name: "dst", Template: &ptype.Addr{}, Description: "Destination address"},
	{Name: "proto", Template: &ptype.Uint32{}, Description: "Protocol number"},
	{Name: "id", Template: &ptype.Uint32{}, Description: "Identification"},
}

const (
	tcpFieldSport = iota
	tcpFieldDport
	tcpFieldSeq
	tcpFieldAck
)

var tcpFields = []packet.FieldDecl{
	{Name: "sport", Template: &ptype.Uint32{}, Description: "Source port"},
	{Name: "dport", Template: &ptype.Uint32{}, Description: "Destination port"},
	{Name: "seq", Template: &ptype.Uint32{}, Description: "Sequence number"},
	{Name: "ack", Template: &ptype.Uint32{}, Description: "Acknowledgment number"},
}

func setUint(info *packet.Info, idx int, v uint32) { info.Value(idx).(*ptype.Uint32).V = v }

func decodeError(name string, err error) error {
	return fmt.Errorf("decode %s: %v: %w", name, err, core.ErrInvalidInput)
}

func (e *Engine) dissectEthernet(p *packet.Packet, s *proto.Stack, index int) error {
	l := s.Layer(index)
	if err := e.eth.DecodeFromBytes(l.Payload, gopacket.NilDecodeFeedback); err != nil {
		return decodeError(ProtoEthernet, err)
	}
	l.Info.Value(ethFieldSrc).(*ptype.String).V = e.eth.SrcMAC.String()
	l.Info.Value(ethFieldDst).(*ptype.String).V = e.eth.DstMAC.String()
	setUint(l.Info, ethFieldType, uint32(e.eth.EthernetType))

	if e.eth.EthernetType != layers.EthernetTypeIPv4 {
		return core.ErrStop
	}
	next := s.Layer(index + 1)
	next.Proto = e.ipv4
	next.Payload = e.eth.Payload
	return nil
}

func (e *Engine) dissectIPv4(p *packet.Packet, s *proto.Stack, index int) error {
	l := s.Layer(index)
	ip := &e.ip4
	if err := ip.DecodeFromBytes(l.Payload, gopacket.NilDecodeFeedback); err != nil {
		return decodeError(ProtoIPv4, err)
	}
	src, _ := netip.AddrFromSlice(ip.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(ip.DstIP.To4())
	l.Info.Value(ipv4FieldSrc).(*ptype.Addr).V = src
	l.Info.Value(ipv4FieldDst).(*ptype.Addr).V = dst
	setUint(l.Info, ipv4FieldProto, uint32(ip.Protocol))
	setUint(l.Info, ipv4FieldID, uint32(ip.Id))

	var next *proto.Protocol
	switch ip.Protocol {
	case layers.IPProtocolTCP:
		next = e.tcp
	default:
		return core.ErrStop
	}

	if ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0 {
		if !e.limiter.allow(src, p.Timestamp()) {
			metrics.MultipartFragmentsTotal.WithLabelValues("rate_limited").Inc()
			return core.ErrStop
		}
		return e.addFragment(p, s, index, src, dst, next.Name)
	}
	nl := s.Layer(index + 1)
	nl.Proto = next
	nl.Payload = ip.Payload
	return nil
}

// addFragment files the fragment just decoded into e.ip4. Once the last fragment
// has arrived and no gap is left, the datagram runs through the chain from the
// slot above the IPv4 layer.
func (e *Engine) addFragment(p *packet.Packet, s *proto.Stack, index int, src, dst netip.Addr, next string) error {
	ip := &e.ip4
	key := fragKey(src, dst, uint8(ip.Protocol), ip.Id)
	st, ok := e.frags.get(key)
	if !ok {
		var flags packet.CloneFlags
		if e.cfg.NoCopy {
			flags |= packet.FlagNoCopy
		}
		m, err := multipart.New(e.reg, next, e.pool, flags, e.cfg.MaxFragments)
		if err != nil {
			return err
		}
		st = &fragState{key: key, m: m}
		e.frags.add(st)
	}

	srcOff := offsetIn(p.Bytes(), ip.Payload)
	if srcOff < 0 {
		e.frags.remove(key)
		return fmt.Errorf("fragment payload outside packet buffer: %w", core.ErrInvalidInput)
	}
	if err := st.m.AddFragment(int(ip.FragOffset)*8, len(ip.Payload), p, srcOff); err != nil {
		e.frags.remove(key)
		return err
	}
	if ip.Flags&layers.IPv4MoreFragments == 0 {
		st.last = true
	}
	if !st.last || st.m.Gaps() != 0 {
		return core.ErrStop
	}

	st.done = true
	e.frags.remove(key)
	if err := st.m.Process(s, index+1, e.chain); err != nil {
		return err
	}
	return core.ErrStop
}

func (e *Engine) dissectTCP(p *packet.Packet, s *proto.Stack, index int) error {
	l := s.Layer(index)
	t := &e.tcpL
	if err := t.DecodeFromBytes(l.Payload, gopacket.NilDecodeFeedback); err != nil {
		return decodeError(ProtoTCP, err)
	}
	setUint(l.Info, tcpFieldSport, uint32(t.SrcPort))
	setUint(l.Info, tcpFieldDport, uint32(t.DstPort))
	setUint(l.Info, tcpFieldSeq, t.Seq)
	setUint(l.Info, tcpFieldAck, t.Ack)

	ipl := s.Layer(index - 1)
	if ipl == nil || ipl.Proto != e.ipv4 || ipl.Info == nil {
		return fmt.Errorf("tcp without ipv4 layer below: %w", core.ErrInvalidInput)
	}
	src := netip.AddrPortFrom(ipl.Info.Value(ipv4FieldSrc).(*ptype.Addr).V, uint16(t.SrcPort))
	dst := netip.AddrPortFrom(ipl.Info.Value(ipv4FieldDst).(*ptype.Addr).V, uint16(t.DstPort))

	key := connKey(src, dst)
	c, ok := e.conns.get(key)
	if !ok {
		if t.RST {
			return core.ErrStop
		}
		c = newConn(key, src, dst)
	}
	c.lastTS = p.Timestamp()
	e.conns.touch(c)
	dir := c.direction(src)
	l.Direction = dir

	if t.RST {
		slog.Debug("connection reset", "conn", key, "dir", dir)
		e.conns.remove(key)
		return core.ErrStop
	}

	seq := t.Seq
	if t.SYN {
		seq++
	}
	if c.stream == nil {
		// The stream starts on the first packet that knows both initial sequence
		// numbers.
		if !t.ACK {
			if len(t.Payload) > 0 {
				slog.Debug("data before the connection is established", "conn", key, "len", len(t.Payload))
			}
			return core.ErrStop
		}
		st, err := stream.New(seq, t.Ack, dir, e.cfg.MaxBufferBytes, e.cfg.StreamFlags, stream.HandlerFunc(e.deliver), e.pool)
		if err != nil {
			return err
		}
		c.stream = st
	}

	next := s.Layer(index + 1)
	next.Proto = e.line
	next.Payload = t.Payload
	next.Direction = dir
	next.Conn = c
	err := c.stream.ProcessSegment(p, s, index+1, seq, t.Ack)

	if t.FIN {
		c.fin[dir] = true
		if c.fin[core.DirForward] && c.fin[core.DirReverse] {
			e.conns.remove(key)
		}
	}
	if err != nil {
		return err
	}
	return core.ErrStop
}

// deliver is the stream handler: in-order payloads continue the chain at the line
// layer.
func (e *Engine) deliver(p *packet.Packet, s *proto.Stack, index int) error {
	return e.chain.Process(p, s, index)
}

func (e *Engine) dissectLine(p *packet.Packet, s *proto.Stack, index int) error {
	l := s.Layer(index)
	c, ok := l.Conn.(*conn)
	if !ok {
		return fmt.Errorf("line layer without connection: %w", core.ErrInvalidInput)
	}
	lp := c.parser(l.Direction, e.cfg.MaxLineSize)
	lp.AddPayload(l.Payload)
	for {
		line, ok := lp.GetLine()
		if !ok {
			return nil
		}
		e.emit(c, l.Direction, p.Timestamp(), line, false)
	}
}
