package dispatch

import (
	"bytes"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/reassembly/internal/packet"
)

// FlowKeyer derives the dispatch key of a packet from its IPv4 address pair,
// ordered so that both directions of a flow share a key. Fragments carry the same
// addresses as the rest of their flow and land in the same partition. Packets
// that are not IPv4 get the empty key.
//
// A FlowKeyer reuses its decoding layers and is not safe for concurrent use.
type FlowKeyer struct {
	eth layers.Ethernet
	ip4 layers.IPv4

	ethParser *gopacket.DecodingLayerParser
	rawParser *gopacket.DecodingLayerParser
	decoded   []gopacket.LayerType
}

// NewFlowKeyer creates a FlowKeyer.
func NewFlowKeyer() *FlowKeyer {
	k := &FlowKeyer{decoded: make([]gopacket.LayerType, 0, 4)}
	k.ethParser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &k.eth, &k.ip4)
	k.ethParser.IgnoreUnsupported = true
	k.rawParser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &k.ip4)
	k.rawParser.IgnoreUnsupported = true
	return k
}

// Key returns the dispatch key of p.
func (k *FlowKeyer) Key(p *packet.Packet) string {
	var parser *gopacket.DecodingLayerParser
	switch p.LinkType() {
	case layers.LinkTypeEthernet:
		parser = k.ethParser
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		parser = k.rawParser
	default:
		return ""
	}
	if err := parser.DecodeLayers(p.Bytes(), &k.decoded); err != nil {
		return ""
	}
	for _, lt := range k.decoded {
		if lt == layers.LayerTypeIPv4 {
			return pairKey(k.ip4.SrcIP.To4(), k.ip4.DstIP.To4())
		}
	}
	return ""
}

func pairKey(a, b []byte) string {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	buf := make([]byte, 0, len(a)+len(b))
	buf = append(buf, a...)
	buf = append(buf, b...)
	return string(buf)
}
