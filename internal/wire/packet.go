package wire

// Packet is a transport-layer record: a decoded FrameHeader plus the raw
// payload slice that followed it on the wire (spec.md §3 FramePacket).
type Packet struct {
	Header  FrameHeader
	Payload []byte
}

// MaxPayload is the compile-time constant payload budget per packet
// (spec.md §3): total_packets = ceil(width*height*2 / MaxPayload).
const MaxPayload = 8192
