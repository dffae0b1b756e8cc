package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"github.com/detectorlab/xraydet/internal/errs"
)

// CommandMagic/ResponseMagic distinguish the two directions of the control
// channel (spec.md §3).
const (
	CommandMagic  uint32 = 0xBEEFCAFE
	ResponseMagic uint32 = 0xCAFEBEEF
)

// CommandID enumerates the recognized control-plane commands.
type CommandID uint16

const (
	CmdStartScan CommandID = 0x0001
	CmdStopScan  CommandID = 0x0002
	CmdGetStatus CommandID = 0x0003
	CmdSetConfig CommandID = 0x0004
	CmdReset     CommandID = 0x0005
)

// cmdHeaderSize is the portion of a CommandFrame preceding the payload:
// magic(4) + sequence(4) + command_id(2) + payload_len(2) + hmac(32).
const cmdHeaderSize = 4 + 4 + 2 + 2 + 32

// hmacCoverage is magic+sequence+command_id+payload_len, the bytes signed
// together with the payload.
const hmacCoverage = 12

// CommandFrame is a decoded command or response (spec.md §3). Magic
// distinguishes which.
type CommandFrame struct {
	Magic      uint32
	Sequence   uint32
	CommandID  CommandID
	Payload    []byte
}

// EncodeCommand builds a signed CommandFrame with magic=CommandMagic, HMAC
// computed over the first 12 header bytes concatenated with payload, using
// key as the pre-shared HMAC-SHA256 key.
func EncodeCommand(seq uint32, id CommandID, payload []byte, key []byte) []byte {
	return encodeFrame(CommandMagic, seq, id, payload, key)
}

// EncodeResponse builds a signed CommandFrame with magic=ResponseMagic,
// echoing seq (spec.md §4.6 step 4).
func EncodeResponse(seq uint32, id CommandID, payload []byte, key []byte) []byte {
	return encodeFrame(ResponseMagic, seq, id, payload, key)
}

func encodeFrame(magic uint32, seq uint32, id CommandID, payload []byte, key []byte) []byte {
	out := make([]byte, cmdHeaderSize+len(payload))

	binary.LittleEndian.PutUint32(out[0:4], magic)
	binary.LittleEndian.PutUint32(out[4:8], seq)
	binary.LittleEndian.PutUint16(out[8:10], uint16(id))
	binary.LittleEndian.PutUint16(out[10:12], uint16(len(payload)))
	copy(out[cmdHeaderSize:], payload)

	mac := hmac.New(sha256.New, key)
	mac.Write(out[0:hmacCoverage])
	mac.Write(payload)
	copy(out[12:44], mac.Sum(nil))

	return out
}

// DecodeCommand parses and authenticates a CommandFrame. HMAC comparison
// uses hmac.Equal, which is constant-time, guarding against the early-exit
// timing bug called out in spec.md §9.
func DecodeCommand(b []byte, key []byte) (CommandFrame, error) {
	if len(b) < cmdHeaderSize {
		return CommandFrame{}, errs.New(errs.KindTruncated, "short command frame")
	}

	magic := binary.LittleEndian.Uint32(b[0:4])
	if magic != CommandMagic && magic != ResponseMagic {
		return CommandFrame{}, errs.New(errs.KindBadMagic, "unexpected command magic")
	}

	payloadLen := int(binary.LittleEndian.Uint16(b[10:12]))
	if len(b) < cmdHeaderSize+payloadLen {
		return CommandFrame{}, errs.New(errs.KindTruncated, "command payload shorter than payload_len")
	}

	payload := b[cmdHeaderSize : cmdHeaderSize+payloadLen]

	mac := hmac.New(sha256.New, key)
	mac.Write(b[0:hmacCoverage])
	mac.Write(payload)
	want := mac.Sum(nil)
	got := b[12:44]

	if !hmac.Equal(want, got) {
		return CommandFrame{}, errs.New(errs.KindBadHmac, "command hmac mismatch")
	}

	return CommandFrame{
		Magic:     magic,
		Sequence:  binary.LittleEndian.Uint32(b[4:8]),
		CommandID: CommandID(binary.LittleEndian.Uint16(b[8:10])),
		Payload:   append([]byte(nil), payload...),
	}, nil
}
