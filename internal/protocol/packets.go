// Package protocol decodes the game's length-prefixed container stream.
// All integers are big-endian. A container is a 4-byte length (counting
// itself) followed by a 2-byte type field whose top bit flags zstd
// compression of the type-specific body.
package protocol

// Message type ids carried in the low 15 bits of the type field.
const (
	MsgNotify    uint16 = 2 // Service notification with method id and payload
	MsgReturn    uint16 = 3 // RPC return, not processed
	MsgFrameDown uint16 = 6 // Batch of nested containers from the server
)

const (
	// CompressedFlag marks a zstd-compressed body.
	CompressedFlag uint16 = 0x8000
	typeMask       uint16 = 0x7fff

	// ExpectedServiceID is the only notify service that is forwarded.
	ExpectedServiceID uint64 = 0x0000000063335342
)

const (
	LengthPrefixSize = 4
	TypeFieldSize    = 2
	HeaderSize       = LengthPrefixSize + TypeFieldSize
	NotifyHeaderSize = 16
	SequenceIDSize   = 4

	// MaxNestingDepth bounds how many FrameDown levels are unpacked.
	MaxNestingDepth = 16
)

var msgTypeStrings = map[uint16]string{
	MsgNotify:    "Notify",
	MsgReturn:    "Return",
	MsgFrameDown: "FrameDown",
}

// MsgTypeName returns a readable name for a message type id.
func MsgTypeName(t uint16) string {
	if s, ok := msgTypeStrings[t]; ok {
		return s
	}
	return "Unknown"
}

// Container is one decoded outer frame.
type Container struct {
	Length     uint32
	Type       uint16
	Compressed bool
	Body       []byte
}

// Notify is a decoded notify message.
type Notify struct {
	ServiceID uint64
	StubID    uint32
	MethodID  uint32
	Payload   []byte
}
