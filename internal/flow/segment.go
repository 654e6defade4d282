package flow

import "time"

// Segment is the application payload of one TCP packet.
type Segment struct {
	Key       Key
	Seq       uint32
	Payload   []byte
	Timestamp time.Time
}
