// Package stratum terminates the Stratum V1 mining protocol: the line
// codec, the per-connection session state machine, and the TCP listener
// with its broadcast fan-out.
package stratum

import (
	"sync"
)

// maxLineSize bounds one inbound JSON line. A legitimate mining.submit is
// well under 512 bytes; anything past this is noise.
const maxLineSize = 4096

// Object pools behind GetMessage/PutMessage and GetBuffer/PutBuffer
var (
	// messagePool backs GetMessage/PutMessage; the read loop does not use
	// it and parses each line into a fresh Message
	messagePool = sync.Pool{
		New: func() any {
			return &Message{}
		},
	}

	// bufferPool supplies the read loop's scanner buffer; the read loop does
	// not hand it back through PutBuffer
	bufferPool = sync.Pool{
		New: func() any {
			return make([]byte, maxLineSize)
		},
	}
)

// GetMessage gets a reset Message from the pool
func GetMessage() *Message {
	msg := messagePool.Get().(*Message)
	msg.ID = nil
	msg.Method = ""
	msg.Params = nil
	msg.Result = nil
	msg.Error = nil
	return msg
}

// PutMessage returns a Message to the pool
func PutMessage(msg *Message) {
	if msg != nil {
		messagePool.Put(msg)
	}
}

// GetBuffer gets a line buffer from the pool
func GetBuffer() []byte {
	return bufferPool.Get().([]byte)
}

// PutBuffer returns a buffer to the pool
func PutBuffer(buf []byte) {
	if cap(buf) >= maxLineSize {
		bufferPool.Put(buf[:maxLineSize])
	}
}
