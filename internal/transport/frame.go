package transport

import "github.com/vmihailenco/msgpack/v5"

// Frame types carried on the chat channel.
const (
	FrameText      = "text"
	FrameFileStart = "file_start"
	FrameFileChunk = "file_chunk"
)

// Frame is the envelope of every data channel message.
type Frame struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// FileStart announces a file; FileChunk frames with the same ID follow.
type FileStart struct {
	ID        string `msgpack:"id"`
	SenderID  string `msgpack:"senderId"`
	Timestamp int64  `msgpack:"timestamp"`
	Name      string `msgpack:"name"`
	MIMEType  string `msgpack:"mimeType"`
	Size      uint64 `msgpack:"size"`
	Digest    string `msgpack:"digest"`
}

// FileChunk is one slice of a file, in order.
type FileChunk struct {
	ID     string `msgpack:"id"`
	Offset uint64 `msgpack:"offset"`
	Bytes  []byte `msgpack:"bytes"`
	Final  bool   `msgpack:"final"`
}

// DecodePayload decodes the frame payload into v.
func (f Frame) DecodePayload(v any) error {
	return msgpack.Unmarshal(f.Payload, v)
}

// EncodeFrame wraps payload in a frame of type t and marshals it.
func EncodeFrame(t string, payload any) ([]byte, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(Frame{Type: t, Payload: b})
}

// DecodeFrame unmarshals one data channel message.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	err := msgpack.Unmarshal(data, &f)
	return f, err
}
