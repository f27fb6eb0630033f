package transport

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	ChunkSize     = 16 * 1024       // file_chunk payload size
	HighWaterMark = 1024 * 1024     // pause sending above this many buffered bytes
	LowWaterMark  = 256 * 1024      // resume once buffered bytes fall below this
	SendTimeout   = 30 * time.Second // give up when the buffer does not drain
)

// Progress reports a file moving over a link.
type Progress struct {
	ID       string
	Peer     string
	Name     string
	Done     uint64
	Total    uint64
	Outgoing bool
}

// LinkConfig configures a Link. Callbacks run on the channel's delivery
// goroutine and must not block.
type LinkConfig struct {
	Peer         string
	MaxFileBytes int
	OnOpen       func()
	OnClose      func()
	OnMessage    func(ChatMessage)
	OnProgress   func(Progress)
	Logger       *slog.Logger
}

// Link is an open chat channel to one peer.
type Link struct {
	cfg LinkConfig
	ch  Channel
	log *slog.Logger

	opened    chan struct{}
	openOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once

	// sendMu serializes writers so chunks of two files never interleave.
	sendMu   sync.Mutex
	lowWater chan struct{}

	// incoming is the file being received, if any. Senders stream one file
	// at a time per link. Touched only from the channel's message callback,
	// which delivers sequentially.
	incoming *partialFile
}

type partialFile struct {
	start FileStart
	buf   bytes.Buffer
}

// NewLink attaches to ch and starts listening.
func NewLink(ch Channel, cfg LinkConfig) *Link {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	l := &Link{
		cfg:      cfg,
		ch:       ch,
		log:      cfg.Logger.With("peer", cfg.Peer, "channel", ch.Label()),
		opened:   make(chan struct{}),
		closed:   make(chan struct{}),
		lowWater: make(chan struct{}, 1),
	}

	ch.SetBufferedAmountLowThreshold(LowWaterMark)
	ch.OnBufferedAmountLow(func() {
		select {
		case l.lowWater <- struct{}{}:
		default:
		}
	})
	ch.OnMessage(l.handleMessage)
	ch.OnClose(l.markClosed)
	ch.OnOpen(func() {
		l.openOnce.Do(func() {
			close(l.opened)
			if cfg.OnOpen != nil {
				cfg.OnOpen()
			}
		})
	})
	return l
}

// Peer returns the remote client id.
func (l *Link) Peer() string {
	return l.cfg.Peer
}

// Opened is closed once the channel is open.
func (l *Link) Opened() <-chan struct{} {
	return l.opened
}

// Done is closed once the channel has closed.
func (l *Link) Done() <-chan struct{} {
	return l.closed
}

// IsOpen reports whether messages can be sent.
func (l *Link) IsOpen() bool {
	select {
	case <-l.closed:
		return false
	default:
	}
	select {
	case <-l.opened:
		return true
	default:
		return false
	}
}

// Close closes the underlying channel.
func (l *Link) Close() {
	l.ch.Close()
	l.markClosed()
}

func (l *Link) markClosed() {
	l.closeOnce.Do(func() {
		close(l.closed)
		if l.cfg.OnClose != nil {
			l.cfg.OnClose()
		}
	})
}

// SendText sends a text message in one frame.
func (l *Link) SendText(msg ChatMessage) error {
	if msg.Text == "" {
		return ErrEmptyMessage
	}
	data, err := EncodeFrame(FrameText, msg)
	if err != nil {
		return fmt.Errorf("encode text frame: %w", err)
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if !l.IsOpen() {
		return ErrChannelNotOpen
	}
	return l.ch.Send(data)
}

// SendFile announces msg.File and streams it in ChunkSize pieces, pausing
// whenever the channel buffer is above HighWaterMark.
func (l *Link) SendFile(ctx context.Context, msg ChatMessage) error {
	f := msg.File
	if f == nil || len(f.Data) == 0 {
		return ErrInvalidFile
	}
	if len(f.Data) > l.cfg.MaxFileBytes {
		return NewFileError("send", f.Name, ErrFileTooLarge)
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if !l.IsOpen() {
		return ErrChannelNotOpen
	}

	total := uint64(len(f.Data))
	start, err := EncodeFrame(FrameFileStart, FileStart{
		ID:        msg.ID,
		SenderID:  msg.SenderID,
		Timestamp: msg.Timestamp,
		Name:      f.Name,
		MIMEType:  f.MIMEType,
		Size:      total,
		Digest:    f.Digest,
	})
	if err != nil {
		return fmt.Errorf("encode file_start frame: %w", err)
	}
	if err := l.ch.Send(start); err != nil {
		return NewFileError("send", f.Name, err)
	}

	for offset := uint64(0); offset < total; {
		if err := l.waitForWindow(ctx); err != nil {
			return NewFileError("send", f.Name, err)
		}

		end := min(offset+ChunkSize, total)
		data, err := EncodeFrame(FrameFileChunk, FileChunk{
			ID:     msg.ID,
			Offset: offset,
			Bytes:  f.Data[offset:end],
			Final:  end == total,
		})
		if err != nil {
			return fmt.Errorf("encode file_chunk frame: %w", err)
		}
		if err := l.ch.Send(data); err != nil {
			return NewFileError("send", f.Name, err)
		}
		offset = end
		l.progress(Progress{ID: msg.ID, Peer: l.cfg.Peer, Name: f.Name, Done: offset, Total: total, Outgoing: true})
	}
	return nil
}

// waitForWindow blocks while the channel holds more than HighWaterMark
// buffered bytes.
func (l *Link) waitForWindow(ctx context.Context) error {
	for {
		buffered := l.ch.BufferedAmount()
		if buffered < HighWaterMark {
			return nil
		}

		timer := time.NewTimer(SendTimeout)
		select {
		case <-l.lowWater:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-l.closed:
			timer.Stop()
			return ErrChannelClosed
		case <-timer.C:
			if l.ch.BufferedAmount() >= buffered {
				return ErrBufferTimeout
			}
		}
	}
}

func (l *Link) progress(p Progress) {
	if l.cfg.OnProgress != nil {
		l.cfg.OnProgress(p)
	}
}

func (l *Link) deliver(msg ChatMessage) {
	if l.cfg.OnMessage != nil {
		l.cfg.OnMessage(msg)
	}
}

func (l *Link) handleMessage(data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		l.log.Warn("dropping undecodable frame", "error", err)
		return
	}

	switch frame.Type {
	case FrameText:
		var msg ChatMessage
		if err := frame.DecodePayload(&msg); err != nil || msg.ID == "" {
			l.log.Warn("dropping bad text frame", "error", err)
			return
		}
		msg.File = nil
		msg.SenderID = l.cfg.Peer
		l.deliver(msg)

	case FrameFileStart:
		var start FileStart
		if err := frame.DecodePayload(&start); err != nil || start.ID == "" {
			l.log.Warn("dropping bad file_start frame", "error", err)
			return
		}
		if start.Size == 0 || start.Size > uint64(l.cfg.MaxFileBytes) {
			l.log.Warn("refusing file", "file", start.Name, "size", start.Size, "error", ErrFileTooLarge)
			return
		}
		if p := l.incoming; p != nil {
			l.log.Warn("aborting file: superseded by a new transfer", "file", p.start.Name,
				"have", p.buf.Len(), "want", p.start.Size)
		}
		// The buffer grows with the chunks actually received.
		start.SenderID = l.cfg.Peer
		l.incoming = &partialFile{start: start}
		l.progress(Progress{ID: start.ID, Peer: l.cfg.Peer, Name: start.Name, Total: start.Size})

	case FrameFileChunk:
		var chunk FileChunk
		if err := frame.DecodePayload(&chunk); err != nil {
			l.log.Warn("dropping bad file_chunk frame", "error", err)
			return
		}
		l.handleChunk(chunk)

	default:
		l.log.Warn("dropping frame", "type", frame.Type, "error", ErrUnexpectedFrame)
	}
}

func (l *Link) handleChunk(chunk FileChunk) {
	p := l.incoming
	if p == nil || p.start.ID != chunk.ID {
		l.log.Debug("dropping chunk for unknown file", "id", chunk.ID)
		return
	}
	size := p.start.Size
	if chunk.Offset != uint64(p.buf.Len()) || chunk.Offset+uint64(len(chunk.Bytes)) > size {
		l.log.Warn("aborting file: chunk out of sequence", "file", p.start.Name,
			"offset", chunk.Offset, "have", p.buf.Len())
		l.incoming = nil
		return
	}
	p.buf.Write(chunk.Bytes)
	done := uint64(p.buf.Len())
	l.progress(Progress{ID: chunk.ID, Peer: l.cfg.Peer, Name: p.start.Name, Done: done, Total: size})

	if !chunk.Final {
		return
	}
	l.incoming = nil
	if done != size {
		l.log.Warn("aborting file: short transfer", "file", p.start.Name, "have", done, "want", size)
		return
	}

	file := &FilePayload{
		Name:     p.start.Name,
		MIMEType: p.start.MIMEType,
		Digest:   p.start.Digest,
		Data:     p.buf.Bytes(),
	}
	if err := file.Verify(); err != nil {
		l.log.Warn("discarding file", "error", err)
		return
	}
	l.deliver(ChatMessage{
		ID:        p.start.ID,
		SenderID:  p.start.SenderID,
		Timestamp: p.start.Timestamp,
		File:      file,
	})
}
