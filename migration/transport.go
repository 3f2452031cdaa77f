// This file implements the framed binary transport used to stream snapshots
// to a file or a connection.
//
// Wire format for each message:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
package migration

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"unsafe"

	"github.com/bobuhiro11/msikvm/kvm"
)

// MsgType identifies a message of the stream.
type MsgType uint32

const (
	MsgSnapshot MsgType = 1 // gob-encoded Snapshot
	MsgRoutes   MsgType = 2 // routing table as packed kvm_irq_routing_entry
	MsgDone     MsgType = 3 // end of stream
)

const headerSize = 12

var (
	// ErrUnexpectedMessage is returned when the stream is out of order.
	ErrUnexpectedMessage = errors.New("unexpected message")

	errRoutesTruncated = errors.New("routes payload truncated")
)

// Sender writes framed messages to an underlying writer.
type Sender struct {
	w io.Writer
}

// NewSender wraps w as a Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

// send writes a single framed message.
func (s *Sender) send(t MsgType, payload []byte) error {
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("send header: %w", err)
	}

	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return fmt.Errorf("send payload: %w", err)
		}
	}

	return nil
}

// SendSnapshot encodes snap with gob and sends it as a MsgSnapshot.
func (s *Sender) SendSnapshot(snap *Snapshot) error {
	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	return s.send(MsgSnapshot, buf.Bytes())
}

// SendRoutes sends a routing table as a MsgRoutes.
func (s *Sender) SendRoutes(entries []kvm.IRQRoutingEntry) error {
	payload, err := EncodeRoutes(entries)
	if err != nil {
		return err
	}

	return s.send(MsgRoutes, payload)
}

// SendDone signals the end of the stream.
func (s *Sender) SendDone() error { return s.send(MsgDone, nil) }

// Receiver reads framed messages from an underlying reader.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r as a Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads the next message header and returns the type and full payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length == 0 {
		return t, nil, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload (type=%d len=%d): %w", t, length, err)
	}

	return t, payload, nil
}

// expect reads the next message and checks its type.
func (r *Receiver) expect(want MsgType) ([]byte, error) {
	t, payload, err := r.Next()
	if err != nil {
		return nil, err
	}

	if t != want {
		return nil, fmt.Errorf("%w: type %d, want %d", ErrUnexpectedMessage, t, want)
	}

	return payload, nil
}

// ReceiveAll reads a complete stream as written by Save.
func (r *Receiver) ReceiveAll() (*Snapshot, []kvm.IRQRoutingEntry, error) {
	payload, err := r.expect(MsgSnapshot)
	if err != nil {
		return nil, nil, err
	}

	snap, err := DecodeSnapshot(payload)
	if err != nil {
		return nil, nil, err
	}

	if payload, err = r.expect(MsgRoutes); err != nil {
		return nil, nil, err
	}

	routes, err := DecodeRoutes(payload)
	if err != nil {
		return nil, nil, err
	}

	if _, err := r.expect(MsgDone); err != nil {
		return nil, nil, err
	}

	return snap, routes, nil
}

// Save writes snap and routes to w as one complete stream.
func Save(w io.Writer, snap *Snapshot, routes []kvm.IRQRoutingEntry) error {
	s := NewSender(w)

	if err := s.SendSnapshot(snap); err != nil {
		return err
	}

	if err := s.SendRoutes(routes); err != nil {
		return err
	}

	return s.SendDone()
}

// DecodeSnapshot decodes a gob-encoded Snapshot from payload bytes.
func DecodeSnapshot(payload []byte) (*Snapshot, error) {
	snap := &Snapshot{}

	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	return snap, nil
}

// EncodeRoutes packs entries in their kernel layout, little-endian.
func EncodeRoutes(entries []kvm.IRQRoutingEntry) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, len(entries)*int(unsafe.Sizeof(kvm.IRQRoutingEntry{}))))

	if err := binary.Write(buf, binary.LittleEndian, entries); err != nil {
		return nil, fmt.Errorf("encode routes: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeRoutes unpacks a MsgRoutes payload.
func DecodeRoutes(payload []byte) ([]kvm.IRQRoutingEntry, error) {
	size := int(unsafe.Sizeof(kvm.IRQRoutingEntry{}))
	if len(payload)%size != 0 {
		return nil, fmt.Errorf("%w: %d bytes", errRoutesTruncated, len(payload))
	}

	entries := make([]kvm.IRQRoutingEntry, len(payload)/size)

	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, entries); err != nil {
		return nil, fmt.Errorf("decode routes: %w", err)
	}

	return entries, nil
}
