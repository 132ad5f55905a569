package sdo

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flmayr/gocanmaster/pkg/can"
)

// scriptedBus answers every sent request frame through the scripted
// responder, like an SDO server would.
type scriptedBus struct {
	mu       sync.Mutex
	listener can.FrameListener
	sent     []can.Frame
	respond  func(frame can.Frame) *can.Frame
}

func (b *scriptedBus) Connect(...any) error { return nil }
func (b *scriptedBus) Disconnect() error    { return nil }

func (b *scriptedBus) Subscribe(listener can.FrameListener) error {
	b.listener = listener
	return nil
}

func (b *scriptedBus) Send(frame can.Frame) error {
	b.mu.Lock()
	b.sent = append(b.sent, frame)
	responder := b.respond
	b.mu.Unlock()
	if responder == nil {
		return nil
	}
	if response := responder(frame); response != nil {
		go b.listener.Handle(*response)
	}
	return nil
}

func response(nodeId uint8, data [8]byte) *can.Frame {
	frame := can.NewFrame(CobIdResponseBase+uint32(nodeId), 0, 8)
	frame.Data = data
	return &frame
}

func newScriptedTransport(respond func(frame can.Frame) *can.Frame) (*BusTransport, *scriptedBus) {
	bus := &scriptedBus{respond: respond}
	transport := NewBusTransport(bus, 100*time.Millisecond)
	bus.Subscribe(transport)
	return transport, bus
}

func TestTransportExpeditedRead(t *testing.T) {
	transport, bus := newScriptedTransport(func(frame can.Frame) *can.Frame {
		// Expedited upload response, 2 valid bytes
		return response(5, [8]byte{0x4B, frame.Data[1], frame.Data[2], frame.Data[3], 0x37, 0x13, 0, 0})
	})

	data, err := transport.ReadRaw(5, 0x6041, 0)
	assert.Nil(t, err)
	assert.Equal(t, []byte{0x37, 0x13}, data)

	request := bus.sent[0]
	assert.EqualValues(t, 0x605, request.ID)
	assert.EqualValues(t, 0x40, request.Data[0])
	assert.EqualValues(t, 0x6041, binary.LittleEndian.Uint16(request.Data[1:3]))
}

func TestTransportReadAbort(t *testing.T) {
	transport, _ := newScriptedTransport(func(frame can.Frame) *can.Frame {
		abort := [8]byte{0x80, frame.Data[1], frame.Data[2], frame.Data[3], 0, 0, 0, 0}
		binary.LittleEndian.PutUint32(abort[4:], uint32(AbortNotExist))
		return response(5, abort)
	})

	_, err := transport.ReadRaw(5, 0x2000, 1)
	assert.Equal(t, AbortNotExist, err)
}

func TestTransportExpeditedWrite(t *testing.T) {
	transport, bus := newScriptedTransport(func(frame can.Frame) *can.Frame {
		return response(5, [8]byte{0x60, frame.Data[1], frame.Data[2], frame.Data[3], 0, 0, 0, 0})
	})

	err := transport.WriteRaw(5, 0x6040, 0, []byte{0x0F, 0x00})
	assert.Nil(t, err)

	request := bus.sent[0]
	// Expedited download, size indicated, 2 bytes
	assert.EqualValues(t, 0x2B, request.Data[0])
	assert.EqualValues(t, 0x0F, request.Data[4])
}

func TestTransportSegmentedWrite(t *testing.T) {
	transport, bus := newScriptedTransport(func(frame can.Frame) *can.Frame {
		switch {
		case frame.Data[0]&0xE0 == 0x20:
			// Initiate download response
			return response(5, [8]byte{0x60, frame.Data[1], frame.Data[2], frame.Data[3], 0, 0, 0, 0})
		default:
			// Segment response echoes the toggle bit
			return response(5, [8]byte{0x20 | frame.Data[0]&0x10, 0, 0, 0, 0, 0, 0, 0})
		}
	})

	payload := []byte("0123456789") // 10 bytes, 2 segments
	err := transport.WriteRaw(5, 0x1F50, 1, payload)
	assert.Nil(t, err)

	// Initiate + 2 segments
	assert.Len(t, bus.sent, 3)
	assert.EqualValues(t, 0x21, bus.sent[0].Data[0])
	assert.EqualValues(t, 10, binary.LittleEndian.Uint32(bus.sent[0].Data[4:8]))
	// First segment: toggle 0, 7 bytes
	assert.EqualValues(t, 0x00, bus.sent[1].Data[0])
	// Last segment: toggle 1, 3 bytes, continuation bit set
	assert.EqualValues(t, 0x10|byte(7-3)<<1|0x01, bus.sent[2].Data[0])
}

func TestTransportTimeout(t *testing.T) {
	transport, _ := newScriptedTransport(func(frame can.Frame) *can.Frame {
		return nil // never answer
	})

	_, err := transport.ReadRaw(5, 0x6041, 0)
	assert.Equal(t, AbortTimeout, err)
}
