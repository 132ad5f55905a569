package sdo

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/flmayr/gocanmaster/pkg/can"
)

// Client to server and server to client SDO COB-ID bases (default
// connection set)
const (
	CobIdRequestBase  uint32 = 0x600
	CobIdResponseBase uint32 = 0x580
)

// BusTransport is a minimal SDO client on a CAN bus: expedited
// transfers in both directions plus segmented downloads for values
// longer than 4 bytes. It implements [Transport].
type BusTransport struct {
	bus     can.Bus
	timeout time.Duration

	mu      sync.Mutex
	pending map[uint8]chan can.Frame
}

func NewBusTransport(bus can.Bus, timeout time.Duration) *BusTransport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &BusTransport{
		bus:     bus,
		timeout: timeout,
		pending: make(map[uint8]chan can.Frame),
	}
}

// Handle implements can.FrameListener for server to client responses.
// Subscribe the transport to ids 0x581 - 0x5FF.
func (t *BusTransport) Handle(frame can.Frame) {
	if frame.ID&^0x7F != CobIdResponseBase {
		return
	}
	nodeId := uint8(frame.ID & 0x7F)
	t.mu.Lock()
	response, ok := t.pending[nodeId]
	t.mu.Unlock()
	if ok {
		select {
		case response <- frame:
		default:
		}
	}
}

func (t *BusTransport) request(nodeId uint8, frame can.Frame) (can.Frame, error) {
	response := make(chan can.Frame, 1)
	t.mu.Lock()
	t.pending[nodeId] = response
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, nodeId)
		t.mu.Unlock()
	}()

	if err := t.bus.Send(frame); err != nil {
		return can.Frame{}, err
	}
	select {
	case resp := <-response:
		if resp.Data[0] == 0x80 {
			return resp, AbortCode(binary.LittleEndian.Uint32(resp.Data[4:8]))
		}
		return resp, nil
	case <-time.After(t.timeout):
		return can.Frame{}, AbortTimeout
	}
}

func requestFrame(nodeId uint8, command byte, index uint16, subindex uint8) can.Frame {
	frame := can.NewFrame(CobIdRequestBase+uint32(nodeId), 0, 8)
	frame.Data[0] = command
	binary.LittleEndian.PutUint16(frame.Data[1:3], index)
	frame.Data[3] = subindex
	return frame
}

// ReadRaw performs an expedited upload.
func (t *BusTransport) ReadRaw(nodeId uint8, index uint16, subindex uint8) ([]byte, error) {
	resp, err := t.request(nodeId, requestFrame(nodeId, 0x40, index, subindex))
	if err != nil {
		return nil, err
	}
	scs := resp.Data[0]
	if scs&0xE0 != 0x40 {
		return nil, AbortCmd
	}
	if scs&0x02 == 0 {
		// Segmented upload is not needed for the configuration
		// values handled here
		return nil, AbortUnsupportedAccess
	}
	length := 4
	if scs&0x01 != 0 {
		length = 4 - int(scs>>2&0x03)
	}
	data := make([]byte, length)
	copy(data, resp.Data[4:4+length])
	return data, nil
}

// WriteRaw performs an expedited download, falling back to a segmented
// download for values longer than 4 bytes.
func (t *BusTransport) WriteRaw(nodeId uint8, index uint16, subindex uint8, data []byte) error {
	if len(data) <= 4 {
		command := byte(0x23) | byte(4-len(data))<<2
		frame := requestFrame(nodeId, command, index, subindex)
		copy(frame.Data[4:], data)
		resp, err := t.request(nodeId, frame)
		if err != nil {
			return err
		}
		if resp.Data[0]&0xE0 != 0x60 {
			return AbortCmd
		}
		return nil
	}
	return t.writeSegmented(nodeId, index, subindex, data)
}

func (t *BusTransport) writeSegmented(nodeId uint8, index uint16, subindex uint8, data []byte) error {
	// Initiate with size indicated
	frame := requestFrame(nodeId, 0x21, index, subindex)
	binary.LittleEndian.PutUint32(frame.Data[4:8], uint32(len(data)))
	resp, err := t.request(nodeId, frame)
	if err != nil {
		return err
	}
	if resp.Data[0]&0xE0 != 0x60 {
		return AbortCmd
	}

	toggle := byte(0)
	for len(data) > 0 {
		segment := data
		if len(segment) > 7 {
			segment = segment[:7]
		}
		data = data[len(segment):]
		command := toggle | byte(7-len(segment))<<1
		if len(data) == 0 {
			command |= 0x01
		}
		segFrame := can.NewFrame(CobIdRequestBase+uint32(nodeId), 0, 8)
		segFrame.Data[0] = command
		copy(segFrame.Data[1:], segment)
		resp, err := t.request(nodeId, segFrame)
		if err != nil {
			return err
		}
		if resp.Data[0]&0xE0 != 0x20 || resp.Data[0]&0x10 != toggle {
			return AbortToggleBit
		}
		toggle ^= 0x10
	}
	return nil
}

// DownloadDCF replays a concise (binary) DCF: a little-endian entry
// count followed by index (u16), subindex (u8), length (u32) and data
// per entry, each written to the node in file order.
func (t *BusTransport) DownloadDCF(nodeId uint8, path string) error {
	blob, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(blob) < 4 {
		return fmt.Errorf("concise DCF %v is truncated", path)
	}
	count := binary.LittleEndian.Uint32(blob)
	offset := 4
	for entry := uint32(0); entry < count; entry++ {
		if len(blob) < offset+7 {
			return fmt.Errorf("concise DCF %v is truncated at entry %v", path, entry)
		}
		index := binary.LittleEndian.Uint16(blob[offset : offset+2])
		subindex := blob[offset+2]
		length := int(binary.LittleEndian.Uint32(blob[offset+3 : offset+7]))
		offset += 7
		if len(blob) < offset+length {
			return fmt.Errorf("concise DCF %v is truncated at entry %v", path, entry)
		}
		if err := t.WriteRaw(nodeId, index, subindex, blob[offset:offset+length]); err != nil {
			return fmt.Errorf("concise DCF entry x%04x/x%02x: %w", index, subindex, err)
		}
		offset += length
	}
	return nil
}
