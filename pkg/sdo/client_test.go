package sdo

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flmayr/gocanmaster/internal/executor"
)

type fakeTransport struct {
	mu       sync.Mutex
	remote   map[uint32][]byte
	writes   []uint32
	readErr  map[uint32]error
	delay    time.Duration
	failures int
}

func objectKey(index uint16, subindex uint8) uint32 {
	return uint32(index)<<8 | uint32(subindex)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		remote:  make(map[uint32][]byte),
		readErr: make(map[uint32]error),
	}
}

func (t *fakeTransport) ReadRaw(nodeId uint8, index uint16, subindex uint8) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.delay > 0 {
		time.Sleep(t.delay)
	}
	if t.failures > 0 {
		t.failures--
		return nil, AbortGeneral
	}
	if err, ok := t.readErr[objectKey(index, subindex)]; ok {
		return nil, err
	}
	data, ok := t.remote[objectKey(index, subindex)]
	if !ok {
		return nil, AbortNotExist
	}
	return data, nil
}

func (t *fakeTransport) WriteRaw(nodeId uint8, index uint16, subindex uint8, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	t.remote[objectKey(index, subindex)] = stored
	t.writes = append(t.writes, objectKey(index, subindex))
	return nil
}

func (t *fakeTransport) DownloadDCF(nodeId uint8, path string) error {
	return nil
}

func TestSubmitWriteThenRead(t *testing.T) {
	exec := executor.New()
	defer exec.Stop()
	transport := newFakeTransport()
	client := NewClient(5, transport, exec, 0, nil)
	defer client.Close()

	done := make(chan uint16, 1)
	client.SubmitWrite(0x6040, 0, uint16(0x1234), func(_ uint16, _ uint8, err error) {
		assert.Nil(t, err)
	})
	client.SubmitReadUint16(0x6040, 0, func(value uint16, err error) {
		assert.Nil(t, err)
		done <- value
	})
	select {
	case value := <-done:
		assert.EqualValues(t, 0x1234, value)
	case <-time.After(time.Second):
		t.Fatal("callbacks did not run")
	}
}

func TestSubmitOrdering(t *testing.T) {
	exec := executor.New()
	defer exec.Stop()
	transport := newFakeTransport()
	client := NewClient(5, transport, exec, 0, nil)
	defer client.Close()

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		client.SubmitWrite(0x2000+uint16(i), 0, uint32(i), func(_ uint16, _ uint8, err error) {
			assert.Nil(t, err)
		})
	}
	client.SubmitWrite(0x3000, 0, uint8(1), func(_ uint16, _ uint8, _ error) {
		close(done)
	})
	<-done

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Len(t, transport.writes, 21)
	for i := 0; i < 20; i++ {
		assert.Equal(t, objectKey(0x2000+uint16(i), 0), transport.writes[i])
	}
}

func TestReadTimeout(t *testing.T) {
	exec := executor.New()
	defer exec.Stop()
	transport := newFakeTransport()
	transport.delay = 200 * time.Millisecond
	client := NewClient(5, transport, exec, 50*time.Millisecond, nil)
	defer client.Close()

	done := make(chan error, 1)
	client.SubmitRead(0x6041, 0, func(_ uint16, _ uint8, _ []byte, err error) {
		done <- err
	})
	select {
	case err := <-done:
		assert.Equal(t, AbortTimeout, err)
	case <-time.After(time.Second):
		t.Fatal("timeout was not reported")
	}
}

func TestReadRetried(t *testing.T) {
	exec := executor.New()
	defer exec.Stop()
	transport := newFakeTransport()
	transport.failures = 2
	value := make([]byte, 2)
	binary.LittleEndian.PutUint16(value, 0x7700)
	transport.remote[objectKey(0x603F, 0)] = value
	client := NewClient(5, transport, exec, 0, nil)
	defer client.Close()

	done := make(chan uint16, 1)
	client.SubmitReadUint16Retried(0x603F, 0, 3, func(value uint16, err error) {
		assert.Nil(t, err)
		done <- value
	})
	select {
	case read := <-done:
		assert.EqualValues(t, 0x7700, read)
	case <-time.After(time.Second):
		t.Fatal("retried read did not complete")
	}
}
