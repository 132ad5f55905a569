// Package sdo provides the asynchronous SDO access shim used by the
// drivers. Wire framing is delegated to a [Transport], the client adds
// typed encoding, a request timeout and per-node serialization, and
// delivers completion callbacks on the shared executor.
package sdo

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/jpillora/maplock"

	"github.com/flmayr/gocanmaster/internal/executor"
	"github.com/flmayr/gocanmaster/pkg/od"
)

// DefaultTimeout is the master-wide SDO request timeout.
const DefaultTimeout = 1000 * time.Millisecond

// Serializes transfers per node across clients, concurrent requests to
// different nodes are allowed.
var Lock = maplock.New()

// Transport performs the actual (blocking) SDO transfers on the wire.
type Transport interface {
	ReadRaw(nodeId uint8, index uint16, subindex uint8) ([]byte, error)
	WriteRaw(nodeId uint8, index uint16, subindex uint8, data []byte) error
	// DownloadDCF pushes a binary (concise) DCF to the node
	DownloadDCF(nodeId uint8, path string) error
}

// ReadCallback carries the result of an asynchronous read.
type ReadCallback func(index uint16, subindex uint8, data []byte, err error)

// WriteCallback carries the result of an asynchronous write.
type WriteCallback func(index uint16, subindex uint8, err error)

// Client gives asynchronous typed access to the dictionary of a single
// remote node. Requests are processed strictly in submission order,
// completion callbacks run on the executor.
type Client struct {
	nodeId    uint8
	transport Transport
	exec      *executor.Executor
	timeout   time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool
}

func NewClient(nodeId uint8, transport Transport, exec *executor.Executor, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		nodeId:    nodeId,
		transport: transport,
		exec:      exec,
		timeout:   timeout,
		logger:    logger.With("node", nodeId),
	}
	c.cond = sync.NewCond(&c.mu)
	go c.process()
	return c
}

func (c *Client) NodeId() uint8 {
	return c.nodeId
}

// Close stops the request worker. Pending requests are still
// processed.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.cond.Signal()
	c.mu.Unlock()
}

func (c *Client) process() {
	for {
		c.mu.Lock()
		for len(c.pending) == 0 && !c.closed {
			c.cond.Wait()
		}
		if len(c.pending) == 0 && c.closed {
			c.mu.Unlock()
			return
		}
		request := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()
		request()
	}
}

func (c *Client) submit(request func()) {
	c.mu.Lock()
	if !c.closed {
		c.pending = append(c.pending, request)
		c.cond.Signal()
	}
	c.mu.Unlock()
}

func (c *Client) lockKey() string {
	return fmt.Sprintf("sdo:x%x", c.nodeId)
}

// run executes op under the per-node lock with the client timeout.
// The transport call keeps running after a timeout, its result is
// discarded.
func (c *Client) run(op func() error) error {
	key := c.lockKey()
	Lock.Lock(key)
	defer Lock.Unlock(key)
	done := make(chan error, 1)
	go func() {
		done <- op()
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(c.timeout):
		return AbortTimeout
	}
}

// SubmitRead reads index:subindex of the remote node and posts the
// result callback to the executor.
func (c *Client) SubmitRead(index uint16, subindex uint8, callback ReadCallback) {
	c.submit(func() {
		var data []byte
		err := c.run(func() error {
			var opErr error
			data, opErr = c.transport.ReadRaw(c.nodeId, index, subindex)
			return opErr
		})
		if err != nil {
			c.logger.Debug("read failed",
				"index", fmt.Sprintf("x%x", index),
				"subindex", fmt.Sprintf("x%x", subindex),
				"error", err,
			)
		}
		c.exec.Post(func() { callback(index, subindex, data, err) })
	})
}

// SubmitWrite encodes value according to its Go type and writes it to
// index:subindex of the remote node. The result callback is posted to
// the executor.
func (c *Client) SubmitWrite(index uint16, subindex uint8, value any, callback WriteCallback) {
	encoded, encodeErr := od.EncodeFromTypeExact(value)
	c.submit(func() {
		err := encodeErr
		if err == nil {
			err = c.run(func() error {
				return c.transport.WriteRaw(c.nodeId, index, subindex, encoded)
			})
		}
		if err != nil {
			c.logger.Debug("write failed",
				"index", fmt.Sprintf("x%x", index),
				"subindex", fmt.Sprintf("x%x", subindex),
				"error", err,
			)
		}
		c.exec.Post(func() { callback(index, subindex, err) })
	})
}

// SubmitWriteRaw writes pre-encoded bytes to index:subindex.
func (c *Client) SubmitWriteRaw(index uint16, subindex uint8, data []byte, callback WriteCallback) {
	c.submit(func() {
		err := c.run(func() error {
			return c.transport.WriteRaw(c.nodeId, index, subindex, data)
		})
		c.exec.Post(func() { callback(index, subindex, err) })
	})
}

func decodeUint16(data []byte, err error) (uint16, error) {
	if err != nil {
		return 0, err
	}
	if err := od.CheckSize(len(data), od.UNSIGNED16); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data), nil
}

// SubmitReadUint16 reads and decodes an UNSIGNED16 value.
func (c *Client) SubmitReadUint16(index uint16, subindex uint8, callback func(value uint16, err error)) {
	c.SubmitRead(index, subindex, func(_ uint16, _ uint8, data []byte, err error) {
		callback(decodeUint16(data, err))
	})
}

// SubmitReadUint16Retried reads an UNSIGNED16 value with a few
// attempts. Some registers are not readable right after a device state
// change.
func (c *Client) SubmitReadUint16Retried(index uint16, subindex uint8, attempts uint, callback func(value uint16, err error)) {
	c.submit(func() {
		var data []byte
		err := retry.Do(func() error {
			return c.run(func() error {
				var opErr error
				data, opErr = c.transport.ReadRaw(c.nodeId, index, subindex)
				return opErr
			})
		}, retry.Attempts(attempts), retry.Delay(10*time.Millisecond), retry.LastErrorOnly(true))
		c.exec.Post(func() { callback(decodeUint16(data, err)) })
	})
}

// SubmitReadUint32 reads and decodes an UNSIGNED32 value.
func (c *Client) SubmitReadUint32(index uint16, subindex uint8, callback func(value uint32, err error)) {
	c.SubmitRead(index, subindex, func(_ uint16, _ uint8, data []byte, err error) {
		if err != nil {
			callback(0, err)
			return
		}
		if err := od.CheckSize(len(data), od.UNSIGNED32); err != nil {
			callback(0, err)
			return
		}
		callback(binary.LittleEndian.Uint32(data), nil)
	})
}

// SubmitDownloadDCF pushes the binary DCF at path to the node. No
// client timeout applies, concise DCF downloads can legitimately take
// longer than single transfers.
func (c *Client) SubmitDownloadDCF(path string, callback func(err error)) {
	c.submit(func() {
		key := c.lockKey()
		Lock.Lock(key)
		err := c.transport.DownloadDCF(c.nodeId, path)
		Lock.Unlock(key)
		c.exec.Post(func() { callback(err) })
	})
}
