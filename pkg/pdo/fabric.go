// Package pdo keeps the master-side image of process data. Mapped
// RPDO/TPDO values land here when frames are decoded, and the motor
// communication strategies write through it when PDO transfer is
// configured instead of plain SDO.
package pdo

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flmayr/gocanmaster/pkg/od"
)

// TpdoTrigger requests transmission of one of the master's TPDOs.
type TpdoTrigger func(tpdoNb int) error

// Fabric holds the master's local SDO image reflecting mapped
// RPDOs / TPDOs plus the per-node RPDO images used for follower
// forwarding. All change notifications are synchronous, the master
// registers hooks and routes them to the drivers.
type Fabric struct {
	mu          sync.RWMutex
	logger      *slog.Logger
	masterImage map[uint32][]byte
	nodeImages  map[uint8]map[uint32][]byte
	onWrite     func(index uint16, subindex uint8)
	onNodeWrite func(nodeId uint8, index uint16, subindex uint8)
	tpdoTrigger TpdoTrigger
}

func key(index uint16, subindex uint8) uint32 {
	return uint32(index)<<8 | uint32(subindex)
}

func NewFabric(logger *slog.Logger, trigger TpdoTrigger) *Fabric {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fabric{
		logger:      logger,
		masterImage: make(map[uint32][]byte),
		nodeImages:  make(map[uint8]map[uint32][]byte),
		tpdoTrigger: trigger,
	}
}

// OnWrite registers the hook invoked after every write to the master
// image. Used by the master for the SDO-change fan-out.
func (fabric *Fabric) OnWrite(hook func(index uint16, subindex uint8)) {
	fabric.onWrite = hook
}

// OnNodeWrite registers the hook invoked after a mapped RPDO value of
// a node was stored.
func (fabric *Fabric) OnNodeWrite(hook func(nodeId uint8, index uint16, subindex uint8)) {
	fabric.onNodeWrite = hook
}

// Write encodes value and stores it in the master image, then fires
// the change hook.
func (fabric *Fabric) Write(index uint16, subindex uint8, value any) error {
	encoded, err := od.EncodeFromTypeExact(value)
	if err != nil {
		return err
	}
	fabric.mu.Lock()
	stored := make([]byte, len(encoded))
	copy(stored, encoded)
	fabric.masterImage[key(index, subindex)] = stored
	fabric.mu.Unlock()
	if fabric.onWrite != nil {
		fabric.onWrite(index, subindex)
	}
	return nil
}

// ReadRaw returns the master image value for index:subindex.
func (fabric *Fabric) ReadRaw(index uint16, subindex uint8) ([]byte, error) {
	fabric.mu.RLock()
	defer fabric.mu.RUnlock()
	data, ok := fabric.masterImage[key(index, subindex)]
	if !ok {
		return nil, od.ErrIdxNotExist
	}
	return data, nil
}

func (fabric *Fabric) ReadUint16(index uint16, subindex uint8) (uint16, error) {
	data, err := fabric.ReadRaw(index, subindex)
	if err != nil {
		return 0, err
	}
	if err := od.CheckSize(len(data), od.UNSIGNED16); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data), nil
}

func (fabric *Fabric) ReadUint32(index uint16, subindex uint8) (uint32, error) {
	data, err := fabric.ReadRaw(index, subindex)
	if err != nil {
		return 0, err
	}
	if err := od.CheckSize(len(data), od.UNSIGNED32); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// SetMapped stores a mapped RPDO value received from a node and fires
// the node-write hook.
func (fabric *Fabric) SetMapped(nodeId uint8, index uint16, subindex uint8, data []byte) {
	fabric.mu.Lock()
	image, ok := fabric.nodeImages[nodeId]
	if !ok {
		image = make(map[uint32][]byte)
		fabric.nodeImages[nodeId] = image
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	image[key(index, subindex)] = stored
	fabric.mu.Unlock()
	fabric.logger.Debug("mapped value updated",
		"node", nodeId,
		"index", fmt.Sprintf("x%x", index),
		"subindex", fmt.Sprintf("x%x", subindex),
	)
	if fabric.onNodeWrite != nil {
		fabric.onNodeWrite(nodeId, index, subindex)
	}
}

// Mapped returns the last mapped RPDO value received from a node.
func (fabric *Fabric) Mapped(nodeId uint8, index uint16, subindex uint8) ([]byte, error) {
	fabric.mu.RLock()
	defer fabric.mu.RUnlock()
	image, ok := fabric.nodeImages[nodeId]
	if !ok {
		return nil, od.ErrIdxNotExist
	}
	data, ok := image[key(index, subindex)]
	if !ok {
		return nil, od.ErrSubNotExist
	}
	return data, nil
}

func (fabric *Fabric) MappedUint16(nodeId uint8, index uint16, subindex uint8) (uint16, error) {
	data, err := fabric.Mapped(nodeId, index, subindex)
	if err != nil {
		return 0, err
	}
	if err := od.CheckSize(len(data), od.UNSIGNED16); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data), nil
}

// TpdoEvent requests transmission of the given master TPDO.
func (fabric *Fabric) TpdoEvent(tpdoNb int) error {
	if fabric.tpdoTrigger == nil {
		return nil
	}
	return fabric.tpdoTrigger(tpdoNb)
}
