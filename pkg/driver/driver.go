// Package driver contains the per-node drivers of the master. A
// GenericDriver brings a slave from post-reset to configured by
// replaying the explicitly set values of its DCF, the motor package
// builds the CiA 402 state machine on top of it.
package driver

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/flmayr/gocanmaster/internal/executor"
	"github.com/flmayr/gocanmaster/pkg/emergency"
	"github.com/flmayr/gocanmaster/pkg/nmt"
	"github.com/flmayr/gocanmaster/pkg/od"
	"github.com/flmayr/gocanmaster/pkg/pdo"
	"github.com/flmayr/gocanmaster/pkg/sdo"
)

// ErrorCallback is called in case of an error. code contains a CANopen
// emergency error code or one of the internal codes (0xAF00 - 0xAFFF).
type ErrorCallback func(code uint16, message string)

// ClearConfigurationStrategy defines a process to reset the
// configuration values of a node to defaults, e.g. a write to object
// 0x1011 plus a node reset. Once done, the strategy must call the
// given callback exactly once.
type ClearConfigurationStrategy func(callback func(err error))

// NmtStateChangedCallback is called whenever the NMT state of the node
// changes.
type NmtStateChangedCallback func(state nmt.State)

// Registry is the master-side lookup surface the drivers use for
// cross-node coordination.
type Registry interface {
	// Driver returns the driver registered for a node or nil
	Driver(nodeId uint8) Driver
	// FirstNodeUsingRpdoCobId returns the node that claimed the
	// given RPDO COB-ID first, 0 if unclaimed
	FirstNodeUsingRpdoCobId(cobId uint32) uint8
	ClaimRpdoCobId(nodeId uint8, cobId uint32)
	// Command issues an NMT command, nodeId 0 broadcasts
	Command(command nmt.Command, nodeId uint8) error
	Fabric() *pdo.Fabric
	Executor() *executor.Executor
	// Dictionary is the master's own object dictionary
	Dictionary() *od.ObjectDictionary
}

// Driver is the per-node entity owned by the master. The master routes
// all bus level events through this interface.
type Driver interface {
	Id() uint8
	OnBoot(state nmt.State, errorStatus byte, what string)
	OnState(state nmt.State)
	OnCommand(command nmt.Command)
	OnConfig(res func(err error))
	OnEmergency(code uint16, register uint8, manufacturer [5]byte)
	OnMasterSDOChanged(index uint16, subindex uint8)
	OnRpdoWrite(index uint16, subindex uint8)
	OnFollowerRpdoWrite(index uint16, subindex uint8)
	OnSystemBootCompleted()
	Following() uint8
	Follows() uint8
	SetFollowing(nodeId uint8)
	SetFollows(nodeId uint8)
	HasClearConfigurationStrategy() bool
}

// Config carries everything needed to build a driver for one slave.
type Config struct {
	NodeId uint8
	// Dict is the slave dictionary parsed from its textual DCF
	Dict *od.ObjectDictionary
	// BinaryDCF is the path of the concise DCF blob, empty if the
	// node is configured from the textual DCF only
	BinaryDCF string
}

// Factory builds concrete drivers during slave discovery.
type Factory func(config *Config, client *sdo.Client, registry Registry) Driver

// BaseDriver implements the DCF driven bring-up shared by all driver
// variants.
type BaseDriver struct {
	nodeId    uint8
	dict      *od.ObjectDictionary
	binaryDCF string
	client    *sdo.Client
	registry  Registry
	logger    *log.Entry

	errorCallback      ErrorCallback
	clearConfiguration ClearConfigurationStrategy
	nmtStateChanged    NmtStateChangedCallback

	// OnRpdoMapped holds per index / subindex hooks fired when the
	// corresponding mapped RPDO value of this node is written.
	OnRpdoMapped map[uint16]map[uint8]func()

	// Set if another node reacts on the same PDOs as this node
	following uint8
	// Set if this node reacts on the same PDOs as the given node
	follows uint8

	emergencyOccurred bool
}

func NewBaseDriver(config *Config, client *sdo.Client, registry Registry) *BaseDriver {
	return &BaseDriver{
		nodeId:       config.NodeId,
		dict:         config.Dict,
		binaryDCF:    config.BinaryDCF,
		client:       client,
		registry:     registry,
		logger:       log.WithField("node", fmt.Sprintf("x%x", config.NodeId)),
		OnRpdoMapped: make(map[uint16]map[uint8]func()),
	}
}

func (d *BaseDriver) Id() uint8 {
	return d.nodeId
}

// Dict returns the slave dictionary this driver was configured from.
func (d *BaseDriver) Dict() *od.ObjectDictionary {
	return d.dict
}

// Client returns the SDO client for this node.
func (d *BaseDriver) Client() *sdo.Client {
	return d.client
}

// Registry returns the owning master's lookup surface.
func (d *BaseDriver) Registry() Registry {
	return d.registry
}

func (d *BaseDriver) Logger() *log.Entry {
	return d.logger
}

func (d *BaseDriver) Following() uint8 {
	return d.following
}

func (d *BaseDriver) Follows() uint8 {
	return d.follows
}

func (d *BaseDriver) SetFollowing(nodeId uint8) {
	d.following = nodeId
}

func (d *BaseDriver) SetFollows(nodeId uint8) {
	d.follows = nodeId
}

// SetErrorCallback configures the callback to call on an error.
func (d *BaseDriver) SetErrorCallback(callback ErrorCallback) {
	d.errorCallback = callback
}

// SetClearConfigurationStrategy injects an external strategy to clear
// the node configuration before it is rewritten.
func (d *BaseDriver) SetClearConfigurationStrategy(strategy ClearConfigurationStrategy) {
	d.clearConfiguration = strategy
}

func (d *BaseDriver) HasClearConfigurationStrategy() bool {
	return d.clearConfiguration != nil
}

// SetNmtStateChangedCallback sets a callback which is called when the
// NMT state of the node changes.
func (d *BaseDriver) SetNmtStateChangedCallback(callback NmtStateChangedCallback) {
	d.nmtStateChanged = callback
}

// ReportError forwards an error to the configured error callback.
func (d *BaseDriver) ReportError(code uint16, message string) {
	if d.errorCallback != nil {
		d.errorCallback(code, message)
	}
}

// EmergencyOccurred reports whether an EMCY was received since the
// last reset of the latch.
func (d *BaseDriver) EmergencyOccurred() bool {
	return d.emergencyOccurred
}

// ResetEmergencyLatch clears the EMCY latch, e.g. when a new motion
// job starts.
func (d *BaseDriver) ResetEmergencyLatch() {
	d.emergencyOccurred = false
}

// OnState forwards NMT state changes to the user callback.
func (d *BaseDriver) OnState(state nmt.State) {
	d.logger.Infof("[NMT] state changed : %v", state)
	if d.nmtStateChanged != nil {
		d.nmtStateChanged(state)
	}
}

// OnCommand is called when the master broadcasts an NMT command.
func (d *BaseDriver) OnCommand(command nmt.Command) {
}

// OnBoot checks the CiA 302 boot status and reports failures through
// the error callback.
func (d *BaseDriver) OnBoot(state nmt.State, errorStatus byte, what string) {
	d.logger.Infof("[BOOT] state : %v, error status : x%x", state, errorStatus)
	if errorStatus == 0 || d.errorCallback == nil {
		return
	}
	message := fmt.Sprintf("In NMT state %v: CiA-302 slave boot error status: %c (%s)", state, errorStatus, what)
	if errorStatus == 'B' {
		d.errorCallback(ErrCodeNodeMissing, message)
	} else {
		d.errorCallback(ErrCodeNodeBootFailed, message)
	}
}

// OnEmergency latches the emergency and surfaces it through the error
// callback.
func (d *BaseDriver) OnEmergency(code uint16, register uint8, manufacturer [5]byte) {
	d.emergencyOccurred = code != 0
	if d.errorCallback != nil && d.emergencyOccurred {
		d.errorCallback(code, emergency.Message(code, register, manufacturer))
	}
}

// OnMasterSDOChanged is called when an SDO of the master changed, e.g.
// through PDO communication. The generic driver has no interest in
// master side values.
func (d *BaseDriver) OnMasterSDOChanged(index uint16, subindex uint8) {
}

// OnRpdoWrite runs the registered mapped hooks and forwards the write
// to the main driver when this node is a follower.
func (d *BaseDriver) OnRpdoWrite(index uint16, subindex uint8) {
	if hooks, ok := d.OnRpdoMapped[index]; ok {
		if hook, ok := hooks[subindex]; ok && hook != nil {
			hook()
		}
	}
	if d.follows > 0 {
		if main := d.registry.Driver(d.follows); main != nil {
			main.OnFollowerRpdoWrite(index, subindex)
		}
	}
}

// OnFollowerRpdoWrite is called on the main driver when its follower
// received a PDO write.
func (d *BaseDriver) OnFollowerRpdoWrite(index uint16, subindex uint8) {
}

func (d *BaseDriver) OnSystemBootCompleted() {
}

// OnConfig drives the node configuration: optional clear strategy,
// DCF replay and, for binary configurations with a clear strategy
// installed, the concise DCF download. Without a clear strategy no
// concise DCF download is issued. res is called exactly once with the
// overall result.
func (d *BaseDriver) OnConfig(res func(err error)) {
	if d.binaryDCF != "" {
		d.inferFollowerFromSelectorTable()
	}

	if d.clearConfiguration == nil {
		d.configure(res)
		return
	}
	d.clearConfiguration(func(err error) {
		if isCanceled(err) {
			// Cancel configuration without an error
			res(nil)
			return
		}
		if err != nil {
			res(err)
			return
		}
		d.configure(func(err error) {
			if err == nil && d.binaryDCF != "" {
				d.client.SubmitDownloadDCF(d.binaryDCF, res)
				return
			}
			res(err)
		})
	})
}

// GenericDriver is the driver variant for slaves without a dedicated
// application layer, the DCF replay is all they need.
type GenericDriver struct {
	*BaseDriver
}

func NewGenericDriver(config *Config, client *sdo.Client, registry Registry) *GenericDriver {
	return &GenericDriver{BaseDriver: NewBaseDriver(config, client, registry)}
}
