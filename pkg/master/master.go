// Package master implements the CANopen master of a system configured
// by DCF files. It discovers its slaves from the master dictionary,
// owns the per-node drivers, tracks the system boot milestone and
// routes all bus level events to the drivers.
package master

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/flmayr/gocanmaster/internal/executor"
	"github.com/flmayr/gocanmaster/pkg/driver"
	"github.com/flmayr/gocanmaster/pkg/nmt"
	"github.com/flmayr/gocanmaster/pkg/od"
	"github.com/flmayr/gocanmaster/pkg/pdo"
	"github.com/flmayr/gocanmaster/pkg/sdo"
)

// Bus is the outbound command surface of the master.
type Bus interface {
	// Command issues an NMT command, nodeId 0 broadcasts
	Command(command nmt.Command, nodeId uint8) error
}

// BootCompletedCallback is called once per completed node boot and
// with nodeId 0 when all registered nodes have booted.
type BootCompletedCallback func(nodeId uint8)

// NodeCallback notifies about a per-node milestone.
type NodeCallback func(nodeId uint8)

// DCFLoader parses a slave DCF referenced by the master dictionary.
type DCFLoader func(path string, nodeId uint8) (*od.ObjectDictionary, error)

// Master owns the drivers of all discovered slaves.
type Master struct {
	dict      *od.ObjectDictionary
	bus       Bus
	exec      *executor.Executor
	fabric    *pdo.Fabric
	transport sdo.Transport

	sdoTimeout time.Duration
	sdoLogger  *slog.Logger

	factory   driver.Factory
	dcfLoader DCFLoader

	drivers map[uint8]driver.Driver

	cobIdMu                 sync.Mutex
	firstNodeUsingRpdoCobId map[uint32]uint8

	devicesToBoot      map[uint8]struct{}
	bootMilestoneFired bool

	bootCompleted     BootCompletedCallback
	loadConfigStarted NodeCallback
	nodeConfigStarted NodeCallback
}

// New creates a master from its own dictionary (parsed from the master
// DCF). Discovery does not start before [Master.ConfigureDrivers] is
// called.
func New(
	dict *od.ObjectDictionary,
	bus Bus,
	exec *executor.Executor,
	fabric *pdo.Fabric,
	transport sdo.Transport,
) *Master {
	m := &Master{
		dict:                    dict,
		bus:                     bus,
		exec:                    exec,
		fabric:                  fabric,
		transport:               transport,
		sdoTimeout:              sdo.DefaultTimeout,
		sdoLogger:               slog.Default(),
		dcfLoader:               func(path string, nodeId uint8) (*od.ObjectDictionary, error) { return od.Parse(path, nodeId, nil) },
		drivers:                 make(map[uint8]driver.Driver),
		firstNodeUsingRpdoCobId: make(map[uint32]uint8),
		devicesToBoot:           make(map[uint8]struct{}),
	}
	// Forward SDO changes of the master, which were probably
	// triggered by PDOs from the slaves
	fabric.OnWrite(func(index uint16, subindex uint8) {
		m.exec.Post(func() {
			for _, d := range m.drivers {
				d.OnMasterSDOChanged(index, subindex)
			}
		})
	})
	fabric.OnNodeWrite(func(nodeId uint8, index uint16, subindex uint8) {
		m.exec.Post(func() {
			if d, ok := m.drivers[nodeId]; ok {
				d.OnRpdoWrite(index, subindex)
			}
		})
	})
	log.Infof("[MASTER] running, %v entries in master dictionary", len(dict.Entries()))
	return m
}

// SetDriverFactory sets the factory used to create drivers during
// discovery.
func (m *Master) SetDriverFactory(factory driver.Factory) {
	m.factory = factory
}

// SetDCFLoader overrides how slave DCF files are loaded.
func (m *Master) SetDCFLoader(loader DCFLoader) {
	m.dcfLoader = loader
}

// SetSdoTimeout changes the timeout applied to every SDO request of
// drivers created afterwards.
func (m *Master) SetSdoTimeout(timeout time.Duration) {
	m.sdoTimeout = timeout
}

// SetBootCompletedCallback sets a callback which is called once the
// boot of each node completed, and with id 0 when all nodes have
// booted.
func (m *Master) SetBootCompletedCallback(callback BootCompletedCallback) {
	m.bootCompleted = callback
}

// SetLoadConfigStartedCallback sets a callback fired when loading of a
// slave configuration begins.
func (m *Master) SetLoadConfigStartedCallback(callback NodeCallback) {
	m.loadConfigStarted = callback
}

// SetNodeConfigStartedCallback sets a callback fired when the
// configuration of a node begins.
func (m *Master) SetNodeConfigStartedCallback(callback NodeCallback) {
	m.nodeConfigStarted = callback
}

// Driver returns the driver for the given node id or nil if it was not
// registered.
func (m *Master) Driver(nodeId uint8) driver.Driver {
	d, ok := m.drivers[nodeId]
	if !ok {
		return nil
	}
	return d
}

// FirstNodeUsingRpdoCobId returns the node that claimed the given RPDO
// COB-ID first, 0 if unclaimed.
func (m *Master) FirstNodeUsingRpdoCobId(cobId uint32) uint8 {
	m.cobIdMu.Lock()
	defer m.cobIdMu.Unlock()
	return m.firstNodeUsingRpdoCobId[cobId]
}

// ClaimRpdoCobId registers the first node using the given RPDO COB-ID.
func (m *Master) ClaimRpdoCobId(nodeId uint8, cobId uint32) {
	m.cobIdMu.Lock()
	defer m.cobIdMu.Unlock()
	m.firstNodeUsingRpdoCobId[cobId] = nodeId
}

// Command issues an NMT command through the bus.
func (m *Master) Command(command nmt.Command, nodeId uint8) error {
	log.Infof("[MASTER][NMT] sending command %v to node(s) x%x", command, nodeId)
	return m.bus.Command(command, nodeId)
}

func (m *Master) Fabric() *pdo.Fabric {
	return m.fabric
}

func (m *Master) Executor() *executor.Executor {
	return m.exec
}

// Dictionary returns the master's own object dictionary.
func (m *Master) Dictionary() *od.ObjectDictionary {
	return m.dict
}

// UploadFilename returns the filename stored at index:subindex of the
// master dictionary, empty if the entry does not exist.
func (m *Master) UploadFilename(index uint16, subindex uint8) string {
	filename, err := m.dict.ReadString(index, subindex)
	if err != nil {
		// Errors are expected, the entry might not exist
		return ""
	}
	return filename
}

// SoftwareFileForSlave returns the firmware file name stored in object
// 0x1F58 for the given slave id.
func (m *Master) SoftwareFileForSlave(nodeId uint8) (string, error) {
	return m.dict.ReadString(od.EntryProgramData, nodeId)
}

// ConfigureDrivers discovers the slaves referenced by the master
// dictionary and registers a driver for each of them. Call before
// starting bus traffic.
func (m *Master) ConfigureDrivers() {
	m.initializeDevicesFromTextualDCF()
	m.initializeDevicesForBinaryDCF()
}

func (m *Master) registerDriver(d driver.Driver) {
	m.drivers[d.Id()] = d
	m.devicesToBoot[d.Id()] = struct{}{}
}

func (m *Master) newClient(nodeId uint8) *sdo.Client {
	return sdo.NewClient(nodeId, m.transport, m.exec, m.sdoTimeout, m.sdoLogger)
}

func (m *Master) initializeDevicesFromTextualDCF() {
	// Scan the full range, the table may be sparse
	for subIndex := uint8(1); subIndex <= 127; subIndex++ {
		filename := m.UploadFilename(od.EntryStoreDCF, subIndex)
		if filename == "" {
			continue
		}
		log.Infof("[MASTER] x1F20/x%02x: loading textual slave DCF %v", subIndex, filename)
		if m.loadConfigStarted != nil {
			m.loadConfigStarted(subIndex)
		}
		dict, err := m.dcfLoader(filename, subIndex)
		if err != nil {
			log.Errorf("[MASTER] x1F20/x%02x: failed to load DCF %v : %v", subIndex, filename, err)
			continue
		}
		config := &driver.Config{NodeId: subIndex, Dict: dict}
		m.registerDriver(m.factory(config, m.newClient(subIndex), m))
	}
}

func (m *Master) initializeDevicesForBinaryDCF() {
	// Scan the full range, the table may be sparse
	for subIndex := uint8(1); subIndex <= 127; subIndex++ {
		filename := m.UploadFilename(od.EntryStoreDCFBinary, subIndex)
		if filename == "" {
			continue
		}
		log.Infof("[MASTER] x1F22/x%02x: creating device driver for binary slave DCF %v", subIndex, filename)
		if m.loadConfigStarted != nil {
			m.loadConfigStarted(subIndex)
		}
		config := &driver.Config{
			NodeId:    subIndex,
			Dict:      od.NewOD(m.sdoLogger, subIndex),
			BinaryDCF: filename,
		}
		m.registerDriver(m.factory(config, m.newClient(subIndex), m))
	}
}

// Reset resets all slaves with NMT RESET after an error, when the
// system is already initialized. The boot milestone re-arms.
func (m *Master) Reset() {
	m.exec.Post(func() {
		for nodeId := range m.drivers {
			m.devicesToBoot[nodeId] = struct{}{}
		}
		m.bootMilestoneFired = false
		// Let the other nodes listen again, also triggers the
		// reconfiguration
		if err := m.Command(nmt.CommandResetNode, 0); err != nil {
			log.Errorf("[MASTER] reset broadcast failed: %v", err)
		}
	})
}

// OnBoot has to be called when the CiA 302 boot of a slave completed.
func (m *Master) OnBoot(nodeId uint8, state nmt.State, errorStatus byte, what string) {
	m.exec.Post(func() {
		if d, ok := m.drivers[nodeId]; ok {
			d.OnBoot(state, errorStatus, what)
		}
		if m.bootCompleted != nil {
			m.bootCompleted(nodeId)
		}
		if errorStatus != 0 {
			return
		}
		if _, ok := m.devicesToBoot[nodeId]; ok {
			delete(m.devicesToBoot, nodeId)
		} else if len(m.drivers) > 0 {
			log.Warnf("[MASTER] node x%02x is not in the pending boot set", nodeId)
		}
		// The milestone fires at most once between two resets, the
		// pending set is not refilled before the next reset
		if !m.bootMilestoneFired && len(m.devicesToBoot) == 0 {
			m.bootMilestoneFired = true
			for _, d := range m.drivers {
				d.OnSystemBootCompleted()
			}
			if m.bootCompleted != nil {
				m.bootCompleted(0)
			}
		}
	})
}

// OnCommand has to be called when the master broadcasts an NMT
// command.
func (m *Master) OnCommand(command nmt.Command) {
	m.exec.Post(func() {
		if command == nmt.CommandResetCommunication {
			for nodeId, d := range m.drivers {
				// Disable the automatic textual upload in any case,
				// its PDO handling is broken in the underlying stack
				m.clearUploadFilename(od.EntryStoreDCF, nodeId)
				// Disable the automatic binary upload when a custom
				// clear configuration strategy exists, the driver
				// triggers the download itself after its clear step
				if d.HasClearConfigurationStrategy() {
					m.clearUploadFilename(od.EntryStoreDCFBinary, nodeId)
				}
			}
		}
		for _, d := range m.drivers {
			d.OnCommand(command)
		}
	})
}

func (m *Master) clearUploadFilename(index uint16, nodeId uint8) {
	// Ignore the error, the entry might not exist depending on the
	// system configuration
	_ = m.dict.WriteRaw(index, nodeId, []byte{})
}

// OnState has to be called when the NMT state of a slave changed.
func (m *Master) OnState(nodeId uint8, state nmt.State) {
	m.exec.Post(func() {
		if d, ok := m.drivers[nodeId]; ok {
			d.OnState(state)
		}
	})
}

// OnConfig has to be called when the boot process requests the
// configuration of a slave. res receives the overall outcome.
func (m *Master) OnConfig(nodeId uint8, res func(err error)) {
	m.exec.Post(func() {
		if m.nodeConfigStarted != nil {
			m.nodeConfigStarted(nodeId)
		}
		d, ok := m.drivers[nodeId]
		if !ok {
			res(fmt.Errorf("no driver registered for node x%02x", nodeId))
			return
		}
		d.OnConfig(res)
	})
}

// OnEmergency has to be called when an EMCY frame of a slave arrived.
func (m *Master) OnEmergency(nodeId uint8, code uint16, register uint8, manufacturer [5]byte) {
	m.exec.Post(func() {
		if d, ok := m.drivers[nodeId]; ok {
			d.OnEmergency(code, register, manufacturer)
		}
	})
}
