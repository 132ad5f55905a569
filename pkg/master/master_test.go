package master_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flmayr/gocanmaster/internal/executor"
	"github.com/flmayr/gocanmaster/pkg/driver"
	"github.com/flmayr/gocanmaster/pkg/master"
	"github.com/flmayr/gocanmaster/pkg/nmt"
	"github.com/flmayr/gocanmaster/pkg/od"
	"github.com/flmayr/gocanmaster/pkg/pdo"
	"github.com/flmayr/gocanmaster/pkg/sdo"
)

type fakeTransport struct{}

func (t *fakeTransport) ReadRaw(nodeId uint8, index uint16, subindex uint8) ([]byte, error) {
	return nil, sdo.AbortNotExist
}

func (t *fakeTransport) WriteRaw(nodeId uint8, index uint16, subindex uint8, data []byte) error {
	return nil
}

func (t *fakeTransport) DownloadDCF(nodeId uint8, path string) error {
	return nil
}

type commandRecord struct {
	command nmt.Command
	nodeId  uint8
}

type fakeBus struct {
	mu       sync.Mutex
	commands []commandRecord
}

func (b *fakeBus) Command(command nmt.Command, nodeId uint8) error {
	b.mu.Lock()
	b.commands = append(b.commands, commandRecord{command, nodeId})
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) log() []commandRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	records := make([]commandRecord, len(b.commands))
	copy(records, b.commands)
	return records
}

type masterRig struct {
	exec   *executor.Executor
	bus    *fakeBus
	fabric *pdo.Fabric
	master *master.Master
}

func newMasterRig(t *testing.T, masterDict *od.ObjectDictionary, slaveNodes []uint8) *masterRig {
	exec := executor.New()
	t.Cleanup(exec.Stop)
	bus := &fakeBus{}
	fabric := pdo.NewFabric(nil, nil)
	if masterDict == nil {
		masterDict = od.NewOD(nil, 0)
	}
	for _, nodeId := range slaveNodes {
		masterDict.AddVariable(od.EntryStoreDCF, nodeId, "slave dcf", od.VISIBLE_STRING, od.AttributeSdoRw, "slave.dcf", false)
	}
	m := master.New(masterDict, bus, exec, fabric, &fakeTransport{})
	m.SetDriverFactory(func(config *driver.Config, client *sdo.Client, registry driver.Registry) driver.Driver {
		return driver.NewGenericDriver(config, client, registry)
	})
	m.SetDCFLoader(func(path string, nodeId uint8) (*od.ObjectDictionary, error) {
		return od.NewOD(nil, nodeId), nil
	})
	m.ConfigureDrivers()
	return &masterRig{exec: exec, bus: bus, fabric: fabric, master: m}
}

// sync waits until everything currently queued on the executor ran.
func (rig *masterRig) sync() {
	done := make(chan struct{})
	rig.exec.Post(func() { close(done) })
	<-done
}

func TestDiscoveryRegistersDrivers(t *testing.T) {
	rig := newMasterRig(t, nil, []uint8{3, 4, 100})

	assert.NotNil(t, rig.master.Driver(3))
	assert.NotNil(t, rig.master.Driver(4))
	assert.NotNil(t, rig.master.Driver(100))
	assert.Nil(t, rig.master.Driver(5))
}

func TestDiscoveryZeroSlaves(t *testing.T) {
	var booted []uint8
	var bootedMu sync.Mutex
	rig := newMasterRig(t, nil, nil)
	rig.master.SetBootCompletedCallback(func(nodeId uint8) {
		bootedMu.Lock()
		booted = append(booted, nodeId)
		bootedMu.Unlock()
	})

	// No drivers, the milestone fires on the next boot event pump
	rig.master.OnBoot(9, nmt.StateOperational, 0, "")
	rig.sync()

	bootedMu.Lock()
	defer bootedMu.Unlock()
	assert.Equal(t, []uint8{9, 0}, booted)
}

func TestBootMilestone(t *testing.T) {
	var booted []uint8
	var bootedMu sync.Mutex
	rig := newMasterRig(t, nil, []uint8{3, 4})
	rig.master.SetBootCompletedCallback(func(nodeId uint8) {
		bootedMu.Lock()
		booted = append(booted, nodeId)
		bootedMu.Unlock()
	})

	rig.master.OnBoot(3, nmt.StateOperational, 0, "")
	rig.sync()
	bootedMu.Lock()
	assert.Equal(t, []uint8{3}, booted)
	bootedMu.Unlock()

	rig.master.OnBoot(4, nmt.StateOperational, 0, "")
	rig.sync()
	bootedMu.Lock()
	assert.Equal(t, []uint8{3, 4, 0}, booted)
	bootedMu.Unlock()

	// A duplicate boot event only fires the per-node callback
	rig.master.OnBoot(4, nmt.StateOperational, 0, "")
	rig.sync()
	bootedMu.Lock()
	assert.Equal(t, []uint8{3, 4, 0, 4}, booted)
	bootedMu.Unlock()
}

func TestBootFailureKeepsMilestonePending(t *testing.T) {
	var booted []uint8
	rig := newMasterRig(t, nil, []uint8{3})
	rig.master.SetBootCompletedCallback(func(nodeId uint8) {
		booted = append(booted, nodeId)
	})

	rig.master.OnBoot(3, nmt.StateStopped, 'B', "node missing")
	rig.sync()
	assert.Equal(t, []uint8{3}, booted)

	rig.master.OnBoot(3, nmt.StateOperational, 0, "")
	rig.sync()
	assert.Equal(t, []uint8{3, 3, 0}, booted)
}

func TestResetRearmsMilestone(t *testing.T) {
	var booted []uint8
	rig := newMasterRig(t, nil, []uint8{3})
	rig.master.SetBootCompletedCallback(func(nodeId uint8) {
		booted = append(booted, nodeId)
	})

	rig.master.OnBoot(3, nmt.StateOperational, 0, "")
	rig.sync()
	assert.Equal(t, []uint8{3, 0}, booted)

	rig.master.Reset()
	rig.sync()
	assert.Contains(t, rig.bus.log(), commandRecord{nmt.CommandResetNode, 0})

	rig.master.OnBoot(3, nmt.StateOperational, 0, "")
	rig.sync()
	assert.Equal(t, []uint8{3, 0, 3, 0}, booted)
}

func TestResetCommClearsUploadFilenames(t *testing.T) {
	masterDict := od.NewOD(nil, 0)
	masterDict.AddVariable(od.EntryStoreDCFBinary, 3, "binary dcf", od.VISIBLE_STRING, od.AttributeSdoRw, "slave3.bin", false)
	rig := newMasterRig(t, masterDict, []uint8{3, 4})

	// Textual upload filename is cleared unconditionally, the binary
	// one only with a custom clear configuration strategy
	rig.master.OnCommand(nmt.CommandResetCommunication)
	rig.sync()
	assert.Equal(t, "", rig.master.UploadFilename(od.EntryStoreDCF, 3))
	assert.Equal(t, "", rig.master.UploadFilename(od.EntryStoreDCF, 4))
	assert.Equal(t, "slave3.bin", rig.master.UploadFilename(od.EntryStoreDCFBinary, 3))

	base := rig.master.Driver(3).(*driver.GenericDriver)
	base.SetClearConfigurationStrategy(func(callback func(err error)) { callback(nil) })
	rig.master.OnCommand(nmt.CommandResetCommunication)
	rig.sync()
	assert.Equal(t, "", rig.master.UploadFilename(od.EntryStoreDCFBinary, 3))
}

func TestSoftwareFileForSlave(t *testing.T) {
	masterDict := od.NewOD(nil, 0)
	masterDict.AddVariable(od.EntryProgramData, 7, "firmware", od.VISIBLE_STRING, od.AttributeSdoRw, "drive-fw-8.47.bin", false)
	rig := newMasterRig(t, masterDict, nil)

	filename, err := rig.master.SoftwareFileForSlave(7)
	assert.Nil(t, err)
	assert.Equal(t, "drive-fw-8.47.bin", filename)

	_, err = rig.master.SoftwareFileForSlave(8)
	assert.NotNil(t, err)
}

func TestCobIdRegistryFirstClaimWins(t *testing.T) {
	rig := newMasterRig(t, nil, nil)
	assert.EqualValues(t, 0, rig.master.FirstNodeUsingRpdoCobId(0x203))
	rig.master.ClaimRpdoCobId(3, 0x203)
	assert.EqualValues(t, 3, rig.master.FirstNodeUsingRpdoCobId(0x203))
}

func TestMappedRpdoWriteRoutedToDriver(t *testing.T) {
	rig := newMasterRig(t, nil, []uint8{3})
	d := rig.master.Driver(3).(*driver.GenericDriver)

	fired := make(chan struct{}, 1)
	d.OnRpdoMapped[0x6041] = map[uint8]func(){0: func() { fired <- struct{}{} }}

	// A mapped RPDO write of the node is routed to its driver
	rig.fabric.SetMapped(3, 0x6041, 0, []byte{0x13, 0x00})
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("rpdo mapped hook did not fire")
	}
}
