// Demo master: discovers the slaves referenced by a master DCF,
// configures them over SDO and runs a homing plus a relative move on
// every motor. The boot orchestration here is deliberately simple,
// configure / start / boot are sequenced directly instead of running
// the full CiA 302 boot process.
package main

import (
	"encoding/binary"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/flmayr/gocanmaster/internal/executor"
	"github.com/flmayr/gocanmaster/pkg/can"
	"github.com/flmayr/gocanmaster/pkg/driver"
	"github.com/flmayr/gocanmaster/pkg/master"
	"github.com/flmayr/gocanmaster/pkg/motor"
	"github.com/flmayr/gocanmaster/pkg/nmt"
	"github.com/flmayr/gocanmaster/pkg/od"
	"github.com/flmayr/gocanmaster/pkg/pdo"
	"github.com/flmayr/gocanmaster/pkg/sdo"
)

var DEFAULT_CAN_INTERFACE = "can0"

type nmtBus struct {
	bus can.Bus
}

func (b *nmtBus) Command(command nmt.Command, nodeId uint8) error {
	return b.bus.Send(nmt.NewCommandFrame(command, nodeId))
}

// statusWordListener stores the mapped status word of a node when its
// first TPDO arrives.
type statusWordListener struct {
	nodeId uint8
	fabric *pdo.Fabric
}

func (l *statusWordListener) Handle(frame can.Frame) {
	if frame.DLC < 2 {
		return
	}
	l.fabric.SetMapped(l.nodeId, motor.MotorStatusWord, 0, frame.Data[:2])
}

// emergencyListener forwards EMCY frames to the master.
type emergencyListener struct {
	m *master.Master
}

func (l *emergencyListener) Handle(frame can.Frame) {
	if frame.DLC < 8 {
		return
	}
	nodeId := uint8(frame.ID & 0x7F)
	code := binary.LittleEndian.Uint16(frame.Data[0:2])
	register := frame.Data[2]
	var manufacturer [5]byte
	copy(manufacturer[:], frame.Data[3:8])
	l.m.OnEmergency(nodeId, code, register, manufacturer)
}

func main() {
	log.SetLevel(log.DebugLevel)

	canInterface := flag.String("i", DEFAULT_CAN_INTERFACE, "socketcan interface e.g. can0,vcan0")
	masterDcf := flag.String("p", "master.dcf", "master dcf file path")
	flag.Parse()

	bus, err := can.NewSocketcanBus(*canInterface)
	if err != nil {
		log.Fatalf("failed to open %v : %v", *canInterface, err)
	}
	mux := can.NewMux()
	if err := bus.Subscribe(mux); err != nil {
		log.Fatal(err)
	}
	if err := bus.Connect(); err != nil {
		log.Fatal(err)
	}

	exec := executor.New()
	defer exec.Stop()

	transport := sdo.NewBusTransport(bus, sdo.DefaultTimeout)
	mux.Subscribe(sdo.CobIdResponseBase, 0x780, transport)

	fabric := pdo.NewFabric(nil, nil)

	masterDict, err := od.Parse(*masterDcf, 0, nil)
	if err != nil {
		log.Fatalf("failed to parse master dcf %v : %v", *masterDcf, err)
	}

	m := master.New(masterDict, &nmtBus{bus: bus}, exec, fabric, transport)
	m.SetDriverFactory(func(config *driver.Config, client *sdo.Client, registry driver.Registry) driver.Driver {
		d := motor.NewMotorDriver(config, client, registry)
		d.SetErrorCallback(func(code uint16, message string) {
			log.Errorf("node x%02x reported x%04x : %v", d.Id(), code, message)
		})
		return d
	})
	m.SetBootCompletedCallback(func(nodeId uint8) {
		if nodeId != 0 {
			log.Infof("node x%02x booted", nodeId)
			return
		}
		log.Info("all nodes booted")
		runDemo(m)
	})
	m.ConfigureDrivers()

	// Status word TPDO1 + EMCY ingress per registered node
	for nodeId := uint8(1); nodeId <= 127; nodeId++ {
		if m.Driver(nodeId) == nil {
			continue
		}
		mux.Subscribe(0x180+uint32(nodeId), 0x7FF, &statusWordListener{nodeId: nodeId, fabric: fabric})
	}
	mux.Subscribe(0x80, 0x780, &emergencyListener{m: m})

	// Simplified boot flow: reset, configure, start each node
	if err := m.Command(nmt.CommandResetNode, 0); err != nil {
		log.Fatal(err)
	}
	m.OnCommand(nmt.CommandResetCommunication)
	for nodeId := uint8(1); nodeId <= 127; nodeId++ {
		if m.Driver(nodeId) == nil {
			continue
		}
		id := nodeId
		m.OnConfig(id, func(err error) {
			if err != nil {
				log.Errorf("configuration of node x%02x failed : %v", id, err)
				return
			}
			if err := m.Command(nmt.CommandEnterOperational, id); err != nil {
				log.Error(err)
				return
			}
			m.OnCommand(nmt.CommandEnterOperational)
			m.OnBoot(id, nmt.StateOperational, 0, "")
		})
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}

func runDemo(m *master.Master) {
	for nodeId := uint8(1); nodeId <= 127; nodeId++ {
		d, ok := m.Driver(nodeId).(*motor.MotorDriver)
		if !ok || d == nil || d.Follows() != 0 {
			// Followers move together with their main
			continue
		}
		id := nodeId
		d.Home(motor.HomingForwardRisingEdge, 5000, 10000, 1000, 0, func() {
			log.Infof("node x%02x homed", id)
			d.Move(motor.MoveRelative, 100_000, 10_000, 1000, 1000, func() {
				log.Infof("node x%02x move finished", id)
			})
		})
	}
}
