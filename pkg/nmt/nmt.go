// Package nmt holds the CiA 301 network management constants used by
// the master to drive slave lifecycles.
package nmt

import (
	"github.com/flmayr/gocanmaster/pkg/can"
)

// COB-ID of the NMT service
const ServiceId = 0

// NMT slave states as reported over heartbeat / boot-up
type State uint8

const (
	StateInitializing   State = 0
	StateStopped        State = 4
	StateOperational    State = 5
	StatePreOperational State = 127
	StateUnknown        State = 255
)

var stateDescription = map[State]string{
	StateInitializing:   "INITIALIZING",
	StateStopped:        "STOPPED",
	StateOperational:    "OPERATIONAL",
	StatePreOperational: "PRE-OPERATIONAL",
	StateUnknown:        "UNKNOWN",
}

func (s State) String() string {
	if desc, ok := stateDescription[s]; ok {
		return desc
	}
	return "UNKNOWN"
}

// Available NMT commands
// They can be broadcasted to all nodes or to individual nodes
type Command uint8

const (
	CommandEmpty               Command = 0
	CommandEnterOperational    Command = 1
	CommandEnterStopped        Command = 2
	CommandEnterPreOperational Command = 128
	CommandResetNode           Command = 129
	CommandResetCommunication  Command = 130
)

var commandDescription = map[Command]string{
	CommandEnterOperational:    "ENTER-OPERATIONAL",
	CommandEnterStopped:        "ENTER-STOPPED",
	CommandEnterPreOperational: "ENTER-PREOPERATIONAL",
	CommandResetNode:           "RESET-NODE",
	CommandResetCommunication:  "RESET-COMMUNICATION",
}

func (c Command) String() string {
	if desc, ok := commandDescription[c]; ok {
		return desc
	}
	return "UNKNOWN"
}

// NewCommandFrame encodes an NMT command for the given node.
// nodeId 0 broadcasts to all nodes.
func NewCommandFrame(command Command, nodeId uint8) can.Frame {
	frame := can.NewFrame(uint32(ServiceId), 0, 2)
	frame.Data[0] = uint8(command)
	frame.Data[1] = nodeId
	return frame
}
