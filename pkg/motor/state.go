package motor

import (
	log "github.com/sirupsen/logrus"
)

// State represents the internal state of the driver. This state is
// derived from, but not identical to, the CiA 402 state machine.
type State uint8

const (
	StateInitial State = iota
	StateInitialPowerOn
	StateInitialPowerOff
	StateCyclePowerShutdown
	StatePowerOnDisableOperation
	StateIdle
	StatePrepareMove
	StateReadyToMove
	StateMoving
	StatePrepareHoming
	StateReadyForHoming
	StateHoming
	StateFault
	StateFaultReset
	StateNodeReset
)

var stateDescription = map[State]string{
	StateInitial:                 "INITIAL_STATE",
	StateInitialPowerOn:          "INITIAL_POWER_ON",
	StateInitialPowerOff:         "INITIAL_POWER_OFF",
	StateCyclePowerShutdown:      "CYCLE_POWER_SHUTDOWN",
	StatePowerOnDisableOperation: "POWER_ON_DISABLE_OPERATION",
	StateIdle:                    "IDLE",
	StatePrepareMove:             "PREPARE_MOVE",
	StateReadyToMove:             "READY_TO_MOVE",
	StateMoving:                  "MOVING",
	StatePrepareHoming:           "PREPARE_HOMING",
	StateReadyForHoming:          "READY_FOR_HOMING",
	StateHoming:                  "HOMING",
	StateFault:                   "FAULT_STATE",
	StateFaultReset:              "FAULT_RESET",
	StateNodeReset:               "NODE_RESET",
}

func (state State) String() string {
	if description, ok := stateDescription[state]; ok {
		return description
	}
	return "UNKNOWN"
}

// CiA 402 status word bits (0x6041)
const (
	swReadyToSwitchOn       uint16 = 0x0001
	swSwitchedOn            uint16 = 0x0002
	swOperationEnabled      uint16 = 0x0004
	swFault                 uint16 = 0x0008
	swVoltageEnabled        uint16 = 0x0010
	swQuickStop             uint16 = 0x0020
	swSwitchOnDisabled      uint16 = 0x0040
	swWarning               uint16 = 0x0080
	swManufacturerSpecific1 uint16 = 0x0100
	swRemote                uint16 = 0x0200
	swTargetReached         uint16 = 0x0400
	swInternalLimitActive   uint16 = 0x0800
	// Homing attained / setpoint acknowledge, depending on the
	// operation mode
	swOperationModeSpecific1 uint16 = 0x1000
	// Homing error / following error, depending on the operation mode
	swOperationModeSpecific2 uint16 = 0x2000
	swManufacturerSpecific2  uint16 = 0x4000
	swManufacturerSpecific3  uint16 = 0x8000
)

// DetermineState derives the next driver state from a received status
// word. It is a pure function: unmatched inputs keep the current
// state, a set fault bit always wins.
func DetermineState(currentState State, statusWord uint16, nodeId uint8) State {
	logger := log.WithField("node", nodeId)

	if statusWord&swFault != 0 {
		logger.Debugf("[STATE] entering FAULT_STATE, status word: x%04x", statusWord)
		return StateFault
	}

	if statusWord&swReadyToSwitchOn != 0 &&
		statusWord&swSwitchedOn == 0 &&
		statusWord&swOperationEnabled == 0 {
		// Drive switched off
		if currentState == StateInitial {
			logger.Debugf("[STATE] switching to INITIAL_POWER_OFF, status word: x%04x", statusWord)
			return StateInitialPowerOff
		}
		logger.Debugf("[STATE] switching to POWER_ON_DISABLE_OPERATION, status word: x%04x", statusWord)
		return StatePowerOnDisableOperation
	}

	if currentState == StateInitial {
		logger.Debugf("[STATE] switching to INITIAL_POWER_ON, status word: x%04x", statusWord)
		return StateInitialPowerOn
	}

	if statusWord&swReadyToSwitchOn != 0 &&
		statusWord&swSwitchedOn != 0 &&
		statusWord&swVoltageEnabled != 0 {
		// Drive switched on
		if statusWord&swOperationEnabled == 0 {
			switch {
			case currentState == StatePowerOnDisableOperation:
				logger.Debugf("[STATE] switching POWER_ON_DISABLE_OPERATION --> IDLE, status word: x%04x", statusWord)
				return StateIdle
			case currentState == StateFault && statusWord&swManufacturerSpecific1 == 0:
				// How to proceed with recovery is decided in the
				// fault reset state
				logger.Debugf("[STATE] switching FAULT_STATE --> FAULT_RESET (auto recovery on motor side), status word: x%04x", statusWord)
				return StateFaultReset
			case currentState == StateFaultReset && statusWord&swManufacturerSpecific1 == 0:
				logger.Debugf("[STATE] switching FAULT_RESET --> CYCLE_POWER_SHUTDOWN, status word: x%04x", statusWord)
				return StateCyclePowerShutdown
			}
		} else {
			// Operation enabled
			switch {
			case currentState == StatePrepareHoming:
				logger.Debugf("[STATE] switching PREPARE_HOMING --> READY_FOR_HOMING, status word: x%04x", statusWord)
				return StateReadyForHoming
			case currentState == StateReadyForHoming &&
				statusWord&swTargetReached == 0 &&
				statusWord&swOperationModeSpecific1 == 0 &&
				statusWord&swOperationModeSpecific2 == 0:
				logger.Debugf("[STATE] switching READY_FOR_HOMING --> HOMING, status word: x%04x", statusWord)
				return StateHoming
			case currentState == StateHoming && statusWord&swTargetReached != 0:
				if statusWord&swOperationModeSpecific1 != 0 {
					logger.Debugf("[STATE] switching HOMING --> POWER_ON_DISABLE_OPERATION, status word: x%04x", statusWord)
					return StatePowerOnDisableOperation
				}
				if statusWord&swOperationModeSpecific2 != 0 {
					logger.Debugf("[STATE] switching HOMING --> FAULT_STATE (homing error), status word: x%04x", statusWord)
					return StateFault
				}
			case currentState == StatePrepareMove &&
				statusWord&swOperationModeSpecific1 != 0:
				logger.Debugf("[STATE] switching PREPARE_MOVE --> READY_TO_MOVE, status word: x%04x", statusWord)
				return StateReadyToMove
			case currentState == StateReadyToMove &&
				statusWord&swTargetReached == 0 &&
				statusWord&swOperationModeSpecific1 == 0:
				logger.Debugf("[STATE] switching READY_TO_MOVE --> MOVING, status word: x%04x", statusWord)
				return StateMoving
			case currentState == StateMoving && statusWord&swTargetReached != 0:
				logger.Debugf("[STATE] switching MOVING --> POWER_ON_DISABLE_OPERATION, status word: x%04x", statusWord)
				return StatePowerOnDisableOperation
			}
		}
	}

	logger.Debugf("[STATE] cannot determine state switch, status word: x%04x", statusWord)
	return currentState
}
