// Package motor implements a driver for CiA 402 compliant drives. A
// per-drive state machine sequences power-up, homing, profile position
// moves and fault recovery on top of the status word, and aggregates a
// main/follower drive pair into one logical actor.
package motor

import (
	"fmt"
	"sync"
	"time"

	"github.com/flmayr/gocanmaster/pkg/driver"
	"github.com/flmayr/gocanmaster/pkg/nmt"
	"github.com/flmayr/gocanmaster/pkg/sdo"
)

// MotorDriver controls a CiA 402 compliant motor.
type MotorDriver struct {
	*driver.BaseDriver

	comm CommunicationConfig

	jobStartedAt time.Time

	// The state of this node when it is the main of a pair
	mainNodeState State
	// The state of the following node when this node has one
	followingNodeState State
	// The aggregated state. Without a follower it is the state of the
	// node itself, mainNodeState is then not updated.
	state State
	// The last received CiA 402 status word
	statusWord uint16

	currentMoveMode  uint16
	moveToPosition   int32
	moveSpeed        uint32
	moveAcceleration uint32
	moveDeceleration uint32

	masterNmtCommand nmt.Command
	nodeNmtState     nmt.State

	// Guarded by callbacksOnIdleMu, user APIs enqueue from arbitrary
	// goroutines while the executor drains
	callbacksOnIdleMu sync.Mutex
	callbacksOnIdle   []func()
}

func NewMotorDriver(config *driver.Config, client *sdo.Client, registry driver.Registry) *MotorDriver {
	d := &MotorDriver{
		BaseDriver:         driver.NewBaseDriver(config, client, registry),
		mainNodeState:      StateIdle,
		followingNodeState: StateIdle,
		state:              StateInitial,
		masterNmtCommand:   nmt.CommandEnterStopped,
		nodeNmtState:       nmt.StateStopped,
	}
	// Plain SDO communication until the user configures something
	// faster
	d.comm = CommunicationConfig{
		ControlWordSetter:   NewSDOSetter[uint16](d, MotorControlWord),
		OperationModeSetter: NewSDOSetter[int8](d, MotorOperationMode),
		PositionSetter:      NewSDOSetter[int32](d, MotorPosition),
		VelocitySetter:      NewSDOSetter[uint32](d, MotorVelocity),
		AccelerationSetter:  NewSDOSetter[uint32](d, MotorAcceleration),
		DecelerationSetter:  NewSDOSetter[uint32](d, MotorDeceleration),
	}
	return d
}

// SetCommunicationConfig configures how to communicate with the motor.
// Unset setters keep their SDO based defaults.
func (d *MotorDriver) SetCommunicationConfig(config CommunicationConfig) {
	if config.ControlWordSetter == nil {
		config.ControlWordSetter = d.comm.ControlWordSetter
	}
	if config.OperationModeSetter == nil {
		config.OperationModeSetter = d.comm.OperationModeSetter
	}
	if config.PositionSetter == nil {
		config.PositionSetter = d.comm.PositionSetter
	}
	if config.VelocitySetter == nil {
		config.VelocitySetter = d.comm.VelocitySetter
	}
	if config.AccelerationSetter == nil {
		config.AccelerationSetter = d.comm.AccelerationSetter
	}
	if config.DecelerationSetter == nil {
		config.DecelerationSetter = d.comm.DecelerationSetter
	}
	d.comm = config
}

// State returns the aggregated driver state.
func (d *MotorDriver) State() State {
	return d.state
}

// Home triggers the homing of the motor. The firmware searches the
// reference sensor with the given method, afterwards the motor sits on
// the given offset position. callbackOnIdle runs once the procedure
// finished and the drive is idle again.
func (d *MotorDriver) Home(method int8, searchSpeed uint32, releaseSpeed uint32, accel uint32, offset int32, callbackOnIdle func()) {
	exec := d.Registry().Executor()
	exec.Post(func() {
		if d.state == StateIdle {
			d.addCallbackOnIdle(callbackOnIdle)
			d.prepareHoming(method, searchSpeed, releaseSpeed, accel, offset)
		} else {
			d.addCallbackOnIdle(func() {
				// No recursion for setState if the callback itself
				// changes the state
				exec.Post(func() {
					d.prepareHoming(method, searchSpeed, releaseSpeed, accel, offset)
				})
			})
			d.addCallbackOnIdle(callbackOnIdle)
		}
	})
}

// Move triggers a profile position movement using the configured
// communication strategies. mode is ORed into the control word, see
// [MoveAbsolute] and [MoveRelative]. callbackOnIdle runs once the move
// finished and the drive is idle again.
func (d *MotorDriver) Move(mode uint16, position int32, speed uint32, accel uint32, decel uint32, callbackOnIdle func()) {
	exec := d.Registry().Executor()
	exec.Post(func() {
		d.currentMoveMode = mode
		d.moveToPosition = position
		d.moveSpeed = speed
		d.moveAcceleration = accel
		d.moveDeceleration = decel

		prepare := func() {
			if d.Following() != 0 {
				d.mainNodeState = StatePrepareMove
			}
			d.setState(StatePrepareMove)
		}

		if d.state == StateIdle {
			d.addCallbackOnIdle(callbackOnIdle)
			prepare()
		} else {
			d.addCallbackOnIdle(func() {
				// No recursion for setState if the callback itself
				// changes the state
				exec.Post(prepare)
			})
			d.addCallbackOnIdle(callbackOnIdle)
		}
	})
}

// RecoverFromFault brings the motor back to normal operation after a
// fault. callbackOnIdle runs when the motor is back.
func (d *MotorDriver) RecoverFromFault(callbackOnIdle func()) {
	exec := d.Registry().Executor()
	exec.Post(func() {
		d.Logger().Infof("[MOTOR] recovering from fault in state %v", d.state)
		d.addCallbackOnIdle(callbackOnIdle)
		switch d.state {
		case StateFault:
			// The fault reset of the CiA 402 state machine is done
			// once the NMT reset completed, see OnBoot
			d.setState(StateNodeReset)
		case StateFaultReset:
			// Fault reset already in progress, when done the motor
			// becomes IDLE which triggers the callback. Watchdog in
			// case the motor hangs in the fault reset:
			exec.SubmitWait(1000*time.Millisecond, func() {
				d.retriggerFaultReset()
			})
		case StateIdle:
			// Already idle, nothing to do
			d.processOldestCallbackOnIdle()
		default:
			// TODO: do nothing or determine if a power cycle is
			// needed?
		}
	})
}

func (d *MotorDriver) addCallbackOnIdle(callback func()) {
	d.callbacksOnIdleMu.Lock()
	d.callbacksOnIdle = append(d.callbacksOnIdle, callback)
	d.callbacksOnIdleMu.Unlock()
}

func (d *MotorDriver) processOldestCallbackOnIdle() {
	d.callbacksOnIdleMu.Lock()
	var callback func()
	found := false
	if len(d.callbacksOnIdle) > 0 {
		callback = d.callbacksOnIdle[0]
		d.callbacksOnIdle = d.callbacksOnIdle[1:]
		found = true
	}
	d.callbacksOnIdleMu.Unlock()
	if found && callback != nil {
		callback()
	}
}

func (d *MotorDriver) clearCallbacksOnIdle() {
	d.callbacksOnIdleMu.Lock()
	d.callbacksOnIdle = nil
	d.callbacksOnIdleMu.Unlock()
}

// OnConfig synchronizes the motor state with the internal state once
// the node configuration went through.
func (d *MotorDriver) OnConfig(res func(err error)) {
	d.BaseDriver.OnConfig(func(err error) {
		if err != nil {
			message := fmt.Sprintf("Failed to send the configuration to the motor: %v", err)
			d.ReportError(driver.ErrCodeNodeConfigurationFailed, message)
			res(err)
			return
		}
		if d.state != StateInitial {
			res(nil)
			return
		}
		// Read the initial motor state and set the internal state
		// accordingly
		d.Client().SubmitReadUint16(MotorStatusWord, 0, func(value uint16, err error) {
			if err == nil {
				d.statusWord = value
				d.setState(DetermineState(d.state, value, d.Id()))
			}
			res(err)
		})
	})
}

// OnBoot switches the initial state once the slave rebooted. NMT START
// is not reliably reported through OnState on all stacks, so a
// successful boot counts as operational.
func (d *MotorDriver) OnBoot(state nmt.State, errorStatus byte, what string) {
	d.BaseDriver.OnBoot(state, errorStatus, what)
	if errorStatus == 0 {
		d.nodeNmtState = nmt.StateOperational
		d.handleInitialStateSwitching()
	}
}

func (d *MotorDriver) OnCommand(command nmt.Command) {
	d.BaseDriver.OnCommand(command)
	d.Logger().Infof("[MOTOR] master NMT command: %v", command)
	d.masterNmtCommand = command
	d.handleInitialStateSwitching()
}

func (d *MotorDriver) OnState(state nmt.State) {
	d.BaseDriver.OnState(state)
	d.nodeNmtState = state
	d.handleInitialStateSwitching()
}

// handleInitialStateSwitching kicks the state machine once both the
// master issued START and the node reached START.
func (d *MotorDriver) handleInitialStateSwitching() {
	if d.masterNmtCommand != nmt.CommandEnterOperational || d.nodeNmtState != nmt.StateOperational {
		return
	}
	d.Logger().Debugf("[MOTOR] initial state switching in %v", d.state)
	switch d.state {
	case StateFault, StateNodeReset:
		// StateFault: try fault recovery directly from here.
		// StateNodeReset: continue with the fault reset after the
		// node reset. The command clearing the motor fault flag is
		// sent from performFaultReset.
		d.setState(StateFaultReset)
	case StateInitialPowerOn:
		d.setState(StateCyclePowerShutdown)
	case StateInitialPowerOff:
		d.setState(StatePowerOnDisableOperation)
	}
	// A similar logic exists in performFaultReset
}

// OnMasterSDOChanged picks up status words arriving through PDOs
// mapped into the master dictionary.
func (d *MotorDriver) OnMasterSDOChanged(index uint16, subindex uint8) {
	check := d.comm.IsStatusWordCheck
	if check == nil {
		return
	}
	forSelf := check(index, subindex, d.Id())
	forFollower := d.Following() != 0 && check(index, subindex, d.Following())
	if !forSelf && !forFollower {
		return
	}
	statusWord, err := d.Registry().Fabric().ReadUint16(index, subindex)
	if err != nil {
		d.Logger().Warnf("[MOTOR] cannot read master SDO x%04x/x%02x: %v", index, subindex, err)
		return
	}
	d.Logger().Debugf("[MOTOR] master SDO x%04x/x%02x = x%x", index, subindex, statusWord)
	d.handleStatusWordChange(statusWord, forFollower)
}

// OnRpdoWrite picks up the directly mapped status word of this node.
func (d *MotorDriver) OnRpdoWrite(index uint16, subindex uint8) {
	d.BaseDriver.OnRpdoWrite(index, subindex)
	if index == MotorStatusWord && subindex == 0 {
		statusWord, err := d.Registry().Fabric().MappedUint16(d.Id(), index, subindex)
		if err != nil {
			return
		}
		d.handleStatusWordChange(statusWord, false)
	}
}

// OnFollowerRpdoWrite is invoked by the follower's driver when it
// received a PDO write, the pair states are owned by the main.
func (d *MotorDriver) OnFollowerRpdoWrite(index uint16, subindex uint8) {
	if index == MotorStatusWord && subindex == 0 {
		statusWord, err := d.Registry().Fabric().MappedUint16(d.Following(), index, subindex)
		if err != nil {
			return
		}
		d.handleStatusWordChange(statusWord, true)
	}
}

func isRelevantStateForFollowerRelationship(state State) bool {
	return state == StatePrepareMove || state == StateReadyToMove ||
		state == StateMoving || state == StateIdle
}

func (d *MotorDriver) handleStatusWordChange(statusWord uint16, statusWordOfFollowerChanged bool) {
	if !statusWordOfFollowerChanged {
		d.statusWord = statusWord
	}

	if d.Follows() != 0 {
		// This node is a follower: pair-relevant states are owned by
		// the main, track only the rest plus the IDLE promotion
		if statusWordOfFollowerChanged {
			return
		}
		nextState := DetermineState(d.state, statusWord, d.Id())
		if !isRelevantStateForFollowerRelationship(nextState) ||
			(d.state == StatePowerOnDisableOperation && nextState == StateIdle) {
			d.Logger().Debugf("[MOTOR] local follower handling: x%04x %v --> %v", statusWord, d.state, nextState)
			d.setState(nextState)
		}
		return
	}

	if d.Following() == 0 {
		// No follower (fault handling is done in setState)
		d.setState(DetermineState(d.state, statusWord, d.Id()))
		return
	}

	// This node is the main of a pair: aggregate the state of both
	// motors
	if !statusWordOfFollowerChanged {
		d.mainNodeState = DetermineState(d.mainNodeState, statusWord, d.Id())
	} else {
		d.followingNodeState = DetermineState(d.followingNodeState, statusWord, d.Following())
	}

	d.Logger().Debugf("[MOTOR] aggregate: main: %v, follow: %v, current: %v",
		d.mainNodeState, d.followingNodeState, d.state)

	switch {
	case d.mainNodeState == StateReadyToMove && d.followingNodeState == StateReadyToMove && d.state == StatePrepareMove:
		d.setState(StateReadyToMove)
	case (d.mainNodeState == StateMoving || d.followingNodeState == StateMoving) && d.state == StateReadyToMove:
		d.setState(StateMoving)
	case d.mainNodeState == StateIdle && d.followingNodeState == StateIdle && d.state == StatePowerOnDisableOperation:
		d.setState(StateIdle)
	case !statusWordOfFollowerChanged && !isRelevantStateForFollowerRelationship(d.mainNodeState):
		// Fault, power cycling, homing etc. are main-only
		d.setState(d.mainNodeState)
	}
}

// setState performs the on-enter effect of the target state. Effects
// that require another transition post their work to the executor,
// setState never calls itself recursively.
func (d *MotorDriver) setState(newState State) {
	if d.state == newState {
		d.Logger().Debugf("[MOTOR] NOT switching %v --> %v", d.state, newState)
		return
	}
	d.Logger().Infof("[MOTOR] switching %v --> %v", d.state, newState)
	elapsed := time.Since(d.jobStartedAt)

	switch newState {
	case StateInitial:

	case StateInitialPowerOn, StateInitialPowerOff, StatePrepareHoming:
		d.jobStartedAt = time.Now()

	case StateCyclePowerShutdown:
		d.Logger().Debugf("[MOTOR] entering CYCLE_POWER_SHUTDOWN after %v", elapsed)
		d.Client().SubmitWrite(MotorControlWord, 0, uint16(0x0006), func(_ uint16, _ uint8, err error) {
			d.isSetterOK(err, "While setting the control word to 'Shutdown'")
		})

	case StatePowerOnDisableOperation:
		// Triggered after every move, use the faster PDO
		// communication if configured
		d.Logger().Debugf("[MOTOR] entering POWER_ON_DISABLE_OPERATION after %v", elapsed)
		d.comm.ControlWordSetter(0x0007, func(err error) {
			d.isSetterOK(err, "While setting the control word to 'Disable Operation'")
		})

	case StatePrepareMove:
		d.jobStartedAt = time.Now()
		d.prepareMove()

	case StateReadyToMove:
		d.Logger().Debugf("[MOTOR] READY_TO_MOVE after %v", elapsed)
		d.executeMove()

	case StateMoving:
		d.Logger().Debugf("[MOTOR] start MOVING after %v", elapsed)

	case StateReadyForHoming:
		// Start homing. Operation has to be cycled for the homing to
		// work reliably, in IDLE operation is disabled.
		d.Client().SubmitWrite(MotorControlWord, 0, uint16(0x001F), func(_ uint16, _ uint8, err error) {
			if !d.isSetterOK(err, "While starting the homing") {
				return
			}
			// Older firmwares do not report the homing start through
			// the status word, switch over directly
			d.setState(StateHoming)
		})

	case StateHoming:
		d.Logger().Debugf("[MOTOR] start HOMING after %v", elapsed)

	case StateIdle:
		d.Logger().Debugf("[MOTOR] entering IDLE after %v", elapsed)
		d.processOldestCallbackOnIdle()

	case StateFault:
		d.clearCallbacksOnIdle()
		if d.state != StateInitial {
			d.handleFault()
		}

	case StateFaultReset:
		d.performFaultReset()

	case StateNodeReset:
		if err := d.Registry().Command(nmt.CommandResetNode, d.Id()); err != nil {
			d.Logger().Errorf("[MOTOR] failed to issue node reset: %v", err)
		}
	}

	d.state = newState
}

func (d *MotorDriver) isSetterOK(err error, message string) bool {
	if err == nil {
		return true
	}
	d.ReportError(driver.ErrCodeWriteToNode, fmt.Sprintf("%s: %v", message, err))
	return false
}
