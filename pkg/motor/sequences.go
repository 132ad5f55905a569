package motor

import (
	"fmt"

	"github.com/flmayr/gocanmaster/pkg/driver"
)

func noWriteResult(_ uint16, _ uint8, _ error) {}

// prepareHoming sends the homing parameters. The writes are fire and
// forget, the transition to READY_FOR_HOMING happens once the status
// word reports operation enabled.
func (d *MotorDriver) prepareHoming(method int8, searchSpeed uint32, releaseSpeed uint32, accel uint32, offset int32) {
	d.setState(StatePrepareHoming)
	client := d.Client()
	// Profile position mode first, needed for setting the homing
	// offset
	client.SubmitWrite(MotorOperationMode, 0, uint8(1), noWriteResult)
	client.SubmitWrite(MotorHomingMethod, 0, method, noWriteResult)
	// Speed while searching for the reference switch
	client.SubmitWrite(MotorHomingSpeeds, 1, searchSpeed, noWriteResult)
	// Speed while approaching the zero position
	client.SubmitWrite(MotorHomingSpeeds, 2, releaseSpeed, noWriteResult)
	client.SubmitWrite(MotorHomingAccel, 0, accel, noWriteResult)
	// Position offset after the homing
	client.SubmitWrite(MotorHomeOffset, 0, offset, noWriteResult)
	// Homing mode
	client.SubmitWrite(MotorOperationMode, 0, uint8(6), noWriteResult)
	// Enable operation
	client.SubmitWrite(MotorControlWord, 0, uint16(0x000F), noWriteResult)
}

// prepareMove runs the strictly ordered setter sequence for a profile
// position move. Any failing setter aborts the sequence, the error is
// reported through the error callback.
func (d *MotorDriver) prepareMove() {
	// A new job starts, EMCY deduplication starts over
	d.ResetEmergencyLatch()

	// The following node is triggered through the shared PDOs, its
	// state has to be tracked manually here
	if d.Following() != 0 {
		d.followingNodeState = StatePrepareMove
	}

	d.comm.OperationModeSetter(1, func(err error) {
		if !d.isSetterOK(err, "While setting operation mode to 'Profile Position Mode'") {
			return
		}
		d.comm.ControlWordSetter(0x0007, func(err error) {
			if !d.isSetterOK(err, "While setting the control word to 'Disable Operation'") {
				return
			}
			d.comm.PositionSetter(d.moveToPosition, func(err error) {
				if !d.isSetterOK(err, "While setting the position") {
					return
				}
				d.comm.VelocitySetter(d.moveSpeed, func(err error) {
					if !d.isSetterOK(err, "While setting the velocity") {
						return
					}
					d.comm.AccelerationSetter(d.moveAcceleration, func(err error) {
						if !d.isSetterOK(err, "While setting the acceleration") {
							return
						}
						d.comm.DecelerationSetter(d.moveDeceleration, func(err error) {
							if !d.isSetterOK(err, "While setting the deceleration") {
								return
							}
							// Enable operation with the halt bit set.
							// Drives start on different edges of the
							// halt bit, with both on halt they start
							// at the same time on its falling edge.
							d.comm.ControlWordSetter(d.currentMoveMode|0x011F, func(err error) {
								d.isSetterOK(err, "While setting the control word to 'Enable Operation' + move mode")
							})
						})
					})
				})
			})
		})
	})
}

// executeMove drops the halt bit. For a follower pair this is what
// starts both motors simultaneously, after all parameters were sent.
func (d *MotorDriver) executeMove() {
	d.comm.ControlWordSetter(d.currentMoveMode|0x000F, func(err error) {
		d.isSetterOK(err, "While switching the motor through the control word")
	})
}

// handleFault reads the CiA 402 error code, but only when the fault
// was not already reported through an emergency, the user would get
// the error twice otherwise.
func (d *MotorDriver) handleFault() {
	if d.EmergencyOccurred() {
		return
	}
	// Right after the fault the register is sometimes not readable
	// yet, retry a few times
	d.Client().SubmitReadUint16Retried(MotorErrorCode, 0, 3, func(value uint16, err error) {
		if err != nil {
			message := fmt.Sprintf("Error while reading the fault register: %v", err)
			d.ReportError(driver.ErrCodeReadErrorFailed, message)
			return
		}
		if value != 0 {
			d.ReportError(value, fmt.Sprintf("Motor Fault: code: x%04x", value))
		}
	})
}

// performFaultReset re-derives the recovery entry point from the last
// status word. The logic mirrors handleInitialStateSwitching.
func (d *MotorDriver) performFaultReset() {
	exec := d.Registry().Executor()
	recoveryFrom := DetermineState(StateInitial, d.statusWord, d.Id())
	switch recoveryFrom {
	case StateFault:
		// Fault reset edge, CYCLE_POWER_SHUTDOWN follows through the
		// status word derivation
		d.Client().SubmitWrite(MotorControlWord, 0, uint16(0x0080), noWriteResult)
	case StateInitialPowerOn:
		// No recursion for setState, let the currently running
		// setState reach its end
		exec.Post(func() {
			d.setState(StateCyclePowerShutdown)
		})
	case StateInitialPowerOff:
		exec.Post(func() {
			d.setState(StatePowerOnDisableOperation)
		})
	}
}

// retriggerFaultReset is the fault reset watchdog, armed by
// RecoverFromFault when a reset was already in flight.
func (d *MotorDriver) retriggerFaultReset() {
	if d.state == StateFaultReset {
		d.setState(StateNodeReset)
	}
}
