package motor

// Predefined SDO addresses for the motor operations (CiA 402)
const (
	MotorControlWord   uint16 = 0x6040
	MotorStatusWord    uint16 = 0x6041
	MotorErrorCode     uint16 = 0x603F
	MotorOperationMode uint16 = 0x6060
	MotorPosition      uint16 = 0x607A
	MotorVelocity      uint16 = 0x6081
	MotorAcceleration  uint16 = 0x6083
	MotorDeceleration  uint16 = 0x6084
	MotorHomingMethod  uint16 = 0x6098
	MotorHomingSpeeds  uint16 = 0x6099
	MotorHomingAccel   uint16 = 0x609A
	MotorHomeOffset    uint16 = 0x607C
)

// Constants for the homing method, see object 0x6098 in CiA 402.
// home() accepts plain integers as well since custom vendor homing
// modes exist.
const (
	HomingBackwardRisingEdge  int8 = 19
	HomingBackwardFallingEdge int8 = 20
	HomingForwardRisingEdge   int8 = 21
	HomingForwardFallingEdge  int8 = 22
	HomingForwardMarkerCycle  int8 = 33
	HomingBackwardMarkerCycle int8 = 34
)

// Constants for the move mode, see bit 6 of object 0x6040 in CiA 402.
// move() accepts plain integers as well since the mode is ORed into
// the control word and may be vendor specific.
const (
	MoveAbsolute uint16 = 0x0000
	MoveRelative uint16 = 0x0040
)

// Setter sets one value on the motor side, e.g. via SDO communication
// (slow) or PDO communication. The callback must be invoked exactly
// once with the outcome.
type Setter[T any] func(value T, callback func(err error))

// IsStatusWordCheck determines whether a change of a master SDO means
// that a new status word for the given node has arrived. Only needed
// with custom PDO layouts.
type IsStatusWordCheck func(masterIndex uint16, masterSubindex uint8, nodeId uint8) bool

// CommunicationConfig defines the strategies used to talk to the
// drive. [NewMotorDriver] starts with direct SDO setters, setters left
// unset in [MotorDriver.SetCommunicationConfig] keep the current ones.
type CommunicationConfig struct {
	ControlWordSetter   Setter[uint16]
	OperationModeSetter Setter[int8]
	PositionSetter      Setter[int32]
	VelocitySetter      Setter[uint32]
	AccelerationSetter  Setter[uint32]
	DecelerationSetter  Setter[uint32]
	// IsStatusWordCheck decouples the state machine from the PDO
	// layout of the master
	IsStatusWordCheck IsStatusWordCheck
}

// NewSDOSetter creates a strategy which sets a value on the motor side
// via SDO communication. Not suitable for follower relationships, the
// paired motors would not start simultaneously.
func NewSDOSetter[T any](d *MotorDriver, index uint16) Setter[T] {
	return func(value T, callback func(err error)) {
		d.Client().SubmitWrite(index, 0, value, func(_ uint16, _ uint8, err error) {
			if callback != nil {
				callback(err)
			}
		})
	}
}

// NewMasterSDOSetter creates a strategy which sets a value on the
// motor side via PDO communication. The PDO contents are filled from
// the given master SDO, if tpdo >= 0 the given TPDO is triggered.
func NewMasterSDOSetter[T any](d *MotorDriver, masterIndex uint16, masterSubindex uint8, tpdo int) Setter[T] {
	return func(value T, callback func(err error)) {
		fabric := d.Registry().Fabric()
		err := fabric.Write(masterIndex, masterSubindex, value)
		if err == nil && tpdo >= 0 {
			err = fabric.TpdoEvent(tpdo)
		}
		if callback != nil {
			callback(err)
		}
	}
}

// NewMappedTpdoSetter creates a strategy which sets a value on the
// motor side through the TPDO-mapped image of the object itself. With
// writeEvent the given TPDO is transmitted immediately.
func NewMappedTpdoSetter[T any](d *MotorDriver, index uint16, tpdo int, writeEvent bool) Setter[T] {
	return func(value T, callback func(err error)) {
		fabric := d.Registry().Fabric()
		err := fabric.Write(index, 0, value)
		if err == nil && writeEvent {
			err = fabric.TpdoEvent(tpdo)
		}
		if callback != nil {
			callback(err)
		}
	}
}
