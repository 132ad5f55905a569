package driver

import (
	"errors"
	"fmt"
)

// Additional error codes in the manufacturer specific range, reported
// through the driver error callback next to CiA 301 emergency codes.
const (
	ErrCodeNodeConfigurationFailed uint16 = 0xAF01
	ErrCodeNodeBootFailed          uint16 = 0xAF02
	ErrCodeReadErrorFailed         uint16 = 0xAF03
	ErrCodeNodeMissing             uint16 = 0xAF04
	// Historic numeric value, keep as is
	ErrCodeWriteToNode          uint16 = 0xAF05
	ErrCodeFirmwareUpdateFailed uint16 = 0xAF06
	ErrCodeOtherMotorHadError   uint16 = 0xAFFF
)

// ErrOperationCanceled is reported by a clear-configuration strategy
// when the user aborted the procedure on purpose. Configuration then
// completes successfully without touching the node.
var ErrOperationCanceled = errors.New("operation canceled")

func isCanceled(err error) bool {
	if errors.Is(err, ErrOperationCanceled) {
		return true
	}
	var canceled interface{ Canceled() bool }
	if errors.As(err, &canceled) {
		return canceled.Canceled()
	}
	return false
}

// ConfigPhase tells during which access a configuration step failed.
type ConfigPhase uint8

const (
	PhaseReadLocal ConfigPhase = iota
	PhaseReadRemote
	PhaseWriteRemote
)

func (phase ConfigPhase) String() string {
	switch phase {
	case PhaseReadLocal:
		return "while reading the local SDO value from"
	case PhaseReadRemote:
		return "while reading from SDO"
	case PhaseWriteRemote:
		return "while writing to SDO"
	default:
		return "while accessing SDO"
	}
}

// ConfigError pinpoints the first failing step of a node
// configuration.
type ConfigError struct {
	Phase    ConfigPhase
	Index    uint16
	SubIndex uint8
	Err      error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s x%04x/x%02x: %v", e.Phase, e.Index, e.SubIndex, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
