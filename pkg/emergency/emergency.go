// Package emergency decodes CiA 301 EMCY frames into readable error
// reports for the driver error callbacks.
package emergency

import (
	"fmt"
	"strings"
)

// Error codes, see CiA 301
const (
	ErrNoError          = 0x0000
	ErrGeneric          = 0x1000
	ErrCurrent          = 0x2000
	ErrCurrentInput     = 0x2100
	ErrCurrentInside    = 0x2200
	ErrCurrentOutput    = 0x2300
	ErrVoltage          = 0x3000
	ErrVoltageMains     = 0x3100
	ErrVoltageInside    = 0x3200
	ErrVoltageOutput    = 0x3300
	ErrTemperature      = 0x4000
	ErrTempAmbient      = 0x4100
	ErrTempDevice       = 0x4200
	ErrHardware         = 0x5000
	ErrSoftwareDevice   = 0x6000
	ErrSoftwareInternal = 0x6100
	ErrSoftwareUser     = 0x6200
	ErrDataSet          = 0x6300
	ErrAdditionalModul  = 0x7000
	ErrMonitoring       = 0x8000
	ErrCommunication    = 0x8100
	ErrCanOverrun       = 0x8110
	ErrCanPassive       = 0x8120
	ErrHeartbeat        = 0x8130
	ErrBusOffRecovered  = 0x8140
	ErrCanIdCollision   = 0x8150
	ErrProtocolError    = 0x8200
	ErrPdoLength        = 0x8210
	ErrPdoLengthExc     = 0x8220
	ErrExternalError    = 0x9000
	ErrAdditionalFunc   = 0xF000
	ErrDeviceSpecific   = 0xFF00
)

var errorCodeDescriptionMap = map[uint16]string{
	ErrNoError:          "Reset or No Error",
	ErrGeneric:          "Generic Error",
	ErrCurrent:          "Current",
	ErrCurrentInput:     "Current, device input side",
	ErrCurrentInside:    "Current inside the device",
	ErrCurrentOutput:    "Current, device output side",
	ErrVoltage:          "Voltage",
	ErrVoltageMains:     "Mains Voltage",
	ErrVoltageInside:    "Voltage inside the device",
	ErrVoltageOutput:    "Output Voltage",
	ErrTemperature:      "Temperature",
	ErrTempAmbient:      "Ambient Temperature",
	ErrTempDevice:       "Device Temperature",
	ErrHardware:         "Device Hardware",
	ErrSoftwareDevice:   "Device Software",
	ErrSoftwareInternal: "Internal Software",
	ErrSoftwareUser:     "User Software",
	ErrDataSet:          "Data Set",
	ErrAdditionalModul:  "Additional Modules",
	ErrMonitoring:       "Monitoring",
	ErrCommunication:    "Communication",
	ErrCanOverrun:       "CAN Overrun (Objects lost)",
	ErrCanPassive:       "CAN in Error Passive Mode",
	ErrHeartbeat:        "Life Guard Error or Heartbeat Error",
	ErrBusOffRecovered:  "Recovered from bus off",
	ErrCanIdCollision:   "CAN-ID collision",
	ErrProtocolError:    "Protocol Error",
	ErrPdoLength:        "PDO not processed due to length error",
	ErrPdoLengthExc:     "PDO length exceeded",
	ErrExternalError:    "External Error",
	ErrAdditionalFunc:   "Additional Functions",
	ErrDeviceSpecific:   "Device specific",
}

// CodeDescription returns a readable description for an emergency
// error code, falling back to the code class. Codes of class 0x00xx
// other than 0x0000 itself have no class fallback and are "Unknown".
func CodeDescription(code uint16) string {
	if description, ok := errorCodeDescriptionMap[code]; ok {
		return description
	}
	if class := code & 0xFF00; class != ErrNoError {
		if description, ok := errorCodeDescriptionMap[class]; ok {
			return description
		}
	}
	return "Unknown"
}

// Message renders an EMCY report the way it is surfaced through the
// driver error callbacks: code, register and the 5 manufacturer
// specific bytes both as hex and as printable characters.
func Message(code uint16, register uint8, manufacturer [5]byte) string {
	var message strings.Builder
	fmt.Fprintf(&message, "EMERGENCY: code: x%04x (%s) error register: x%02x manufacturer specific message (hex): ",
		code, CodeDescription(code), register)
	for _, b := range manufacturer {
		fmt.Fprintf(&message, "%02x ", b)
	}
	message.WriteString(" string: ")
	for _, b := range manufacturer {
		if b >= 32 && b <= 127 {
			message.WriteByte(b)
		} else {
			message.WriteByte('.')
		}
	}
	return message.String()
}
