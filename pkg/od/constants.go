package od

// CiA 301 data types
const (
	BOOLEAN        uint8 = 0x01
	INTEGER8       uint8 = 0x02
	INTEGER16      uint8 = 0x03
	INTEGER32      uint8 = 0x04
	UNSIGNED8      uint8 = 0x05
	UNSIGNED16     uint8 = 0x06
	UNSIGNED32     uint8 = 0x07
	REAL32         uint8 = 0x08
	VISIBLE_STRING uint8 = 0x09
	OCTET_STRING   uint8 = 0x0A
	UNICODE_STRING uint8 = 0x0B
	DOMAIN         uint8 = 0x0F
	REAL64         uint8 = 0x11
	INTEGER64      uint8 = 0x15
	UNSIGNED64     uint8 = 0x1B
)

// CiA 301 object types
const (
	ObjectTypeDOMAIN uint8 = 2
	ObjectTypeVAR    uint8 = 7
	ObjectTypeARRAY  uint8 = 8
	ObjectTypeRECORD uint8 = 9
)

// Attributes for OD variables
const (
	AttributeSdoR  uint8 = 0x01 // SDO server may read from the variable
	AttributeSdoW  uint8 = 0x02 // SDO server may write to the variable
	AttributeSdoRw uint8 = 0x03 // SDO server may read from or write to the variable
	AttributeTpdo  uint8 = 0x04 // Variable is mappable into TPDO
	AttributeRpdo  uint8 = 0x08 // Variable is mappable into RPDO
	AttributeStr   uint8 = 0x10 // Shorter value than specified may be written
)

// Standard entry ranges used during slave configuration
const (
	EntryRPDOCommunicationStart uint16 = 0x1400
	EntryRPDOCommunicationEnd   uint16 = 0x15FF
	EntryRPDOMappingStart       uint16 = 0x1600
	EntryRPDOMappingEnd         uint16 = 0x17FF
	EntryTPDOCommunicationStart uint16 = 0x1800
	EntryTPDOCommunicationEnd   uint16 = 0x19FF
	EntryTPDOMappingStart       uint16 = 0x1A00
	EntryTPDOMappingEnd         uint16 = 0x1BFF
)

// Master-side entries used for slave discovery and firmware queries
const (
	EntryStoreDCF       uint16 = 0x1F20 // textual DCF filename per slave
	EntryStoreDCFBinary uint16 = 0x1F22 // binary (concise) DCF filename per slave
	EntryProgramData    uint16 = 0x1F58 // firmware file per slave
)

// Selector table for binary-DCF master configurations.
// Each entry holds (pdoNb << 8) | nodeId for a master-side PDO slot.
const (
	EntryPDOSelectorStart uint16 = 0x5C00
	EntryPDOSelectorEnd   uint16 = 0x5DFF
)
