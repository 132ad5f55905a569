// Package od implements the in-memory object dictionary of a node,
// derived from a device configuration file (DCF). It keeps track of
// which values were set explicitly so that the configuration engine
// can push exactly those to the device.
package od

import (
	"encoding/binary"
	"log/slog"
	"sort"
)

// ObjectDictionary stores all entries of a CANopen node according to
// CiA 301. This is the internal representation of a DCF file.
type ObjectDictionary struct {
	logger              *slog.Logger
	nodeId              uint8
	entriesByIndexValue map[uint16]*Entry
}

// An Entry holds an OD object at a specific index, with one [Variable]
// per sub-index. VAR type objects are stored as a single variable at
// sub-index 0.
type Entry struct {
	Index      uint16
	Name       string
	ObjectType uint8
	variables  map[uint8]*Variable
}

// Variable is the data representation for a value stored inside of OD
type Variable struct {
	SubIndex uint8
	Name     string
	// The CiA 301 data type of this variable
	DataType uint8
	// Attribute contains the access type, e.g. AttributeSdoRw
	Attribute uint8
	value     []byte
	// Set when the DCF carried an explicit ParameterValue
	explicit bool
}

// ConfiguredObject is one OD index with the sub-indexes the DCF set
// explicitly, in ascending order.
type ConfiguredObject struct {
	Index      uint16
	SubIndexes []uint8
}

func NewOD(logger *slog.Logger, nodeId uint8) *ObjectDictionary {
	if logger == nil {
		logger = slog.Default()
	}
	return &ObjectDictionary{
		logger:              logger.With("node", nodeId),
		nodeId:              nodeId,
		entriesByIndexValue: make(map[uint16]*Entry),
	}
}

// NodeId returns the node id this dictionary was parsed for.
func (od *ObjectDictionary) NodeId() uint8 {
	return od.nodeId
}

// Index returns the entry at the given index or nil.
func (od *ObjectDictionary) Index(index uint16) *Entry {
	return od.entriesByIndexValue[index]
}

// Entries returns the map of indexes and entries.
func (od *ObjectDictionary) Entries() map[uint16]*Entry {
	return od.entriesByIndexValue
}

func (od *ObjectDictionary) addEntry(index uint16, name string, objectType uint8) *Entry {
	entry, ok := od.entriesByIndexValue[index]
	if ok {
		od.logger.Warn("overwritting entry", "index", index)
	}
	entry = &Entry{Index: index, Name: name, ObjectType: objectType, variables: make(map[uint8]*Variable)}
	od.entriesByIndexValue[index] = entry
	return entry
}

// AddVariable adds a variable at index:subindex, creating the entry if
// needed. The value is encoded according to the data type.
func (od *ObjectDictionary) AddVariable(
	index uint16,
	subindex uint8,
	name string,
	datatype uint8,
	attribute uint8,
	value string,
	explicit bool,
) (*Variable, error) {
	encoded, err := EncodeFromString(value, datatype, 0)
	if err != nil {
		return nil, err
	}
	entry, ok := od.entriesByIndexValue[index]
	if !ok {
		entry = od.addEntry(index, name, ObjectTypeVAR)
	}
	variable := &Variable{
		SubIndex:  subindex,
		Name:      name,
		DataType:  datatype,
		Attribute: attribute,
		value:     encoded,
		explicit:  explicit,
	}
	entry.variables[subindex] = variable
	return variable, nil
}

// SubIndex returns the [Variable] at a given subindex of the entry.
func (entry *Entry) SubIndex(subindex uint8) (*Variable, error) {
	if entry == nil {
		return nil, ErrIdxNotExist
	}
	variable, ok := entry.variables[subindex]
	if !ok {
		return nil, ErrSubNotExist
	}
	return variable, nil
}

// SubCount returns the number of sub entries inside entry.
func (entry *Entry) SubCount() int {
	return len(entry.variables)
}

// Value returns the raw little-endian encoded value.
func (variable *Variable) Value() []byte {
	return variable.value
}

// Explicit reports whether the DCF set this value explicitly.
func (variable *Variable) Explicit() bool {
	return variable.explicit
}

func (od *ObjectDictionary) variable(index uint16, subindex uint8) (*Variable, error) {
	entry, ok := od.entriesByIndexValue[index]
	if !ok {
		return nil, ErrIdxNotExist
	}
	return entry.SubIndex(subindex)
}

// TypeOf returns the CiA 301 data type declared for index:subindex.
func (od *ObjectDictionary) TypeOf(index uint16, subindex uint8) (uint8, error) {
	variable, err := od.variable(index, subindex)
	if err != nil {
		return 0, err
	}
	return variable.DataType, nil
}

// ReadRaw returns the stored encoded value for index:subindex.
func (od *ObjectDictionary) ReadRaw(index uint16, subindex uint8) ([]byte, error) {
	variable, err := od.variable(index, subindex)
	if err != nil {
		return nil, err
	}
	return variable.value, nil
}

func (od *ObjectDictionary) readChecked(index uint16, subindex uint8, datatype uint8) ([]byte, error) {
	variable, err := od.variable(index, subindex)
	if err != nil {
		return nil, err
	}
	if variable.DataType != datatype {
		return nil, ErrTypeMismatch
	}
	if err := CheckSize(len(variable.value), datatype); err != nil {
		return nil, err
	}
	return variable.value, nil
}

func (od *ObjectDictionary) ReadBool(index uint16, subindex uint8) (bool, error) {
	data, err := od.readChecked(index, subindex, BOOLEAN)
	if err != nil {
		return false, err
	}
	return data[0] != 0, nil
}

func (od *ObjectDictionary) ReadUint8(index uint16, subindex uint8) (uint8, error) {
	data, err := od.readChecked(index, subindex, UNSIGNED8)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

func (od *ObjectDictionary) ReadInt8(index uint16, subindex uint8) (int8, error) {
	data, err := od.readChecked(index, subindex, INTEGER8)
	if err != nil {
		return 0, err
	}
	return int8(data[0]), nil
}

func (od *ObjectDictionary) ReadUint16(index uint16, subindex uint8) (uint16, error) {
	data, err := od.readChecked(index, subindex, UNSIGNED16)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data), nil
}

func (od *ObjectDictionary) ReadInt16(index uint16, subindex uint8) (int16, error) {
	data, err := od.readChecked(index, subindex, INTEGER16)
	if err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(data)), nil
}

func (od *ObjectDictionary) ReadUint32(index uint16, subindex uint8) (uint32, error) {
	data, err := od.readChecked(index, subindex, UNSIGNED32)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

func (od *ObjectDictionary) ReadInt32(index uint16, subindex uint8) (int32, error) {
	data, err := od.readChecked(index, subindex, INTEGER32)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(data)), nil
}

// ReadString returns the stored value for a VISIBLE_STRING variable,
// trimmed at the first NUL byte.
func (od *ObjectDictionary) ReadString(index uint16, subindex uint8) (string, error) {
	variable, err := od.variable(index, subindex)
	if err != nil {
		return "", err
	}
	if variable.DataType != VISIBLE_STRING && variable.DataType != OCTET_STRING {
		return "", ErrTypeMismatch
	}
	data := variable.value
	for i, b := range data {
		if b == 0 {
			data = data[:i]
			break
		}
	}
	return string(data), nil
}

// WriteRaw replaces the stored value for index:subindex.
func (od *ObjectDictionary) WriteRaw(index uint16, subindex uint8, data []byte) error {
	variable, err := od.variable(index, subindex)
	if err != nil {
		return err
	}
	value := make([]byte, len(data))
	copy(value, data)
	variable.value = value
	return nil
}

// ConfiguredObjects enumerates the objects whose value was explicitly
// set in the DCF and which are both readable and writable, in
// ascending index order with ascending sub-indexes.
func (od *ObjectDictionary) ConfiguredObjects() []ConfiguredObject {
	indexes := make([]uint16, 0, len(od.entriesByIndexValue))
	for index := range od.entriesByIndexValue {
		indexes = append(indexes, index)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	result := make([]ConfiguredObject, 0, len(indexes))
	for _, index := range indexes {
		entry := od.entriesByIndexValue[index]
		subs := make([]uint8, 0, len(entry.variables))
		for sub, variable := range entry.variables {
			if variable.explicit && variable.Attribute&AttributeSdoRw == AttributeSdoRw {
				subs = append(subs, sub)
			}
		}
		if len(subs) == 0 {
			continue
		}
		sort.Slice(subs, func(i, j int) bool { return subs[i] < subs[j] })
		result = append(result, ConfiguredObject{Index: index, SubIndexes: subs})
	}
	return result
}
