package od

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const testDCF = `
[DeviceComissioning]
NodeID=3

[2000]
ParameterName=Test Uint16
ObjectType=0x7
DataType=0x0006
AccessType=rw
DefaultValue=0x1234
ParameterValue=0x2222

[2001]
ParameterName=Test Int32
ObjectType=0x7
DataType=0x0004
AccessType=rw
ParameterValue=-100000

[2002]
ParameterName=Read Only
ObjectType=0x7
DataType=0x0005
AccessType=ro
ParameterValue=0x1

[2003]
ParameterName=No Parameter Value
ObjectType=0x7
DataType=0x0005
AccessType=rw
DefaultValue=0x42

[1400]
ParameterName=RPDO communication parameter
ObjectType=0x9

[1400sub1]
ParameterName=COB-ID used by RPDO
DataType=0x0007
AccessType=rw
ParameterValue=$NODEID+0x200

[1400sub2]
ParameterName=Transmission type
DataType=0x0005
AccessType=rw
ParameterValue=0xFE
`

func parseTestDCF(t *testing.T) *ObjectDictionary {
	dict, err := Parse([]byte(testDCF), 3, nil)
	assert.Nil(t, err)
	return dict
}

func TestParseTypedReads(t *testing.T) {
	dict := parseTestDCF(t)

	value, err := dict.ReadUint16(0x2000, 0)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x2222, value)

	signed, err := dict.ReadInt32(0x2001, 0)
	assert.Nil(t, err)
	assert.EqualValues(t, -100000, signed)

	// $NODEID expression adds the node id
	cobId, err := dict.ReadUint32(0x1400, 1)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x203, cobId)

	_, err = dict.ReadUint8(0x2000, 0)
	assert.Equal(t, ErrTypeMismatch, err)

	_, err = dict.ReadUint16(0x6000, 0)
	assert.Equal(t, ErrIdxNotExist, err)

	_, err = dict.ReadUint16(0x2000, 5)
	assert.Equal(t, ErrSubNotExist, err)
}

func TestTypeOf(t *testing.T) {
	dict := parseTestDCF(t)

	datatype, err := dict.TypeOf(0x2000, 0)
	assert.Nil(t, err)
	assert.Equal(t, UNSIGNED16, datatype)

	datatype, err = dict.TypeOf(0x1400, 2)
	assert.Nil(t, err)
	assert.Equal(t, UNSIGNED8, datatype)

	_, err = dict.TypeOf(0x6000, 0)
	assert.Equal(t, ErrIdxNotExist, err)
}

func TestConfiguredObjects(t *testing.T) {
	dict := parseTestDCF(t)
	objects := dict.ConfiguredObjects()

	// Ascending index order, read-only and default-only entries are
	// not part of the configuration
	indexes := make([]uint16, 0)
	for _, object := range objects {
		indexes = append(indexes, object.Index)
	}
	assert.Equal(t, []uint16{0x1400, 0x2000, 0x2001}, indexes)
	assert.Equal(t, []uint8{1, 2}, objects[0].SubIndexes)
}

func TestConfiguredObjectsEmpty(t *testing.T) {
	dict := NewOD(nil, 5)
	assert.Empty(t, dict.ConfiguredObjects())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		datatype uint8
		value    string
		expected any
	}{
		{BOOLEAN, "1", true},
		{INTEGER8, "-5", int8(-5)},
		{INTEGER16, "-1000", int16(-1000)},
		{INTEGER32, "-100000", int32(-100000)},
		{UNSIGNED8, "0xFE", uint8(0xFE)},
		{UNSIGNED16, "0xABCD", uint16(0xABCD)},
		{UNSIGNED32, "0x12345678", uint32(0x12345678)},
	}
	for _, c := range cases {
		encoded, err := EncodeFromString(c.value, c.datatype, 0)
		assert.Nil(t, err)
		decoded, err := DecodeToTypeExact(encoded, c.datatype)
		assert.Nil(t, err)
		assert.Equal(t, c.expected, decoded)

		reEncoded, err := EncodeFromTypeExact(decoded)
		assert.Nil(t, err)
		assert.Equal(t, encoded, reEncoded)
	}
}

func TestWriteRaw(t *testing.T) {
	dict := parseTestDCF(t)
	err := dict.WriteRaw(0x2000, 0, []byte{0x34, 0x12})
	assert.Nil(t, err)
	value, err := dict.ReadUint16(0x2000, 0)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x1234, value)
}

func TestReadString(t *testing.T) {
	dict := NewOD(nil, 0)
	_, err := dict.AddVariable(0x1F20, 3, "slave dcf", VISIBLE_STRING, AttributeSdoRw, "slave3.dcf", false)
	assert.Nil(t, err)
	filename, err := dict.ReadString(0x1F20, 3)
	assert.Nil(t, err)
	assert.Equal(t, "slave3.dcf", filename)

	// Cleared filename reads as empty
	assert.Nil(t, dict.WriteRaw(0x1F20, 3, []byte{}))
	filename, err = dict.ReadString(0x1F20, 3)
	assert.Nil(t, err)
	assert.Equal(t, "", filename)
}
