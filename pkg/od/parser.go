package od

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// Get index & subindex matching
var matchIdxRegExp = regexp.MustCompile(`^[0-9A-Fa-f]{4}$`)
var matchSubidxRegExp = regexp.MustCompile(`^([0-9A-Fa-f]{4})[Ss]ub([0-9A-Fa-f]+)$`)

// Parse a DCF file into an [ObjectDictionary].
// file can be either a path, an *os.File or a []byte.
// Values carrying an explicit ParameterValue are flagged, these are
// the objects the configuration engine will push to the device.
func Parse(file any, nodeId uint8, logger *slog.Logger) (*ObjectDictionary, error) {
	dict := NewOD(logger, nodeId)

	dcfFile, err := ini.Load(file)
	if err != nil {
		return nil, err
	}

	for _, section := range dcfFile.Sections() {
		sectionName := section.Name()

		switch {
		case matchIdxRegExp.MatchString(sectionName):
			idx, err := strconv.ParseUint(sectionName, 16, 16)
			if err != nil {
				return nil, err
			}
			index := uint16(idx)
			name := section.Key("ParameterName").String()
			objType, err := strconv.ParseUint(section.Key("ObjectType").Value(), 0, 8)
			objectType := uint8(objType)
			// If no object type, default to 7 (CiA spec)
			if err != nil {
				objectType = ObjectTypeVAR
			}

			switch objectType {
			case ObjectTypeVAR, ObjectTypeDOMAIN:
				if err := addSectionVariable(dict, section, index, 0, name, nodeId); err != nil {
					return nil, err
				}
			case ObjectTypeARRAY, ObjectTypeRECORD:
				// Entry itself carries no value, sub sections will follow
				dict.addEntry(index, name, objectType)
			default:
				return nil, fmt.Errorf("unknown object type %v whilst parsing DCF", objectType)
			}

		case matchSubidxRegExp.MatchString(sectionName):
			// Index part are the first 4 letters (a subindex entry looks like 5000sub1)
			idx, err := strconv.ParseUint(sectionName[0:4], 16, 16)
			if err != nil {
				return nil, err
			}
			index := uint16(idx)
			// Subindex part is from the 8th letter onwards
			sidx, err := strconv.ParseUint(sectionName[7:], 16, 8)
			if err != nil {
				return nil, err
			}
			subindex := uint8(sidx)
			name := section.Key("ParameterName").String()
			if dict.Index(index) == nil {
				return nil, fmt.Errorf("sub section %v found before entry x%x", sectionName, index)
			}
			if err := addSectionVariable(dict, section, index, subindex, name, nodeId); err != nil {
				return nil, err
			}
		}
	}

	return dict, nil
}

var nodeIdRegExp = regexp.MustCompile(`\+?\$NODEID\+?`)

func addSectionVariable(
	dict *ObjectDictionary,
	section *ini.Section,
	index uint16,
	subindex uint8,
	name string,
	nodeId uint8,
) error {
	var datatype uint8 = UNSIGNED32
	if key, err := section.GetKey("DataType"); err == nil {
		parsed, err := strconv.ParseUint(key.Value(), 0, 8)
		if err != nil {
			return fmt.Errorf("failed to parse 'DataType' for x%x|x%x : %v", index, subindex, err)
		}
		datatype = uint8(parsed)
	}

	accessType := section.Key("AccessType").String()
	pdoMapping := false
	if key, err := section.GetKey("PDOMapping"); err == nil {
		parsed, _ := key.Bool()
		pdoMapping = parsed
	}
	attribute := EncodeAttribute(accessType, pdoMapping, datatype)

	// ParameterValue wins over DefaultValue and marks the object as
	// explicitly configured
	value := section.Key("DefaultValue").String()
	explicit := false
	if key, err := section.GetKey("ParameterValue"); err == nil {
		value = key.Value()
		explicit = true
	}

	// If $NODEID is in the value then remove it, and add it afterwards
	offset := uint8(0)
	if strings.Contains(value, "$NODEID") {
		value = nodeIdRegExp.ReplaceAllString(value, "")
		offset = nodeId
	}

	variable, err := dict.AddVariable(index, subindex, name, datatype, attribute, value, explicit)
	if err != nil {
		return fmt.Errorf("failed to parse value for x%x|x%x : %v (datatype x%x)", index, subindex, err, datatype)
	}
	if offset != 0 {
		encoded, err := EncodeFromString(value, datatype, offset)
		if err != nil {
			return fmt.Errorf("failed to parse value for x%x|x%x : %v (datatype x%x)", index, subindex, err, datatype)
		}
		variable.value = encoded
	}
	return nil
}
