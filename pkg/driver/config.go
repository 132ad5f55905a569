package driver

import (
	"errors"

	"github.com/flmayr/gocanmaster/pkg/od"
	"github.com/flmayr/gocanmaster/pkg/sdo"
)

// PDO invalid bit inside the COB-ID entry (sub-index 1)
const cobIdInvalidBit uint32 = 0x80000000

// Offset between a PDO communication parameter and its mapping
// parameter (0x1400 -> 0x1600, 0x1800 -> 0x1A00)
const mappingOffset uint16 = 0x200

// A locally absent object may legitimately be skipped for optional
// sub-indexes like the inhibit time.
func isMissingLocal(err error) bool {
	return errors.Is(err, od.ErrIdxNotExist) ||
		errors.Is(err, od.ErrSubNotExist) ||
		errors.Is(err, sdo.AbortNotExist) ||
		errors.Is(err, sdo.AbortSubUnknown)
}

// configSession replays the explicitly configured DCF objects of one
// node, one SDO at a time. Processing stops at the first error, which
// is reported as a [ConfigError].
type configSession struct {
	driver  *BaseDriver
	objects []od.ConfiguredObject
	res     func(err error)
}

func (d *BaseDriver) configure(res func(err error)) {
	session := &configSession{
		driver:  d,
		objects: d.dict.ConfiguredObjects(),
		res:     res,
	}
	d.logger.Infof("[CONFIG] transferring %v configured objects", len(session.objects))
	session.nextObject(0)
}

func (s *configSession) nextObject(position int) {
	if position >= len(s.objects) {
		s.res(nil)
		return
	}
	object := s.objects[position]
	switch {
	case object.Index >= od.EntryRPDOCommunicationStart && object.Index <= od.EntryRPDOCommunicationEnd:
		s.driver.inferFollowerFromRpdo(object.Index)
		s.configurePDO(position)
	case object.Index >= od.EntryTPDOCommunicationStart && object.Index <= od.EntryTPDOCommunicationEnd:
		s.configurePDO(position)
	case object.Index >= od.EntryRPDOMappingStart && object.Index <= od.EntryTPDOMappingEnd:
		// Mappings are pulled in by their paired control object
		s.nextObject(position + 1)
	default:
		s.configureParameters(s.objects[position], 0, func(err error) {
			if err != nil {
				s.res(err)
				return
			}
			s.nextObject(position + 1)
		})
	}
}

// configureParameters copies the configured sub-indexes of an ordinary
// parameter object to the remote node, in ascending order.
func (s *configSession) configureParameters(object od.ConfiguredObject, position int, done func(err error)) {
	if position >= len(object.SubIndexes) {
		done(nil)
		return
	}
	s.copyParameter(object.Index, object.SubIndexes[position], func(err error) {
		if err != nil {
			done(err)
			return
		}
		s.configureParameters(object, position+1, done)
	})
}

func (s *configSession) copyParameter(index uint16, subindex uint8, done func(err error)) {
	datatype, err := s.driver.dict.TypeOf(index, subindex)
	if err != nil {
		done(&ConfigError{Phase: PhaseReadLocal, Index: index, SubIndex: subindex, Err: err})
		return
	}
	switch datatype {
	case od.BOOLEAN, od.INTEGER8, od.INTEGER16, od.INTEGER32,
		od.UNSIGNED8, od.UNSIGNED16, od.UNSIGNED32:
	default:
		s.driver.logger.Errorf("[CONFIG] cannot transfer data type x%04x for SDO x%04x/x%02x, this data type is not supported",
			datatype, index, subindex)
		done(&ConfigError{Phase: PhaseWriteRemote, Index: index, SubIndex: subindex, Err: sdo.AbortDataTransfer})
		return
	}
	s.copyObject(index, subindex, false, done)
}

// copyObject transfers one local value to the remote node. With
// ignoreMissing, a locally absent object completes without error.
func (s *configSession) copyObject(index uint16, subindex uint8, ignoreMissing bool, done func(err error)) {
	value, err := s.driver.dict.ReadRaw(index, subindex)
	if err != nil {
		if ignoreMissing && isMissingLocal(err) {
			done(nil)
			return
		}
		done(&ConfigError{Phase: PhaseReadLocal, Index: index, SubIndex: subindex, Err: err})
		return
	}
	s.driver.client.SubmitWriteRaw(index, subindex, value, func(idx uint16, sub uint8, err error) {
		if err != nil {
			done(&ConfigError{Phase: PhaseWriteRemote, Index: idx, SubIndex: sub, Err: err})
			return
		}
		done(nil)
	})
}

// configurePDO runs the activation protocol for one PDO: disable,
// transfer communication parameters, rewrite the mapping, re-enable.
func (s *configSession) configurePDO(position int) {
	object := s.objects[position]
	index := object.Index
	mappingIndex := index + mappingOffset

	fail := s.res
	step := func(next func(err error)) func(err error) {
		return func(err error) {
			if err != nil {
				fail(err)
				return
			}
			next(nil)
		}
	}

	s.driver.client.SubmitReadUint32(index, 1, func(remoteCobId uint32, err error) {
		if err != nil {
			fail(&ConfigError{Phase: PhaseReadRemote, Index: index, SubIndex: 1, Err: err})
			return
		}
		// PDO is invalid during reconfiguration
		s.driver.client.SubmitWrite(index, 1, remoteCobId|cobIdInvalidBit, func(_ uint16, _ uint8, err error) {
			if err != nil {
				fail(&ConfigError{Phase: PhaseWriteRemote, Index: index, SubIndex: 1, Err: err})
				return
			}
			// Transmission type from DCF
			s.copyObject(index, 2, false, step(func(error) {
				// Inhibit time if available
				s.copyObject(index, 3, true, step(func(error) {
					// PDO has no mappings, prepare for rewrite
					s.driver.client.SubmitWrite(mappingIndex, 0, uint8(0), func(_ uint16, _ uint8, err error) {
						if err != nil {
							fail(&ConfigError{Phase: PhaseWriteRemote, Index: mappingIndex, SubIndex: 0, Err: err})
							return
						}
						s.writeMappings(mappingIndex, step(func(error) {
							// PDO is valid again, COB-ID from DCF
							s.copyObject(index, 1, false, step(func(error) {
								s.nextObject(position + 1)
							}))
						}))
					})
				}))
			}))
		})
	})
}

// writeMappings copies the configured mapping entries, sub-index 0
// (the mapping count) is committed last according to the PDO protocol.
func (s *configSession) writeMappings(mappingIndex uint16, done func(err error)) {
	var mapping *od.ConfiguredObject
	for i := range s.objects {
		if s.objects[i].Index == mappingIndex {
			mapping = &s.objects[i]
			break
		}
	}
	if mapping == nil {
		// No mappings found, nothing to do
		done(nil)
		return
	}
	subs := mapping.SubIndexes
	var writeEntry func(position int)
	writeEntry = func(position int) {
		if position >= len(subs) {
			// Commit the mapping count
			s.copyObject(mappingIndex, 0, false, done)
			return
		}
		if subs[position] == 0 {
			writeEntry(position + 1)
			return
		}
		s.copyObject(mappingIndex, subs[position], false, func(err error) {
			if err != nil {
				done(err)
				return
			}
			writeEntry(position + 1)
		})
	}
	writeEntry(0)
}
