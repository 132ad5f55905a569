package driver

import (
	"github.com/flmayr/gocanmaster/pkg/od"
)

// Flag bits of the COB-ID entry are not part of the arbitration id
const cobIdValueMask uint32 = 0x1FFFFFFF

// inferFollowerFromRpdo detects follower relationships through the COB
// IDs in the RPDO configuration: if two nodes share the same COB-ID,
// the node with the higher id follows the node with the lower id.
func (d *BaseDriver) inferFollowerFromRpdo(index uint16) {
	cobId, err := d.dict.ReadUint32(index, 1)
	if err != nil {
		return
	}
	cobId &= cobIdValueMask
	first := d.registry.FirstNodeUsingRpdoCobId(cobId)
	if first == 0 {
		d.registry.ClaimRpdoCobId(d.nodeId, cobId)
		return
	}
	d.pairWith(first)
}

func (d *BaseDriver) pairWith(otherNodeId uint8) {
	switch {
	case otherNodeId < d.nodeId:
		// This node becomes the follower
		d.follows = otherNodeId
		if peer := d.registry.Driver(otherNodeId); peer != nil {
			peer.SetFollowing(d.nodeId)
		}
		d.logger.Infof("[CONFIG] follower relationship: x%02x follows x%02x", d.nodeId, otherNodeId)
	case otherNodeId > d.nodeId:
		// This node becomes the main
		d.following = otherNodeId
		if peer := d.registry.Driver(otherNodeId); peer != nil {
			peer.SetFollows(d.nodeId)
		}
		d.logger.Infof("[CONFIG] follower relationship: x%02x follows x%02x", otherNodeId, d.nodeId)
	}
}

// inferFollowerFromSelectorTable resolves follower relationships for
// binary-DCF configurations, where the PDO parameters are not part of
// the replayed object list. The master dictionary carries a selector
// table at 0x5C00 with (rpdoNb << 8) | nodeId entries referencing the
// master-side PDO slots at 0x1800.
func (d *BaseDriver) inferFollowerFromSelectorTable() {
	masterDict := d.registry.Dictionary()
	if masterDict == nil {
		return
	}

	// 1) Find the selector entry for this node's first RPDO
	for selector := od.EntryPDOSelectorStart; selector <= od.EntryPDOSelectorEnd; selector++ {
		value, err := masterDict.ReadUint32(selector, 0)
		if err != nil {
			// No entry found, no config available
			return
		}
		if 0x0100+uint32(d.nodeId) != value&0xFFFF {
			continue
		}

		// 2) Get the corresponding COB-ID from the master PDO config
		cobConfigIndex := selector - od.EntryPDOSelectorStart + od.EntryTPDOCommunicationStart
		cobId, err := masterDict.ReadUint32(cobConfigIndex, 1)
		if err != nil {
			// No PDO config on master side, no COB-ID
			return
		}
		cobId &= 0x7FF

		// 3) Check if another PDO config uses the same COB-ID
		for other := od.EntryTPDOCommunicationStart; other <= od.EntryTPDOCommunicationEnd; other++ {
			if other == cobConfigIndex {
				continue
			}
			otherCobId, err := masterDict.ReadUint32(other, 1)
			if err != nil {
				return
			}
			if otherCobId&0x7FF != cobId {
				continue
			}

			// 4) Found a shared COB-ID, read the peer's selector entry
			otherSelector := other - od.EntryTPDOCommunicationStart + od.EntryPDOSelectorStart
			otherConfig, err := masterDict.ReadUint32(otherSelector, 0)
			if err != nil {
				return
			}
			otherConfig &= 0xFFFF
			if otherConfig&0xFF00 != 0x0100 {
				// Entry is for a different RPDO index
				return
			}

			// 5) The node with the higher id becomes the follower
			d.pairWith(uint8(otherConfig))
			return
		}
	}
}
