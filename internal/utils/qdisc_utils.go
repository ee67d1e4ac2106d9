// Qdisc backlog reader, a-la tc -s qdisc show, used as a source of egress
// queue occupancy for hosts acting as software switches.

package utils

import (
	"sort"
)

// Root qdisc parent handle:
const QDISC_PARENT_ROOT = 0xffffffff

const (
	// uint32 indices:
	QDISC_PARENT = iota
	QDISC_HANDLE
	QDISC_DROPS
	QDISC_QLEN
	QDISC_BACKLOG

	// Must be last:
	QDISC_UINT32_NUM_STATS
)

type QdiscIfInfo struct {
	Kind   string
	Uint32 [QDISC_UINT32_NUM_STATS]uint32
	// Scan number used to identify out of scope interfaces:
	scanNum int
}

type QdiscInfo struct {
	// Map info by I/F name, root qdisc only:
	Info map[string]*QdiscIfInfo
	// Scan number used to identify out of scope interfaces; incremented w/
	// every call, I/F's that have scan#(I/F) != scan#, will be removed:
	scanNum int
}

func NewQdiscInfo() *QdiscInfo {
	return &QdiscInfo{
		Info: make(map[string]*QdiscIfInfo),
	}
}

// Sorted list of the interfaces found by the most recent scan:
func (qdiscInfo *QdiscInfo) IfNames() []string {
	ifNames := make([]string, 0, len(qdiscInfo.Info))
	for ifName := range qdiscInfo.Info {
		ifNames = append(ifNames, ifName)
	}
	sort.Strings(ifNames)
	return ifNames
}

func (qdiscInfo *QdiscInfo) update(ifName, kind string, parent, handle, drops, qlen, backlog uint32) {
	if parent != QDISC_PARENT_ROOT {
		return
	}
	qdiscIfInfo := qdiscInfo.Info[ifName]
	if qdiscIfInfo == nil {
		qdiscIfInfo = &QdiscIfInfo{}
		qdiscInfo.Info[ifName] = qdiscIfInfo
	}
	qdiscIfInfo.Kind = kind
	qdiscIfInfo.scanNum = qdiscInfo.scanNum + 1
	qdiscIfInfo.Uint32[QDISC_PARENT] = parent
	qdiscIfInfo.Uint32[QDISC_HANDLE] = handle
	qdiscIfInfo.Uint32[QDISC_DROPS] = drops
	qdiscIfInfo.Uint32[QDISC_QLEN] = qlen
	qdiscIfInfo.Uint32[QDISC_BACKLOG] = backlog
}

func (qdiscInfo *QdiscInfo) endScan() {
	scanNum := qdiscInfo.scanNum + 1
	for ifName, qdiscIfInfo := range qdiscInfo.Info {
		if qdiscIfInfo.scanNum != scanNum {
			delete(qdiscInfo.Info, ifName)
		}
	}
	qdiscInfo.scanNum = scanNum
}
