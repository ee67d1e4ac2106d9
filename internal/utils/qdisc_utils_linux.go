// Qdisc stats

//go:build linux

package utils

import (
	"github.com/ema/qdisc"
)

var QdiscAvail = true

func (qdiscInfo *QdiscInfo) Get() error {
	qdiscList, err := qdisc.Get()
	if err != nil {
		return err
	}
	for _, q := range qdiscList {
		qdiscInfo.update(q.IfaceName, q.Kind, q.Parent, q.Handle, q.Drops, q.Qlen, q.Backlog)
	}
	qdiscInfo.endScan()
	return nil
}
