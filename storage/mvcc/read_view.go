package mvcc

import "github.com/zhoumingliang/innostore/storage/basic"

// ReadView 一致性读视图。
// 快照时间戳取创建时刻WAL已分配的最大LSN，
// 提交LSN不超过该值的事务对本视图可见。
type ReadView struct {
	trxID     basic.TrxID
	snapLSN   basic.LSN
	isolation basic.IsolationLevel
}

// NewReadView 创建读视图
func NewReadView(trxID basic.TrxID, snapLSN basic.LSN, isolation basic.IsolationLevel) *ReadView {
	return &ReadView{trxID: trxID, snapLSN: snapLSN, isolation: isolation}
}

// TrxID 视图所属事务
func (rv *ReadView) TrxID() basic.TrxID { return rv.trxID }

// SnapshotLSN 快照时间戳
func (rv *ReadView) SnapshotLSN() basic.LSN { return rv.snapLSN }

// committedBefore 给定提交时间戳是否在快照之前提交
func (rv *ReadView) committedBefore(ts basic.LSN) bool {
	return ts > 0 && ts <= rv.snapLSN
}

// Visible 版本对本视图是否可见。
// 规则：创建者在快照前提交，且(无删除者，或删除者未在快照前提交，
// 或删除者就是本事务)。读未提交隔离级别下放宽创建者已提交的要求。
func (rv *ReadView) Visible(v *Version) bool {
	if v == nil {
		return false
	}

	created := false
	switch {
	case v.CreatorTrx == rv.trxID:
		// 自己的修改总是可见，包括未提交的pending版本
		created = true
	case rv.isolation == basic.ReadUncommitted:
		created = true
	default:
		created = rv.committedBefore(v.CommitTS)
	}
	if !created {
		return false
	}

	if v.DeleterTrx == 0 {
		return true
	}
	if v.DeleterTrx == rv.trxID {
		return true
	}
	if rv.isolation == basic.ReadUncommitted {
		// 读未提交也能看到未提交的删除
		return false
	}
	return !rv.committedBefore(v.DeleteTS)
}
