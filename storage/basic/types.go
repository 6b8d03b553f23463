package basic

import "fmt"

// SpaceID 表空间ID
type SpaceID uint32

// PageNo 页面号
type PageNo uint32

// LSN 日志序列号
type LSN uint64

// TrxID 事务ID类型
type TrxID int64

// RowID 行ID类型
type RowID uint64

// PageID 页面标识(表空间ID+页面号)
type PageID struct {
	Space  SpaceID
	PageNo PageNo
}

// MakePageID 生成页面标识
func MakePageID(space SpaceID, pageNo PageNo) PageID {
	return PageID{Space: space, PageNo: pageNo}
}

// Key 生成页面ID的64位键
func (p PageID) Key() uint64 {
	return uint64(p.Space)<<32 | uint64(p.PageNo)
}

// PageIDFromKey 从64位键还原页面标识
func PageIDFromKey(key uint64) PageID {
	return PageID{Space: SpaceID(key >> 32), PageNo: PageNo(key & 0xFFFFFFFF)}
}

func (p PageID) String() string {
	return fmt.Sprintf("%d:%d", p.Space, p.PageNo)
}

// IsolationLevel 事务隔离级别
type IsolationLevel uint8

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "READ-UNCOMMITTED"
	case ReadCommitted:
		return "READ-COMMITTED"
	case RepeatableRead:
		return "REPEATABLE-READ"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return "UNKNOWN"
	}
}

// 事务状态
type TrxState uint8

const (
	TRX_STATE_ACTIVE TrxState = iota
	TRX_STATE_COMMITTING
	TRX_STATE_COMMITTED
	TRX_STATE_ABORTING
	TRX_STATE_ABORTED
)

func (s TrxState) String() string {
	switch s {
	case TRX_STATE_ACTIVE:
		return "ACTIVE"
	case TRX_STATE_COMMITTING:
		return "COMMITTING"
	case TRX_STATE_COMMITTED:
		return "COMMITTED"
	case TRX_STATE_ABORTING:
		return "ABORTING"
	case TRX_STATE_ABORTED:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}
