package wal

import (
	"time"

	"github.com/zhoumingliang/innostore/storage/basic"
	"github.com/zhoumingliang/innostore/util"
)

// LogRecordType 日志记录类型
type LogRecordType uint8

const (
	LOG_RECORD_BEGIN LogRecordType = iota + 1
	LOG_RECORD_UPDATE
	LOG_RECORD_COMMIT
	LOG_RECORD_ABORT
	LOG_RECORD_COMPENSATE // 补偿日志
	LOG_RECORD_CHECKPOINT
)

func (t LogRecordType) String() string {
	switch t {
	case LOG_RECORD_BEGIN:
		return "BEGIN"
	case LOG_RECORD_UPDATE:
		return "UPDATE"
	case LOG_RECORD_COMMIT:
		return "COMMIT"
	case LOG_RECORD_ABORT:
		return "ABORT"
	case LOG_RECORD_COMPENSATE:
		return "COMPENSATE"
	case LOG_RECORD_CHECKPOINT:
		return "CHECKPOINT"
	default:
		return "UNKNOWN"
	}
}

// LogRecord 日志记录，LSN分配后不可变更
type LogRecord struct {
	LSN     basic.LSN     // 日志序列号
	PrevLSN basic.LSN     // 同事务上一条记录的LSN
	TrxID   basic.TrxID   // 事务ID
	Type    LogRecordType // 记录类型
	PageID  basic.PageID  // 目标页面
	RowID   basic.RowID   // 目标行
	Payload []byte        // 记录内容(逻辑格式，未压缩)
}

// UpdateImage Update记录的前后镜像
type UpdateImage struct {
	Before []byte
	After  []byte
}

// EncodeUpdatePayload 编码Update记录内容
func EncodeUpdatePayload(before, after []byte) []byte {
	buf := make([]byte, 0, 8+len(before)+len(after))
	buf = util.WriteBytesWithLen(buf, before)
	buf = util.WriteBytesWithLen(buf, after)
	return buf
}

// DecodeUpdatePayload 解码Update记录内容
func DecodeUpdatePayload(payload []byte) (*UpdateImage, error) {
	cursor, before, err := util.ReadBytesWithLen(payload, 0)
	if err != nil {
		return nil, ErrBadRecord
	}
	_, after, err := util.ReadBytesWithLen(payload, cursor)
	if err != nil {
		return nil, ErrBadRecord
	}
	return &UpdateImage{Before: before, After: after}, nil
}

// EncodeCompensatePayload 编码补偿记录内容。
// undoNext指向被补偿记录的PrevLSN，恢复中断后从该处继续回滚。
func EncodeCompensatePayload(undoNext basic.LSN, image []byte) []byte {
	buf := make([]byte, 0, 12+len(image))
	buf = util.WriteUB8(buf, uint64(undoNext))
	buf = util.WriteBytesWithLen(buf, image)
	return buf
}

// DecodeCompensatePayload 解码补偿记录内容
func DecodeCompensatePayload(payload []byte) (basic.LSN, []byte, error) {
	cursor, undoNext, err := util.ReadUB8(payload, 0)
	if err != nil {
		return 0, nil, ErrBadRecord
	}
	_, image, err := util.ReadBytesWithLen(payload, cursor)
	if err != nil {
		return 0, nil, ErrBadRecord
	}
	return basic.LSN(undoNext), image, nil
}

// ActiveTxnEntry 检查点中的活跃事务表项
type ActiveTxnEntry struct {
	TrxID    basic.TrxID
	FirstLSN basic.LSN
	LastLSN  basic.LSN
}

// DirtyPageEntry 检查点中的脏页表项
type DirtyPageEntry struct {
	PageKey uint64
	RecLSN  basic.LSN
}

// CheckpointData 检查点内容：活跃事务表+脏页表
type CheckpointData struct {
	ActiveTxns []ActiveTxnEntry
	DirtyPages []DirtyPageEntry
}

// Encode 编码检查点内容
func (c *CheckpointData) Encode() []byte {
	buf := make([]byte, 0, 8+24*len(c.ActiveTxns)+16*len(c.DirtyPages))
	buf = util.WriteUB4(buf, uint32(len(c.ActiveTxns)))
	for _, e := range c.ActiveTxns {
		buf = util.WriteUB8Long(buf, int64(e.TrxID))
		buf = util.WriteUB8(buf, uint64(e.FirstLSN))
		buf = util.WriteUB8(buf, uint64(e.LastLSN))
	}
	buf = util.WriteUB4(buf, uint32(len(c.DirtyPages)))
	for _, e := range c.DirtyPages {
		buf = util.WriteUB8(buf, e.PageKey)
		buf = util.WriteUB8(buf, uint64(e.RecLSN))
	}
	return buf
}

// DecodeCheckpointData 解码检查点内容
func DecodeCheckpointData(payload []byte) (*CheckpointData, error) {
	data := &CheckpointData{}
	cursor, n, err := util.ReadUB4(payload, 0)
	if err != nil {
		return nil, ErrBadRecord
	}
	for i := uint32(0); i < n; i++ {
		var e ActiveTxnEntry
		var trxID int64
		var v uint64
		if cursor, trxID, err = util.ReadUB8Long(payload, cursor); err != nil {
			return nil, ErrBadRecord
		}
		e.TrxID = basic.TrxID(trxID)
		if cursor, v, err = util.ReadUB8(payload, cursor); err != nil {
			return nil, ErrBadRecord
		}
		e.FirstLSN = basic.LSN(v)
		if cursor, v, err = util.ReadUB8(payload, cursor); err != nil {
			return nil, ErrBadRecord
		}
		e.LastLSN = basic.LSN(v)
		data.ActiveTxns = append(data.ActiveTxns, e)
	}
	cursor, n, err = util.ReadUB4(payload, cursor)
	if err != nil {
		return nil, ErrBadRecord
	}
	for i := uint32(0); i < n; i++ {
		var e DirtyPageEntry
		var v uint64
		if cursor, e.PageKey, err = util.ReadUB8(payload, cursor); err != nil {
			return nil, ErrBadRecord
		}
		if cursor, v, err = util.ReadUB8(payload, cursor); err != nil {
			return nil, ErrBadRecord
		}
		e.RecLSN = basic.LSN(v)
		data.DirtyPages = append(data.DirtyPages, e)
	}
	return data, nil
}

// LogStats 日志统计信息
type LogStats struct {
	TotalRecords   uint64        // 总日志数
	TotalBytes     uint64        // 总大小
	FlushCount     uint64        // 刷盘次数
	GroupedFlushes uint64        // 被合并的刷盘请求数
	FlushLatency   time.Duration // 最近一次刷盘耗时
}

// LogConfig 日志配置
type LogConfig struct {
	LogDir        string        // 日志目录
	Compression   string        // 压缩编解码: none/snappy/lz4
	FlushInterval time.Duration // 后台刷盘间隔，0表示不启动后台刷盘
}
