package manager

import (
	"io"
	"sort"

	"github.com/pkg/errors"

	"github.com/zhoumingliang/innostore/logger"
	"github.com/zhoumingliang/innostore/storage/basic"
	"github.com/zhoumingliang/innostore/storage/blocks"
	"github.com/zhoumingliang/innostore/storage/buffer_pool"
	"github.com/zhoumingliang/innostore/storage/wal"
)

// RecoveryStats 恢复统计
type RecoveryStats struct {
	RecordsScanned uint64
	RedoApplied    uint64
	UndoApplied    uint64
	LoserTxns      int
	CommittedTxns  int
	CorruptPages   uint64
	LogTruncated   bool
	NextTrxID      basic.TrxID
}

// attEntry 分析阶段重建的活跃事务表项
type attEntry struct {
	firstLSN basic.LSN
	lastLSN  basic.LSN
	records  []*wal.LogRecord // 该事务的修改记录，撤销阶段使用
}

// RecoveryManager 三阶段崩溃恢复：分析、重做、撤销。
// 重做重演全部历史(包括输家事务)，撤销为每步写补偿日志，
// 恢复过程中再次崩溃可以安全重来。
type RecoveryManager struct {
	wal  *wal.Manager
	pool *buffer_pool.BufferPool
	rows *RowStore
}

// NewRecoveryManager 创建恢复管理器
func NewRecoveryManager(w *wal.Manager, pool *buffer_pool.BufferPool, rows *RowStore) *RecoveryManager {
	return &RecoveryManager{wal: w, pool: pool, rows: rows}
}

// Recover 执行恢复，返回统计。日志最后一帧没写完整时截断到最后一条
// 完整记录；完整帧损坏意味着丢失已提交的修改，恢复直接失败。
// 页面损坏时跳过该页面继续，留给上层上报。
func (rm *RecoveryManager) Recover() (*RecoveryStats, error) {
	stats := &RecoveryStats{}

	att, dpt, maxTrx, err := rm.analyze(stats)
	if err != nil {
		return stats, err
	}
	stats.LoserTxns = len(att)
	stats.NextTrxID = maxTrx + 1

	if err := rm.redo(dpt, stats); err != nil {
		return stats, err
	}
	if err := rm.undo(att, stats); err != nil {
		return stats, err
	}

	if err := rm.wal.Flush(rm.wal.AppendedLSN()); err != nil {
		return stats, err
	}
	// 恢复产生的页面修改立即落盘，缩短下次恢复的重做距离
	if err := rm.pool.FlushAll(); err != nil {
		return stats, err
	}

	logger.Infof("recovery done: scanned=%d redo=%d undo=%d losers=%d committed=%d corrupt_pages=%d",
		stats.RecordsScanned, stats.RedoApplied, stats.UndoApplied,
		stats.LoserTxns, stats.CommittedTxns, stats.CorruptPages)
	return stats, nil
}

// analyze 分析阶段：全量扫描重建活跃事务表和脏页表。
// 已提交/已回滚事务的记录随即丢弃，内存只保留潜在输家的修改记录。
func (rm *RecoveryManager) analyze(stats *RecoveryStats) (map[basic.TrxID]*attEntry, map[uint64]basic.LSN, basic.TrxID, error) {
	att := make(map[basic.TrxID]*attEntry)
	dpt := make(map[uint64]basic.LSN)
	var maxTrx basic.TrxID

	it, err := rm.wal.ReadFrom(1)
	if err != nil {
		return nil, nil, 0, err
	}
	defer it.Close()

	var lastGoodLSN basic.LSN
	for {
		rec, rerr := it.Next()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if !matches(rerr, wal.ErrTruncatedTail) {
				// 完整帧损坏会丢失已提交的修改，必须让恢复失败
				return nil, nil, 0, errors.Wrapf(rerr, "wal corrupt at offset %d during analysis",
					it.LastGoodOffset())
			}
			// 最后一帧没写完整：截断到最后一条完整记录，之后的修改视为未发生
			logger.Warnf("truncating incomplete wal tail at offset %d during analysis",
				it.LastGoodOffset())
			if terr := rm.wal.TruncateTo(it.LastGoodOffset(), lastGoodLSN); terr != nil {
				return nil, nil, 0, terr
			}
			stats.LogTruncated = true
			break
		}
		stats.RecordsScanned++
		lastGoodLSN = rec.LSN
		if rec.TrxID > maxTrx {
			maxTrx = rec.TrxID
		}

		switch rec.Type {
		case wal.LOG_RECORD_BEGIN:
			att[rec.TrxID] = &attEntry{firstLSN: rec.LSN, lastLSN: rec.LSN}
		case wal.LOG_RECORD_UPDATE, wal.LOG_RECORD_COMPENSATE:
			e := att[rec.TrxID]
			if e == nil {
				e = &attEntry{firstLSN: rec.LSN}
				att[rec.TrxID] = e
			}
			e.lastLSN = rec.LSN
			e.records = append(e.records, rec)
			if _, ok := dpt[rec.PageID.Key()]; !ok {
				dpt[rec.PageID.Key()] = rec.LSN
			}
		case wal.LOG_RECORD_COMMIT:
			delete(att, rec.TrxID)
			stats.CommittedTxns++
		case wal.LOG_RECORD_ABORT:
			// Abort记录意味着回滚已完成，补偿记录都在日志里
			delete(att, rec.TrxID)
		case wal.LOG_RECORD_CHECKPOINT:
			data, derr := wal.DecodeCheckpointData(rec.Payload)
			if derr != nil {
				logger.Warnf("undecodable checkpoint at lsn=%d: %v", rec.LSN, derr)
				continue
			}
			for _, d := range data.DirtyPages {
				if cur, ok := dpt[d.PageKey]; !ok || d.RecLSN < cur {
					dpt[d.PageKey] = d.RecLSN
				}
			}
			// 检查点记录的活跃事务可能在扫描起点之前开始
			for _, a := range data.ActiveTxns {
				if _, ok := att[a.TrxID]; !ok {
					att[a.TrxID] = &attEntry{firstLSN: a.FirstLSN, lastLSN: a.LastLSN}
				}
				if a.TrxID > maxTrx {
					maxTrx = a.TrxID
				}
			}
		}
	}
	return att, dpt, maxTrx, nil
}

// redo 重做阶段：从脏页表最小recLSN开始重演历史。
// 页面LSN不落后于记录LSN的修改已在盘上，跳过。
func (rm *RecoveryManager) redo(dpt map[uint64]basic.LSN, stats *RecoveryStats) error {
	if len(dpt) == 0 {
		return nil
	}
	start := basic.LSN(0)
	for _, recLSN := range dpt {
		if start == 0 || recLSN < start {
			start = recLSN
		}
	}

	badPages := make(map[uint64]struct{})

	it, err := rm.wal.ReadFrom(start)
	if err != nil {
		return err
	}
	defer it.Close()

	for {
		rec, rerr := it.Next()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			// 分析阶段已截断尾部，这里不应再遇到损坏
			return errors.Wrap(rerr, "redo scan")
		}
		if rec.Type != wal.LOG_RECORD_UPDATE && rec.Type != wal.LOG_RECORD_COMPENSATE {
			continue
		}
		key := rec.PageID.Key()
		recLSN, dirty := dpt[key]
		if !dirty || rec.LSN < recLSN {
			continue
		}
		if _, bad := badPages[key]; bad {
			continue
		}

		after, derr := redoImage(rec)
		if derr != nil {
			return derr
		}
		applied, aerr := rm.rows.ApplyImage(rec.LSN, uint64(rec.PageID.Space), rec.RowID, after)
		if aerr != nil {
			if matches(aerr, blocks.ErrCorruptPage) {
				// 页面损坏：跳过该页面的所有重做，其余恢复继续
				logger.Errorf("skipping corrupt page %s during redo: %v", rec.PageID, aerr)
				badPages[key] = struct{}{}
				stats.CorruptPages++
				continue
			}
			return aerr
		}
		if applied {
			stats.RedoApplied++
		}
	}
	return nil
}

// redoImage 记录重做时应写入的行镜像，空值表示删除
func redoImage(rec *wal.LogRecord) ([]byte, error) {
	switch rec.Type {
	case wal.LOG_RECORD_UPDATE:
		img, err := wal.DecodeUpdatePayload(rec.Payload)
		if err != nil {
			return nil, err
		}
		return img.After, nil
	case wal.LOG_RECORD_COMPENSATE:
		_, image, err := wal.DecodeCompensatePayload(rec.Payload)
		if err != nil {
			return nil, err
		}
		return image, nil
	}
	return nil, wal.ErrBadRecord
}

// undo 撤销阶段：回滚所有输家事务。
// 已有补偿记录的修改不再重复撤销；每撤销一步写一条新的补偿记录。
func (rm *RecoveryManager) undo(att map[basic.TrxID]*attEntry, stats *RecoveryStats) error {
	losers := make([]basic.TrxID, 0, len(att))
	for trxID := range att {
		losers = append(losers, trxID)
	}
	// 固定次序，恢复结果可复现
	sort.Slice(losers, func(i, j int) bool { return losers[i] > losers[j] })

	for _, trxID := range losers {
		e := att[trxID]
		if err := rm.undoTxn(trxID, e, stats); err != nil {
			return err
		}
	}
	return nil
}

func (rm *RecoveryManager) undoTxn(trxID basic.TrxID, e *attEntry, stats *RecoveryStats) error {
	logger.Infof("rolling back loser trx %d (%d records)", trxID, len(e.records))

	// 之前中断的回滚留下的补偿记录划定了已撤销区间
	undoLimit := basic.LSN(^uint64(0))
	for _, rec := range e.records {
		if rec.Type == wal.LOG_RECORD_COMPENSATE {
			undoNext, _, err := wal.DecodeCompensatePayload(rec.Payload)
			if err != nil {
				return err
			}
			if undoNext < undoLimit {
				undoLimit = undoNext
			}
		}
	}

	lastLSN := e.lastLSN
	for i := len(e.records) - 1; i >= 0; i-- {
		rec := e.records[i]
		if rec.Type != wal.LOG_RECORD_UPDATE || rec.LSN > undoLimit {
			continue
		}
		img, err := wal.DecodeUpdatePayload(rec.Payload)
		if err != nil {
			return err
		}

		clr, err := rm.wal.Append(&wal.LogRecord{
			PrevLSN: lastLSN,
			TrxID:   trxID,
			Type:    wal.LOG_RECORD_COMPENSATE,
			PageID:  rec.PageID,
			RowID:   rec.RowID,
			Payload: wal.EncodeCompensatePayload(rec.PrevLSN, img.Before),
		})
		if err != nil {
			return err
		}
		lastLSN = clr

		if _, err := rm.rows.ApplyImage(clr, uint64(rec.PageID.Space), rec.RowID, img.Before); err != nil {
			if matches(err, blocks.ErrCorruptPage) {
				logger.Errorf("skipping corrupt page %s during undo: %v", rec.PageID, err)
				stats.CorruptPages++
				continue
			}
			return err
		}
		stats.UndoApplied++
	}

	_, err := rm.wal.Append(&wal.LogRecord{
		PrevLSN: lastLSN,
		TrxID:   trxID,
		Type:    wal.LOG_RECORD_ABORT,
	})
	return err
}
