package manager

import (
	stderrors "errors"

	jujuerrors "github.com/juju/errors"

	"github.com/zhoumingliang/innostore/storage/blocks"
	"github.com/zhoumingliang/innostore/storage/buffer_pool"
	"github.com/zhoumingliang/innostore/storage/lock"
	"github.com/zhoumingliang/innostore/storage/mvcc"
	"github.com/zhoumingliang/innostore/storage/wal"
)

// 事务层错误
var (
	ErrTxnNotActive = stderrors.New("transaction is not active")
	ErrRowNotFound  = stderrors.New("row not found")
	ErrRowTooLarge  = stderrors.New("row exceeds slot size")
	ErrCoreClosed   = stderrors.New("storage core closed")
)

// Outcome 操作结果分类，调用方据此决定重试还是上报
type Outcome int

const (
	OutcomeOK    Outcome = iota // 成功提交
	OutcomeRetry                // 事务已回滚，重试即可
	OutcomeFatal                // 持久性或存储完整性受损，需要人工介入
	OutcomeError                // 普通错误(如行不存在)，事务仍然有效
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "committed"
	case OutcomeRetry:
		return "aborted-retry"
	case OutcomeFatal:
		return "fatal"
	default:
		return "error"
	}
}

// matches 同时检查标准库错误链和juju风格的Cause链
func matches(err, target error) bool {
	if stderrors.Is(err, target) {
		return true
	}
	return jujuerrors.Cause(err) == target
}

// Classify 错误分类。
// 死锁、锁超时、写冲突、串行化失败都属于可重试；
// 日志刷盘失败和页面损坏属于致命错误。
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	switch {
	case matches(err, lock.ErrDeadlockDetected),
		matches(err, lock.ErrLockTimeout),
		matches(err, mvcc.ErrWriteConflict),
		matches(err, mvcc.ErrSerializationFailure):
		return OutcomeRetry
	case matches(err, wal.ErrFlushFailed),
		matches(err, wal.ErrCorruptLog),
		matches(err, blocks.ErrCorruptPage),
		matches(err, buffer_pool.ErrShardUnavailable):
		return OutcomeFatal
	default:
		return OutcomeError
	}
}

// IsRetryable 错误是否属于重试即可恢复的冲突类错误
func IsRetryable(err error) bool {
	return Classify(err) == OutcomeRetry
}

// IsFatal 错误是否致命
func IsFatal(err error) bool {
	return Classify(err) == OutcomeFatal
}
