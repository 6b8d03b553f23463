package lock

import "errors"

// 锁管理器错误
var (
	ErrDeadlockDetected = errors.New("deadlock detected, transaction chosen as victim")
	ErrLockTimeout      = errors.New("lock wait timeout")
	ErrLockNotHeld      = errors.New("lock not held")
	ErrManagerClosed    = errors.New("lock manager closed")
)
