package lock

import (
	"fmt"
	"time"

	"github.com/zhoumingliang/innostore/storage/basic"
)

// LockMode 锁模式
type LockMode int

const (
	LOCK_IS  LockMode = iota // 意向共享锁
	LOCK_IX                  // 意向排他锁
	LOCK_S                   // 共享锁
	LOCK_SIX                 // 共享意向排他锁
	LOCK_X                   // 排他锁
)

func (m LockMode) String() string {
	switch m {
	case LOCK_IS:
		return "IS"
	case LOCK_IX:
		return "IX"
	case LOCK_S:
		return "S"
	case LOCK_SIX:
		return "SIX"
	case LOCK_X:
		return "X"
	default:
		return "?"
	}
}

// 锁兼容矩阵。compatMatrix[held][requested]为真表示可同时持有。
// 未显式兼容的组合一律阻塞。
var compatMatrix = [5][5]bool{
	//             IS     IX     S      SIX    X
	/* IS  */ {true, true, true, true, false},
	/* IX  */ {true, true, false, false, false},
	/* S   */ {true, false, true, false, false},
	/* SIX */ {true, false, false, false, false},
	/* X   */ {false, false, false, false, false},
}

// isCompatible 检查锁兼容性
func isCompatible(held, requested LockMode) bool {
	return compatMatrix[held][requested]
}

// covers 已持有的锁模式是否覆盖请求的模式(无需升级)
func covers(held, requested LockMode) bool {
	if held == requested {
		return true
	}
	switch held {
	case LOCK_X:
		return true
	case LOCK_SIX:
		return requested == LOCK_S || requested == LOCK_IS || requested == LOCK_IX
	case LOCK_S:
		return requested == LOCK_IS
	case LOCK_IX:
		return requested == LOCK_IS
	}
	return false
}

// upgradeTo 升级后应持有的锁模式
func upgradeTo(held, requested LockMode) LockMode {
	if covers(held, requested) {
		return held
	}
	if covers(requested, held) {
		return requested
	}
	// S+IX以及IX+S都升为SIX
	if (held == LOCK_S && requested == LOCK_IX) || (held == LOCK_IX && requested == LOCK_S) {
		return LOCK_SIX
	}
	return LOCK_X
}

// intentFor 行锁对应的表级意向锁
func intentFor(mode LockMode) LockMode {
	if mode == LOCK_X || mode == LOCK_IX {
		return LOCK_IX
	}
	return LOCK_IS
}

// makeTableResource 生成表资源ID
func makeTableResource(tableID uint64) string {
	return fmt.Sprintf("t_%d", tableID)
}

// makeRowResource 生成行资源ID
func makeRowResource(tableID uint64, rowID basic.RowID) string {
	return fmt.Sprintf("r_%d_%d", tableID, rowID)
}

// 牺牲者选择策略
const (
	VICTIM_YOUNGEST       = "youngest"
	VICTIM_OLDEST_WAITING = "oldest_waiting"
)

// LockConfig 锁配置
type LockConfig struct {
	LockTimeout         time.Duration // 锁等待超时，0表示不超时
	DeadlockInterval    time.Duration // 后台死锁检测间隔
	EscalationThreshold int           // 单表行锁数超过该值时尝试升级为表锁
	VictimPolicy        string        // 牺牲者选择策略
}

// LockStats 锁统计信息
type LockStats struct {
	GrantedLocks uint64        // 已授予锁数
	WaitingLocks uint64        // 等待中锁数
	Deadlocks    uint64        // 死锁次数
	LockTimeouts uint64        // 锁超时次数
	Escalations  uint64        // 锁升级次数
	MaxWaitTime  time.Duration // 最长等待时间
}

// DeadlockInfo 死锁信息
type DeadlockInfo struct {
	DetectedAt time.Time     // 检测时间
	Cycle      []basic.TrxID // 死锁环
	VictimTxID basic.TrxID   // 牺牲事务
}
