package mvcc

import (
	"time"

	"github.com/zhoumingliang/innostore/storage/basic"
)

// rowKey 逻辑行标识
type rowKey struct {
	table uint64
	row   basic.RowID
}

// Version 行的一个版本。
// CommitTS为0表示创建事务尚未提交(pending)；
// DeleterTrx非0且DeleteTS为0表示删除尚未提交。
// 提交时间戳取提交日志记录的LSN，天然全序。
type Version struct {
	Data       []byte
	CreatorTrx basic.TrxID
	CommitTS   basic.LSN
	DeleterTrx basic.TrxID
	DeleteTS   basic.LSN
	Next       *Version // 指向更老的版本
}

// versionChain 单个逻辑行的版本链，新版本在头部。
// 链的修改都在所属分片锁内进行。
type versionChain struct {
	key  rowKey
	head *Version
}

// BaseCommitTS 基线版本的提交时间戳。
// 恢复后从页面读出的数据视为在一切快照之前提交。
const BaseCommitTS basic.LSN = 1

// MVCCConfig 版本存储配置
type MVCCConfig struct {
	ShardCount uint32        // 版本链分片数
	GCInterval time.Duration // 后台版本回收间隔，0表示不启动
}

// MVCCStats 版本存储统计
type MVCCStats struct {
	Chains            uint64 // 当前版本链数
	Versions          uint64 // 当前版本总数
	Reads             uint64
	Writes            uint64
	Deletes           uint64
	VersionsReclaimed uint64
	GCRuns            uint64
}
