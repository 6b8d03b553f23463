package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhoumingliang/innostore/conf"
	"github.com/zhoumingliang/innostore/storage/basic"
	"github.com/zhoumingliang/innostore/storage/manager"
)

const (
	demoTable = uint64(1)
	accounts  = 16
	workers   = 8
	transfers = 200
)

func main() {
	fmt.Println("=== InnoStore 事务存储核心演示 ===")
	fmt.Println()

	demoDir := "demo_storage_core"
	os.RemoveAll(demoDir)
	os.MkdirAll(demoDir, 0755)
	defer func() {
		fmt.Println("\n清理演示数据...")
		os.RemoveAll(demoDir)
	}()

	cfg := conf.NewDefaultCfg()
	cfg.DataDir = filepath.Join(demoDir, "data")
	cfg.RedoLogDir = filepath.Join(demoDir, "redo")
	cfg.BufferPoolSize = 16 * 1024 * 1024
	cfg.LockTimeout = 2 * time.Second
	cfg.CheckpointInterval = 0

	// === 1. 打开存储核心 ===
	fmt.Println("第一步: 打开存储核心(页面存储+缓冲池+重做日志+锁+MVCC)")
	core, err := manager.Open(cfg)
	if err != nil {
		fmt.Printf("打开失败: %v\n", err)
		return
	}
	rs := core.RecoveryStats()
	fmt.Printf("恢复完成: 扫描=%d 重做=%d 撤销=%d 输家事务=%d\n",
		rs.RecordsScanned, rs.RedoApplied, rs.UndoApplied, rs.LoserTxns)
	fmt.Println()

	ctx := context.Background()

	// === 2. 初始化账户 ===
	fmt.Printf("第二步: 初始化%d个账户，每个余额100\n", accounts)
	seed, err := core.Begin(basic.RepeatableRead)
	must(err)
	for i := 0; i < accounts; i++ {
		must(core.Put(ctx, seed, demoTable, basic.RowID(i), []byte{100}))
	}
	must(core.Commit(seed))
	fmt.Println("初始化完成")
	fmt.Println()

	// === 3. 并发转账 ===
	fmt.Printf("第三步: %d个worker并发执行%d笔转账(死锁/超时自动重试)\n", workers, transfers)
	var done, retried int64
	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for i := 0; i < transfers/workers; i++ {
				from := basic.RowID((seed + i) % accounts)
				to := basic.RowID((seed + i + 7) % accounts)
				if from == to {
					continue
				}
				for {
					err := transfer(ctx, core, from, to, 1)
					if err == nil {
						atomic.AddInt64(&done, 1)
						break
					}
					if manager.IsRetryable(err) {
						atomic.AddInt64(&retried, 1)
						continue
					}
					fmt.Printf("转账失败: %v\n", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	fmt.Printf("完成%d笔转账，冲突重试%d次，耗时%v\n", done, retried, time.Since(start))
	fmt.Println()

	// === 4. 校验不变量 ===
	fmt.Println("第四步: 校验总余额不变(原子性+隔离性)")
	reader, err := core.Begin(basic.RepeatableRead)
	must(err)
	total := 0
	must(core.Scan(ctx, reader, demoTable, func(rowID basic.RowID, data []byte) bool {
		total += int(data[0])
		return true
	}))
	must(core.Rollback(reader))
	fmt.Printf("总余额=%d (期望%d)\n", total, accounts*100)
	fmt.Println()

	// === 5. 检查点与统计 ===
	fmt.Println("第五步: 执行检查点并输出统计")
	ckptLSN, err := core.Checkpoint()
	must(err)
	fmt.Printf("检查点LSN=%d\n", ckptLSN)

	stats := core.Stats()
	fmt.Printf("事务: 开启=%d 提交=%d 回滚=%d\n", stats.Txn.Begins, stats.Txn.Commits, stats.Txn.Aborts)
	fmt.Printf("锁: 授予=%d 死锁=%d 超时=%d\n", stats.Lock.GrantedLocks, stats.Lock.Deadlocks, stats.Lock.LockTimeouts)
	fmt.Printf("MVCC: 版本链=%d 版本=%d 已回收=%d\n", stats.MVCC.Chains, stats.MVCC.Versions, stats.MVCC.VersionsReclaimed)
	fmt.Printf("日志: 记录=%d 刷盘=%d 合并刷盘=%d\n", stats.Log.TotalRecords, stats.Log.FlushCount, stats.Log.GroupedFlushes)
	fmt.Println()

	// === 6. 持久性验证 ===
	fmt.Println("第六步: 关闭后重新打开，验证数据仍在(持久性)")
	must(core.Close())

	reopened, err := manager.Open(cfg)
	must(err)
	reader2, err := reopened.Begin(basic.RepeatableRead)
	must(err)
	total = 0
	must(reopened.Scan(ctx, reader2, demoTable, func(rowID basic.RowID, data []byte) bool {
		total += int(data[0])
		return true
	}))
	must(reopened.Rollback(reader2))
	must(reopened.Close())
	fmt.Printf("重启后总余额=%d (期望%d)\n", total, accounts*100)
	fmt.Println()
	fmt.Println("=== 演示结束 ===")
}

// transfer 单笔转账：读出双方余额，扣减与增加后提交
func transfer(ctx context.Context, core *manager.StorageCore, from, to basic.RowID, amount int) error {
	txn, err := core.Begin(basic.RepeatableRead)
	if err != nil {
		return err
	}
	abort := func(err error) error {
		core.Rollback(txn)
		return err
	}

	fromVal, err := core.Get(ctx, txn, demoTable, from)
	if err != nil {
		return abort(err)
	}
	if int(fromVal[0]) < amount {
		// 余额不足，空提交
		return core.Commit(txn)
	}
	toVal, err := core.Get(ctx, txn, demoTable, to)
	if err != nil {
		return abort(err)
	}

	if err := core.Put(ctx, txn, demoTable, from, []byte{fromVal[0] - byte(amount)}); err != nil {
		return abort(err)
	}
	if err := core.Put(ctx, txn, demoTable, to, []byte{toVal[0] + byte(amount)}); err != nil {
		return abort(err)
	}
	return core.Commit(txn)
}

func must(err error) {
	if err != nil {
		fmt.Printf("致命错误: %v\n", err)
		os.Exit(1)
	}
}
