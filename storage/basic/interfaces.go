package basic

// StorageProvider 存储提供者接口
// 页面存储层只负责定长块IO，不承担缓存和并发语义。
type StorageProvider interface {
	// ReadPage 读取一个完整页面(包含页头)
	ReadPage(id PageID) ([]byte, error)

	// WritePage 写入一个完整页面
	WritePage(id PageID, data []byte) error

	// AllocatePage 分配一个新页面号
	AllocatePage(space SpaceID) (PageNo, error)

	// FreePage 释放页面，页面号可被重新分配
	FreePage(id PageID) error

	// PageSize 页面大小(字节)
	PageSize() uint32

	// Sync 将底层文件刷入磁盘
	Sync() error

	// Close 关闭存储
	Close() error
}

// LogFlusher WAL刷盘接口，缓冲池写脏页前需要确保日志先落盘
type LogFlusher interface {
	// FlushedLSN 已持久化的最大LSN
	FlushedLSN() LSN

	// Flush 将日志刷盘直到给定LSN
	Flush(upTo LSN) error
}
