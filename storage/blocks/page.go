package blocks

import (
	"github.com/zhoumingliang/innostore/storage/basic"
	"github.com/zhoumingliang/innostore/util"
)

// 页面布局（定长块，持久化格式，不能更改）：
//
//	[0:8)    checksum   页面[8:]的xxhash64校验和
//	[8:16)   LSN        最后一次应用修改的日志序列号
//	[16:20)  pageNo     页面号
//	[20:24)  pageType   页面类型
//	[24:)    user data  用户数据区
const (
	PageChecksumOffset = 0
	PageLSNOffset      = 8
	PageNoOffset       = 16
	PageTypeOffset     = 20
	PageDataOffset     = 24
)

// 页面类型
const (
	PAGE_TYPE_UNUSED uint32 = iota
	PAGE_TYPE_HEADER
	PAGE_TYPE_DATA
	PAGE_TYPE_FREE
)

// 空闲页面在用户数据区起始处存放下一个空闲页面号
const freeNextOffset = PageDataOffset

// PageLSN 读取页面头中的LSN
func PageLSN(page []byte) basic.LSN {
	_, v, _ := util.ReadUB8(page, PageLSNOffset)
	return basic.LSN(v)
}

// SetPageLSN 设置页面头中的LSN
func SetPageLSN(page []byte, lsn basic.LSN) {
	writeUB8At(page, PageLSNOffset, uint64(lsn))
}

// PageNoOf 读取页面头中的页面号
func PageNoOf(page []byte) basic.PageNo {
	_, v, _ := util.ReadUB4(page, PageNoOffset)
	return basic.PageNo(v)
}

// PageTypeOf 读取页面类型
func PageTypeOf(page []byte) uint32 {
	_, v, _ := util.ReadUB4(page, PageTypeOffset)
	return v
}

// InitPage 初始化一个空页面
func InitPage(page []byte, pageNo basic.PageNo, pageType uint32) {
	for i := range page {
		page[i] = 0
	}
	writeUB4At(page, PageNoOffset, uint32(pageNo))
	writeUB4At(page, PageTypeOffset, pageType)
}

// StampChecksum 计算并写入页面校验和
func StampChecksum(page []byte) {
	sum := util.Checksum64(page[PageLSNOffset:])
	writeUB8At(page, PageChecksumOffset, sum)
}

// VerifyChecksum 校验页面校验和
func VerifyChecksum(page []byte) bool {
	_, stored, _ := util.ReadUB8(page, PageChecksumOffset)
	return stored == util.Checksum64(page[PageLSNOffset:])
}

func writeUB4At(buff []byte, off int, v uint32) {
	buff[off] = byte(v >> 24)
	buff[off+1] = byte(v >> 16)
	buff[off+2] = byte(v >> 8)
	buff[off+3] = byte(v)
}

func writeUB8At(buff []byte, off int, v uint64) {
	for k := 0; k < 8; k++ {
		buff[off+k] = byte(v >> uint(56-8*k))
	}
}
