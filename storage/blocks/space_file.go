package blocks

import (
	"os"
	"sync"

	"github.com/juju/errors"
	"github.com/zhoumingliang/innostore/logger"
	"github.com/zhoumingliang/innostore/storage/basic"
	"github.com/zhoumingliang/innostore/util"
)

const spaceFileMagic uint64 = 0x494E4E4F53544F52 // "INNOSTOR"

// 空间头页面用户数据区布局：
//
//	[0:8)   magic
//	[8:12)  pageSize
//	[12:16) pageCount
//	[16:20) freeListHead (0表示无空闲页面)
const (
	hdrMagicOffset    = PageDataOffset
	hdrPageSizeOffset = PageDataOffset + 8
	hdrCountOffset    = PageDataOffset + 12
	hdrFreeOffset     = PageDataOffset + 16
)

// SpaceFile 表空间文件，按定长页面组织的块存储。
// 只负责页面IO和页面号分配，不做缓存，不感知事务。
type SpaceFile struct {
	mu sync.Mutex

	spaceID  basic.SpaceID
	pageSize uint32
	path     string
	file     *os.File

	pageCount    uint32       // 含头页面
	freeListHead basic.PageNo // 空闲链表头
	closed       bool
}

// OpenSpaceFile 打开或创建表空间文件
func OpenSpaceFile(path string, spaceID basic.SpaceID, pageSize uint32) (*SpaceFile, error) {
	if pageSize < PageDataOffset+64 {
		return nil, errors.Trace(ErrInvalidPageSize)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Annotatef(err, "open space file %s", path)
	}

	sf := &SpaceFile{
		spaceID:  spaceID,
		pageSize: pageSize,
		path:     path,
		file:     file,
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Trace(err)
	}

	if info.Size() == 0 {
		if err := sf.initHeader(); err != nil {
			file.Close()
			return nil, errors.Annotate(err, "init space header")
		}
		logger.Infof("created space file %s (space=%d page_size=%d)", path, spaceID, pageSize)
	} else {
		if err := sf.loadHeader(); err != nil {
			file.Close()
			return nil, err
		}
	}

	return sf, nil
}

func (sf *SpaceFile) initHeader() error {
	page := make([]byte, sf.pageSize)
	InitPage(page, 0, PAGE_TYPE_HEADER)
	writeUB8At(page, hdrMagicOffset, spaceFileMagic)
	writeUB4At(page, hdrPageSizeOffset, sf.pageSize)
	writeUB4At(page, hdrCountOffset, 1)
	writeUB4At(page, hdrFreeOffset, 0)
	sf.pageCount = 1
	sf.freeListHead = 0

	if err := sf.writeRaw(0, page); err != nil {
		return err
	}
	return sf.file.Sync()
}

func (sf *SpaceFile) loadHeader() error {
	page := make([]byte, sf.pageSize)
	if _, err := sf.file.ReadAt(page, 0); err != nil {
		return errors.Annotate(err, "read space header")
	}
	if !VerifyChecksum(page) {
		return errors.Trace(ErrInvalidSpaceFile)
	}
	_, magic, _ := util.ReadUB8(page, hdrMagicOffset)
	if magic != spaceFileMagic {
		return errors.Trace(ErrInvalidSpaceFile)
	}
	_, ps, _ := util.ReadUB4(page, hdrPageSizeOffset)
	if ps != sf.pageSize {
		return errors.Annotatef(ErrInvalidPageSize, "file has page_size=%d, configured %d", ps, sf.pageSize)
	}
	_, count, _ := util.ReadUB4(page, hdrCountOffset)
	_, free, _ := util.ReadUB4(page, hdrFreeOffset)
	sf.pageCount = count
	sf.freeListHead = basic.PageNo(free)
	return nil
}

func (sf *SpaceFile) flushHeader() error {
	page := make([]byte, sf.pageSize)
	InitPage(page, 0, PAGE_TYPE_HEADER)
	writeUB8At(page, hdrMagicOffset, spaceFileMagic)
	writeUB4At(page, hdrPageSizeOffset, sf.pageSize)
	writeUB4At(page, hdrCountOffset, sf.pageCount)
	writeUB4At(page, hdrFreeOffset, uint32(sf.freeListHead))
	return sf.writeRaw(0, page)
}

func (sf *SpaceFile) writeRaw(pageNo basic.PageNo, page []byte) error {
	StampChecksum(page)
	off := int64(pageNo) * int64(sf.pageSize)
	if _, err := sf.file.WriteAt(page, off); err != nil {
		return errors.Annotatef(err, "write page %d", pageNo)
	}
	return nil
}

// ReadPage 读取一个完整页面并校验
func (sf *SpaceFile) ReadPage(id basic.PageID) ([]byte, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.closed {
		return nil, errors.Trace(ErrStoreClosed)
	}
	if id.Space != sf.spaceID {
		return nil, errors.Trace(ErrSpaceMismatch)
	}
	if uint32(id.PageNo) >= sf.pageCount {
		return nil, errors.Annotatef(ErrPageOutOfRange, "page %d, count %d", id.PageNo, sf.pageCount)
	}

	page := make([]byte, sf.pageSize)
	off := int64(id.PageNo) * int64(sf.pageSize)
	if _, err := sf.file.ReadAt(page, off); err != nil {
		return nil, errors.Annotatef(err, "read page %s", id)
	}
	if !VerifyChecksum(page) {
		logger.Errorf("checksum mismatch on page %s", id)
		return nil, errors.Annotatef(ErrCorruptPage, "page %s", id)
	}
	return page, nil
}

// WritePage 写入一个完整页面，写入时重新计算校验和
func (sf *SpaceFile) WritePage(id basic.PageID, data []byte) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.closed {
		return errors.Trace(ErrStoreClosed)
	}
	if id.Space != sf.spaceID {
		return errors.Trace(ErrSpaceMismatch)
	}
	if uint32(len(data)) != sf.pageSize {
		return errors.Trace(ErrInvalidPageSize)
	}
	if uint32(id.PageNo) >= sf.pageCount {
		return errors.Annotatef(ErrPageOutOfRange, "page %d, count %d", id.PageNo, sf.pageCount)
	}

	// 调用方持有页面引用，复制后再盖校验和，避免并发读到未完成的头
	page := make([]byte, sf.pageSize)
	copy(page, data)
	return sf.writeRaw(id.PageNo, page)
}

// AllocatePage 分配一个新页面号，优先复用空闲链表
func (sf *SpaceFile) AllocatePage(space basic.SpaceID) (basic.PageNo, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.closed {
		return 0, errors.Trace(ErrStoreClosed)
	}
	if space != sf.spaceID {
		return 0, errors.Trace(ErrSpaceMismatch)
	}

	var pageNo basic.PageNo
	if sf.freeListHead != 0 {
		pageNo = sf.freeListHead
		page := make([]byte, sf.pageSize)
		off := int64(pageNo) * int64(sf.pageSize)
		if _, err := sf.file.ReadAt(page, off); err != nil {
			return 0, errors.Annotatef(err, "read free page %d", pageNo)
		}
		_, next, _ := util.ReadUB4(page, freeNextOffset)
		sf.freeListHead = basic.PageNo(next)
	} else {
		pageNo = basic.PageNo(sf.pageCount)
		sf.pageCount++
	}

	page := make([]byte, sf.pageSize)
	InitPage(page, pageNo, PAGE_TYPE_DATA)
	if err := sf.writeRaw(pageNo, page); err != nil {
		return 0, err
	}
	if err := sf.flushHeader(); err != nil {
		return 0, err
	}
	return pageNo, nil
}

// FreePage 释放页面，挂入空闲链表
func (sf *SpaceFile) FreePage(id basic.PageID) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.closed {
		return errors.Trace(ErrStoreClosed)
	}
	if id.Space != sf.spaceID {
		return errors.Trace(ErrSpaceMismatch)
	}
	if id.PageNo == 0 || uint32(id.PageNo) >= sf.pageCount {
		return errors.Trace(ErrPageOutOfRange)
	}

	page := make([]byte, sf.pageSize)
	InitPage(page, id.PageNo, PAGE_TYPE_FREE)
	writeUB4At(page, freeNextOffset, uint32(sf.freeListHead))
	if err := sf.writeRaw(id.PageNo, page); err != nil {
		return err
	}
	sf.freeListHead = id.PageNo
	return sf.flushHeader()
}

// PageSize 页面大小
func (sf *SpaceFile) PageSize() uint32 {
	return sf.pageSize
}

// PageCount 已分配页面数(含头页面)
func (sf *SpaceFile) PageCount() uint32 {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.pageCount
}

// Sync 刷盘
func (sf *SpaceFile) Sync() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.closed {
		return errors.Trace(ErrStoreClosed)
	}
	if err := sf.flushHeader(); err != nil {
		return err
	}
	return errors.Trace(sf.file.Sync())
}

// Close 关闭表空间文件
func (sf *SpaceFile) Close() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.closed {
		return nil
	}
	if err := sf.flushHeader(); err != nil {
		return err
	}
	if err := sf.file.Sync(); err != nil {
		return errors.Trace(err)
	}
	sf.closed = true
	return errors.Trace(sf.file.Close())
}
