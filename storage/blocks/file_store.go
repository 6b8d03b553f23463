package blocks

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/juju/errors"
	"github.com/zhoumingliang/innostore/storage/basic"
)

// FileStore 多表空间页面存储，按space id路由到各自的SpaceFile。
// 实现basic.StorageProvider。
type FileStore struct {
	mu       sync.RWMutex
	dir      string
	pageSize uint32
	spaces   map[basic.SpaceID]*SpaceFile
	closed   bool
}

// NewFileStore 创建页面存储
func NewFileStore(dir string, pageSize uint32) *FileStore {
	return &FileStore{
		dir:      dir,
		pageSize: pageSize,
		spaces:   make(map[basic.SpaceID]*SpaceFile),
	}
}

func (fs *FileStore) spacePath(space basic.SpaceID) string {
	return filepath.Join(fs.dir, fmt.Sprintf("space_%d.ibd", space))
}

// OpenSpace 打开或创建表空间
func (fs *FileStore) OpenSpace(space basic.SpaceID) (*SpaceFile, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return nil, errors.Trace(ErrStoreClosed)
	}
	if sf, ok := fs.spaces[space]; ok {
		return sf, nil
	}
	sf, err := OpenSpaceFile(fs.spacePath(space), space, fs.pageSize)
	if err != nil {
		return nil, err
	}
	fs.spaces[space] = sf
	return sf, nil
}

func (fs *FileStore) space(space basic.SpaceID) (*SpaceFile, error) {
	fs.mu.RLock()
	sf, ok := fs.spaces[space]
	closed := fs.closed
	fs.mu.RUnlock()
	if closed {
		return nil, errors.Trace(ErrStoreClosed)
	}
	if !ok {
		return nil, errors.Annotatef(ErrSpaceNotFound, "space %d", space)
	}
	return sf, nil
}

// ReadPage 读取页面
func (fs *FileStore) ReadPage(id basic.PageID) ([]byte, error) {
	sf, err := fs.space(id.Space)
	if err != nil {
		return nil, err
	}
	return sf.ReadPage(id)
}

// WritePage 写入页面
func (fs *FileStore) WritePage(id basic.PageID, data []byte) error {
	sf, err := fs.space(id.Space)
	if err != nil {
		return err
	}
	return sf.WritePage(id, data)
}

// AllocatePage 在给定表空间分配页面
func (fs *FileStore) AllocatePage(space basic.SpaceID) (basic.PageNo, error) {
	sf, err := fs.space(space)
	if err != nil {
		return 0, err
	}
	return sf.AllocatePage(space)
}

// FreePage 释放页面
func (fs *FileStore) FreePage(id basic.PageID) error {
	sf, err := fs.space(id.Space)
	if err != nil {
		return err
	}
	return sf.FreePage(id)
}

// PageSize 页面大小
func (fs *FileStore) PageSize() uint32 {
	return fs.pageSize
}

// Sync 刷盘所有表空间
func (fs *FileStore) Sync() error {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.closed {
		return errors.Trace(ErrStoreClosed)
	}
	for _, sf := range fs.spaces {
		if err := sf.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Close 关闭所有表空间
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil
	}
	fs.closed = true
	var firstErr error
	for _, sf := range fs.spaces {
		if err := sf.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
