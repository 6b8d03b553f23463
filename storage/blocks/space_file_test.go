package blocks

import (
	"os"
	"path/filepath"
	"testing"

	jujuerrors "github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhoumingliang/innostore/storage/basic"
)

const testPageSize = 1024

func openTestSpace(t *testing.T, dir string) *SpaceFile {
	sf, err := OpenSpaceFile(filepath.Join(dir, "space_1.ibd"), 1, testPageSize)
	require.NoError(t, err)
	return sf
}

func TestSpaceFileCreateAndReopen(t *testing.T) {
	dir := t.TempDir()
	sf := openTestSpace(t, dir)

	pageNo, err := sf.AllocatePage(1)
	require.NoError(t, err)
	assert.Equal(t, basic.PageNo(1), pageNo, "first data page follows the header page")

	page := make([]byte, testPageSize)
	InitPage(page, pageNo, PAGE_TYPE_DATA)
	copy(page[PageDataOffset:], "persisted")
	SetPageLSN(page, 77)
	require.NoError(t, sf.WritePage(basic.MakePageID(1, pageNo), page))
	require.NoError(t, sf.Close())

	sf2 := openTestSpace(t, dir)
	defer sf2.Close()
	assert.Equal(t, uint32(2), sf2.PageCount())

	got, err := sf2.ReadPage(basic.MakePageID(1, pageNo))
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got[PageDataOffset:PageDataOffset+9])
	assert.Equal(t, basic.LSN(77), PageLSN(got))
	assert.Equal(t, PAGE_TYPE_DATA, PageTypeOf(got))
}

func TestChecksumDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	sf := openTestSpace(t, dir)

	pageNo, err := sf.AllocatePage(1)
	require.NoError(t, err)
	page := make([]byte, testPageSize)
	InitPage(page, pageNo, PAGE_TYPE_DATA)
	copy(page[PageDataOffset:], "fragile")
	require.NoError(t, sf.WritePage(basic.MakePageID(1, pageNo), page))
	require.NoError(t, sf.Close())

	// 翻转数据区中间一个字节
	path := filepath.Join(dir, "space_1.ibd")
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, int64(testPageSize)+testPageSize/2)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	sf2 := openTestSpace(t, dir)
	defer sf2.Close()
	_, err = sf2.ReadPage(basic.MakePageID(1, pageNo))
	assert.Equal(t, ErrCorruptPage, jujuerrors.Cause(err))
}

func TestFreeListReuse(t *testing.T) {
	sf := openTestSpace(t, t.TempDir())
	defer sf.Close()

	p1, err := sf.AllocatePage(1)
	require.NoError(t, err)
	p2, err := sf.AllocatePage(1)
	require.NoError(t, err)
	p3, err := sf.AllocatePage(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), sf.PageCount())

	require.NoError(t, sf.FreePage(basic.MakePageID(1, p2)))
	require.NoError(t, sf.FreePage(basic.MakePageID(1, p1)))

	// 后进先出复用，文件不增长
	r1, err := sf.AllocatePage(1)
	require.NoError(t, err)
	assert.Equal(t, p1, r1)
	r2, err := sf.AllocatePage(1)
	require.NoError(t, err)
	assert.Equal(t, p2, r2)
	assert.Equal(t, uint32(4), sf.PageCount())

	r3, err := sf.AllocatePage(1)
	require.NoError(t, err)
	assert.Equal(t, basic.PageNo(4), r3, "empty free list falls back to extending the file")
	_ = p3
}

func TestSpaceFileBoundsAndMismatch(t *testing.T) {
	sf := openTestSpace(t, t.TempDir())
	defer sf.Close()

	t.Run("越界页面号", func(t *testing.T) {
		_, err := sf.ReadPage(basic.MakePageID(1, 99))
		assert.Equal(t, ErrPageOutOfRange, jujuerrors.Cause(err))
	})

	t.Run("space不匹配", func(t *testing.T) {
		_, err := sf.ReadPage(basic.MakePageID(2, 0))
		assert.Equal(t, ErrSpaceMismatch, jujuerrors.Cause(err))
	})

	t.Run("头页面不可释放", func(t *testing.T) {
		err := sf.FreePage(basic.MakePageID(1, 0))
		assert.Equal(t, ErrPageOutOfRange, jujuerrors.Cause(err))
	})

	t.Run("页面大小不符", func(t *testing.T) {
		err := sf.WritePage(basic.MakePageID(1, 0), make([]byte, 128))
		assert.Equal(t, ErrInvalidPageSize, jujuerrors.Cause(err))
	})
}

func TestFileStoreRouting(t *testing.T) {
	fs := NewFileStore(t.TempDir(), testPageSize)
	defer fs.Close()

	_, err := fs.OpenSpace(1)
	require.NoError(t, err)
	_, err = fs.OpenSpace(2)
	require.NoError(t, err)

	p1, err := fs.AllocatePage(1)
	require.NoError(t, err)
	p2, err := fs.AllocatePage(2)
	require.NoError(t, err)

	page := make([]byte, testPageSize)
	InitPage(page, p1, PAGE_TYPE_DATA)
	copy(page[PageDataOffset:], "space-one")
	require.NoError(t, fs.WritePage(basic.MakePageID(1, p1), page))

	InitPage(page, p2, PAGE_TYPE_DATA)
	copy(page[PageDataOffset:], "space-two")
	require.NoError(t, fs.WritePage(basic.MakePageID(2, p2), page))

	got, err := fs.ReadPage(basic.MakePageID(1, p1))
	require.NoError(t, err)
	assert.Equal(t, []byte("space-one"), got[PageDataOffset:PageDataOffset+9])

	got, err = fs.ReadPage(basic.MakePageID(2, p2))
	require.NoError(t, err)
	assert.Equal(t, []byte("space-two"), got[PageDataOffset:PageDataOffset+9])

	t.Run("未打开的space拒绝访问", func(t *testing.T) {
		_, err := fs.ReadPage(basic.MakePageID(9, 0))
		assert.Equal(t, ErrSpaceNotFound, jujuerrors.Cause(err))
	})
}

func TestPageHelpers(t *testing.T) {
	page := make([]byte, testPageSize)
	InitPage(page, 7, PAGE_TYPE_DATA)
	assert.Equal(t, basic.PageNo(7), PageNoOf(page))
	assert.Equal(t, PAGE_TYPE_DATA, PageTypeOf(page))

	SetPageLSN(page, 1234)
	StampChecksum(page)
	assert.True(t, VerifyChecksum(page))
	assert.Equal(t, basic.LSN(1234), PageLSN(page))

	// LSN参与校验和
	SetPageLSN(page, 5678)
	assert.False(t, VerifyChecksum(page))
}
