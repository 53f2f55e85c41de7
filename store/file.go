package store

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/GreeFine/ferrixcel/grid"
)

// maxRecordSize 单条记录上限，防止损坏的长度前缀导致巨量分配
const maxRecordSize = 16 << 20

// logFile 日志文件所需的操作，*os.File 满足
type logFile interface {
	io.Writer
	io.Seeker
	Truncate(size int64) error
	Sync() error
	Close() error
}

// File 追加日志存储：每条记录为 4 字节大端长度 + msgpack 编码的 Cell
// 打开时回放日志（后写覆盖先写），内存中保留最新视图
type File struct {
	mu     sync.Mutex
	path   string
	f      logFile
	size   int64 // 最后一条完整记录之后的偏移
	cells  map[grid.Position]grid.Cell
	closed bool
}

// OpenFile 打开或创建日志文件并回放；尾部不完整的记录会被截断
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("file store: empty path")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("file store: create dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("file store: open: %w", err)
	}
	cells, good, err := replay(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Truncate(good); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("file store: truncate tail: %w", err)
	}
	if _, err := f.Seek(good, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("file store: seek: %w", err)
	}
	return &File{path: path, f: f, size: good, cells: cells}, nil
}

// replay 读取所有完整记录，返回最后一条完整记录之后的偏移
func replay(f *os.File) (map[grid.Position]grid.Cell, int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, 0, fmt.Errorf("file store: seek: %w", err)
	}
	r := bufio.NewReader(f)
	cells := make(map[grid.Position]grid.Cell)
	var offset int64
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			// EOF 或残缺头部：到此为止
			return cells, offset, nil
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > maxRecordSize {
			return cells, offset, nil
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return cells, offset, nil
		}
		var c grid.Cell
		if err := msgpack.Unmarshal(body, &c); err != nil {
			return nil, 0, fmt.Errorf("file store: decode record at %d: %w", offset, err)
		}
		cells[c.Position] = c
		offset += int64(len(hdr)) + int64(n)
	}
}

func encodeRecord(c grid.Cell) ([]byte, error) {
	body, err := msgpack.Marshal(&c)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	return buf, nil
}

func (s *File) Upsert(ctx context.Context, c grid.Cell) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := encodeRecord(c)
	if err != nil {
		return fmt.Errorf("file store: encode: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.f.Write(rec); err != nil {
		return s.rollback(fmt.Errorf("file store: write: %w", err))
	}
	if err := s.f.Sync(); err != nil {
		return s.rollback(fmt.Errorf("file store: sync: %w", err))
	}
	s.size += int64(len(rec))
	s.cells[c.Position] = c
	return nil
}

// rollback 截断写失败留下的残缺记录，之后的追加从完整记录末尾继续
func (s *File) rollback(cause error) error {
	if err := s.f.Truncate(s.size); err != nil {
		return fmt.Errorf("%w (truncate: %v)", cause, err)
	}
	if _, err := s.f.Seek(s.size, io.SeekStart); err != nil {
		return fmt.Errorf("%w (seek: %v)", cause, err)
	}
	return cause
}

func (s *File) LoadAll(ctx context.Context) ([]grid.Cell, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	cells := make([]grid.Cell, 0, len(s.cells))
	for _, c := range s.cells {
		cells = append(cells, c)
	}
	return sortCells(cells), nil
}

// Compact 以每个位置一条记录重写日志（临时文件 + rename）
func (s *File) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	tmpPath := s.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("file store: compact: %w", err)
	}
	cells := make([]grid.Cell, 0, len(s.cells))
	for _, c := range s.cells {
		cells = append(cells, c)
	}
	w := bufio.NewWriter(tmp)
	var size int64
	for _, c := range sortCells(cells) {
		rec, err := encodeRecord(c)
		if err == nil {
			_, err = w.Write(rec)
			size += int64(len(rec))
		}
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("file store: compact write: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("file store: compact flush: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("file store: compact sync: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("file store: compact rename: %w", err)
	}
	// 切换到新文件继续追加
	_ = s.f.Close()
	s.f = tmp
	s.size = size
	if _, err := s.f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("file store: compact seek: %w", err)
	}
	return nil
}

// Len 当前不同位置的数量
func (s *File) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cells)
}

func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}
