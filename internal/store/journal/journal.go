package journal

// ============================================================================
// Append-only 記錄檔
// 職責：
// 1. 追加 JSON 記錄到日誌檔案（一行一筆）
// 2. 每筆記錄帶序號與 CRC32 校驗和
// 3. 提供 Replay 依序讀回所有記錄
// 4. 重新開啟時從最後一筆記錄接續序號
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrChecksumMismatch 記錄內容與校驗和不符
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")
	// ErrClosed 日誌已關閉
	ErrClosed = errors.New("journal: already closed")
)

// CorruptionError 無法解析的記錄
type CorruptionError struct {
	Line  int   // 1-based 行號
	Cause error // 底層錯誤
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted entry at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

// ============================================================================
// 資料結構
// ============================================================================

// Entry 一筆日誌記錄
type Entry struct {
	Seq       uint64          `json:"seq"`       // 單調遞增序號
	Timestamp int64           `json:"timestamp"` // Unix 毫秒
	Payload   json.RawMessage `json:"payload"`   // 原始 JSON 內容
	Checksum  uint32          `json:"checksum"`  // CRC32(seq + payload)
}

// Handler Replay 時處理每筆記錄
type Handler func(Entry) error

// Journal append-only JSON lines 日誌
type Journal struct {
	mu           sync.Mutex
	file         *os.File
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool
}

// Checksum 計算 seq 與 payload 的 CRC32-IEEE
func Checksum(seq uint64, payload []byte) uint32 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	h := crc32.NewIEEE()
	h.Write(buf[:])
	h.Write(payload)
	return h.Sum32()
}

// Verify 檢查記錄的校驗和
func (e Entry) Verify() bool {
	return e.Checksum == Checksum(e.Seq, e.Payload)
}

// ============================================================================
// 公開介面
// ============================================================================

// Open 建立或開啟日誌
//
// 檔案已存在時讀取最後一筆有效記錄的 seq 並接續；
// 以 O_APPEND 開啟，寫入不會覆蓋既有內容。
func Open(path string, syncOnAppend bool) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	j := &Journal{file: file, path: path, syncOnAppend: syncOnAppend}
	if err := j.scan(func(e Entry) error {
		j.seq = e.Seq
		return nil
	}); err != nil {
		file.Close()
		return nil, err
	}
	return j, nil
}

// Append 序列化 v 並追加一筆記錄，回傳其 seq
func (j *Journal) Append(v any) (uint64, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("journal: encode payload: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrClosed
	}

	seq := j.seq + 1
	entry := Entry{
		Seq:       seq,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
		Checksum:  Checksum(seq, payload),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("journal: encode entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return 0, fmt.Errorf("journal: write: %w", err)
	}
	if j.syncOnAppend {
		if err := j.file.Sync(); err != nil {
			return 0, fmt.Errorf("journal: sync: %w", err)
		}
	}
	j.seq = seq
	return seq, nil
}

// Replay 依序讀回所有記錄
//
// 遇到無法解析的行回傳 *CorruptionError，校驗和錯誤回傳
// ErrChecksumMismatch，handler 錯誤直接回傳；三者皆立即停止。
func (j *Journal) Replay(handler Handler) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.scan(handler)
}

// LastSeq 最後一筆記錄的序號
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path 日誌檔案路徑
func (j *Journal) Path() string {
	return j.path
}

// Close 關閉日誌，之後的操作回傳 ErrClosed
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.file.Close()
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (j *Journal) scan(handler Handler) error {
	f, err := os.Open(j.path)
	if err != nil {
		return fmt.Errorf("journal: open for replay: %w", err)
	}
	defer f.Close()
	return scanEntries(f, handler)
}

func scanEntries(r io.Reader, handler Handler) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if !e.Verify() {
			return fmt.Errorf("%w at seq=%d", ErrChecksumMismatch, e.Seq)
		}
		if err := handler(e); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return &CorruptionError{Line: line + 1, Cause: err}
	}
	return nil
}
