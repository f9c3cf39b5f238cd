package trace

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// GenesisHash seeds the chain of an empty log.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// AlgEd25519 is the only signature algorithm the log emits.
const AlgEd25519 = "ed25519"

// Entry is one line of the trace log. The chain invariant is
// hash = SHA-256(prev_hash || CanonicalBytes(frame)) with prev_hash taken
// as ASCII hex, and entry i's prev_hash equal to entry i-1's hash.
type Entry struct {
	I           uint64          `json:"i"`
	TimestampMS uint64          `json:"timestamp_ms"`
	Direction   string          `json:"direction"`
	SessionID   string          `json:"session_id"`
	Frame       json.RawMessage `json:"frame"`
	PrevHash    string          `json:"prev_hash"`
	Hash        string          `json:"hash"`
	Signature   string          `json:"signature,omitempty"`
	Alg         string          `json:"alg,omitempty"`
}

// Logger appends hash-chained entries to a single file. All writes
// serialize behind one mutex so the chain stays linear; every entry is
// flushed to the OS before Log returns.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	w        *bufio.Writer
	lastHash string
	counter  uint64
	signer   ed25519.PrivateKey
	log      *slog.Logger
}

// Option configures a Logger.
type Option func(*Logger)

// WithSigningKey enables Ed25519 signing of each entry hash. The key is the
// 32-byte seed form.
func WithSigningKey(seed []byte) Option {
	return func(l *Logger) {
		if len(seed) == ed25519.SeedSize {
			l.signer = ed25519.NewKeyFromSeed(seed)
		}
	}
}

// WithLogger sets the slog logger used for recovery diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Logger) {
		l.log = logger
	}
}

// Open opens (or creates) a trace log and recovers chain state from its
// tail. An empty or missing file starts at the genesis hash and index 0.
func Open(path string, opts ...Option) (*Logger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("trace: open %s: %w", path, err)
	}

	l := &Logger{
		file: file,
		w:    bufio.NewWriter(file),
		log:  slog.Default().With("component", "trace"),
	}
	for _, opt := range opts {
		opt(l)
	}

	lastHash, counter, err := recoverState(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	l.lastHash = lastHash
	l.counter = counter

	if counter > 0 {
		l.log.Info("trace log recovered", "path", path, "next_index", counter)
	}
	if l.signer != nil {
		l.log.Info("trace signing enabled", "alg", AlgEd25519)
	}
	return l, nil
}

// Log appends one entry for the given frame. The frame is serialized,
// canonicalized, chained onto the previous hash, optionally signed, and
// flushed. Failures leave the in-memory chain untouched.
func (l *Logger) Log(direction, sessionID string, frame any) error {
	frameRaw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("trace: marshal frame: %w", err)
	}
	frameBytes, err := canonicalizeRaw(frameRaw)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.lastHash
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(frameBytes)
	sum := hex.EncodeToString(h.Sum(nil))

	entry := Entry{
		I:           l.counter,
		TimestampMS: uint64(time.Now().UnixMilli()),
		Direction:   direction,
		SessionID:   sessionID,
		Frame:       frameRaw,
		PrevHash:    prev,
		Hash:        sum,
	}
	if l.signer != nil {
		sig := ed25519.Sign(l.signer, []byte(sum))
		entry.Signature = hex.EncodeToString(sig)
		entry.Alg = AlgEd25519
	}

	line, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("trace: marshal entry: %w", err)
	}
	if _, err := l.w.Write(line); err != nil {
		return fmt.Errorf("trace: append: %w", err)
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("trace: append: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("trace: flush: %w", err)
	}

	l.lastHash = sum
	l.counter++
	return nil
}

// Sync forces the file to stable storage. The durability floor for normal
// operation is the per-entry flush; Sync is for shutdown paths.
func (l *Logger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.file.Sync()
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// NextIndex returns the index the next entry will receive.
func (l *Logger) NextIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counter
}

// recoverState seeds (last_hash, counter) from the final complete line of
// the file, scanning backward in chunks so a large log never loads fully.
func recoverState(file *os.File) (string, uint64, error) {
	info, err := file.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("trace: stat: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return GenesisHash, 0, nil
	}

	end := size
	buf := make([]byte, 1)
	if _, err := file.ReadAt(buf, size-1); err != nil {
		return "", 0, fmt.Errorf("trace: read tail: %w", err)
	}
	if buf[0] == '\n' {
		end = size - 1
	}
	if end == 0 {
		return GenesisHash, 0, nil
	}

	const chunkSize = 4096
	start := int64(0)
	pos := end
	for pos > 0 {
		readLen := int64(chunkSize)
		if pos < readLen {
			readLen = pos
		}
		pos -= readLen
		chunk := make([]byte, readLen)
		if _, err := file.ReadAt(chunk, pos); err != nil {
			return "", 0, fmt.Errorf("trace: backward scan: %w", err)
		}
		if idx := bytes.LastIndexByte(chunk, '\n'); idx >= 0 {
			start = pos + int64(idx) + 1
			break
		}
	}

	lineBuf := make([]byte, end-start)
	if _, err := file.ReadAt(lineBuf, start); err != nil && err != io.EOF {
		return "", 0, fmt.Errorf("trace: read last line: %w", err)
	}
	line := strings.TrimSpace(string(lineBuf))
	if line == "" {
		return GenesisHash, 0, nil
	}

	var entry Entry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return "", 0, fmt.Errorf("trace: parse last entry during recovery: %w", err)
	}
	return entry.Hash, entry.I + 1, nil
}
