package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Backend persists sealed entries. Persist must not return until the entry
// is durable; the writer treats any error as unconfirmed persistence.
type Backend interface {
	Persist(ctx context.Context, e *Entry) error
	Load(ctx context.Context) ([]*Entry, error)
	Close() error
}

// FileBackend stores one JSON entry per line, fsynced on every append.
// The format is line-addressable so external append-only storage and
// third-party auditors can consume it directly.
type FileBackend struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewFileBackend opens (or creates) a JSONL ledger file.
func NewFileBackend(path string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	return &FileBackend{path: path, file: f}, nil
}

func (b *FileBackend) Persist(ctx context.Context, e *Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	if err := b.file.Sync(); err != nil {
		return fmt.Errorf("sync entry: %w", err)
	}
	return nil
}

func (b *FileBackend) Load(ctx context.Context) ([]*Entry, error) {
	f, err := os.Open(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []*Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("ledger line %d: %w", lineNo, err)
		}
		entries = append(entries, &e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	return entries, nil
}

func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file == nil {
		return nil
	}
	err := b.file.Close()
	b.file = nil
	return err
}
