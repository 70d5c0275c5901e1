package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/xela07ax/agent-warden/internal/domain"
)

// FileLog — журнал нарушений в JSONL-файле: одна запись на строку, только
// O_APPEND, никогда не переписывается. Потребляем любым внешним репортером.
type FileLog struct {
	mu   sync.Mutex
	path string
	seen map[string]bool // идемпотентность по violation id в рамках процесса
}

func NewFileLog(path string) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create violation log directory: %w", err)
	}

	fl := &FileLog{path: path, seen: make(map[string]bool)}

	// При рестарте перечитываем журнал, чтобы дубликаты событий из фида
	// (at-least-once) не плодили повторные записи
	existing, err := fl.Read(context.Background())
	if err != nil {
		return nil, err
	}
	for _, v := range existing {
		fl.seen[v.ID] = true
	}
	return fl, nil
}

func (fl *FileLog) Append(ctx context.Context, v domain.Violation) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.seen[v.ID] {
		return nil // дубликат доставки, запись уже есть
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal violation: %w", err)
	}

	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open violation log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append violation: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync violation log: %w", err)
	}

	fl.seen[v.ID] = true
	return nil
}

// Read возвращает все записи журнала (для консоли и отчета рана).
func (fl *FileLog) Read(ctx context.Context) ([]domain.Violation, error) {
	f, err := os.Open(fl.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open violation log: %w", err)
	}
	defer f.Close()

	var out []domain.Violation
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var v domain.Violation
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, fmt.Errorf("corrupt violation log line: %w", err)
		}
		out = append(out, v)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read violation log: %w", err)
	}
	return out, nil
}
