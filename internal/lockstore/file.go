package lockstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/xela07ax/agent-warden/internal/domain"
)

// FileStore — файловый бэкенд: одна JSON-запись на ресурс в общей директории.
// Атомарность create-if-absent дает O_CREATE|O_EXCL на уровне syscall,
// поэтому примитив честный и для держателей в разных процессах/контейнерах.
// Записи переживают рестарт координатора: состояние восстанавливается чтением директории.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// lockPath — имя файла из resource_id; QueryEscape, чтобы пути вида "db/schema.sql"
// не превращались в поддиректории.
func (s *FileStore) lockPath(resourceID string) string {
	return filepath.Join(s.dir, url.QueryEscape(resourceID)+".lock")
}

func (s *FileStore) TryCreate(ctx context.Context, lock domain.Lock) error {
	f, err := os.OpenFile(s.lockPath(lock.ResourceID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			return ErrExists
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	data, err := json.Marshal(lock)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("failed to marshal lock record: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("failed to close lock file: %w", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, resourceID string) (domain.Lock, error) {
	return s.read(s.lockPath(resourceID))
}

func (s *FileStore) read(path string) (domain.Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Lock{}, ErrNotFound
		}
		return domain.Lock{}, fmt.Errorf("failed to read lock file: %w", err)
	}
	var lock domain.Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return domain.Lock{}, fmt.Errorf("corrupt lock file %s: %w", path, err)
	}
	return lock, nil
}

func (s *FileStore) CompareAndDelete(ctx context.Context, resourceID, token string) error {
	lock, err := s.Get(ctx, resourceID)
	if err != nil {
		return err
	}
	if lock.Token != token {
		return ErrTokenMismatch
	}
	if err := os.Remove(s.lockPath(resourceID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (s *FileStore) CompareAndUpdate(ctx context.Context, resourceID, token string, lock domain.Lock) error {
	current, err := s.Get(ctx, resourceID)
	if err != nil {
		return err
	}
	if current.Token != token {
		return ErrTokenMismatch
	}

	// Запись через temp + rename: читатели никогда не видят недописанный JSON
	data, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("failed to marshal lock record: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".renew-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.lockPath(resourceID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace lock file: %w", err)
	}
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]domain.Lock, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read lock directory: %w", err)
	}

	locks := make([]domain.Lock, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		lock, err := s.read(filepath.Join(s.dir, e.Name()))
		if err != nil {
			// Файл мог исчезнуть между ReadDir и чтением (конкурентный release)
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		locks = append(locks, lock)
	}
	return locks, nil
}
