// Package snapshot публикует результаты опроса между процессами.
//
// Два канонических файла в PERMDIR:
//   - details.json — последний PollSnapshot
//   - poll.json    — последний список target'ов
//
// Запись: временный файл в том же каталоге → fsync → rename. Читатель
// видит либо старый файл целиком, либо новый целиком. Каждый файл —
// конверт с форматом, типом, версией и sha256 от payload, поэтому
// обрезанный или чужой файл распознаётся при чтении.
package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shaiso/redisctl/internal/domain"
)

// Format — идентификатор формата конверта.
const Format = "redisctl/v1"

// Kind — тип содержимого файла.
type Kind string

const (
	KindSnapshot Kind = "snapshot"
	KindTargets  Kind = "targets"
)

// Имена канонических файлов.
const (
	SnapshotFile = "details.json"
	TargetsFile  = "poll.json"
)

// envelope — то, что лежит на диске.
type envelope struct {
	Format   string          `json:"format"`
	Kind     Kind            `json:"kind"`
	Version  uint64          `json:"version"`
	Checksum string          `json:"checksum"`
	Payload  json.RawMessage `json:"payload"`
}

// Store читает и пишет snapshot'ы в каталоге dir.
//
// Версии монотонны в пределах Store: запись выдаёт max(предыдущая+1, now),
// чтение не возвращает версию меньше уже прочитанной.
type Store struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	written map[Kind]uint64
	read    map[Kind]uint64
}

// New создаёт Store; каталог создаётся при необходимости.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	s := &Store{
		dir:     dir,
		logger:  logger.With("component", "snapshot", "dir", dir),
		written: make(map[Kind]uint64),
		read:    make(map[Kind]uint64),
	}

	// Продолжаем нумерацию после перезапуска
	for _, kind := range []Kind{KindSnapshot, KindTargets} {
		if env, err := s.load(kind); err == nil && env != nil {
			s.written[kind] = env.Version
		}
	}
	return s, nil
}

// Dir возвращает каталог snapshot'ов.
func (s *Store) Dir() string {
	return s.dir
}

// Path возвращает канонический путь файла kind.
func (s *Store) Path(kind Kind) string {
	if kind == KindTargets {
		return filepath.Join(s.dir, TargetsFile)
	}
	return filepath.Join(s.dir, SnapshotFile)
}

// WriteSnapshot публикует snap, выставляя ему версию. Возвращает версию.
func (s *Store) WriteSnapshot(snap *domain.PollSnapshot) (uint64, error) {
	return s.write(KindSnapshot, func(version uint64) any {
		snap.Version = version
		return snap
	})
}

// WriteTargets публикует список target'ов.
func (s *Store) WriteTargets(list *domain.TargetList) (uint64, error) {
	return s.write(KindTargets, func(version uint64) any {
		list.Version = version
		return list
	})
}

// ReadSnapshot возвращает последний snapshot.
// nil без ошибки — данных нет: файла ещё нет, он повреждён или устарел.
func (s *Store) ReadSnapshot() (*domain.PollSnapshot, error) {
	var snap domain.PollSnapshot
	ok, err := s.readKind(KindSnapshot, &snap)
	if !ok {
		return nil, err
	}
	return &snap, nil
}

// ReadTargets возвращает последний список target'ов; nil — данных нет.
func (s *Store) ReadTargets() (*domain.TargetList, error) {
	var list domain.TargetList
	ok, err := s.readKind(KindTargets, &list)
	if !ok {
		return nil, err
	}
	return &list, nil
}

func (s *Store) write(kind Kind, stamp func(version uint64) any) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := uint64(time.Now().UnixNano())
	if prev := s.written[kind]; version <= prev {
		version = prev + 1
	}

	payload, err := json.Marshal(stamp(version))
	if err != nil {
		return 0, fmt.Errorf("marshal %s: %w", kind, err)
	}
	data, err := json.Marshal(envelope{
		Format:   Format,
		Kind:     kind,
		Version:  version,
		Checksum: checksum(payload),
		Payload:  payload,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}

	if err := atomicWrite(s.Path(kind), data); err != nil {
		return 0, err
	}
	s.written[kind] = version
	return version, nil
}

// readKind разбирает файл kind в dst. false без ошибки — данных нет.
func (s *Store) readKind(kind Kind, dst any) (bool, error) {
	env, err := s.load(kind)
	switch {
	case errors.Is(err, ErrCorrupt):
		s.logger.Warn("ignoring corrupt snapshot", "kind", kind, "error", err)
		return false, nil
	case err != nil:
		return false, err
	case env == nil:
		return false, nil
	}

	s.mu.Lock()
	if env.Version < s.read[kind] {
		last := s.read[kind]
		s.mu.Unlock()
		s.logger.Warn("ignoring stale snapshot", "kind", kind, "version", env.Version, "last_read", last, "error", ErrStale)
		return false, nil
	}
	s.read[kind] = env.Version
	s.mu.Unlock()

	if err := json.Unmarshal(env.Payload, dst); err != nil {
		s.logger.Warn("ignoring corrupt snapshot", "kind", kind, "error", err)
		return false, nil
	}
	return true, nil
}

// load читает и проверяет конверт. nil, nil — файла нет.
func (s *Store) load(kind Kind) (*envelope, error) {
	data, err := os.ReadFile(s.Path(kind))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", kind, err)
	}
	return decode(data, kind)
}

// decode разбирает конверт и сверяет формат, тип и контрольную сумму.
func decode(data []byte, kind Kind) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Format != Format {
		return nil, fmt.Errorf("%w: unknown format %q", ErrCorrupt, env.Format)
	}
	if env.Kind != kind {
		return nil, fmt.Errorf("%w: expected kind %s, got %q", ErrCorrupt, kind, env.Kind)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, env.Payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrCorrupt, err)
	}
	if sum := checksum(compact.Bytes()); sum != env.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	return &env, nil
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// atomicWrite пишет data во временный файл рядом с path и переименовывает его.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // после успешного rename файла уже нет

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename to %s: %w", path, err)
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
