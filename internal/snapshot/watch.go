package snapshot

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch вызывает onChange каждый раз, когда канонический файл заменён.
// Блокирует до отмены ctx.
//
// Наблюдается каталог, а не файлы: rename подменяет inode, и watch
// на сам файл после первой записи перестал бы срабатывать.
func (s *Store) Watch(ctx context.Context, onChange func(Kind)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify setup: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("fsnotify watcher reported error", "error", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Write) {
				continue
			}
			switch filepath.Base(ev.Name) {
			case SnapshotFile:
				onChange(KindSnapshot)
			case TargetsFile:
				onChange(KindTargets)
			}
		}
	}
}
