package snapshot

import "errors"

var (
	// ErrCorrupt — файл не разбирается или контрольная сумма не совпала.
	ErrCorrupt = errors.New("snapshot corrupt")

	// ErrStale — версия в файле меньше уже прочитанной этим Store.
	ErrStale = errors.New("snapshot stale")
)
