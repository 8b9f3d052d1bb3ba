package storage

import (
	"fmt"
	"path/filepath"
)

const (
	KindCSV    = "csv"
	KindMemory = "memory"
	KindSQLite = "sqlite"
)

func NewSink(kind, dir, sqlitePath string) (Sink, error) {
	switch kind {
	case "", KindCSV:
		return NewCSVSink(dir), nil
	case KindMemory:
		return NewMemorySink(), nil
	case KindSQLite:
		if sqlitePath != "" && !filepath.IsAbs(sqlitePath) && dir != "" {
			sqlitePath = filepath.Join(dir, sqlitePath)
		}
		return newSQLiteSink(sqlitePath)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", kind)
	}
}

func CloseIfSupported(sink Sink) error {
	closer, ok := sink.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
