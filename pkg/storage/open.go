package storage

import "fmt"

// Backend names the persistence engine behind a LocalStore
type Backend string

const (
	BackendBolt   Backend = "bolt"
	BackendSQLite Backend = "sqlite"
)

// Open creates the LocalStore for a backend inside dataDir
func Open(backend Backend, dataDir string) (LocalStore, error) {
	switch backend {
	case BackendBolt, "":
		return NewBoltStore(dataDir)
	case BackendSQLite:
		return NewSQLiteStore(dataDir)
	default:
		return nil, fmt.Errorf("unknown store backend: %q", backend)
	}
}
