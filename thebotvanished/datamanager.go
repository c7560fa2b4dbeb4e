package thebotvanished

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// CoreNamespace is the namespace of the bot's own settings.
const CoreNamespace = "core"

// Manager opens and owns one Store per namespace. Asking for the same
// namespace twice returns the same Store, so every consumer of a
// namespace shares one in-memory document.
type Manager struct {
	dataPath    string
	storageType string
	compact     bool
	db          *gorm.DB
	logger      *slog.Logger
	metrics     *StoreMetrics

	mu     sync.Mutex
	stores map[string]*Store
}

// ManagerOptions configures NewManager.
type ManagerOptions struct {
	// DataPath is the base directory for JSON settings files
	DataPath string

	// StorageType is one of StorageTypeJSON, StorageTypeSQLite or
	// StorageTypePostgres. DB storage types require DB.
	StorageType string

	// CompactJSON disables pretty-printing of settings files
	CompactJSON bool

	DB      *gorm.DB
	Logger  *slog.Logger
	Metrics *StoreMetrics
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	storageType := opts.StorageType
	if storageType == "" {
		storageType = StorageTypeJSON
	}
	switch storageType {
	case StorageTypeJSON:
		if opts.DataPath == "" {
			return nil, errors.New("data path required for json storage")
		}
	case StorageTypeSQLite, StorageTypePostgres:
		if opts.DB == nil {
			return nil, fmt.Errorf("database connection required for %s storage", storageType)
		}
	default:
		return nil, fmt.Errorf("invalid storage type: %q", storageType)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dataPath:    opts.DataPath,
		storageType: storageType,
		compact:     opts.CompactJSON,
		db:          opts.DB,
		logger:      logger,
		metrics:     opts.Metrics,
		stores:      map[string]*Store{},
	}, nil
}

// Core returns the store of the bot's own settings.
func (m *Manager) Core(ctx context.Context) (*Store, error) {
	return m.Namespace(ctx, CoreNamespace)
}

// Namespace returns the store for name, opening it on first use.
func (m *Manager) Namespace(ctx context.Context, name string) (*Store, error) {
	if name == "" {
		return nil, errors.New("namespace required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stores[name]; ok {
		return s, nil
	}

	s, err := OpenStore(
		ctx,
		m.backend(name),
		StoreOptions{Name: name, Logger: m.logger, Metrics: m.metrics},
	)
	if err != nil {
		return nil, err
	}
	m.stores[name] = s
	return s, nil
}

func (m *Manager) backend(name string) Backend {
	if m.storageType != StorageTypeJSON {
		return NewDBBackend(m.db, name, m.logger)
	}
	return NewJSONBackend(m.documentPath(name), m.compact, m.logger)
}

// documentPath returns where the settings file of name lives: the core
// namespace under <data>/core, every other one under <data>/cogs/<name>.
func (m *Manager) documentPath(name string) string {
	if name == CoreNamespace {
		return filepath.Join(m.dataPath, coreDirName, settingsFileName)
	}
	return filepath.Join(m.dataPath, cogsDirName, name, settingsFileName)
}

// Flush synchronously flushes every open store.
func (m *Manager) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range m.openStores() {
		errs = append(errs, s.Flush(ctx))
	}
	return errors.Join(errs...)
}

// Close closes every open store, flushing each one.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, s := range m.openStores() {
		if err := s.Close(ctx); err != nil {
			m.logger.ErrorContext(ctx, "error closing store", "store", s.Name(), tint.Err(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) openStores() []*Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	stores := make([]*Store, 0, len(names))
	for _, name := range names {
		stores = append(stores, m.stores[name])
	}
	return stores
}
