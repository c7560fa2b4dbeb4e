package thebotvanished

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mitchellh/mapstructure"
)

var (
	// ErrStoreClosed is returned by mutations after Close has been called.
	ErrStoreClosed = errors.New("store closed")

	// ErrSkipUpdate is returned by an Update callback to leave the stored
	// value untouched. Update itself then returns nil.
	ErrSkipUpdate = errors.New("skip update")
)

// StoreOptions configures OpenStore.
type StoreOptions struct {
	// Name identifies the store in logs and metrics
	Name string

	Logger  *slog.Logger
	Metrics *StoreMetrics
}

// Store is a namespaced, nested key-value document with registered
// defaults, kept in memory and flushed to a Backend in the background.
//
// Reads and mutations are applied to the in-memory document under a lock
// and are immediately visible to every reader. Each mutation schedules a
// flush. Flushes are coalesced and serialized by flushMu: a flush takes its
// snapshot only after acquiring flushMu, so it never writes a document
// older than any mutation that completed before it started.
type Store struct {
	name     string
	backend  Backend
	logger   *slog.Logger
	metrics  *StoreMetrics
	defaults *registry

	// protects doc, generation and closed
	mu  sync.RWMutex
	doc map[string]any

	// incremented by each mutation
	generation uint64

	// set by Close; mutations are rejected once set
	closed bool

	// single writer lock for the backend
	flushMu sync.Mutex

	// generation of the last successful flush, guarded by flushMu
	flushedGeneration uint64

	triggerFlushCh chan struct{}
	stopCh         chan struct{}
	flusherDone    chan struct{}
	closeOnce      sync.Once
}

// OpenStore loads the document from backend and starts the background
// flusher. Load failures are returned wrapping ErrConfigLoad.
func OpenStore(ctx context.Context, backend Backend, opts StoreOptions) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := opts.Name
	if name == "" {
		name = backend.String()
	}
	s := &Store{
		name:           name,
		backend:        backend,
		logger:         logger.With(loggerNameKey, "store", "store", name),
		metrics:        opts.Metrics,
		defaults:       newRegistry(),
		triggerFlushCh: make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		flusherDone:    make(chan struct{}),
	}

	doc, err := backend.Load(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "error loading document", tint.Err(err))
		if !errors.Is(err, ErrConfigLoad) {
			err = fmt.Errorf("%w: %w", ErrConfigLoad, err)
		}
		return nil, err
	}
	s.doc = doc
	s.logger.InfoContext(ctx, "loaded document", "backend", backend.String())

	go s.watchFlushes()
	return s, nil
}

func (s *Store) Name() string {
	return s.name
}

// Register adds defaults for keys under kind. Registering an existing key
// again replaces its default, but never changes a stored value.
func (s *Store) Register(kind ScopeKind, defaults map[string]any) error {
	return s.defaults.register(kind, defaults)
}

// Resolve returns the document path of key under scope, and a copy of
// its registered default.
func (s *Store) Resolve(scope Scope, key string) (Path, any, error) {
	r, err := s.defaults.resolve(scope, key)
	if err != nil {
		return nil, nil, err
	}
	return r.path, r.defaultValue, nil
}

// Get returns a copy of the value stored for key under scope, or a copy of
// its registered default if nothing is stored. For a group key, stored
// values are laid over the group's defaults.
func (s *Store) Get(scope Scope, key string) (any, error) {
	r, err := s.defaults.resolve(scope, key)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	stored, found := lookupPath(s.doc, r.path)
	if found {
		stored = deepCopy(stored)
	}
	s.mu.RUnlock()

	if !found {
		return r.defaultValue, nil
	}
	if r.group != nil {
		if m, ok := stored.(map[string]any); ok {
			return r.group.overlay(m), nil
		}
	}
	return stored, nil
}

// Decode gets the value for key under scope and decodes it into out, which
// must be a pointer. Struct fields are matched by their json tag.
func (s *Store) Decode(scope Scope, key string, out any) error {
	v, err := s.Get(scope, key)
	if err != nil {
		return err
	}
	return decodeValue(v, out)
}

func decodeValue(v any, out any) error {
	dec, err := mapstructure.NewDecoder(
		&mapstructure.DecoderConfig{
			Result:           out,
			TagName:          "json",
			WeaklyTypedInput: true,
		},
	)
	if err != nil {
		return err
	}
	return dec.Decode(v)
}

// Set stores value for key under scope, creating intermediate maps as
// needed, and schedules a flush. value is stored in its JSON form, so
// later reads return generic values (map[string]any, []any, json.Number...).
func (s *Store) Set(scope Scope, key string, value any) error {
	r, err := s.defaults.resolve(scope, key)
	if err != nil {
		return err
	}
	v, err := normalize(value)
	if err != nil {
		return fmt.Errorf("%s: %w", r.path, err)
	}
	if r.group != nil {
		if _, ok := v.(map[string]any); !ok && v != nil {
			return fmt.Errorf("%s: group value must be an object, got %T", r.path, value)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	if replaced := setPath(s.doc, r.path, v); replaced {
		s.logger.Warn("replaced non-object value on path", "path", r.path.String())
	}
	s.generation++
	s.mu.Unlock()

	s.metrics.observeWrite(s.name, "set")
	s.scheduleFlush()
	return nil
}

// Update replaces the value for key under scope with the result of fn.
// fn receives a copy of the current value, or of the default if nothing is
// stored. Reading, calling fn and writing happen under the document lock,
// so concurrent updates of one key are applied one after the other. fn
// must not call back into the store. If fn returns an error nothing is
// written; ErrSkipUpdate is swallowed, any other error is returned.
func (s *Store) Update(scope Scope, key string, fn func(v any) (any, error)) error {
	r, err := s.defaults.resolve(scope, key)
	if err != nil {
		return err
	}
	if err = s.update(r, fn); err != nil {
		if errors.Is(err, ErrSkipUpdate) {
			return nil
		}
		return err
	}
	s.metrics.observeWrite(s.name, "update")
	s.scheduleFlush()
	return nil
}

func (s *Store) update(r resolved, fn func(v any) (any, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	current := r.defaultValue
	if stored, found := lookupPath(s.doc, r.path); found {
		current = deepCopy(stored)
		if m, ok := current.(map[string]any); ok && r.group != nil {
			current = r.group.overlay(m)
		}
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	v, err := normalize(next)
	if err != nil {
		return fmt.Errorf("%s: %w", r.path, err)
	}
	if r.group != nil {
		if _, ok := v.(map[string]any); !ok && v != nil {
			return fmt.Errorf("%s: group value must be an object, got %T", r.path, next)
		}
	}
	if replaced := setPath(s.doc, r.path, v); replaced {
		s.logger.Warn("replaced non-object value on path", "path", r.path.String())
	}
	s.generation++
	return nil
}

// UpdateValue is Update for a typed value: the current value is decoded
// into a T the way Decode does, fn changes it in place, and the result is
// stored.
func UpdateValue[T any](s *Store, scope Scope, key string, fn func(v *T) error) error {
	return s.Update(
		scope, key, func(current any) (any, error) {
			var v T
			if err := decodeValue(current, &v); err != nil {
				return nil, err
			}
			if err := fn(&v); err != nil {
				return nil, err
			}
			return v, nil
		},
	)
}

// Clear removes the value stored for key under scope, so later reads
// return the default. Clearing an absent value is a no-op and doesn't
// schedule a flush.
func (s *Store) Clear(scope Scope, key string) error {
	r, err := s.defaults.resolve(scope, key)
	if err != nil {
		return err
	}
	return s.clearPath(r.path)
}

// ClearScope removes every value stored for the entity scope refers to.
func (s *Store) ClearScope(scope Scope) error {
	if scope.Kind == ScopeGlobal {
		return fmt.Errorf("%w: refusing to clear the global scope", ErrInvalidScope)
	}
	p, err := scope.Path()
	if err != nil {
		return err
	}
	return s.clearPath(p)
}

func (s *Store) clearPath(p Path) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	removed := deletePath(s.doc, p)
	if removed {
		s.generation++
	}
	s.mu.Unlock()

	if removed {
		s.metrics.observeWrite(s.name, "clear")
		s.scheduleFlush()
	}
	return nil
}

// All returns the settings of every stored entity of a single-identifier
// kind (guild, channel, user), keyed by entity ID, with defaults filled in.
func (s *Store) All(kind ScopeKind) (map[string]map[string]any, error) {
	if identifierCount[kind] != 1 {
		return nil, fmt.Errorf("%w: All requires a single-identifier kind, got %q", ErrInvalidScope, kind)
	}
	return s.allUnder(kind, Path{string(kind)}), nil
}

// AllMembers returns the settings of every stored member of a guild.
func (s *Store) AllMembers(guildID string) (map[string]map[string]any, error) {
	if guildID == "" {
		return nil, fmt.Errorf("%w: guild ID required", ErrInvalidScope)
	}
	return s.allUnder(ScopeMember, Path{string(ScopeMember), guildID}), nil
}

func (s *Store) allUnder(kind ScopeKind, p Path) map[string]map[string]any {
	defaults := s.defaults.kindDefaults(kind)

	s.mu.RLock()
	v, found := lookupPath(s.doc, p)
	var entities map[string]any
	if found {
		if m, ok := v.(map[string]any); ok {
			entities, _ = deepCopy(m).(map[string]any)
		}
	}
	s.mu.RUnlock()

	rv := make(map[string]map[string]any, len(entities))
	for id, data := range entities {
		m, ok := data.(map[string]any)
		if !ok {
			continue
		}
		rv[id] = defaults.overlay(m)
	}
	return rv
}

// scheduleFlush requests a flush without blocking. Requests made while one
// is already pending are coalesced into it.
func (s *Store) scheduleFlush() {
	select {
	case s.triggerFlushCh <- struct{}{}:
	default:
	}
}

func (s *Store) watchFlushes() {
	defer close(s.flusherDone)
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.triggerFlushCh:
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Error("error flushing document", tint.Err(err))
			}
		}
	}
}

// Flush writes the current document to the backend if it changed since
// the last successful flush, and returns once the write is done.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.RLock()
	generation := s.generation
	if generation == s.flushedGeneration {
		s.mu.RUnlock()
		return nil
	}
	snapshot, _ := deepCopy(s.doc).(map[string]any)
	s.mu.RUnlock()

	start := time.Now()
	err := s.backend.Save(ctx, snapshot)
	elapsed := time.Since(start)
	s.metrics.observeFlush(s.name, elapsed, err)
	if err != nil {
		return fmt.Errorf("error saving %s: %w", s.name, err)
	}
	s.flushedGeneration = generation
	s.logger.DebugContext(
		ctx,
		"flushed document",
		"generation", generation,
		"elapsed", elapsed,
	)
	return nil
}

// Close stops the background flusher and performs a final flush. Further
// mutations return ErrStoreClosed. Reads keep working. If the final flush
// fails or ctx ends first, Close can be called again to retry it.
func (s *Store) Close(ctx context.Context) error {
	s.closeOnce.Do(
		func() {
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			close(s.stopCh)
		},
	)
	select {
	case <-s.flusherDone:
	case <-ctx.Done():
		return fmt.Errorf("error stopping %s flusher: %w", s.name, ctx.Err())
	}
	return s.Flush(ctx)
}

// lookupPath returns the value at p within doc.
func lookupPath(doc map[string]any, p Path) (any, bool) {
	var current any = doc
	for _, key := range p {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// setPath stores v at p, creating intermediate maps. It reports whether
// a non-map value had to be replaced along the way.
func setPath(doc map[string]any, p Path, v any) (replaced bool) {
	current := doc
	for _, key := range p[:len(p)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			if _, exists := current[key]; exists {
				replaced = true
			}
			next = map[string]any{}
			current[key] = next
		}
		current = next
	}
	current[p[len(p)-1]] = v
	return replaced
}

// deletePath removes the value at p, reporting whether anything was there.
func deletePath(doc map[string]any, p Path) bool {
	current := doc
	for _, key := range p[:len(p)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			return false
		}
		current = next
	}
	last := p[len(p)-1]
	if _, ok := current[last]; !ok {
		return false
	}
	delete(current, last)
	return true
}
