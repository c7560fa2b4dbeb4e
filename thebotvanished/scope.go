package thebotvanished

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// groupSeparator splits a registered key into nested group segments, so
// "auth__consumer_key" lives at [..., "auth", "consumer_key"].
const groupSeparator = "__"

var (
	// ErrUnregisteredKey is returned when a key is read or written before a
	// default was registered for it under the scope's kind.
	ErrUnregisteredKey = errors.New("unregistered key")

	// ErrInvalidScope is returned when a scope is missing an identifier its
	// kind requires, or names an unknown kind.
	ErrInvalidScope = errors.New("invalid scope")

	// ErrInvalidDefault is returned by Register when a default can't be
	// stored as JSON, or collides with an existing key or group.
	ErrInvalidDefault = errors.New("invalid default")
)

// ScopeKind is the top-level namespace a setting lives under.
type ScopeKind string

const (
	ScopeGlobal  ScopeKind = "GLOBAL"
	ScopeGuild   ScopeKind = "GUILD"
	ScopeChannel ScopeKind = "TEXTCHANNEL"
	ScopeMember  ScopeKind = "MEMBER"
	ScopeUser    ScopeKind = "USER"
)

// identifierCount is how many entity IDs each kind needs in its path.
var identifierCount = map[ScopeKind]int{
	ScopeGlobal:  0,
	ScopeGuild:   1,
	ScopeChannel: 1,
	ScopeMember:  2,
	ScopeUser:    1,
}

// Scope identifies one entity whose settings are being accessed.
type Scope struct {
	Kind      ScopeKind
	GuildID   string
	ChannelID string
	UserID    string
}

func Global() Scope { return Scope{Kind: ScopeGlobal} }

func Guild(guildID string) Scope { return Scope{Kind: ScopeGuild, GuildID: guildID} }

func Channel(channelID string) Scope {
	return Scope{Kind: ScopeChannel, ChannelID: channelID}
}

func Member(guildID, userID string) Scope {
	return Scope{Kind: ScopeMember, GuildID: guildID, UserID: userID}
}

func User(userID string) Scope { return Scope{Kind: ScopeUser, UserID: userID} }

// identifiers returns the scope's entity IDs in path order.
func (s Scope) identifiers() ([]string, error) {
	var ids []string
	switch s.Kind {
	case ScopeGlobal:
		return nil, nil
	case ScopeGuild:
		ids = []string{s.GuildID}
	case ScopeChannel:
		ids = []string{s.ChannelID}
	case ScopeMember:
		ids = []string{s.GuildID, s.UserID}
	case ScopeUser:
		ids = []string{s.UserID}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidScope, s.Kind)
	}
	for _, id := range ids {
		if id == "" {
			return nil, fmt.Errorf("%w: %s scope requires %d identifier(s)", ErrInvalidScope, s.Kind, identifierCount[s.Kind])
		}
	}
	return ids, nil
}

// Path returns the document path of the scope itself, without a key.
func (s Scope) Path() (Path, error) {
	ids, err := s.identifiers()
	if err != nil {
		return nil, err
	}
	return append(Path{string(s.Kind)}, ids...), nil
}

func (s Scope) String() string {
	p, err := s.Path()
	if err != nil {
		return fmt.Sprintf("%s(invalid)", s.Kind)
	}
	return p.String()
}

// Path is an ordered list of keys into the stored document.
type Path []string

func (p Path) String() string {
	return strings.Join(p, "/")
}

// defaultGroup is a node in the tree of registered defaults for one kind.
// A name is either a leaf (a default value) or a nested group, never both.
type defaultGroup struct {
	leaves map[string]any
	groups map[string]*defaultGroup
}

func newDefaultGroup() *defaultGroup {
	return &defaultGroup{
		leaves: map[string]any{},
		groups: map[string]*defaultGroup{},
	}
}

// materialize returns a fresh map holding every default in the group.
func (g *defaultGroup) materialize() map[string]any {
	rv := make(map[string]any, len(g.leaves)+len(g.groups))
	for k, v := range g.leaves {
		rv[k] = deepCopy(v)
	}
	for k, sub := range g.groups {
		rv[k] = sub.materialize()
	}
	return rv
}

// overlay returns the group's defaults with stored values laid over them.
// Stored values replace leaf defaults outright; stored maps under a
// registered group are overlaid recursively. stored must already be a copy.
func (g *defaultGroup) overlay(stored map[string]any) map[string]any {
	rv := g.materialize()
	for k, sv := range stored {
		if sub, isGroup := g.groups[k]; isGroup {
			if sm, ok := sv.(map[string]any); ok {
				rv[k] = sub.overlay(sm)
				continue
			}
		}
		rv[k] = sv
	}
	return rv
}

// registry holds the registered defaults of every scope kind.
type registry struct {
	mu    sync.RWMutex
	kinds map[ScopeKind]*defaultGroup
}

func newRegistry() *registry {
	return &registry{kinds: map[ScopeKind]*defaultGroup{}}
}

// register validates and adds the given defaults under kind. Either all
// defaults are added, or none are.
func (r *registry) register(kind ScopeKind, defaults map[string]any) error {
	if _, ok := identifierCount[kind]; !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidScope, kind)
	}

	normalized := make(map[string]any, len(defaults))
	keys := make([]string, 0, len(defaults))
	for key, value := range defaults {
		if _, err := splitKey(key); err != nil {
			return err
		}
		v, err := normalize(value)
		if err != nil {
			return fmt.Errorf("%w: %s.%s: %w", ErrInvalidDefault, kind, key, err)
		}
		normalized[key] = v
		keys = append(keys, key)
	}
	sort.Strings(keys)

	r.mu.Lock()
	defer r.mu.Unlock()

	root, ok := r.kinds[kind]
	if !ok {
		root = newDefaultGroup()
	}
	staged := root.clone()
	for _, key := range keys {
		segments, _ := splitKey(key)
		if err := staged.insert(segments, normalized[key]); err != nil {
			return fmt.Errorf("%w: %s.%s: %w", ErrInvalidDefault, kind, key, err)
		}
	}
	r.kinds[kind] = staged
	return nil
}

func (g *defaultGroup) clone() *defaultGroup {
	c := newDefaultGroup()
	for k, v := range g.leaves {
		c.leaves[k] = v
	}
	for k, sub := range g.groups {
		c.groups[k] = sub.clone()
	}
	return c
}

func (g *defaultGroup) insert(segments []string, value any) error {
	node := g
	for _, seg := range segments[:len(segments)-1] {
		if _, isLeaf := node.leaves[seg]; isLeaf {
			return fmt.Errorf("%q is already registered as a value", seg)
		}
		sub, ok := node.groups[seg]
		if !ok {
			sub = newDefaultGroup()
			node.groups[seg] = sub
		}
		node = sub
	}
	last := segments[len(segments)-1]
	if _, isGroup := node.groups[last]; isGroup {
		return fmt.Errorf("%q is already registered as a group", last)
	}
	node.leaves[last] = value
	return nil
}

// resolved is the result of resolving a (scope, key) pair. group is set
// when the key names a group of defaults rather than a single value.
type resolved struct {
	path         Path
	defaultValue any
	group        *defaultGroup
}

// resolve maps a scope and key to its document path and registered default.
func (r *registry) resolve(scope Scope, key string) (resolved, error) {
	scopePath, err := scope.Path()
	if err != nil {
		return resolved{}, err
	}
	segments, err := splitKey(key)
	if err != nil {
		return resolved{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.kinds[scope.Kind]
	if !ok {
		return resolved{}, fmt.Errorf("%w: %s.%s", ErrUnregisteredKey, scope.Kind, key)
	}
	for _, seg := range segments[:len(segments)-1] {
		node, ok = node.groups[seg]
		if !ok {
			return resolved{}, fmt.Errorf("%w: %s.%s", ErrUnregisteredKey, scope.Kind, key)
		}
	}

	rv := resolved{path: append(scopePath, segments...)}
	last := segments[len(segments)-1]
	if v, isLeaf := node.leaves[last]; isLeaf {
		rv.defaultValue = deepCopy(v)
		return rv, nil
	}
	if sub, isGroup := node.groups[last]; isGroup {
		rv.defaultValue = sub.materialize()
		rv.group = sub
		return rv, nil
	}
	return resolved{}, fmt.Errorf("%w: %s.%s", ErrUnregisteredKey, scope.Kind, key)
}

// kindDefaults returns the root group of defaults registered for kind.
// Nodes are never modified after registration, so the result is safe to
// use without holding the lock.
func (r *registry) kindDefaults(kind ScopeKind) *defaultGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.kinds[kind]
	if !ok {
		return newDefaultGroup()
	}
	return node
}

func splitKey(key string) ([]string, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidDefault)
	}
	segments := strings.Split(key, groupSeparator)
	for _, seg := range segments {
		if seg == "" {
			return nil, fmt.Errorf("%w: malformed key %q", ErrInvalidDefault, key)
		}
	}
	return segments, nil
}
