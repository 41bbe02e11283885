// Package variables implements the typed key/value scope of a running
// process instance. Every variable carries a visibility tag that controls
// how it is persisted and exposed: logged values are stored in plaintext,
// hidden values only as a one-way hash, and sensitive values reversibly
// encrypted for internal step input mapping.
package variables

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Visibility classifies how a variable may be stored and exposed.
type Visibility string

const (
	// VisibilityLogged is the default: plaintext, visible everywhere.
	VisibilityLogged Visibility = "logged"

	// VisibilityHidden stores only a one-way hash. The original value is
	// unrecoverable; logs, UI and API see the hash.
	VisibilityHidden Visibility = "hidden"

	// VisibilitySensitive stores the value reversibly encrypted. It is
	// excluded from logs, UI and API, and decrypted only for internal step
	// input mapping.
	VisibilitySensitive Visibility = "sensitive"
)

// MaskedValue is what external consumers see in place of a sensitive value.
const MaskedValue = "********"

// entry is the in-memory representation of one variable.
type entry struct {
	visibility Visibility
	// plain holds the live value for logged variables
	plain interface{}
	// hash holds the hex sha256 for hidden variables
	hash string
	// ciphertext holds the encrypted payload for sensitive variables
	ciphertext string
}

// Store is the variable scope of a single process instance. It is safe for
// concurrent use; the engine serializes writes per instance, but parallel
// group members may read concurrently.
//
// Every Set marks the store dirty. The engine must persist a dirty store
// before the next step dispatch so that no variable value can be lost
// across a crash between steps.
type Store struct {
	mu     sync.RWMutex
	values map[string]entry
	cipher *Cipher
	dirty  bool
}

// NewStore creates an empty variable store. The cipher may be nil, in which
// case setting a sensitive variable fails.
func NewStore(cipher *Cipher) *Store {
	return &Store{
		values: make(map[string]entry),
		cipher: cipher,
	}
}

// Set stores a variable under the given visibility and marks the store
// dirty. Hidden values are hashed immediately; sensitive values are
// encrypted immediately, so plaintext never rests in the store.
func (s *Store) Set(name string, value interface{}, visibility Visibility) error {
	if name == "" {
		return fmt.Errorf("variable name cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch visibility {
	case "", VisibilityLogged:
		s.values[name] = entry{visibility: VisibilityLogged, plain: value}
	case VisibilityHidden:
		s.values[name] = entry{visibility: VisibilityHidden, hash: hashValue(value)}
	case VisibilitySensitive:
		if s.cipher == nil {
			return fmt.Errorf("cannot set sensitive variable %q: no cipher configured", name)
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode sensitive variable %q: %w", name, err)
		}
		ct, err := s.cipher.Encrypt(raw)
		if err != nil {
			return fmt.Errorf("failed to encrypt variable %q: %w", name, err)
		}
		s.values[name] = entry{visibility: VisibilitySensitive, ciphertext: ct}
	default:
		return fmt.Errorf("unknown visibility %q for variable %q", visibility, name)
	}

	s.dirty = true
	return nil
}

// Get returns the externally visible value of a variable: the plaintext for
// logged, the hash for hidden, and a mask for sensitive.
func (s *Store) Get(name string) (interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.values[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sdkerrors.ErrVariableNotFound, name)
	}
	switch e.visibility {
	case VisibilityHidden:
		return e.hash, nil
	case VisibilitySensitive:
		return MaskedValue, nil
	default:
		return e.plain, nil
	}
}

// Resolve returns the internal value of a variable for step input mapping.
// Sensitive values are decrypted; hidden values are one-way and resolve to
// their hash.
func (s *Store) Resolve(name string) (interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.values[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sdkerrors.ErrVariableNotFound, name)
	}
	switch e.visibility {
	case VisibilityHidden:
		return e.hash, nil
	case VisibilitySensitive:
		if s.cipher == nil {
			return nil, fmt.Errorf("cannot resolve sensitive variable %q: no cipher configured", name)
		}
		raw, err := s.cipher.Decrypt(e.ciphertext)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt variable %q: %w", name, err)
		}
		var value interface{}
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("failed to decode variable %q: %w", name, err)
		}
		return value, nil
	default:
		return e.plain, nil
	}
}

// Visibility returns the visibility tag of a variable.
func (s *Store) Visibility(name string) (Visibility, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.values[name]
	if !ok {
		return "", false
	}
	return e.visibility, true
}

// Has reports whether a variable exists regardless of visibility.
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[name]
	return ok
}

// Names returns all variable names in sorted order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns only logged variables, for external consumption (UI,
// API, condition evaluation context enrichment). Hidden and sensitive
// variables are excluded entirely.
func (s *Store) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]interface{})
	for name, e := range s.values {
		if e.visibility == VisibilityLogged {
			out[name] = e.plain
		}
	}
	return out
}

// External returns the externally visible value of every variable keyed by
// name, together with a visibility map. Used for instance snapshots.
func (s *Store) External() (map[string]interface{}, map[string]string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make(map[string]interface{}, len(s.values))
	visibility := make(map[string]string, len(s.values))
	for name, e := range s.values {
		visibility[name] = string(e.visibility)
		switch e.visibility {
		case VisibilityHidden:
			values[name] = e.hash
		case VisibilitySensitive:
			values[name] = MaskedValue
		default:
			values[name] = e.plain
		}
	}
	return values, visibility
}

// Dirty reports whether the store has unpersisted writes.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// ClearDirty marks the store as persisted. Called by the engine after a
// successful write-through to the persistent store.
func (s *Store) ClearDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = false
}

// persistedVar is the wire form of one variable.
type persistedVar struct {
	Visibility Visibility      `json:"visibility"`
	Value      json.RawMessage `json:"value,omitempty"`
	Hash       string          `json:"hash,omitempty"`
	Ciphertext string          `json:"ciphertext,omitempty"`
}

// Export serializes the store for persistence. Sensitive values remain
// ciphertext; nothing leaves the store in plaintext except logged values.
func (s *Store) Export() (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.values))
	for name, e := range s.values {
		pv := persistedVar{Visibility: e.visibility}
		switch e.visibility {
		case VisibilityHidden:
			pv.Hash = e.hash
		case VisibilitySensitive:
			pv.Ciphertext = e.ciphertext
		default:
			raw, err := json.Marshal(e.plain)
			if err != nil {
				return nil, fmt.Errorf("failed to encode variable %q: %w", name, err)
			}
			pv.Value = raw
		}
		data, err := json.Marshal(pv)
		if err != nil {
			return nil, fmt.Errorf("failed to encode variable %q: %w", name, err)
		}
		out[name] = string(data)
	}
	return out, nil
}

// Import restores a store from its persisted form. The restored store is
// clean (not dirty).
func Import(encoded map[string]string, cipher *Cipher) (*Store, error) {
	s := NewStore(cipher)
	for name, data := range encoded {
		var pv persistedVar
		if err := json.Unmarshal([]byte(data), &pv); err != nil {
			return nil, fmt.Errorf("failed to decode variable %q: %w", name, err)
		}
		switch pv.Visibility {
		case VisibilityHidden:
			s.values[name] = entry{visibility: VisibilityHidden, hash: pv.Hash}
		case VisibilitySensitive:
			s.values[name] = entry{visibility: VisibilitySensitive, ciphertext: pv.Ciphertext}
		default:
			var value interface{}
			if len(pv.Value) > 0 {
				if err := json.Unmarshal(pv.Value, &value); err != nil {
					return nil, fmt.Errorf("failed to decode variable %q: %w", name, err)
				}
			}
			s.values[name] = entry{visibility: VisibilityLogged, plain: value}
		}
	}
	return s, nil
}

// hashValue produces the hex sha256 of a value's JSON encoding.
func hashValue(value interface{}) string {
	raw, err := json.Marshal(value)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", value))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
