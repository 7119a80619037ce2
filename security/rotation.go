package security

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-openbanking/core"
)

// KeyRotationWindow gates when a key version is allowed to encrypt/decrypt.
type KeyRotationWindow struct {
	NotBefore time.Time
	NotAfter  time.Time
}

func (w KeyRotationWindow) Allows(at time.Time) bool {
	ts := at.UTC()
	if !w.NotBefore.IsZero() && ts.Before(w.NotBefore.UTC()) {
		return false
	}
	if !w.NotAfter.IsZero() && ts.After(w.NotAfter.UTC()) {
		return false
	}
	return true
}

// KeyRing holds the active master key plus older keys that may still decrypt
// existing entries.
type KeyRing struct {
	mu      sync.RWMutex
	active  KeyMaterial
	keys    map[string]KeyMaterial
	windows map[string]KeyRotationWindow
}

func NewKeyRing(active KeyMaterial, previous ...KeyMaterial) (*KeyRing, error) {
	if err := active.validate(); err != nil {
		return nil, err
	}
	ring := &KeyRing{
		active:  active.clone(),
		keys:    map[string]KeyMaterial{active.ref(): active.clone()},
		windows: map[string]KeyRotationWindow{},
	}
	for _, key := range previous {
		if err := ring.Add(key); err != nil {
			return nil, err
		}
	}
	return ring, nil
}

// Add registers a decrypt-only key.
func (r *KeyRing) Add(key KeyMaterial) error {
	if err := key.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[key.ref()] = key.clone()
	return nil
}

// Rotate makes key the active encryption key. The previous active key stays
// available for decryption.
func (r *KeyRing) Rotate(key KeyMaterial) error {
	if err := key.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[key.ref()] = key.clone()
	r.active = key.clone()
	return nil
}

// SetWindow limits when the key identified by id and version may be used.
func (r *KeyRing) SetWindow(id string, version int, window KeyRotationWindow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows[keyRef(id, version)] = window
}

func (r *KeyRing) Active() (KeyMaterial, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active.clone(), nil
}

func (r *KeyRing) lookup(id string, version int, at time.Time) (KeyMaterial, error) {
	ref := keyRef(id, version)
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[ref]
	if !ok {
		return KeyMaterial{}, core.NewErrorWithMetadata(
			core.ErrorKindKeystoreUnavailable,
			nil,
			fmt.Sprintf("security: no key for %s", ref),
			map[string]any{"key_id": id, "key_version": version},
		)
	}
	if window, ok := r.windows[ref]; ok && !window.Allows(at) {
		return KeyMaterial{}, core.NewErrorWithMetadata(
			core.ErrorKindKeystoreUnavailable,
			nil,
			fmt.Sprintf("security: key %s is outside its rotation window", ref),
			map[string]any{"key_id": id, "key_version": version},
		)
	}
	return key.clone(), nil
}

func (r *KeyRing) activeAt(at time.Time) (KeyMaterial, error) {
	r.mu.RLock()
	active := r.active.clone()
	window, hasWindow := r.windows[active.ref()]
	r.mu.RUnlock()
	if hasWindow && !window.Allows(at) {
		return KeyMaterial{}, core.NewErrorWithMetadata(
			core.ErrorKindKeystoreUnavailable,
			nil,
			fmt.Sprintf("security: active key %s is outside its rotation window", active.ref()),
			map[string]any{"key_id": active.ID, "key_version": active.Version},
		)
	}
	return active, nil
}

func keyRef(id string, version int) string {
	return fmt.Sprintf("%s:%d", strings.TrimSpace(id), version)
}
