package security

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-openbanking/core"
)

const defaultAuthenticationPrompt = "Unlock your bank connection"

// Vault encrypts credentials before they reach a SecureStore. Each entry is
// sealed with a data key derived from the master key and the entry name, and
// gated entries require the user to authenticate on every read.
type Vault struct {
	store         SecureStore
	ring          *KeyRing
	cipher        Cipher
	authenticator Authenticator
	posture       DevicePosture
	prompt        string
	minimum       SecurityLevel
	locks         *core.KeyedMutex
	metrics       core.MetricsRecorder
	logger        core.Logger
	now           func() time.Time

	decryptKeys []KeyMaterial
	windows     map[string]KeyRotationWindow
}

type VaultOption func(*Vault)

func WithCipher(alg Cipher) VaultOption {
	return func(v *Vault) {
		v.cipher = alg
	}
}

func WithAuthenticator(authenticator Authenticator) VaultOption {
	return func(v *Vault) {
		v.authenticator = authenticator
	}
}

func WithDevicePosture(posture DevicePosture) VaultOption {
	return func(v *Vault) {
		v.posture = posture
	}
}

func WithAuthenticationPrompt(prompt string) VaultOption {
	return func(v *Vault) {
		if trimmed := strings.TrimSpace(prompt); trimmed != "" {
			v.prompt = trimmed
		}
	}
}

// WithMinimumSecurityLevel makes every Store and Retrieve fail while the
// device reports a weaker posture.
func WithMinimumSecurityLevel(level SecurityLevel) VaultOption {
	return func(v *Vault) {
		v.minimum = level
	}
}

// WithDecryptKeys registers retired master keys that may still open
// existing entries.
func WithDecryptKeys(keys ...KeyMaterial) VaultOption {
	return func(v *Vault) {
		v.decryptKeys = append(v.decryptKeys, keys...)
	}
}

func WithKeyRotationWindow(keyID string, version int, window KeyRotationWindow) VaultOption {
	return func(v *Vault) {
		if v.windows == nil {
			v.windows = map[string]KeyRotationWindow{}
		}
		v.windows[keyRef(keyID, version)] = window
	}
}

func WithVaultMetricsRecorder(recorder core.MetricsRecorder) VaultOption {
	return func(v *Vault) {
		v.metrics = recorder
	}
}

func WithVaultLogger(logger core.Logger) VaultOption {
	return func(v *Vault) {
		v.logger = logger
	}
}

func WithVaultClock(now func() time.Time) VaultOption {
	return func(v *Vault) {
		v.now = now
	}
}

func NewVault(ctx context.Context, store SecureStore, provider KeyProvider, opts ...VaultOption) (*Vault, error) {
	if store == nil {
		return nil, core.NewError(core.ErrorKindConfiguration, "security: secure store is required")
	}
	if provider == nil {
		return nil, core.NewError(core.ErrorKindConfiguration, "security: key provider is required")
	}
	vault := &Vault{
		store:   store,
		cipher:  CipherAES256GCM,
		prompt:  defaultAuthenticationPrompt,
		locks:   core.NewKeyedMutex(),
		metrics: core.NopMetricsRecorder{},
		logger:  glog.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(vault)
		}
	}
	if _, err := ParseCipher(string(vault.cipher)); err != nil {
		return nil, err
	}
	if vault.metrics == nil {
		vault.metrics = core.NopMetricsRecorder{}
	}
	vault.logger = glog.Ensure(vault.logger)

	master, err := provider.MasterKey(ctx)
	if err != nil {
		return nil, wrapKeystore(err, "security: load master key")
	}
	ring, err := NewKeyRing(master, vault.decryptKeys...)
	zero(master.Key)
	if err != nil {
		return nil, err
	}
	for ref, window := range vault.windows {
		ring.windows[ref] = window
	}
	vault.ring = ring
	vault.decryptKeys = nil
	vault.windows = nil
	return vault, nil
}

// Store seals plaintext under key. An existing gate on the entry is kept.
func (v *Vault) Store(ctx context.Context, key string, plaintext []byte) (err error) {
	defer func() { v.record(ctx, "store", err) }()
	key, err = normalizeEntryKey(key)
	if err != nil {
		return err
	}
	if err = v.requireMinimum(ctx); err != nil {
		return err
	}
	unlock := v.locks.Lock(key)
	defer unlock()

	gated := false
	existing, found, err := v.store.Get(ctx, key)
	if err != nil {
		return wrapKeystore(err, "security: read existing entry")
	}
	if found {
		if meta, metaErr := ParseEnvelopeMetadata(existing); metaErr == nil {
			gated = meta.Gated
		}
	}
	blob, err := v.seal(key, plaintext, gated)
	if err != nil {
		return err
	}
	if err = v.store.Put(ctx, key, blob); err != nil {
		return wrapKeystore(err, "security: write entry")
	}
	return nil
}

// Retrieve opens the entry stored under key. Absent keys report found=false.
// Gated entries prompt the authenticator first and nothing is decrypted when
// the user cancels.
func (v *Vault) Retrieve(ctx context.Context, key string) (plaintext []byte, found bool, err error) {
	defer func() { v.record(ctx, "retrieve", err) }()
	key, err = normalizeEntryKey(key)
	if err != nil {
		return nil, false, err
	}
	if err = v.requireMinimum(ctx); err != nil {
		return nil, false, err
	}
	blob, found, err := v.store.Get(ctx, key)
	if err != nil {
		return nil, false, wrapKeystore(err, "security: read entry")
	}
	if !found {
		return nil, false, nil
	}
	env, err := decodeEnvelope(blob)
	if err != nil {
		return nil, false, err
	}
	if env.Gated {
		if err = v.authenticate(ctx); err != nil {
			return nil, false, err
		}
	}
	plaintext, err = v.open(key, env)
	if err != nil {
		return nil, false, err
	}
	return plaintext, true, nil
}

// Delete removes key. Deleting an absent key succeeds.
func (v *Vault) Delete(ctx context.Context, key string) (err error) {
	defer func() { v.record(ctx, "delete", err) }()
	key, err = normalizeEntryKey(key)
	if err != nil {
		return err
	}
	unlock := v.locks.Lock(key)
	defer unlock()
	if err = v.store.Delete(ctx, key); err != nil {
		return wrapKeystore(err, "security: delete entry")
	}
	return nil
}

// DeleteAll removes every entry and reports the keys that could not be
// removed.
func (v *Vault) DeleteAll(ctx context.Context) error {
	keys, err := v.store.Keys(ctx)
	if err != nil {
		return wrapKeystore(err, "security: list entries")
	}
	var failures []error
	for _, key := range keys {
		if err := v.Delete(ctx, key); err != nil {
			v.logger.Warn("vault entry delete failed", "key", key, "error", err)
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		return wrapKeystore(errors.Join(failures...), fmt.Sprintf("security: %d of %d entries not deleted", len(failures), len(keys)))
	}
	return nil
}

// RequireBiometricGate marks an existing entry so every later Retrieve
// needs the user to authenticate. The gate flag is bound into the
// ciphertext, so stripping it from the envelope breaks decryption.
func (v *Vault) RequireBiometricGate(ctx context.Context, key string) (err error) {
	defer func() { v.record(ctx, "require_gate", err) }()
	key, err = normalizeEntryKey(key)
	if err != nil {
		return err
	}
	if v.authenticator == nil {
		return core.NewError(core.ErrorKindAuthenticationUnavailable, "security: no authenticator configured")
	}
	if availErr := v.authenticator.Available(ctx); availErr != nil {
		return mapAuthenticationError(availErr)
	}
	unlock := v.locks.Lock(key)
	defer unlock()

	blob, found, err := v.store.Get(ctx, key)
	if err != nil {
		return wrapKeystore(err, "security: read entry")
	}
	if !found {
		return core.NewErrorWithMetadata(core.ErrorKindBadInput, nil, "security: no entry to gate", map[string]any{"key": key})
	}
	env, err := decodeEnvelope(blob)
	if err != nil {
		return err
	}
	if env.Gated {
		return nil
	}
	plaintext, err := v.open(key, env)
	if err != nil {
		return err
	}
	defer zero(plaintext)
	sealed, err := v.seal(key, plaintext, true)
	if err != nil {
		return err
	}
	if err = v.store.Put(ctx, key, sealed); err != nil {
		return wrapKeystore(err, "security: write gated entry")
	}
	return nil
}

// SecurityCompliance evaluates the device posture. Without a probe the
// level is Unknown.
func (v *Vault) SecurityCompliance(ctx context.Context) (ComplianceReport, error) {
	if v.posture == nil {
		return ComplianceReport{SecurityLevel: core.SecurityLevelUnknown, EvaluatedAt: v.now().UTC()}, nil
	}
	report, err := v.posture.Probe(ctx)
	if err != nil {
		v.logger.Warn("device posture probe failed", "error", err)
	}
	return Evaluate(report, err, v.now()), nil
}

// RequireLevel fails when the device posture is below min.
func (v *Vault) RequireLevel(ctx context.Context, min SecurityLevel) error {
	report, err := v.SecurityCompliance(ctx)
	if err != nil {
		return err
	}
	return RequireLevel(report, min)
}

// Encrypt seals data under a caller-supplied 32 byte key.
func (v *Vault) Encrypt(data []byte, key []byte) ([]byte, error) {
	return Seal(v.cipher, key, data, nil)
}

// Decrypt opens output of Encrypt.
func (v *Vault) Decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	return Open(v.cipher, key, ciphertext, nil)
}

func (v *Vault) GenerateKey() ([]byte, error) {
	return GenerateKey()
}

// Rotate makes key the active master key. Existing entries stay readable
// through the previous key until Rekey re-seals them.
func (v *Vault) Rotate(key KeyMaterial) error {
	return v.ring.Rotate(key)
}

// Rekey re-seals every entry that is not under the active master key and
// returns how many were rewritten. Gate flags are preserved and no
// authentication is requested since plaintext never leaves the vault.
func (v *Vault) Rekey(ctx context.Context) (int, error) {
	active, err := v.ring.activeAt(v.now())
	if err != nil {
		return 0, err
	}
	keys, err := v.store.Keys(ctx)
	if err != nil {
		return 0, wrapKeystore(err, "security: list entries")
	}
	rewritten := 0
	for _, key := range keys {
		changed, err := v.rekeyEntry(ctx, key, active)
		if err != nil {
			return rewritten, err
		}
		if changed {
			rewritten++
		}
	}
	if rewritten > 0 {
		v.logger.Info("vault entries rekeyed", "count", rewritten, "key_id", active.ID, "key_version", active.Version)
	}
	return rewritten, nil
}

func (v *Vault) rekeyEntry(ctx context.Context, key string, active KeyMaterial) (bool, error) {
	unlock := v.locks.Lock(key)
	defer unlock()
	blob, found, err := v.store.Get(ctx, key)
	if err != nil {
		return false, wrapKeystore(err, "security: read entry")
	}
	if !found {
		return false, nil
	}
	env, err := decodeEnvelope(blob)
	if err != nil {
		return false, err
	}
	if env.KeyID == active.ID && env.KeyVersion == active.Version && Cipher(env.Algorithm) == v.cipher {
		return false, nil
	}
	plaintext, err := v.open(key, env)
	if err != nil {
		return false, err
	}
	defer zero(plaintext)
	sealed, err := v.seal(key, plaintext, env.Gated)
	if err != nil {
		return false, err
	}
	if err := v.store.Put(ctx, key, sealed); err != nil {
		return false, wrapKeystore(err, "security: write rekeyed entry")
	}
	return true, nil
}

func (v *Vault) seal(entry string, plaintext []byte, gated bool) ([]byte, error) {
	master, err := v.ring.activeAt(v.now())
	if err != nil {
		return nil, err
	}
	defer zero(master.Key)
	dataKey, err := deriveEntryKey(master.Key, entry)
	if err != nil {
		return nil, err
	}
	defer zero(dataKey)
	sealed, err := Seal(v.cipher, dataKey, plaintext, entryAAD(entry, gated))
	if err != nil {
		return nil, err
	}
	return encodeEnvelope(envelope{
		KeyID:      master.ID,
		KeyVersion: master.Version,
		Algorithm:  string(v.cipher),
		Gated:      gated,
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	})
}

func (v *Vault) open(entry string, env envelope) ([]byte, error) {
	master, err := v.ring.lookup(env.KeyID, env.KeyVersion, v.now())
	if err != nil {
		return nil, err
	}
	defer zero(master.Key)
	dataKey, err := deriveEntryKey(master.Key, entry)
	if err != nil {
		return nil, err
	}
	defer zero(dataKey)
	sealed, err := env.sealed()
	if err != nil {
		return nil, err
	}
	return Open(Cipher(env.Algorithm), dataKey, sealed, entryAAD(entry, env.Gated))
}

// authenticate runs the prompt off the caller goroutine so a cancelled
// context returns immediately even if the platform prompt is still open.
func (v *Vault) authenticate(ctx context.Context) error {
	if v.authenticator == nil {
		return core.NewError(core.ErrorKindAuthenticationUnavailable, "security: entry is gated but no authenticator is configured")
	}
	if err := ctx.Err(); err != nil {
		return mapAuthenticationError(err)
	}
	if err := v.authenticator.Available(ctx); err != nil {
		return mapAuthenticationError(err)
	}
	done := make(chan error, 1)
	go func() {
		done <- v.authenticator.Authenticate(ctx, v.prompt)
	}()
	select {
	case <-ctx.Done():
		return mapAuthenticationError(ctx.Err())
	case err := <-done:
		if err != nil {
			return mapAuthenticationError(err)
		}
		return nil
	}
}

func (v *Vault) requireMinimum(ctx context.Context) error {
	if v.minimum == "" {
		return nil
	}
	return v.RequireLevel(ctx, v.minimum)
}

func (v *Vault) record(ctx context.Context, operation string, err error) {
	result := "success"
	tags := map[string]string{"operation": operation}
	if err != nil {
		result = "failure"
		tags["error_kind"] = string(core.KindOf(err))
	}
	tags["result"] = result
	v.metrics.IncCounter(ctx, "vault.operation.total", 1, tags)
}

func mapAuthenticationError(err error) error {
	switch {
	case errors.Is(err, ErrAuthenticationUnavailable):
		return core.WrapError(core.ErrorKindAuthenticationUnavailable, err, "security: authentication unavailable")
	case errors.Is(err, ErrAuthenticationCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return core.WrapError(core.ErrorKindAuthenticationCancelled, err, "security: authentication cancelled")
	default:
		return core.WrapError(core.ErrorKindAuthenticationCancelled, err, "security: authentication failed")
	}
}

func wrapKeystore(err error, message string) error {
	if err == nil {
		return nil
	}
	if core.IsKind(err, core.ErrorKindKeystoreUnavailable) || core.IsKind(err, core.ErrorKindCredentialCorrupted) {
		return err
	}
	return core.WrapError(core.ErrorKindKeystoreUnavailable, err, message)
}

func normalizeEntryKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", core.NewError(core.ErrorKindBadInput, "security: entry key is required")
	}
	return trimmed, nil
}

var _ core.CredentialVault = (*Vault)(nil)
