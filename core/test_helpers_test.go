package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

type stubLogger struct{}

func (stubLogger) Trace(string, ...any) {}
func (stubLogger) Debug(string, ...any) {}
func (stubLogger) Info(string, ...any)  {}
func (stubLogger) Warn(string, ...any)  {}
func (stubLogger) Error(string, ...any) {}
func (stubLogger) Fatal(string, ...any) {}
func (s stubLogger) WithContext(context.Context) Logger {
	return s
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.values))
	for key, value := range l.values {
		out[key] = value
	}
	return out, nil
}

type stubTrust struct {
	trusted map[string]bool
}

func (s stubTrust) ValidateCertificate(hostname string, der []byte) bool {
	return s.trusted[hostname+"|"+string(der)]
}

func (s stubTrust) ValidateChain(hostname string, chain [][]byte) bool {
	for _, der := range chain {
		if s.ValidateCertificate(hostname, der) {
			return true
		}
	}
	return false
}

type memoryVault struct {
	mu          sync.Mutex
	entries     map[string][]byte
	gated       map[string]bool
	report      ComplianceReport
	reportErr   error
	deleteErr   error
	retrieveErr error
	gateErr     error
	deletes     int
}

func newMemoryVault() *memoryVault {
	return &memoryVault{
		entries: map[string][]byte{},
		gated:   map[string]bool{},
		report:  ComplianceReport{DeviceSecure: true, PasscodeSet: true, BiometricAvailable: true, SecurityLevel: SecurityLevelHigh},
	}
}

func (v *memoryVault) Store(_ context.Context, key string, plaintext []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries[key] = append([]byte(nil), plaintext...)
	return nil
}

func (v *memoryVault) Retrieve(_ context.Context, key string) ([]byte, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.retrieveErr != nil {
		return nil, false, v.retrieveErr
	}
	value, ok := v.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (v *memoryVault) Delete(_ context.Context, key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deletes++
	if v.deleteErr != nil {
		return v.deleteErr
	}
	delete(v.entries, key)
	delete(v.gated, key)
	return nil
}

func (v *memoryVault) RequireBiometricGate(_ context.Context, key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.gateErr != nil {
		return v.gateErr
	}
	if _, ok := v.entries[key]; !ok {
		return NewError(ErrorKindBadInput, "missing entry")
	}
	v.gated[key] = true
	return nil
}

func (v *memoryVault) SecurityCompliance(context.Context) (ComplianceReport, error) {
	return v.report, v.reportErr
}

func (v *memoryVault) has(key string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.entries[key]
	return ok
}

type stubFlow struct {
	mu           sync.Mutex
	sessions     map[string]BeginAuthorization
	tokens       TokenBundle
	completeErr  error
	refreshed    TokenBundle
	refreshErrs  []error
	refreshCalls int
	revokeErr    error
	revoked      []string
}

func newStubFlow() *stubFlow {
	return &stubFlow{sessions: map[string]BeginAuthorization{}}
}

func (f *stubFlow) Begin(_ context.Context, req BeginAuthorization) (AuthorizationHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := fmt.Sprintf("state-%d", len(f.sessions)+1)
	f.sessions[state] = req
	return AuthorizationHandle{
		SessionID:        "sess-" + state,
		State:            state,
		RequestURI:       "urn:par:" + state,
		AuthorizationURL: "https://bank.example/authorize?state=" + state,
	}, nil
}

func (f *stubFlow) Complete(_ context.Context, req CompleteAuthorization) (AuthorizationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return AuthorizationResult{}, f.completeErr
	}
	for state, begin := range f.sessions {
		if state == req.State || begin.ConsentID == req.ConsentID {
			delete(f.sessions, state)
			return AuthorizationResult{BankID: begin.BankID, UserID: begin.UserID, ConsentID: begin.ConsentID, Tokens: f.tokens}, nil
		}
	}
	return AuthorizationResult{}, NewError(ErrorKindSessionConsumed, "no session")
}

func (f *stubFlow) Refresh(_ context.Context, _ string, _ TokenBundle) (TokenBundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if len(f.refreshErrs) > 0 {
		err := f.refreshErrs[0]
		f.refreshErrs = f.refreshErrs[1:]
		if err != nil {
			return TokenBundle{}, err
		}
	}
	return f.refreshed, nil
}

func (f *stubFlow) Revoke(_ context.Context, _ string, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, token)
	return f.revokeErr
}

type stubConsents struct {
	mu        sync.Mutex
	consents  map[string]Consent
	markErr   error
	revokeErr error
	next      int
	remote    int
}

func newStubConsents() *stubConsents {
	return &stubConsents{consents: map[string]Consent{}}
}

func (c *stubConsents) create(bankID string, kind ConsentKind, expiration time.Time) Consent {
	c.next++
	consent := Consent{
		ConsentID:          fmt.Sprintf("cons-%d", c.next),
		BankID:             bankID,
		Kind:               kind,
		Status:             ConsentStatusAwaitingAuthorisation,
		ExpirationDateTime: expiration,
	}
	c.consents[consent.ConsentID] = consent
	return consent
}

func (c *stubConsents) CreateAccountConsent(_ context.Context, bankID string, permissions []string, expiration time.Time) (Consent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(permissions) == 0 {
		return Consent{}, NewError(ErrorKindBadInput, "permissions required")
	}
	return c.create(bankID, ConsentKindAccount, expiration), nil
}

func (c *stubConsents) CreatePaymentConsent(_ context.Context, bankID string, _ PaymentDetails, expiration time.Time) (Consent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.create(bankID, ConsentKindPayment, expiration), nil
}

func (c *stubConsents) GetStatus(_ context.Context, consentID string) (Consent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote++
	consent, ok := c.consents[consentID]
	if !ok {
		return Consent{}, NewError(ErrorKindBadInput, "unknown consent")
	}
	return consent, nil
}

func (c *stubConsents) Revoke(_ context.Context, consentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.revokeErr != nil {
		return c.revokeErr
	}
	consent := c.consents[consentID]
	consent.Status = ConsentStatusRevoked
	c.consents[consentID] = consent
	return nil
}

func (c *stubConsents) MarkAuthorised(_ context.Context, consentID string) (Consent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.markErr != nil {
		return Consent{}, c.markErr
	}
	consent := c.consents[consentID]
	consent.Status = ConsentStatusAuthorised
	c.consents[consentID] = consent
	return consent, nil
}

func (c *stubConsents) RequireUsable(_ context.Context, consentID string, _ ConsentPurpose) (Consent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	consent := c.consents[consentID]
	switch consent.Status {
	case ConsentStatusAuthorised:
		return consent, nil
	case ConsentStatusRevoked:
		return Consent{}, NewError(ErrorKindConsentRevoked, "revoked")
	default:
		return Consent{}, NewError(ErrorKindConsentNotAuthorised, strings.ToLower(string(consent.Status)))
	}
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
