package consent

import (
	"context"
	"fmt"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-openbanking/core"
	"github.com/google/uuid"
)

const (
	defaultStatusCacheTTL    = time.Minute
	defaultConsentExpiration = 90 * 24 * time.Hour
)

// Manager tracks consents locally and reconciles them with the bank. Status
// checks fail closed: when the bank cannot confirm a consent it is not used.
type Manager struct {
	banks             *core.BankRegistry
	remote            Remote
	store             Store
	statusCacheTTL    time.Duration
	defaultExpiration time.Duration
	locks             *core.KeyedMutex
	metrics           core.MetricsRecorder
	logger            core.Logger
	now               func() time.Time
	newID             func() string
}

type Option func(*Manager)

func WithStore(store Store) Option {
	return func(m *Manager) {
		if store != nil {
			m.store = store
		}
	}
}

// WithStatusCacheTTL sets how long an authorised account consent is trusted
// without asking the bank again. Zero always asks.
func WithStatusCacheTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl >= 0 {
			m.statusCacheTTL = ttl
		}
	}
}

func WithDefaultExpiration(expiration time.Duration) Option {
	return func(m *Manager) {
		if expiration > 0 {
			m.defaultExpiration = expiration
		}
	}
}

func WithConfig(cfg core.ConsentConfig) Option {
	return func(m *Manager) {
		WithStatusCacheTTL(cfg.StatusCacheTTL)(m)
		WithDefaultExpiration(cfg.DefaultExpiration)(m)
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(m *Manager) {
		if recorder != nil {
			m.metrics = recorder
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(m *Manager) {
		if newID != nil {
			m.newID = newID
		}
	}
}

func NewManager(banks *core.BankRegistry, remote Remote, opts ...Option) (*Manager, error) {
	if banks == nil {
		return nil, core.NewError(core.ErrorKindConfiguration, "consent: bank registry is required")
	}
	if remote == nil {
		return nil, core.NewError(core.ErrorKindConfiguration, "consent: remote consent client is required")
	}
	manager := &Manager{
		banks:             banks,
		remote:            remote,
		store:             NewMemoryStore(),
		statusCacheTTL:    defaultStatusCacheTTL,
		defaultExpiration: defaultConsentExpiration,
		locks:             core.NewKeyedMutex(),
		metrics:           core.NopMetricsRecorder{},
		logger:            glog.Nop(),
		now:               func() time.Time { return time.Now().UTC() },
		newID:             uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	manager.logger = glog.Ensure(manager.logger)
	return manager, nil
}

func (m *Manager) Store() Store {
	return m.store
}

func (m *Manager) CreateAccountConsent(
	ctx context.Context,
	bankID string,
	permissions []string,
	expiration time.Time,
) (consent core.Consent, err error) {
	defer func() { m.record(ctx, "create_account", bankID, err) }()

	bank, err := m.banks.Lookup(bankID)
	if err != nil {
		return core.Consent{}, err
	}
	normalized, err := ValidatePermissions(permissions)
	if err != nil {
		return core.Consent{}, err
	}
	now := m.now()
	if expiration.IsZero() {
		expiration = now.Add(m.defaultExpiration)
	}
	if !expiration.After(now) {
		return core.Consent{}, core.NewError(core.ErrorKindBadInput, "consent: expiration must be in the future")
	}

	created, err := m.remote.CreateAccountConsent(ctx, bank, normalized, expiration.UTC().Truncate(time.Second))
	if err != nil {
		return core.Consent{}, err
	}
	if created.ExpirationDateTime.IsZero() {
		created.ExpirationDateTime = expiration.UTC().Truncate(time.Second)
	}
	if len(created.Permissions) == 0 {
		created.Permissions = normalized
	}
	return m.saveCreated(ctx, created, now)
}

func (m *Manager) CreatePaymentConsent(
	ctx context.Context,
	bankID string,
	details core.PaymentDetails,
	expiration time.Time,
) (consent core.Consent, err error) {
	defer func() { m.record(ctx, "create_payment", bankID, err) }()

	bank, err := m.banks.Lookup(bankID)
	if err != nil {
		return core.Consent{}, err
	}
	if err := ValidatePayment(details); err != nil {
		return core.Consent{}, err
	}
	details.InstructionIdentification = firstNonEmpty(details.InstructionIdentification, m.shortID())
	details.EndToEndIdentification = firstNonEmpty(details.EndToEndIdentification, m.shortID())
	details.Currency = strings.TrimSpace(details.Currency)
	details.Amount = strings.TrimSpace(details.Amount)

	now := m.now()
	if !expiration.IsZero() && !expiration.After(now) {
		return core.Consent{}, core.NewError(core.ErrorKindBadInput, "consent: expiration must be in the future")
	}
	created, err := m.remote.CreatePaymentConsent(ctx, bank, details)
	if err != nil {
		return core.Consent{}, err
	}
	if created.ExpirationDateTime.IsZero() && !expiration.IsZero() {
		created.ExpirationDateTime = expiration.UTC()
	}
	return m.saveCreated(ctx, created, now)
}

// GetStatus asks the bank for the current status and reconciles the local
// record.
func (m *Manager) GetStatus(ctx context.Context, consentID string) (consent core.Consent, err error) {
	local, unlock, err := m.lockAndLoad(ctx, consentID)
	if err != nil {
		m.record(ctx, "get_status", "", err)
		return core.Consent{}, err
	}
	defer unlock()
	defer func() { m.record(ctx, "get_status", local.BankID, err) }()

	return m.refreshLocked(ctx, local)
}

// Revoke withdraws a consent. It is idempotent: a consent that is already
// terminal, or that the bank no longer has, counts as revoked. Payment
// consents have no revocation endpoint and are revoked locally.
func (m *Manager) Revoke(ctx context.Context, consentID string) (err error) {
	consentID = strings.TrimSpace(consentID)
	if consentID == "" {
		return core.NewError(core.ErrorKindBadInput, "consent: consent id is required")
	}
	unlock := m.locks.Lock(consentID)
	defer unlock()

	local, found, err := m.store.Get(ctx, consentID)
	if err != nil {
		return core.WrapError(core.ErrorKindInternal, err, "consent: load consent")
	}
	if !found {
		m.logger.Debug("consent revoke for unknown consent", "consent_id", consentID)
		return nil
	}
	defer func() { m.record(ctx, "revoke", local.BankID, err) }()
	if local.Status.Terminal() {
		return nil
	}

	if local.Kind == core.ConsentKindAccount {
		bank, err := m.banks.Lookup(local.BankID)
		if err != nil {
			return err
		}
		deleted, err := m.remote.DeleteAccountConsent(ctx, bank, consentID)
		if err != nil {
			return err
		}
		if !deleted {
			m.logger.Info("consent already gone at bank", "bank_id", local.BankID, "consent_id", consentID)
		}
	}
	now := m.now()
	local.Status = core.ConsentStatusRevoked
	local.StatusUpdatedAt = now
	local.CheckedAt = now
	return m.save(ctx, local)
}

// MarkAuthorised records that the user approved the consent, typically after
// a successful token exchange. The bank's view is consulted when reachable;
// if it reports a terminal status that status wins. When the bank cannot be
// reached the consent is recorded as authorised but unverified, so the next
// RequireUsable confirms it with the bank.
func (m *Manager) MarkAuthorised(ctx context.Context, consentID string) (consent core.Consent, err error) {
	local, unlock, err := m.lockAndLoad(ctx, consentID)
	if err != nil {
		m.record(ctx, "mark_authorised", "", err)
		return core.Consent{}, err
	}
	defer unlock()
	defer func() { m.record(ctx, "mark_authorised", local.BankID, err) }()

	now := m.now()
	if err := m.expireIfDue(ctx, &local, now); err != nil {
		return core.Consent{}, err
	}
	if local.Status.Terminal() {
		return core.Consent{}, statusError(local)
	}
	if local.Status == core.ConsentStatusAuthorised {
		return local, nil
	}

	bank, err := m.banks.Lookup(local.BankID)
	if err != nil {
		return core.Consent{}, err
	}
	remote, remoteErr := m.remote.GetConsent(ctx, bank, local.Kind, local.ConsentID)
	if core.IsKind(remoteErr, core.ErrorKindConsentRevoked) {
		remote, remoteErr = core.Consent{Status: core.ConsentStatusRevoked}, nil
	}
	checkedAt := now
	switch {
	case remoteErr != nil && core.IsRetryable(remoteErr):
		m.logger.Warn("consent status unavailable, marking authorised unverified",
			"bank_id", local.BankID, "consent_id", local.ConsentID, "error", remoteErr)
		checkedAt = time.Time{}
	case remoteErr != nil:
		return core.Consent{}, remoteErr
	case remote.Status.Terminal():
		local = m.apply(local, remote, now)
		if err := m.save(ctx, local); err != nil {
			return core.Consent{}, err
		}
		return core.Consent{}, statusError(local)
	}

	local.Status = core.ConsentStatusAuthorised
	local.StatusUpdatedAt = now
	local.CheckedAt = checkedAt
	if err := m.save(ctx, local); err != nil {
		return core.Consent{}, err
	}
	return local, nil
}

// RequireUsable returns the consent when it may be used for purpose. The
// local record is checked first so a revoked or expired consent never reaches
// the bank. Payment consents are always confirmed with the bank; authorised
// account consents are trusted for the status cache TTL.
func (m *Manager) RequireUsable(ctx context.Context, consentID string, purpose core.ConsentPurpose) (consent core.Consent, err error) {
	local, unlock, err := m.lockAndLoad(ctx, consentID)
	if err != nil {
		m.record(ctx, "require_usable", "", err)
		return core.Consent{}, err
	}
	defer unlock()
	defer func() { m.record(ctx, "require_usable", local.BankID, err) }()

	if err := checkPurpose(local, purpose); err != nil {
		return core.Consent{}, err
	}

	now := m.now()
	if err := m.expireIfDue(ctx, &local, now); err != nil {
		return core.Consent{}, err
	}
	if local.Status.Terminal() {
		return core.Consent{}, statusError(local)
	}
	if purpose == core.PurposeAccounts &&
		local.Status == core.ConsentStatusAuthorised &&
		m.statusCacheTTL > 0 &&
		!local.CheckedAt.IsZero() &&
		now.Sub(local.CheckedAt) < m.statusCacheTTL {
		return local, nil
	}

	current, err := m.refreshLocked(ctx, local)
	if err != nil {
		return core.Consent{}, err
	}
	if current.Status != core.ConsentStatusAuthorised {
		return core.Consent{}, statusError(current)
	}
	return current, nil
}

// ExpireDue marks every non-terminal consent past its expiration as expired
// and returns how many changed.
func (m *Manager) ExpireDue(ctx context.Context, bankID string) (int, error) {
	consents, err := m.store.ListByBank(ctx, bankID)
	if err != nil {
		return 0, core.WrapError(core.ErrorKindInternal, err, "consent: list consents")
	}
	now := m.now()
	expired := 0
	for _, listed := range consents {
		if listed.Status.Terminal() || !listed.ExpiredAt(now) {
			continue
		}
		changed, err := m.expireListed(ctx, listed.ConsentID, now)
		if err != nil {
			return expired, err
		}
		if changed {
			expired++
		}
	}
	return expired, nil
}

// expireListed re-reads a listed consent under its lock so a concurrent
// revoke or refresh is not overwritten.
func (m *Manager) expireListed(ctx context.Context, consentID string, now time.Time) (bool, error) {
	unlock := m.locks.Lock(consentID)
	defer unlock()
	current, found, err := m.store.Get(ctx, consentID)
	if err != nil {
		return false, core.WrapError(core.ErrorKindInternal, err, "consent: load consent")
	}
	if !found || current.Status.Terminal() || !current.ExpiredAt(now) {
		return false, nil
	}
	if err := m.expireIfDue(ctx, &current, now); err != nil {
		return false, err
	}
	return true, nil
}

// refreshLocked fetches the bank's status and folds it into local. Callers
// hold the consent lock.
func (m *Manager) refreshLocked(ctx context.Context, local core.Consent) (core.Consent, error) {
	now := m.now()
	if err := m.expireIfDue(ctx, &local, now); err != nil {
		return core.Consent{}, err
	}
	if local.Status.Terminal() {
		return local, nil
	}
	bank, err := m.banks.Lookup(local.BankID)
	if err != nil {
		return core.Consent{}, err
	}
	remote, err := m.remote.GetConsent(ctx, bank, local.Kind, local.ConsentID)
	if err != nil {
		if core.IsKind(err, core.ErrorKindConsentRevoked) {
			remote = core.Consent{Status: core.ConsentStatusRevoked}
		} else {
			return core.Consent{}, err
		}
	}
	local = m.apply(local, remote, now)
	if err := m.save(ctx, local); err != nil {
		return core.Consent{}, err
	}
	return local, nil
}

// apply folds the bank's status into local. Allowed transitions are taken as
// is. A terminal bank status always wins over a live local one; any other
// unexpected move keeps the local status.
func (m *Manager) apply(local core.Consent, remote core.Consent, now time.Time) core.Consent {
	local.CheckedAt = now
	if remote.Status == "" || remote.Status == local.Status {
		return local
	}
	if local.Status.Terminal() {
		return local
	}
	if !local.Status.CanTransition(remote.Status) && !remote.Status.Terminal() {
		m.logger.Warn("ignoring unexpected consent status from bank",
			"bank_id", local.BankID,
			"consent_id", local.ConsentID,
			"local_status", string(local.Status),
			"remote_status", string(remote.Status),
		)
		return local
	}
	local.Status = remote.Status
	local.StatusUpdatedAt = now
	if !remote.StatusUpdatedAt.IsZero() {
		local.StatusUpdatedAt = remote.StatusUpdatedAt
	}
	if !remote.ExpirationDateTime.IsZero() {
		local.ExpirationDateTime = remote.ExpirationDateTime
	}
	return local
}

func (m *Manager) expireIfDue(ctx context.Context, consent *core.Consent, now time.Time) error {
	if consent.Status.Terminal() || !consent.ExpiredAt(now) {
		return nil
	}
	consent.Status = core.ConsentStatusExpired
	consent.StatusUpdatedAt = now
	return m.save(ctx, *consent)
}

func (m *Manager) saveCreated(ctx context.Context, created core.Consent, now time.Time) (core.Consent, error) {
	if created.Status != core.ConsentStatusAwaitingAuthorisation {
		m.logger.Warn("bank created consent in unexpected status",
			"bank_id", created.BankID,
			"consent_id", created.ConsentID,
			"status", string(created.Status),
		)
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = now
	}
	if created.StatusUpdatedAt.IsZero() {
		created.StatusUpdatedAt = now
	}
	created.CheckedAt = now
	if err := m.save(ctx, created); err != nil {
		return core.Consent{}, err
	}
	return created, nil
}

func (m *Manager) load(ctx context.Context, consentID string) (core.Consent, error) {
	consentID = strings.TrimSpace(consentID)
	if consentID == "" {
		return core.Consent{}, core.NewError(core.ErrorKindBadInput, "consent: consent id is required")
	}
	consent, found, err := m.store.Get(ctx, consentID)
	if err != nil {
		return core.Consent{}, core.WrapError(core.ErrorKindInternal, err, "consent: load consent")
	}
	if !found {
		return core.Consent{}, core.NewErrorWithMetadata(
			core.ErrorKindBadInput,
			nil,
			"consent: unknown consent",
			map[string]any{"consent_id": consentID},
		)
	}
	return consent, nil
}

// lockAndLoad takes the consent lock before reading so callers act on the
// latest stored record. The returned unlock is a no-op on error.
func (m *Manager) lockAndLoad(ctx context.Context, consentID string) (core.Consent, func(), error) {
	consentID = strings.TrimSpace(consentID)
	if consentID == "" {
		return core.Consent{}, func() {}, core.NewError(core.ErrorKindBadInput, "consent: consent id is required")
	}
	unlock := m.locks.Lock(consentID)
	consent, err := m.load(ctx, consentID)
	if err != nil {
		unlock()
		return core.Consent{}, func() {}, err
	}
	return consent, unlock, nil
}

func (m *Manager) save(ctx context.Context, consent core.Consent) error {
	if err := m.store.Save(ctx, consent); err != nil {
		return core.WrapError(core.ErrorKindInternal, err, "consent: save consent")
	}
	return nil
}

func (m *Manager) record(ctx context.Context, operation string, bankID string, err error) {
	result := "success"
	tags := map[string]string{"operation": operation, "bank_id": strings.TrimSpace(bankID)}
	if err != nil {
		result = "failure"
		tags["error_kind"] = string(core.KindOf(err))
	}
	tags["result"] = result
	m.metrics.IncCounter(ctx, "consent.operation.total", 1, tags)
}

// shortID fits the 35 character limit OBIE puts on payment identifiers.
func (m *Manager) shortID() string {
	id := strings.ReplaceAll(m.newID(), "-", "")
	if len(id) > maxInstructionIDLength {
		id = id[:maxInstructionIDLength]
	}
	return id
}

func checkPurpose(consent core.Consent, purpose core.ConsentPurpose) error {
	want := core.ConsentKindAccount
	switch purpose {
	case core.PurposeAccounts:
	case core.PurposePayment:
		want = core.ConsentKindPayment
	default:
		return core.NewError(core.ErrorKindBadInput, fmt.Sprintf("consent: unknown purpose %q", purpose))
	}
	if consent.Kind != want {
		return core.NewErrorWithMetadata(
			core.ErrorKindBadInput,
			nil,
			fmt.Sprintf("consent: %s consent cannot be used for %s", consent.Kind, purpose),
			map[string]any{"consent_id": consent.ConsentID},
		)
	}
	return nil
}

// statusError maps a consent that cannot be used to its error kind.
func statusError(consent core.Consent) error {
	kind := core.ErrorKindConsentNotAuthorised
	switch consent.Status {
	case core.ConsentStatusRevoked:
		kind = core.ErrorKindConsentRevoked
	case core.ConsentStatusExpired:
		kind = core.ErrorKindConsentExpired
	}
	return core.NewErrorWithMetadata(
		kind,
		nil,
		fmt.Sprintf("consent: consent is %s", consent.Status),
		map[string]any{
			"consent_id": consent.ConsentID,
			"bank_id":    consent.BankID,
			"status":     string(consent.Status),
		},
	)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

var _ core.ConsentLifecycle = (*Manager)(nil)
