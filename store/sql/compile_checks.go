package sqlstore

import (
	"github.com/goliatone/go-openbanking/consent"
	"github.com/goliatone/go-openbanking/ratelimit"
	"github.com/goliatone/go-openbanking/security"
)

var (
	_ security.SecureStore = (*SecureStore)(nil)
	_ consent.Store        = (*ConsentStore)(nil)
	_ consent.Store        = (*CachedConsentStore)(nil)
	_ ratelimit.StateStore = (*RateLimitStateStore)(nil)
	_ ratelimit.StateStore = (*CachedRateLimitStateStore)(nil)
)
