package pinning

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/goliatone/go-openbanking/core"
)

// FingerprintSize is the byte length of a SHA-256 pin.
const FingerprintSize = sha256.Size

const spkiPinPrefix = "sha256/"

// Fingerprint returns the canonical SHA-256 fingerprint of a DER certificate:
// upper-case hex, colon delimited. Empty input yields an empty string.
func Fingerprint(der []byte) string {
	if len(der) == 0 {
		return ""
	}
	sum := sha256.Sum256(der)
	return formatFingerprint(sum[:])
}

// SPKIFingerprint hashes the certificate's SubjectPublicKeyInfo instead of the
// whole certificate, so re-issued certificates with the same key keep matching.
// Unparseable input yields an empty string.
func SPKIFingerprint(der []byte) string {
	if len(der) == 0 {
		return ""
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return formatFingerprint(sum[:])
}

// NormalizeFingerprint converts a configured pin to canonical form. Hex with
// or without colons is accepted in any case, as is the "sha256/<base64>" form.
// All-zero and malformed values are rejected.
func NormalizeFingerprint(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", fingerprintError(raw, "fingerprint is empty")
	}

	var digest []byte
	if strings.HasPrefix(strings.ToLower(value), spkiPinPrefix) {
		decoded, err := base64.StdEncoding.DecodeString(value[len(spkiPinPrefix):])
		if err != nil {
			return "", fingerprintError(raw, "fingerprint is not valid base64")
		}
		digest = decoded
	} else {
		compact := strings.NewReplacer(":", "", " ", "", "-", "").Replace(value)
		if len(compact) != FingerprintSize*2 {
			return "", fingerprintError(raw, fmt.Sprintf("fingerprint must be %d hex characters", FingerprintSize*2))
		}
		decoded, err := hex.DecodeString(compact)
		if err != nil {
			return "", fingerprintError(raw, "fingerprint contains non-hex characters")
		}
		digest = decoded
	}

	if len(digest) != FingerprintSize {
		return "", fingerprintError(raw, fmt.Sprintf("fingerprint must be %d bytes", FingerprintSize))
	}
	if allZero(digest) {
		return "", fingerprintError(raw, "all-zero fingerprint is not allowed")
	}
	return formatFingerprint(digest), nil
}

// NormalizeHostname lower-cases the host, strips any port and trailing dot.
func NormalizeHostname(raw string) string {
	host := strings.TrimSpace(strings.ToLower(raw))
	if host == "" {
		return ""
	}
	if splitHost, _, err := net.SplitHostPort(host); err == nil {
		host = splitHost
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

func normalizeFingerprints(hostname string, fingerprints []string) ([]string, error) {
	if len(fingerprints) == 0 {
		return nil, core.NewErrorWithMetadata(
			core.ErrorKindConfiguration,
			nil,
			fmt.Sprintf("pinning: no fingerprints configured for %q", hostname),
			map[string]any{"hostname": hostname},
		)
	}
	seen := make(map[string]struct{}, len(fingerprints))
	out := make([]string, 0, len(fingerprints))
	for _, raw := range fingerprints {
		normalized, err := NormalizeFingerprint(raw)
		if err != nil {
			return nil, core.NewErrorWithMetadata(
				core.ErrorKindConfiguration,
				err,
				fmt.Sprintf("pinning: invalid fingerprint for %q", hostname),
				map[string]any{"hostname": hostname},
			)
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out, nil
}

func formatFingerprint(digest []byte) string {
	encoded := strings.ToUpper(hex.EncodeToString(digest))
	var b strings.Builder
	b.Grow(len(encoded) + len(encoded)/2)
	for i := 0; i < len(encoded); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(encoded[i : i+2])
	}
	return b.String()
}

func allZero(digest []byte) bool {
	for _, b := range digest {
		if b != 0 {
			return false
		}
	}
	return true
}

func fingerprintError(raw string, reason string) error {
	return core.NewErrorWithMetadata(
		core.ErrorKindConfiguration,
		nil,
		"pinning: "+reason,
		map[string]any{"fingerprint_length": len(strings.TrimSpace(raw))},
	)
}
