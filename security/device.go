package security

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-openbanking/core"
)

type ComplianceReport = core.ComplianceReport

type SecurityLevel = core.SecurityLevel

// PostureReport is the raw device state reported by a platform probe.
type PostureReport struct {
	PasscodeSet       bool
	BiometricEnrolled bool
	Compromised       bool
}

// DevicePosture probes the host device. Implementations live with the
// platform bindings; the vault only consumes the report.
type DevicePosture interface {
	Probe(ctx context.Context) (PostureReport, error)
}

type DevicePostureFunc func(ctx context.Context) (PostureReport, error)

func (f DevicePostureFunc) Probe(ctx context.Context) (PostureReport, error) {
	if f == nil {
		return PostureReport{}, core.NewError(core.ErrorKindConfiguration, "security: device posture probe is nil")
	}
	return f(ctx)
}

// StaticPosture reports a fixed posture.
type StaticPosture PostureReport

func (p StaticPosture) Probe(context.Context) (PostureReport, error) {
	return PostureReport(p), nil
}

// Evaluate folds a probe result into a compliance report. A failed probe
// yields an Unknown level, which never satisfies a minimum.
func Evaluate(report PostureReport, probeErr error, at time.Time) ComplianceReport {
	out := ComplianceReport{
		BiometricAvailable: report.BiometricEnrolled,
		PasscodeSet:        report.PasscodeSet,
		EvaluatedAt:        at.UTC(),
	}
	switch {
	case probeErr != nil:
		out = ComplianceReport{EvaluatedAt: at.UTC(), SecurityLevel: core.SecurityLevelUnknown}
	case report.Compromised:
		out.SecurityLevel = core.SecurityLevelCompromised
	case !report.PasscodeSet:
		out.SecurityLevel = core.SecurityLevelLow
	case !report.BiometricEnrolled:
		out.SecurityLevel = core.SecurityLevelMedium
	default:
		out.SecurityLevel = core.SecurityLevelHigh
	}
	out.DeviceSecure = out.SecurityLevel.AtLeast(core.SecurityLevelMedium)
	return out
}

// RequireLevel fails with KeystoreUnavailable when report is below min.
func RequireLevel(report ComplianceReport, min SecurityLevel) error {
	if min == "" || report.SecurityLevel.AtLeast(min) {
		return nil
	}
	return core.NewErrorWithMetadata(
		core.ErrorKindKeystoreUnavailable,
		nil,
		fmt.Sprintf("security: device security level %s is below required %s", report.SecurityLevel, min),
		map[string]any{
			"security_level":  string(report.SecurityLevel),
			"required_level":  string(min),
			"device_secure":   report.DeviceSecure,
			"passcode_set":    report.PasscodeSet,
			"biometric_ready": report.BiometricAvailable,
		},
	)
}
