// Package trust implements the trust score arithmetic: five dimensions in
// [0,1], an equal-weighted composite, delta application with clamping, and
// threshold comparison. All math runs on fixed-point decimals so that
// writers and readers agree on is_above_threshold without float drift.
package trust

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/shopspring/decimal"

	"github.com/pathwell/fabric/pkg/contracts"
)

// Scale is the stored decimal precision (NUMERIC(5,4) in the database).
const Scale = 4

// ErrUnknownDimension is returned for a dimension name outside the five.
var ErrUnknownDimension = errors.New("unknown trust dimension")

var (
	zero = decimal.Zero
	one  = decimal.NewFromInt(1)
	five = decimal.NewFromInt(5)

	// DefaultScore is the starting value for unspecified dimensions.
	DefaultScore = decimal.RequireFromString("0.5")
)

// Dimensions holds the five scores as decimals.
type Dimensions struct {
	Behavior   decimal.Decimal
	Validation decimal.Decimal
	Provenance decimal.Decimal
	Alignment  decimal.Decimal
	Reputation decimal.Decimal
}

// DefaultDimensions returns all five dimensions at 0.5.
func DefaultDimensions() Dimensions {
	return Dimensions{
		Behavior:   DefaultScore,
		Validation: DefaultScore,
		Provenance: DefaultScore,
		Alignment:  DefaultScore,
		Reputation: DefaultScore,
	}
}

// FromContract converts wire floats into clamped decimals.
func FromContract(d contracts.TrustDimensions) Dimensions {
	return Dimensions{
		Behavior:   clamp(decimal.NewFromFloat(d.Behavior)),
		Validation: clamp(decimal.NewFromFloat(d.Validation)),
		Provenance: clamp(decimal.NewFromFloat(d.Provenance)),
		Alignment:  clamp(decimal.NewFromFloat(d.Alignment)),
		Reputation: clamp(decimal.NewFromFloat(d.Reputation)),
	}
}

// ToContract converts back to wire floats.
func (d Dimensions) ToContract() contracts.TrustDimensions {
	return contracts.TrustDimensions{
		Behavior:   d.Behavior.InexactFloat64(),
		Validation: d.Validation.InexactFloat64(),
		Provenance: d.Provenance.InexactFloat64(),
		Alignment:  d.Alignment.InexactFloat64(),
		Reputation: d.Reputation.InexactFloat64(),
	}
}

// Composite returns the equal-weighted mean of the five dimensions, rounded
// to the stored scale.
func (d Dimensions) Composite() decimal.Decimal {
	sum := d.Behavior.Add(d.Validation).Add(d.Provenance).Add(d.Alignment).Add(d.Reputation)
	return sum.Div(five).Round(Scale)
}

// Get returns the named dimension.
func (d Dimensions) Get(name string) (decimal.Decimal, error) {
	switch name {
	case contracts.DimensionBehavior:
		return d.Behavior, nil
	case contracts.DimensionValidation:
		return d.Validation, nil
	case contracts.DimensionProvenance:
		return d.Provenance, nil
	case contracts.DimensionAlignment:
		return d.Alignment, nil
	case contracts.DimensionReputation:
		return d.Reputation, nil
	}
	return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrUnknownDimension, name)
}

// ApplyDelta adds delta to the named dimension, clamped to [0,1], and
// returns the updated set. The receiver is not mutated.
func (d Dimensions) ApplyDelta(name string, delta decimal.Decimal) (Dimensions, error) {
	current, err := d.Get(name)
	if err != nil {
		return Dimensions{}, err
	}
	next := clamp(current.Add(delta).Round(Scale))

	out := d
	switch name {
	case contracts.DimensionBehavior:
		out.Behavior = next
	case contracts.DimensionValidation:
		out.Validation = next
	case contracts.DimensionProvenance:
		out.Provenance = next
	case contracts.DimensionAlignment:
		out.Alignment = next
	case contracts.DimensionReputation:
		out.Reputation = next
	}
	return out, nil
}

// IsAboveThreshold reports composite ≥ threshold; a nil threshold always
// passes.
func IsAboveThreshold(composite decimal.Decimal, threshold *float64) bool {
	if threshold == nil {
		return true
	}
	return composite.GreaterThanOrEqual(decimal.NewFromFloat(*threshold).Round(Scale))
}

// BumpConfidence decides whether a calculation-version change should update
// confidence_level: only when the incoming version is a strictly newer
// semver than the stored one. Non-semver versions bump on any change.
func BumpConfidence(storedVersion, incomingVersion string) bool {
	if incomingVersion == "" || incomingVersion == storedVersion {
		return false
	}
	stored, errA := semver.NewVersion(storedVersion)
	incoming, errB := semver.NewVersion(incomingVersion)
	if errA != nil || errB != nil {
		return true
	}
	return incoming.GreaterThan(stored)
}

func clamp(v decimal.Decimal) decimal.Decimal {
	if v.LessThan(zero) {
		return zero
	}
	if v.GreaterThan(one) {
		return one
	}
	return v
}
