package domain

// FeatureKind discriminates the two shapes a feature grant can take.
type FeatureKind string

const (
	FeatureKindBoolean FeatureKind = "boolean"
	FeatureKindLimit   FeatureKind = "limit"
)

// UnlimitedSentinel is the wire value callers use for an unlimited numeric limit.
const UnlimitedSentinel int64 = -1

// FeatureValue is a closed sum over boolean grants and numeric limits. A limit
// with Unlimited set renders as -1 on the wire.
type FeatureValue struct {
	Kind      FeatureKind `json:"kind"`
	Enabled   bool        `json:"enabled,omitempty"`
	Limit     int64       `json:"limit,omitempty"`
	Unlimited bool        `json:"unlimited,omitempty"`
}

func BoolValue(enabled bool) FeatureValue {
	return FeatureValue{Kind: FeatureKindBoolean, Enabled: enabled}
}

func LimitValue(limit int64) FeatureValue {
	if limit == UnlimitedSentinel {
		return UnlimitedValue()
	}
	return FeatureValue{Kind: FeatureKindLimit, Limit: limit}
}

func UnlimitedValue() FeatureValue {
	return FeatureValue{Kind: FeatureKindLimit, Unlimited: true}
}

// EffectiveLimit renders the limit with the -1 sentinel for unlimited.
func (v FeatureValue) EffectiveLimit() int64 {
	if v.Unlimited {
		return UnlimitedSentinel
	}
	return v.Limit
}

// FeatureMap keys feature codes to their granted values.
type FeatureMap map[string]FeatureValue
