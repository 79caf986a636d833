// Package aggregator computes the effective feature/limit map for a tenant.
// It is pure: no I/O, deterministic output for a given input set.
package aggregator

import (
	addondomain "github.com/smallbiznis/bolton/internal/addon/domain"
	catalogdomain "github.com/smallbiznis/bolton/internal/catalog/domain"
	entitlementdomain "github.com/smallbiznis/bolton/internal/entitlement/domain"
)

// Contribution is one entitled instance's grant set after its overrides have
// been applied.
type Contribution struct {
	Grants entitlementdomain.FeatureMap
}

// ContributionFor resolves the grant set one instance contributes: the add-on's
// catalog grants, scaled by quantity for numeric limits, with the instance's
// custom grants/limits taking precedence per feature code.
func ContributionFor(instance *addondomain.AddOnInstance, addOn *catalogdomain.AddOn) Contribution {
	grants := entitlementdomain.FeatureMap{}
	if addOn != nil {
		quantity := int64(instance.Quantity)
		if quantity < 1 {
			quantity = 1
		}
		for code, value := range addOn.Grants.Data() {
			if value.Kind == entitlementdomain.FeatureKindLimit && !value.Unlimited {
				value = entitlementdomain.LimitValue(value.Limit * quantity)
			}
			grants[code] = value
		}
	}

	if override := instance.Override.Data(); override != nil {
		for code, value := range override.CustomGrants {
			grants[code] = value
		}
		for code, limit := range override.CustomLimits {
			grants[code] = entitlementdomain.LimitValue(limit)
		}
	}

	return Contribution{Grants: grants}
}

// Aggregate merges the base-plan feature map with every entitled instance's
// contribution. Boolean features OR-combine; numeric limits sum, with
// unlimited dominating. Recomputing from the same input yields an identical
// map.
func Aggregate(base entitlementdomain.FeatureMap, contributions []Contribution) entitlementdomain.FeatureMap {
	effective := entitlementdomain.FeatureMap{}
	for code, value := range base {
		effective[code] = value
	}

	for _, contribution := range contributions {
		for code, incoming := range contribution.Grants {
			existing, ok := effective[code]
			if !ok {
				effective[code] = incoming
				continue
			}
			effective[code] = merge(existing, incoming)
		}
	}

	return effective
}

// merge combines two values for the same feature code. The operation is
// commutative so aggregation order never changes the result:
//   - boolean ∨ boolean
//   - limit + limit, unlimited dominating
//   - mixed kinds: the limit wins (capacity grants outrank a flag)
func merge(a, b entitlementdomain.FeatureValue) entitlementdomain.FeatureValue {
	if a.Kind == entitlementdomain.FeatureKindBoolean && b.Kind == entitlementdomain.FeatureKindBoolean {
		return entitlementdomain.BoolValue(a.Enabled || b.Enabled)
	}
	if a.Kind == entitlementdomain.FeatureKindLimit && b.Kind == entitlementdomain.FeatureKindLimit {
		if a.Unlimited || b.Unlimited {
			return entitlementdomain.UnlimitedValue()
		}
		return entitlementdomain.LimitValue(a.Limit + b.Limit)
	}
	if a.Kind == entitlementdomain.FeatureKindLimit {
		return a
	}
	return b
}
