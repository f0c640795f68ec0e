/*
admin.go - Rule management: tomorrow-only scheduling

Every admin mutation takes effect starting tomorrow, never today. Today's
logs may already be half-entered against today's version; changing the rules
underneath them would rewrite the meaning of a day in flight. The policy is
enforced three ways:
  - a new version is always scheduled with EffectiveFrom = tomorrow
  - at most one version may be queued for tomorrow per key
  - nothing may ever be scheduled beyond tomorrow
*/
package discipline

import (
	"context"
	"fmt"
	"sort"
)

func validateRuleParams(op string, key RuleKey, p RuleParams) error {
	if p.Name == "" {
		return &ValidationError{Op: op, Key: key, Detail: "name is required"}
	}
	if p.WindowDays < 1 {
		return &ValidationError{Op: op, Key: key, Detail: fmt.Sprintf("window_days must be >= 1, got %d", p.WindowDays)}
	}
	if p.BufferMisses < 0 {
		return &ValidationError{Op: op, Key: key, Detail: fmt.Sprintf("buffer_misses must be >= 0, got %d", p.BufferMisses)}
	}
	if !p.Weight.IsPositive() {
		return &ValidationError{Op: op, Key: key, Detail: "weight must be positive"}
	}
	return nil
}

// AddRule creates a brand-new rule key, version 1, effective tomorrow.
func (e *Engine) AddRule(ctx context.Context, key RuleKey, params RuleParams) (*RuleDefinition, error) {
	const op = "add rule"
	if key == "" {
		return nil, &ValidationError{Op: op, Detail: "rule_key is required"}
	}
	if err := validateRuleParams(op, key, params); err != nil {
		return nil, err
	}

	existing, err := e.store.ListRuleVersionsForKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("list versions for %q: %w", key, err)
	}
	if len(existing) > 0 {
		return nil, &ValidationError{Op: op, Key: key, Detail: "rule_key already exists"}
	}

	def := RuleDefinition{
		Key:           key,
		Version:       1,
		EffectiveFrom: e.clock.Today().AddDays(1),
		Name:          params.Name,
		Description:   params.Description,
		WindowDays:    params.WindowDays,
		BufferMisses:  params.BufferMisses,
		Weight:        params.Weight,
	}
	if err := e.store.InsertRuleVersion(ctx, def); err != nil {
		return nil, fmt.Errorf("insert rule %q: %w", key, err)
	}
	return &def, nil
}

// AddVersion schedules a new version of an existing rule for tomorrow,
// closing the currently applicable version at today.
func (e *Engine) AddVersion(ctx context.Context, key RuleKey, params RuleParams) (*RuleDefinition, error) {
	const op = "add version"
	if err := validateRuleParams(op, key, params); err != nil {
		return nil, err
	}

	versions, err := e.store.ListRuleVersionsForKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("list versions for %q: %w", key, err)
	}
	if len(versions) == 0 {
		return nil, &ValidationError{Op: op, Key: key, Detail: "rule_key does not exist"}
	}

	today := e.clock.Today()
	tomorrow := today.AddDays(1)
	if err := assertTomorrowOnly(op, key, versions, tomorrow); err != nil {
		return nil, err
	}

	maxVersion := 0
	var current *RuleDefinition
	for i := range versions {
		v := &versions[i]
		if v.Version > maxVersion {
			maxVersion = v.Version
		}
		if v.AppliesOn(today) {
			current = v
		}
	}

	def := RuleDefinition{
		Key:           key,
		Version:       maxVersion + 1,
		EffectiveFrom: tomorrow,
		Name:          params.Name,
		Description:   params.Description,
		WindowDays:    params.WindowDays,
		BufferMisses:  params.BufferMisses,
		Weight:        params.Weight,
	}

	err = e.store.WithTx(ctx, func(store Store) error {
		if current != nil {
			if err := store.CloseRuleVersion(ctx, key, current.Version, today); err != nil {
				return fmt.Errorf("close version %d: %w", current.Version, err)
			}
		}
		return store.InsertRuleVersion(ctx, def)
	})
	if err != nil {
		return nil, fmt.Errorf("add version for %q: %w", key, err)
	}
	return &def, nil
}

// DeactivateRule ends a rule key: its currently applicable version is closed
// at today, so the rule stops applying from tomorrow on.
func (e *Engine) DeactivateRule(ctx context.Context, key RuleKey) (*RuleDefinition, error) {
	const op = "deactivate rule"
	versions, err := e.store.ListRuleVersionsForKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("list versions for %q: %w", key, err)
	}
	if len(versions) == 0 {
		return nil, &ValidationError{Op: op, Key: key, Detail: "rule_key does not exist"}
	}

	today := e.clock.Today()
	tomorrow := today.AddDays(1)
	if err := assertTomorrowOnly(op, key, versions, tomorrow); err != nil {
		return nil, err
	}
	// A version queued for tomorrow would silently reactivate the key the
	// day after deactivation.
	for _, v := range versions {
		if v.EffectiveFrom.Equal(tomorrow) {
			return nil, &ValidationError{Op: op, Key: key, Detail: "a version is scheduled for tomorrow; remove it first"}
		}
	}

	var current *RuleDefinition
	for i := range versions {
		if versions[i].AppliesOn(today) {
			current = &versions[i]
		}
	}
	if current == nil {
		return nil, &ValidationError{Op: op, Key: key, Detail: "rule is not applicable today (already inactive)"}
	}

	if err := e.store.CloseRuleVersion(ctx, key, current.Version, today); err != nil {
		return nil, fmt.Errorf("deactivate %q: %w", key, err)
	}
	closed := *current
	closed.EffectiveTo = &today
	return &closed, nil
}

// assertTomorrowOnly rejects the operation when any version is scheduled
// beyond tomorrow. Nothing should ever be, but a manually seeded database
// could violate it and the mutation must not compound the damage.
func assertTomorrowOnly(op string, key RuleKey, versions []RuleDefinition, tomorrow Date) error {
	for _, v := range versions {
		if v.EffectiveFrom.After(tomorrow) {
			return &ValidationError{
				Op:  op,
				Key: key,
				Detail: fmt.Sprintf("version %d is scheduled for %s, beyond tomorrow; remove it first",
					v.Version, v.EffectiveFrom),
			}
		}
		if v.EffectiveFrom.Equal(tomorrow) && op == "add version" {
			return &ValidationError{Op: op, Key: key, Detail: "a version is already scheduled for tomorrow; remove it first"}
		}
	}
	return nil
}

// ListRuleKeys returns every known rule key, sorted.
func (e *Engine) ListRuleKeys(ctx context.Context) ([]RuleKey, error) {
	defs, err := e.store.ListRuleVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rule versions: %w", err)
	}
	seen := make(map[RuleKey]bool)
	var keys []RuleKey
	for _, d := range defs {
		if !seen[d.Key] {
			seen[d.Key] = true
			keys = append(keys, d.Key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

// RuleVersions returns all versions of one key, oldest first.
func (e *Engine) RuleVersions(ctx context.Context, key RuleKey) ([]RuleDefinition, error) {
	versions, err := e.store.ListRuleVersionsForKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("list versions for %q: %w", key, err)
	}
	if len(versions) == 0 {
		return nil, ErrRuleNotFound
	}
	return versions, nil
}
