/*
catalog.go - Rule catalog resolution and overlap validation

PURPOSE:
  Resolves, for any date and rule key, the single applicable versioned rule
  definition. Validation runs before any date-dependent computation: an
  undetected overlap would make historical resolution ambiguous, and a day
  finalized under an ambiguous catalog can never be recomputed.

RESOLUTION MODEL:
  Each key's versions form an ordered list of immutable, non-overlapping
  inclusive spans. Point lookups scan the sorted spans; chronological
  consumers (index, series, statistics) use a cursor that advances
  monotonically instead of re-resolving every day.
*/
package discipline

import (
	"fmt"
	"sort"
)

// Catalog is an in-memory snapshot of every rule version, grouped by key and
// sorted by EffectiveFrom. Build one per engine entry point from the store.
type Catalog struct {
	versions map[RuleKey][]RuleDefinition
	keys     []RuleKey // sorted; fixes the tie-break order everywhere
}

// NewCatalog groups and sorts the given definitions. Call Validate before
// using the catalog for any resolution.
func NewCatalog(defs []RuleDefinition) *Catalog {
	c := &Catalog{versions: make(map[RuleKey][]RuleDefinition)}
	for _, d := range defs {
		c.versions[d.Key] = append(c.versions[d.Key], d)
	}
	for k := range c.versions {
		vs := c.versions[k]
		sort.Slice(vs, func(i, j int) bool { return vs[i].EffectiveFrom.Before(vs[j].EffectiveFrom) })
		c.keys = append(c.keys, k)
	}
	sort.Slice(c.keys, func(i, j int) bool { return c.keys[i] < c.keys[j] })
	return c
}

// Keys returns all rule keys in lexicographic order.
func (c *Catalog) Keys() []RuleKey { return c.keys }

// Versions returns one key's versions sorted by EffectiveFrom.
func (c *Catalog) Versions(key RuleKey) []RuleDefinition { return c.versions[key] }

// Validate fails with a ConfigurationError if any version has
// EffectiveTo < EffectiveFrom, or if any two inclusive spans of the same key
// intersect. An open-ended span swallows everything scheduled after it.
func (c *Catalog) Validate() error {
	for _, key := range c.keys {
		vs := c.versions[key]
		for _, v := range vs {
			if v.EffectiveTo != nil && v.EffectiveTo.Before(v.EffectiveFrom) {
				return &ConfigurationError{
					Key:    key,
					Detail: fmt.Sprintf("version %d: effective_to %s < effective_from %s", v.Version, v.EffectiveTo, v.EffectiveFrom),
				}
			}
		}
		for i := 1; i < len(vs); i++ {
			prev, cur := vs[i-1], vs[i]
			// Inclusive spans overlap unless prev ends strictly before cur
			// starts. An open-ended prev overlaps everything after it.
			if prev.EffectiveTo == nil || prev.EffectiveTo.AfterOrEqual(cur.EffectiveFrom) {
				return &ConfigurationError{
					Key:    key,
					Detail: fmt.Sprintf("version %d [%s..%s] overlaps version %d [%s..%s]",
						prev.Version, prev.EffectiveFrom, spanEnd(prev.EffectiveTo),
						cur.Version, cur.EffectiveFrom, spanEnd(cur.EffectiveTo)),
				}
			}
		}
	}
	return nil
}

func spanEnd(d *Date) string {
	if d == nil {
		return "open"
	}
	return d.String()
}

// Resolve returns the version of key whose inclusive span contains d, or nil.
func (c *Catalog) Resolve(key RuleKey, d Date) *RuleDefinition {
	for i := range c.versions[key] {
		v := &c.versions[key][i]
		if v.EffectiveFrom.After(d) {
			break
		}
		if v.AppliesOn(d) {
			return v
		}
	}
	return nil
}

// ResolveAll returns the applicable version of every key on d. Keys with no
// applicable version are absent from the map.
func (c *Catalog) ResolveAll(d Date) map[RuleKey]RuleDefinition {
	out := make(map[RuleKey]RuleDefinition)
	for _, key := range c.keys {
		if v := c.Resolve(key, d); v != nil {
			out[key] = *v
		}
	}
	return out
}

// =============================================================================
// CURSOR - Chronological resolution without per-day rescans
// =============================================================================

// versionCursor walks one key's sorted versions as dates advance. Callers
// must query non-decreasing dates.
type versionCursor struct {
	versions []RuleDefinition
	i        int
}

// At returns the version applicable on d, or nil. O(1) amortized over a
// chronological scan.
func (vc *versionCursor) At(d Date) *RuleDefinition {
	if len(vc.versions) == 0 {
		return nil
	}
	for vc.i+1 < len(vc.versions) && vc.versions[vc.i+1].EffectiveFrom.BeforeOrEqual(d) {
		vc.i++
	}
	v := &vc.versions[vc.i]
	if !v.AppliesOn(d) {
		return nil
	}
	return v
}

// Cursors returns a fresh chronological cursor per key.
func (c *Catalog) Cursors() map[RuleKey]*versionCursor {
	out := make(map[RuleKey]*versionCursor, len(c.keys))
	for _, key := range c.keys {
		out[key] = &versionCursor{versions: c.versions[key]}
	}
	return out
}
