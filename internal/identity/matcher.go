// Package identity resolves a newly authenticated account to at most one
// pre-existing legacy account record, using a priority-ordered set of
// matching strategies. Resolution is advisory: it never fails, it degrades
// to a null result plus warnings.
package identity

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"xp-ledger/internal/model"
)

// Confidence expresses how reliable a match is.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// MatchMethod identifies which strategy produced a match.
type MatchMethod string

const (
	MethodExternalID  MatchMethod = "EXTERNAL_ID"
	MethodExactHandle MatchMethod = "EXACT_HANDLE"
	MethodFuzzyEmail  MatchMethod = "FUZZY_EMAIL"
	MethodBaseHandle  MatchMethod = "BASE_HANDLE"
	MethodDisplayName MatchMethod = "DISPLAY_NAME"
	MethodNone        MatchMethod = "NONE"
)

// Criteria describes the authenticated identity being resolved.
type Criteria struct {
	ExternalID          *int64
	Handle              string // required
	Email               string // required
	FallbackDisplayName string
}

// Result is the outcome of a resolution attempt. Account is nil when no
// strategy matched; Warnings records every strategy that was tried and why
// it did not fire, for operator audit.
type Result struct {
	Account    *model.Account
	Method     MatchMethod
	Confidence Confidence
	Warnings   []string
}

// Directory is the read-only legacy-account lookup surface the matcher
// consumes. All queries are constrained to unconsumed accounts carrying the
// reserved legacy email domain.
type Directory interface {
	FindLegacyByExternalID(ctx context.Context, externalID int64) (*model.Account, error)
	FindLegacyByHandleEmail(ctx context.Context, handle, email string) (*model.Account, error)
	FindLegacyByEmailLocalParts(ctx context.Context, localParts []string) ([]*model.Account, error)
	FindLegacyByDisplayName(ctx context.Context, displayName string) ([]*model.Account, error)
}

// Matcher resolves identities against the legacy directory.
type Matcher struct {
	dir          Directory
	legacyDomain string
	separator    string
	maxDistance  int
}

// NewMatcher creates a Matcher. separator splits a handle from its
// discriminator suffix (e.g. "alice#1234"); maxDistance is the fuzzy
// acceptance bound.
func NewMatcher(dir Directory, legacyDomain, separator string, maxDistance int) *Matcher {
	if legacyDomain == "" {
		legacyDomain = model.LegacyEmailDomain
	}
	if separator == "" {
		separator = "#"
	}
	if maxDistance <= 0 {
		maxDistance = 1
	}
	return &Matcher{
		dir:          dir,
		legacyDomain: legacyDomain,
		separator:    separator,
		maxDistance:  maxDistance,
	}
}

// Resolve tries each strategy in priority order and returns the first match.
// It never returns an error: "no match" and store failures both fold into a
// null result with warnings.
func (m *Matcher) Resolve(ctx context.Context, c Criteria) Result {
	var warnings []string

	if c.Handle == "" || c.Email == "" {
		warnings = append(warnings, "criteria incomplete: handle and email are required")
		return Result{Method: MethodNone, Confidence: ConfidenceLow, Warnings: warnings}
	}

	// Strategy 1: external-provider ID exact match.
	if c.ExternalID != nil {
		acct, err := m.dir.FindLegacyByExternalID(ctx, *c.ExternalID)
		switch {
		case err != nil:
			warnings = append(warnings, fmt.Sprintf("external-id lookup failed: %v", err))
		case acct != nil:
			return Result{Account: acct, Method: MethodExternalID, Confidence: ConfidenceHigh, Warnings: warnings}
		default:
			warnings = append(warnings, fmt.Sprintf("no legacy account with external id %d", *c.ExternalID))
		}
	} else {
		warnings = append(warnings, "external id not provided, skipped external-id match")
	}

	// Strategy 2: exact handle + reserved-domain email match.
	if acct := m.exactHandleMatch(ctx, c.Handle, &warnings); acct != nil {
		return Result{Account: acct, Method: MethodExactHandle, Confidence: ConfidenceHigh, Warnings: warnings}
	}

	// Strategy 3: fuzzy email-local-part match.
	if acct, conf := m.fuzzyEmailMatch(ctx, c, &warnings); acct != nil {
		return Result{Account: acct, Method: MethodFuzzyEmail, Confidence: conf, Warnings: warnings}
	}

	// Strategy 4: base-handle match (discriminator suffix stripped).
	if base := m.baseHandle(c.Handle); base != "" && base != c.Handle {
		if acct := m.exactHandleMatch(ctx, base, &warnings); acct != nil {
			return Result{Account: acct, Method: MethodBaseHandle, Confidence: ConfidenceMedium, Warnings: warnings}
		}
	} else {
		warnings = append(warnings, "handle has no discriminator suffix, skipped base-handle match")
	}

	// Strategy 5: display-name fallback, the least reliable strategy.
	if c.FallbackDisplayName != "" {
		accounts, err := m.dir.FindLegacyByDisplayName(ctx, c.FallbackDisplayName)
		switch {
		case err != nil:
			warnings = append(warnings, fmt.Sprintf("display-name lookup failed: %v", err))
		case len(accounts) > 0:
			warnings = append(warnings, "matched by display name only; manual verification recommended")
			return Result{Account: accounts[0], Method: MethodDisplayName, Confidence: ConfidenceLow, Warnings: warnings}
		default:
			warnings = append(warnings, fmt.Sprintf("no legacy account with display name %q", c.FallbackDisplayName))
		}
	} else {
		warnings = append(warnings, "display name not provided, skipped display-name match")
	}

	log.Debug().Str("handle", c.Handle).Strs("warnings", warnings).Msg("identity resolution found no legacy account")
	return Result{Method: MethodNone, Confidence: ConfidenceLow, Warnings: warnings}
}

// ListAllPotentialMatches runs every strategy without priority
// short-circuiting and returns the deduplicated union, for manual conflict
// resolution tooling.
func (m *Matcher) ListAllPotentialMatches(ctx context.Context, c Criteria) []*model.Account {
	seen := make(map[string]bool)
	var all []*model.Account
	add := func(accounts ...*model.Account) {
		for _, a := range accounts {
			if a != nil && !seen[a.ID] {
				seen[a.ID] = true
				all = append(all, a)
			}
		}
	}

	if c.ExternalID != nil {
		if acct, err := m.dir.FindLegacyByExternalID(ctx, *c.ExternalID); err == nil {
			add(acct)
		}
	}
	if c.Handle != "" {
		if acct, err := m.dir.FindLegacyByHandleEmail(ctx, c.Handle, m.legacyEmail(c.Handle)); err == nil {
			add(acct)
		}
		if base := m.baseHandle(c.Handle); base != "" && base != c.Handle {
			if acct, err := m.dir.FindLegacyByHandleEmail(ctx, base, m.legacyEmail(base)); err == nil {
				add(acct)
			}
		}
		if candidates := m.candidateVariants(c); len(candidates) > 0 {
			if accounts, err := m.dir.FindLegacyByEmailLocalParts(ctx, candidates); err == nil {
				add(accounts...)
			}
		}
	}
	if c.FallbackDisplayName != "" {
		if accounts, err := m.dir.FindLegacyByDisplayName(ctx, c.FallbackDisplayName); err == nil {
			add(accounts...)
		}
	}
	return all
}

// exactHandleMatch implements strategy 2: the legacy account's handle equals
// the input handle and its email equals handle@<reserved-domain> exactly.
func (m *Matcher) exactHandleMatch(ctx context.Context, handle string, warnings *[]string) *model.Account {
	acct, err := m.dir.FindLegacyByHandleEmail(ctx, handle, m.legacyEmail(handle))
	switch {
	case err != nil:
		*warnings = append(*warnings, fmt.Sprintf("exact handle lookup for %q failed: %v", handle, err))
	case acct != nil:
		return acct
	default:
		*warnings = append(*warnings, fmt.Sprintf("no legacy account with handle %q and reserved-domain email", handle))
	}
	return nil
}

// fuzzyEmailMatch implements strategy 3. The candidate set is built from the
// sanitized handle and display name; the directory is queried with every
// single-character-deletion variant, and matches are accepted only when the
// minimum Levenshtein distance to an input candidate is within the bound.
func (m *Matcher) fuzzyEmailMatch(ctx context.Context, c Criteria, warnings *[]string) (*model.Account, Confidence) {
	bases := m.candidateBases(c)
	if len(bases) == 0 {
		*warnings = append(*warnings, "no usable fuzzy-match candidates in handle or display name")
		return nil, ConfidenceLow
	}

	matches, err := m.dir.FindLegacyByEmailLocalParts(ctx, m.candidateVariants(c))
	if err != nil {
		*warnings = append(*warnings, fmt.Sprintf("fuzzy email lookup failed: %v", err))
		return nil, ConfidenceLow
	}
	if len(matches) == 0 {
		*warnings = append(*warnings, fmt.Sprintf("no legacy email local-part near candidates %v", bases))
		return nil, ConfidenceLow
	}

	type scored struct {
		account  *model.Account
		distance int
	}
	var accepted []scored
	for _, acct := range matches {
		local := emailLocalPart(acct.Email)
		best := -1
		for _, base := range bases {
			if d := levenshtein(local, base); best < 0 || d < best {
				best = d
			}
		}
		if best >= 0 && best <= m.maxDistance {
			accepted = append(accepted, scored{account: acct, distance: best})
		}
	}
	if len(accepted) == 0 {
		*warnings = append(*warnings, fmt.Sprintf("fuzzy candidates found but none within edit distance %d", m.maxDistance))
		return nil, ConfidenceLow
	}

	// Smaller distance first, then the historically more active record.
	sort.SliceStable(accepted, func(i, j int) bool {
		if accepted[i].distance != accepted[j].distance {
			return accepted[i].distance < accepted[j].distance
		}
		return accepted[i].account.TotalXP > accepted[j].account.TotalXP
	})

	best := accepted[0]
	if best.distance == 0 {
		return best.account, ConfidenceHigh
	}
	return best.account, ConfidenceMedium
}

// candidateBases builds the sanitized candidate set: lower-cased, leading
// "@" stripped, whitespace removed, discriminator suffix split off.
func (m *Matcher) candidateBases(c Criteria) []string {
	seen := make(map[string]bool)
	var bases []string
	for _, raw := range []string{c.Handle, c.FallbackDisplayName} {
		s := m.sanitize(raw)
		if s != "" && !seen[s] {
			seen[s] = true
			bases = append(bases, s)
		}
	}
	return bases
}

// candidateVariants returns every base candidate plus all of its
// single-character-deletion variants, deduplicated and sorted for
// deterministic queries.
func (m *Matcher) candidateVariants(c Criteria) []string {
	seen := make(map[string]bool)
	for _, base := range m.candidateBases(c) {
		seen[base] = true
		for _, v := range deletionVariants(base) {
			seen[v] = true
		}
	}
	variants := make([]string, 0, len(seen))
	for v := range seen {
		variants = append(variants, v)
	}
	sort.Strings(variants)
	return variants
}

// deletionVariants returns every string obtainable from s by deleting
// exactly one character.
func deletionVariants(s string) []string {
	runes := []rune(s)
	variants := make([]string, 0, len(runes))
	for i := range runes {
		variants = append(variants, string(runes[:i])+string(runes[i+1:]))
	}
	return variants
}

func (m *Matcher) sanitize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "@")
	s = strings.Join(strings.Fields(s), "")
	if idx := strings.Index(s, m.separator); idx >= 0 {
		s = s[:idx]
	}
	return s
}

// baseHandle strips the discriminator suffix from a handle without the other
// sanitization steps, for the exact-match retry of strategy 4.
func (m *Matcher) baseHandle(handle string) string {
	if idx := strings.Index(handle, m.separator); idx >= 0 {
		return handle[:idx]
	}
	return handle
}

func (m *Matcher) legacyEmail(handle string) string {
	return handle + "@" + m.legacyDomain
}

func emailLocalPart(email string) string {
	if idx := strings.Index(email, "@"); idx >= 0 {
		return email[:idx]
	}
	return email
}
