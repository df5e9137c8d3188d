// Package authres implements the Authentication-Results (RFC 8601) trust
// gate described in spec.md §4.6 (component H): tracking of the single
// global authserv-id candidate set and the per-domain DKIM "sticky trust"
// check that gates Autocrypt key changes.
//
// Ground truth is original_source/src/authres_handling.rs; this package
// keeps its algorithm shape (parse, update candidates by intersect-or-reset,
// scan in order for the first Passed/Failed) while exposing it as small,
// independently testable pure functions plus a Gate that wires them to
// storage.
package authres

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Result is the verdict of a single "dkim=" entry in an Authentication-Results
// header.
type Result int

const (
	// Nothing means the header carried no dkim= method at all, or only a
	// dkim=pass whose header.d=/header.i= does not name the sending domain.
	Nothing Result = iota
	Passed
	Failed
)

func (r Result) String() string {
	switch r {
	case Passed:
		return "pass"
	case Failed:
		return "fail"
	default:
		return "none"
	}
}

// HeaderResult pairs one parsed header's authserv-id with its dkim= verdict.
type HeaderResult struct {
	AuthservID string
	Result     Result
}

const invalidAuthservID = "invalidAuthservId"

// commentRE strips RFC 2822 parenthesized comments. Non-greedy so that
// "(a) (b)" strips as two comments rather than one spanning both — matching
// original_source's Lazy<Regex> = r"\([\s\S]*?\)".
var commentRE = regexp.MustCompile(`\([\s\S]*?\)`)

// StripComments removes parenthesized comments from a header value,
// replacing each with a single space.
func StripComments(s string) string {
	return commentRE.ReplaceAllString(s, " ")
}

// ParseHeader parses one Authentication-Results header value (without the
// leading "Authentication-Results:" field name) into its authserv-id and
// dkim verdict.
func ParseHeader(raw string) HeaderResult {
	clean := StripComments(raw)

	authservID, rest, found := strings.Cut(clean, ";")
	authservID = strings.TrimSpace(authservID)
	if !found {
		rest = ""
	}
	if authservID == "" {
		authservID = invalidAuthservID
	}

	return HeaderResult{
		AuthservID: authservID,
		Result:     parseDkimMethod(rest, authservID),
	}
}

// parseDkimMethod scans the resinfo entries (after the authserv-id) for a
// "dkim=" method and decides Passed/Failed/Nothing.
func parseDkimMethod(rest string, authservID string) Result {
	domain := domainFromAuthservID(authservID)

	for _, entry := range strings.Split(rest, ";") {
		entry = strings.TrimSpace(entry)
		idx := strings.Index(entry, "dkim=")
		if idx < 0 {
			continue
		}

		tail := entry[idx+len("dkim="):]
		// The method's resinfo runs up to the next ";", already split, so
		// tail is the whole remainder of this entry.
		fields := strings.Fields(tail)
		if len(fields) == 0 {
			continue
		}
		verdict := fields[0]

		if verdict == "pass" {
			if hasMatchingDomain(tail, domain) {
				return Passed
			}
			continue
		}
		if verdict != "" {
			return Failed
		}
	}
	return Nothing
}

// hasMatchingDomain checks for header.d=<domain> or header.i=@<domain> in
// the dkim= resinfo tail, per authres_handling.rs's pass condition.
func hasMatchingDomain(tail, domain string) bool {
	if domain == "" {
		return false
	}
	d := strings.ToLower(tail)
	domain = strings.ToLower(domain)
	return strings.Contains(d, "header.d="+domain) || strings.Contains(d, "header.i=@"+domain)
}

// domainFromAuthservID extracts a plausible sending domain out of an
// authserv-id token; authserv-ids are often the MX hostname, so the
// rightmost two labels are a reasonable proxy. This mirrors the original's
// use of the *message's* From domain rather than the authserv-id in
// practice — see ParseHeadersForDomain/HandleAuthres, which pass the real
// From domain through instead of relying on this heuristic when available.
func domainFromAuthservID(id string) string {
	labels := strings.Split(id, ".")
	if len(labels) > 2 {
		return strings.Join(labels[len(labels)-2:], ".")
	}
	return id
}

// ParseHeaders parses every raw Authentication-Results header value found
// on a message.
func ParseHeaders(raws []string) []HeaderResult {
	out := make([]HeaderResult, 0, len(raws))
	for _, raw := range raws {
		out = append(out, ParseHeader(raw))
	}
	return out
}

// ParseHeadersForDomain parses headers using the message's actual From
// domain to evaluate the header.d=/header.i=@ match, which is what
// handle_authres does in original_source (it passes the real domain, not
// a guess derived from the authserv-id).
func ParseHeadersForDomain(raws []string, fromDomain string) []HeaderResult {
	out := make([]HeaderResult, 0, len(raws))
	for _, raw := range raws {
		clean := StripComments(raw)
		authservID, rest, found := strings.Cut(clean, ";")
		authservID = strings.TrimSpace(authservID)
		if !found {
			rest = ""
		}
		if authservID == "" {
			authservID = invalidAuthservID
		}
		out = append(out, HeaderResult{
			AuthservID: authservID,
			Result:     parseDkimMethod(rest, fromDomain),
		})
	}
	return out
}

// UpdateCandidates implements update_authservid_candidates: given the
// currently-trusted authserv-id set and this message's parsed headers, it
// computes the new candidate set.
//
//   - If this message carries no Authentication-Results headers at all
//     (newIDs empty), the candidates are left untouched — a guard against
//     self-sent mail and bounces with no authres annotation resetting trust.
//   - Otherwise the new set is old ∩ new; if that intersection is empty,
//     trust resets fully to the new set (the receiving server's authserv-id
//     changed, e.g. after a provider migration).
//
// changed reports whether the returned set differs from old, which the
// caller uses to decide whether to clear the sticky dkim-works flag.
func UpdateCandidates(old map[string]struct{}, results []HeaderResult) (updated map[string]struct{}, changed bool) {
	newIDs := make(map[string]struct{}, len(results))
	for _, r := range results {
		newIDs[r.AuthservID] = struct{}{}
	}
	if len(newIDs) == 0 {
		return old, false
	}

	intersection := make(map[string]struct{})
	for id := range old {
		if _, ok := newIDs[id]; ok {
			intersection[id] = struct{}{}
		}
	}

	result := intersection
	if len(result) == 0 {
		result = newIDs
	}

	return result, !setsEqual(old, result)
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// ShouldAllowKeychange implements should_allow_keychange: it filters this
// message's results down to the ones from a trusted authserv-id, scans them
// in order for the first explicit Passed/Failed verdict, and folds that into
// the sticky dkimWorks flag for the sending domain.
//
// Returns dkimPassed (this message's own verdict), allowKeychange (whether
// an Autocrypt key change should be honored), and newDkimWorks (the updated
// sticky flag to persist — only ever flips false→true, never back).
func ShouldAllowKeychange(results []HeaderResult, candidates map[string]struct{}, dkimWorks bool) (dkimPassed, allowKeychange, newDkimWorks bool) {
	filtered := make([]HeaderResult, 0, len(results))
	for _, r := range results {
		if _, ok := candidates[r.AuthservID]; ok {
			filtered = append(filtered, r)
		}
	}

	if len(filtered) == 0 {
		// The provider doesn't annotate Authentication-Results at all (or
		// none of this message's headers match a trusted authserv-id):
		// assume pass rather than lock the user out of key changes forever.
		dkimPassed = true
	} else {
	scan:
		for _, r := range filtered {
			switch r.Result {
			case Passed:
				dkimPassed = true
			case Failed:
				dkimPassed = false
			default:
				continue
			}
			break scan
		}
	}

	newDkimWorks = dkimWorks
	if !dkimWorks && dkimPassed {
		newDkimWorks = true
	}

	allowKeychange = dkimPassed || !dkimWorks
	return dkimPassed, allowKeychange, newDkimWorks
}

// Store is the persistence boundary handle_authres needs: reading and
// writing the single global candidate set and the per-domain dkim-works
// flag (spec.md §4.6 step 1, step 8; §6 "Persisted state" puts
// AuthservidCandidates in `_config`, not in `sending_domains`).
type Store interface {
	AuthservIDCandidates(ctx context.Context) (map[string]struct{}, error)
	SetAuthservIDCandidates(ctx context.Context, ids map[string]struct{}) error
	DkimWorks(ctx context.Context, domain string) (bool, error)
	SetDkimWorks(ctx context.Context, domain string, works bool) error
	ClearDkimWorks(ctx context.Context) error
}

// Gate wires the pure parsing/decision functions above to a Store.
type Gate struct {
	store Store
}

// NewGate constructs a Gate over the given persistence Store.
func NewGate(store Store) *Gate {
	return &Gate{store: store}
}

// HandleAuthres runs the full algorithm of spec.md §4.6 for one incoming
// message: update the candidate set, compute this message's dkim verdict,
// and decide whether an Autocrypt key change on it should be honored.
//
// A malformed or unparseable From address is not an error (mirrors
// handle_authres's Ok(false) on address-parse failure): it simply disallows
// the key change.
func (g *Gate) HandleAuthres(ctx context.Context, fromAddr string, rawHeaders []string) (bool, error) {
	fromDomain := domainOf(fromAddr)
	if fromDomain == "" {
		return false, nil
	}

	results := ParseHeadersForDomain(rawHeaders, fromDomain)

	oldIDs, err := g.store.AuthservIDCandidates(ctx)
	if err != nil {
		return false, fmt.Errorf("authres: load candidates: %w", err)
	}

	newIDs, changed := UpdateCandidates(oldIDs, results)
	if changed {
		if err := g.store.SetAuthservIDCandidates(ctx, newIDs); err != nil {
			return false, fmt.Errorf("authres: save candidates: %w", err)
		}
		// A candidate-set reset invalidates every domain's sticky trust, not
		// just fromDomain's (spec.md §8 property 3), since the change means
		// the receiving server's own authserv-id rotated.
		if err := g.store.ClearDkimWorks(ctx); err != nil {
			return false, fmt.Errorf("authres: clear dkim_works: %w", err)
		}
	}

	dkimWorks, err := g.store.DkimWorks(ctx, fromDomain)
	if err != nil {
		return false, fmt.Errorf("authres: load dkim_works for %s: %w", fromDomain, err)
	}

	_, allow, newDkimWorks := ShouldAllowKeychange(results, newIDs, dkimWorks)
	if newDkimWorks != dkimWorks {
		if err := g.store.SetDkimWorks(ctx, fromDomain, newDkimWorks); err != nil {
			return false, fmt.Errorf("authres: save dkim_works for %s: %w", fromDomain, err)
		}
	}

	return allow, nil
}

// domainOf extracts the domain part of an email address, returning "" if
// the address has no "@" or nothing follows it.
func domainOf(addr string) string {
	idx := strings.LastIndex(addr, "@")
	if idx < 0 || idx == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[idx+1:])
}
