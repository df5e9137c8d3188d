package authres

import (
	"context"
	"testing"
)

func TestStripComments(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "simple comment",
			in:   "dkim=pass (good signature) header.d=example.com",
			want: "dkim=pass   header.d=example.com",
		},
		{
			name: "unbalanced paren left open",
			in:   "dkim=pass (unterminated",
			want: "dkim=pass (unterminated",
		},
		{
			name: "two comments non-greedy",
			in:   "a (one) b (two) c",
			want: "a   b   c",
		},
		{
			name: "multiline comment with emoji",
			in:   "dkim=pass (ok \n 👍) header.d=example.com",
			want: "dkim=pass   header.d=example.com",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := StripComments(c.in)
			if got != c.want {
				t.Errorf("StripComments(%q) = %q, want %q", c.in, got, c.want)
			}
		})
	}
}

func TestParseHeadersForDomain(t *testing.T) {
	const domain = "example.com"

	cases := []struct {
		name   string
		raw    string
		wantID string
		wantR  Result
	}{
		{
			name:   "pass with header.d",
			raw:    "mx.example.net; dkim=pass header.d=example.com header.b=abc123",
			wantID: "mx.example.net",
			wantR:  Passed,
		},
		{
			name:   "pass with header.i",
			raw:    "mx.example.net; dkim=pass header.i=@example.com header.b=abc123",
			wantID: "mx.example.net",
			wantR:  Passed,
		},
		{
			name:   "pass but wrong domain does not count",
			raw:    "mx.example.net; dkim=pass header.d=attacker.example header.b=abc123",
			wantID: "mx.example.net",
			wantR:  Nothing,
		},
		{
			name:   "explicit fail",
			raw:    "mx.example.net; dkim=fail header.d=example.com",
			wantID: "mx.example.net",
			wantR:  Failed,
		},
		{
			name:   "no dkim method at all",
			raw:    "mx.example.net; spf=pass smtp.mailfrom=example.com",
			wantID: "mx.example.net",
			wantR:  Nothing,
		},
		{
			name:   "missing authserv-id falls back to sentinel",
			raw:    "; dkim=pass header.d=example.com",
			wantID: invalidAuthservID,
			wantR:  Passed,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ParseHeadersForDomain([]string{c.raw}, domain)
			if len(got) != 1 {
				t.Fatalf("expected 1 result, got %d", len(got))
			}
			if got[0].AuthservID != c.wantID {
				t.Errorf("authserv-id = %q, want %q", got[0].AuthservID, c.wantID)
			}
			if got[0].Result != c.wantR {
				t.Errorf("result = %v, want %v", got[0].Result, c.wantR)
			}
		})
	}
}

func TestUpdateCandidates(t *testing.T) {
	t.Run("first message seeds the candidate set", func(t *testing.T) {
		old := map[string]struct{}{}
		results := []HeaderResult{{AuthservID: "mx1.example.net"}}
		got, changed := UpdateCandidates(old, results)
		if !changed {
			t.Fatal("expected changed=true on first seed")
		}
		if _, ok := got["mx1.example.net"]; !ok || len(got) != 1 {
			t.Fatalf("unexpected candidate set: %v", got)
		}
	})

	t.Run("no headers leaves candidates untouched", func(t *testing.T) {
		old := map[string]struct{}{"mx1.example.net": {}}
		got, changed := UpdateCandidates(old, nil)
		if changed {
			t.Fatal("expected changed=false when message carries no authres headers")
		}
		if len(got) != 1 {
			t.Fatalf("unexpected candidate set: %v", got)
		}
	})

	t.Run("overlapping authserv-id narrows by intersection", func(t *testing.T) {
		old := map[string]struct{}{"mx1.example.net": {}, "mx2.example.net": {}}
		results := []HeaderResult{{AuthservID: "mx1.example.net"}}
		got, changed := UpdateCandidates(old, results)
		if !changed {
			t.Fatal("expected changed=true: set narrowed")
		}
		if len(got) != 1 {
			t.Fatalf("expected narrowed set of 1, got %v", got)
		}
	})

	t.Run("disjoint authserv-id resets the set", func(t *testing.T) {
		old := map[string]struct{}{"mx1.example.net": {}}
		results := []HeaderResult{{AuthservID: "mx-new.example.net"}}
		got, changed := UpdateCandidates(old, results)
		if !changed {
			t.Fatal("expected changed=true: full reset")
		}
		if _, ok := got["mx-new.example.net"]; !ok || len(got) != 1 {
			t.Fatalf("expected reset set {mx-new.example.net}, got %v", got)
		}
	})
}

func TestShouldAllowKeychange(t *testing.T) {
	t.Run("no matching trusted authserv-id assumes pass", func(t *testing.T) {
		results := []HeaderResult{{AuthservID: "untrusted.example.net", Result: Failed}}
		candidates := map[string]struct{}{"mx1.example.net": {}}
		dkimPassed, allow, newWorks := ShouldAllowKeychange(results, candidates, false)
		if !dkimPassed || !allow {
			t.Fatalf("expected pass+allow when no trusted header present, got %v/%v", dkimPassed, allow)
		}
		if !newWorks {
			t.Fatal("expected dkim_works to flip true on an assumed pass")
		}
	})

	t.Run("explicit pass from a trusted authserv-id allows and sets sticky flag", func(t *testing.T) {
		results := []HeaderResult{{AuthservID: "mx1.example.net", Result: Passed}}
		candidates := map[string]struct{}{"mx1.example.net": {}}
		dkimPassed, allow, newWorks := ShouldAllowKeychange(results, candidates, false)
		if !dkimPassed || !allow || !newWorks {
			t.Fatalf("got dkimPassed=%v allow=%v newWorks=%v", dkimPassed, allow, newWorks)
		}
	})

	t.Run("explicit fail from a trusted authserv-id blocks once dkim_works is sticky", func(t *testing.T) {
		results := []HeaderResult{{AuthservID: "mx1.example.net", Result: Failed}}
		candidates := map[string]struct{}{"mx1.example.net": {}}
		dkimPassed, allow, newWorks := ShouldAllowKeychange(results, candidates, true)
		if dkimPassed {
			t.Fatal("expected dkimPassed=false on explicit fail")
		}
		if allow {
			t.Fatal("expected allow=false once dkim_works is sticky and this message failed")
		}
		if !newWorks {
			t.Fatal("dkim_works must not be cleared by a single failed message")
		}
	})

	t.Run("fail before dkim_works is sticky still allows (not yet locked in)", func(t *testing.T) {
		results := []HeaderResult{{AuthservID: "mx1.example.net", Result: Failed}}
		candidates := map[string]struct{}{"mx1.example.net": {}}
		dkimPassed, allow, newWorks := ShouldAllowKeychange(results, candidates, false)
		if dkimPassed {
			t.Fatal("expected dkimPassed=false")
		}
		if !allow {
			t.Fatal("expected allow=true: dkim_works was never established, so a single fail doesn't lock out")
		}
		if newWorks {
			t.Fatal("dkim_works must stay false: it was never a pass")
		}
	})

	t.Run("Nothing verdicts are skipped in favor of a later explicit verdict", func(t *testing.T) {
		results := []HeaderResult{
			{AuthservID: "mx1.example.net", Result: Nothing},
			{AuthservID: "mx1.example.net", Result: Failed},
		}
		candidates := map[string]struct{}{"mx1.example.net": {}}
		dkimPassed, _, _ := ShouldAllowKeychange(results, candidates, false)
		if dkimPassed {
			t.Fatal("expected the explicit Failed verdict to win over the earlier Nothing")
		}
	})
}

// fakeStore is an in-memory Store for exercising Gate.HandleAuthres. The
// candidate set is a single global value (spec.md §6: AuthservidCandidates
// lives in `_config`, not per sending domain); dkim_works stays per-domain.
type fakeStore struct {
	candidates map[string]struct{}
	dkimWorks  map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		candidates: map[string]struct{}{},
		dkimWorks:  map[string]bool{},
	}
}

func (f *fakeStore) AuthservIDCandidates(_ context.Context) (map[string]struct{}, error) {
	return f.candidates, nil
}

func (f *fakeStore) SetAuthservIDCandidates(_ context.Context, ids map[string]struct{}) error {
	f.candidates = ids
	return nil
}

func (f *fakeStore) DkimWorks(_ context.Context, domain string) (bool, error) {
	return f.dkimWorks[domain], nil
}

func (f *fakeStore) SetDkimWorks(_ context.Context, domain string, works bool) error {
	f.dkimWorks[domain] = works
	return nil
}

// ClearDkimWorks wipes the sticky flag for every domain, matching
// store.Store.ClearDkimWorks's unconditional DELETE FROM sending_domains.
func (f *fakeStore) ClearDkimWorks(_ context.Context) error {
	f.dkimWorks = map[string]bool{}
	return nil
}

func TestGateHandleAuthresMalformedFromIsNotAnError(t *testing.T) {
	gate := NewGate(newFakeStore())
	allow, err := gate.HandleAuthres(context.Background(), "not-an-email-address", []string{
		"mx1.example.net; dkim=pass header.d=example.com",
	})
	if err != nil {
		t.Fatalf("HandleAuthres returned error for malformed From: %v", err)
	}
	if allow {
		t.Fatal("expected allow=false for an address with no domain to pin trust to")
	}
}

func TestGateHandleAuthresFourStepRotation(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	gate := NewGate(store)
	const from = "alice@example.com"

	// Step 1: first message, single authserv-id, explicit pass.
	allow, err := gate.HandleAuthres(ctx, from, []string{
		"mx1.example.net; dkim=pass header.d=example.com",
	})
	if err != nil || !allow {
		t.Fatalf("step1: allow=%v err=%v", allow, err)
	}
	if _, ok := store.candidates["mx1.example.net"]; !ok {
		t.Fatalf("step1: candidates not seeded: %v", store.candidates)
	}

	// Step 2: second authserv-id appears alongside the first (multi-hop
	// delivery); intersection keeps only the overlap.
	allow, err = gate.HandleAuthres(ctx, from, []string{
		"mx1.example.net; dkim=pass header.d=example.com",
		"mx2.example.net; dkim=pass header.d=example.com",
	})
	if err != nil || !allow {
		t.Fatalf("step2: allow=%v err=%v", allow, err)
	}

	// Step 3: only the second authserv-id appears now (provider route
	// changed); {mx1} and {mx2} do not overlap, so the set resets to {mx2}.
	allow, err = gate.HandleAuthres(ctx, from, []string{
		"mx2.example.net; dkim=pass header.d=example.com",
	})
	if err != nil || !allow {
		t.Fatalf("step3: allow=%v err=%v", allow, err)
	}
	if _, ok := store.candidates["mx2.example.net"]; !ok {
		t.Fatalf("step3: expected candidates narrowed to mx2: %v", store.candidates)
	}

	// Step 4: a completely different authserv-id triggers a full reset, and
	// the sticky dkim_works flag must be cleared with it.
	allow, err = gate.HandleAuthres(ctx, from, []string{
		"mx3.example.net; dkim=fail header.d=example.com",
	})
	if err != nil {
		t.Fatalf("step4: err=%v", err)
	}
	if !allow {
		t.Fatal("step4: dkim_works was just cleared by the reset, so a single fail must not lock out yet")
	}
	if _, ok := store.candidates["mx3.example.net"]; !ok || len(store.candidates) != 1 {
		t.Fatalf("step4: expected full reset to {mx3.example.net}, got %v", store.candidates)
	}
}

// TestGateHandleAuthresClearIsGlobal confirms a candidate-set reset
// triggered by one domain's message clears every domain's sticky dkim_works
// flag, not just the triggering domain's (spec.md §8 property 3).
func TestGateHandleAuthresClearIsGlobal(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	gate := NewGate(store)

	if _, err := gate.HandleAuthres(ctx, "alice@example.com", []string{
		"mx1.example.net; dkim=pass header.d=example.com",
	}); err != nil {
		t.Fatalf("seed example.com: %v", err)
	}
	if _, err := gate.HandleAuthres(ctx, "bob@other.example", []string{
		"mx1.example.net; dkim=pass header.d=other.example",
	}); err != nil {
		t.Fatalf("seed other.example: %v", err)
	}
	if !store.dkimWorks["example.com"] || !store.dkimWorks["other.example"] {
		t.Fatalf("expected both domains sticky before reset: %v", store.dkimWorks)
	}

	// A message from a third domain with a brand-new authserv-id forces the
	// global candidate-set reset branch.
	if _, err := gate.HandleAuthres(ctx, "carol@third.example", []string{
		"mx9.newprovider.example; dkim=pass header.d=third.example",
	}); err != nil {
		t.Fatalf("trigger reset: %v", err)
	}

	if store.dkimWorks["example.com"] || store.dkimWorks["other.example"] {
		t.Fatalf("expected a global clear, but a prior domain's sticky flag survived: %v", store.dkimWorks)
	}
}

func TestGateHandleAuthresAttackerCannotForgeTrustedAuthservID(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	gate := NewGate(store)
	const from = "alice@example.com"

	if _, err := gate.HandleAuthres(ctx, from, []string{
		"mx1.example.net; dkim=pass header.d=example.com",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// An attacker-controlled relay stamps its own Authentication-Results
	// header claiming a pass, but under an authserv-id never seen before
	// (the candidate set is the only thing standing between this message
	// and a spoofed self-signed pass). Because the attacker's authserv-id
	// is not trusted, ShouldAllowKeychange filters it out entirely; with no
	// trusted header left, the verdict is the same assumed pass a message
	// without any Authentication-Results header gets, even though
	// dkim_works is already sticky from the seed step. Verify the
	// attacker's header itself is excluded from consideration (it is not a
	// candidate).
	results := ParseHeadersForDomain([]string{
		"attacker-mx.evil.example; dkim=pass header.d=example.com",
	}, "example.com")
	candidates := store.candidates
	if _, ok := candidates["attacker-mx.evil.example"]; ok {
		t.Fatal("attacker authserv-id must never be admitted as a candidate on its own say-so")
	}
	_, allow, _ := ShouldAllowKeychange(results, candidates, true)
	if !allow {
		t.Fatal("expected fallback assume-pass since the attacker's header is filtered out as untrusted")
	}
}
