package masking

import (
	"strings"
	"testing"

	"github.com/pacerhq/pacer/internal/ingest"
)

func TestMaskTextBasic(t *testing.T) {
	m := New([]string{"tok-secret-1", "hunter2hunter2"})

	out, n := m.MaskText("deploy with tok-secret-1 and hunter2hunter2 now")
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
	if strings.Contains(out, "tok-secret-1") || strings.Contains(out, "hunter2hunter2") {
		t.Errorf("secret survived: %q", out)
	}
	if strings.Count(out, Literal) != 2 {
		t.Errorf("literal count wrong: %q", out)
	}
}

func TestMaskTextLongestFirst(t *testing.T) {
	// The shorter value is a prefix of the longer one; the longer must win.
	m := New([]string{"secret-key", "secret-key-extended"})
	out, n := m.MaskText("use secret-key-extended here")
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
	if strings.Contains(out, "extended") {
		t.Errorf("longest match not preferred: %q", out)
	}
}

func TestMaskTextRegexMetaChars(t *testing.T) {
	m := New([]string{"pa$$(word)+[x]"})
	out, n := m.MaskText("login pa$$(word)+[x] end")
	if n != 1 || strings.Contains(out, "word") {
		t.Errorf("meta chars not quoted: %q (n=%d)", out, n)
	}
}

func TestEmptyMaskerPassthrough(t *testing.T) {
	m := New(nil)
	if !m.Empty() {
		t.Error("expected empty masker")
	}
	out, n := m.MaskText("anything tok-secret-1")
	if out != "anything tok-secret-1" || n != 0 {
		t.Errorf("empty masker changed input: %q (n=%d)", out, n)
	}
}

func TestMaskValueDeep(t *testing.T) {
	m := New([]string{"deep-secret-value"})
	in := map[string]any{
		"text":  "contains deep-secret-value here",
		"count": 3,
		"flag":  true,
		"nested": map[string]any{
			"list": []any{"deep-secret-value", "clean", 7.5},
		},
	}

	outAny, n := m.MaskValue(in)
	out := outAny.(map[string]any)
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
	if out["count"] != 3 || out["flag"] != true {
		t.Error("non-string scalars altered")
	}
	nested := out["nested"].(map[string]any)["list"].([]any)
	if nested[0] != Literal || nested[1] != "clean" || nested[2] != 7.5 {
		t.Errorf("nested masking wrong: %v", nested)
	}
	// Deep copy: the input must be untouched.
	if in["text"] != "contains deep-secret-value here" {
		t.Error("input mutated")
	}
}

func TestSanitizeEventsRestoresUserID(t *testing.T) {
	// The userId happens to be a vaulted value (vault normally refuses
	// emails, but restoration must hold regardless).
	m := New([]string{"user-719-token"})
	events := []ingest.Event{
		ingest.NewEvent(ingest.TypeTraceCreate, map[string]any{
			"id":     "t1",
			"userId": "user-719-token",
			"input":  "prompt mentioning user-719-token value",
			"metadata": map[string]any{
				"userId": "user-719-token",
				"note":   "also user-719-token",
			},
		}),
	}

	out, n := m.SanitizeEvents(events)
	if n == 0 {
		t.Fatal("expected replacements")
	}
	body := out[0].Body
	if body["userId"] != "user-719-token" {
		t.Errorf("top-level userId not restored: %v", body["userId"])
	}
	meta := body["metadata"].(map[string]any)
	if meta["userId"] != "user-719-token" {
		t.Errorf("nested userId not restored: %v", meta["userId"])
	}
	if meta["note"] != "also "+Literal {
		t.Errorf("sibling field not masked: %v", meta["note"])
	}
	if body["input"] != "prompt mentioning "+Literal+" value" {
		t.Errorf("input not masked: %v", body["input"])
	}
	// Original events untouched.
	if events[0].Body["input"] != "prompt mentioning user-719-token value" {
		t.Error("original event mutated")
	}
}

func TestSanitizeEventsEmptyBatch(t *testing.T) {
	m := New([]string{"whatever-secret"})
	out, n := m.SanitizeEvents(nil)
	if out != nil || n != 0 {
		t.Errorf("empty batch = (%v, %d)", out, n)
	}
}

func TestMaskerCacheReuse(t *testing.T) {
	a := New([]string{"cache-secret-1", "cache-secret-2"})
	b := New([]string{"cache-secret-2", "cache-secret-1"}) // order must not matter
	if a.re != b.re {
		t.Error("expected cached regex reuse for same value set")
	}
	c := New([]string{"cache-secret-1"})
	if c.re == a.re {
		t.Error("different value set must rebuild")
	}
}

func TestMaskIdempotentFixedCases(t *testing.T) {
	m := New([]string{"alpha-secret", "beta-secret-longer"})
	inputs := []string{
		"alpha-secret",
		"x alpha-secret y beta-secret-longer z",
		"no secrets at all",
		"alpha-secretalpha-secret",
		"",
	}
	for _, in := range inputs {
		once, _ := m.MaskText(in)
		twice, n := m.MaskText(once)
		if twice != once {
			t.Errorf("not idempotent for %q: %q -> %q", in, once, twice)
		}
		if n != 0 {
			t.Errorf("second pass found %d matches in %q", n, once)
		}
	}
}
