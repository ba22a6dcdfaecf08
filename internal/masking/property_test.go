package masking

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// vaultShaped mirrors the vault's acceptance rules: long enough and not
// overlapping the mask literal in either direction.
func vaultShaped(v string) bool {
	return len(v) >= 6 && !strings.Contains(v, Literal) && !strings.Contains(Literal, v)
}

func TestMaskIdempotenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	secretGen := gen.RegexMatch(`[A-Za-z0-9_\-]{6,24}`).SuchThat(func(v string) bool {
		return vaultShaped(v)
	})

	properties.Property("masking twice equals masking once", prop.ForAll(
		func(s1, s2, prefix, middle, suffix string) bool {
			m := New([]string{s1, s2})
			text := prefix + s1 + middle + s2 + suffix

			once, _ := m.MaskText(text)
			twice, n := m.MaskText(once)
			return once == twice && n == 0
		},
		secretGen,
		secretGen,
		gen.AnyString(),
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.Property("masked output never contains a secret", prop.ForAll(
		func(s1, filler string) bool {
			m := New([]string{s1})
			out, _ := m.MaskText(filler + s1 + filler + s1)
			return !strings.Contains(out, s1)
		},
		secretGen,
		gen.RegexMatch(`[ a-z]{0,12}`).SuchThat(func(v string) bool {
			// Filler that happens to contain the secret would make the
			// containment check tautologically fail.
			return len(v) < 6
		}),
	))

	properties.TestingRun(t)
}
