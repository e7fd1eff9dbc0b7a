package treasury_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/treasury-engine/treasury"
)

func TestReferenceContains(t *testing.T) {
	assert.True(t, treasury.ReferenceContains("Payment INV-1001 March", "INV-1001"))
	assert.True(t, treasury.ReferenceContains("payment inv 1001 march", "INV-1001"))
	assert.False(t, treasury.ReferenceContains("Payment INV-1002", "INV-1001"))
	assert.False(t, treasury.ReferenceContains("anything", ""))
}

func TestCounterpartySimilar(t *testing.T) {
	// Containment after noise stripping.
	assert.True(t, treasury.CounterpartySimilar("ACME GmbH", "acme gmbh."))
	assert.True(t, treasury.CounterpartySimilar("ACME", "ACME GmbH"))

	// Jaro-Winkler catches small typos.
	assert.True(t, treasury.CounterpartySimilar("Rheinmetall Handel", "Rheinmetal Handel"))

	assert.False(t, treasury.CounterpartySimilar("ACME GmbH", "Beaufort Ltd"))
	assert.False(t, treasury.CounterpartySimilar("", "ACME"))
}

// Pinned values: the similarity function is documented in the audit log
// and must not drift.
func TestJaroWinkler_PinnedValues(t *testing.T) {
	assert.InDelta(t, 1.0, treasury.JaroWinkler("martha", "martha"), 1e-9)
	assert.InDelta(t, 0.9611, treasury.JaroWinkler("martha", "marhta"), 1e-3)
	assert.InDelta(t, 0.84, treasury.JaroWinkler("dwayne", "duane"), 1e-2)
	assert.Equal(t, 0.0, treasury.JaroWinkler("abc", "xyz"))
}

func TestTrigramCosine(t *testing.T) {
	assert.InDelta(t, 1.0, treasury.TrigramCosine("reference text", "reference text"), 1e-9)
	assert.Greater(t, treasury.TrigramCosine("payment rheinmetall", "rheinmetall handel"), 0.3)
	assert.Less(t, treasury.TrigramCosine("completely different", "nothing shared"), 0.2)
}
