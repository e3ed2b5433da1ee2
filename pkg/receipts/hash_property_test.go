package receipts

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Canonical hashing must be a pure function of content: the same receipt
// always hashes the same, and linking it to a different predecessor always
// changes the hash.
func TestReceiptHashProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("hash is deterministic for any path", prop.ForAll(
		func(path string, allowed bool) bool {
			r := sampleReceipt()
			r.Request.Path = "/" + path
			r.PolicyResult.Allowed = allowed
			h1, err1 := ComputeHash(r)
			h2, err2 := ComputeHash(r)
			return err1 == nil && err2 == nil && h1 == h2 && len(h1) == 64
		},
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.Property("different predecessor means different hash", prop.ForAll(
		func(prev string) bool {
			r := sampleReceipt()
			base, err := ComputeHash(r)
			if err != nil {
				return false
			}
			r.PreviousReceiptHash = &prev
			linked, err := ComputeHash(r)
			return err == nil && base != linked
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
