package value

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestJSONRoundTripProperty verifies that for any Value expressible in the
// model, marshaling to JSON and parsing back yields an equal Value, with
// bytes re-decoding as their base64 string form.
func TestJSONRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("marshal/parse round-trips", prop.ForAll(
		func(v Value) bool {
			data, err := json.Marshal(v)
			if err != nil {
				return false
			}
			back, err := Parse(data)
			if err != nil {
				return false
			}
			return Equal(wireForm(v), back)
		},
		genValue(3),
	))

	properties.TestingRun(t)
}

// TestCanonicalDeterministicProperty verifies that the canonical rendering is
// a pure function of the Value.
func TestCanonicalDeterministicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical form is stable", prop.ForAll(
		func(v Value) bool {
			a, err := v.Canonical()
			if err != nil {
				return false
			}
			b, err := v.Canonical()
			if err != nil {
				return false
			}
			return string(a) == string(b)
		},
		genValue(3),
	))

	properties.TestingRun(t)
}

// wireForm returns the Value as it appears after one trip through JSON:
// bytes collapse into their base64 string rendering, everything else is
// unchanged.
func wireForm(v Value) Value {
	switch v.Kind() {
	case KindBytes:
		p, _ := v.AsBytes()
		return String(base64.StdEncoding.EncodeToString(p))
	case KindList:
		items := make([]Value, 0, v.Len())
		for _, it := range v.Items() {
			items = append(items, wireForm(it))
		}
		return List(items...)
	case KindObject:
		fields := make(map[string]Value, v.Len())
		for _, k := range v.Keys() {
			f, _ := v.Field(k)
			fields[k] = wireForm(f)
		}
		return Object(fields)
	default:
		return v
	}
}

func genScalar() gopter.Gen {
	return gen.OneGenOf(
		gen.Const(Null()),
		gen.Bool().Map(func(b bool) Value { return Bool(b) }),
		gen.Int64().Map(func(i int64) Value { return Int(i) }),
		gen.Float64().
			SuchThat(func(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }).
			Map(func(f float64) Value { return Float(f) }),
		gen.AnyString().Map(func(s string) Value { return String(s) }),
		gen.SliceOf(gen.UInt8()).Map(func(p []uint8) Value { return Bytes(p) }),
	)
}

func genValue(depth int) gopter.Gen {
	if depth <= 0 {
		return genScalar()
	}
	return gen.Weighted([]gen.WeightedGen{
		{Weight: 4, Gen: genScalar()},
		{Weight: 1, Gen: gen.SliceOf(genValue(depth - 1)).
			Map(func(items []Value) Value { return List(items...) })},
		{Weight: 1, Gen: gen.MapOf(gen.AlphaString(), genValue(depth-1)).
			Map(func(fields map[string]Value) Value { return Object(fields) })},
	})
}
