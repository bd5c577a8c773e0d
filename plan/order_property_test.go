package plan

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// randomDoc builds a DAG of n nodes: a spine start -> n1 -> ... plus extra
// forward edges selected by mask bits. Forward-only edges keep it acyclic
// with a single root.
func randomDoc(n int, mask uint64) *docSpec {
	spec := &docSpec{n: n}
	for i := 1; i < n; i++ {
		spec.edges = append(spec.edges, [2]int{i - 1, i})
	}
	bit := 0
	for i := 0; i < n; i++ {
		for j := i + 2; j < n; j++ {
			if mask&(1<<uint(bit%64)) != 0 {
				spec.edges = append(spec.edges, [2]int{i, j})
			}
			bit++
		}
	}
	return spec
}

type docSpec struct {
	n     int
	edges [][2]int
}

func TestTopologicalOrderProperty(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	b := NewBuilder(reg, nil)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every edge goes forward in plan order", prop.ForAll(
		func(n int, mask uint64) bool {
			spec := randomDoc(n, mask)
			doc := linearDoc()
			doc.Definition.Nodes = doc.Definition.Nodes[:0]
			doc.Definition.Edges = doc.Definition.Edges[:0]
			for i := 0; i < spec.n; i++ {
				typ := "transform.set"
				if i == 0 {
					typ = "trigger.manual"
				}
				doc.Definition.Nodes = append(doc.Definition.Nodes, node(nodeName(i), typ))
			}
			seen := map[[2]int]bool{}
			for _, e := range spec.edges {
				if seen[e] {
					continue
				}
				seen[e] = true
				doc.Definition.Edges = append(doc.Definition.Edges, edge(nodeName(e[0]), nodeName(e[1])))
			}

			p, err := b.Build(context.Background(), "f", doc)
			if err != nil {
				return false
			}
			pos := make(map[string]int, len(p.Order))
			for i, id := range p.Order {
				pos[id] = i
			}
			if len(p.Order) != spec.n {
				return false
			}
			for _, e := range spec.edges {
				if pos[nodeName(e[0])] >= pos[nodeName(e[1])] {
					return false
				}
			}
			return p.Trigger == nodeName(0)
		},
		gen.IntRange(2, 12),
		gen.UInt64(),
	))

	properties.TestingRun(t)
}

func nodeName(i int) string {
	return fmt.Sprintf("n%02d", i)
}
