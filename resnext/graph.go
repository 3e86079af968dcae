package resnext

import (
	"fmt"

	"github.com/awalterschulze/gographviz"
)

// ToDot renders the block structure of the extractor as a graphviz digraph.
// Frozen groups are drawn filled.
func (e *Extractor) ToDot() string {
	g := gographviz.NewGraph()
	if err := g.SetName("ResNeXt"); err != nil {
		panic(err)
	}
	g.SetDir(true)

	attrs := func(label string, frozen bool) map[string]string {
		retVal := map[string]string{
			"shape": "box",
			"label": fmt.Sprintf("%q", label),
		}
		if frozen {
			retVal["style"] = "filled"
			retVal["fillcolor"] = "lightgrey"
		}
		return retVal
	}

	g.AddNode("ResNeXt", "clip", attrs(fmt.Sprintf("clip 3×%d×%d×%d", e.SampleDuration, e.SampleSize, e.SampleSize), false))
	g.AddNode("ResNeXt", "stem", attrs(fmt.Sprintf("stem conv 7×7×7/(1,2,2) %d + maxpool", e.StemWidth), e.frozen[Stem]))
	g.AddEdge("clip", "stem", true, nil)

	prev := "stem"
	for i, stage := range e.stages {
		for _, b := range stage {
			id := fmt.Sprintf("%q", b.Name)
			g.AddNode("ResNeXt", id, attrs(b.String(), e.frozen[Group(i+1)]))
			g.AddEdge(prev, id, true, nil)
			prev = id
		}
	}
	pool := fmt.Sprintf("avgpool %d×%d×%d → %d", e.LastDuration(), e.LastSize(), e.LastSize(), e.EmbeddingSize())
	g.AddNode("ResNeXt", "embedding", attrs(pool, false))
	g.AddEdge(prev, "embedding", true, nil)
	return g.String()
}
