// Package project implements the on-disk layout of an analysis project: one
// directory per analyzed binary, with one subdirectory per store.
package project

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"

	"github.com/mewkiz/pkg/jsonutil"
	"github.com/mewkiz/pkg/osutil"
	"github.com/pkg/errors"
	"github.com/xda-re/xda/bin"
	"github.com/xda-re/xda/disasm/x86"
	"github.com/xda-re/xda/graph"
)

// Store subdirectories of an analysis project.
var storeDirs = []string{"shadow", "code_xrefs", "data_xrefs", "basic_blocks", "cfg"}

// edgeJSON is the on-disk representation of a graph edge.
type edgeJSON struct {
	From  bin.Addr               `json:"from"`
	To    bin.Addr               `json:"to"`
	Attrs map[string]interface{} `json:"attrs,omitempty"`
}

// graphJSON is the on-disk representation of a graph.
type graphJSON struct {
	Edges []edgeJSON `json:"edges"`
}

// blockJSON is the on-disk representation of a basic block.
type blockJSON struct {
	Start        bin.Addr   `json:"start"`
	End          bin.Addr   `json:"end"`
	Instructions []bin.Addr `json:"instructions"`
}

// Save writes the stores of the given analysis into the project directory,
// creating it as needed. Saving twice over the same directory is idempotent.
func Save(dir string, d *x86.Disasm) error {
	for _, name := range storeDirs {
		if err := os.MkdirAll(filepath.Join(dir, name), 0755); err != nil {
			return errors.WithStack(err)
		}
	}

	// Shadow memory; one raw mark file per covered range, named by its
	// boundaries.
	shadow := d.Shadow()
	for i, r := range shadow.Ranges() {
		name := fmt.Sprintf("%#x-%#x", uint64(r.Start), uint64(r.End))
		marks := shadow.RangeBytes(i)
		buf := make([]byte, len(marks))
		for j, mark := range marks {
			buf[j] = byte(mark)
		}
		path := filepath.Join(dir, "shadow", name)
		if err := ioutil.WriteFile(path, buf, 0644); err != nil {
			return errors.WithStack(err)
		}
	}

	// Cross-reference graphs and CFG.
	if err := saveGraph(filepath.Join(dir, "code_xrefs", "graph.json"), d.CodeXRefs()); err != nil {
		return errors.WithStack(err)
	}
	if err := saveGraph(filepath.Join(dir, "data_xrefs", "graph.json"), d.DataXRefs()); err != nil {
		return errors.WithStack(err)
	}
	if err := saveGraph(filepath.Join(dir, "cfg", "graph.json"), d.CFG()); err != nil {
		return errors.WithStack(err)
	}

	// Basic blocks, sorted by start address.
	var blocks []blockJSON
	for _, block := range d.BasicBlocks() {
		blocks = append(blocks, blockJSON{
			Start:        block.Start,
			End:          block.End,
			Instructions: block.Instructions,
		})
	}
	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].Start < blocks[j].Start
	})
	path := filepath.Join(dir, "basic_blocks", "basic_blocks.json")
	return errors.WithStack(writeJSON(path, blocks))
}

// saveGraph writes the given graph to a JSON file, with edges sorted for
// reproducible output.
func saveGraph(path string, g *graph.Graph) error {
	var edges []edgeJSON
	for _, e := range g.Edges() {
		edge := edgeJSON{From: e.From, To: e.To}
		if predicate, ok := g.EdgeAttr(e.From, e.To, "predicate"); ok {
			edge.Attrs = map[string]interface{}{"predicate": predicate}
		}
		edges = append(edges, edge)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return writeJSON(path, graphJSON{Edges: edges})
}

// LoadSeeds reads the optional funcs.json file of the project directory,
// holding extra function seed addresses.
func LoadSeeds(dir string) ([]bin.Addr, error) {
	path := filepath.Join(dir, "funcs.json")
	if !osutil.Exists(path) {
		return nil, nil
	}
	var seeds []bin.Addr
	if err := jsonutil.ParseFile(path, &seeds); err != nil {
		return nil, errors.WithStack(err)
	}
	return seeds, nil
}

// ### [ Helper functions ] ####################################################

// writeJSON writes the JSON encoding of v to the given file.
func writeJSON(path string, v interface{}) error {
	buf, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(ioutil.WriteFile(path, append(buf, '\n'), 0644))
}
