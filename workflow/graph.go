// Package workflow loads, binds and serializes ComfyUI workflow graphs in
// the server's API (prompt) format: a JSON object keyed by node ID, where
// each node carries a class_type and an inputs map. Graphs are treated as
// templates; a template is parsed once and cloned for every job so that
// per-job bindings never mutate shared state.
package workflow

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
)

// Node is a single node of an API-format workflow graph.
type Node struct {
	// Inputs values can be one of:
	//	float64
	//	string
	//	bool
	//	[]interface{} where: [0] is string ID of the upstream node
	//	                     [1] is float64 (int) of the output slot index
	Inputs    map[string]interface{} `json:"inputs"`
	ClassType string                 `json:"class_type"`
	Meta      *NodeMeta              `json:"_meta,omitempty"`
}

// NodeMeta carries the optional display metadata ComfyUI's frontend attaches
// when exporting a workflow in API format.
type NodeMeta struct {
	Title string `json:"title,omitempty"`
}

// Graph is an API-format workflow. The zero value is not usable; construct
// one with Parse, Read or LoadFile.
type Graph struct {
	nodes map[string]*Node
}

// Parse decodes an API-format workflow document.
func Parse(data []byte) (*Graph, error) {
	var nodes map[string]*Node
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("parse workflow: no nodes")
	}
	for id, n := range nodes {
		if n == nil || n.ClassType == "" {
			return nil, fmt.Errorf("parse workflow: node %q has no class_type", id)
		}
		if n.Inputs == nil {
			n.Inputs = make(map[string]interface{})
		}
	}
	return &Graph{nodes: nodes}, nil
}

// Read decodes an API-format workflow from r.
func Read(r io.Reader) (*Graph, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	return Parse(data)
}

// LoadFile reads and decodes the API-format workflow at path.
func LoadFile(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open workflow: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Clone returns a deep copy of the graph. Node inputs are copied one level
// deep, which covers every value an API-format document can hold.
func (g *Graph) Clone() *Graph {
	nodes := make(map[string]*Node, len(g.nodes))
	for id, n := range g.nodes {
		inputs := make(map[string]interface{}, len(n.Inputs))
		for k, v := range n.Inputs {
			if link, ok := v.([]interface{}); ok {
				cp := make([]interface{}, len(link))
				copy(cp, link)
				inputs[k] = cp
				continue
			}
			inputs[k] = v
		}
		var meta *NodeMeta
		if n.Meta != nil {
			m := *n.Meta
			meta = &m
		}
		nodes[id] = &Node{Inputs: inputs, ClassType: n.ClassType, Meta: meta}
	}
	return &Graph{nodes: nodes}
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// HasNode reports whether the graph contains a node with the given ID.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// GetNode returns the node with the given ID, or nil if there is none.
func (g *Graph) GetNode(id string) *Node {
	return g.nodes[id]
}

// NodeIDs returns the IDs of all nodes in the graph in sorted order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NodesByClass returns the IDs of all nodes with the given class_type in
// sorted order.
func (g *Graph) NodesByClass(classType string) []string {
	var ids []string
	for id, n := range g.nodes {
		if n.ClassType == classType {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SetInput sets one input value on the node with the given ID. The input key
// does not need to pre-exist; ComfyUI accepts inputs that the template left
// linked or at their node defaults.
func (g *Graph) SetInput(id, input string, value interface{}) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("workflow has no node %q", id)
	}
	n.Inputs[input] = value
	return nil
}

// MarshalJSON encodes the graph back into the API format accepted by
// ComfyUI's /prompt endpoint.
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.nodes)
}

// UnmarshalJSON decodes an API-format document in place.
func (g *Graph) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	g.nodes = parsed.nodes
	return nil
}
