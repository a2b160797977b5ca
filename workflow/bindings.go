package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Bindings names the nodes of a workflow template that receive per-job
// values. The defaults target the WAN 2.1 first/last-frame seamless loop
// template; deployments that renumber their graph override individual slots
// with a small JSON file instead of rebuilding the shim.
type Bindings struct {
	// StartImage and EndImage both receive the uploaded input image. Using
	// the same frame at both ends is what closes the loop.
	StartImage string `json:"start_image"`
	EndImage   string `json:"end_image"`
	// Prompt is the positive text conditioning node.
	Prompt string `json:"prompt"`
	// Sampler receives the noise seed.
	Sampler string `json:"sampler"`
	// FrameBatch receives the requested frame count.
	FrameBatch string `json:"frame_batch"`
	// TrimBatch keeps frame_count-1 frames so the duplicated closing frame
	// is dropped from the encoded video.
	TrimBatch string `json:"trim_batch"`
	// Decode receives the temporal tile size, frame_count+7.
	Decode string `json:"decode"`
	// Save receives the fps and the filename prefix.
	Save string `json:"save"`
}

// DefaultBindings returns the node IDs of the stock WAN 2.1 loop template.
func DefaultBindings() Bindings {
	return Bindings{
		StartImage: "52",
		EndImage:   "102",
		Prompt:     "6",
		Sampler:    "3",
		FrameBatch: "59",
		TrimBatch:  "69",
		Decode:     "61",
		Save:       "126",
	}
}

// LoadBindingsFile reads a JSON bindings override. Slots absent from the
// file keep their default node IDs.
func LoadBindingsFile(path string) (Bindings, error) {
	b := DefaultBindings()
	data, err := os.ReadFile(path)
	if err != nil {
		return b, fmt.Errorf("open bindings: %w", err)
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("parse bindings: %w", err)
	}
	return b, nil
}

// Params holds the per-job values bound into a workflow template.
type Params struct {
	ImageName      string
	Prompt         string
	Seed           int64
	FrameCount     int
	FPS            int
	FilenamePrefix string
}

// MissingNode is one binding slot whose target node is absent from a
// template.
type MissingNode struct {
	Slot   string
	NodeID string
}

// MissingNodesError reports binding slots that do not resolve to nodes of
// the template they were validated against.
type MissingNodesError struct {
	Missing []MissingNode
}

func (e *MissingNodesError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		parts[i] = fmt.Sprintf("%s=%s", m.Slot, m.NodeID)
	}
	return fmt.Sprintf("workflow template is missing bound nodes: %s", strings.Join(parts, ", "))
}

type slot struct {
	name string
	id   string
}

func (b Bindings) slots() []slot {
	return []slot{
		{"start_image", b.StartImage},
		{"end_image", b.EndImage},
		{"prompt", b.Prompt},
		{"sampler", b.Sampler},
		{"frame_batch", b.FrameBatch},
		{"trim_batch", b.TrimBatch},
		{"decode", b.Decode},
		{"save", b.Save},
	}
}

// Validate checks that every binding slot resolves to a node of g. All
// missing slots are reported at once so a misconfigured template can be
// fixed in one pass.
func (b Bindings) Validate(g *Graph) error {
	var missing []MissingNode
	for _, s := range b.slots() {
		if !g.HasNode(s.id) {
			missing = append(missing, MissingNode{Slot: s.name, NodeID: s.id})
		}
	}
	if len(missing) > 0 {
		sort.Slice(missing, func(i, j int) bool { return missing[i].Slot < missing[j].Slot })
		return &MissingNodesError{Missing: missing}
	}
	return nil
}

// Apply validates the bindings against g and writes the job parameters into
// the bound nodes. g is mutated; callers bind into a Clone of their
// template, never the template itself.
func (b Bindings) Apply(g *Graph, p Params) error {
	if err := b.Validate(g); err != nil {
		return err
	}
	sets := []struct {
		node  string
		input string
		value interface{}
	}{
		{b.StartImage, "image", p.ImageName},
		{b.EndImage, "image", p.ImageName},
		{b.Prompt, "text", p.Prompt},
		{b.Sampler, "seed", p.Seed},
		{b.FrameBatch, "length", p.FrameCount},
		{b.TrimBatch, "length", p.FrameCount - 1},
		{b.Decode, "temporal_size", p.FrameCount + 7},
		{b.Save, "fps", p.FPS},
		{b.Save, "filename_prefix", p.FilenamePrefix},
	}
	for _, s := range sets {
		if err := g.SetInput(s.node, s.input, s.value); err != nil {
			return err
		}
	}
	return nil
}
