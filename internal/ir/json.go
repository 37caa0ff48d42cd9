package ir

import (
	"encoding/json"
	"sort"

	"github.com/dfm-io/dfm/internal/dfmerr"
)

// wireFunctionCall is the flattened wire shape: known fields are typed,
// everything else is a sibling key that becomes a Params entry. This
// mirrors the abbreviated JSON schema in spec.md §6, where api_class,
// provider, node_id, is_output and force_compute sit alongside the
// variant-specific fields in one flat object.
type wireFunctionCall struct {
	APIClass     string `json:"api_class"`
	Provider     string `json:"provider,omitempty"`
	NodeID       string `json:"node_id,omitempty"`
	IsOutput     bool   `json:"is_output,omitempty"`
	ForceCompute bool   `json:"force_compute,omitempty"`
}

var knownFunctionCallKeys = map[string]bool{
	"api_class":     true,
	"provider":      true,
	"node_id":       true,
	"is_output":     true,
	"force_compute": true,
}

// MarshalJSON flattens the FunctionCall's Params alongside its typed
// fields, so api_class/provider/node_id/is_output/force_compute and the
// variant-specific fields all appear as siblings on the wire.
func (f *FunctionCall) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(f.Params)+5)
	for k, v := range f.Params {
		out[k] = v
	}
	out["api_class"] = f.APIClass
	if f.Provider != "" {
		out["provider"] = f.Provider
	}
	out["node_id"] = string(f.NodeID)
	if f.IsOutput {
		out["is_output"] = true
	}
	if f.ForceCompute {
		out["force_compute"] = true
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the flat wire object back into typed fields and a
// Params map holding everything else. Reference resolution (deciding which
// Params values name other nodes) happens later, once the whole Process has
// been parsed and every node id is known — see linkReferences.
func (f *FunctionCall) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var typed wireFunctionCall
	if err := json.Unmarshal(data, &typed); err != nil {
		return err
	}
	if typed.APIClass == "" {
		return dfmerr.Data("function call: missing api_class")
	}

	f.APIClass = typed.APIClass
	f.Provider = typed.Provider
	f.NodeID = NodeID(typed.NodeID)
	f.IsOutput = typed.IsOutput
	f.ForceCompute = typed.ForceCompute

	params := make(map[string]any, len(raw))
	for k, v := range raw {
		if knownFunctionCallKeys[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		params[k] = val
	}
	f.Params = params
	return nil
}

// wireExecute mirrors Execute's known fields; Body is decoded separately
// since its entries are polymorphic (FunctionCall or nested Execute).
type wireExecute struct {
	APIClass string                     `json:"api_class"`
	Site     *string                    `json:"site,omitempty"`
	Body     map[string]json.RawMessage `json:"body"`
}

// MarshalJSON emits Execute's body as a node_id-keyed object, each entry
// either a FunctionCall or a nested Execute.
func (e *Execute) MarshalJSON() ([]byte, error) {
	body := make(map[string]json.RawMessage, len(e.Body.order))
	for _, n := range e.Body.Nodes() {
		data, err := json.Marshal(n)
		if err != nil {
			return nil, err
		}
		body[string(n.ID())] = data
	}
	return json.Marshal(wireExecute{
		APIClass: ExecuteAPIClass,
		Site:     e.Site,
		Body:     body,
	})
}

// UnmarshalJSON decodes an Execute and its body, recursing into nested
// Execute entries. parentForUnmarshal is not available on the method
// receiver — use decodeExecute for parent-aware decoding from within a
// Process; a bare Execute.UnmarshalJSON call always produces a root block.
func (e *Execute) UnmarshalJSON(data []byte) error {
	decoded, err := decodeExecute(data, nil)
	if err != nil {
		return err
	}
	*e = *decoded
	return nil
}

// decodeExecute decodes one Execute wire object, building its body Block
// with parent as the enclosing block (nil for a Process's top-level
// Execute). Body entries are ordered deterministically by node id, since a
// JSON object's key order is not preserved by encoding/json — true
// execution order is recovered later by topoSort, not by this ordering.
func decodeExecute(data []byte, parent *Block) (*Execute, error) {
	var w wireExecute
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	if w.APIClass != "" && w.APIClass != ExecuteAPIClass {
		return nil, dfmerr.Data("execute: unexpected api_class %q", w.APIClass)
	}

	blk := newBlock(parent)
	ids := make([]string, 0, len(w.Body))
	for id := range w.Body {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		raw := w.Body[id]
		var peek struct {
			APIClass string `json:"api_class"`
		}
		if err := json.Unmarshal(raw, &peek); err != nil {
			return nil, err
		}
		if peek.APIClass == ExecuteAPIClass {
			child, err := decodeExecute(raw, blk)
			if err != nil {
				return nil, err
			}
			if string(child.NodeID) == "" {
				child.NodeID = NodeID(id)
			}
			blk.add(child)
			continue
		}
		var fc FunctionCall
		if err := json.Unmarshal(raw, &fc); err != nil {
			return nil, err
		}
		if fc.NodeID == "" {
			fc.NodeID = NodeID(id)
		}
		blk.add(&fc)
	}

	return &Execute{Body: blk, Site: w.Site}, nil
}

// wireProcess mirrors Process's wire shape.
type wireProcess struct {
	APIClass string          `json:"api_class"`
	Site     *string         `json:"site,omitempty"`
	Deadline *string         `json:"deadline,omitempty"`
	Execute  json.RawMessage `json:"execute"`
}

// MarshalJSON emits the Process wire document.
func (p *Process) MarshalJSON() ([]byte, error) {
	execData, err := json.Marshal(p.Execute)
	if err != nil {
		return nil, err
	}
	w := wireProcess{APIClass: ProcessAPIClass, Site: p.Site, Execute: execData}
	if p.Deadline != nil {
		s := p.Deadline.Format(rfc3339NanoNoTrim)
		w.Deadline = &s
	}
	return json.Marshal(w)
}

// rfc3339NanoNoTrim is time.RFC3339Nano but kept as a named constant here
// for discoverability alongside ParseDeadline's layout choice.
const rfc3339NanoNoTrim = "2006-01-02T15:04:05.999999999Z07:00"

// UnmarshalJSON decodes a Process document, validating the deadline's
// explicit-zone requirement from spec.md §3 via ParseDeadline, then links
// references across the whole decoded tree (see linkReferences) so that
// Validate and DependencyOrder work the same whether the Process was built
// in Go via Builder or parsed off the wire.
func (p *Process) UnmarshalJSON(data []byte) error {
	var w wireProcess
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.APIClass != "" && w.APIClass != ProcessAPIClass {
		return dfmerr.Data("process: unexpected api_class %q", w.APIClass)
	}

	exec, err := decodeExecute(w.Execute, nil)
	if err != nil {
		return err
	}

	p.Site = w.Site
	p.Execute = exec
	if w.Deadline != nil {
		t, err := ParseDeadline(*w.Deadline)
		if err != nil {
			return err
		}
		p.Deadline = &t
	}

	linkReferences(p)
	return nil
}

// linkReferences walks every FunctionCall in the process and recomputes
// its refs by matching Params values (recursively, through maps and lists)
// against the set of node ids that exist anywhere in the process. This is
// the wire-decode equivalent of what the Builder tracks directly during
// in-process construction (spec.md §3: "any field whose value is itself a
// FunctionCall is normalized to that call's node identifier").
func linkReferences(p *Process) {
	allIDs := make(map[NodeID]bool)
	collectIDs(p.Execute.Body, allIDs)
	linkBlock(p.Execute.Body, allIDs)
}

func collectIDs(blk *Block, out map[NodeID]bool) {
	for _, n := range blk.Nodes() {
		out[n.ID()] = true
		if ex, ok := n.(*Execute); ok {
			collectIDs(ex.Body, out)
		}
	}
}

func linkBlock(blk *Block, allIDs map[NodeID]bool) {
	for _, n := range blk.Nodes() {
		switch v := n.(type) {
		case *FunctionCall:
			v.refs = findRefs(v.Params, allIDs, v.NodeID)
		case *Execute:
			linkBlock(v.Body, allIDs)
		}
	}
}

func findRefs(params map[string]any, allIDs map[NodeID]bool, self NodeID) []NodeID {
	var refs []NodeID
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			if id := NodeID(t); id != self && allIDs[id] {
				refs = append(refs, id)
			}
		case []any:
			for _, e := range t {
				walk(e)
			}
		case map[string]any:
			for _, e := range t {
				walk(e)
			}
		}
	}
	for _, v := range params {
		walk(v)
	}
	return refs
}
