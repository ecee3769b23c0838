package trace

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/procgraph/internal/model"
	"github.com/rendis/procgraph/pkg/schema"
)

// Step is one claimed completion. Index 0 means the active instance of Node
// with the lowest index. Choose, when non-nil, pins the branches a split
// activates.
type Step struct {
	Node   model.NodeID
	Index  int
	Choose []model.NodeID
}

func (s Step) String() string {
	var b strings.Builder
	b.WriteString(string(s.Node))
	if s.Index > 0 {
		fmt.Fprintf(&b, "#%d", s.Index)
	}
	if s.Choose != nil {
		b.WriteByte('{')
		for i, id := range s.Choose {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(string(id))
		}
		b.WriteByte('}')
	}
	return b.String()
}

// Steps builds a trace of plain node steps.
func Steps(nodes ...model.NodeID) []Step {
	out := make([]Step, len(nodes))
	for i, n := range nodes {
		out[i] = Step{Node: n}
	}
	return out
}

// ParseTrace reads the textual trace form: steps separated by commas,
// whitespace or "->", each written node, node#index or node{a,b} (a split
// with its chosen branches; "{}" chooses none).
//
//	s, sp{a1,a3}, a1, a3, j#1, e
func ParseTrace(text string) ([]Step, error) {
	text = strings.ReplaceAll(text, "->", " ")
	var (
		steps []Step
		tok   strings.Builder
		depth int
	)
	flush := func() error {
		if tok.Len() == 0 {
			return nil
		}
		s, err := parseStep(tok.String())
		if err != nil {
			return err
		}
		steps = append(steps, s)
		tok.Reset()
		return nil
	}
	for _, r := range text {
		switch {
		case r == '{':
			depth++
			tok.WriteRune(r)
		case r == '}':
			if depth == 0 {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "unbalanced '}' in trace")
			}
			depth--
			tok.WriteRune(r)
		case depth == 0 && (r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'):
			if err := flush(); err != nil {
				return nil, err
			}
		default:
			tok.WriteRune(r)
		}
	}
	if depth != 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unbalanced '{' in trace")
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return steps, nil
}

func parseStep(tok string) (Step, error) {
	var s Step
	if open := strings.IndexByte(tok, '{'); open >= 0 {
		if !strings.HasSuffix(tok, "}") {
			return s, schema.NewErrorf(schema.ErrCodeValidation, "malformed step %q", tok)
		}
		s.Choose = []model.NodeID{}
		for id := range strings.SplitSeq(tok[open+1:len(tok)-1], ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if !model.ValidID(id) {
				return s, schema.NewErrorf(schema.ErrCodeValidation, "invalid branch %q in step %q", id, tok)
			}
			s.Choose = append(s.Choose, model.NodeID(id))
		}
		tok = tok[:open]
	}
	if hash := strings.LastIndexByte(tok, '#'); hash >= 0 {
		idx, err := strconv.Atoi(tok[hash+1:])
		if err != nil || idx < 1 {
			return s, schema.NewErrorf(schema.ErrCodeValidation, "invalid index in step %q", tok)
		}
		s.Index = idx
		tok = tok[:hash]
	}
	if !model.ValidID(tok) {
		return s, schema.NewErrorf(schema.ErrCodeValidation, "invalid node id %q", tok)
	}
	s.Node = model.NodeID(tok)
	return s, nil
}
