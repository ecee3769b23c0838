package model

import (
	"fmt"
	"maps"
	"regexp"
)

// NodeID identifies a node. It is unique across a root model and all of its
// child models.
type NodeID string

// ModelID identifies a model scope. The root scope is RootScope.
type ModelID string

// RootScope is the scope id of the root model.
const RootScope ModelID = ""

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// ValidID reports whether s may be used as a node or child-model id.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}

// KindName is the printable name of a node kind.
type KindName string

const (
	KindStart    KindName = "start"
	KindActivity KindName = "activity"
	KindSplit    KindName = "split"
	KindJoin     KindName = "join"
	KindEnd      KindName = "end"
)

// Kind carries the kind-specific data of a node. The set of implementations is
// closed: Start, Activity, Split, Join and End.
type Kind interface {
	Name() KindName
	clone() Kind
}

// Condition is an opaque predicate. The engine hands it to the configured
// evaluator and never interprets it.
type Condition struct {
	Lang string `json:"lang,omitempty"`
	Expr string `json:"expr"`
}

func (c Condition) String() string {
	if c.Lang == "" {
		return c.Expr
	}
	return c.Lang + ":" + c.Expr
}

// Bounds limits how many branches a split activates or a join accepts.
type Bounds struct {
	Min      int
	Max      int
	Optional bool // permits Min == 0
}

// Start begins a model scope.
type Start struct{}

// End terminates a path through a model scope.
type End struct{}

// Activity is a unit of work. With Child set it is a composite activity whose
// body is the named child model.
type Activity struct {
	Condition *Condition
	Child     ModelID
	Message   string
}

// Composite reports whether the activity owns a child model.
func (a Activity) Composite() bool { return a.Child != "" }

// Split fans a token out to between Min and Max of its successors.
type Split struct {
	Bounds
	Conditions map[NodeID]Condition
}

// Join accumulates predecessor completions and fires once Min have arrived.
type Join struct {
	Bounds
	MultiMerge bool
}

func (Start) Name() KindName    { return KindStart }
func (End) Name() KindName      { return KindEnd }
func (Activity) Name() KindName { return KindActivity }
func (Split) Name() KindName    { return KindSplit }
func (Join) Name() KindName     { return KindJoin }

func (k Start) clone() Kind { return k }
func (k End) clone() Kind   { return k }
func (k Join) clone() Kind  { return k }

func (k Activity) clone() Kind {
	if k.Condition != nil {
		c := *k.Condition
		k.Condition = &c
	}
	return k
}

func (k Split) clone() Kind {
	k.Conditions = maps.Clone(k.Conditions)
	return k
}

// Visitor dispatches on the kind of a node.
type Visitor[R any] interface {
	VisitStart(nb NodeBuilder, k Start) R
	VisitActivity(nb NodeBuilder, k Activity) R
	VisitSplit(nb NodeBuilder, k Split) R
	VisitJoin(nb NodeBuilder, k Join) R
	VisitEnd(nb NodeBuilder, k End) R
}

// Visit calls the visitor method matching the node's kind.
func Visit[R any](nb NodeBuilder, v Visitor[R]) R {
	switch k := nb.Kind.(type) {
	case Start:
		return v.VisitStart(nb, k)
	case Activity:
		return v.VisitActivity(nb, k)
	case Split:
		return v.VisitSplit(nb, k)
	case Join:
		return v.VisitJoin(nb, k)
	case End:
		return v.VisitEnd(nb, k)
	default:
		panic(fmt.Sprintf("model: unknown node kind %T", nb.Kind))
	}
}
