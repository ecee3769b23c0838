package schema

// ProcessDefinition is the JSON/YAML-serializable form of a root process model.
// It is the exchange format of the serialization adapter; the engine itself
// only ever sees built models.
type ProcessDefinition struct {
	UUID     string            `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	Name     string            `json:"name" yaml:"name"`
	Owner    string            `json:"owner,omitempty" yaml:"owner,omitempty"`
	Roles    []string          `json:"roles,omitempty" yaml:"roles,omitempty"`
	Nodes    []NodeDefinition  `json:"nodes" yaml:"nodes"`
	Children []ChildDefinition `json:"children,omitempty" yaml:"children,omitempty"`
}

// ChildDefinition describes a child model owned by a composite activity.
// Its nodes are the NodeDefinitions whose Model field equals ID.
type ChildDefinition struct {
	ID      string             `json:"id" yaml:"id"`
	Imports []ImportDefinition `json:"imports,omitempty" yaml:"imports,omitempty"`
	Exports []ExportDefinition `json:"exports,omitempty" yaml:"exports,omitempty"`
}

// ImportDefinition binds a named value of a child model to a node in an enclosing scope.
type ImportDefinition struct {
	Name    string `json:"name" yaml:"name"`
	RefNode string `json:"ref_node" yaml:"ref_node"`
	RefName string `json:"ref_name,omitempty" yaml:"ref_name,omitempty"`
}

// ExportDefinition names a result a child model hands back to its composite.
type ExportDefinition struct {
	Name string `json:"name" yaml:"name"`
	From string `json:"from,omitempty" yaml:"from,omitempty"`
}

// NodeType enumerates the kinds of nodes in a process definition.
type NodeType string

const (
	NodeTypeStart    NodeType = "start"
	NodeTypeActivity NodeType = "activity"
	NodeTypeSplit    NodeType = "split"
	NodeTypeJoin     NodeType = "join"
	NodeTypeEnd      NodeType = "end"
)

// NodeDefinition describes a single node.
type NodeDefinition struct {
	ID            string                `json:"id" yaml:"id"`
	Type          NodeType              `json:"type" yaml:"type"`
	Label         string                `json:"label,omitempty" yaml:"label,omitempty"`
	Model         string                `json:"model,omitempty" yaml:"model,omitempty"` // owning child model, empty for root
	Predecessors  []string              `json:"predecessors,omitempty" yaml:"predecessors,omitempty"`
	Successors    []string              `json:"successors,omitempty" yaml:"successors,omitempty"`
	MultiInstance bool                  `json:"multi_instance,omitempty" yaml:"multi_instance,omitempty"`
	Condition     *ConditionDefinition  `json:"condition,omitempty" yaml:"condition,omitempty"`
	Child         string                `json:"child,omitempty" yaml:"child,omitempty"` // composite activities
	Message       string                `json:"message,omitempty" yaml:"message,omitempty"`
	Min           *int                  `json:"min,omitempty" yaml:"min,omitempty"`
	Max           *int                  `json:"max,omitempty" yaml:"max,omitempty"`
	Optional      bool                  `json:"optional,omitempty" yaml:"optional,omitempty"`
	MultiMerge    bool                  `json:"multi_merge,omitempty" yaml:"multi_merge,omitempty"`
	Branches      []BranchDefinition    `json:"branches,omitempty" yaml:"branches,omitempty"` // split successor conditions
}

// ConditionDefinition is an opaque predicate handed to the condition evaluator.
type ConditionDefinition struct {
	Lang string `json:"lang,omitempty" yaml:"lang,omitempty"` // cel | expr | jq (default: cel)
	Expr string `json:"expr" yaml:"expr"`
}

// BranchDefinition attaches a condition to one successor of a split.
type BranchDefinition struct {
	To        string              `json:"to" yaml:"to"`
	Condition ConditionDefinition `json:"condition" yaml:"condition"`
}
