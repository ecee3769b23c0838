package validation

import "github.com/rendis/procgraph/pkg/schema"

// Validator checks process definition documents before they are turned into
// builders, and instance data before an instance starts.
type Validator interface {
	ValidateDefinition(def *schema.ProcessDefinition) error
	ValidateData(data map[string]any, dataSchema []byte) error
}
