package definition

import (
	"log/slog"

	"github.com/rendis/procgraph/internal/model"
	"github.com/rendis/procgraph/internal/validation"
	"github.com/rendis/procgraph/pkg/schema"
)

// Loader turns definition documents into built models: decode, validate the
// document, stage a builder, build.
type Loader struct {
	validator *validation.DefinitionValidator
	opts      model.BuildOptions
	logger    *slog.Logger
}

// NewLoader creates a Loader. validator may be nil to skip document
// validation; the model build still validates the graph.
func NewLoader(validator *validation.DefinitionValidator, opts model.BuildOptions, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{validator: validator, opts: opts, logger: logger}
}

// LoadFile reads and builds the definition at path.
func (l *Loader) LoadFile(path string) (*model.RootModel, error) {
	def, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return l.Build(def)
}

// Load decodes and builds a definition document.
func (l *Loader) Load(data []byte, format Format) (*model.RootModel, error) {
	def, err := Decode(data, format)
	if err != nil {
		return nil, err
	}
	return l.Build(def)
}

// Build validates def and materializes it.
func (l *Loader) Build(def *schema.ProcessDefinition) (*model.RootModel, error) {
	b, err := l.Stage(def)
	if err != nil {
		return nil, err
	}
	m, err := b.BuildWith(l.opts)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("definition built", "model", m.Name(), "nodes", m.NodeCount(), "children", len(m.Children()))
	return m, nil
}

// Stage validates def and returns its builder without building it.
func (l *Loader) Stage(def *schema.ProcessDefinition) (model.Builder, error) {
	if l.validator != nil {
		result := l.validator.Validate(def)
		for _, w := range result.Warnings {
			l.logger.Warn("definition warning", "path", w.Path, "code", w.Code, "message", w.Message)
		}
		if err := result.ToError(); err != nil {
			return model.Builder{}, err
		}
	}
	return ToBuilder(def)
}
