package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procgraph/pkg/schema"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		in   string
		want NodeInstanceKey
		code string
	}{
		{"review#2", Key("review", 2), ""},
		{"review", Key("review", 0), ""},
		{"a.b:c#10", Key("a.b:c", 10), ""},
		{"review#0", NodeInstanceKey{}, schema.ErrCodeValidation},
		{"review#x", NodeInstanceKey{}, schema.ErrCodeValidation},
		{"#1", NodeInstanceKey{}, schema.ErrCodeValidation},
		{"has space#1", NodeInstanceKey{}, schema.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKey(tt.in)
			if tt.code != "" {
				assert.Equal(t, tt.code, schema.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "review#2", Key("review", 2).String())
}

func TestTag(t *testing.T) {
	var root Tag
	split := root.PushSplit("sp", 1)
	assert.Equal(t, Tag("s:sp#1"), split)
	assert.Equal(t, root, split.PopSplit())

	nested := root.PushComposite("c", 2).PushSplit("sp", 3)
	assert.Equal(t, Tag("c:c#2/s:sp#3"), nested)
	assert.Equal(t, 2, nested.Depth())
	assert.Equal(t, Tag("c:c#2"), nested.PopSplit())

	// Composite elements are never popped by a join.
	assert.Equal(t, Tag("c:c#2"), Tag("c:c#2").PopSplit())
	assert.Equal(t, root, root.PopSplit())
	assert.Equal(t, 0, root.Depth())
}
