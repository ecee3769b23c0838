package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderImagePNG(t *testing.T) {
	dm, err := Build(routingModel(t), nil)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), dm, ImagePNG)
	require.NoError(t, err)
	require.True(t, len(png) > 8, "PNG should be larger than header")

	// PNG magic bytes: 0x89 P N G.
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}

func TestRenderImageSVGComposite(t *testing.T) {
	dm, err := Build(compositeModel(t), nil)
	require.NoError(t, err)
	findNode(dm.Nodes, "c").Status = &StatusOverlay{Status: "active", Instances: 1, Active: 1}

	svg, err := RenderImage(context.Background(), dm, ImageSVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
	assert.Contains(t, string(svg), "cluster_c_sub")
}

func TestRenderImageUnsupportedFormat(t *testing.T) {
	dm, err := Build(routingModel(t), nil)
	require.NoError(t, err)

	_, err = RenderImage(context.Background(), dm, "gif")
	assert.Error(t, err)
}
