package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageValidate(t *testing.T) {
	img := Image{
		Layers: []Layer{
			{ID: "a", ParentID: "b"},
			{ID: "b", ParentID: ""},
		},
	}
	require.NoError(t, img.Validate())

	broken := Image{
		Layers: []Layer{
			{ID: "a", ParentID: "wrong"},
			{ID: "b", ParentID: ""},
		},
	}
	err := broken.Validate()
	require.Error(t, err)
	var chainErr *ChainError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, 0, chainErr.Index)
}

func TestImageValidateTailMustHaveEmptyParent(t *testing.T) {
	img := Image{
		Layers: []Layer{
			{ID: "a", ParentID: "b"},
			{ID: "b", ParentID: "dangling"},
		},
	}
	err := img.Validate()
	require.Error(t, err)
}

func TestImageHead(t *testing.T) {
	assert.Equal(t, "", Image{}.Head())
	assert.Equal(t, "top", Image{Layers: []Layer{{ID: "top"}, {ID: "bottom"}}}.Head())
}

func TestLayerSize(t *testing.T) {
	l := Layer{Content: []byte("hello")}
	assert.EqualValues(t, 5, l.Size())
}

func TestEmptyImageValidates(t *testing.T) {
	require.NoError(t, Image{}.Validate())
}

func TestLayerCreatedIsUTC(t *testing.T) {
	l := Layer{Created: time.Now().UTC()}
	assert.Equal(t, time.UTC, l.Created.Location())
}
