package main

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadLabels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "classes.txt")
	require.NoError(t, os.WriteFile(path, []byte("person\nbicycle\n\n car \n"), 0o644))

	labels, err := loadLabels(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"person", "bicycle", "car"}, labels)

	_, err = loadLabels(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestLoadAnchors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anchors.txt")
	require.NoError(t, os.WriteFile(path, []byte("10,13, 16,30, 33,23, 30,61, 62,45, 59,119, 116,90, 156,198, 373,326\n"), 0o644))

	anchors, err := loadAnchors(path)
	require.NoError(t, err)
	require.Len(t, anchors, 9)
	assert.Equal(t, anchor{W: 10, H: 13}, anchors[0])
	assert.Equal(t, anchor{W: 373, H: 326}, anchors[8])
}

func TestParseAnchorsErrors(t *testing.T) {
	_, err := parseAnchors("10,13,16")
	assert.Error(t, err)
	_, err = parseAnchors("")
	assert.Error(t, err)
	_, err = parseAnchors("10,abc")
	assert.Error(t, err)
}

func TestGetLabel(t *testing.T) {
	labels := []string{"person", "car"}
	assert.Equal(t, "car", getLabel(labels, 1))
	assert.Equal(t, "unknown", getLabel(labels, 2))
	assert.Equal(t, "unknown", getLabel(labels, -1))
}

func TestClassColors(t *testing.T) {
	colors := classColors(6)
	require.Len(t, colors, 6)
	assert.Equal(t, color.RGBA{R: 255, G: 0, B: 0}, colors[0])
	assert.Equal(t, color.RGBA{R: 0, G: 255, B: 0}, colors[2])
	assert.Equal(t, color.RGBA{R: 0, G: 0, B: 255}, colors[4])

	assert.Equal(t, colors[1], colorFor(colors, 7))
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255}, colorFor(nil, 0))
}
