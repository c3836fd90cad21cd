package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOrigin(t *testing.T) {
	origin, err := parseOrigin("52.52, 13.405")
	require.NoError(t, err)
	assert.Equal(t, 52.52, origin.Lat)
	assert.Equal(t, 13.405, origin.Lon)

	_, err = parseOrigin("52.52")
	assert.Error(t, err)

	_, err = parseOrigin("north,east")
	assert.Error(t, err)
}

func TestLoadPoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "points.json")
	content := `[
		{"pixel": {"x": 10, "y": 20}, "geo": {"lat": 52.52, "lon": 13.405}},
		{"pixel": {"x": 400, "y": 300}, "geo": {"lat": 52.53, "lon": 13.41}}
	]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	points, err := loadPoints(path)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, 10.0, points[0].Pixel.X)
	assert.Equal(t, 13.41, points[1].Geo.Lon)
}

func TestLoadPoints_EmptyFileRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "points.json")
	require.NoError(t, os.WriteFile(path, []byte(`[]`), 0o644))

	_, err := loadPoints(path)
	assert.Error(t, err)
}
