package classifier

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func discoveredIDs(root string) []string {
	var ids []string
	for _, d := range DiscoverModels(root) {
		ids = append(ids, d.ID)
	}
	return ids
}

func TestDiscoverModels(t *testing.T) {
	root := t.TempDir()

	writeFile(t, filepath.Join(root, "JTP_PILOT", "tags.json"))
	writeFile(t, filepath.Join(root, "JTP_PILOT", "model.onnx"))
	writeFile(t, filepath.Join(root, "JTP_PILOT2", "tags.json"))
	writeFile(t, filepath.Join(root, "JTP_PILOT2", "weights.onnx"))
	writeFile(t, filepath.Join(root, "JTP3", "model.safetensors"))

	assert.Equal(t, []string{"JTP3", "JTP_PILOT", "JTP_PILOT2"}, discoveredIDs(root))

	descs := DiscoverModels(root)
	byID := map[string]ModelDescriptor{}
	for _, d := range descs {
		byID[d.ID] = d
	}
	assert.Equal(t, KindJTP2, byID["JTP_PILOT"].Kind)
	assert.Equal(t, KindJTP3, byID["JTP3"].Kind)
	assert.Equal(t, filepath.Join(root, "JTP_PILOT", "model.onnx"), byID["JTP_PILOT"].WeightsPath)
	assert.Equal(t, filepath.Join(root, "JTP_PILOT", "tags.json"), byID["JTP_PILOT"].VocabPath)
	// jtp3 vocabulary lives in the weights metadata
	assert.Empty(t, byID["JTP3"].VocabPath)
}

func TestDiscoverRequiresBothFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "JTP_PILOT", "tags.json"))
	writeFile(t, filepath.Join(root, "JTP_PILOT", "model.onnx"))
	assert.Equal(t, []string{"JTP_PILOT"}, discoveredIDs(root))

	// removing the vocabulary removes the id
	require.NoError(t, os.Remove(filepath.Join(root, "JTP_PILOT", "tags.json")))
	assert.Empty(t, discoveredIDs(root))

	// and so does removing the weights
	writeFile(t, filepath.Join(root, "JTP_PILOT", "tags.json"))
	require.NoError(t, os.Remove(filepath.Join(root, "JTP_PILOT", "model.onnx")))
	assert.Empty(t, discoveredIDs(root))
}

func TestDiscoverRejectsAmbiguousWeights(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "JTP_PILOT", "tags.json"))
	writeFile(t, filepath.Join(root, "JTP_PILOT", "a.onnx"))
	writeFile(t, filepath.Join(root, "JTP_PILOT", "b.onnx"))
	assert.Empty(t, discoveredIDs(root))
}

func TestDiscoverIgnoresUnknownDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "SOME_OTHER_MODEL", "tags.json"))
	writeFile(t, filepath.Join(root, "SOME_OTHER_MODEL", "model.onnx"))
	assert.Empty(t, discoveredIDs(root))
}

func TestDiscoverMissingRoot(t *testing.T) {
	assert.Empty(t, DiscoverModels(filepath.Join(t.TempDir(), "does-not-exist")))
}
