package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "capproxy.yaml"), []byte("{}"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "a", "b", "capproxy.yaml"), 0o755))

	path, err := FindUp("capproxy.yaml", nested)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "capproxy.yaml"), path)

	path, err = FindUp("missing-file-for-findup-test.yaml", nested)
	require.NoError(t, err)
	assert.Empty(t, path)
}
