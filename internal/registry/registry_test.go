package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPreservesOrder(t *testing.T) {
	entries, err := Load(writeRegistry(t, `
templates:
  - name: todo-api
    source_path: templates/todo-api
  - name: upload-manager
    source_path: templates/upload-manager
  - name: http-stream-mcp
    source_path: templates/mcp/http-stream-mcp
`))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "todo-api", entries[0].Name)
	assert.Equal(t, "upload-manager", entries[1].Name)
	assert.Equal(t, "http-stream-mcp", entries[2].Name)
	assert.Equal(t, "templates/mcp/http-stream-mcp", entries[2].SourcePath)
}

func TestLoadRejectsBadRegistries(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "empty",
			content: "templates: []\n",
			wantErr: "lists no templates",
		},
		{
			name: "duplicate name",
			content: `
templates:
  - name: todo-api
    source_path: templates/a
  - name: todo-api
    source_path: templates/b
`,
			wantErr: "duplicate name",
		},
		{
			name: "missing source path",
			content: `
templates:
  - name: todo-api
`,
			wantErr: "source_path is required",
		},
		{
			name: "absolute source path",
			content: `
templates:
  - name: todo-api
    source_path: /etc/passwd
`,
			wantErr: "must be relative",
		},
		{
			name: "escaping source path",
			content: `
templates:
  - name: todo-api
    source_path: ../outside
`,
			wantErr: "must be relative",
		},
		{
			name: "invalid name",
			content: `
templates:
  - name: "todo api"
    source_path: templates/todo-api
`,
			wantErr: "invalid name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeRegistry(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read registry")
}
