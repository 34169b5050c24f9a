package mnemo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemo-ai/mnemo/backend"
	"github.com/mnemo-ai/mnemo/config"
	"github.com/mnemo-ai/mnemo/engine"
	"github.com/mnemo-ai/mnemo/search"
)

func TestNew(t *testing.T) {
	ctx := context.Background()

	eng, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Shutdown(ctx) })

	r, err := eng.Add(ctx, map[string]any{"text": "the deploy runs at 9am"}, engine.AddOptions{})
	require.NoError(t, err)

	results, err := eng.Search(ctx, backend.Query{Text: "deploy"}, search.Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, r.ID, results[0].Record.ID)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "mnemo.yaml")
	body := `
tiers:
  recent:
    capacity: 10
    base_activation: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	eng, err := Open(path, config.BuildOptions{})
	require.NoError(t, err)
	require.NoError(t, eng.Shutdown(ctx))

	_, err = Open(filepath.Join(t.TempDir(), "absent.yaml"), config.BuildOptions{})
	require.Error(t, err)
}
