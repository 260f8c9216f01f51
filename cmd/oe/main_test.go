package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openethereum/oe-go/log"
)

func writeSpec(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "chainspec.json")
	spec := `{"name":"t","chainId":1337,"genesis":{"gasLimit":8000000,"difficulty":1}}`
	require.NoError(t, os.WriteFile(path, []byte(spec), 0o644))
	return path
}

func TestOpenClient_SealedNeedsExecution(t *testing.T) {
	dir := t.TempDir()
	specPath := writeSpec(t, dir)

	_, _, err := openClient(filepath.Join(dir, "db"), specPath, true, log.Root())
	require.ErrorIs(t, err, errSealedImport)
}

func TestOpenClient_TrustingImport(t *testing.T) {
	dir := t.TempDir()
	specPath := writeSpec(t, dir)

	c, store, err := openClient(filepath.Join(dir, "db"), specPath, false, log.Root())
	require.NoError(t, err)
	defer store.Close()
	defer c.Close()
	require.Equal(t, uint64(0), c.BestBlockNumber())
}
