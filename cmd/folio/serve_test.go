package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/folio/internal/config"
	"github.com/aretw0/folio/internal/logging"
	"github.com/aretw0/folio/pkg/adapters/file"
	"github.com/aretw0/folio/pkg/adapters/memory"
	"github.com/aretw0/folio/pkg/notebook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenBackends_Local(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Kind = config.StoreMemory
	b, err := openBackends(context.Background(), cfg)
	require.NoError(t, err)
	defer b.Close()
	assert.IsType(t, &memory.Store{}, b.store)
	assert.Nil(t, b.locker)

	cfg.Store.Kind = config.StoreFile
	cfg.Store.Dir = t.TempDir()
	b, err = openBackends(context.Background(), cfg)
	require.NoError(t, err)
	defer b.Close()
	assert.IsType(t, &file.Store{}, b.store)
}

func TestOpenBackends_Encrypted(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Kind = config.StoreFile
	cfg.Store.Dir = t.TempDir()
	cfg.Store.EncryptionKey = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))

	ctx := context.Background()
	b, err := openBackends(ctx, cfg)
	require.NoError(t, err)
	defer b.Close()

	nb := notebook.New("nb1", "ws1")
	nb.Metadata["owner"] = "alice"
	require.NoError(t, b.store.Save(ctx, nb))

	raw, err := file.New(cfg.Store.Dir).Load(ctx, "nb1")
	require.NoError(t, err)
	assert.NotContains(t, raw.Metadata, "owner")

	loaded, err := b.store.Load(ctx, "nb1")
	require.NoError(t, err)
	assert.Equal(t, "alice", loaded.Metadata["owner"])
}

func TestOpenBackends_RedisStoreAndLock(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := config.Default()
	cfg.Store.Kind = config.StoreRedis
	cfg.Redis.Addr = mr.Addr()
	cfg.Redis.Lock = true

	ctx := context.Background()
	b, err := openBackends(ctx, cfg)
	require.NoError(t, err)
	defer b.Close()
	require.NotNil(t, b.locker)

	require.NoError(t, b.store.Save(ctx, notebook.New("nb1", "ws1")))
	assert.True(t, mr.Exists("folio:notebook:nb1"))

	unlock, err := b.locker.Lock(ctx, "nb1", time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("folio:lock:nb1"))
	require.NoError(t, unlock(ctx))
}

func TestOpenBackends_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := config.Default()
	cfg.Store.Kind = config.StoreMemory
	cfg.Redis.Addr = addr
	cfg.Redis.Lock = true

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := openBackends(ctx, cfg)
	assert.ErrorContains(t, err, "connect to redis")
}

func TestKernelOption(t *testing.T) {
	cfg := config.Default()
	cfg.Kernel.Specs = filepath.Join(t.TempDir(), "absent.yaml")

	opt, err := kernelOption(cfg, logging.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, opt)

	cfg.Kernel.Default = "julia"
	_, err = kernelOption(cfg, logging.NewNop())
	assert.ErrorContains(t, err, `kernel "julia" not found`)
}

func TestKernelsCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernels.yaml")
	require.NoError(t, os.WriteFile(path, []byte("kernels:\n  - name: ir\n    language: R\n    argv: [R, \"{connection_file}\"]\n"), 0o644))
	t.Setenv("FOLIO_CONFIG", "")
	t.Setenv("FOLIO_KERNEL_SPECS", path)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"kernels"})
	defer rootCmd.SetArgs(nil)
	require.NoError(t, rootCmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "NAME")
	assert.Contains(t, lines[1], "ir")
	assert.Contains(t, lines[2], "python3 (default)")
}

func TestShowCommand(t *testing.T) {
	dir := t.TempDir()
	nb := notebook.New("nb1", "ws1")
	nb.Worksheets[0].Cells = []*notebook.Cell{{ID: "A", Type: notebook.CellMarkdown, Source: "# Results"}}
	require.NoError(t, file.New(dir).Save(context.Background(), nb))
	t.Setenv("FOLIO_CONFIG", "")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"show", "--store", "file", "--store-dir", dir, "nb1"})
	defer rootCmd.SetArgs(nil)
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "# Results\n\n", out.String())

	rootCmd.SetArgs([]string{"show", "--store", "file", "--store-dir", dir, "absent"})
	assert.ErrorContains(t, rootCmd.Execute(), "notebook absent not found")
}
