package store_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndycode/oc-chatgpt-multi-auth/internal/errs"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/logging"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/store"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Options{Service: "test", Level: logging.LevelError})
}

func TestLoadOfMissingFileReturnsNil(t *testing.T) {
	dir := t.TempDir()
	s := store.New(filepath.Join(dir, "accounts.json"), testLogger(), store.NormalizeOptions{})
	assert.Nil(t, s.Load(context.Background()))
}

func TestLoadFallsBackToRecoveryPathWhenPrimaryMissing(t *testing.T) {
	dir := t.TempDir()
	recoveryDir := t.TempDir()
	recoveryPath := filepath.Join(recoveryDir, "accounts.json")

	seed := store.New(recoveryPath, testLogger(), store.NormalizeOptions{})
	require.NoError(t, seed.Save(context.Background(), store.AccountStorage{
		Version:     store.SchemaVersion,
		Accounts:    []store.Account{{AccountID: "a1", RefreshToken: "rt-1"}},
		ActiveIndex: 0,
	}))

	s := store.New(filepath.Join(dir, "accounts.json"), testLogger(), store.NormalizeOptions{})
	s.SetRecoveryPaths([]string{recoveryPath})

	loaded := s.Load(context.Background())
	require.NotNil(t, loaded)
	require.Len(t, loaded.Accounts, 1)
	assert.Equal(t, "a1", loaded.Accounts[0].AccountID)

	_, err := os.Stat(filepath.Join(dir, "accounts.json"))
	assert.True(t, os.IsNotExist(err), "recovery read must not write the primary path")
}

func TestLoadIgnoresRecoveryPathsWhenPrimaryExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	recoveryDir := t.TempDir()
	recoveryPath := filepath.Join(recoveryDir, "accounts.json")

	seed := store.New(recoveryPath, testLogger(), store.NormalizeOptions{})
	require.NoError(t, seed.Save(context.Background(), store.AccountStorage{
		Version:     store.SchemaVersion,
		Accounts:    []store.Account{{AccountID: "recovery", RefreshToken: "rt-recovery"}},
		ActiveIndex: 0,
	}))

	s := store.New(path, testLogger(), store.NormalizeOptions{})
	s.SetRecoveryPaths([]string{recoveryPath})
	require.NoError(t, s.Save(context.Background(), store.AccountStorage{
		Version:     store.SchemaVersion,
		Accounts:    []store.Account{{AccountID: "primary", RefreshToken: "rt-primary"}},
		ActiveIndex: 0,
	}))

	loaded := s.Load(context.Background())
	require.NotNil(t, loaded)
	require.Len(t, loaded.Accounts, 1)
	assert.Equal(t, "primary", loaded.Accounts[0].AccountID)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	s := store.New(path, testLogger(), store.NormalizeOptions{})

	pool := store.AccountStorage{
		Version:     store.SchemaVersion,
		Accounts:    []store.Account{{AccountID: "a1", RefreshToken: "rt-1"}},
		ActiveIndex: 0,
	}
	require.NoError(t, s.Save(context.Background(), pool))

	loaded := s.Load(context.Background())
	require.NotNil(t, loaded)
	require.Len(t, loaded.Accounts, 1)
	assert.Equal(t, "a1", loaded.Accounts[0].AccountID)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoadMigratesV1AndResavesAsV3(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	raw := `{"version":1,"accounts":[{"refreshToken":"rt-1"}],"activeIndex":0}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0600))

	s := store.New(path, testLogger(), store.NormalizeOptions{})
	loaded := s.Load(context.Background())
	require.NotNil(t, loaded)
	assert.Equal(t, store.SchemaVersion, loaded.Version)

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	var persisted store.AccountStorage
	require.NoError(t, json.Unmarshal(onDisk, &persisted))
	assert.Equal(t, store.SchemaVersion, persisted.Version)
}

func TestClearRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	s := store.New(path, testLogger(), store.NormalizeOptions{})
	require.NoError(t, s.Save(context.Background(), store.Empty()))

	require.NoError(t, s.Clear(context.Background()))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestExportRefusesEmptyPool(t *testing.T) {
	dir := t.TempDir()
	s := store.New(filepath.Join(dir, "accounts.json"), testLogger(), store.NormalizeOptions{})
	err := s.Export(context.Background(), store.Empty(), filepath.Join(dir, "out.json"), false)
	var valErr *errs.ValidationError
	assert.ErrorAs(t, err, &valErr)
}

func TestExportRefusesOverwriteWithoutForce(t *testing.T) {
	dir := t.TempDir()
	s := store.New(filepath.Join(dir, "accounts.json"), testLogger(), store.NormalizeOptions{})
	target := filepath.Join(dir, "out.json")
	require.NoError(t, os.WriteFile(target, []byte("{}"), 0600))

	pool := store.AccountStorage{Accounts: []store.Account{{RefreshToken: "rt-1"}}}
	err := s.Export(context.Background(), pool, target, false)
	var storageErr *errs.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, errs.CodeEACCES, storageErr.Code)

	require.NoError(t, s.Export(context.Background(), pool, target, true))
}

func TestImportMergesAndDedupsPreservingActiveIndex(t *testing.T) {
	dir := t.TempDir()
	s := store.New(filepath.Join(dir, "accounts.json"), testLogger(), store.NormalizeOptions{})

	importPath := filepath.Join(dir, "import.json")
	importData := store.AccountStorage{
		Version:  store.SchemaVersion,
		Accounts: []store.Account{{AccountID: "a1", RefreshToken: "rt-1"}, {AccountID: "a2", RefreshToken: "rt-2"}},
	}
	raw, err := json.Marshal(importData)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(importPath, raw, 0600))

	current := store.AccountStorage{
		Version:     store.SchemaVersion,
		Accounts:    []store.Account{{AccountID: "a1", RefreshToken: "rt-1-old"}},
		ActiveIndex: 0,
	}

	merged, result, err := s.Import(context.Background(), current, importPath)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Imported)
	assert.Equal(t, 2, result.Total)
	assert.Len(t, merged.Accounts, 2)
}

func TestImportRejectsWhenExceedingMaxAccounts(t *testing.T) {
	dir := t.TempDir()
	s := store.New(filepath.Join(dir, "accounts.json"), testLogger(), store.NormalizeOptions{})

	many := make([]store.Account, store.MaxAccounts)
	for i := range many {
		many[i] = store.Account{AccountID: string(rune('a' + i%26)) + string(rune(i)), RefreshToken: "rt"}
	}
	importPath := filepath.Join(dir, "import.json")
	raw, err := json.Marshal(store.AccountStorage{Version: store.SchemaVersion, Accounts: many})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(importPath, raw, 0600))

	current := store.AccountStorage{Version: store.SchemaVersion, Accounts: []store.Account{{AccountID: "existing", RefreshToken: "rt"}}}
	_, _, err = s.Import(context.Background(), current, importPath)
	assert.Error(t, err)
}
