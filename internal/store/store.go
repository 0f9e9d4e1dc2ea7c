package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/google/renameio/v2"

	"github.com/ndycode/oc-chatgpt-multi-auth/internal/errs"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/logging"
)

// Store owns the canonical serialized pool file. All writers go through a
// single sync.Mutex (mu), so at most one save/clear is ever in-flight.
// sync.Mutex does not guarantee that waiting writers run in arrival order.
type Store struct {
	path          string
	mu            sync.Mutex
	logger        *logging.Logger
	opts          NormalizeOptions
	recoveryPaths []string
}

// New creates a Store bound to path.
func New(path string, logger *logging.Logger, opts NormalizeOptions) *Store {
	if opts.KnownFamilies == nil {
		opts.KnownFamilies = DefaultKnownFamilies
	}
	return &Store{path: path, logger: logger, opts: opts}
}

// Path returns the store's backing file path.
func (s *Store) Path() string { return s.path }

// SetRecoveryPaths configures alternate legacy storage locations (see
// RecoveryPaths) that Load falls back to consulting, read-only, when the
// primary path has no file yet.
func (s *Store) SetRecoveryPaths(paths []string) {
	s.recoveryPaths = paths
}

// Load reads and normalizes the pool file. On any failure (missing file,
// malformed JSON, invalid shape) it logs a warning and returns nil rather
// than propagating an error, following a "log warnings, return empty
// state" load policy. If the stored version is v1, the migrated v3 result
// is re-saved; a re-save failure is logged, not propagated. When the
// primary path has no file, configured recovery paths (APPDATA /
// XDG_DATA_HOME-derived, see RecoveryPaths) are consulted in order as a
// read-only fallback source before giving up.
func (s *Store) Load(ctx context.Context) *AccountStorage {
	raw, err := os.ReadFile(s.path)
	if err != nil && os.IsNotExist(err) {
		for _, candidate := range s.recoveryPaths {
			if recovered, rerr := os.ReadFile(candidate); rerr == nil {
				s.logger.Info("recovered storage file from legacy data-home location", map[string]interface{}{"path": candidate})
				raw, err = recovered, nil
				break
			}
		}
	}
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read storage file", map[string]interface{}{"path": s.path, "error": err.Error()})
		}
		return nil
	}

	opts := s.opts
	opts.NowMs = time.Now().UnixMilli()

	var preVersion struct {
		Version int `json:"version"`
	}
	wasV1 := json.Unmarshal(raw, &preVersion) == nil && preVersion.Version == 1

	normalized, warnings, err := Normalize(raw, opts)
	if err != nil {
		s.logger.Warn("failed to normalize storage file", map[string]interface{}{"path": s.path, "error": err.Error()})
		return nil
	}
	for _, w := range warnings {
		s.logger.Warn(w.Message, nil)
	}

	if wasV1 {
		if err := s.Save(ctx, *normalized); err != nil {
			s.logger.Warn("failed to re-save migrated storage", map[string]interface{}{"error": err.Error()})
		}
	}

	return normalized
}

// Save atomically writes pool to the store's file: marshal pretty JSON,
// write to <path>.<unixnano>.tmp, verify non-zero size, atomically rename
// over the target. Always serialized by the write mutex.
func (s *Store) Save(ctx context.Context, pool AccountStorage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(pool)
}

func (s *Store) saveLocked(pool AccountStorage) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return s.wrapFSError("create storage directory", err)
	}
	if err := EnsureGitignored(dir); err != nil {
		s.logger.Warn("failed to update .gitignore", map[string]interface{}{"error": err.Error()})
	}

	data, err := json.MarshalIndent(pool, "", "  ")
	if err != nil {
		return &errs.StorageError{Message: "failed to marshal pool", Code: errs.CodeUnknown, Path: s.path, Hint: s.hint(errs.CodeUnknown), Cause: err}
	}
	data = append(data, '\n')

	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, time.Now().UnixNano())

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return s.wrapFSError("create temp file", err)
	}
	n, writeErr := f.Write(data)
	syncErr := f.Sync()
	closeErr := f.Close()

	if writeErr != nil {
		_ = os.Remove(tmpPath)
		return s.wrapFSError("write temp file", writeErr)
	}
	if syncErr != nil {
		_ = os.Remove(tmpPath)
		return s.wrapFSError("sync temp file", syncErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmpPath)
		return s.wrapFSError("close temp file", closeErr)
	}

	if err := s.verifyNonEmpty(tmpPath, n); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := renameio.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return s.wrapFSError("rename temp file into place", err)
	}
	_ = os.Chmod(s.path, 0600)
	return nil
}

// Clear unlinks the storage file. A missing file is not an error.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return s.wrapFSError("remove storage file", err)
	}
	return nil
}

// Export writes the current pool to an external path with mode 0600,
// refusing to overwrite an existing target unless force is set, and
// refusing to export an empty pool.
func (s *Store) Export(ctx context.Context, pool AccountStorage, path string, force bool) error {
	if len(pool.Accounts) == 0 {
		return &errs.ValidationError{Field: "accounts", Expected: "non-empty pool", Cause: fmt.Errorf("pool is empty")}
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return &errs.StorageError{Message: "export target already exists", Code: errs.CodeEACCES, Path: path, Hint: "pass --force to overwrite"}
		}
	}
	data, err := json.MarshalIndent(pool, "", "  ")
	if err != nil {
		return &errs.StorageError{Message: "failed to marshal pool", Code: errs.CodeUnknown, Path: path, Hint: s.hint(errs.CodeUnknown), Cause: err}
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0600); err != nil {
		return s.wrapFSErrorAt("write export file", path, err)
	}
	return nil
}

// ImportResult reports the outcome of an Import.
type ImportResult struct {
	Imported int
	Skipped  int
	Total    int
}

// Import reads path, normalizes it, and merges it with current: newly
// found accounts are appended, then the combined set is deduped. Import
// refuses if the resulting size would exceed MaxAccounts, and preserves
// current's activeIndex / activeIndexByFamily.
func (s *Store) Import(ctx context.Context, current AccountStorage, path string) (AccountStorage, ImportResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return current, ImportResult{}, s.wrapFSErrorAt("read import file", path, err)
	}
	opts := s.opts
	opts.NowMs = time.Now().UnixMilli()
	incoming, _, err := Normalize(raw, opts)
	if err != nil {
		return current, ImportResult{}, &errs.ValidationError{Field: "import file", Expected: "valid account storage JSON", Cause: err}
	}

	before := len(current.Accounts)
	merged := current.Clone()
	merged.Accounts = append(merged.Accounts, incoming.Accounts...)

	mergedRaw, err := json.Marshal(merged)
	if err != nil {
		return current, ImportResult{}, &errs.StorageError{Message: "failed to remarshal merged pool", Code: errs.CodeUnknown, Path: path, Hint: s.hint(errs.CodeUnknown), Cause: err}
	}
	deduped, _, err := Normalize(mergedRaw, opts)
	if err != nil {
		return current, ImportResult{}, &errs.ValidationError{Field: "merged pool", Expected: "valid account storage JSON", Cause: err}
	}

	if len(deduped.Accounts) > MaxAccounts {
		return current, ImportResult{}, &errs.ValidationError{Field: "accounts", Expected: fmt.Sprintf("at most %d accounts", MaxAccounts), Cause: fmt.Errorf("import would result in %d accounts", len(deduped.Accounts))}
	}

	deduped.ActiveIndex = current.ActiveIndex
	if deduped.ActiveIndex >= len(deduped.Accounts) {
		deduped.ActiveIndex = clampInt(current.ActiveIndex, len(deduped.Accounts))
	}
	deduped.ActiveIndexByFamily = current.ActiveIndexByFamily

	after := len(deduped.Accounts)
	imported := after - before
	if imported < 0 {
		imported = 0
	}
	result := ImportResult{
		Imported: imported,
		Skipped:  len(incoming.Accounts) - imported,
		Total:    after,
	}
	return *deduped, result, nil
}

// verifyNonEmpty rejects a temp file as a zero-byte write: n (the byte
// count actually returned by Write) catches a short write, and the follow-up
// os.Stat catches a zero-byte file left by a truncation that happened after
// Write returned but before this check ran. Either condition must never
// reach renameio.Rename, since that would make a corrupt empty file the new
// canonical pool file.
func (s *Store) verifyNonEmpty(tmpPath string, n int) error {
	if n == 0 {
		return &errs.StorageError{
			Message: "written file was 0 bytes",
			Code:    errs.CodeEEMPTY,
			Path:    s.path,
			Hint:    s.hint(errs.CodeEEMPTY),
		}
	}
	if info, statErr := os.Stat(tmpPath); statErr == nil && info.Size() == 0 {
		return &errs.StorageError{
			Message: "written file was 0 bytes",
			Code:    errs.CodeEEMPTY,
			Path:    s.path,
			Hint:    s.hint(errs.CodeEEMPTY),
		}
	}
	return nil
}

func (s *Store) wrapFSError(op string, err error) error {
	return s.wrapFSErrorAt(op, s.path, err)
}

func (s *Store) wrapFSErrorAt(op string, path string, err error) error {
	code := classifyFSError(err)
	return &errs.StorageError{
		Message: fmt.Sprintf("%s failed", op),
		Code:    code,
		Path:    path,
		Hint:    s.hint(code),
		Cause:   err,
	}
}

// classifyFSError maps the POSIX errno underlying err, when there is one,
// to a storage error code; os.IsPermission is kept as a fallback for
// platforms (Windows) or wrapping layers that don't surface a syscall.Errno.
func classifyFSError(err error) errs.StorageErrorCode {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EACCES:
			return errs.CodeEACCES
		case syscall.EPERM:
			return errs.CodeEPERM
		case syscall.EBUSY:
			return errs.CodeEBUSY
		case syscall.ENOSPC:
			return errs.CodeENOSPC
		}
	}
	if os.IsPermission(err) {
		return errs.CodeEACCES
	}
	return errs.CodeUnknown
}

// hint computes a platform-aware, actionable hint for a storage error code.
func (s *Store) hint(code errs.StorageErrorCode) string {
	switch code {
	case errs.CodeEACCES, errs.CodeEPERM:
		if runtime.GOOS == "windows" {
			return "check antivirus exclusions, verify write permissions"
		}
		return "check folder permissions; try chmod 755 on the containing directory"
	case errs.CodeEBUSY:
		return "file locked by another process"
	case errs.CodeENOSPC:
		return "disk full"
	case errs.CodeEEMPTY:
		return "written file was 0 bytes"
	default:
		return "check that the path exists and is writable"
	}
}
