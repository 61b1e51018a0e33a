package handler

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/t77yq/taskscheduler/internal/executor"
)

// FileCleanupPayload represents the params of a cleanup task. Dir is
// relative to the handler's base directory.
type FileCleanupPayload struct {
	Dir       string `json:"dir"`
	Pattern   string `json:"pattern"`
	OlderThan string `json:"older_than"`
	Recursive bool   `json:"recursive"`
	DryRun    bool   `json:"dry_run"`
}

// FileCleanupResult summarizes what was removed
type FileCleanupResult struct {
	Removed int   `json:"removed"`
	Bytes   int64 `json:"bytes"`
	Failed  int   `json:"failed"`
}

// FileCleanupHandler removes old files below a base directory
type FileCleanupHandler struct {
	logger  *zap.Logger
	baseDir string
	now     func() time.Time
}

// NewFileCleanupHandler creates a new file cleanup handler
func NewFileCleanupHandler(logger *zap.Logger, baseDir string) *FileCleanupHandler {
	return &FileCleanupHandler{
		logger:  logger.Named(FileCleanup),
		baseDir: filepath.Clean(baseDir),
		now:     time.Now,
	}
}

// Execute deletes matching regular files whose modification time is older
// than OlderThan. Per-file errors are logged and counted, not fatal.
func (h *FileCleanupHandler) Execute(ctx context.Context, task *executor.Task) (json.RawMessage, error) {
	var payload FileCleanupPayload
	if err := decodeParams(task.Params, &payload); err != nil {
		return nil, err
	}

	dir, err := h.resolve(payload.Dir)
	if err != nil {
		return nil, err
	}
	pattern := payload.Pattern
	if pattern == "" {
		pattern = "*"
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, executor.NoRetry(errors.Wrapf(err, "invalid pattern %q", pattern))
	}
	var age time.Duration
	if payload.OlderThan != "" {
		if age, err = time.ParseDuration(payload.OlderThan); err != nil || age < 0 {
			return nil, executor.NoRetry(errors.Newf("invalid older_than %q", payload.OlderThan))
		}
	}
	cutoff := h.now().Add(-age)

	h.logger.Info("Executing file cleanup",
		zap.String("execution_id", task.ExecutionID),
		zap.String("dir", dir),
		zap.String("pattern", pattern),
		zap.Duration("older_than", age))

	var result FileCleanupResult
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if walkErr != nil {
			if path == dir {
				return walkErr
			}
			task.Log.Warnf("skip %s: %v", path, walkErr)
			return nil
		}
		if d.IsDir() {
			if path != dir && !payload.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}

		if !payload.DryRun {
			if err := os.Remove(path); err != nil {
				result.Failed++
				task.Log.Warnf("remove %s: %v", path, err)
				return nil
			}
		}
		result.Removed++
		result.Bytes += info.Size()
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, executor.NoRetry(errors.Wrapf(err, "directory %s does not exist", dir))
		}
		return nil, errors.Wrap(err, "cleanup failed")
	}

	task.Log.Infof("removed %d files (%d bytes) from %s", result.Removed, result.Bytes, dir)
	return json.Marshal(result)
}

func (h *FileCleanupHandler) resolve(rel string) (string, error) {
	path := filepath.Clean(filepath.Join(h.baseDir, rel))
	if path != h.baseDir && !strings.HasPrefix(path, h.baseDir+string(filepath.Separator)) {
		return "", executor.NoRetry(errors.Newf("path %q must be within %s", rel, h.baseDir))
	}
	return path, nil
}
