package ops

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/hpungsan/consult/internal/errors"
)

// ExportInput contains parameters for ExportPatterns.
type ExportInput struct {
	Path  string  // optional, default: <base>/imports/patterns-<owner>-<timestamp>.jsonl
	Owner *string // optional filter by owner
}

// ExportOutput contains the result of ExportPatterns.
type ExportOutput struct {
	Path       string `json:"path"`
	Count      int    `json:"count"`
	ExportedAt int64  `json:"exported_at"`
}

// ExportHeader is the first line of a pattern export file.
type ExportHeader struct {
	ConsultExport bool   `json:"_consult_export"`
	SchemaVersion string `json:"schema_version"`
	ExportedAt    int64  `json:"exported_at"`
}

// ExportPatterns writes patterns, counters included, to a JSONL file that
// ImportPatterns reads back.
func (c *Core) ExportPatterns(ctx context.Context, input ExportInput) (out *ExportOutput, err error) {
	defer c.observe("export_patterns", time.Now(), &err)

	now := c.now()
	exportPath := input.Path
	if exportPath == "" {
		exportPath = c.defaultExportPath(input.Owner, now)
	}
	// Default paths are validated too since the owner is part of the name.
	if err := ValidatePath(exportPath, PathCheckWrite, c.BaseDir, c.Config); err != nil {
		return nil, err
	}

	patterns, err := c.Store.ListPatterns(ctx, input.Owner)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(exportPath), 0700); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create export directory: %w", err))
	}

	// Write to a temp file and rename so an existing export survives a failure.
	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to generate temp file name: %w", err))
	}
	tempPath := exportPath + "." + hex.EncodeToString(randBytes) + ".tmp"
	file, err := openNoFollow(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create export file: %w", err))
	}

	success := false
	defer func() {
		if file != nil {
			file.Close()
		}
		if !success {
			os.Remove(tempPath)
		}
	}()

	enc := json.NewEncoder(file)
	if err := enc.Encode(ExportHeader{
		ConsultExport: true,
		SchemaVersion: "1.0",
		ExportedAt:    now.Unix(),
	}); err != nil {
		return nil, errors.NewInternal(err)
	}
	for i := range patterns {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewInternal(fmt.Errorf("export cancelled: %w", err))
		}
		if err := enc.Encode(&patterns[i]); err != nil {
			return nil, errors.NewInternal(err)
		}
	}

	if err := file.Sync(); err != nil {
		return nil, errors.NewInternal(err)
	}
	if err := file.Close(); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to close export file: %w", err))
	}
	file = nil

	// os.Rename would follow a symlinked destination.
	if info, err := os.Lstat(exportPath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return nil, errors.NewInternal(fmt.Errorf("export path is a symlink"))
	}
	if err := os.Rename(tempPath, exportPath); err != nil {
		if runtime.GOOS == "windows" {
			if _, statErr := os.Stat(exportPath); statErr == nil {
				return nil, errors.NewInvalidRequest("export destination already exists; choose a new path or delete the existing file")
			}
		}
		return nil, errors.NewInternal(fmt.Errorf("failed to finalize export: %w", err))
	}

	success = true
	c.Logger.Info(logModule, "patterns exported", map[string]any{"path": exportPath, "count": len(patterns)})
	return &ExportOutput{
		Path:       exportPath,
		Count:      len(patterns),
		ExportedAt: now.Unix(),
	}, nil
}

// defaultExportPath is <base>/imports/patterns-<owner|all>-<timestamp>.jsonl.
func (c *Core) defaultExportPath(owner *string, now time.Time) string {
	name := "all"
	if owner != nil && strings.TrimSpace(*owner) != "" {
		name = SanitizeForFilename(strings.ToLower(strings.TrimSpace(*owner)))
	}
	filename := fmt.Sprintf("patterns-%s-%s.jsonl", name, now.Format("2006-01-02T150405"))
	return filepath.Join(DefaultImportsDir(c.BaseDir), filename)
}
