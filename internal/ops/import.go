package ops

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/consult/internal/errors"
	"github.com/hpungsan/consult/internal/pattern"
)

// ImportMode controls collision behavior during import.
type ImportMode string

const (
	ImportModeError   ImportMode = "error"   // fail on collision (atomic)
	ImportModeReplace ImportMode = "replace" // overwrite authored fields on collision
	ImportModeRename  ImportMode = "rename"  // assign a new id on collision
)

// maxImportLine bounds one JSONL record.
const maxImportLine = 4 << 20

// ImportInput contains parameters for ImportPatterns.
type ImportInput struct {
	Path string     // required; .jsonl export or .md authored pattern
	Mode ImportMode // default: error
}

// ImportOutput contains the result of ImportPatterns.
type ImportOutput struct {
	Imported int           `json:"imported"`
	Skipped  int           `json:"skipped"`
	IDs      []string      `json:"ids"`
	Errors   []ImportError `json:"errors"`
}

// ImportError describes one record that was not imported.
type ImportError struct {
	Line    int    `json:"line,omitempty"`
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ImportPatterns reads patterns from a JSONL export or a markdown document
// and stores them.
func (c *Core) ImportPatterns(ctx context.Context, input ImportInput) (out *ImportOutput, err error) {
	defer c.observe("import_patterns", time.Now(), &err)

	if input.Mode == "" {
		input.Mode = ImportModeError
	}
	if input.Mode != ImportModeError && input.Mode != ImportModeReplace && input.Mode != ImportModeRename {
		return nil, errors.NewInvalidRequest("mode must be one of: error, replace, rename")
	}
	if err := ValidatePath(input.Path, PathCheckRead, c.BaseDir, c.Config); err != nil {
		return nil, err
	}

	file, err := openNoFollow(filepath.Clean(input.Path), os.O_RDONLY, 0)
	if err != nil {
		if _, ok := errors.As(err); ok {
			return nil, err
		}
		return nil, errors.NewInternal(fmt.Errorf("failed to open import file: %w", err))
	}
	defer file.Close()

	var records []*pattern.Pattern
	var parseErrors []ImportError
	if hasExtension(input.Path, []string{".md", ".markdown"}) {
		records, parseErrors = parseMarkdownFile(file)
	} else {
		records, parseErrors = parsePatternFile(file)
	}

	now := c.now().UTC()
	valid := records[:0]
	for _, p := range records {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if err := p.Validate(); err != nil {
			parseErrors = append(parseErrors, ImportError{ID: p.ID, Code: "INVALID_RECORD", Message: err.Error()})
			continue
		}
		valid = append(valid, p)
	}
	records = valid

	if input.Mode == ImportModeError && len(parseErrors) > 0 {
		return &ImportOutput{IDs: []string{}, Errors: parseErrors}, nil
	}

	switch input.Mode {
	case ImportModeError:
		out, err = c.importModeError(ctx, records)
	case ImportModeReplace:
		out, err = c.importModeReplace(ctx, records, parseErrors)
	default:
		out, err = c.importModeRename(ctx, records, parseErrors)
	}
	if err != nil {
		return nil, err
	}

	c.Logger.Info(logModule, "patterns imported", map[string]any{
		"path":     input.Path,
		"mode":     string(input.Mode),
		"imported": out.Imported,
		"skipped":  out.Skipped,
	})
	return out, nil
}

// parsePatternFile reads one pattern per line. The export header line is
// skipped and records without an id are rejected.
func parsePatternFile(r io.Reader) ([]*pattern.Pattern, []ImportError) {
	var records []*pattern.Pattern
	var parseErrors []ImportError

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxImportLine)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var header ExportHeader
		if err := json.Unmarshal(line, &header); err == nil && header.ConsultExport {
			continue
		}

		var p pattern.Pattern
		if err := json.Unmarshal(line, &p); err != nil {
			parseErrors = append(parseErrors, ImportError{
				Line:    lineNum,
				Code:    "PARSE_ERROR",
				Message: fmt.Sprintf("invalid JSON: %v", err),
			})
			continue
		}
		if strings.TrimSpace(p.ID) == "" {
			parseErrors = append(parseErrors, ImportError{
				Line:    lineNum,
				Code:    "INVALID_RECORD",
				Message: "missing id field",
			})
			continue
		}
		records = append(records, &p)
	}

	if err := scanner.Err(); err != nil {
		parseErrors = append(parseErrors, ImportError{
			Line:    lineNum,
			Code:    "READ_ERROR",
			Message: fmt.Sprintf("failed to read file: %v", err),
		})
	}
	return records, parseErrors
}

// parseMarkdownFile reads one authored pattern. A document without an id
// line gets a generated one.
func parseMarkdownFile(r io.Reader) ([]*pattern.Pattern, []ImportError) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, []ImportError{{Code: "READ_ERROR", Message: fmt.Sprintf("failed to read file: %v", err)}}
	}
	p, err := pattern.ParseMarkdown(raw)
	if err != nil {
		return nil, []ImportError{{Code: "PARSE_ERROR", Message: err.Error()}}
	}
	if strings.TrimSpace(p.ID) == "" {
		p.ID = generateNewULID()
	}
	p.UsageCount, p.SuccessCount, p.LastUsedAt = 0, 0, nil
	return []*pattern.Pattern{p}, nil
}

// importModeError imports every record in one transaction, or none when
// any id is taken.
func (c *Core) importModeError(ctx context.Context, records []*pattern.Pattern) (*ImportOutput, error) {
	for _, p := range records {
		if _, err := c.Store.GetPattern(ctx, p.ID); err == nil {
			return &ImportOutput{
				IDs: []string{},
				Errors: []ImportError{{
					ID:      p.ID,
					Code:    "ID_COLLISION",
					Message: fmt.Sprintf("pattern with id %q already exists", p.ID),
				}},
			}, nil
		} else if !errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
	}

	if err := c.Store.InsertPatterns(ctx, records); err != nil {
		if errors.Is(err, errors.ErrAlreadyExists) {
			return &ImportOutput{
				IDs:    []string{},
				Errors: []ImportError{{Code: "ID_COLLISION", Message: err.Error()}},
			}, nil
		}
		return nil, err
	}
	return &ImportOutput{Imported: len(records), IDs: patternIDs(records)}, nil
}

// importModeReplace upserts every record. Counters of existing patterns
// are kept.
func (c *Core) importModeReplace(ctx context.Context, records []*pattern.Pattern, parseErrors []ImportError) (*ImportOutput, error) {
	out := &ImportOutput{IDs: []string{}, Errors: parseErrors, Skipped: len(parseErrors)}
	for _, p := range records {
		if err := c.Store.UpsertPattern(ctx, p); err != nil {
			return nil, err
		}
		out.Imported++
		out.IDs = append(out.IDs, p.ID)
	}
	return out, nil
}

// importModeRename inserts every record, giving a fresh id to records
// whose id is taken.
func (c *Core) importModeRename(ctx context.Context, records []*pattern.Pattern, parseErrors []ImportError) (*ImportOutput, error) {
	out := &ImportOutput{IDs: []string{}, Errors: parseErrors, Skipped: len(parseErrors)}
	for _, p := range records {
		_, err := c.Store.GetPattern(ctx, p.ID)
		switch {
		case err == nil:
			p.ID = generateNewULID()
		case !errors.Is(err, errors.ErrNotFound):
			return nil, err
		}

		if err := c.Store.InsertPatterns(ctx, []*pattern.Pattern{p}); err != nil {
			out.Errors = append(out.Errors, ImportError{
				ID:      p.ID,
				Code:    "INSERT_FAILED",
				Message: fmt.Sprintf("failed to insert: %v", err),
			})
			out.Skipped++
			continue
		}
		out.Imported++
		out.IDs = append(out.IDs, p.ID)
	}
	return out, nil
}

func patternIDs(ps []*pattern.Pattern) []string {
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.ID
	}
	return ids
}

func generateNewULID() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
