package ops

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/consult/internal/errors"
	"github.com/hpungsan/consult/internal/pattern"
)

func TestExportPatterns_DefaultPath(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	putPattern(t, env, "p-1", strPtr("Dr/A"), "Bronchitis", "cough")
	putPattern(t, env, "p-2", nil, "Migraine")

	owner := "Dr/A"
	out, err := env.core.ExportPatterns(ctx, ExportInput{Owner: &owner})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Count)
	assert.Equal(t, env.clock.Now().Unix(), out.ExportedAt)
	assert.Equal(t,
		filepath.Join(DefaultImportsDir(env.base), "patterns-dr-a-2026-03-02T090000.jsonl"),
		out.Path)

	f, err := os.Open(out.Path)
	require.NoError(t, err)
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, append([]byte(nil), scanner.Bytes()...))
	}
	require.NoError(t, scanner.Err())
	require.Len(t, lines, 2)

	var header ExportHeader
	require.NoError(t, json.Unmarshal(lines[0], &header))
	assert.True(t, header.ConsultExport)
	assert.Equal(t, "1.0", header.SchemaVersion)

	var p pattern.Pattern
	require.NoError(t, json.Unmarshal(lines[1], &p))
	assert.Equal(t, "p-1", p.ID)
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestEnv(t, nil)
	ctx := context.Background()
	putPattern(t, src, "p-1", strPtr("dr-a"), "Bronchitis", "cough", "phlegm")
	putPattern(t, src, "p-2", strPtr(pattern.SharedOwner), "Common cold", "runny nose")
	_, err := src.core.RecordPatternUsage(ctx, RecordPatternUsageInput{ID: "p-1", Success: true})
	require.NoError(t, err)

	exported, err := src.core.ExportPatterns(ctx, ExportInput{})
	require.NoError(t, err)
	assert.Equal(t, 2, exported.Count)

	raw, err := os.ReadFile(exported.Path)
	require.NoError(t, err)

	dst := newTestEnv(t, nil)
	path := writeImport(t, dst, filepath.Base(exported.Path), string(raw))
	imported, err := dst.core.ImportPatterns(ctx, ImportInput{Path: path})
	require.NoError(t, err)
	assert.Equal(t, 2, imported.Imported)
	assert.Equal(t, []string{"p-1", "p-2"}, imported.IDs)

	p, err := dst.core.GetPattern(ctx, GetPatternInput{ID: "p-1"})
	require.NoError(t, err)
	assert.Equal(t, "Bronchitis", p.DiseaseLabel)
	assert.Len(t, p.Nodes, 2)
	assert.Equal(t, 1, p.UsageCount, "exports carry the track record")
	assert.Equal(t, 1, p.SuccessCount)
}

func TestExportPatterns_PathRules(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.core.ExportPatterns(ctx, ExportInput{Path: filepath.Join(DefaultImportsDir(env.base), "out.md")})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = env.core.ExportPatterns(ctx, ExportInput{Path: filepath.Join(t.TempDir(), "out.jsonl")})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	out, err := env.core.ExportPatterns(ctx, ExportInput{Path: filepath.Join(DefaultImportsDir(env.base), "empty.jsonl")})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Count)
}
