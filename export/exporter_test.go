//go:build cgo

package export

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proethica/proethica/extraction"
	"github.com/proethica/proethica/store"
)

func TestExporter(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), 0)
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	caseID, err := st.CreateCase(ctx, store.Case{Title: "Case", Source: "c.txt", ContentHash: "h"})
	require.NoError(t, err)
	sid, err := st.BeginSession(ctx, caseID, "contextual", extraction.TypeRoles, "test")
	require.NoError(t, err)
	role := extraction.Document{Label: "Engineer A", ID: extraction.EntityURI(caseID, extraction.TypeRoles, "Engineer A")}.Entity(caseID, extraction.TypeRoles)
	_, err = st.ReplaceEntities(ctx, store.Commit{SessionID: sid, CaseID: caseID, ExtractionType: extraction.TypeRoles, Entities: []store.Entity{role}})
	require.NoError(t, err)

	x := New(st)
	b, err := x.Load(ctx, caseID)
	require.NoError(t, err)
	assert.Equal(t, "Case", b.Case.Title)
	assert.Len(t, b.Entities, 1)

	var buf bytes.Buffer
	require.NoError(t, x.Export(ctx, caseID, FormatJSONLD, &buf))
	assert.Contains(t, buf.String(), "Engineer A")

	buf.Reset()
	require.NoError(t, x.Export(ctx, caseID, FormatXLSX, &buf))
	assert.NotZero(t, buf.Len())

	err = x.Export(ctx, caseID, "csv", &buf)
	assert.ErrorIs(t, err, ErrUnknownFormat)

	err = x.Export(ctx, 999, FormatJSONLD, &buf)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
