package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roster/api/internal/model"
)

func sampleSet() model.Set {
	return model.Set{
		Schema: []model.Column{
			{Name: "Name", Type: model.TypeText, IsDefault: true},
			{Name: "Email", Type: model.TypeText, IsDefault: true},
		},
		Rows: []model.Row{
			{ID: "row_1", Data: map[string]string{"Name": "Ada", "Email": "ada@example.com"}},
			{ID: "row_2", Data: map[string]string{"Name": "Grace", "Email": "grace@example.com"}},
		},
	}
}

func TestComputeDiffEmptyForEqualSets(t *testing.T) {
	baseline := sampleSet()
	working := baseline.Clone()

	diff := ComputeDiff(baseline, working)
	assert.Empty(t, diff.Added)
	assert.Empty(t, diff.Updated)
	assert.Empty(t, diff.Deleted)
	assert.False(t, diff.SchemaChanged)
	assert.False(t, diff.Dirty())
}

func TestComputeDiffDetectsAddedUpdatedDeleted(t *testing.T) {
	baseline := sampleSet()
	working := baseline.Clone()
	working.Rows[0].Data["Email"] = "ada@lovelace.dev"
	working.Rows = working.Rows[:1]
	working.Rows = append(working.Rows, model.Row{TempID: "tmp-1", IsNew: true, Data: map[string]string{"Name": "", "Email": ""}})

	diff := ComputeDiff(baseline, working)
	require.Len(t, diff.Added, 1)
	assert.Equal(t, "tmp-1", diff.Added[0].TempID)
	require.Len(t, diff.Updated, 1)
	assert.Equal(t, "row_1", diff.Updated[0].ID)
	assert.Equal(t, "ada@lovelace.dev", diff.Updated[0].Data["Email"])
	require.Len(t, diff.Deleted, 1)
	assert.Equal(t, "row_2", diff.Deleted[0].ID)
	assert.True(t, diff.Dirty())
}

func TestComputeDiffMatchesByIDNotPosition(t *testing.T) {
	baseline := sampleSet()
	working := baseline.Clone()
	working.Rows[0], working.Rows[1] = working.Rows[1], working.Rows[0]

	diff := ComputeDiff(baseline, working)
	assert.False(t, diff.Dirty())
}

func TestComputeDiffNewRowsOnlyAppearInAdded(t *testing.T) {
	baseline := sampleSet()
	baseline.Rows = append(baseline.Rows, model.Row{TempID: "tmp-old", IsNew: true, Data: map[string]string{}})
	working := sampleSet()
	working.Rows = append(working.Rows, model.Row{TempID: "tmp-2", IsNew: true, Data: map[string]string{"Name": "x"}})

	diff := ComputeDiff(baseline, working)
	assert.Len(t, diff.Added, 1)
	assert.Empty(t, diff.Updated)
	assert.Empty(t, diff.Deleted)
}

func TestSchemaEqualIgnoresOrderAndDefaultFlag(t *testing.T) {
	a := []model.Column{{Name: "Name", Type: "text", IsDefault: true}, {Name: "Email", Type: "text"}}
	b := []model.Column{{Name: "Email", Type: "text", IsDefault: true}, {Name: "Name", Type: "text"}}
	assert.True(t, SchemaEqual(a, b))

	c := []model.Column{{Name: "Email", Type: "number"}, {Name: "Name", Type: "text"}}
	assert.False(t, SchemaEqual(a, c))
	assert.False(t, SchemaEqual(a, a[:1]))
}

func TestComputeDiffSchemaChangeAloneIsDirty(t *testing.T) {
	baseline := sampleSet()
	working := baseline.Clone()
	working.Schema = append(working.Schema, model.Column{Name: "Referral Source", Type: model.TypeText})

	diff := ComputeDiff(baseline, working)
	assert.True(t, diff.SchemaChanged)
	assert.True(t, diff.Dirty())
}

func TestComputeDiffDoesNotAliasInputs(t *testing.T) {
	baseline := sampleSet()
	working := baseline.Clone()
	working.Rows[0].Data["Name"] = "Changed"

	diff := ComputeDiff(baseline, working)
	require.Len(t, diff.Updated, 1)
	diff.Updated[0].Data["Name"] = "Mutated"
	assert.Equal(t, "Changed", working.Rows[0].Data["Name"])
}

func TestChangeSetForAttachesSchemaOnlyWhenChanged(t *testing.T) {
	baseline := sampleSet()
	working := baseline.Clone()
	working.Rows[0].Data["Name"] = "Changed"

	change := ChangeSetFor(ComputeDiff(baseline, working), working)
	assert.Nil(t, change.Schema)

	working.Schema = append(working.Schema, model.Column{Name: "Phone", Type: model.TypeText})
	change = ChangeSetFor(ComputeDiff(baseline, working), working)
	assert.Len(t, change.Schema, 3)
}
