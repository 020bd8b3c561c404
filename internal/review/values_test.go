package review

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/transcriber/constants"
	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/entity"
)

func ptr(s string) *string { return &s }

func TestNormalizeValuesTypes(t *testing.T) {
	task := &entity.Task{Slug: "t", Fields: []entity.TaskField{
		{Slug: "n", DataType: constants.FieldInteger},
		{Slug: "d", DataType: constants.FieldDate},
		{Slug: "x", DataType: constants.FieldDecimal},
		{Slug: "b", DataType: constants.FieldBoolean},
	}}
	tests := []struct {
		name    string
		in      map[string]entity.FieldValue
		wantErr bool
	}{
		{"all valid", map[string]entity.FieldValue{
			"n": {Value: ptr("1,204")}, "d": {Value: ptr("1892-11-08")}, "x": {Value: ptr("3.5")}, "b": {Value: ptr("true")},
		}, false},
		{"bad integer", map[string]entity.FieldValue{"n": {Value: ptr("twelve")}}, true},
		{"bad date", map[string]entity.FieldValue{"d": {Value: ptr("08/11/1892")}}, true},
		{"illegible skips type check", map[string]entity.FieldValue{"n": {Value: ptr("1?"), NotLegible: true}}, false},
		{"whitespace is empty", map[string]entity.FieldValue{"n": {Value: ptr("   ")}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := normalizeValues(task, tt.in, false)
			if tt.wantErr {
				assert.ErrorIs(t, err, common.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Len(t, out, 4)
		})
	}
}

func TestNormalizeValuesBlankRules(t *testing.T) {
	task := &entity.Task{Slug: "t", Fields: []entity.TaskField{{Slug: "a"}, {Slug: "b"}, {Slug: "c"}}}
	out, err := normalizeValues(task, map[string]entity.FieldValue{
		"a": {Value: ptr(" Smith ")},
		"b": {NotLegible: true},
	}, false)
	require.NoError(t, err)

	assert.Equal(t, "Smith", out["a"].Text())
	assert.False(t, out["a"].Blank)
	assert.False(t, out["b"].Blank)
	assert.True(t, out["b"].NotLegible)
	assert.True(t, out["c"].Blank)
	assert.Nil(t, out["c"].Value)
}
