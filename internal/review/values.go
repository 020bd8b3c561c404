package review

import (
	"strconv"
	"strings"
	"time"

	"github.com/joseph-ayodele/transcriber/constants"
	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/entity"
)

const maxValueLength = 4096

// normalizeValues checks a reviewer's answers against the task fields and
// returns one FieldValue per field. Unknown fields are rejected, missing
// fields are stored blank, and irrelevant documents store every field as
// NULL + blank.
func normalizeValues(task *entity.Task, in map[string]entity.FieldValue, irrelevant bool) (map[string]entity.FieldValue, error) {
	out := make(map[string]entity.FieldValue, len(task.Fields))
	if irrelevant {
		for _, f := range task.Fields {
			out[f.Slug] = entity.FieldValue{Blank: true}
		}
		return out, nil
	}

	v := common.NewValidator()
	known := make(map[string]entity.TaskField, len(task.Fields))
	for _, f := range task.Fields {
		known[f.Slug] = f
	}
	for slug := range in {
		if _, ok := known[slug]; !ok {
			v.Add(slug, nil, "is not a field of task "+task.Slug)
		}
	}

	for _, f := range task.Fields {
		fv, ok := in[f.Slug]
		if !ok {
			out[f.Slug] = entity.FieldValue{Blank: true}
			continue
		}
		if fv.Value != nil {
			s := strings.TrimSpace(*fv.Value)
			if s == "" {
				fv.Value = nil
			} else {
				fv.Value = &s
				v.Field(f.Slug, s, common.MaxLength(maxValueLength))
				if !fv.NotLegible {
					v.Field(f.Slug, s, typeRule(f.DataType))
				}
			}
		}
		if fv.Value == nil && !fv.NotLegible {
			fv.Blank = true
		}
		out[f.Slug] = fv
	}
	if err := v.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// typeRule checks that a non-empty value parses as the field's data type.
func typeRule(t constants.FieldType) common.ValidationRule {
	return func(fieldName string, value interface{}) *common.ValidationError {
		s, _ := value.(string)
		var err error
		switch t {
		case constants.FieldInteger:
			_, err = strconv.ParseInt(strings.ReplaceAll(s, ",", ""), 10, 64)
		case constants.FieldDecimal:
			_, err = strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
		case constants.FieldBoolean:
			_, err = strconv.ParseBool(s)
		case constants.FieldDate:
			_, err = time.Parse("2006-01-02", s)
		}
		if err != nil {
			return &common.ValidationError{Field: fieldName, Value: value, Message: "must be a valid " + string(t)}
		}
		return nil
	}
}
