package reference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSelection(t *testing.T) {
	t.Run("complete candidate", func(t *testing.T) {
		c := Candidate{ID: "007", Fields: map[string]string{
			FieldName:           "Dr. Smith",
			FieldSpecialization: "Cardiology",
			FieldCode:           "D-007",
		}}

		sel, err := NewSelection(DoctorSlot, c)
		require.NoError(t, err)
		assert.Equal(t, CategoryDoctor, sel.Category)
		assert.Equal(t, "007", sel.EntityID)
		assert.Equal(t, []Field{
			{Name: "doctorName", Value: "Dr. Smith"},
			{Name: "specialization", Value: "Cardiology"},
		}, sel.Fields)

		v, ok := sel.Value("specialization")
		assert.True(t, ok)
		assert.Equal(t, "Cardiology", v)
	})

	t.Run("missing display field", func(t *testing.T) {
		c := Candidate{ID: "007", Fields: map[string]string{FieldName: "Dr. Smith"}}
		sel, err := NewSelection(DoctorSlot, c)
		assert.ErrorIs(t, err, ErrIncompleteSelection)
		assert.True(t, sel.IsZero())
	})

	t.Run("blank display field", func(t *testing.T) {
		c := Candidate{ID: "p1", Fields: map[string]string{FieldName: "Ann", FieldPhone: "  "}}
		_, err := NewSelection(PatientSlot, c)
		assert.ErrorIs(t, err, ErrIncompleteSelection)
	})

	t.Run("missing id", func(t *testing.T) {
		c := Candidate{Fields: map[string]string{FieldName: "Ann", FieldPhone: "0170000000"}}
		_, err := NewSelection(PatientSlot, c)
		assert.ErrorIs(t, err, ErrIncompleteSelection)
	})
}

func TestSlotFields(t *testing.T) {
	assert.Equal(t, []string{"admissionId", "admissionNo", "patientName", "patientPhone"}, AdmissionSlot.Fields())
	assert.Equal(t, "doctorSearch", DoctorSlot.SearchInput())
	assert.Equal(t, "admissions", CategoryAdmission.Resource())
}
