package draft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medledger/hms-forms/internal/domain/reference"
)

func admissionDraft() *Draft {
	return New(Spec{
		Defaults: map[string]string{
			"admissionDate": "",
			"dischargeDate": "",
			"wardNo":        "",
		},
		Slots: []reference.Slot{reference.PatientSlot, reference.DoctorSlot},
	})
}

func doctorSelection(t *testing.T) reference.Selection {
	t.Helper()
	sel, err := reference.NewSelection(reference.DoctorSlot, reference.Candidate{
		ID: "007",
		Fields: map[string]string{
			reference.FieldName:           "Dr. Smith",
			reference.FieldSpecialization: "Cardiology",
		},
	})
	require.NoError(t, err)
	return sel
}

func TestNewDeclaresSlotFields(t *testing.T) {
	d := admissionDraft()
	for _, f := range []string{"patientId", "patientName", "patientPhone", "doctorId", "doctorName", "specialization"} {
		assert.True(t, d.Has(f), f)
		assert.Equal(t, "", d.Get(f))
	}
	assert.NotEmpty(t, d.ID())
	assert.Nil(t, d.Items())
}

func TestBindLocksFields(t *testing.T) {
	d := admissionDraft()
	require.NoError(t, d.Set("wardNo", "W-3"))

	changed, err := d.Bind("doctor", doctorSelection(t))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"doctorId", "doctorName", "specialization"}, changed)

	assert.Equal(t, "007", d.Get("doctorId"))
	assert.Equal(t, "Dr. Smith", d.Get("doctorName"))
	assert.True(t, d.IsLocked("doctorName"))

	err = d.Set("doctorId", "999")
	assert.ErrorIs(t, err, ErrFieldLocked)
	assert.Equal(t, "007", d.Get("doctorId"), "locked write is a no-op")

	err = d.Set("doctorName", "Someone Else")
	assert.ErrorIs(t, err, ErrFieldLocked)
	assert.Equal(t, "Dr. Smith", d.Get("doctorName"))
}

func TestClearLeavesUnrelatedFields(t *testing.T) {
	d := admissionDraft()
	require.NoError(t, d.Set("wardNo", "W-3"))
	_, err := d.Bind("doctor", doctorSelection(t))
	require.NoError(t, err)

	patient, err := reference.NewSelection(reference.PatientSlot, reference.Candidate{
		ID:     "p-1",
		Fields: map[string]string{reference.FieldName: "Ann", reference.FieldPhone: "0170"},
	})
	require.NoError(t, err)
	_, err = d.Bind("patient", patient)
	require.NoError(t, err)

	_, err = d.Clear("doctor")
	require.NoError(t, err)

	for _, f := range []string{"doctorId", "doctorName", "specialization"} {
		assert.Equal(t, "", d.Get(f), f)
		assert.False(t, d.IsLocked(f), f)
	}
	assert.Equal(t, "W-3", d.Get("wardNo"))
	assert.Equal(t, "Ann", d.Get("patientName"))
	assert.True(t, d.IsLocked("patientName"))

	_, ok := d.Selection("doctor")
	assert.False(t, ok)

	assert.ErrorIs(t, d.Set("doctorName", "typed"), ErrSlotField)
}

func TestUnboundSlotFieldsRefuseTyping(t *testing.T) {
	d := admissionDraft()
	for _, f := range []string{"patientId", "patientName", "doctorId"} {
		assert.ErrorIs(t, d.Set(f, "typed"), ErrSlotField, f)
		assert.Equal(t, "", d.Get(f), f)
	}
	require.NoError(t, d.Set("wardNo", "W-1"))
}

func TestBindRejectsMismatchedCategory(t *testing.T) {
	d := admissionDraft()
	_, err := d.Bind("patient", doctorSelection(t))
	assert.ErrorIs(t, err, reference.ErrCategoryMismatch)
	assert.False(t, d.IsLocked("patientId"))
}

func TestBindRejectsPartialSelection(t *testing.T) {
	d := admissionDraft()
	partial := reference.Selection{
		Category: reference.CategoryDoctor,
		EntityID: "007",
		Fields:   []reference.Field{{Name: "doctorName", Value: "Dr. Smith"}},
	}
	_, err := d.Bind("doctor", partial)
	assert.ErrorIs(t, err, reference.ErrIncompleteSelection)
	assert.Equal(t, "", d.Get("doctorId"))
}

func TestBindDoesNotStealForeignLock(t *testing.T) {
	d := New(Spec{Slots: []reference.Slot{reference.PatientSlot, reference.AdmissionSlot}})
	patient, err := reference.NewSelection(reference.PatientSlot, reference.Candidate{
		ID:     "p-1",
		Fields: map[string]string{reference.FieldName: "Ann", reference.FieldPhone: "0170"},
	})
	require.NoError(t, err)
	_, err = d.Bind("patient", patient)
	require.NoError(t, err)

	adm, err := reference.NewSelection(reference.AdmissionSlot, reference.Candidate{
		ID:     "a-1",
		Fields: map[string]string{reference.FieldCode: "ADM-1", reference.FieldName: "Bob", reference.FieldPhone: "0180"},
	})
	require.NoError(t, err)
	_, err = d.Bind("admission", adm)
	assert.ErrorIs(t, err, ErrFieldLocked)
	assert.Equal(t, "Ann", d.Get("patientName"))
}

func TestSetUnknownField(t *testing.T) {
	d := admissionDraft()
	assert.ErrorIs(t, d.Set("purpose", "x"), ErrUnknownField)
}

func TestLoadSkipsSlotFields(t *testing.T) {
	d := admissionDraft()
	d.Load(map[string]string{"wardNo": "W-9", "doctorName": "typed", "bogus": "x"})
	assert.Equal(t, "W-9", d.Get("wardNo"))
	assert.Equal(t, "", d.Get("doctorName"))
	assert.False(t, d.Has("bogus"))
}

func TestLineItems(t *testing.T) {
	d := New(Spec{LineItems: true})
	items, err := d.LineItems()
	require.NoError(t, err)
	assert.Equal(t, 0, items.Len())

	_, err = admissionDraft().LineItems()
	assert.ErrorIs(t, err, ErrNoLineItems)
}
