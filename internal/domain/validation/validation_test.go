package validation

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medledger/hms-forms/internal/domain/draft"
	"github.com/medledger/hms-forms/internal/domain/lineitem"
	"github.com/medledger/hms-forms/internal/domain/reference"
)

func admissionSchema() Schema {
	return Schema{
		Fields: map[string]string{
			"admissionDate": "required,datetime=" + LayoutDateTime,
			"dischargeDate": "omitempty,datetime=" + LayoutDateTime,
			"wardNo":        "omitempty,max=10",
		},
		Rules: []Rule{
			RequireSelection(reference.PatientSlot),
			RequireSelection(reference.DoctorSlot),
			After("admissionDate", "dischargeDate", LayoutDateTime, true),
		},
	}
}

func admissionDraft(t *testing.T) *draft.Draft {
	t.Helper()
	d := draft.New(draft.Spec{
		Defaults: map[string]string{"admissionDate": "", "dischargeDate": "", "wardNo": ""},
		Slots:    []reference.Slot{reference.PatientSlot, reference.DoctorSlot},
	})

	patient, err := reference.NewSelection(reference.PatientSlot, reference.Candidate{
		ID: "p-1", Fields: map[string]string{reference.FieldName: "Ann", reference.FieldPhone: "01700000000"},
	})
	require.NoError(t, err)
	_, err = d.Bind("patient", patient)
	require.NoError(t, err)

	doctor, err := reference.NewSelection(reference.DoctorSlot, reference.Candidate{
		ID: "007", Fields: map[string]string{reference.FieldName: "Dr. Smith", reference.FieldSpecialization: "Cardiology"},
	})
	require.NoError(t, err)
	_, err = d.Bind("doctor", doctor)
	require.NoError(t, err)
	return d
}

func TestDischargeBeforeAdmissionRejected(t *testing.T) {
	v := New()
	d := admissionDraft(t)
	require.NoError(t, d.Set("admissionDate", "2024-01-10T09:00"))
	require.NoError(t, d.Set("dischargeDate", "2024-01-09T09:00"))

	err := v.Validate(admissionSchema(), d)
	var verrs *Errors
	require.ErrorAs(t, err, &verrs)

	fe, ok := verrs.Field("dischargeDate")
	require.True(t, ok)
	assert.Equal(t, "after", fe.Rule)
	assert.Equal(t, KindSemantic, fe.Kind)
}

func TestEqualDatesRejected(t *testing.T) {
	v := New()
	d := admissionDraft(t)
	require.NoError(t, d.Set("admissionDate", "2024-01-10T09:00"))
	require.NoError(t, d.Set("dischargeDate", "2024-01-10T09:00"))

	assert.Error(t, v.Validate(admissionSchema(), d))
}

func TestOptionalDischarge(t *testing.T) {
	v := New()
	d := admissionDraft(t)
	require.NoError(t, d.Set("admissionDate", "2024-01-10T09:00"))
	assert.NoError(t, v.Validate(admissionSchema(), d))

	require.NoError(t, d.Set("dischargeDate", "2024-01-12T10:30"))
	assert.NoError(t, v.Validate(admissionSchema(), d))
}

func TestStructuralShortCircuitsSemantic(t *testing.T) {
	v := New()
	d := draft.New(draft.Spec{
		Defaults: map[string]string{"admissionDate": "", "dischargeDate": "", "wardNo": ""},
		Slots:    []reference.Slot{reference.PatientSlot, reference.DoctorSlot},
	})
	require.NoError(t, d.Set("wardNo", "this ward number is far too long"))

	err := v.Validate(admissionSchema(), d)
	var verrs *Errors
	require.ErrorAs(t, err, &verrs)

	for _, f := range verrs.Failures {
		assert.Equal(t, KindStructural, f.Kind, "semantic pass must not run: %+v", f)
	}
	assert.Equal(t, []string{"admissionDate", "wardNo"}, fieldsOf(verrs))

	fe, _ := verrs.Field("admissionDate")
	assert.Equal(t, "required", fe.Rule)
	assert.Equal(t, "is required", fe.Message)
}

func TestMissingSelectionFocusesSearch(t *testing.T) {
	v := New()
	d := draft.New(draft.Spec{
		Defaults: map[string]string{"admissionDate": "2024-01-10T09:00", "dischargeDate": "", "wardNo": ""},
		Slots:    []reference.Slot{reference.PatientSlot, reference.DoctorSlot},
	})

	err := v.Validate(admissionSchema(), d)
	var verrs *Errors
	require.ErrorAs(t, err, &verrs)

	fe, ok := verrs.Field("doctorId")
	require.True(t, ok)
	assert.Equal(t, KindReference, fe.Kind)
	assert.Equal(t, "doctorSearch", fe.Focus)
	_, ok = verrs.Field("patientId")
	assert.True(t, ok)
}

func TestCustomTags(t *testing.T) {
	v := New()
	schema := Schema{Fields: map[string]string{
		"amount":      "required,amount",
		"paymentMode": "required,oneof=CASH CARD",
		"phone":       "omitempty,phone",
	}}
	d := draft.New(draft.Spec{Defaults: map[string]string{"amount": "-5", "paymentMode": "CHEQUE", "phone": "12ab"}})

	failures := v.Structural(schema, d)
	require.Len(t, failures, 3)
	assert.Equal(t, "amount", failures[0].Rule)
	assert.Equal(t, "oneof", failures[1].Rule)
	assert.Equal(t, "must be one of CASH, CARD", failures[1].Message)
	assert.Equal(t, "phone", failures[2].Rule)

	require.NoError(t, d.Set("amount", "120.50"))
	require.NoError(t, d.Set("paymentMode", "CARD"))
	require.NoError(t, d.Set("phone", "+8801700000000"))
	assert.Empty(t, v.Structural(schema, d))
}

func TestRequireItems(t *testing.T) {
	v := New()
	schema := Schema{Rules: []Rule{RequireItems()}}
	d := draft.New(draft.Spec{LineItems: true})

	err := v.Validate(schema, d)
	var verrs *Errors
	require.ErrorAs(t, err, &verrs)
	_, ok := verrs.Field(ItemsField)
	assert.True(t, ok)

	_, err = d.Items().Add(lineitem.Candidate{Category: "Lab", Description: "CBC", Quantity: "1", UnitPrice: "400"})
	require.NoError(t, err)
	assert.NoError(t, v.Validate(schema, d))
}

func TestRequiredWhen(t *testing.T) {
	v := New()
	schema := Schema{Rules: []Rule{RequiredWhen("chequeNo", "transactionMode", "CHEQUE")}}
	d := draft.New(draft.Spec{Defaults: map[string]string{"chequeNo": "", "transactionMode": "CHEQUE"}})

	assert.Error(t, v.Validate(schema, d))
	require.NoError(t, d.Set("transactionMode", "TRANSFER"))
	assert.NoError(t, v.Validate(schema, d))
}

func TestRevalidateOnlyDependentRules(t *testing.T) {
	v := New()
	schema := admissionSchema()
	d := draft.New(draft.Spec{
		Defaults: map[string]string{"admissionDate": "", "dischargeDate": "", "wardNo": ""},
		Slots:    []reference.Slot{reference.PatientSlot, reference.DoctorSlot},
	})

	failures := v.Revalidate(schema, d, []string{"doctorId"})
	require.Len(t, failures, 1)
	assert.Equal(t, "doctorId", failures[0].Field)

	assert.Equal(t, []string{"doctorId", "doctorName", "specialization"}, schema.Dependents([]string{"doctorName"}))
}

func fieldsOf(e *Errors) []string {
	var out []string
	for _, f := range e.Failures {
		out = append(out, f.Field)
	}
	return out
}

func TestRegisterRejectsBadTag(t *testing.T) {
	err := register(validator.New(), map[string]validator.Func{"": validateAmount})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "register validation")

	assert.NotPanics(t, func() { New() })
}

