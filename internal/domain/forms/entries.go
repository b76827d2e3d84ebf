package forms

import (
	"github.com/medledger/hms-forms/internal/domain/draft"
	"github.com/medledger/hms-forms/internal/domain/reference"
	"github.com/medledger/hms-forms/internal/domain/validation"
)

const paymentModes = "oneof=CASH CARD BANK MOBILE"

// Admission admits a patient under a doctor
type Admission struct{}

func (Admission) binding()      {}
func (Admission) Kind() Kind    { return KindAdmission }
func (Admission) Label() string { return "Admission" }

func (Admission) Destination() string { return "/admissions" }

func (Admission) Schema() validation.Schema {
	return validation.Schema{
		Fields: map[string]string{
			"admissionDate": "required,datetime=" + validation.LayoutDateTime,
			"dischargeDate": "omitempty,datetime=" + validation.LayoutDateTime,
			"wardNo":        "omitempty,max=10",
			"bedNo":         "omitempty,max=10",
			"reason":        "omitempty,max=500",
		},
		Rules: []validation.Rule{
			validation.RequireSelection(reference.PatientSlot),
			validation.RequireSelection(reference.DoctorSlot),
			validation.After("admissionDate", "dischargeDate", validation.LayoutDateTime, true),
		},
	}
}

func (Admission) Handler() Handler {
	enc := encoding{text: []string{"admissionDate", "dischargeDate", "wardNo", "bedNo", "reason"}}
	return Handler{Resource: "admissions", Encode: enc.encode}
}

func (Admission) NewDraft() *draft.Draft {
	return draft.New(draft.Spec{
		Defaults: map[string]string{
			"admissionDate": "",
			"dischargeDate": "",
			"wardNo":        "",
			"bedNo":         "",
			"reason":        "",
		},
		Slots: []reference.Slot{reference.PatientSlot, reference.DoctorSlot},
	})
}

// Bill charges line items against an admission
type Bill struct{}

func (Bill) binding()      {}
func (Bill) Kind() Kind    { return KindBill }
func (Bill) Label() string { return "Bill" }

func (Bill) Destination() string { return "/bills" }

func (Bill) Schema() validation.Schema {
	return validation.Schema{
		Fields: map[string]string{
			"billDate": "required,datetime=" + validation.LayoutDate,
			"remarks":  "omitempty,max=500",
		},
		Rules: []validation.Rule{
			validation.RequireSelection(reference.AdmissionSlot),
			validation.RequireItems(),
		},
	}
}

func (Bill) Handler() Handler {
	enc := encoding{text: []string{"billDate", "remarks"}, items: true}
	return Handler{Resource: "bills", Encode: enc.encode}
}

func (Bill) NewDraft() *draft.Draft {
	return draft.New(draft.Spec{
		Defaults:  map[string]string{"billDate": "", "remarks": ""},
		Slots:     []reference.Slot{reference.AdmissionSlot},
		LineItems: true,
	})
}

// MoneyReceipt records a payment received against an admission
type MoneyReceipt struct{}

func (MoneyReceipt) binding()      {}
func (MoneyReceipt) Kind() Kind    { return KindMoneyReceipt }
func (MoneyReceipt) Label() string { return "Money Receipt" }

func (MoneyReceipt) Destination() string { return "/money-receipts" }

func (MoneyReceipt) Schema() validation.Schema {
	return validation.Schema{
		Fields: map[string]string{
			"receiptDate":    "required,datetime=" + validation.LayoutDate,
			"amount":         "required,amount",
			"paymentMode":    "required," + paymentModes,
			"transactionRef": "omitempty,max=50",
			"remarks":        "omitempty,max=500",
		},
		Rules: []validation.Rule{
			validation.RequireSelection(reference.AdmissionSlot),
			validation.RequiredWhen("transactionRef", "paymentMode", "CARD"),
			validation.RequiredWhen("transactionRef", "paymentMode", "BANK"),
		},
	}
}

func (MoneyReceipt) Handler() Handler {
	enc := encoding{
		text:    []string{"receiptDate", "paymentMode", "transactionRef", "remarks"},
		amounts: []string{"amount"},
	}
	return Handler{Resource: "money-receipts", Encode: enc.encode}
}

func (MoneyReceipt) NewDraft() *draft.Draft {
	return draft.New(draft.Spec{
		Defaults: map[string]string{
			"receiptDate":    "",
			"amount":         "",
			"paymentMode":    "CASH",
			"transactionRef": "",
			"remarks":        "",
		},
		Slots: []reference.Slot{reference.AdmissionSlot},
	})
}
