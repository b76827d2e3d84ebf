package forms

import (
	"github.com/medledger/hms-forms/internal/domain/draft"
	"github.com/medledger/hms-forms/internal/domain/reference"
	"github.com/medledger/hms-forms/internal/domain/validation"
)

const amountTypes = "oneof=INCOME EXPENSE"

// LedgerBindings returns the ledger categories in selection order
func LedgerBindings() []Binding {
	return []Binding{PatientLedger{}, DoctorLedger{}, CashLedger{}, BankLedger{}}
}

// PatientLedger records money exchanged with a patient
type PatientLedger struct{}

func (PatientLedger) binding()      {}
func (PatientLedger) Kind() Kind    { return KindPatientLedger }
func (PatientLedger) Label() string { return "Patient" }

func (PatientLedger) Destination() string { return "/ledgers/patient" }

func (PatientLedger) Schema() validation.Schema {
	return validation.Schema{
		Fields: map[string]string{
			"entryDate":   "required,datetime=" + validation.LayoutDate,
			"amount":      "required,amount",
			"paymentMode": "required," + paymentModes,
			"remarks":     "omitempty,max=500",
		},
		Rules: []validation.Rule{validation.RequireSelection(reference.PatientSlot)},
	}
}

func (PatientLedger) Handler() Handler {
	enc := encoding{text: []string{"entryDate", "paymentMode", "remarks"}, amounts: []string{"amount"}}
	return Handler{Resource: "ledgers/patient", Encode: enc.encode}
}

func (PatientLedger) NewDraft() *draft.Draft {
	return draft.New(draft.Spec{
		Defaults: map[string]string{
			"entryDate":   "",
			"amount":      "",
			"paymentMode": "CASH",
			"remarks":     "",
		},
		Slots: []reference.Slot{reference.PatientSlot},
	})
}

// DoctorLedger records fees and payments to a doctor
type DoctorLedger struct{}

func (DoctorLedger) binding()      {}
func (DoctorLedger) Kind() Kind    { return KindDoctorLedger }
func (DoctorLedger) Label() string { return "Doctor" }

func (DoctorLedger) Destination() string { return "/ledgers/doctor" }

func (DoctorLedger) Schema() validation.Schema {
	return validation.Schema{
		Fields: map[string]string{
			"entryDate":  "required,datetime=" + validation.LayoutDate,
			"amount":     "required,amount",
			"amountType": "required," + amountTypes,
			"remarks":    "omitempty,max=500",
		},
		Rules: []validation.Rule{validation.RequireSelection(reference.DoctorSlot)},
	}
}

func (DoctorLedger) Handler() Handler {
	enc := encoding{text: []string{"entryDate", "amountType", "remarks"}, amounts: []string{"amount"}}
	return Handler{Resource: "ledgers/doctor", Encode: enc.encode}
}

func (DoctorLedger) NewDraft() *draft.Draft {
	return draft.New(draft.Spec{
		Defaults: map[string]string{
			"entryDate":  "",
			"amount":     "",
			"amountType": "EXPENSE",
			"remarks":    "",
		},
		Slots: []reference.Slot{reference.DoctorSlot},
	})
}

// CashLedger records petty cash movements; it has no reference slots
type CashLedger struct{}

func (CashLedger) binding()      {}
func (CashLedger) Kind() Kind    { return KindCashLedger }
func (CashLedger) Label() string { return "Cash" }

func (CashLedger) Destination() string { return "/ledgers/cash" }

func (CashLedger) Schema() validation.Schema {
	return validation.Schema{
		Fields: map[string]string{
			"entryDate":  "required,datetime=" + validation.LayoutDate,
			"purpose":    "required,max=200",
			"amount":     "required,amount",
			"amountType": "required," + amountTypes,
			"remarks":    "omitempty,max=500",
		},
	}
}

func (CashLedger) Handler() Handler {
	enc := encoding{text: []string{"entryDate", "purpose", "amountType", "remarks"}, amounts: []string{"amount"}}
	return Handler{Resource: "ledgers/cash", Encode: enc.encode}
}

func (CashLedger) NewDraft() *draft.Draft {
	return draft.New(draft.Spec{
		Defaults: map[string]string{
			"entryDate":  "",
			"purpose":    "",
			"amount":     "",
			"amountType": "INCOME",
			"remarks":    "",
		},
	})
}

// BankLedger records deposits and withdrawals on a hospital bank account
type BankLedger struct{}

func (BankLedger) binding()      {}
func (BankLedger) Kind() Kind    { return KindBankLedger }
func (BankLedger) Label() string { return "Bank" }

func (BankLedger) Destination() string { return "/ledgers/bank" }

func (BankLedger) Schema() validation.Schema {
	return validation.Schema{
		Fields: map[string]string{
			"entryDate":       "required,datetime=" + validation.LayoutDate,
			"bankName":        "required,max=100",
			"accountNo":       "required,alphanum,max=34",
			"transactionType": "required,oneof=DEPOSIT WITHDRAWAL",
			"transactionMode": "required,oneof=TRANSFER CHEQUE CASH",
			"chequeNo":        "omitempty,max=20",
			"amount":          "required,amount",
			"remarks":         "omitempty,max=500",
		},
		Rules: []validation.Rule{
			validation.RequiredWhen("chequeNo", "transactionMode", "CHEQUE"),
		},
	}
}

func (BankLedger) Handler() Handler {
	enc := encoding{
		text:    []string{"entryDate", "bankName", "accountNo", "transactionType", "transactionMode", "chequeNo", "remarks"},
		amounts: []string{"amount"},
	}
	return Handler{Resource: "ledgers/bank", Encode: enc.encode}
}

func (BankLedger) NewDraft() *draft.Draft {
	return draft.New(draft.Spec{
		Defaults: map[string]string{
			"entryDate":       "",
			"bankName":        "",
			"accountNo":       "",
			"transactionType": "DEPOSIT",
			"transactionMode": "TRANSFER",
			"chequeNo":        "",
			"amount":          "",
			"remarks":         "",
		},
	})
}
