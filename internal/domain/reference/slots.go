package reference

// Standard slots shared by the entry forms.
var (
	PatientSlot = Slot{
		Name:     "patient",
		Category: CategoryPatient,
		IDField:  "patientId",
		Bindings: []Binding{
			{Source: FieldName, Target: "patientName"},
			{Source: FieldPhone, Target: "patientPhone"},
		},
		Required: true,
	}

	DoctorSlot = Slot{
		Name:     "doctor",
		Category: CategoryDoctor,
		IDField:  "doctorId",
		Bindings: []Binding{
			{Source: FieldName, Target: "doctorName"},
			{Source: FieldSpecialization, Target: "specialization"},
		},
		Required: true,
	}

	AdmissionSlot = Slot{
		Name:     "admission",
		Category: CategoryAdmission,
		IDField:  "admissionId",
		Bindings: []Binding{
			{Source: FieldCode, Target: "admissionNo"},
			{Source: FieldName, Target: "patientName"},
			{Source: FieldPhone, Target: "patientPhone"},
		},
		Required: true,
	}
)
