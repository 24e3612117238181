package extract

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/cohort/internal/domain/cohort"
)

// Resolver turns a specification and a snapshot into one row per patient
// satisfying the population predicate. Implementations must be
// deterministic for a given input.
type Resolver interface {
	Resolve(ctx context.Context, spec *cohort.Spec, snap *Snapshot) (*Dataset, error)
}

// Row holds one patient's values, aligned with Dataset.Columns.
type Row struct {
	PatientID int64
	Values    []cohort.Value
}

// Dataset is the output of an extraction run.
type Dataset struct {
	RunID   uuid.UUID
	Columns []cohort.Variable
	Rows    []Row
}

// Header returns the column names in output order, patient_id first.
func (d *Dataset) Header() []string {
	names := make([]string, 0, len(d.Columns)+1)
	names = append(names, "patient_id")
	for _, c := range d.Columns {
		names = append(names, c.Name)
	}
	return names
}

// Value returns the value of column for the given patient.
func (d *Dataset) Value(patientID int64, column string) (cohort.Value, bool) {
	col := -1
	for i, c := range d.Columns {
		if c.Name == column {
			col = i
			break
		}
	}
	if col < 0 {
		return cohort.Null(), false
	}
	for _, r := range d.Rows {
		if r.PatientID == patientID {
			return r.Values[col], true
		}
	}
	return cohort.Null(), false
}
