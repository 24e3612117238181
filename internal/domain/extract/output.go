package extract

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// WriteCSV writes the dataset with a patient_id column followed by every
// output variable. Booleans are 1/0, nulls are empty and dates follow each
// column's date format.
func WriteCSV(w io.Writer, ds *Dataset) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ds.Header()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	record := make([]string, len(ds.Columns)+1)
	for _, row := range ds.Rows {
		record[0] = strconv.FormatInt(row.PatientID, 10)
		for i, col := range ds.Columns {
			record[i+1] = row.Values[i].Format(col.DateFormat)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write patient %d: %w", row.PatientID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
