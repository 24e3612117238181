package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const dateLayout = "2006-01-02"

// Date is a calendar date encoded as YYYY-MM-DD.
type Date struct {
	time.Time
}

// NewDate returns the date for year, month and day in UTC.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// MustDate parses s and panics on error. For fixtures.
func MustDate(s string) Date {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		panic(err)
	}
	return Date{t}
}

// DatePtr returns a pointer to MustDate(s).
func DatePtr(s string) *Date {
	d := MustDate(s)
	return &d
}

func (d Date) String() string { return d.Format(dateLayout) }

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	return d.parse(s)
}

func (d Date) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Date) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: date must be a scalar", value.Line)
	}
	return d.parse(value.Value)
}

func (d *Date) parse(s string) error {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	d.Time = t
	return nil
}

// ============================================================================
// Patient records
// ============================================================================

// Snapshot is a point-in-time export of patient records.
type Snapshot struct {
	Patients []Patient `json:"patients" yaml:"patients"`
}

type Patient struct {
	ID          int64  `json:"patient_id" yaml:"patient_id"`
	DateOfBirth *Date  `json:"date_of_birth,omitempty" yaml:"date_of_birth,omitempty"`
	Sex         string `json:"sex,omitempty" yaml:"sex,omitempty"`
	DateOfDeath *Date  `json:"date_of_death,omitempty" yaml:"date_of_death,omitempty"`

	Registrations  []Registration    `json:"registrations,omitempty" yaml:"registrations,omitempty"`
	Addresses      []Address         `json:"addresses,omitempty" yaml:"addresses,omitempty"`
	ClinicalEvents []ClinicalEvent   `json:"clinical_events,omitempty" yaml:"clinical_events,omitempty"`
	TestResults    []TestResult      `json:"test_results,omitempty" yaml:"test_results,omitempty"`
	Admissions     []Admission       `json:"admissions,omitempty" yaml:"admissions,omitempty"`
	Ethnicities    []EthnicityRecord `json:"ethnicities,omitempty" yaml:"ethnicities,omitempty"`
}

// Registration is a spell with one practice. A nil End is ongoing.
type Registration struct {
	PracticeID string `json:"practice_id,omitempty" yaml:"practice_id,omitempty"`
	Start      Date   `json:"start" yaml:"start"`
	End        *Date  `json:"end,omitempty" yaml:"end,omitempty"`
}

// Address is a residence spell carrying its deprivation rank.
type Address struct {
	Start Date  `json:"start" yaml:"start"`
	End   *Date `json:"end,omitempty" yaml:"end,omitempty"`
	IMD   *int  `json:"imd,omitempty" yaml:"imd,omitempty"`
}

type ClinicalEvent struct {
	Code string `json:"code" yaml:"code"`
	Date Date   `json:"date" yaml:"date"`
}

type TestResult struct {
	Pathogen string `json:"pathogen" yaml:"pathogen"`
	Result   string `json:"result" yaml:"result"`
	Date     Date   `json:"date" yaml:"date"`
}

type Admission struct {
	Admitted         Date   `json:"admitted" yaml:"admitted"`
	PrimaryDiagnosis string `json:"primary_diagnosis,omitempty" yaml:"primary_diagnosis,omitempty"`
}

type EthnicityRecord struct {
	Group6  string `json:"group_6,omitempty" yaml:"group_6,omitempty"`
	Group16 string `json:"group_16,omitempty" yaml:"group_16,omitempty"`
	Date    Date   `json:"date" yaml:"date"`
}

// LoadSnapshot reads a .json, .yaml or .yml snapshot file.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&snap)
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(&snap)
	default:
		return nil, fmt.Errorf("%s: unsupported snapshot type", path)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := snap.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &snap, nil
}

func (s *Snapshot) validate() error {
	seen := make(map[int64]bool, len(s.Patients))
	for _, p := range s.Patients {
		if seen[p.ID] {
			return fmt.Errorf("duplicate patient_id %d", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}
