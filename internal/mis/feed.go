package mis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FlexString accepts a JSON string, number or null and keeps its textual form.
// The MIS emits booking and patient identifiers in either representation.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("mis: flex string: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*f = FlexString(strconv.FormatInt(i, 10))
		return nil
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }

// Record is one row of the informer feed as the MIS sends it.
type Record struct {
	LastName       string     `json:"Last_Name"`
	FirstName      string     `json:"First_Name"`
	MiddleName     string     `json:"Middle_Name"`
	BirthDate      string     `json:"Birth_Date"`
	MobilePhone    string     `json:"Mobile_Phone"`
	MOName         string     `json:"MO_Name"`
	MOAddress      string     `json:"MO_Adress"`
	SpecialistName string     `json:"Specialist_Name"`
	VisitTime      string     `json:"VisitTime"`
	BookIDMis      FlexString `json:"Book_Id_Mis"`
	PatientID      FlexString `json:"PatientID"`
	Room           FlexString `json:"Room"`
}

// Feed is a decoded informer payload. Invalid counts elements of the result
// array that could not be decoded into a Record.
type Feed struct {
	Records []Record
	Invalid int
	Raw     []byte
}

// Received is the number of elements the MIS returned, decodable or not.
func (f *Feed) Received() int {
	if f == nil {
		return 0
	}
	return len(f.Records) + f.Invalid
}

type informerEnvelope struct {
	InformerResult json.RawMessage `json:"InformerResult"`
}

// DecodeFeed parses the informer JSON document. A missing or non-array
// InformerResult yields an empty feed; only a malformed document is an error.
func DecodeFeed(raw []byte) (*Feed, error) {
	var env informerEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("mis: decode feed: %w", err)
	}
	feed := &Feed{Raw: raw}
	body := bytes.TrimSpace(env.InformerResult)
	if len(body) == 0 || body[0] != '[' {
		return feed, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("mis: decode informer result: %w", err)
	}
	feed.Records = make([]Record, 0, len(items))
	for _, item := range items {
		var rec Record
		if err := json.Unmarshal(item, &rec); err != nil {
			feed.Invalid++
			continue
		}
		feed.Records = append(feed.Records, rec)
	}
	return feed, nil
}

// AppointmentDetails is the appointment payload persisted alongside each
// appointment row.
type AppointmentDetails struct {
	PatientName    string `json:"patient_name,omitempty"`
	BirthDate      string `json:"birth_date,omitempty"`
	Phone          string `json:"phone,omitempty"`
	MOName         string `json:"mo_name,omitempty"`
	MOAddress      string `json:"mo_address,omitempty"`
	SpecialistName string `json:"specialist_name,omitempty"`
	DoctorName     string `json:"doctor_name,omitempty"`
	DoctorPosition string `json:"doctor_position,omitempty"`
	VisitTime      string `json:"visit_time,omitempty"`
	BookIDMis      string `json:"book_id_mis,omitempty"`
	PatientID      string `json:"patient_id,omitempty"`
	Room           string `json:"room,omitempty"`

	// BookIDMisOriginal keeps the identifier a row carried before it was
	// re-linked to a new booking at the same slot.
	BookIDMisOriginal string `json:"book_id_mis_original,omitempty"`
}

// PatientRecord is a validated, normalized feed record scheduled for tomorrow.
type PatientRecord struct {
	FullName    string
	DisplayName string
	Phones      []string
	BirthDate   string
	VisitTime   time.Time
	MOName      string
	BookIDMis   string
	Details     AppointmentDetails
}
