package domain

import (
	"database/sql/driver"
	"encoding/json"
	"strings"
	"time"
)

// PhoneType values reported by lookup sources.
const (
	PhoneTypeWireless = "wireless"
	PhoneTypeLandline = "landline"
	PhoneTypeVoIP     = "voip"
)

// Phone is a phone number with the carrier facts a source attached to it.
type Phone struct {
	Number  string `json:"number"`
	Carrier string `json:"carrier,omitempty"`
	Type    string `json:"type,omitempty"`
}

// PhoneList is stored as a JSON array in the database.
type PhoneList []Phone

// Value implements the driver.Valuer interface for database serialization.
func (p PhoneList) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (p *PhoneList) Scan(value interface{}) error {
	if value == nil {
		*p = PhoneList{}
		return nil
	}
	b, err := jsonColumn(value, "PhoneList")
	if err != nil {
		return err
	}
	return json.Unmarshal(b, p)
}

// Merge appends phones whose digits are not already present.
func (p PhoneList) Merge(more PhoneList) PhoneList {
	seen := make(map[string]int, len(p))
	out := make(PhoneList, 0, len(p)+len(more))
	for _, ph := range p {
		key := DigitsOnly(ph.Number)
		if key == "" {
			continue
		}
		seen[key] = len(out)
		out = append(out, ph)
	}
	for _, ph := range more {
		key := DigitsOnly(ph.Number)
		if key == "" {
			continue
		}
		if i, ok := seen[key]; ok {
			// detail pages usually know more about the same number
			if out[i].Carrier == "" {
				out[i].Carrier = ph.Carrier
			}
			if out[i].Type == "" {
				out[i].Type = ph.Type
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, ph)
	}
	return out
}

// DigitsOnly strips everything except ASCII digits.
func DigitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SearchResult is a raw match from a listing page.
type SearchResult struct {
	Name      string
	Age       int
	City      string
	State     string
	DetailURL string
	Phones    PhoneList
	Source    string
}

// DetailResult is a fully merged person record and the persisted output unit.
type DetailResult struct {
	ID            string    `gorm:"type:text;primaryKey" json:"id"`
	TaskID        string    `gorm:"type:text;not null;index:idx_results_task" json:"task_id"`
	Seq           int       `gorm:"not null" json:"seq"`
	Name          string    `gorm:"type:text" json:"name"`
	Age           int       `json:"age,omitempty"`
	Address       string    `gorm:"type:text" json:"address,omitempty"`
	City          string    `gorm:"type:text" json:"city,omitempty"`
	State         string    `gorm:"type:text" json:"state,omitempty"`
	Zip           string    `gorm:"type:text" json:"zip,omitempty"`
	Phones        PhoneList `gorm:"type:text" json:"phones"`
	Email         string    `gorm:"type:text" json:"email,omitempty"`
	MaritalStatus string    `gorm:"type:text" json:"marital_status,omitempty"`
	Deceased      bool      `json:"deceased"`
	Enriched      bool      `json:"enriched"`
	Source        string    `gorm:"type:text" json:"source"`
	DetailURL     string    `gorm:"type:text" json:"detail_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// TableName returns the database table name for DetailResult.
func (DetailResult) TableName() string {
	return "task_results"
}

// FromSearch seeds a detail record with the listing fields.
func FromSearch(sr SearchResult) DetailResult {
	return DetailResult{
		Name:      sr.Name,
		Age:       sr.Age,
		City:      sr.City,
		State:     sr.State,
		Phones:    append(PhoneList(nil), sr.Phones...),
		Source:    sr.Source,
		DetailURL: sr.DetailURL,
	}
}

// MergeDetail folds the facts of an enriched detail page into r.
// Non-empty detail values win; phones are unioned.
func (r *DetailResult) MergeDetail(d DetailResult) {
	if d.Name != "" {
		r.Name = d.Name
	}
	if d.Age > 0 {
		r.Age = d.Age
	}
	if d.Address != "" {
		r.Address = d.Address
	}
	if d.City != "" {
		r.City = d.City
	}
	if d.State != "" {
		r.State = d.State
	}
	if d.Zip != "" {
		r.Zip = d.Zip
	}
	if d.Email != "" {
		r.Email = d.Email
	}
	if d.MaritalStatus != "" {
		r.MaritalStatus = d.MaritalStatus
	}
	r.Deceased = r.Deceased || d.Deceased
	r.Phones = r.Phones.Merge(d.Phones)
	r.Enriched = true
}
