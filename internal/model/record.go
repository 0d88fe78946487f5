package model

// RecordSource identifies which backend produced a record.
type RecordSource string

const (
	SourceBulkData   RecordSource = "bulkdata"
	SourceLiveSearch RecordSource = "livesearch"
)

// PhoneType is the line type of a phone number.
type PhoneType string

const (
	PhoneTypeMobile   PhoneType = "mobile"
	PhoneTypeLandline PhoneType = "landline"
	PhoneTypeVoip     PhoneType = "voip"
	PhoneTypeUnknown  PhoneType = "unknown"
)

// Phone is one phone number with its line type.
type Phone struct {
	Number string    `json:"number"`
	Type   PhoneType `json:"type"`
}

// PersonRecord is the canonical normalized shape for a fetched person,
// regardless of which backend produced it.
type PersonRecord struct {
	ExternalID string       `json:"external_id"`
	Name       string       `json:"name"`
	Title      string       `json:"title,omitempty"`
	Company    string       `json:"company,omitempty"`
	City       string       `json:"city,omitempty"`
	State      string       `json:"state,omitempty"`
	Phones     []Phone      `json:"phones,omitempty"`
	Email      string       `json:"email,omitempty"`
	ProfileURL string       `json:"profile_url,omitempty"`
	Age        int          `json:"age,omitempty"`
	Source     RecordSource `json:"source"`
}

// BestPhone selects the verification candidate: the first mobile number,
// else the first number of any type.
func (r PersonRecord) BestPhone() (Phone, bool) {
	if len(r.Phones) == 0 {
		return Phone{}, false
	}
	for _, p := range r.Phones {
		if p.Type == PhoneTypeMobile {
			return p, true
		}
	}
	return r.Phones[0], true
}

// HasEmail reports whether the record carries an email address.
func (r PersonRecord) HasEmail() bool {
	return r.Email != ""
}
