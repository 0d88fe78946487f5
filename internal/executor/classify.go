package executor

import "github.com/sells-group/prospect-cli/internal/model"

// PhoneCandidate pairs a record with its selected phone number.
type PhoneCandidate struct {
	Record model.PersonRecord
	Phone  model.Phone
}

// Classification partitions fetched records by contact data. The split is
// deterministic: the same input always yields the same partitions.
type Classification struct {
	// WithPhone are records carrying a phone candidate (mobile preferred,
	// else the first number of any type).
	WithPhone []PhoneCandidate
	// EmailOnly are records with no phone but an email address.
	EmailOnly []model.PersonRecord
	// Discarded counts records with no usable contact data at all.
	Discarded int
}

// Classify applies the phone-selection rule to every fetched record.
func Classify(records []model.PersonRecord) Classification {
	var c Classification
	for _, r := range records {
		if phone, ok := r.BestPhone(); ok {
			c.WithPhone = append(c.WithPhone, PhoneCandidate{Record: r, Phone: phone})
			continue
		}
		if r.HasEmail() {
			c.EmailOnly = append(c.EmailOnly, r)
			continue
		}
		c.Discarded++
	}
	return c
}
