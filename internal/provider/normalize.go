package provider

import (
	"strings"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/pkg/bulkdata"
	"github.com/sells-group/prospect-cli/pkg/livesearch"
)

// mapBulkPerson normalizes the bulk API shape into the canonical record.
func mapBulkPerson(p bulkdata.Person) model.PersonRecord {
	phones := make([]model.Phone, 0, len(p.PhoneNumbers))
	for _, n := range p.PhoneNumbers {
		phones = append(phones, model.Phone{
			Number: n.Number,
			Type:   mapLineType(n.LineType),
		})
	}

	return model.PersonRecord{
		ExternalID: p.ID,
		Name:       p.FullName,
		Title:      p.JobTitle,
		Company:    p.Employer,
		City:       p.Locality.City,
		State:      p.Locality.Region,
		Phones:     phones,
		Email:      p.EmailAddress,
		ProfileURL: p.LinkedinURL,
		Age:        p.Age,
		Source:     model.SourceBulkData,
	}
}

// mapLivePerson normalizes the live API shape into the canonical record.
// The live API pre-splits numbers by line type and flattens location into
// "City, ST".
func mapLivePerson(p livesearch.Person) model.PersonRecord {
	var phones []model.Phone
	for _, n := range p.Contact.MobilePhones {
		phones = append(phones, model.Phone{Number: n, Type: model.PhoneTypeMobile})
	}
	for _, n := range p.Contact.OtherPhones {
		phones = append(phones, model.Phone{Number: n, Type: model.PhoneTypeUnknown})
	}

	var email string
	if len(p.Contact.Emails) > 0 {
		email = p.Contact.Emails[0]
	}

	city, state := splitLocation(p.Location)

	return model.PersonRecord{
		ExternalID: p.PersonID,
		Name:       p.DisplayName,
		Title:      p.Position,
		Company:    p.Organization,
		City:       city,
		State:      state,
		Phones:     phones,
		Email:      email,
		ProfileURL: p.ProfileLink,
		Age:        p.Age,
		Source:     model.SourceLiveSearch,
	}
}

func mapLineType(lt string) model.PhoneType {
	switch strings.ToLower(lt) {
	case "mobile", "cell":
		return model.PhoneTypeMobile
	case "landline", "fixed":
		return model.PhoneTypeLandline
	case "voip":
		return model.PhoneTypeVoip
	default:
		return model.PhoneTypeUnknown
	}
}

// splitLocation parses the live API's "City, ST" location string.
func splitLocation(loc string) (city, state string) {
	if loc == "" {
		return "", ""
	}
	parts := strings.SplitN(loc, ",", 2)
	city = strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		state = strings.TrimSpace(parts[1])
	}
	return city, state
}
