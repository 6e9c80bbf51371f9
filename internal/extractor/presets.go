package extractor

import "github.com/timmy/skiptrace/internal/domain"

// ageBuckets are the discrete age filters both built-in sources expose.
var ageBuckets = []Slice{
	{Key: "18-30", MinAge: 18, MaxAge: 30},
	{Key: "31-45", MinAge: 31, MaxAge: 45},
	{Key: "46-60", MinAge: 46, MaxAge: 60},
	{Key: "61-75", MinAge: 61, MaxAge: 75},
	{Key: "76-120", MinAge: 76, MaxAge: 120},
}

// PeopleLookupPreset is the card-style people search site.
func PeopleLookupPreset() Preset {
	return Preset{
		Name:       "peoplelookup",
		BaseURL:    "https://www.peoplelookup.example",
		SearchPath: "/search",
		Query:      QueryParams{Name: "name", Location: "citystatezip", Age: "age", Page: "page"},
		AgeBuckets: ageBuckets,
		Selectors: Selectors{
			ResultCard:   "div.result-card",
			CardName:     ".name",
			CardAge:      ".age",
			CardLocation: ".location",
			CardPhone:    ".phones .phone",
			CardLink:     "a.detail-link",
			NextPage:     "a.next",

			DetailName:     ".profile h1.full-name",
			DetailAge:      ".profile .age",
			DetailStreet:   ".address .street",
			DetailCity:     ".address .city",
			DetailState:    ".address .state",
			DetailZip:      ".address .zip",
			DetailPhoneRow: ".phone-row",
			PhoneNumber:    ".number",
			PhoneCarrier:   ".carrier",
			PhoneType:      ".type",
			DetailEmail:    ".email",
			DetailMarital:  ".marital",
			DeceasedMarker: ".deceased-badge",
		},
		Costs: UnitCosts{
			SearchPage: domain.MustParseCredits("0.5"),
			DetailPage: domain.MustParseCredits("1"),
		},
	}
}

// PhonebookPreset is the table-style reverse phonebook site.
func PhonebookPreset() Preset {
	return Preset{
		Name:       "phonebook",
		BaseURL:    "https://www.phonebook.example",
		SearchPath: "/people",
		Query:      QueryParams{Name: "q", Location: "where", Age: "age_range", Page: "p"},
		AgeBuckets: ageBuckets,
		Selectors: Selectors{
			ResultCard:   "table.listings tr.listing",
			CardName:     "td.listing-name",
			CardAge:      "td.listing-age",
			CardLocation: "td.listing-loc",
			CardPhone:    "td.listing-phone",
			CardLink:     "td.listing-name a",
			NextPage:     ".pagination a[rel=next]",

			DetailName:     "#person h1",
			DetailAge:      "#person [data-field=age]",
			DetailStreet:   "#person [data-field=street]",
			DetailCity:     "#person [data-field=city]",
			DetailState:    "#person [data-field=state]",
			DetailZip:      "#person [data-field=zip]",
			DetailPhoneRow: "#phones li",
			PhoneNumber:    "[data-phone]",
			PhoneCarrier:   ".provider",
			PhoneType:      ".line-type",
			DetailEmail:    "#person [data-field=email]",
			DetailMarital:  "#person [data-field=marital]",
			DeceasedMarker: "#person .status-deceased",
		},
		Costs: UnitCosts{
			SearchPage: domain.MustParseCredits("0.35"),
			DetailPage: domain.MustParseCredits("0.75"),
		},
	}
}

// Presets returns the built-in source variants keyed by mode.
func Presets() map[string]Preset {
	return map[string]Preset{
		"peoplelookup": PeopleLookupPreset(),
		"phonebook":    PhonebookPreset(),
	}
}
