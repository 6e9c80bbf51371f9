package extractor

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/timmy/skiptrace/internal/domain"
)

// Selectors is the CSS selector set of one source variant.
// Card-relative selectors are evaluated inside each ResultCard match and
// phone-row selectors inside each DetailPhoneRow match.
type Selectors struct {
	ResultCard   string
	CardName     string
	CardAge      string
	CardLocation string
	CardPhone    string
	CardLink     string
	NextPage     string

	DetailName     string
	DetailAge      string
	DetailStreet   string
	DetailCity     string
	DetailState    string
	DetailZip      string
	DetailPhoneRow string
	PhoneNumber    string
	PhoneCarrier   string
	PhoneType      string
	DetailEmail    string
	DetailMarital  string
	DeceasedMarker string
}

// QueryParams names the search URL query parameters of a source.
type QueryParams struct {
	Name     string
	Location string
	Age      string
	Page     string
}

// Preset fully describes a source variant.
type Preset struct {
	Name       string
	BaseURL    string
	SearchPath string
	Query      QueryParams
	AgeBuckets []Slice
	Selectors  Selectors
	Costs      UnitCosts
}

// SelectorExtractor implements Extractor with goquery selector sets.
type SelectorExtractor struct {
	preset Preset
	base   *url.URL
}

// NewSelectorExtractor validates p and builds its extractor.
func NewSelectorExtractor(p Preset) (*SelectorExtractor, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("preset name is required")
	}
	base, err := url.Parse(p.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("preset %s: invalid base url %q", p.Name, p.BaseURL)
	}
	if p.Selectors.ResultCard == "" || p.Selectors.CardName == "" {
		return nil, fmt.Errorf("preset %s: result card selectors are required", p.Name)
	}
	if p.Costs.SearchPage <= 0 || p.Costs.DetailPage <= 0 {
		return nil, fmt.Errorf("preset %s: unit costs must be positive", p.Name)
	}
	return &SelectorExtractor{preset: p, base: base}, nil
}

func (e *SelectorExtractor) Name() string {
	return e.preset.Name
}

func (e *SelectorExtractor) Costs() UnitCosts {
	return e.preset.Costs
}

// Slices returns every age bucket overlapping the requested window, in
// bucket order. Sources without buckets need a single unsliced query.
func (e *SelectorExtractor) Slices(filters domain.FilterConfig) []Slice {
	if len(e.preset.AgeBuckets) == 0 {
		return []Slice{{}}
	}
	var out []Slice
	for _, b := range e.preset.AgeBuckets {
		if b.Overlaps(filters.MinAge, filters.MaxAge) {
			out = append(out, b)
		}
	}
	return out
}

func (e *SelectorExtractor) SearchURL(sub domain.SubTask, slice Slice, page int) string {
	u := e.base.JoinPath(e.preset.SearchPath)
	q := u.Query()
	q.Set(e.preset.Query.Name, sub.Name)
	if sub.Location != "" && e.preset.Query.Location != "" {
		q.Set(e.preset.Query.Location, sub.Location)
	}
	if slice.Key != "" && e.preset.Query.Age != "" {
		q.Set(e.preset.Query.Age, slice.Key)
	}
	if page > 1 && e.preset.Query.Page != "" {
		q.Set(e.preset.Query.Page, strconv.Itoa(page))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (e *SelectorExtractor) ParseSearch(body []byte) (SearchPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return SearchPage{}, fmt.Errorf("parse search page: %w", err)
	}
	sel := e.preset.Selectors

	var page SearchPage
	doc.Find(sel.ResultCard).Each(func(_ int, card *goquery.Selection) {
		name := cleanText(card.Find(sel.CardName).First())
		if name == "" {
			return
		}
		sr := domain.SearchResult{
			Name:   name,
			Source: e.preset.Name,
		}
		if sel.CardAge != "" {
			sr.Age = parseAge(cleanText(card.Find(sel.CardAge).First()))
		}
		if sel.CardLocation != "" {
			sr.City, sr.State = splitLocation(cleanText(card.Find(sel.CardLocation).First()))
		}
		if sel.CardPhone != "" {
			card.Find(sel.CardPhone).Each(func(_ int, ph *goquery.Selection) {
				if num := cleanText(ph); domain.DigitsOnly(num) != "" {
					sr.Phones = append(sr.Phones, domain.Phone{Number: num})
				}
			})
		}
		if sel.CardLink != "" {
			if href, ok := card.Find(sel.CardLink).First().Attr("href"); ok {
				sr.DetailURL = e.resolve(href)
			}
		}
		page.Results = append(page.Results, sr)
	})

	if sel.NextPage != "" {
		if href, ok := doc.Find(sel.NextPage).First().Attr("href"); ok && strings.TrimSpace(href) != "" {
			page.HasNext = true
		}
	}
	return page, nil
}

func (e *SelectorExtractor) ParseDetail(body []byte, base domain.SearchResult) (domain.DetailResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return domain.DetailResult{}, fmt.Errorf("parse detail page: %w", err)
	}
	sel := e.preset.Selectors

	var d domain.DetailResult
	d.Name = textOf(doc, sel.DetailName)
	d.Age = parseAge(textOf(doc, sel.DetailAge))
	d.Address = textOf(doc, sel.DetailStreet)
	d.City = textOf(doc, sel.DetailCity)
	d.State = strings.ToUpper(textOf(doc, sel.DetailState))
	d.Zip = textOf(doc, sel.DetailZip)
	d.Email = strings.ToLower(textOf(doc, sel.DetailEmail))
	d.MaritalStatus = textOf(doc, sel.DetailMarital)
	if sel.DeceasedMarker != "" {
		d.Deceased = doc.Find(sel.DeceasedMarker).Length() > 0
	}

	if sel.DetailPhoneRow != "" {
		doc.Find(sel.DetailPhoneRow).Each(func(_ int, row *goquery.Selection) {
			number := cleanText(row.Find(sel.PhoneNumber).First())
			if number == "" {
				number = cleanText(row)
			}
			if domain.DigitsOnly(number) == "" {
				return
			}
			d.Phones = append(d.Phones, domain.Phone{
				Number:  number,
				Carrier: textWithin(row, sel.PhoneCarrier),
				Type:    normalizePhoneType(textWithin(row, sel.PhoneType)),
			})
		})
	}

	rec := domain.FromSearch(base)
	rec.MergeDetail(d)
	return rec, nil
}

func (e *SelectorExtractor) resolve(href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	return e.base.ResolveReference(ref).String()
}

var (
	whitespace = regexp.MustCompile(`\s+`)
	ageNumber  = regexp.MustCompile(`\d{1,3}`)
)

func cleanText(s *goquery.Selection) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s.Text(), " "))
}

func textOf(doc *goquery.Document, selector string) string {
	if selector == "" {
		return ""
	}
	return cleanText(doc.Find(selector).First())
}

func textWithin(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return cleanText(s.Find(selector).First())
}

func parseAge(s string) int {
	m := ageNumber.FindString(s)
	if m == "" {
		return 0
	}
	age, _ := strconv.Atoi(m)
	return age
}

// splitLocation splits "Austin, TX" into city and upper-cased state.
func splitLocation(s string) (city, state string) {
	i := strings.LastIndex(s, ",")
	if i < 0 {
		return s, ""
	}
	return strings.TrimSpace(s[:i]), strings.ToUpper(strings.TrimSpace(s[i+1:]))
}

func normalizePhoneType(s string) string {
	s = strings.ToLower(s)
	switch {
	case s == "":
		return ""
	case strings.Contains(s, "wireless"), strings.Contains(s, "mobile"), strings.Contains(s, "cell"):
		return domain.PhoneTypeWireless
	case strings.Contains(s, "voip"):
		return domain.PhoneTypeVoIP
	case strings.Contains(s, "land"):
		return domain.PhoneTypeLandline
	}
	return s
}
