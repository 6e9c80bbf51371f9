// Package filter decides which candidate records are worth keeping.
package filter

import (
	"sort"
	"strings"
	"unicode"

	"github.com/timmy/skiptrace/internal/domain"
)

// Predicate names, in priority order.
const (
	NotDeceased    = "not_deceased"
	HasPhone       = "has_phone"
	AgeWindow      = "age_window"
	NameMatch      = "name_match"
	LocationMatch  = "location_match"
	CarrierExclude = "carrier_exclude"
	WirelessOnly   = "wireless_only"
)

// Candidate is the projection of a record the predicates look at.
// Ref is opaque to the pipeline; callers use it to map survivors back.
// Final marks records whose phones can no longer change, enriched or not.
type Candidate struct {
	Ref      int
	Query    domain.SubTask
	Name     string
	Age      int
	State    string
	Phones   domain.PhoneList
	Deceased bool
	Enriched bool
	Final    bool
}

// Predicate is a pure keep/reject rule. Lower Priority runs first and
// receives the removal when several predicates would reject a record.
type Predicate struct {
	Name        string
	Priority    int
	AfterDetail bool
	Keep        func(Candidate) bool
}

// Outcome is the result of one pipeline pass.
type Outcome struct {
	Survivors   []Candidate
	FilteredOut int
	Removed     map[string]int
}

// Pipeline applies predicates in ascending priority.
type Pipeline struct {
	preds []Predicate
}

// New orders preds by priority; the input order does not matter.
func New(preds ...Predicate) *Pipeline {
	sorted := append([]Predicate(nil), preds...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return &Pipeline{preds: sorted}
}

// FromConfig builds the pipeline for a task. Disabled filters are left out
// entirely; has_phone is always present.
func FromConfig(cfg domain.FilterConfig) *Pipeline {
	preds := []Predicate{hasPhone()}
	if cfg.DeceasedExcluded() {
		preds = append(preds, notDeceased())
	}
	if cfg.MinAge > 0 || cfg.MaxAge > 0 {
		preds = append(preds, ageWindow(cfg.MinAge, cfg.MaxAge))
	}
	if cfg.ExactNameMatch {
		preds = append(preds, nameMatch())
	}
	if len(cfg.States) > 0 {
		preds = append(preds, locationMatch(cfg.States))
	}
	if len(cfg.ExcludeCarriers) > 0 {
		preds = append(preds, carrierExclude(cfg.ExcludeCarriers))
	}
	if cfg.WirelessOnly {
		preds = append(preds, wirelessOnly())
	}
	return New(preds...)
}

// PostDetail returns the narrow pipeline of predicates whose answer can only
// change once a record has been enriched.
func (p *Pipeline) PostDetail() *Pipeline {
	var preds []Predicate
	for _, pr := range p.preds {
		if pr.AfterDetail {
			preds = append(preds, pr)
		}
	}
	return &Pipeline{preds: preds}
}

// Names lists the active predicates in evaluation order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.preds))
	for i, pr := range p.preds {
		names[i] = pr.Name
	}
	return names
}

// Evaluate returns "" if c survives, or the name of the first rejecting predicate.
func (p *Pipeline) Evaluate(c Candidate) string {
	for _, pr := range p.preds {
		if !pr.Keep(c) {
			return pr.Name
		}
	}
	return ""
}

// Apply runs every candidate through the pipeline.
func (p *Pipeline) Apply(cands []Candidate) Outcome {
	out := Outcome{Removed: make(map[string]int)}
	for _, c := range cands {
		if name := p.Evaluate(c); name != "" {
			out.FilteredOut++
			out.Removed[name]++
			continue
		}
		out.Survivors = append(out.Survivors, c)
	}
	return out
}

func notDeceased() Predicate {
	return Predicate{Name: NotDeceased, Priority: 10, AfterDetail: true,
		Keep: func(c Candidate) bool { return !c.Deceased }}
}

// hasPhone only decides once phones are known; listings often omit them.
func hasPhone() Predicate {
	return Predicate{Name: HasPhone, Priority: 20, AfterDetail: true,
		Keep: func(c Candidate) bool {
			if !c.Enriched && !c.Final {
				return true
			}
			for _, ph := range c.Phones {
				if domain.DigitsOnly(ph.Number) != "" {
					return true
				}
			}
			return false
		}}
}

// ageWindow keeps records of unknown age. Zero bounds are open.
func ageWindow(lo, hi int) Predicate {
	return Predicate{Name: AgeWindow, Priority: 30,
		Keep: func(c Candidate) bool {
			if c.Age <= 0 {
				return true
			}
			if lo > 0 && c.Age < lo {
				return false
			}
			if hi > 0 && c.Age > hi {
				return false
			}
			return true
		}}
}

// nameMatch requires the first and last name tokens to equal the query's.
func nameMatch() Predicate {
	return Predicate{Name: NameMatch, Priority: 40,
		Keep: func(c Candidate) bool {
			want := nameTokens(c.Query.Name)
			got := nameTokens(c.Name)
			if len(want) == 0 {
				return true
			}
			if len(got) == 0 {
				return false
			}
			return got[0] == want[0] && got[len(got)-1] == want[len(want)-1]
		}}
}

// locationMatch keeps records in one of states; unknown states pass.
func locationMatch(states []string) Predicate {
	set := upperSet(states)
	return Predicate{Name: LocationMatch, Priority: 50,
		Keep: func(c Candidate) bool {
			if c.State == "" {
				return true
			}
			_, ok := set[strings.ToUpper(c.State)]
			return ok
		}}
}

// carrierExclude rejects a record only when every phone's carrier is excluded.
func carrierExclude(carriers []string) Predicate {
	excluded := make([]string, 0, len(carriers))
	for _, c := range carriers {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			excluded = append(excluded, c)
		}
	}
	return Predicate{Name: CarrierExclude, Priority: 60, AfterDetail: true,
		Keep: func(c Candidate) bool {
			if len(c.Phones) == 0 {
				return true
			}
			for _, ph := range c.Phones {
				if !carrierIn(ph.Carrier, excluded) {
					return true
				}
			}
			return false
		}}
}

// wirelessOnly needs line types, so it passes everything until enrichment.
func wirelessOnly() Predicate {
	return Predicate{Name: WirelessOnly, Priority: 70, AfterDetail: true,
		Keep: func(c Candidate) bool {
			if !c.Enriched {
				return true
			}
			for _, ph := range c.Phones {
				if ph.Type == domain.PhoneTypeWireless {
					return true
				}
			}
			return false
		}}
}

func carrierIn(carrier string, excluded []string) bool {
	carrier = strings.ToLower(strings.TrimSpace(carrier))
	if carrier == "" {
		return false
	}
	for _, ex := range excluded {
		if strings.Contains(carrier, ex) {
			return true
		}
	}
	return false
}

func nameTokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
}

func upperSet(vals []string) map[string]struct{} {
	set := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		if v = strings.ToUpper(strings.TrimSpace(v)); v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}
