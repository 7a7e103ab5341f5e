package normalize

import (
	"regexp"
	"strings"
)

var (
	servicePeriodPattern = regexp.MustCompile(`\b(\d{2}\.\d{2}\.\d{2})\s*-\s*(\d{2}\.\d{2}\.\d{2})\b`)
	serviceIDPattern     = regexp.MustCompile(`(?i)\b(?:service|dienst)\s*:\s*([\w./-]*\w)`)
	repeatedSpace        = regexp.MustCompile(`\s+`)
)

// Period is an inclusive service date range in canonical form
type Period struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Refinement is a line item description with its embedded service data split out
type Refinement struct {
	Description   string
	ServiceID     string
	ServicePeriod *Period
}

// RefineDescription pulls a dd.mm.yy-dd.mm.yy service period and a
// "Service: <id>" or "Dienst: <id>" marker out of a line item description.
// The period is removed from the returned description.
func RefineDescription(desc string) Refinement {
	var r Refinement

	if m := servicePeriodPattern.FindStringSubmatchIndex(desc); m != nil {
		r.ServicePeriod = &Period{
			Start: ParseDate(desc[m[2]:m[3]]),
			End:   ParseDate(desc[m[4]:m[5]]),
		}
		desc = desc[:m[0]] + " " + desc[m[1]:]
	}

	if m := serviceIDPattern.FindStringSubmatch(desc); m != nil {
		r.ServiceID = m[1]
	}

	desc = repeatedSpace.ReplaceAllString(desc, " ")
	r.Description = strings.Trim(desc, " ,;:-")
	return r
}
