package transitapi

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"transitmap/internal/domain"
)

var leadingDigits = regexp.MustCompile(`^\d+`)

type apiAgency struct {
	AgencyID    int               `json:"agency_id"`
	AgencyName  string            `json:"agency_name"`
	AgencyColor string            `json:"agency_color"`
	AgencyType  domain.AgencyType `json:"agency_type"`
	Routes      []apiRoute        `json:"routes"`
}

// apiRoute keeps the short name untyped: the backend sometimes sends numbers.
type apiRoute struct {
	ShortName any     `json:"route_short_name"`
	Desc      *string `json:"route_desc,omitempty"`
}

// groupRoutesByMainPath groups routes by their leading line number. Within a
// line, branches are keyed by main path (route_desc up to the first ':') and
// the first route seen for a main path names it. Routes whose short name is
// not a string starting with digits are skipped.
func groupRoutesByMainPath(routes []apiRoute) []domain.LineGroup {
	type group struct {
		lines map[string]int
		order []domain.Line
	}
	groups := make(map[string]*group)

	for _, r := range routes {
		shortName, ok := r.ShortName.(string)
		if !ok {
			continue
		}
		lineNumber := leadingDigits.FindString(shortName)
		if lineNumber == "" {
			continue
		}

		mainPath := ""
		if r.Desc != nil {
			mainPath = strings.TrimSpace(strings.SplitN(*r.Desc, ":", 2)[0])
		}

		g, exists := groups[lineNumber]
		if !exists {
			g = &group{lines: make(map[string]int)}
			groups[lineNumber] = g
		}
		if _, seen := g.lines[mainPath]; seen {
			continue
		}
		g.lines[mainPath] = len(g.order)
		g.order = append(g.order, domain.Line{
			LineNumber: lineNumber,
			LineName:   shortName,
			MainPath:   mainPath,
		})
	}

	numbers := make([]string, 0, len(groups))
	for n := range groups {
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool {
		a, errA := strconv.Atoi(numbers[i])
		b, errB := strconv.Atoi(numbers[j])
		if errA != nil || errB != nil || a == b {
			return numbers[i] < numbers[j]
		}
		return a < b
	})

	result := make([]domain.LineGroup, 0, len(numbers))
	for _, n := range numbers {
		result = append(result, domain.LineGroup{
			LineNumber: n,
			Routes:     groups[n].order,
		})
	}
	return result
}
