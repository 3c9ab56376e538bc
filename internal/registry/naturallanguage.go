package registry

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/eventcore/eventcore/internal/eventrule"
)

// fieldLexicon maps Korean field-name keywords to their canonical field name.
var fieldLexicon = map[string]string{
	"수위": "water_level",
	"유량": "flow_rate",
	"탁도": "turbidity",
}

var thresholdRe = regexp.MustCompile(`(-?\d+(?:\.\d+)?)`)
var durationRe = regexp.MustCompile(`(\d+)\s*(분|시간).{0,5}(지속|이상)`)

// ParsedCondition is the extracted configuration from a free-text phrase.
type ParsedCondition struct {
	FieldName       string
	Operator        eventrule.Operator
	Threshold       float64
	DurationMinutes int
	WindowMinutes   int
}

// ParseNaturalLanguage extracts field_name (lexicon match), numeric
// threshold, operator (Korean/English keyword), and duration
// (integer + minute/hour unit) from free text. Defaults: field "value",
// operator ">=", threshold 0, duration 0. window_minutes = max(30, duration*2).
func ParseNaturalLanguage(text string) ParsedCondition {
	p := ParsedCondition{
		FieldName: "value",
		Operator:  eventrule.OpGTE,
		Threshold: 0,
	}

	for kw, field := range fieldLexicon {
		if strings.Contains(text, kw) {
			p.FieldName = field
			break
		}
	}
	if p.FieldName == "value" {
		switch {
		case strings.Contains(text, "water_level") || strings.Contains(strings.ToLower(text), "water level"):
			p.FieldName = "water_level"
		case strings.Contains(text, "flow_rate") || strings.Contains(strings.ToLower(text), "flow rate"):
			p.FieldName = "flow_rate"
		case strings.Contains(text, "turbidity"):
			p.FieldName = "turbidity"
		}
	}

	switch {
	case strings.Contains(text, "초과"):
		p.Operator = eventrule.OpGT
	case strings.Contains(text, "미만"):
		p.Operator = eventrule.OpLT
	case strings.Contains(text, "이하"):
		p.Operator = eventrule.OpLTE
	case strings.Contains(strings.ToLower(text), "exceed") || strings.Contains(text, ">"):
		p.Operator = eventrule.OpGT
	case strings.Contains(strings.ToLower(text), "below") || strings.Contains(text, "<"):
		p.Operator = eventrule.OpLT
	default:
		p.Operator = eventrule.OpGTE
	}

	if m := thresholdRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			p.Threshold = v
		}
	}

	if m := durationRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "시간":
			p.DurationMinutes = n * 60
		case "분":
			p.DurationMinutes = n
		}
	}

	p.WindowMinutes = maxInt(30, p.DurationMinutes*2)
	return p
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
