package mpd

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var templateIdentifier = regexp.MustCompile(`\$(RepresentationID|Number|SubNumber|Bandwidth|Time)?(?:%0([0-9]+)([diouxX]))?\$`)

// templateValues are the substitutions available to a media or
// initialization template. A nil pointer leaves the identifier in place.
type templateValues struct {
	RepresentationID string
	Number           *int64
	SubNumber        *int64
	Bandwidth        *int64
	Time             *int64
}

// fillTemplate expands $Identifier$ and $Identifier%0Nd$ placeholders.
func fillTemplate(tmpl string, v templateValues) (string, error) {
	var firstErr error
	out := templateIdentifier.ReplaceAllStringFunc(tmpl, func(match string) string {
		m := templateIdentifier.FindStringSubmatch(match)
		name, widthStr, format := m[1], m[2], m[3]
		if name == "" {
			if widthStr != "" || format != "" {
				if firstErr == nil {
					firstErr = fmt.Errorf("format tag without identifier in %q", tmpl)
				}
				return match
			}
			return "$"
		}

		var value *int64
		switch name {
		case "RepresentationID":
			return v.RepresentationID
		case "Number":
			value = v.Number
		case "SubNumber":
			value = v.SubNumber
		case "Bandwidth":
			value = v.Bandwidth
		case "Time":
			value = v.Time
		}
		if value == nil {
			return match
		}

		var s string
		switch format {
		case "", "d", "i", "u":
			s = strconv.FormatInt(*value, 10)
		case "o":
			s = strconv.FormatInt(*value, 8)
		case "x":
			s = strconv.FormatInt(*value, 16)
		case "X":
			s = strings.ToUpper(strconv.FormatInt(*value, 16))
		}
		if widthStr != "" {
			width, err := strconv.Atoi(widthStr)
			if err == nil && len(s) < width {
				s = strings.Repeat("0", width-len(s)) + s
			}
		}
		return s
	})
	return out, firstErr
}

func ptr(v int64) *int64 { return &v }
