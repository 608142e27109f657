package mpd

import (
	"strconv"
	"strings"
)

// parseCEA608 decodes a CEA-608 Accessibility value such as "CC1=eng;CC3=swe"
// or the positional "eng;swe". Two positional entries map to CC1 and CC3,
// the first field of each caption stream; otherwise channels count up from
// CC1.
func parseCEA608(value string, present bool) map[string]string {
	out := map[string]string{}
	if !present || strings.TrimSpace(value) == "" {
		out["CC1"] = "und"
		return out
	}
	assignments := strings.Split(value, ";")
	channel := 1
	for _, a := range assignments {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		id, lang, explicit := strings.Cut(a, "=")
		if !explicit {
			lang = id
			id = "CC" + strconv.Itoa(channel)
			if len(assignments) == 2 {
				channel += 2
			} else {
				channel++
			}
		} else if !strings.HasPrefix(id, "CC") {
			id = "CC" + id
		}
		out[id] = normalizeLanguage(lang)
	}
	return out
}

// parseCEA708 decodes a CEA-708 Accessibility value such as
// "1=lang:eng;2=lang:deu,war:1" or the positional "eng;deu".
func parseCEA708(value string, present bool) map[string]string {
	out := map[string]string{}
	if !present || strings.TrimSpace(value) == "" {
		out["svc1"] = "und"
		return out
	}
	service := 1
	for _, a := range strings.Split(value, ";") {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		num, desc, explicit := strings.Cut(a, "=")
		if !explicit {
			out["svc"+strconv.Itoa(service)] = normalizeLanguage(num)
			service++
			continue
		}
		first, _, _ := strings.Cut(desc, ",")
		lang := first
		if i := strings.LastIndex(first, ":"); i >= 0 {
			lang = first[i+1:]
		}
		out["svc"+num] = normalizeLanguage(lang)
	}
	return out
}

func mergeCaptions(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return "und"
	}
	return lang
}
