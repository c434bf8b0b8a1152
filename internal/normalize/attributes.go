package normalize

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/njoerd114/listingrelay/internal/model"
)

// Other is the vocabulary value for provider values with no mapping.
const Other = "other"

var transmissions = map[string]string{
	"automatic":      "automatic",
	"auto":           "automatic",
	"semi-automatic": "automatic",
	"dct":            "automatic",
	"amt":            "automatic",
	"dht":            "automatic",
	"manual":         "manual",
	"cvt":            "cvt",
	"e-cvt":          "cvt",
	"other":          "automatic",
}

var engineTypes = map[string]string{
	"gasoline":                   "petrol",
	"petrol":                     "petrol",
	"diesel":                     "diesel",
	"electric":                   "electric",
	"hydrogen":                   "electric",
	"hydrogen fuel cell":         "electric",
	"hybrid":                     "hybrid",
	"hybrid (gasoline)":          "hybrid",
	"hybrid (diesel)":            "hybrid",
	"plug-in hybrid":             "hybrid",
	"range extender":             "hybrid",
	"phev":                       "hybrid",
	"erev":                       "hybrid",
	"gasoline + 48v mild hybrid": "hybrid",
	"gasoline + 24v mild hybrid": "hybrid",
	"lpg + electric":             "hybrid",
	"lpg":                        "lpg",
	"cng":                        "lpg",
	"gasoline + lpg":             "lpg",
	"gasoline + cng":             "lpg",
}

var bodyTypes = map[string]string{
	"suv":            "suv",
	"crossover/suv":  "suv",
	"crossover":      "suv",
	"sedan":          "sedan",
	"hatchback":      "hatchback",
	"mini":           "hatchback",
	"minivan":        "minivan",
	"mpv":            "minivan",
	"pickup":         "pickup",
	"pickup truck":   "pickup",
	"coupe":          "coupe",
	"coupe/roadster": "coupe",
	"roadster":       "coupe",
	"sports car":     "coupe",
	"microbus":       "van",
	"microvan":       "van",
	"van":            "van",
	"rv":             "van",
	"wagon":          "wagon",
	"estate":         "wagon",
	"convertible":    "convertible",
	"cabriolet":      "convertible",
	"light truck":    "truck",
	"truck":          "truck",
}

var driveTypes = map[string]string{
	"fwd":              "fwd",
	"rwd":              "rwd",
	"rwd (dual-motor)": "rwd",
	"rwd (mid-engine)": "rwd",
	"awd":              "awd",
	"4wd":              "awd",
	"awd (dual-motor)": "awd",
	"awd (tri-motor)":  "awd",
	"awd (quad-motor)": "awd",
}

// colorKeywords is checked in order; the first keyword contained in the
// provider value wins.
var colorKeywords = []struct{ keyword, color string }{
	{"white", "white"},
	{"pearl", "white"},
	{"black", "black"},
	{"silver", "silver"},
	{"gray", "gray"},
	{"grey", "gray"},
	{"red", "red"},
	{"burgundy", "red"},
	{"blue", "blue"},
	{"turquoise", "blue"},
	{"green", "green"},
	{"brown", "brown"},
	{"beige", "beige"},
	{"champagne", "beige"},
	{"yellow", "yellow"},
	{"orange", "orange"},
	{"gold", "gold"},
	{"purple", "purple"},
}

func attributes(doc gjson.Result) map[string]string {
	attrs := make(map[string]string, 5)
	set := func(key, value string) {
		if value != "" {
			attrs[key] = value
		}
	}
	set(model.AttrTransmission, Transmission(text(doc.Get("transmission_type"))))
	set(model.AttrEngineType, EngineType(text(doc.Get("engine_type"))))
	set(model.AttrBodyType, BodyType(text(doc.Get("body_type"))))
	set(model.AttrDriveType, DriveType(text(doc.Get("drive_type"))))
	set(model.AttrColor, Color(text(doc.Get("color"))))
	return attrs
}

func lookup(table map[string]string, raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return ""
	}
	if v, ok := table[key]; ok {
		return v
	}
	return Other
}

// Transmission maps a provider transmission label to the shared vocabulary.
func Transmission(raw string) string { return lookup(transmissions, raw) }

// EngineType maps a provider fuel/engine label to the shared vocabulary.
func EngineType(raw string) string {
	v := lookup(engineTypes, raw)
	if v != Other {
		return v
	}
	key := strings.ToLower(raw)
	switch {
	case strings.Contains(key, "hybrid"):
		return "hybrid"
	case strings.Contains(key, "electric"):
		return "electric"
	case strings.Contains(key, "diesel"):
		return "diesel"
	case strings.Contains(key, "gasoline"), strings.Contains(key, "petrol"):
		return "petrol"
	}
	return v
}

// BodyType maps a provider body label to the shared vocabulary.
func BodyType(raw string) string { return lookup(bodyTypes, raw) }

// DriveType maps a provider drive label to the shared vocabulary.
func DriveType(raw string) string {
	v := lookup(driveTypes, raw)
	if v != Other {
		return v
	}
	key := strings.ToLower(raw)
	switch {
	case strings.Contains(key, "all"), strings.Contains(key, "4wd"), strings.Contains(key, "awd"):
		return "awd"
	case strings.Contains(key, "rear"), strings.Contains(key, "rwd"):
		return "rwd"
	case strings.Contains(key, "front"), strings.Contains(key, "fwd"):
		return "fwd"
	}
	return v
}

// Color maps a provider colour name to the shared vocabulary by keyword.
func Color(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return ""
	}
	for _, kw := range colorKeywords {
		if strings.Contains(key, kw.keyword) {
			return kw.color
		}
	}
	return Other
}
