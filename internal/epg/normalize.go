package epg

import (
	"strings"
)

// Common country/region prefixes to strip for normalized matching.
// Order matters: longer/more specific prefixes should come first.
var countryPrefixes = []string{
	// Double-space variants first (more specific)
	"USA  ", "World  ", "AUS  ",
	// Colon variants
	"US:", "AU:", "AUS:", "UK:", "DE:", "FR:", "IT:", "ES:", "NL:", "PL:", "PT:",
	"AR:", "BR:", "CA:", "NZ:", "MX:",
	// Space and pipe variants
	"USA ", "UK ", "DE ", "FR ", "IT ", "ES ", "BR ", "MX ", "AUS ",
	"US| ", "UK| ", "DE| ", "FR| ",
	// Multi-word prefixes
	"World ", "Latin ", "US ",
}

// regionPrefix maps a name prefix to its region code.
type regionPrefix struct {
	prefix string
	region string
}

// regionPrefixes is checked in order; the first prefix that matches wins.
var regionPrefixes = []regionPrefix{
	{"USA  ", "us"}, {"USA ", "us"}, {"US:", "us"}, {"US| ", "us"}, {"US ", "us"},
	{"AUS  ", "au"}, {"AUS:", "au"}, {"AUS ", "au"}, {"AU:", "au"},
	{"UK:", "uk"}, {"UK| ", "uk"}, {"UK ", "uk"},
	{"DE:", "de"}, {"DE| ", "de"}, {"DE ", "de"},
	{"FR:", "fr"}, {"FR| ", "fr"}, {"FR ", "fr"},
	{"IT:", "it"}, {"IT ", "it"},
	{"ES:", "es"}, {"ES ", "es"},
	{"NL:", "nl"},
	{"PL:", "pl"},
	{"PT:", "pt"},
	{"AR:", "ar"},
	{"BR:", "br"}, {"BR ", "br"},
	{"CA:", "ca"},
	{"NZ:", "nz"},
	{"MX:", "mx"}, {"MX ", "mx"},
	{"World  ", "world"}, {"World ", "world"},
	{"Latin ", "latin"},
}

// Common quality/variant suffixes to strip for normalized matching.
var qualitySuffixes = []string{
	"(HD)", "(FHD)", "(SD)", "(4K)", "(UHD)",
	"(North America)", "(EMEA)",
	" FHD", " HD",
}

// Region returns the normalized region code from a channel name, or empty string if none.
func Region(name string) string {
	upperName := strings.ToUpper(name)

	for _, rp := range regionPrefixes {
		if strings.HasPrefix(upperName, strings.ToUpper(rp.prefix)) {
			return rp.region
		}
	}

	return ""
}

// NormalizeName strips country prefixes, quality suffixes, and normalizes whitespace.
func NormalizeName(name string) string {
	normalized := name

	// Strip country prefixes (case-insensitive).
	upperName := strings.ToUpper(normalized)
	for _, prefix := range countryPrefixes {
		if strings.HasPrefix(upperName, strings.ToUpper(prefix)) {
			normalized = normalized[len(prefix):]
			upperName = strings.ToUpper(normalized)
		}
	}

	// Strip quality suffixes.
	for _, suffix := range qualitySuffixes {
		upperSuffix := strings.ToUpper(suffix)

		for {
			idx := strings.Index(strings.ToUpper(normalized), upperSuffix)
			if idx < 0 {
				break
			}

			normalized = normalized[:idx] + normalized[idx+len(suffix):]
		}
	}

	return strings.ToLower(strings.Join(strings.Fields(normalized), " "))
}

// RegionScore ranks how well two region codes agree: same region 2,
// unknown guide region 1, different region 0.
func RegionScore(channelRegion, guideRegion string) int {
	if channelRegion != "" && guideRegion == channelRegion {
		return 2
	}

	if guideRegion == "" {
		return 1
	}

	return 0
}
