// Package vessels turns a vessel key into a position report with a fresh
// satellite image and spill detection, using the position cache in front of
// the AIS provider.
package vessels

import (
	"strings"

	"github.com/spillguard/spill-detection-service/perr"
)

// knownVessels maps well known vessel names to their MMSI
var knownVessels = map[string]string{
	"EVER GIVEN": "353136000",
	"EVERGREEN":  "353136000",
	"COMPASS":    "244110352",
}

// Resolve maps a vessel key to an MMSI. A nine digit key is taken as an MMSI,
// anything else is looked up by name ignoring case
func Resolve(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", perr.InvalidInputf("vessel name or MMSI is required")
	}
	if isMMSI(key) {
		return key, nil
	}
	if mmsi, ok := knownVessels[strings.ToUpper(strings.Join(strings.Fields(key), " "))]; ok {
		return mmsi, nil
	}
	return "", perr.NotFoundf("vessel %q is not known", key)
}

func isMMSI(s string) bool {
	if len(s) != 9 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
