// Package naming derives deterministic backend identifiers for work units.
//
// Names are pure functions of their inputs so that a process restarted after
// a launch computes the same name and finds the same resource. Inputs that are
// already plain lowercase alphanumerics map to readable names such as
// "job-r1-s1"; anything else is sanitized and disambiguated with a hash of the
// raw inputs after a "--" separator that readable names never contain.
package naming

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
)

const (
	// MaxNameLength is the DNS-1123 label limit shared by Kubernetes Job
	// names (through the job-name pod label) and most backend name fields.
	MaxNameLength = 63

	// MaxFamilyLength is the ECS task definition family limit.
	MaxFamilyLength = 255

	runPrefix  = "run"
	stepPrefix = "job"

	hashLength = 10
	hashMarker = "--h"
)

var (
	labelUnsafe  = regexp.MustCompile(`[^a-z0-9]+`)
	plainLabel   = regexp.MustCompile(`^[a-z0-9]+$`)
	familyUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
	plainFamily  = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// ResourceName returns the backend resource name for a work unit. Run-level
// units (empty stepKey) are named "run-<runID>", step-level units
// "job-<runID>-<stepKey>". A positive attempt number is appended as
// "-<attempt>" so every retry addresses a distinct resource.
func ResourceName(runID, stepKey string, attempt int) string {
	prefix := runPrefix
	parts := []string{runID}
	if stepKey != "" {
		prefix = stepPrefix
		parts = append(parts, stepKey)
	}

	var suffix string
	if attempt > 0 {
		suffix = "-" + strconv.Itoa(attempt)
	}

	plain := true
	segs := make([]string, 0, len(parts)+1)
	segs = append(segs, prefix)
	for _, p := range parts {
		if !plainLabel.MatchString(p) {
			plain = false
		}
		segs = append(segs, sanitizeLabel(p))
	}
	name := strings.Join(segs, "-")

	if plain && len(name)+len(suffix) <= MaxNameLength {
		return name + suffix
	}

	marker := hashMarker + digest(append([]string{prefix}, parts...)...)
	room := MaxNameLength - len(suffix) - len(marker)
	if len(name) > room {
		name = name[:room]
	}
	return strings.TrimRight(name, "-") + marker + suffix
}

// Family returns the resource definition family for a deployable location.
// The same location always maps to the same family so repeated runs share
// definition history.
func Family(location string) string {
	if plainFamily.MatchString(location) && len(location) <= MaxFamilyLength && !strings.Contains(location, "--") {
		return location
	}

	cleaned := strings.Trim(familyUnsafe.ReplaceAllString(location, "-"), "-")
	cleaned = collapseDashes(cleaned)
	if cleaned == "" {
		cleaned = runPrefix
	}
	marker := hashMarker + digest(location)
	if room := MaxFamilyLength - len(marker); len(cleaned) > room {
		cleaned = strings.TrimRight(cleaned[:room], "-")
	}
	return cleaned + marker
}

// sanitizeLabel lowercases s and replaces every run of characters outside
// [a-z0-9] with a single dash.
func sanitizeLabel(s string) string {
	return strings.Trim(labelUnsafe.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

func collapseDashes(s string) string {
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	return s
}

// digest hashes the raw inputs with a separator that cannot appear inside a
// length-prefixed field, so ("ab","c") and ("a","bc") differ.
func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(strconv.Itoa(len(p))))
		h.Write([]byte{':'})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:hashLength]
}
