package ingest

import (
	"sort"
	"strings"

	"github.com/technosupport/ts-sentinel/internal/event"
)

// MapLabel folds source-specific detection labels onto the closed
// DetectionType set. Vendors disagree wildly on naming, so matching is
// substring-based on the lowercased label.
func MapLabel(raw string) event.DetectionType {
	l := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.Contains(l, "person"), strings.Contains(l, "human"), strings.Contains(l, "pedestrian"):
		return event.DetectionPerson
	case strings.Contains(l, "car"), strings.Contains(l, "truck"), strings.Contains(l, "bus"),
		strings.Contains(l, "vehicle"), strings.Contains(l, "motorcycle"), strings.Contains(l, "bicycle"):
		return event.DetectionVehicle
	case strings.Contains(l, "cat"), strings.Contains(l, "dog"), strings.Contains(l, "bird"),
		strings.Contains(l, "animal"), strings.Contains(l, "pet"):
		return event.DetectionAnimal
	case strings.Contains(l, "package"), strings.Contains(l, "parcel"), strings.Contains(l, "delivery"):
		return event.DetectionPackage
	case strings.Contains(l, "ring"), strings.Contains(l, "doorbell"):
		return event.DetectionRing
	}
	return event.DetectionMotion
}

// MapLabels maps and de-duplicates a raw label list, sorted for stable
// dedup keys. The ring flag is folded in as a detection tag so downstream
// logic can switch on one enum instead of side-channel booleans.
func MapLabels(labels []string, ring bool) []event.DetectionType {
	seen := make(map[event.DetectionType]bool, len(labels)+1)
	for _, l := range labels {
		seen[MapLabel(l)] = true
	}
	if ring {
		seen[event.DetectionRing] = true
	}
	if len(seen) == 0 {
		seen[event.DetectionMotion] = true
	}

	out := make([]event.DetectionType, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
