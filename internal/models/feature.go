package models

import "strings"

// Feature is a capability bit required by a scrape request or offered by
// an engine.
type Feature uint32

const (
	FeatureActions Feature = 1 << iota
	FeatureWaitFor
	FeatureScreenshot
	FeatureFullPageScreenshot
	FeaturePDF
	FeatureDOCX
	FeatureLocation
	FeatureMobile
	FeatureSkipTLS
	FeatureFastMode
	FeatureStealthProxy
	FeatureDisableAdblock
)

var featureNames = map[Feature]string{
	FeatureActions:            "actions",
	FeatureWaitFor:            "wait_for",
	FeatureScreenshot:         "screenshot",
	FeatureFullPageScreenshot: "full_page_screenshot",
	FeaturePDF:                "pdf",
	FeatureDOCX:               "docx",
	FeatureLocation:           "location",
	FeatureMobile:             "mobile",
	FeatureSkipTLS:            "skip_tls",
	FeatureFastMode:           "fast_mode",
	FeatureStealthProxy:       "stealth_proxy",
	FeatureDisableAdblock:     "disable_adblock",
}

// featurePriorities weight how important covering each feature is when
// ranking engines. PDF/DOCX and actions dominate because a miss there
// produces garbage output rather than degraded output.
var featurePriorities = map[Feature]int{
	FeatureActions:            20,
	FeatureWaitFor:            5,
	FeatureScreenshot:         10,
	FeatureFullPageScreenshot: 10,
	FeaturePDF:                100,
	FeatureDOCX:               100,
	FeatureLocation:           5,
	FeatureMobile:             5,
	FeatureSkipTLS:            5,
	FeatureFastMode:           5,
	FeatureStealthProxy:       20,
	FeatureDisableAdblock:     5,
}

// FeatureSet is a bitset of features
type FeatureSet uint32

// Has reports whether f is in the set
func (s FeatureSet) Has(f Feature) bool {
	return uint32(s)&uint32(f) != 0
}

// With returns the set with the given features added
func (s FeatureSet) With(features ...Feature) FeatureSet {
	for _, f := range features {
		s = FeatureSet(uint32(s) | uint32(f))
	}
	return s
}

// Without returns the set with the given features removed
func (s FeatureSet) Without(features ...Feature) FeatureSet {
	for _, f := range features {
		s = FeatureSet(uint32(s) &^ uint32(f))
	}
	return s
}

// Union merges two sets
func (s FeatureSet) Union(other FeatureSet) FeatureSet {
	return FeatureSet(uint32(s) | uint32(other))
}

// Intersect returns features present in both sets
func (s FeatureSet) Intersect(other FeatureSet) FeatureSet {
	return FeatureSet(uint32(s) & uint32(other))
}

// Each calls fn for every feature in the set
func (s FeatureSet) Each(fn func(Feature)) {
	for f := range featureNames {
		if s.Has(f) {
			fn(f)
		}
	}
}

// PriorityWeight sums the scheduling weight of every feature in the set
func (s FeatureSet) PriorityWeight() int {
	total := 0
	s.Each(func(f Feature) {
		total += featurePriorities[f]
	})
	return total
}

// String renders the set as a sorted comma-separated flag list
func (s FeatureSet) String() string {
	var names []string
	// Iterate bits in declaration order for stable output
	for f := FeatureActions; f <= FeatureDisableAdblock; f <<= 1 {
		if s.Has(f) {
			names = append(names, featureNames[f])
		}
	}
	return strings.Join(names, ",")
}

// NewFeatureSet builds a set from individual features
func NewFeatureSet(features ...Feature) FeatureSet {
	var s FeatureSet
	return s.With(features...)
}

// RequiredFeatures derives the feature set a scrape request needs
func RequiredFeatures(opts ScrapeOptions, internal InternalOptions) FeatureSet {
	var s FeatureSet
	if len(opts.Actions) > 0 {
		s = s.With(FeatureActions)
	}
	if opts.WaitFor > 0 {
		s = s.With(FeatureWaitFor)
	}
	if opts.HasFormat("screenshot") {
		s = s.With(FeatureScreenshot)
	}
	if opts.HasFormat("screenshot@fullPage") {
		s = s.With(FeatureFullPageScreenshot)
	}
	if opts.Location != "" {
		s = s.With(FeatureLocation)
	}
	if opts.Mobile {
		s = s.With(FeatureMobile)
	}
	if opts.SkipTLS {
		s = s.With(FeatureSkipTLS)
	}
	if opts.FastMode {
		s = s.With(FeatureFastMode)
	}
	if opts.Proxy == ProxyStealth {
		s = s.With(FeatureStealthProxy)
	}
	if internal.DisableAdblock {
		s = s.With(FeatureDisableAdblock)
	}
	return s
}
