package content

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// SetVersionParts parses cv.Version as SemVer 2.0.0 and fills the derived
// major/minor/patch/prerelease columns.
func SetVersionParts(cv *CollectionVersion) error {
	v, err := semver.StrictNewVersion(cv.Version)
	if err != nil {
		return fmt.Errorf("version %q is not valid semver: %w", cv.Version, err)
	}
	cv.VersionMajor = int(v.Major())
	cv.VersionMinor = int(v.Minor())
	cv.VersionPatch = int(v.Patch())
	cv.VersionPrerelease = v.Prerelease()
	return nil
}

// Highest returns the index of the SemVer-greatest non-prerelease version,
// or of the greatest prerelease when every version is a prerelease. It
// returns -1 for an empty or entirely unparsable list.
func Highest(versions []string) int {
	best, bestPre := -1, -1
	var bestV, bestPreV *semver.Version
	for i, raw := range versions {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		if v.Prerelease() == "" {
			if bestV == nil || v.GreaterThan(bestV) {
				best, bestV = i, v
			}
			continue
		}
		if bestPreV == nil || v.GreaterThan(bestPreV) {
			bestPre, bestPreV = i, v
		}
	}
	if best >= 0 {
		return best
	}
	return bestPre
}

// SortVersions orders collection versions newest first.
func SortVersions(cvs []CollectionVersion) {
	sort.SliceStable(cvs, func(i, j int) bool {
		vi, erri := semver.NewVersion(cvs[i].Version)
		vj, errj := semver.NewVersion(cvs[j].Version)
		if erri != nil || errj != nil {
			return cvs[i].Version > cvs[j].Version
		}
		return vi.GreaterThan(vj)
	})
}

// ParseConstraint turns a galaxy version spec into a semver constraint.
// "*" and "" match anything; "==" is accepted as an alias for "=".
func ParseConstraint(spec string) (*semver.Constraints, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = "*"
	}
	spec = strings.ReplaceAll(spec, "==", "=")
	c, err := semver.NewConstraint(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid version spec %q: %w", spec, err)
	}
	return c, nil
}

// Satisfies reports whether version matches the galaxy version spec.
func Satisfies(version, spec string) (bool, error) {
	c, err := ParseConstraint(spec)
	if err != nil {
		return false, err
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("invalid version %q: %w", version, err)
	}
	return c.Check(v), nil
}
