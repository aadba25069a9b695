// Package version parses the free-form version strings servers report
// ("1.8.10", "v2.7.1", "1.3.2-beta", "1.8.10 (git: 1.8 688e697)") into a
// comparable Info.
package version

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/koustreak/tsgate/internal/errs"
)

const unknownRaw = "unknown"

// versionCore locates the first dotted version inside a noisy string. The
// number must start the string or a word; build suffixes start with '-' or '+'.
var versionCore = regexp.MustCompile(`(?i)(?:^|\s)v?(\d+)\.(\S+?)(?:\.(\S+?))?(?:[-+]([0-9A-Za-z.\-]+))?(?:[\s,;()]|$)`)

// Info is a parsed server version. The zero value is not meaningful; use
// Unknown() for "could not tell".
type Info struct {
	Major uint64 `json:"major"`
	Minor uint64 `json:"minor"`
	Patch uint64 `json:"patch"`
	Build string `json:"build,omitempty"` // pre-release or build suffix, e.g. "beta"
	Raw   string `json:"raw"`
}

// Unknown is the sentinel returned when a server's version cannot be parsed.
func Unknown() Info {
	return Info{Raw: unknownRaw}
}

// New builds an Info from numbers, mostly useful in tests.
func New(major, minor, patch uint64) Info {
	return Info{Major: major, Minor: minor, Patch: patch, Raw: fmt.Sprintf("%d.%d.%d", major, minor, patch)}
}

// Parse extracts major/minor/patch from raw. Major and minor must be
// numeric; a missing patch defaults to zero.
func Parse(raw string) (Info, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Unknown(), errs.New(errs.ErrKindInternal, "empty version string")
	}

	m := versionCore.FindStringSubmatch(s)
	if m == nil {
		return Unknown(), errs.Newf(errs.ErrKindInternal, "no version number in %q", raw)
	}

	core := m[1] + "." + m[2]
	if m[3] != "" {
		core += "." + m[3]
	} else {
		core += ".0"
	}
	if m[4] != "" {
		core += "-" + m[4]
	}

	sv, err := semver.StrictNewVersion(core)
	if err != nil {
		return Unknown(), errs.Wrap(errs.ErrKindInternal, fmt.Sprintf("invalid version %q", raw), err)
	}

	build := sv.Prerelease()
	if meta := sv.Metadata(); meta != "" {
		if build != "" {
			build += "+"
		}
		build += meta
	}

	return Info{
		Major: sv.Major(),
		Minor: sv.Minor(),
		Patch: sv.Patch(),
		Build: build,
		Raw:   s,
	}, nil
}

// ParseOrUnknown never fails; unparsable input yields Unknown() with the raw
// text preserved in Build for diagnostics.
func ParseOrUnknown(raw string) Info {
	v, err := Parse(raw)
	if err != nil {
		u := Unknown()
		u.Build = strings.TrimSpace(raw)
		return u
	}
	return v
}

// IsUnknown reports whether v is the sentinel.
func (v Info) IsUnknown() bool {
	return v.Raw == unknownRaw || v.Raw == ""
}

// String renders "major.minor.patch[-build]", or "unknown".
func (v Info) String() string {
	if v.IsUnknown() {
		return unknownRaw
	}
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Build != "" {
		s += "-" + v.Build
	}
	return s
}

// Compare returns -1, 0 or +1. Unknown sorts below every known version.
// Pre-release builds sort below their release, following semver.
func (v Info) Compare(o Info) int {
	switch {
	case v.IsUnknown() && o.IsUnknown():
		return 0
	case v.IsUnknown():
		return -1
	case o.IsUnknown():
		return 1
	}
	return v.semver().Compare(o.semver())
}

// Less reports v < o.
func (v Info) Less(o Info) bool {
	return v.Compare(o) < 0
}

// AtLeast reports whether v >= major.minor, ignoring build suffixes so that
// "1.3.0-beta" already counts as 1.3.
func (v Info) AtLeast(major, minor uint64) bool {
	if v.IsUnknown() {
		return false
	}
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

func (v Info) semver() *semver.Version {
	pre := v.Build
	meta := ""
	if i := strings.IndexByte(pre, '+'); i >= 0 {
		pre, meta = pre[:i], pre[i+1:]
	}
	sv, err := semver.NewVersion(fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch))
	if err != nil {
		return semver.New(v.Major, v.Minor, v.Patch, "", "")
	}
	if pre == "" && meta == "" {
		return sv
	}
	if withPre, err := sv.SetPrerelease(pre); err == nil {
		sv = &withPre
	}
	if meta != "" {
		if withMeta, err := sv.SetMetadata(meta); err == nil {
			sv = &withMeta
		}
	}
	return sv
}
