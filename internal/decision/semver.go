package decision

import (
	"strings"

	"github.com/coreos/go-semver/semver"
)

// CompareVersions orders two controller versions. ok is false when either
// side is not a semantic version; cmp is then 0 only for identical strings.
func CompareVersions(a, b string) (cmp int, ok bool) {
	a = strings.TrimPrefix(strings.TrimSpace(a), "v")
	b = strings.TrimPrefix(strings.TrimSpace(b), "v")
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		if a == b {
			return 0, false
		}
		return 1, false
	}
	return va.Compare(*vb), true
}
