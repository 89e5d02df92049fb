package registry

import (
	"fmt"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Platform selects one variant of a multi-platform image.
type Platform struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	Variant      string `json:"variant,omitempty"`
}

// ParsePlatform parses "os/arch[/variant]", e.g. "linux/arm64/v8".
func ParsePlatform(s string) (Platform, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return Platform{}, fmt.Errorf("invalid platform %q: want os/arch[/variant]", s)
	}
	p := Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		p.Variant = parts[2]
	}
	return p.normalize(), nil
}

func (p Platform) String() string {
	if p.Variant == "" {
		return p.OS + "/" + p.Architecture
	}
	return p.OS + "/" + p.Architecture + "/" + p.Variant
}

// normalize fills in the implied variant of arm64, which registries are
// inconsistent about publishing.
func (p Platform) normalize() Platform {
	if p.Architecture == "arm64" && p.Variant == "" {
		p.Variant = "v8"
	}
	return p
}

// Matches reports whether an index entry's platform is p.
func (p Platform) Matches(other *ocispec.Platform) bool {
	if other == nil {
		return false
	}
	o := Platform{OS: other.OS, Architecture: other.Architecture, Variant: other.Variant}.normalize()
	want := p.normalize()
	if o.OS != want.OS || o.Architecture != want.Architecture {
		return false
	}
	return want.Variant == "" || o.Variant == want.Variant
}
