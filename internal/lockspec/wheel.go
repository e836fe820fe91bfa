package lockspec

import (
	"fmt"
	"strings"
)

// WheelTags are the compatibility tags encoded in a wheel filename.
type WheelTags struct {
	Python   string
	ABI      string
	Platform string
}

// ParseWheelFilename extracts the tags from
// {name}-{version}(-{build})?-{python}-{abi}-{platform}.whl.
func ParseWheelFilename(name string) (WheelTags, error) {
	if !strings.HasSuffix(name, ".whl") {
		return WheelTags{}, fmt.Errorf("%q is not a wheel", name)
	}
	parts := strings.Split(strings.TrimSuffix(name, ".whl"), "-")
	if len(parts) != 5 && len(parts) != 6 {
		return WheelTags{}, fmt.Errorf("malformed wheel filename %q", name)
	}
	n := len(parts)
	return WheelTags{Python: parts[n-3], ABI: parts[n-2], Platform: parts[n-1]}, nil
}
