package flag

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bobuhiro11/govhost/virtio"
)

var errUnknownFeature = errors.New("unknown feature")

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

// ParseFeatures parses a comma separated list of virtio feature names
// (version_1, any_layout, ...) or bit numbers into a feature mask.
func ParseFeatures(list string) (uint64, error) {
	var f uint64

	for _, item := range strings.Split(list, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" {
			continue
		}

		if bit, ok := featureBit(item); ok {
			f |= virtio.Bit(bit)

			continue
		}

		bit, err := strconv.ParseUint(item, 0, 8)
		if err != nil || bit > 63 {
			return 0, fmt.Errorf("%q: %w", item, errUnknownFeature)
		}

		f |= virtio.Bit(uint(bit))
	}

	return f, nil
}

func featureBit(name string) (uint, bool) {
	if name == "access_platform" {
		return virtio.FAccessPlatform, true
	}

	for bit, n := range virtio.FeatureNames {
		if n == name {
			return bit, true
		}
	}

	return 0, false
}
