package tap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// Version is a declared protocol version of the form YYYY.MINOR, e.g.
// "2025.1". The year acts as the major component.
type Version struct {
	Year  int
	Minor int
}

// ParseVersion validates the YYYY.MINOR shape.
func ParseVersion(s string) (Version, error) {
	yearPart, minorPart, ok := strings.Cut(s, ".")
	if !ok {
		return Version{}, fmt.Errorf("version %q: want YYYY.MINOR", s)
	}
	year, err := strconv.Atoi(yearPart)
	if err != nil || len(yearPart) != 4 {
		return Version{}, fmt.Errorf("version %q: year must be four digits", s)
	}
	minor, err := strconv.Atoi(minorPart)
	if err != nil || minor < 0 {
		return Version{}, fmt.Errorf("version %q: minor must be a non-negative integer", s)
	}
	return Version{Year: year, Minor: minor}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Year, v.Minor)
}

// CheckVersion accepts any declared minor within the supported year. A
// different year is a major mismatch.
func CheckVersion(declared string, supported Version) error {
	v, err := ParseVersion(declared)
	if err != nil {
		return errs.Wrap(err, errs.KindValidation, CodeVersionUnsupported, "protocol version is malformed")
	}
	if v.Year != supported.Year {
		return errs.Newf(errs.KindValidation, CodeVersionUnsupported,
			"protocol version %s is not supported (supported: %s)", declared, supported)
	}
	return nil
}
