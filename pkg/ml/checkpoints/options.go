package checkpoints

import "github.com/pkg/errors"

// BinFormat defines the type for representing binary file compression formats.
type BinFormat int

const (
	// BinGZIP represents the GZIP compressed binary file format.
	BinGZIP BinFormat = iota

	// BinUncompressed represents the uncompressed binary file format: the raw little-endian float64 values.
	BinUncompressed
)

// String implements the Stringer interface.
func (bf BinFormat) String() string {
	switch bf {
	case BinGZIP:
		return "gzip"
	case BinUncompressed:
		return "uncompressed"
	default:
		return "unknown"
	}
}

// ParseBinFormat is the inverse of BinFormat.String.
func ParseBinFormat(s string) (BinFormat, error) {
	switch s {
	case "gzip", "":
		return BinGZIP, nil
	case "uncompressed", "none":
		return BinUncompressed, nil
	}
	return BinGZIP, errors.Wrapf(ErrUnsupportedCompression, "compression %q", s)
}
