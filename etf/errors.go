package etf

import "fmt"

// Decode error kinds. Decode wraps these with the offending tag name,
// so callers match with errors.Is.
var (
	ErrTermTruncated     = fmt.Errorf("malformed ETF: truncated")
	ErrUnexpectedTag     = fmt.Errorf("malformed ETF: unexpected tag")
	ErrUnexpectedVersion = fmt.Errorf("malformed ETF: unexpected version magic")
	ErrInvalidUTF8Atom   = fmt.Errorf("malformed ETF: invalid utf8 atom")
	ErrAtomCacheMiss     = fmt.Errorf("malformed ETF: atom cache miss")
	ErrDuplicateMapKey   = fmt.Errorf("malformed ETF: duplicate map key")
	ErrBigIntegerSign    = fmt.Errorf("malformed ETF: invalid big integer sign")
	ErrLengthOverflow    = fmt.Errorf("malformed ETF: length overflow")
	ErrDepthLimit        = fmt.Errorf("malformed ETF: nesting depth limit exceeded")

	ErrStringTooLong   = fmt.Errorf("encoding error: string too long")
	ErrAtomTooLong     = fmt.Errorf("encoding error: atom is too long")
	ErrUnsupportedType = fmt.Errorf("encoding error: unsupported type")
)
