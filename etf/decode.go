package etf

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"unicode/utf8"
)

// DecodeOptions
type DecodeOptions struct {
	// FlagBigPidRef is set when the connection negotiated V4_NC: full
	// 32-bit pid id/serial, 64-bit port ids and up to 5 reference words.
	FlagBigPidRef bool

	// MaxDepth limits term nesting. 0 means DefaultMaxDepth.
	MaxDepth int
}

// DefaultMaxDepth is the decoder nesting guard applied when
// DecodeOptions.MaxDepth is left zero.
const DefaultMaxDepth = 256

var (
	biggestInt = big.NewInt(math.MaxInt64)
	lowestInt  = big.NewInt(math.MinInt64)

	termNil = make(List, 0)
)

type decoder struct {
	cache    []Atom
	options  DecodeOptions
	maxDepth int
}

// Decode reads one term from packet and returns it with the unconsumed
// rest of the packet. The term must not carry the leading version magic;
// see DecodeWithVersion for whole external terms. cache is the
// per-message atom table built from the distribution header (nil when
// the connection has no atom cache).
func Decode(packet []byte, cache []Atom, options DecodeOptions) (retTerm Term, retRest []byte, retErr error) {
	// Some Erlang terms can not be represented in Go: a map with a
	// tuple key makes a Go map with an unhashable key and panics the
	// runtime. Turn such panics into decode errors.
	defer func() {
		if r := recover(); r != nil {
			retTerm = nil
			retRest = nil
			retErr = fmt.Errorf("malformed ETF: %v", r)
		}
	}()

	d := &decoder{
		cache:    cache,
		options:  options,
		maxDepth: options.MaxDepth,
	}
	if d.maxDepth == 0 {
		d.maxDepth = DefaultMaxDepth
	}
	return d.decodeTerm(packet, 0)
}

// DecodeWithVersion reads one term prefixed with the version magic 131.
func DecodeWithVersion(packet []byte, cache []Atom, options DecodeOptions) (Term, []byte, error) {
	if len(packet) == 0 {
		return nil, nil, ErrTermTruncated
	}
	if packet[0] != EtVersion {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnexpectedVersion, packet[0])
	}
	return Decode(packet[1:], cache, options)
}

func (d *decoder) decodeTerm(packet []byte, depth int) (Term, []byte, error) {
	if depth > d.maxDepth {
		return nil, nil, ErrDepthLimit
	}
	if len(packet) == 0 {
		return nil, nil, ErrTermTruncated
	}

	t := packet[0]
	packet = packet[1:]

	switch t {
	case ettAtomUTF8, ettAtom:
		if len(packet) < 2 {
			return nil, nil, truncated(t)
		}
		n := int(binary.BigEndian.Uint16(packet))
		if len(packet) < n+2 {
			return nil, nil, truncated(t)
		}
		atom, err := d.decodeAtomText(t, packet[2:n+2])
		if err != nil {
			return nil, nil, err
		}
		return atom, packet[n+2:], nil

	case ettSmallAtomUTF8, ettSmallAtom:
		if len(packet) == 0 {
			return nil, nil, truncated(t)
		}
		n := int(packet[0])
		if len(packet) < n+1 {
			return nil, nil, truncated(t)
		}
		atom, err := d.decodeAtomText(t, packet[1:n+1])
		if err != nil {
			return nil, nil, err
		}
		return atom, packet[n+1:], nil

	case ettCacheRef:
		if len(packet) == 0 {
			return nil, nil, truncated(t)
		}
		// the per-message cache is fully populated by the distribution
		// header decoder, so only the bounds can be wrong here
		i := int(packet[0])
		if i >= len(d.cache) {
			return nil, nil, fmt.Errorf("%w: reference %d", ErrAtomCacheMiss, i)
		}
		return atomOrBool(d.cache[i]), packet[1:], nil

	case ettString:
		if len(packet) < 2 {
			return nil, nil, truncated(t)
		}
		n := int(binary.BigEndian.Uint16(packet))
		if len(packet) < n+2 {
			return nil, nil, truncated(t)
		}
		// STRING_EXT is a shorthand for a list of small integers
		l := make(List, n)
		for i := 0; i < n; i++ {
			l[i] = int(packet[2+i])
		}
		return l, packet[n+2:], nil

	case ettNewFloat:
		if len(packet) < 8 {
			return nil, nil, truncated(t)
		}
		bits := binary.BigEndian.Uint64(packet[:8])
		return math.Float64frombits(bits), packet[8:], nil

	case ettFloat:
		if len(packet) < 31 {
			return nil, nil, truncated(t)
		}
		// the 31-byte ASCII form is zero padded
		s := strings.TrimRight(string(packet[:31]), "\x00 ")
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnexpectedTag, tagName(t))
		}
		return f, packet[31:], nil

	case ettSmallInteger:
		if len(packet) == 0 {
			return nil, nil, truncated(t)
		}
		return int(packet[0]), packet[1:], nil

	case ettInteger:
		if len(packet) < 4 {
			return nil, nil, truncated(t)
		}
		return int(int32(binary.BigEndian.Uint32(packet[:4]))), packet[4:], nil

	case ettSmallBig:
		if len(packet) < 2 {
			return nil, nil, truncated(t)
		}
		n := int(packet[0])
		if len(packet) < n+2 {
			return nil, nil, truncated(t)
		}
		return d.decodeBig(t, packet[1], packet[2:n+2], packet[n+2:])

	case ettLargeBig:
		if len(packet) < 5 {
			return nil, nil, truncated(t)
		}
		n := int(binary.BigEndian.Uint32(packet[:4]))
		if uint64(n) > uint64(len(packet)) || len(packet) < n+5 {
			return nil, nil, truncated(t)
		}
		return d.decodeBig(t, packet[4], packet[5:n+5], packet[n+5:])

	case ettNil:
		return termNil, packet, nil

	case ettList:
		if len(packet) < 4 {
			return nil, nil, truncated(t)
		}
		n := binary.BigEndian.Uint32(packet[:4])
		packet = packet[4:]
		// each element takes at least one byte, plus the tail
		if uint64(n) > uint64(len(packet)) {
			return nil, nil, fmt.Errorf("%w: %s", ErrLengthOverflow, tagName(t))
		}
		elements := make([]Term, n)
		var err error
		for i := uint32(0); i < n; i++ {
			elements[i], packet, err = d.decodeTerm(packet, depth+1)
			if err != nil {
				return nil, nil, err
			}
		}
		var tail Term
		tail, packet, err = d.decodeTerm(packet, depth+1)
		if err != nil {
			return nil, nil, err
		}
		if tl, ok := tail.(List); ok {
			if len(tl) == 0 {
				return List(elements), packet, nil
			}
			return List(append(elements, tl...)), packet, nil
		}
		return ListImproper(append(elements, tail)), packet, nil

	case ettSmallTuple, ettLargeTuple:
		var n uint32
		if t == ettSmallTuple {
			if len(packet) == 0 {
				return nil, nil, truncated(t)
			}
			n = uint32(packet[0])
			packet = packet[1:]
		} else {
			if len(packet) < 4 {
				return nil, nil, truncated(t)
			}
			n = binary.BigEndian.Uint32(packet[:4])
			packet = packet[4:]
		}
		if uint64(n) > uint64(len(packet)) {
			return nil, nil, fmt.Errorf("%w: %s", ErrLengthOverflow, tagName(t))
		}
		tuple := make(Tuple, n)
		var err error
		for i := uint32(0); i < n; i++ {
			tuple[i], packet, err = d.decodeTerm(packet, depth+1)
			if err != nil {
				return nil, nil, err
			}
		}
		return tuple, packet, nil

	case ettMap:
		if len(packet) < 4 {
			return nil, nil, truncated(t)
		}
		n := binary.BigEndian.Uint32(packet[:4])
		packet = packet[4:]
		if uint64(n)*2 > uint64(len(packet)) {
			return nil, nil, fmt.Errorf("%w: %s", ErrLengthOverflow, tagName(t))
		}
		m := make(Map, n)
		var key, value Term
		var err error
		for i := uint32(0); i < n; i++ {
			key, packet, err = d.decodeTerm(packet, depth+1)
			if err != nil {
				return nil, nil, err
			}
			value, packet, err = d.decodeTerm(packet, depth+1)
			if err != nil {
				return nil, nil, err
			}
			if _, exist := m[key]; exist {
				return nil, nil, fmt.Errorf("%w: %v", ErrDuplicateMapKey, key)
			}
			m[key] = value
		}
		return m, packet, nil

	case ettBinary:
		if len(packet) < 4 {
			return nil, nil, truncated(t)
		}
		n := binary.BigEndian.Uint32(packet[:4])
		if uint64(n) > uint64(len(packet)-4) {
			return nil, nil, truncated(t)
		}
		b := make([]byte, n)
		copy(b, packet[4:n+4])
		return b, packet[n+4:], nil

	case ettBitBinary:
		if len(packet) < 5 {
			return nil, nil, truncated(t)
		}
		n := binary.BigEndian.Uint32(packet[:4])
		bits := packet[4]
		if bits < 1 || bits > 8 {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnexpectedTag, tagName(t))
		}
		if uint64(n) > uint64(len(packet)-5) {
			return nil, nil, truncated(t)
		}
		b := make([]byte, n)
		copy(b, packet[5:n+5])
		return BitBinary{Data: b, Bits: bits}, packet[n+5:], nil

	case ettPid, ettNewPid:
		node, rest, err := d.decodeAtom(packet, depth)
		if err != nil {
			return nil, nil, err
		}
		packet = rest

		need := 9 // id(4) + serial(4) + creation(1)
		if t == ettNewPid {
			need = 12 // creation widens to 4 bytes
		}
		if len(packet) < need {
			return nil, nil, truncated(t)
		}

		pid := Pid{
			Node:   node,
			Id:     binary.BigEndian.Uint32(packet[0:4]),
			Serial: binary.BigEndian.Uint32(packet[4:8]),
		}
		if t == ettPid {
			// the legacy 8-bit creation is zero-extended
			pid.Creation = uint32(packet[8])
		} else {
			pid.Creation = binary.BigEndian.Uint32(packet[8:12])
		}
		if !d.options.FlagBigPidRef {
			// 15 bits of id and 13 bits of serial are significant
			pid.Id &= 32767
			pid.Serial &= 8191
		}
		return pid, packet[need:], nil

	case ettPort, ettNewPort, ettV4Port:
		node, rest, err := d.decodeAtom(packet, depth)
		if err != nil {
			return nil, nil, err
		}
		packet = rest

		port := Port{Node: node}
		switch t {
		case ettPort:
			if len(packet) < 5 {
				return nil, nil, truncated(t)
			}
			// 28 bits are significant in the legacy id
			port.Id = uint64(binary.BigEndian.Uint32(packet[0:4]) & 268435455)
			port.Creation = uint32(packet[4])
			packet = packet[5:]
		case ettNewPort:
			if len(packet) < 8 {
				return nil, nil, truncated(t)
			}
			port.Id = uint64(binary.BigEndian.Uint32(packet[0:4]))
			port.Creation = binary.BigEndian.Uint32(packet[4:8])
			packet = packet[8:]
		default: // ettV4Port
			if len(packet) < 12 {
				return nil, nil, truncated(t)
			}
			port.Id = binary.BigEndian.Uint64(packet[0:8])
			port.Creation = binary.BigEndian.Uint32(packet[8:12])
			packet = packet[12:]
		}
		return port, packet, nil

	case ettRef:
		node, rest, err := d.decodeAtom(packet, depth)
		if err != nil {
			return nil, nil, err
		}
		packet = rest
		if len(packet) < 5 {
			return nil, nil, truncated(t)
		}
		ref := Ref{
			Node:     node,
			Creation: uint32(packet[4]),
			Id:       []uint32{binary.BigEndian.Uint32(packet[0:4]) & 262143},
		}
		return ref, packet[5:], nil

	case ettNewRef, ettNewerRef:
		if len(packet) < 2 {
			return nil, nil, truncated(t)
		}
		l := int(binary.BigEndian.Uint16(packet[:2]))
		if l > 5 {
			return nil, nil, fmt.Errorf("%w: %s", ErrLengthOverflow, tagName(t))
		}
		if l > 3 && !d.options.FlagBigPidRef {
			return nil, nil, fmt.Errorf("%w: %s", ErrLengthOverflow, tagName(t))
		}

		node, rest, err := d.decodeAtom(packet[2:], depth)
		if err != nil {
			return nil, nil, err
		}
		packet = rest

		ref := Ref{Node: node, Id: make([]uint32, l)}
		if t == ettNewRef {
			if len(packet) < 1+l*4 {
				return nil, nil, truncated(t)
			}
			ref.Creation = uint32(packet[0])
			packet = packet[1:]
		} else {
			if len(packet) < 4+l*4 {
				return nil, nil, truncated(t)
			}
			ref.Creation = binary.BigEndian.Uint32(packet[:4])
			packet = packet[4:]
		}
		for i := 0; i < l; i++ {
			id := binary.BigEndian.Uint32(packet[:4])
			if i == 0 && t == ettNewRef {
				// 18 bits are significant in the first legacy word
				id &= 262143
			}
			ref.Id[i] = id
			packet = packet[4:]
		}
		return ref, packet, nil

	case ettNewFun:
		// size(4) arity(1) uniq(16) index(4) numFree(4) then
		// module, oldIndex, oldUniq, pid and the free variables
		if len(packet) < 29 {
			return nil, nil, truncated(t)
		}
		fun := Function{Arity: packet[4]}
		copy(fun.Unique[:], packet[5:21])
		fun.Index = binary.BigEndian.Uint32(packet[21:25])
		numFree := binary.BigEndian.Uint32(packet[25:29])
		packet = packet[29:]

		node, rest, err := d.decodeAtom(packet, depth)
		if err != nil {
			return nil, nil, err
		}
		fun.Module = node
		packet = rest

		oldIndex, rest, err := d.decodeInt(packet, depth)
		if err != nil {
			return nil, nil, err
		}
		fun.OldIndex = uint32(oldIndex)
		packet = rest

		oldUnique, rest, err := d.decodeInt(packet, depth)
		if err != nil {
			return nil, nil, err
		}
		fun.OldUnique = uint32(oldUnique)
		packet = rest

		pidTerm, rest, err := d.decodeTerm(packet, depth+1)
		if err != nil {
			return nil, nil, err
		}
		pid, ok := pidTerm.(Pid)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnexpectedTag, tagName(t))
		}
		fun.Pid = pid
		packet = rest

		if uint64(numFree) > uint64(len(packet)) {
			return nil, nil, fmt.Errorf("%w: %s", ErrLengthOverflow, tagName(t))
		}
		fun.FreeVars = make([]Term, numFree)
		for i := uint32(0); i < numFree; i++ {
			fun.FreeVars[i], packet, err = d.decodeTerm(packet, depth+1)
			if err != nil {
				return nil, nil, err
			}
		}
		return fun, packet, nil

	case ettFun:
		// legacy FUN_EXT: numFree(4) pid module index uniq freeVars
		if len(packet) < 4 {
			return nil, nil, truncated(t)
		}
		numFree := binary.BigEndian.Uint32(packet[:4])
		packet = packet[4:]

		fun := Function{}

		pidTerm, rest, err := d.decodeTerm(packet, depth+1)
		if err != nil {
			return nil, nil, err
		}
		pid, ok := pidTerm.(Pid)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnexpectedTag, tagName(t))
		}
		fun.Pid = pid
		packet = rest

		node, rest, err := d.decodeAtom(packet, depth)
		if err != nil {
			return nil, nil, err
		}
		fun.Module = node
		packet = rest

		index, rest, err := d.decodeInt(packet, depth)
		if err != nil {
			return nil, nil, err
		}
		fun.Index = uint32(index)
		fun.OldIndex = uint32(index)
		packet = rest

		uniq, rest, err := d.decodeInt(packet, depth)
		if err != nil {
			return nil, nil, err
		}
		fun.OldUnique = uint32(uniq)
		packet = rest

		if uint64(numFree) > uint64(len(packet)) {
			return nil, nil, fmt.Errorf("%w: %s", ErrLengthOverflow, tagName(t))
		}
		fun.FreeVars = make([]Term, numFree)
		for i := uint32(0); i < numFree; i++ {
			fun.FreeVars[i], packet, err = d.decodeTerm(packet, depth+1)
			if err != nil {
				return nil, nil, err
			}
		}
		return fun, packet, nil

	case ettExport:
		module, rest, err := d.decodeAtom(packet, depth)
		if err != nil {
			return nil, nil, err
		}
		packet = rest

		function, rest, err := d.decodeAtom(packet, depth)
		if err != nil {
			return nil, nil, err
		}
		packet = rest

		arity, rest, err := d.decodeInt(packet, depth)
		if err != nil {
			return nil, nil, err
		}
		return Export{Module: module, Function: function, Arity: int(arity)}, rest, nil

	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnexpectedTag, tagName(t))
	}
}

// decodeAtom decodes the next term and requires it to be an atom
// (inline, cached or the booleans).
func (d *decoder) decodeAtom(packet []byte, depth int) (Atom, []byte, error) {
	term, rest, err := d.decodeTerm(packet, depth+1)
	if err != nil {
		return "", nil, err
	}
	switch a := term.(type) {
	case Atom:
		return a, rest, nil
	case bool:
		if a {
			return Atom("true"), rest, nil
		}
		return Atom("false"), rest, nil
	}
	return "", nil, fmt.Errorf("%w: atom expected", ErrUnexpectedTag)
}

// decodeInt decodes the next term and requires a fixed-size integer.
func (d *decoder) decodeInt(packet []byte, depth int) (int64, []byte, error) {
	term, rest, err := d.decodeTerm(packet, depth+1)
	if err != nil {
		return 0, nil, err
	}
	switch v := term.(type) {
	case int:
		return int64(v), rest, nil
	case int64:
		return v, rest, nil
	}
	return 0, nil, fmt.Errorf("%w: integer expected", ErrUnexpectedTag)
}

func (d *decoder) decodeAtomText(t byte, text []byte) (Term, error) {
	switch t {
	case ettAtomUTF8, ettSmallAtomUTF8:
		if !utf8.Valid(text) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidUTF8Atom, tagName(t))
		}
		if utf8.RuneCount(text) > 255 {
			return nil, fmt.Errorf("%w: %s", ErrLengthOverflow, tagName(t))
		}
		return atomOrBool(Atom(text)), nil
	default:
		// latin1 atom. widen to utf8
		if len(text) > 255 {
			return nil, fmt.Errorf("%w: %s", ErrLengthOverflow, tagName(t))
		}
		return atomOrBool(latin1ToUTF8(text)), nil
	}
}

func (d *decoder) decodeBig(t byte, sign byte, magnitude []byte, rest []byte) (Term, []byte, error) {
	if sign > 1 {
		return nil, nil, fmt.Errorf("%w: %d", ErrBigIntegerSign, sign)
	}
	negative := sign == 1

	if len(magnitude) < 9 {
		// fits into a machine word
		le8 := make([]byte, 8)
		copy(le8, magnitude)
		v := binary.LittleEndian.Uint64(le8)
		switch {
		case !negative && v > math.MaxInt64:
			return v, rest, nil
		case !negative:
			return int64(v), rest, nil
		case v < 1<<63:
			return -int64(v), rest, nil
		case v == 1<<63:
			return int64(math.MinInt64), rest, nil
		default:
			neg := new(big.Int).SetUint64(v)
			return neg.Neg(neg), rest, nil
		}
	}

	// the magnitude is little endian. convert to the big endian order
	bytes := make([]byte, len(magnitude))
	for i, b := range magnitude {
		bytes[len(magnitude)-1-i] = b
	}

	bigInt := new(big.Int).SetBytes(bytes)
	if negative {
		bigInt = bigInt.Neg(bigInt)
	}

	// try int64
	if bigInt.Cmp(biggestInt) <= 0 && bigInt.Cmp(lowestInt) >= 0 {
		return bigInt.Int64(), rest, nil
	}
	return bigInt, rest, nil
}

func atomOrBool(a Atom) Term {
	switch a {
	case "true":
		return true
	case "false":
		return false
	}
	return a
}

func latin1ToUTF8(text []byte) Atom {
	ascii := true
	for _, c := range text {
		if c > 127 {
			ascii = false
			break
		}
	}
	if ascii {
		return Atom(text)
	}
	runes := make([]rune, len(text))
	for i, c := range text {
		runes[i] = rune(c)
	}
	return Atom(runes)
}

func truncated(t byte) error {
	return fmt.Errorf("%w: %s", ErrTermTruncated, tagName(t))
}
