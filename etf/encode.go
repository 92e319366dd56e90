package etf

import (
	"encoding/binary"
	"math"
	"math/big"

	"github.com/sile/erl-dist/lib"
)

// EncodeOptions
type EncodeOptions struct {
	// AtomCache is the connection atom cache of the sending side.
	// When set together with WriterAtomCache/EncodingAtomCache, atoms
	// are emitted as cache references where possible.
	AtomCache *AtomCache

	// WriterAtomCache is the sender's view of which atoms already
	// occupy cache slots.
	WriterAtomCache map[Atom]CacheItem

	// EncodingAtomCache collects the cache references used by the
	// current message for the distribution header.
	EncodingAtomCache *ListAtomCache

	// FlagBigPidRef is set when the connection negotiated V4_NC.
	FlagBigPidRef bool
}

// Encode appends the external term format of term to b, without the
// leading version magic. Encoders pick the narrowest legal tag and
// always emit the "new" pid/port/reference forms.
func Encode(term Term, b *lib.Buffer, options EncodeOptions) error {
	switch t := term.(type) {
	case Atom:
		return encodeAtom(t, b, options)

	case bool:
		if t {
			return encodeAtom(Atom("true"), b, options)
		}
		return encodeAtom(Atom("false"), b, options)

	case int:
		return encodeInt64(int64(t), b)
	case int8:
		return encodeInt64(int64(t), b)
	case int16:
		return encodeInt64(int64(t), b)
	case int32:
		return encodeInt64(int64(t), b)
	case int64:
		return encodeInt64(t, b)
	case uint8:
		b.Append([]byte{ettSmallInteger, t})
		return nil
	case uint16:
		return encodeInt64(int64(t), b)
	case uint32:
		return encodeInt64(int64(t), b)
	case uint:
		return encodeUint64(uint64(t), b)
	case uint64:
		return encodeUint64(t, b)

	case *big.Int:
		return encodeBigInt(t, b)

	case float32:
		return encodeFloat(float64(t), b)
	case float64:
		return encodeFloat(t, b)

	case string:
		// Go strings ride as binaries. STRING_EXT is never emitted:
		// it is indistinguishable from a list of small integers on
		// the receiving side.
		return encodeBinary([]byte(t), b)
	case []byte:
		return encodeBinary(t, b)

	case BitBinary:
		if len(t.Data) == 0 || t.Bits < 1 || t.Bits > 8 {
			return ErrUnsupportedType
		}
		buf := b.Extend(1 + 4 + 1)
		buf[0] = ettBitBinary
		binary.BigEndian.PutUint32(buf[1:5], uint32(len(t.Data)))
		buf[5] = t.Bits
		b.Append(t.Data)
		return nil

	case Tuple:
		if len(t) <= math.MaxUint8 {
			b.Append([]byte{ettSmallTuple, byte(len(t))})
		} else {
			buf := b.Extend(5)
			buf[0] = ettLargeTuple
			binary.BigEndian.PutUint32(buf[1:5], uint32(len(t)))
		}
		for _, e := range t {
			if err := Encode(e, b, options); err != nil {
				return err
			}
		}
		return nil

	case List:
		if len(t) == 0 {
			b.AppendByte(ettNil)
			return nil
		}
		buf := b.Extend(5)
		buf[0] = ettList
		binary.BigEndian.PutUint32(buf[1:5], uint32(len(t)))
		for _, e := range t {
			if err := Encode(e, b, options); err != nil {
				return err
			}
		}
		b.AppendByte(ettNil)
		return nil

	case ListImproper:
		if len(t) < 2 {
			return ErrUnsupportedType
		}
		buf := b.Extend(5)
		buf[0] = ettList
		binary.BigEndian.PutUint32(buf[1:5], uint32(len(t)-1))
		for _, e := range t {
			if err := Encode(e, b, options); err != nil {
				return err
			}
		}
		return nil

	case Map:
		buf := b.Extend(5)
		buf[0] = ettMap
		binary.BigEndian.PutUint32(buf[1:5], uint32(len(t)))
		for key, value := range t {
			if err := Encode(key, b, options); err != nil {
				return err
			}
			if err := Encode(value, b, options); err != nil {
				return err
			}
		}
		return nil

	case Pid:
		b.AppendByte(ettNewPid)
		if err := encodeAtom(t.Node, b, options); err != nil {
			return err
		}
		buf := b.Extend(12)
		binary.BigEndian.PutUint32(buf[0:4], t.Id)
		binary.BigEndian.PutUint32(buf[4:8], t.Serial)
		binary.BigEndian.PutUint32(buf[8:12], t.Creation)
		return nil

	case Port:
		if t.Id > math.MaxUint32 {
			b.AppendByte(ettV4Port)
			if err := encodeAtom(t.Node, b, options); err != nil {
				return err
			}
			buf := b.Extend(12)
			binary.BigEndian.PutUint64(buf[0:8], t.Id)
			binary.BigEndian.PutUint32(buf[8:12], t.Creation)
			return nil
		}
		b.AppendByte(ettNewPort)
		if err := encodeAtom(t.Node, b, options); err != nil {
			return err
		}
		buf := b.Extend(8)
		binary.BigEndian.PutUint32(buf[0:4], uint32(t.Id))
		binary.BigEndian.PutUint32(buf[4:8], t.Creation)
		return nil

	case Ref:
		return encodeRef(t, b, options)

	case Alias:
		return encodeRef(Ref(t), b, options)

	case Function:
		return encodeFunction(t, b, options)

	case Export:
		b.AppendByte(ettExport)
		if err := encodeAtom(t.Module, b, options); err != nil {
			return err
		}
		if err := encodeAtom(t.Function, b, options); err != nil {
			return err
		}
		if t.Arity < 0 || t.Arity > math.MaxUint8 {
			return ErrUnsupportedType
		}
		b.Append([]byte{ettSmallInteger, byte(t.Arity)})
		return nil

	default:
		return ErrUnsupportedType
	}
}

// EncodeWithVersion appends the version magic 131 followed by the term.
func EncodeWithVersion(term Term, b *lib.Buffer, options EncodeOptions) error {
	b.AppendByte(EtVersion)
	return Encode(term, b, options)
}

func encodeAtom(atom Atom, b *lib.Buffer, options EncodeOptions) error {
	if options.EncodingAtomCache != nil && options.AtomCache != nil &&
		options.EncodingAtomCache.Len() < 255 {
		ci, found := options.WriterAtomCache[atom]
		if !found {
			// assign a slot. the atom text itself rides in the
			// cache-update section of this message, not inline
			options.AtomCache.Append(atom)
			if id, ok := options.AtomCache.ID(atom); ok {
				ci = CacheItem{ID: id, Name: atom}
				options.WriterAtomCache[atom] = ci
				found = true
			}
			// a full cache leaves the atom inline
		}
		if found {
			idx := byte(options.EncodingAtomCache.Len())
			options.EncodingAtomCache.Append(ci)
			b.Append([]byte{ettCacheRef, idx})
			return nil
		}
	}

	if len(atom) <= math.MaxUint8 {
		b.Append([]byte{ettSmallAtomUTF8, byte(len(atom))})
		b.AppendString(string(atom))
		return nil
	}

	// a long utf8 atom may use up to 4 bytes per character but is
	// limited to 255 characters
	if len([]rune(string(atom))) > 255 {
		return ErrAtomTooLong
	}
	buf := b.Extend(3)
	buf[0] = ettAtomUTF8
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(atom)))
	b.AppendString(string(atom))
	return nil
}

func encodeInt64(v int64, b *lib.Buffer) error {
	if v >= 0 && v <= math.MaxUint8 {
		b.Append([]byte{ettSmallInteger, byte(v)})
		return nil
	}

	if v >= math.MinInt32 && v <= math.MaxInt32 {
		buf := b.Extend(5)
		buf[0] = ettInteger
		binary.BigEndian.PutUint32(buf[1:5], uint32(int32(v)))
		return nil
	}

	var magnitude uint64
	negative := byte(0)
	if v < 0 {
		negative = 1
		magnitude = uint64(-(v + 1)) + 1
	} else {
		magnitude = uint64(v)
	}
	return encodeSmallBig(magnitude, negative, b)
}

func encodeUint64(v uint64, b *lib.Buffer) error {
	if v <= math.MaxInt64 {
		return encodeInt64(int64(v), b)
	}
	return encodeSmallBig(v, 0, b)
}

func encodeSmallBig(magnitude uint64, sign byte, b *lib.Buffer) error {
	var le8 [8]byte
	binary.LittleEndian.PutUint64(le8[:], magnitude)

	n := 8
	for n > 1 && le8[n-1] == 0 {
		n--
	}

	b.Append([]byte{ettSmallBig, byte(n), sign})
	b.Append(le8[:n])
	return nil
}

func encodeBigInt(v *big.Int, b *lib.Buffer) error {
	if v.IsInt64() {
		return encodeInt64(v.Int64(), b)
	}
	if v.IsUint64() {
		return encodeUint64(v.Uint64(), b)
	}

	// magnitude bytes are little endian on the wire
	bytes := v.Bytes()
	l := len(bytes)
	for i := 0; i < l/2; i++ {
		bytes[i], bytes[l-1-i] = bytes[l-1-i], bytes[i]
	}

	sign := byte(0)
	if v.Sign() < 0 {
		sign = 1
	}

	if l <= math.MaxUint8 {
		b.Append([]byte{ettSmallBig, byte(l), sign})
		b.Append(bytes)
		return nil
	}

	buf := b.Extend(6)
	buf[0] = ettLargeBig
	binary.BigEndian.PutUint32(buf[1:5], uint32(l))
	buf[5] = sign
	b.Append(bytes)
	return nil
}

func encodeFloat(f float64, b *lib.Buffer) error {
	buf := b.Extend(9)
	buf[0] = ettNewFloat
	binary.BigEndian.PutUint64(buf[1:9], math.Float64bits(f))
	return nil
}

func encodeBinary(data []byte, b *lib.Buffer) error {
	if uint64(len(data)) > math.MaxUint32 {
		return ErrStringTooLong
	}
	buf := b.Extend(5)
	buf[0] = ettBinary
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(data)))
	b.Append(data)
	return nil
}

func encodeRef(r Ref, b *lib.Buffer, options EncodeOptions) error {
	l := len(r.Id)
	if l == 0 || l > 5 {
		return ErrUnsupportedType
	}
	if l > 3 && !options.FlagBigPidRef {
		return ErrUnsupportedType
	}

	buf := b.Extend(3)
	buf[0] = ettNewerRef
	binary.BigEndian.PutUint16(buf[1:3], uint16(l))
	if err := encodeAtom(r.Node, b, options); err != nil {
		return err
	}
	buf = b.Extend(4 + l*4)
	binary.BigEndian.PutUint32(buf[0:4], r.Creation)
	for i, id := range r.Id {
		binary.BigEndian.PutUint32(buf[4+i*4:8+i*4], id)
	}
	return nil
}

func encodeFunction(f Function, b *lib.Buffer, options EncodeOptions) error {
	b.AppendByte(ettNewFun)

	// the 4-byte size field covers everything from itself to the end
	// of the fun. it is backpatched once the variable parts are known.
	sizePosition := b.Len()
	buf := b.Extend(4 + 1 + 16 + 4 + 4)
	buf[4] = f.Arity
	copy(buf[5:21], f.Unique[:])
	binary.BigEndian.PutUint32(buf[21:25], f.Index)
	binary.BigEndian.PutUint32(buf[25:29], uint32(len(f.FreeVars)))

	if err := encodeAtom(f.Module, b, options); err != nil {
		return err
	}
	if err := encodeInt64(int64(f.OldIndex), b); err != nil {
		return err
	}
	if err := encodeInt64(int64(f.OldUnique), b); err != nil {
		return err
	}
	if err := Encode(f.Pid, b, options); err != nil {
		return err
	}
	for _, fv := range f.FreeVars {
		if err := Encode(fv, b, options); err != nil {
			return err
		}
	}

	binary.BigEndian.PutUint32(b.B[sizePosition:sizePosition+4], uint32(b.Len()-sizePosition))
	return nil
}
