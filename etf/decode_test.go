package etf

import (
	"errors"
	"math/big"
	"reflect"
	"testing"
)

func TestDecodeAtom(t *testing.T) {
	expected := Atom("abc")
	packet := []byte{ettSmallAtomUTF8, 3, 97, 98, 99}
	term, rest, err := Decode(packet, nil, DecodeOptions{})
	if err != nil || len(rest) != 0 {
		t.Fatal(err)
	}
	if term != expected {
		t.Fatalf("got %#v", term)
	}

	// legacy latin1 forms decode into the same Atom
	packet = []byte{ettAtom, 0, 3, 97, 98, 99}
	term, _, err = Decode(packet, nil, DecodeOptions{})
	if err != nil || term != expected {
		t.Fatal(err, term)
	}

	packet = []byte{ettSmallAtom, 3, 97, 98, 99}
	term, _, err = Decode(packet, nil, DecodeOptions{})
	if err != nil || term != expected {
		t.Fatal(err, term)
	}

	packet = []byte{ettAtomUTF8, 0, 3, 97, 98, 99}
	term, _, err = Decode(packet, nil, DecodeOptions{})
	if err != nil || term != expected {
		t.Fatal(err, term)
	}
}

func TestDecodeAtomInvalidUTF8(t *testing.T) {
	packet := []byte{ettSmallAtomUTF8, 2, 0xff, 0xfe}
	_, _, err := Decode(packet, nil, DecodeOptions{})
	if !errors.Is(err, ErrInvalidUTF8Atom) {
		t.Fatal(err)
	}
}

func TestDecodeBool(t *testing.T) {
	packet := []byte{ettSmallAtomUTF8, 4, 't', 'r', 'u', 'e'}
	term, _, err := Decode(packet, nil, DecodeOptions{})
	if err != nil || term != true {
		t.Fatal(err, term)
	}

	packet = []byte{ettSmallAtom, 5, 'f', 'a', 'l', 's', 'e'}
	term, _, err = Decode(packet, nil, DecodeOptions{})
	if err != nil || term != false {
		t.Fatal(err, term)
	}
}

func TestDecodeInteger(t *testing.T) {
	packet := []byte{ettSmallInteger, 255}
	term, _, err := Decode(packet, nil, DecodeOptions{})
	if err != nil || term != int(255) {
		t.Fatal(err, term)
	}

	packet = []byte{ettInteger, 255, 255, 255, 255}
	term, _, err = Decode(packet, nil, DecodeOptions{})
	if err != nil || term != int(-1) {
		t.Fatal(err, term)
	}

	// 5000000000 = 0x12A05F200, little endian magnitude
	packet = []byte{ettSmallBig, 5, 0, 0x00, 0xf2, 0x05, 0x2a, 0x01}
	term, _, err = Decode(packet, nil, DecodeOptions{})
	if err != nil || term != int64(5000000000) {
		t.Fatal(err, term)
	}

	packet = []byte{ettSmallBig, 5, 1, 0x00, 0xf2, 0x05, 0x2a, 0x01}
	term, _, err = Decode(packet, nil, DecodeOptions{})
	if err != nil || term != int64(-5000000000) {
		t.Fatal(err, term)
	}
}

func TestDecodeBigInteger(t *testing.T) {
	// 2^80, 11 little endian magnitude bytes
	packet := []byte{ettSmallBig, 11, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	term, _, err := Decode(packet, nil, DecodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	expected := new(big.Int).Lsh(big.NewInt(1), 80)
	v, ok := term.(*big.Int)
	if !ok || v.Cmp(expected) != 0 {
		t.Fatalf("got %#v", term)
	}
}

func TestDecodeBigIntegerSign(t *testing.T) {
	packet := []byte{ettSmallBig, 1, 2, 5}
	_, _, err := Decode(packet, nil, DecodeOptions{})
	if !errors.Is(err, ErrBigIntegerSign) {
		t.Fatal(err)
	}
}

func TestDecodeFloat(t *testing.T) {
	packet := []byte{ettNewFloat, 64, 9, 30, 184, 81, 235, 133, 31}
	term, _, err := Decode(packet, nil, DecodeOptions{})
	if err != nil || term != float64(3.14) {
		t.Fatal(err, term)
	}
}

func TestDecodeFloatLegacy(t *testing.T) {
	packet := []byte{ettFloat}
	ascii := make([]byte, 31)
	copy(ascii, "1.23450000000000000000e+01")
	packet = append(packet, ascii...)
	term, _, err := Decode(packet, nil, DecodeOptions{})
	if err != nil || term != float64(12.345) {
		t.Fatal(err, term)
	}
}

func TestDecodeString(t *testing.T) {
	// STRING_EXT is promoted to a list of small integers
	packet := []byte{ettString, 0, 3, 1, 2, 3}
	term, _, err := Decode(packet, nil, DecodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(term, List{1, 2, 3}) {
		t.Fatalf("got %#v", term)
	}
}

func TestDecodeList(t *testing.T) {
	packet := []byte{ettList, 0, 0, 0, 2, ettSmallInteger, 1, ettSmallInteger, 2, ettNil}
	term, _, err := Decode(packet, nil, DecodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(term, List{1, 2}) {
		t.Fatalf("got %#v", term)
	}
}

func TestDecodeListImproper(t *testing.T) {
	packet := []byte{ettList, 0, 0, 0, 1, ettSmallInteger, 1, ettSmallInteger, 2}
	term, _, err := Decode(packet, nil, DecodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(term, ListImproper{1, 2}) {
		t.Fatalf("got %#v", term)
	}
}

func TestDecodeTuple(t *testing.T) {
	packet := []byte{ettSmallTuple, 2, ettSmallAtomUTF8, 2, 'o', 'k', ettSmallInteger, 1}
	term, _, err := Decode(packet, nil, DecodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(term, Tuple{Atom("ok"), 1}) {
		t.Fatalf("got %#v", term)
	}
}

func TestDecodeMap(t *testing.T) {
	packet := []byte{ettMap, 0, 0, 0, 1,
		ettSmallAtomUTF8, 1, 'k',
		ettSmallInteger, 42,
	}
	term, _, err := Decode(packet, nil, DecodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(term, Map{Atom("k"): 42}) {
		t.Fatalf("got %#v", term)
	}
}

func TestDecodeMapDuplicateKey(t *testing.T) {
	packet := []byte{ettMap, 0, 0, 0, 2,
		ettSmallInteger, 1, ettSmallInteger, 2,
		ettSmallInteger, 1, ettSmallInteger, 3,
	}
	_, _, err := Decode(packet, nil, DecodeOptions{})
	if !errors.Is(err, ErrDuplicateMapKey) {
		t.Fatal(err)
	}
}

func TestDecodeBinary(t *testing.T) {
	packet := []byte{ettBinary, 0, 0, 0, 3, 1, 2, 3}
	term, _, err := Decode(packet, nil, DecodeOptions{})
	if err != nil || !reflect.DeepEqual(term, []byte{1, 2, 3}) {
		t.Fatal(err, term)
	}

	packet = []byte{ettBitBinary, 0, 0, 0, 2, 5, 1, 2}
	term, _, err = Decode(packet, nil, DecodeOptions{})
	if err != nil || !reflect.DeepEqual(term, BitBinary{Data: []byte{1, 2}, Bits: 5}) {
		t.Fatal(err, term)
	}
}

func TestDecodePid(t *testing.T) {
	node := []byte{ettSmallAtomUTF8, 13, 'e', 'r', 'l', '-', 'd', 'e', 'm', 'o', '@', '1', '2', '7', '0'}

	// legacy PID_EXT: 8 bit creation, zero-extended
	packet := []byte{ettPid}
	packet = append(packet, node...)
	packet = append(packet, 0, 0, 0, 142, // id
		0, 0, 0, 3, // serial
		7, // creation
	)
	term, _, err := Decode(packet, nil, DecodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	expected := Pid{Node: Atom("erl-demo@1270"), Id: 142, Serial: 3, Creation: 7}
	if term != expected {
		t.Fatalf("got %#v", term)
	}

	// NEW_PID_EXT widens creation to 32 bits
	packet = []byte{ettNewPid}
	packet = append(packet, node...)
	packet = append(packet, 0, 0, 0, 142,
		0, 0, 0, 3,
		0, 0, 0, 7,
	)
	term, _, err = Decode(packet, nil, DecodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	expected.Creation = 7
	if term != expected {
		t.Fatalf("got %#v", term)
	}
}

func TestDecodePort(t *testing.T) {
	node := []byte{ettSmallAtomUTF8, 1, 'n'}

	packet := []byte{ettPort}
	packet = append(packet, node...)
	packet = append(packet, 0, 0, 0, 32, 5)
	term, _, err := Decode(packet, nil, DecodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if term != (Port{Node: Atom("n"), Id: 32, Creation: 5}) {
		t.Fatalf("got %#v", term)
	}

	packet = []byte{ettNewPort}
	packet = append(packet, node...)
	packet = append(packet, 0, 0, 0, 32, 0, 0, 0, 5)
	term, _, err = Decode(packet, nil, DecodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if term != (Port{Node: Atom("n"), Id: 32, Creation: 5}) {
		t.Fatalf("got %#v", term)
	}

	packet = []byte{ettV4Port}
	packet = append(packet, node...)
	packet = append(packet, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 5)
	term, _, err = Decode(packet, nil, DecodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if term != (Port{Node: Atom("n"), Id: 1 << 32, Creation: 5}) {
		t.Fatalf("got %#v", term)
	}
}

func TestDecodeRef(t *testing.T) {
	node := []byte{ettSmallAtomUTF8, 1, 'n'}

	// NEW_REFERENCE_EXT: 8 bit creation (zero-extended), 18 significant bits in word 0
	packet := []byte{ettNewRef, 0, 2}
	packet = append(packet, node...)
	packet = append(packet, 7,
		255, 255, 255, 255,
		0, 0, 0, 9,
	)
	term, _, err := Decode(packet, nil, DecodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	expected := Ref{Node: Atom("n"), Creation: 7, Id: []uint32{262143, 9}}
	if !reflect.DeepEqual(term, expected) {
		t.Fatalf("got %#v", term)
	}

	// NEWER_REFERENCE_EXT
	packet = []byte{ettNewerRef, 0, 2}
	packet = append(packet, node...)
	packet = append(packet, 0, 0, 0, 7,
		0, 0, 1, 2,
		0, 0, 0, 9,
	)
	term, _, err = Decode(packet, nil, DecodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	expected = Ref{Node: Atom("n"), Creation: 7, Id: []uint32{258, 9}}
	if !reflect.DeepEqual(term, expected) {
		t.Fatalf("got %#v", term)
	}

	// legacy single word REFERENCE_EXT
	packet = []byte{ettRef}
	packet = append(packet, node...)
	packet = append(packet, 0, 0, 1, 2, 7)
	term, _, err = Decode(packet, nil, DecodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	expected = Ref{Node: Atom("n"), Creation: 7, Id: []uint32{258}}
	if !reflect.DeepEqual(term, expected) {
		t.Fatalf("got %#v", term)
	}
}

func TestDecodeRefTooManyWords(t *testing.T) {
	node := []byte{ettSmallAtomUTF8, 1, 'n'}
	packet := []byte{ettNewerRef, 0, 4}
	packet = append(packet, node...)
	packet = append(packet, 0, 0, 0, 7,
		0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0, 4,
	)

	// 4 words require V4_NC
	if _, _, err := Decode(packet, nil, DecodeOptions{}); !errors.Is(err, ErrLengthOverflow) {
		t.Fatal(err)
	}
	term, _, err := Decode(packet, nil, DecodeOptions{FlagBigPidRef: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(term.(Ref).Id) != 4 {
		t.Fatalf("got %#v", term)
	}
}

func TestDecodeCacheRef(t *testing.T) {
	cache := []Atom{"foo", "bar"}
	packet := []byte{ettCacheRef, 1}
	term, _, err := Decode(packet, cache, DecodeOptions{})
	if err != nil || term != Atom("bar") {
		t.Fatal(err, term)
	}

	packet = []byte{ettCacheRef, 5}
	if _, _, err = Decode(packet, cache, DecodeOptions{}); !errors.Is(err, ErrAtomCacheMiss) {
		t.Fatal(err)
	}
}

func TestDecodeVersionMagic(t *testing.T) {
	packet := []byte{EtVersion, ettSmallInteger, 1}
	term, _, err := DecodeWithVersion(packet, nil, DecodeOptions{})
	if err != nil || term != 1 {
		t.Fatal(err, term)
	}

	packet = []byte{130, ettSmallInteger, 1}
	if _, _, err = DecodeWithVersion(packet, nil, DecodeOptions{}); !errors.Is(err, ErrUnexpectedVersion) {
		t.Fatal(err)
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, _, err := Decode([]byte{}, nil, DecodeOptions{}); !errors.Is(err, ErrTermTruncated) {
		t.Fatal(err)
	}
	if _, _, err := Decode([]byte{200}, nil, DecodeOptions{}); !errors.Is(err, ErrUnexpectedTag) {
		t.Fatal(err)
	}
	if _, _, err := Decode([]byte{ettBinary, 0, 0, 0, 9, 1}, nil, DecodeOptions{}); !errors.Is(err, ErrTermTruncated) {
		t.Fatal(err)
	}
	// a list claiming more elements than there are bytes left
	if _, _, err := Decode([]byte{ettList, 255, 255, 255, 255, ettNil}, nil, DecodeOptions{}); !errors.Is(err, ErrLengthOverflow) {
		t.Fatal(err)
	}
}

func TestDecodeDepthLimit(t *testing.T) {
	depth := 300
	packet := make([]byte, 0, depth*2+1)
	for i := 0; i < depth; i++ {
		packet = append(packet, ettSmallTuple, 1)
	}
	packet = append(packet, ettNil)
	if _, _, err := Decode(packet, nil, DecodeOptions{}); !errors.Is(err, ErrDepthLimit) {
		t.Fatal(err)
	}

	if _, _, err := Decode(packet, nil, DecodeOptions{MaxDepth: 1024}); err != nil {
		t.Fatal(err)
	}
}

func TestDecodeFunction(t *testing.T) {
	pid := []byte{ettNewPid, ettSmallAtomUTF8, 1, 'n',
		0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 2}

	packet := []byte{ettNewFun,
		0, 0, 0, 0, // size (ignored on decode)
		2, // arity
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, // uniq
		0, 0, 0, 3, // index
		0, 0, 0, 1, // numFree
	}
	packet = append(packet, ettSmallAtomUTF8, 3, 'm', 'o', 'd')
	packet = append(packet, ettSmallInteger, 4) // oldIndex
	packet = append(packet, ettSmallInteger, 5) // oldUniq
	packet = append(packet, pid...)
	packet = append(packet, ettSmallInteger, 6) // free var

	term, rest, err := Decode(packet, nil, DecodeOptions{})
	if err != nil || len(rest) != 0 {
		t.Fatal(err)
	}
	fun, ok := term.(Function)
	if !ok {
		t.Fatalf("got %#v", term)
	}
	if fun.Arity != 2 || fun.Module != Atom("mod") || fun.Index != 3 ||
		fun.OldIndex != 4 || fun.OldUnique != 5 || len(fun.FreeVars) != 1 {
		t.Fatalf("got %#v", fun)
	}
}

func TestDecodeExport(t *testing.T) {
	packet := []byte{ettExport,
		ettSmallAtomUTF8, 3, 'm', 'o', 'd',
		ettSmallAtomUTF8, 1, 'f',
		ettSmallInteger, 2,
	}
	term, _, err := Decode(packet, nil, DecodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if term != (Export{Module: "mod", Function: "f", Arity: 2}) {
		t.Fatalf("got %#v", term)
	}
}
