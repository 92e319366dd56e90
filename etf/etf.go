package etf

import (
	"fmt"
)

// Term is any Erlang value. The codec maps Erlang types onto Go values:
//
//	atom           -> Atom (or bool for 'true'/'false')
//	small/int      -> int
//	big integer    -> int64, uint64 or *big.Int
//	float          -> float64
//	tuple          -> Tuple
//	list           -> List, ListImproper
//	map            -> Map
//	binary         -> []byte
//	bit binary     -> BitBinary
//	pid/port/ref   -> Pid, Port, Ref
//	fun/export fun -> Function, Export
type Term interface{}

type Tuple []Term
type List []Term

// ListImproper is a list whose last element is the tail term
// (e.g. [a|b] is ListImproper{Atom("a"), Atom("b")}).
type ListImproper []Term

type Atom string
type Map map[Term]Term

// Alias is a process alias (a reference used as a send target).
type Alias Ref

type Pid struct {
	Node     Atom
	Id       uint32
	Serial   uint32
	Creation uint32
}

type Port struct {
	Node     Atom
	Id       uint64
	Creation uint32
}

type Ref struct {
	Node     Atom
	Creation uint32
	Id       []uint32
}

// Function is a fun term (NEW_FUN_EXT).
type Function struct {
	Arity     byte
	Unique    [16]byte
	Index     uint32
	Module    Atom
	OldIndex  uint32
	OldUnique uint32
	Pid       Pid
	FreeVars  []Term
}

// Export is an external fun, fun mod:name/arity (EXPORT_EXT).
type Export struct {
	Module   Atom
	Function Atom
	Arity    int
}

// BitBinary is a binary whose last byte carries Bits significant bits.
type BitBinary struct {
	Data []byte
	Bits uint8
}

// Erlang external term tags.
const (
	ettAtom          = byte(100)
	ettAtomUTF8      = byte(118)
	ettBinary        = byte(109)
	ettBitBinary     = byte(77)
	ettCacheRef      = byte(82)
	ettExport        = byte(113)
	ettFloat         = byte(99)
	ettFun           = byte(117)
	ettInteger       = byte(98)
	ettLargeBig      = byte(111)
	ettLargeTuple    = byte(105)
	ettList          = byte(108)
	ettMap           = byte(116)
	ettNewFloat      = byte(70)
	ettNewFun        = byte(112)
	ettNewPid        = byte(88)
	ettNewPort       = byte(89)
	ettNewRef        = byte(114)
	ettNewerRef      = byte(90)
	ettNil           = byte(106)
	ettPid           = byte(103)
	ettPort          = byte(102)
	ettRef           = byte(101)
	ettSmallAtom     = byte(115)
	ettSmallAtomUTF8 = byte(119)
	ettSmallBig      = byte(110)
	ettSmallInteger  = byte(97)
	ettSmallTuple    = byte(104)
	ettString        = byte(107)
	ettV4Port        = byte(120)
)

const (
	// EtVersion is the external term format version magic
	EtVersion = byte(131)
)

const (
	// EtDist is the distribution header tag following the version magic
	EtDist = byte('D')
)

var tagNames = map[byte]string{
	ettAtom:          "ATOM_EXT",
	ettAtomUTF8:      "ATOM_UTF8_EXT",
	ettBinary:        "BINARY_EXT",
	ettBitBinary:     "BIT_BINARY_EXT",
	ettCacheRef:      "ATOM_CACHE_REF",
	ettExport:        "EXPORT_EXT",
	ettFloat:         "FLOAT_EXT",
	ettFun:           "FUN_EXT",
	ettInteger:       "INTEGER_EXT",
	ettLargeBig:      "LARGE_BIG_EXT",
	ettLargeTuple:    "LARGE_TUPLE_EXT",
	ettList:          "LIST_EXT",
	ettMap:           "MAP_EXT",
	ettNewFloat:      "NEW_FLOAT_EXT",
	ettNewFun:        "NEW_FUN_EXT",
	ettNewPid:        "NEW_PID_EXT",
	ettNewPort:       "NEW_PORT_EXT",
	ettNewRef:        "NEW_REFERENCE_EXT",
	ettNewerRef:      "NEWER_REFERENCE_EXT",
	ettNil:           "NIL_EXT",
	ettPid:           "PID_EXT",
	ettPort:          "PORT_EXT",
	ettRef:           "REFERENCE_EXT",
	ettSmallAtom:     "SMALL_ATOM_EXT",
	ettSmallAtomUTF8: "SMALL_ATOM_UTF8_EXT",
	ettSmallBig:      "SMALL_BIG_EXT",
	ettSmallInteger:  "SMALL_INTEGER_EXT",
	ettSmallTuple:    "SMALL_TUPLE_EXT",
	ettString:        "STRING_EXT",
	ettV4Port:        "V4_PORT_EXT",
}

func tagName(t byte) string {
	if name := tagNames[t]; name != "" {
		return name
	}
	return fmt.Sprintf("%d", t)
}

// Element returns the i-th element of the tuple, 1-based the Erlang way.
func (t Tuple) Element(i int) Term {
	return t[i-1]
}

func (p Pid) String() string {
	return fmt.Sprintf("<%s.%d.%d>", p.Node, p.Id, p.Serial)
}

func (r Ref) String() string {
	return fmt.Sprintf("#Ref<%s.%v>", r.Node, r.Id)
}
