// Package dist implements the Erlang distribution protocol: the
// handshake that sets up a connection between two nodes and the framed
// message channel that runs over it afterwards.
//
// https://erlang.org/doc/apps/erts/erl_dist_protocol.html
package dist

// Flags is the 64-bit capability bitset exchanged during the handshake.
// https://erlang.org/doc/apps/erts/erl_dist_protocol.html#distribution-flags
type Flags uint64

const (
	// FlagPublished - the node is to be published and part of the global namespace
	FlagPublished Flags = 0x1
	// FlagAtomCache - the node implements an atom cache (obsolete)
	FlagAtomCache Flags = 0x2
	// FlagExtendedReferences - the node implements extended (3 x 32 bits) references (mandatory)
	FlagExtendedReferences Flags = 0x4
	// FlagDistMonitor - the node implements distributed process monitoring
	FlagDistMonitor Flags = 0x8
	// FlagFunTags - the node uses separate tags for funs in the distribution protocol
	FlagFunTags Flags = 0x10
	// FlagDistMonitorName - the node implements distributed named process monitoring
	FlagDistMonitorName Flags = 0x20
	// FlagHiddenAtomCache - the hidden node implements an atom cache (obsolete)
	FlagHiddenAtomCache Flags = 0x40
	// FlagNewFunTags - the node understands NEW_FUN_EXT (mandatory)
	FlagNewFunTags Flags = 0x80
	// FlagExtendedPidsPorts - the node can handle extended pids and ports (mandatory)
	FlagExtendedPidsPorts Flags = 0x100
	// FlagExportPtrTag - the node understands EXPORT_EXT
	FlagExportPtrTag Flags = 0x200
	// FlagBitBinaries - the node understands bit binaries
	FlagBitBinaries Flags = 0x400
	// FlagNewFloats - the node understands the IEEE float format
	FlagNewFloats Flags = 0x800
	// FlagUnicodeIO
	FlagUnicodeIO Flags = 0x1000
	// FlagDistHdrAtomCache - the node implements the distribution header atom cache
	FlagDistHdrAtomCache Flags = 0x2000
	// FlagSmallAtomTags - the node understands SMALL_ATOM_EXT
	FlagSmallAtomTags Flags = 0x4000
	// FlagUTF8Atoms - the node understands UTF-8 atoms (mandatory)
	FlagUTF8Atoms Flags = 0x10000
	// FlagMapTag - the node understands MAP_EXT
	FlagMapTag Flags = 0x20000
	// FlagBigCreation - the node understands NEW_PID_EXT, NEW_PORT_EXT, NEWER_REFERENCE_EXT
	FlagBigCreation Flags = 0x40000
	// FlagSendSender - use SEND_SENDER instead of SEND (since OTP 21)
	FlagSendSender Flags = 0x80000
	// FlagBigSeqTraceLabels - the node understands any term as a seqtrace label
	FlagBigSeqTraceLabels Flags = 0x100000
	// FlagExitPayload - use PAYLOAD_EXIT* and PAYLOAD_MONITOR_P_EXIT (since OTP 22)
	FlagExitPayload Flags = 0x400000
	// FlagFragments - use fragmented distribution messages for large payloads
	FlagFragments Flags = 0x800000
	// FlagHandshake23 - the node supports the version 6 handshake (since OTP 23)
	FlagHandshake23 Flags = 0x1000000
	// FlagUnlinkID - use the new link protocol (UNLINK_ID/UNLINK_ID_ACK)
	FlagUnlinkID Flags = 0x2000000
	// FlagMandatory25Digest - the node supports all capabilities mandatory in OTP 25
	FlagMandatory25Digest Flags = 1 << 36
	// FlagSpawn - SPAWN_REQUEST/SPAWN_REPLY are supported
	FlagSpawn Flags = 1 << 32
	// FlagNameMe - request a dynamic node name from the accepting node
	FlagNameMe Flags = 1 << 33
	// FlagV4NC - node container types version 4: 32-bit pid id/serial,
	// 64-bit port ids, up to 5 reference words
	FlagV4NC Flags = 1 << 34
	// FlagAlias - ALIAS_SEND/ALIAS_SEND_TT are supported
	FlagAlias Flags = 1 << 35
)

// IsSet
func (f Flags) IsSet(x Flags) bool {
	return f&x != 0
}

// Union
func (f Flags) Union(x Flags) Flags {
	return f | x
}

// Intersection of the local and peer capability sets; this is the flag
// set actually used on a connection.
func (f Flags) Intersection(x Flags) Flags {
	return f & x
}

// DefaultFlags is the recommended capability set of this library.
func DefaultFlags() Flags {
	return FlagPublished |
		FlagExtendedReferences |
		FlagDistMonitor |
		FlagFunTags |
		FlagDistMonitorName |
		FlagNewFunTags |
		FlagExtendedPidsPorts |
		FlagExportPtrTag |
		FlagBitBinaries |
		FlagNewFloats |
		FlagUnicodeIO |
		FlagDistHdrAtomCache |
		FlagSmallAtomTags |
		FlagUTF8Atoms |
		FlagMapTag |
		FlagBigCreation |
		FlagBigSeqTraceLabels |
		FlagExitPayload |
		FlagHandshake23 |
		FlagUnlinkID |
		FlagMandatory25Digest |
		FlagSpawn |
		FlagV4NC |
		FlagAlias
}

// MandatoryFlags returns the subset a peer must advertise for the given
// negotiated protocol version. A missing mandatory flag aborts the
// handshake.
func MandatoryFlags(version int) Flags {
	mandatory := FlagExtendedReferences |
		FlagExtendedPidsPorts |
		FlagFunTags |
		FlagNewFunTags |
		FlagUTF8Atoms |
		FlagBigCreation
	if version >= ProtocolVersion6 {
		mandatory |= FlagHandshake23
	}
	return mandatory
}
