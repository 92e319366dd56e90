package dist

import (
	"fmt"

	"github.com/sile/erl-dist/etf"
)

// Distributed operation codes
// http://www.erlang.org/doc/apps/erts/erl_dist_protocol.html
const (
	distProtoLINK                   = 1
	distProtoSEND                   = 2
	distProtoEXIT                   = 3
	distProtoUNLINK                 = 4
	distProtoNODE_LINK              = 5
	distProtoREG_SEND               = 6
	distProtoGROUP_LEADER           = 7
	distProtoEXIT2                  = 8
	distProtoSEND_TT                = 12
	distProtoEXIT_TT                = 13
	distProtoREG_SEND_TT            = 16
	distProtoEXIT2_TT               = 18
	distProtoMONITOR                = 19
	distProtoDEMONITOR              = 20
	distProtoMONITOR_EXIT           = 21
	distProtoSEND_SENDER            = 22
	distProtoSEND_SENDER_TT         = 23
	distProtoPAYLOAD_EXIT           = 24
	distProtoPAYLOAD_EXIT_TT        = 25
	distProtoPAYLOAD_EXIT2          = 26
	distProtoPAYLOAD_EXIT2_TT       = 27
	distProtoPAYLOAD_MONITOR_P_EXIT = 28
	distProtoSPAWN_REQUEST          = 29
	distProtoSPAWN_REQUEST_TT       = 30
	distProtoSPAWN_REPLY            = 31
	distProtoSPAWN_REPLY_TT         = 32
	distProtoALIAS_SEND             = 33
	distProtoALIAS_SEND_TT          = 34
	distProtoUNLINK_ID              = 35
	distProtoUNLINK_ID_ACK          = 36
)

var (
	ErrUnknownControl   = fmt.Errorf("dist: unknown control message kind")
	ErrMalformedControl = fmt.Errorf("dist: malformed control message")

	// the unused field of SEND and REG_SEND control tuples
	unused = etf.Atom("")
)

// Message is one distribution operation. The concrete types below form
// the full control message table; Tick is the zero-length keepalive
// frame (sendable, never surfaced by Recv).
type Message interface {
	control() (etf.Tuple, etf.Term, bool)
}

// Tick is the keepalive. Sending it writes an empty frame.
type Tick struct{}

// Link is {1, FromPid, ToPid}
type Link struct {
	From etf.Pid
	To   etf.Pid
}

// Send is {2, Unused, ToPid} with payload
type Send struct {
	To      etf.Pid
	Message etf.Term
}

// Exit is {3, FromPid, ToPid, Reason}
type Exit struct {
	From   etf.Pid
	To     etf.Pid
	Reason etf.Term
}

// Unlink is {4, FromPid, ToPid} (old link protocol)
type Unlink struct {
	From etf.Pid
	To   etf.Pid
}

// NodeLink is {5}
type NodeLink struct{}

// RegSend is {6, FromPid, Unused, ToName} with payload
type RegSend struct {
	From    etf.Pid
	ToName  etf.Atom
	Message etf.Term
}

// GroupLeader is {7, FromPid, ToPid}
type GroupLeader struct {
	From etf.Pid
	To   etf.Pid
}

// Exit2 is {8, FromPid, ToPid, Reason}
type Exit2 struct {
	From   etf.Pid
	To     etf.Pid
	Reason etf.Term
}

// SendTT is {12, Unused, ToPid, TraceToken} with payload
type SendTT struct {
	To         etf.Pid
	TraceToken etf.Term
	Message    etf.Term
}

// ExitTT is {13, FromPid, ToPid, TraceToken, Reason}
type ExitTT struct {
	From       etf.Pid
	To         etf.Pid
	TraceToken etf.Term
	Reason     etf.Term
}

// RegSendTT is {16, FromPid, Unused, ToName, TraceToken} with payload
type RegSendTT struct {
	From       etf.Pid
	ToName     etf.Atom
	TraceToken etf.Term
	Message    etf.Term
}

// Exit2TT is {18, FromPid, ToPid, TraceToken, Reason}
type Exit2TT struct {
	From       etf.Pid
	To         etf.Pid
	TraceToken etf.Term
	Reason     etf.Term
}

// MonitorP is {19, FromPid, ToProc, Ref}. ToProc is a pid or a
// registered name atom.
type MonitorP struct {
	From etf.Pid
	To   etf.Term
	Ref  etf.Ref
}

// DemonitorP is {20, FromPid, ToProc, Ref}
type DemonitorP struct {
	From etf.Pid
	To   etf.Term
	Ref  etf.Ref
}

// MonitorPExit is {21, FromProc, ToPid, Ref, Reason}. From is the
// monitored process (pid or name atom), To the monitoring pid.
type MonitorPExit struct {
	From   etf.Term
	To     etf.Pid
	Ref    etf.Ref
	Reason etf.Term
}

// SendSender is {22, FromPid, ToPid} with payload (replaces SEND when
// SEND_SENDER is negotiated)
type SendSender struct {
	From    etf.Pid
	To      etf.Pid
	Message etf.Term
}

// SendSenderTT is {23, FromPid, ToPid, TraceToken} with payload
type SendSenderTT struct {
	From       etf.Pid
	To         etf.Pid
	TraceToken etf.Term
	Message    etf.Term
}

// PayloadExit is {24, FromPid, ToPid} with the reason as payload
type PayloadExit struct {
	From   etf.Pid
	To     etf.Pid
	Reason etf.Term
}

// PayloadExitTT is {25, FromPid, ToPid, TraceToken} with the reason as payload
type PayloadExitTT struct {
	From       etf.Pid
	To         etf.Pid
	TraceToken etf.Term
	Reason     etf.Term
}

// PayloadExit2 is {26, FromPid, ToPid} with the reason as payload
type PayloadExit2 struct {
	From   etf.Pid
	To     etf.Pid
	Reason etf.Term
}

// PayloadExit2TT is {27, FromPid, ToPid, TraceToken} with the reason as payload
type PayloadExit2TT struct {
	From       etf.Pid
	To         etf.Pid
	TraceToken etf.Term
	Reason     etf.Term
}

// PayloadMonitorPExit is {28, FromProc, ToPid, Ref} with the reason as payload
type PayloadMonitorPExit struct {
	From   etf.Term
	To     etf.Pid
	Ref    etf.Ref
	Reason etf.Term
}

// SpawnRequest is {29, ReqId, From, GroupLeader, {Module, Function, Arity}, OptList}
// with the argument list as payload
type SpawnRequest struct {
	ReqId       etf.Ref
	From        etf.Pid
	GroupLeader etf.Pid
	MFA         etf.Tuple
	Options     etf.List
	Args        etf.Term
}

// SpawnRequestTT is {30, ReqId, From, GroupLeader, MFA, OptList, Token}
// with the argument list as payload
type SpawnRequestTT struct {
	ReqId       etf.Ref
	From        etf.Pid
	GroupLeader etf.Pid
	MFA         etf.Tuple
	Options     etf.List
	TraceToken  etf.Term
	Args        etf.Term
}

// SpawnReply is {31, ReqId, To, Flags, Result}. Result is the spawned
// pid or an error atom.
type SpawnReply struct {
	ReqId  etf.Ref
	To     etf.Pid
	Flags  int
	Result etf.Term
}

// SpawnReplyTT is {32, ReqId, To, Flags, Result, Token}
type SpawnReplyTT struct {
	ReqId      etf.Ref
	To         etf.Pid
	Flags      int
	Result     etf.Term
	TraceToken etf.Term
}

// AliasSend is {33, FromPid, Alias} with payload
type AliasSend struct {
	From    etf.Pid
	Alias   etf.Ref
	Message etf.Term
}

// AliasSendTT is {34, FromPid, Alias, Token} with payload
type AliasSendTT struct {
	From       etf.Pid
	Alias      etf.Ref
	TraceToken etf.Term
	Message    etf.Term
}

// UnlinkID is {35, Id, FromPid, ToPid} (new link protocol)
type UnlinkID struct {
	Id   uint64
	From etf.Pid
	To   etf.Pid
}

// UnlinkIDAck is {36, Id, FromPid, ToPid}
type UnlinkIDAck struct {
	Id   uint64
	From etf.Pid
	To   etf.Pid
}

func (Tick) control() (etf.Tuple, etf.Term, bool) { return nil, nil, false }

func (m Link) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoLINK, m.From, m.To}, nil, false
}

func (m Send) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoSEND, unused, m.To}, m.Message, true
}

func (m Exit) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoEXIT, m.From, m.To, m.Reason}, nil, false
}

func (m Unlink) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoUNLINK, m.From, m.To}, nil, false
}

func (NodeLink) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoNODE_LINK}, nil, false
}

func (m RegSend) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoREG_SEND, m.From, unused, m.ToName}, m.Message, true
}

func (m GroupLeader) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoGROUP_LEADER, m.From, m.To}, nil, false
}

func (m Exit2) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoEXIT2, m.From, m.To, m.Reason}, nil, false
}

func (m SendTT) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoSEND_TT, unused, m.To, m.TraceToken}, m.Message, true
}

func (m ExitTT) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoEXIT_TT, m.From, m.To, m.TraceToken, m.Reason}, nil, false
}

func (m RegSendTT) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoREG_SEND_TT, m.From, unused, m.ToName, m.TraceToken}, m.Message, true
}

func (m Exit2TT) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoEXIT2_TT, m.From, m.To, m.TraceToken, m.Reason}, nil, false
}

func (m MonitorP) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoMONITOR, m.From, m.To, m.Ref}, nil, false
}

func (m DemonitorP) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoDEMONITOR, m.From, m.To, m.Ref}, nil, false
}

func (m MonitorPExit) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoMONITOR_EXIT, m.From, m.To, m.Ref, m.Reason}, nil, false
}

func (m SendSender) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoSEND_SENDER, m.From, m.To}, m.Message, true
}

func (m SendSenderTT) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoSEND_SENDER_TT, m.From, m.To, m.TraceToken}, m.Message, true
}

func (m PayloadExit) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoPAYLOAD_EXIT, m.From, m.To}, m.Reason, true
}

func (m PayloadExitTT) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoPAYLOAD_EXIT_TT, m.From, m.To, m.TraceToken}, m.Reason, true
}

func (m PayloadExit2) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoPAYLOAD_EXIT2, m.From, m.To}, m.Reason, true
}

func (m PayloadExit2TT) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoPAYLOAD_EXIT2_TT, m.From, m.To, m.TraceToken}, m.Reason, true
}

func (m PayloadMonitorPExit) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoPAYLOAD_MONITOR_P_EXIT, m.From, m.To, m.Ref}, m.Reason, true
}

func (m SpawnRequest) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoSPAWN_REQUEST, m.ReqId, m.From, m.GroupLeader, m.MFA, m.Options}, m.Args, true
}

func (m SpawnRequestTT) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoSPAWN_REQUEST_TT, m.ReqId, m.From, m.GroupLeader, m.MFA, m.Options, m.TraceToken}, m.Args, true
}

func (m SpawnReply) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoSPAWN_REPLY, m.ReqId, m.To, m.Flags, m.Result}, nil, false
}

func (m SpawnReplyTT) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoSPAWN_REPLY_TT, m.ReqId, m.To, m.Flags, m.Result, m.TraceToken}, nil, false
}

func (m AliasSend) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoALIAS_SEND, m.From, m.Alias}, m.Message, true
}

func (m AliasSendTT) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoALIAS_SEND_TT, m.From, m.Alias, m.TraceToken}, m.Message, true
}

func (m UnlinkID) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoUNLINK_ID, m.Id, m.From, m.To}, nil, false
}

func (m UnlinkIDAck) control() (etf.Tuple, etf.Term, bool) {
	return etf.Tuple{distProtoUNLINK_ID_ACK, m.Id, m.From, m.To}, nil, false
}

// parseMessage maps a decoded control tuple (and the payload that
// followed it, when any) back to a Message value.
func parseMessage(control etf.Tuple, payload etf.Term) (msg Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(malformedControl); !ok {
				panic(r)
			}
			msg = nil
			err = fmt.Errorf("%w: unexpected field type", ErrMalformedControl)
		}
	}()

	if len(control) == 0 {
		return nil, fmt.Errorf("%w: empty control tuple", ErrMalformedControl)
	}

	op, err := controlOp(control)
	if err != nil {
		return nil, err
	}

	switch op {
	case distProtoLINK:
		if err := checkLen(control, 3); err != nil {
			return nil, err
		}
		return Link{From: pidAt(control, 2), To: pidAt(control, 3)}, nil

	case distProtoSEND:
		if err := checkLen(control, 3); err != nil {
			return nil, err
		}
		return Send{To: pidAt(control, 3), Message: payload}, nil

	case distProtoEXIT:
		if err := checkLen(control, 4); err != nil {
			return nil, err
		}
		return Exit{From: pidAt(control, 2), To: pidAt(control, 3), Reason: control.Element(4)}, nil

	case distProtoUNLINK:
		if err := checkLen(control, 3); err != nil {
			return nil, err
		}
		return Unlink{From: pidAt(control, 2), To: pidAt(control, 3)}, nil

	case distProtoNODE_LINK:
		return NodeLink{}, nil

	case distProtoREG_SEND:
		if err := checkLen(control, 4); err != nil {
			return nil, err
		}
		return RegSend{From: pidAt(control, 2), ToName: atomAt(control, 4), Message: payload}, nil

	case distProtoGROUP_LEADER:
		if err := checkLen(control, 3); err != nil {
			return nil, err
		}
		return GroupLeader{From: pidAt(control, 2), To: pidAt(control, 3)}, nil

	case distProtoEXIT2:
		if err := checkLen(control, 4); err != nil {
			return nil, err
		}
		return Exit2{From: pidAt(control, 2), To: pidAt(control, 3), Reason: control.Element(4)}, nil

	case distProtoSEND_TT:
		if err := checkLen(control, 4); err != nil {
			return nil, err
		}
		return SendTT{To: pidAt(control, 3), TraceToken: control.Element(4), Message: payload}, nil

	case distProtoEXIT_TT:
		if err := checkLen(control, 5); err != nil {
			return nil, err
		}
		return ExitTT{From: pidAt(control, 2), To: pidAt(control, 3),
			TraceToken: control.Element(4), Reason: control.Element(5)}, nil

	case distProtoREG_SEND_TT:
		if err := checkLen(control, 5); err != nil {
			return nil, err
		}
		return RegSendTT{From: pidAt(control, 2), ToName: atomAt(control, 4),
			TraceToken: control.Element(5), Message: payload}, nil

	case distProtoEXIT2_TT:
		if err := checkLen(control, 5); err != nil {
			return nil, err
		}
		return Exit2TT{From: pidAt(control, 2), To: pidAt(control, 3),
			TraceToken: control.Element(4), Reason: control.Element(5)}, nil

	case distProtoMONITOR:
		if err := checkLen(control, 4); err != nil {
			return nil, err
		}
		return MonitorP{From: pidAt(control, 2), To: control.Element(3), Ref: refAt(control, 4)}, nil

	case distProtoDEMONITOR:
		if err := checkLen(control, 4); err != nil {
			return nil, err
		}
		return DemonitorP{From: pidAt(control, 2), To: control.Element(3), Ref: refAt(control, 4)}, nil

	case distProtoMONITOR_EXIT:
		if err := checkLen(control, 5); err != nil {
			return nil, err
		}
		return MonitorPExit{From: control.Element(2), To: pidAt(control, 3),
			Ref: refAt(control, 4), Reason: control.Element(5)}, nil

	case distProtoSEND_SENDER:
		if err := checkLen(control, 3); err != nil {
			return nil, err
		}
		return SendSender{From: pidAt(control, 2), To: pidAt(control, 3), Message: payload}, nil

	case distProtoSEND_SENDER_TT:
		if err := checkLen(control, 4); err != nil {
			return nil, err
		}
		return SendSenderTT{From: pidAt(control, 2), To: pidAt(control, 3),
			TraceToken: control.Element(4), Message: payload}, nil

	case distProtoPAYLOAD_EXIT:
		if err := checkLen(control, 3); err != nil {
			return nil, err
		}
		return PayloadExit{From: pidAt(control, 2), To: pidAt(control, 3), Reason: payload}, nil

	case distProtoPAYLOAD_EXIT_TT:
		if err := checkLen(control, 4); err != nil {
			return nil, err
		}
		return PayloadExitTT{From: pidAt(control, 2), To: pidAt(control, 3),
			TraceToken: control.Element(4), Reason: payload}, nil

	case distProtoPAYLOAD_EXIT2:
		if err := checkLen(control, 3); err != nil {
			return nil, err
		}
		return PayloadExit2{From: pidAt(control, 2), To: pidAt(control, 3), Reason: payload}, nil

	case distProtoPAYLOAD_EXIT2_TT:
		if err := checkLen(control, 4); err != nil {
			return nil, err
		}
		return PayloadExit2TT{From: pidAt(control, 2), To: pidAt(control, 3),
			TraceToken: control.Element(4), Reason: payload}, nil

	case distProtoPAYLOAD_MONITOR_P_EXIT:
		if err := checkLen(control, 4); err != nil {
			return nil, err
		}
		return PayloadMonitorPExit{From: control.Element(2), To: pidAt(control, 3),
			Ref: refAt(control, 4), Reason: payload}, nil

	case distProtoSPAWN_REQUEST:
		if err := checkLen(control, 6); err != nil {
			return nil, err
		}
		return SpawnRequest{ReqId: refAt(control, 2), From: pidAt(control, 3),
			GroupLeader: pidAt(control, 4), MFA: tupleAt(control, 5),
			Options: listAt(control, 6), Args: payload}, nil

	case distProtoSPAWN_REQUEST_TT:
		if err := checkLen(control, 7); err != nil {
			return nil, err
		}
		return SpawnRequestTT{ReqId: refAt(control, 2), From: pidAt(control, 3),
			GroupLeader: pidAt(control, 4), MFA: tupleAt(control, 5),
			Options: listAt(control, 6), TraceToken: control.Element(7), Args: payload}, nil

	case distProtoSPAWN_REPLY:
		if err := checkLen(control, 5); err != nil {
			return nil, err
		}
		return SpawnReply{ReqId: refAt(control, 2), To: pidAt(control, 3),
			Flags: intAt(control, 4), Result: control.Element(5)}, nil

	case distProtoSPAWN_REPLY_TT:
		if err := checkLen(control, 6); err != nil {
			return nil, err
		}
		return SpawnReplyTT{ReqId: refAt(control, 2), To: pidAt(control, 3),
			Flags: intAt(control, 4), Result: control.Element(5),
			TraceToken: control.Element(6)}, nil

	case distProtoALIAS_SEND:
		if err := checkLen(control, 3); err != nil {
			return nil, err
		}
		return AliasSend{From: pidAt(control, 2), Alias: refAt(control, 3), Message: payload}, nil

	case distProtoALIAS_SEND_TT:
		if err := checkLen(control, 4); err != nil {
			return nil, err
		}
		return AliasSendTT{From: pidAt(control, 2), Alias: refAt(control, 3),
			TraceToken: control.Element(4), Message: payload}, nil

	case distProtoUNLINK_ID:
		if err := checkLen(control, 4); err != nil {
			return nil, err
		}
		return UnlinkID{Id: uintAt(control, 2), From: pidAt(control, 3), To: pidAt(control, 4)}, nil

	case distProtoUNLINK_ID_ACK:
		if err := checkLen(control, 4); err != nil {
			return nil, err
		}
		return UnlinkIDAck{Id: uintAt(control, 2), From: pidAt(control, 3), To: pidAt(control, 4)}, nil
	}

	return nil, fmt.Errorf("%w: %d", ErrUnknownControl, op)
}

// field accessors. parse errors surface as panics and are recovered in
// the caller: a single recover beats per-field error plumbing across
// thirty message kinds.

type malformedControl struct{}

func controlOp(control etf.Tuple) (int, error) {
	switch v := control.Element(1).(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	}
	return 0, fmt.Errorf("%w: non-integer operation", ErrMalformedControl)
}

func checkLen(control etf.Tuple, n int) error {
	if len(control) != n {
		return fmt.Errorf("%w: %d elements, want %d", ErrMalformedControl, len(control), n)
	}
	return nil
}

func pidAt(control etf.Tuple, i int) etf.Pid {
	pid, ok := control.Element(i).(etf.Pid)
	if !ok {
		panic(malformedControl{})
	}
	return pid
}

func atomAt(control etf.Tuple, i int) etf.Atom {
	atom, ok := control.Element(i).(etf.Atom)
	if !ok {
		panic(malformedControl{})
	}
	return atom
}

func refAt(control etf.Tuple, i int) etf.Ref {
	ref, ok := control.Element(i).(etf.Ref)
	if !ok {
		panic(malformedControl{})
	}
	return ref
}

func tupleAt(control etf.Tuple, i int) etf.Tuple {
	tuple, ok := control.Element(i).(etf.Tuple)
	if !ok {
		panic(malformedControl{})
	}
	return tuple
}

func listAt(control etf.Tuple, i int) etf.List {
	list, ok := control.Element(i).(etf.List)
	if !ok {
		panic(malformedControl{})
	}
	return list
}

func intAt(control etf.Tuple, i int) int {
	switch v := control.Element(i).(type) {
	case int:
		return v
	case int64:
		return int(v)
	}
	panic(malformedControl{})
}

func uintAt(control etf.Tuple, i int) uint64 {
	switch v := control.Element(i).(type) {
	case int:
		if v >= 0 {
			return uint64(v)
		}
	case int64:
		if v >= 0 {
			return uint64(v)
		}
	case uint64:
		return v
	}
	panic(malformedControl{})
}
