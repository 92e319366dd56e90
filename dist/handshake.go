package dist

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sile/erl-dist/lib"
	"github.com/sile/erl-dist/node"
)

const (
	// ProtocolVersion5 is the lowest supported distribution protocol version.
	ProtocolVersion5 = 5
	// ProtocolVersion6 is the OTP 23+ handshake version.
	ProtocolVersion6 = 6

	DefaultHandshakeTimeout = 5 * time.Second
)

var (
	ErrStatusNok              = fmt.Errorf("handshake: peer refused the connection (nok)")
	ErrStatusNotAllowed       = fmt.Errorf("handshake: peer refused the connection (not_allowed)")
	ErrStatusAlive            = fmt.Errorf("handshake: peer holds an alive connection to this node")
	ErrDigestMismatch         = fmt.Errorf("handshake: challenge digest mismatch")
	ErrUnexpectedHandshakeTag = fmt.Errorf("handshake: unexpected message tag")
	ErrMandatoryFlagMissing   = fmt.Errorf("handshake: mandatory distribution flag missing")
	ErrVersionUnsupported     = fmt.Errorf("handshake: unsupported distribution protocol version")
	ErrMalformedHandshake     = fmt.Errorf("handshake: malformed message")
)

// Status is a handshake status reply.
type Status string

const (
	StatusOk             Status = "ok"
	StatusOkSimultaneous Status = "ok_simultaneous"
	StatusNok            Status = "nok"
	StatusNotAllowed     Status = "not_allowed"
	StatusAlive          Status = "alive"
)

// HandshakeOptions
type HandshakeOptions struct {
	// Node is the local node identity presented to the peer.
	Node node.LocalNode

	// Cookie is the shared secret.
	Cookie string

	// Flags is the advertised capability set. Zero means DefaultFlags.
	Flags Flags

	// Version is the handshake version to offer as a client: 5 allows
	// interop with pre-OTP-23 peers, 6 starts with the new send_name.
	// Zero means 6.
	Version int

	// Timeout bounds the whole handshake when the stream supports read
	// deadlines. Zero means DefaultHandshakeTimeout.
	Timeout time.Duration

	// ResolveStatus lets the accepting node decide the status reply for
	// a peer name, typically to resolve simultaneous connection
	// attempts (ok_simultaneous when the local name wins, alive when it
	// loses). nil always replies ok.
	ResolveStatus func(peer string) Status

	// AssignName serves NAME_ME requests on the accepting side: it
	// returns the dynamic node name and creation for the peer. nil
	// answers NAME_ME peers with a plain ok.
	AssignName func() (string, uint32)
}

// Peer describes the connected node after a successful handshake.
type Peer struct {
	// Name of the peer node.
	Name string

	// Flags in effect on this connection: the intersection of both
	// capability sets. Pass them to NewConnection.
	Flags Flags

	// Creation of the peer, when it was carried by the handshake.
	Creation uint32

	// Version is the negotiated protocol version.
	Version int

	// DynamicName and DynamicCreation carry the identity assigned by
	// the accepting node when the local side connected with NAME_ME.
	DynamicName     string
	DynamicCreation uint32
}

// Handshake executes one side of the distribution handshake. A fresh
// value must be used per connection attempt.
type Handshake struct {
	options   HandshakeOptions
	challenge uint32
}

// NewHandshake
func NewHandshake(options HandshakeOptions) *Handshake {
	if options.Version == 0 {
		options.Version = ProtocolVersion6
	}
	if options.Flags == 0 {
		options.Flags = DefaultFlags()
	}
	if options.Timeout == 0 {
		options.Timeout = DefaultHandshakeTimeout
	}
	return &Handshake{
		options:   options,
		challenge: randomChallenge(),
	}
}

// Start runs the client side of the handshake over conn.
func (h *Handshake) Start(conn io.ReadWriter) (*Peer, error) {
	if h.options.Version != ProtocolVersion5 && h.options.Version != ProtocolVersion6 {
		return nil, fmt.Errorf("%w: %d", ErrVersionUnsupported, h.options.Version)
	}

	deadline := h.setDeadline(conn)
	defer deadline()

	b := lib.TakeBuffer()
	defer lib.ReleaseBuffer(b)

	if h.options.Version == ProtocolVersion5 {
		h.composeName(b)
	} else {
		h.composeNameVersion6(b)
	}
	if err := b.WriteDataTo(conn); err != nil {
		return nil, err
	}

	peer := &Peer{Version: h.options.Version}
	var peerFlags Flags
	var peerChallenge uint32

	await := "snN"
	for {
		frame, err := readHandshakeFrame(conn)
		if err != nil {
			return nil, err
		}
		if !strings.ContainsRune(await, rune(frame[0])) {
			return nil, fmt.Errorf("%w: '%c'", ErrUnexpectedHandshakeTag, frame[0])
		}

		switch frame[0] {
		case 's':
			if err := h.readStatus(frame[1:], peer); err != nil {
				return nil, err
			}
			await = "nN"

		case 'n':
			// old challenge: version(2) flags(4) challenge(4) name
			if len(frame) < 11 {
				return nil, fmt.Errorf("%w: 'n'", ErrMalformedHandshake)
			}
			if v := binary.BigEndian.Uint16(frame[1:3]); v != ProtocolVersion5 {
				return nil, fmt.Errorf("%w: %d", ErrVersionUnsupported, v)
			}
			peerFlags = Flags(binary.BigEndian.Uint32(frame[3:7]))
			peerChallenge = binary.BigEndian.Uint32(frame[7:11])
			peer.Name = string(frame[11:])
			peer.Version = ProtocolVersion5

			b.Reset()
			h.composeChallengeReply(b, peerChallenge)
			if err := b.WriteDataTo(conn); err != nil {
				return nil, err
			}
			await = "a"

		case 'N':
			// new challenge: flags(8) challenge(4) creation(4) nameLen(2) name
			if len(frame) < 19 {
				return nil, fmt.Errorf("%w: 'N'", ErrMalformedHandshake)
			}
			peerFlags = Flags(binary.BigEndian.Uint64(frame[1:9]))
			peerChallenge = binary.BigEndian.Uint32(frame[9:13])
			peer.Creation = binary.BigEndian.Uint32(frame[13:17])
			nameLen := int(binary.BigEndian.Uint16(frame[17:19]))
			if len(frame) < 19+nameLen {
				return nil, fmt.Errorf("%w: 'N'", ErrMalformedHandshake)
			}
			peer.Name = string(frame[19 : 19+nameLen])
			peer.Version = ProtocolVersion6

			b.Reset()
			if h.options.Version == ProtocolVersion5 {
				// we sent the old name message. upgrade to version 6
				// with a complement message carrying the high flag
				// word and our creation
				h.composeComplement(b)
				if err := b.WriteDataTo(conn); err != nil {
					return nil, err
				}
				b.Reset()
			}
			h.composeChallengeReply(b, peerChallenge)
			if err := b.WriteDataTo(conn); err != nil {
				return nil, err
			}
			await = "a"

		case 'a':
			if len(frame) != 17 {
				return nil, fmt.Errorf("%w: 'a'", ErrMalformedHandshake)
			}
			digest := genDigest(h.challenge, h.options.Cookie)
			if !bytes.Equal(frame[1:17], digest) {
				return nil, ErrDigestMismatch
			}

			if err := checkMandatory(peer.Version, peerFlags); err != nil {
				return nil, err
			}
			peer.Flags = h.options.Flags.Intersection(peerFlags)
			lib.Log("handshake: connected to %s (version %d)", peer.Name, peer.Version)
			return peer, nil
		}
	}
}

// Accept runs the server side of the handshake over conn.
func (h *Handshake) Accept(conn io.ReadWriter) (*Peer, error) {
	deadline := h.setDeadline(conn)
	defer deadline()

	b := lib.TakeBuffer()
	defer lib.ReleaseBuffer(b)

	frame, err := readHandshakeFrame(conn)
	if err != nil {
		return nil, err
	}

	peer := &Peer{}
	var peerFlags Flags

	switch frame[0] {
	case 'n':
		// old send_name: version(2) flags(4) name
		if len(frame) < 8 {
			return nil, fmt.Errorf("%w: 'n'", ErrMalformedHandshake)
		}
		if v := binary.BigEndian.Uint16(frame[1:3]); v != ProtocolVersion5 {
			return nil, fmt.Errorf("%w: %d", ErrVersionUnsupported, v)
		}
		peerFlags = Flags(binary.BigEndian.Uint32(frame[3:7]))
		peer.Name = string(frame[7:])
		peer.Version = ProtocolVersion5

	case 'N':
		// new send_name: flags(8) creation(4) nameLen(2) name
		if len(frame) < 15 {
			return nil, fmt.Errorf("%w: 'N'", ErrMalformedHandshake)
		}
		peerFlags = Flags(binary.BigEndian.Uint64(frame[1:9]))
		peer.Creation = binary.BigEndian.Uint32(frame[9:13])
		nameLen := int(binary.BigEndian.Uint16(frame[13:15]))
		if len(frame) < 15+nameLen {
			return nil, fmt.Errorf("%w: 'N'", ErrMalformedHandshake)
		}
		peer.Name = string(frame[15 : 15+nameLen])
		peer.Version = ProtocolVersion6

	default:
		return nil, fmt.Errorf("%w: '%c'", ErrUnexpectedHandshakeTag, frame[0])
	}

	if len(peer.Name) > 255 {
		return nil, fmt.Errorf("%w: node name too long", ErrMalformedHandshake)
	}

	// status reply. the embedding node resolves simultaneous
	// connection attempts through ResolveStatus
	status := StatusOk
	if h.options.ResolveStatus != nil {
		status = h.options.ResolveStatus(peer.Name)
	}

	b.Reset()
	if peerFlags.IsSet(FlagNameMe) && h.options.AssignName != nil && status == StatusOk {
		name, creation := h.options.AssignName()
		peer.Name = name
		peer.Creation = creation
		h.composeStatusNamed(b, name, creation)
	} else {
		h.composeStatus(b, status)
	}
	if err := b.WriteDataTo(conn); err != nil {
		return nil, err
	}

	switch status {
	case StatusOk, StatusOkSimultaneous:
	case StatusNok:
		return nil, ErrStatusNok
	case StatusNotAllowed:
		return nil, ErrStatusNotAllowed
	case StatusAlive:
		// the peer resolves the race by closing one of the connections
		return nil, ErrStatusAlive
	default:
		return nil, fmt.Errorf("%w: status %q", ErrMalformedHandshake, status)
	}

	// challenge. a version 5 peer carrying HANDSHAKE_23 is upgraded to
	// the version 6 exchange and will answer with a complement message
	await := "r"
	b.Reset()
	if peer.Version == ProtocolVersion6 {
		h.composeChallengeVersion6(b)
	} else if peerFlags.IsSet(FlagHandshake23) {
		h.composeChallengeVersion6(b)
		peer.Version = ProtocolVersion6
		await = "cr"
	} else {
		h.composeChallenge(b)
	}
	if err := b.WriteDataTo(conn); err != nil {
		return nil, err
	}

	var peerChallenge uint32
	for {
		frame, err = readHandshakeFrame(conn)
		if err != nil {
			return nil, err
		}
		if !strings.ContainsRune(await, rune(frame[0])) {
			return nil, fmt.Errorf("%w: '%c'", ErrUnexpectedHandshakeTag, frame[0])
		}

		switch frame[0] {
		case 'c':
			// complement: flagsHigh(4) creation(4)
			if len(frame) < 9 {
				return nil, fmt.Errorf("%w: 'c'", ErrMalformedHandshake)
			}
			peerFlags |= Flags(binary.BigEndian.Uint32(frame[1:5])) << 32
			peer.Creation = binary.BigEndian.Uint32(frame[5:9])
			await = "r"

		case 'r':
			// challenge reply: challenge(4) digest(16)
			if len(frame) != 21 {
				return nil, fmt.Errorf("%w: 'r'", ErrMalformedHandshake)
			}
			peerChallenge = binary.BigEndian.Uint32(frame[1:5])
			digest := genDigest(h.challenge, h.options.Cookie)
			if !bytes.Equal(frame[5:21], digest) {
				return nil, ErrDigestMismatch
			}

			b.Reset()
			h.composeChallengeAck(b, peerChallenge)
			if err := b.WriteDataTo(conn); err != nil {
				return nil, err
			}

			if err := checkMandatory(peer.Version, peerFlags); err != nil {
				return nil, err
			}
			peer.Flags = h.options.Flags.Intersection(peerFlags)
			lib.Log("handshake: accepted %s (version %d)", peer.Name, peer.Version)
			return peer, nil
		}
	}
}

// message composing

func (h *Handshake) composeName(b *lib.Buffer) {
	name := h.options.Node.Name.String()
	b.Allocate(9)
	binary.BigEndian.PutUint16(b.B[0:2], uint16(7+len(name)))
	b.B[2] = 'n'
	binary.BigEndian.PutUint16(b.B[3:5], uint16(ProtocolVersion5))
	binary.BigEndian.PutUint32(b.B[5:9], uint32(h.options.Flags))
	b.AppendString(name)
}

func (h *Handshake) composeNameVersion6(b *lib.Buffer) {
	name := h.options.Node.Name.String()
	if h.options.Flags.IsSet(FlagNameMe) {
		// a dynamic name request presents the host part only
		name = h.options.Node.Name.Host
	}
	b.Allocate(17)
	binary.BigEndian.PutUint16(b.B[0:2], uint16(15+len(name)))
	b.B[2] = 'N'
	binary.BigEndian.PutUint64(b.B[3:11], uint64(h.options.Flags))
	binary.BigEndian.PutUint32(b.B[11:15], uint32(h.options.Node.Creation))
	binary.BigEndian.PutUint16(b.B[15:17], uint16(len(name)))
	b.AppendString(name)
}

func (h *Handshake) composeStatus(b *lib.Buffer, status Status) {
	b.Allocate(3)
	binary.BigEndian.PutUint16(b.B[0:2], uint16(1+len(status)))
	b.B[2] = 's'
	b.AppendString(string(status))
}

func (h *Handshake) composeStatusNamed(b *lib.Buffer, name string, creation uint32) {
	// "named:" NameLen(2) Name Creation(4)
	b.Allocate(3)
	binary.BigEndian.PutUint16(b.B[0:2], uint16(1+6+2+len(name)+4))
	b.B[2] = 's'
	b.AppendString("named:")
	buf := b.Extend(2 + len(name) + 4)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(name)))
	copy(buf[2:], name)
	binary.BigEndian.PutUint32(buf[2+len(name):], creation)
}

func (h *Handshake) readStatus(body []byte, peer *Peer) error {
	s := string(body)
	if s == string(StatusOk) || s == string(StatusOkSimultaneous) {
		return nil
	}
	if strings.HasPrefix(s, "named:") {
		// dynamic name assigned by the accepting node
		rest := body[6:]
		if len(rest) < 6 {
			return fmt.Errorf("%w: named status", ErrMalformedHandshake)
		}
		nameLen := int(binary.BigEndian.Uint16(rest[0:2]))
		if len(rest) < 2+nameLen+4 {
			return fmt.Errorf("%w: named status", ErrMalformedHandshake)
		}
		peer.DynamicName = string(rest[2 : 2+nameLen])
		peer.DynamicCreation = binary.BigEndian.Uint32(rest[2+nameLen:])
		return nil
	}

	switch Status(s) {
	case StatusNok:
		return ErrStatusNok
	case StatusNotAllowed:
		return ErrStatusNotAllowed
	case StatusAlive:
		return ErrStatusAlive
	}
	return fmt.Errorf("%w: status %q", ErrMalformedHandshake, s)
}

func (h *Handshake) composeChallenge(b *lib.Buffer) {
	name := h.options.Node.Name.String()
	b.Allocate(13)
	binary.BigEndian.PutUint16(b.B[0:2], uint16(11+len(name)))
	b.B[2] = 'n'
	binary.BigEndian.PutUint16(b.B[3:5], uint16(ProtocolVersion5))
	binary.BigEndian.PutUint32(b.B[5:9], uint32(h.options.Flags))
	binary.BigEndian.PutUint32(b.B[9:13], h.challenge)
	b.AppendString(name)
}

func (h *Handshake) composeChallengeVersion6(b *lib.Buffer) {
	name := h.options.Node.Name.String()
	b.Allocate(21)
	binary.BigEndian.PutUint16(b.B[0:2], uint16(19+len(name)))
	b.B[2] = 'N'
	binary.BigEndian.PutUint64(b.B[3:11], uint64(h.options.Flags))
	binary.BigEndian.PutUint32(b.B[11:15], h.challenge)
	binary.BigEndian.PutUint32(b.B[15:19], uint32(h.options.Node.Creation))
	binary.BigEndian.PutUint16(b.B[19:21], uint16(len(name)))
	b.AppendString(name)
}

func (h *Handshake) composeChallengeReply(b *lib.Buffer, challenge uint32) {
	digest := genDigest(challenge, h.options.Cookie)
	b.Allocate(7)
	binary.BigEndian.PutUint16(b.B[0:2], uint16(5+len(digest)))
	b.B[2] = 'r'
	binary.BigEndian.PutUint32(b.B[3:7], h.challenge)
	b.Append(digest)
}

func (h *Handshake) composeChallengeAck(b *lib.Buffer, peerChallenge uint32) {
	digest := genDigest(peerChallenge, h.options.Cookie)
	b.Allocate(3)
	binary.BigEndian.PutUint16(b.B[0:2], 17)
	b.B[2] = 'a'
	b.Append(digest)
}

func (h *Handshake) composeComplement(b *lib.Buffer) {
	b.Allocate(11)
	binary.BigEndian.PutUint16(b.B[0:2], 9)
	b.B[2] = 'c'
	binary.BigEndian.PutUint32(b.B[3:7], uint32(uint64(h.options.Flags)>>32))
	binary.BigEndian.PutUint32(b.B[7:11], uint32(h.options.Node.Creation))
}

// helpers

// readHandshakeFrame reads one 2-byte length prefixed message and
// returns its body (tag byte first).
func readHandshakeFrame(conn io.Reader) ([]byte, error) {
	var l [2]byte
	if _, err := io.ReadFull(conn, l[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(l[:])
	if n == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedHandshake)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(conn, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (h *Handshake) setDeadline(conn io.ReadWriter) func() {
	nr, ok := conn.(NetReader)
	if !ok || h.options.Timeout == 0 {
		return func() {}
	}
	nr.SetReadDeadline(time.Now().Add(h.options.Timeout))
	return func() { nr.SetReadDeadline(time.Time{}) }
}

// genDigest computes MD5(Cookie ++ ascii decimal Challenge).
func genDigest(challenge uint32, cookie string) []byte {
	digest := md5.Sum([]byte(cookie + strconv.FormatUint(uint64(challenge), 10)))
	return digest[:]
}

func checkMandatory(version int, peerFlags Flags) error {
	if missing := MandatoryFlags(version) &^ peerFlags; missing != 0 {
		return fmt.Errorf("%w: %#x", ErrMandatoryFlagMissing, uint64(missing))
	}
	return nil
}

func randomChallenge() uint32 {
	var b [4]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
