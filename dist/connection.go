package dist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sile/erl-dist/etf"
	"github.com/sile/erl-dist/lib"
)

const (
	defaultLatency = 200 * time.Nanosecond // for linkFlusher

	// DefaultTickInterval is the outbound keepalive period. The inbound
	// side is considered dead after 1.25 tick intervals of silence.
	DefaultTickInterval = 15 * time.Second

	// https://erlang.org/doc/apps/erts/erl_ext_dist.html#distribution-header
	protoDist           = 131
	protoDistCompressed = 80
	protoDistMessage    = 68
	protoDistFragment1  = 69
	protoDistFragmentN  = 70

	// legacy framing marker used when no distribution header is negotiated
	protoPassThrough = byte(112)

	// reserved space for the frame prologue and the atom cache section,
	// written in front of the encoded control/payload
	reserveHeaderAtomCache = 8192
)

var (
	ErrFrameTooLarge  = fmt.Errorf("dist: frame exceeds the message size limit")
	ErrMalformedFrame = fmt.Errorf("dist: malformed frame")
	ErrTickTimeout    = fmt.Errorf("dist: no inbound traffic within the tick timeout")
	ErrPeerClosed     = fmt.Errorf("dist: connection closed by peer")
)

// NetReader is the optional deadline surface of the transport. When
// the stream behind a Connection (or Handshake) implements it —
// net.Conn does — reads are bounded and inbound silence surfaces as
// ErrTickTimeout; a plain io.ReadWriter works without timeouts.
type NetReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// ConnectionOptions
type ConnectionOptions struct {
	// Flags is the negotiated capability set (Peer.Flags from the
	// handshake). It decides the framing and the codec variants.
	Flags Flags

	// TickInterval is the net_ticktime-shaped keepalive knob.
	// Zero means DefaultTickInterval.
	TickInterval time.Duration

	// MaxMessageSize bounds inbound frames. Zero means no limit.
	MaxMessageSize int
}

// Connection is the post-handshake distribution channel. Send and Recv
// may be driven concurrently (one goroutine each); neither is safe for
// use from several goroutines at once.
type Connection struct {
	conn    io.ReadWriter
	options ConnectionOptions

	flusher *linkFlusher

	// receive buffer, owned by Recv
	b *lib.Buffer

	// atom cache for incoming messages, owned by Recv
	cacheIn      [2048]*etf.Atom
	cacheInMutex sync.Mutex

	// atom cache for outgoing messages, owned by Send
	cacheOut          *etf.AtomCache
	writerAtomCache   map[etf.Atom]etf.CacheItem
	encodingAtomCache *etf.ListAtomCache

	sendMutex sync.Mutex

	closed bool
}

// NewConnection wraps a stream that completed the handshake. When the
// stream implements SetReadDeadline, inbound silence beyond 1.25 tick
// intervals surfaces as ErrTickTimeout from Recv.
func NewConnection(conn io.ReadWriter, options ConnectionOptions) *Connection {
	if options.TickInterval == 0 {
		options.TickInterval = DefaultTickInterval
	}

	c := &Connection{
		conn:    conn,
		options: options,
		b:       lib.TakeBuffer(),
	}
	c.flusher = newLinkFlusher(conn, defaultLatency, options.TickInterval)

	if options.Flags.IsSet(FlagDistHdrAtomCache) {
		c.cacheOut = etf.NewAtomCache()
		c.writerAtomCache = make(map[etf.Atom]etf.CacheItem)
		c.encodingAtomCache = etf.TakeListAtomCache()
	}

	return c
}

// Close stops the keepalive flusher and closes the stream when it is
// closable. The connection must not be used afterwards.
func (dc *Connection) Close() error {
	dc.sendMutex.Lock()
	defer dc.sendMutex.Unlock()

	if dc.closed {
		return nil
	}
	dc.closed = true

	dc.flusher.Stop()
	if dc.encodingAtomCache != nil {
		etf.ReleaseListAtomCache(dc.encodingAtomCache)
		dc.encodingAtomCache = nil
	}
	lib.ReleaseBuffer(dc.b)

	if closer, ok := dc.conn.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Send serializes one message into one frame. Sending Tick writes a
// zero length frame.
func (dc *Connection) Send(message Message) error {
	if _, isTick := message.(Tick); isTick {
		_, err := dc.flusher.Write(keepAlivePacket)
		return err
	}

	control, payload, hasPayload := message.control()

	dc.sendMutex.Lock()
	defer dc.sendMutex.Unlock()

	if dc.closed {
		return ErrPeerClosed
	}

	cacheEnabled := dc.cacheOut != nil

	b := lib.TakeBuffer()
	defer lib.ReleaseBuffer(b)

	// the atom cache section length is known only after the control
	// and payload encoding, but must sit in front of them in the
	// frame. reserve space to write the prologue backwards instead of
	// moving the encoded data
	b.Allocate(reserveHeaderAtomCache)

	encodeOptions := etf.EncodeOptions{
		FlagBigPidRef: dc.options.Flags.IsSet(FlagV4NC),
	}

	if cacheEnabled {
		dc.encodingAtomCache.Reset()
		encodeOptions.AtomCache = dc.cacheOut
		encodeOptions.WriterAtomCache = dc.writerAtomCache
		encodeOptions.EncodingAtomCache = dc.encodingAtomCache

		if err := etf.Encode(control, b, encodeOptions); err != nil {
			return err
		}
		if hasPayload {
			if err := etf.Encode(payload, b, encodeOptions); err != nil {
				return err
			}
		}
	} else {
		// pass-through framing: every term carries its own version magic
		if err := etf.EncodeWithVersion(control, b, encodeOptions); err != nil {
			return err
		}
		if hasPayload {
			if err := etf.EncodeWithVersion(payload, b, encodeOptions); err != nil {
				return err
			}
		}
	}
	lenBody := b.Len() - reserveHeaderAtomCache

	startDataPosition := reserveHeaderAtomCache
	if cacheEnabled {
		acb := lib.TakeBuffer()
		dc.encodeDistHeaderAtomCache(acb)
		lenAtomCache := acb.Len()
		if lenAtomCache > reserveHeaderAtomCache-6 {
			lib.ReleaseBuffer(acb)
			return fmt.Errorf("%w: atom cache section %d bytes", ErrFrameTooLarge, lenAtomCache)
		}
		startDataPosition -= lenAtomCache
		copy(b.B[startDataPosition:], acb.B)
		lib.ReleaseBuffer(acb)

		// 4 (length) + 1 (131) + 1 (68)
		startDataPosition -= 6
		binary.BigEndian.PutUint32(b.B[startDataPosition:], uint32(2+lenAtomCache+lenBody))
		b.B[startDataPosition+4] = protoDist
		b.B[startDataPosition+5] = protoDistMessage
	} else {
		// 4 (length) + 1 (112)
		startDataPosition -= 5
		binary.BigEndian.PutUint32(b.B[startDataPosition:], uint32(1+lenBody))
		b.B[startDataPosition+4] = protoPassThrough
	}

	if _, err := dc.flusher.Write(b.B[startDataPosition:]); err != nil {
		return err
	}
	return nil
}

// Recv reads frames until a whole message arrives. Inbound ticks are
// consumed internally. Framing, codec and cache failures are fatal:
// the caller must Close the connection.
func (dc *Connection) Recv() (Message, error) {
	for {
		packetLength, err := dc.read()
		if err != nil {
			return nil, err
		}

		packet := dc.b.B[4:packetLength]
		message, err := dc.decodePacket(packet)

		// keep the tail for the next frame
		dc.b.Advance(packetLength)

		if err != nil {
			return nil, err
		}
		return message, nil
	}
}

// read blocks until the buffer holds one whole frame and returns its
// total length (including the 4-byte length prefix). Zero length
// frames reset the inbound idle deadline and are not returned.
func (dc *Connection) read() (int, error) {
	for {
		if total, done := dc.b.Frame(4); total > 0 {
			if total == 4 {
				// tick
				lib.Log("dist: tick from peer")
				dc.b.Advance(4)
				continue
			}
			if dc.options.MaxMessageSize > 0 && total-4 > dc.options.MaxMessageSize {
				return 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total-4)
			}
			if done {
				return total, nil
			}
		}

		dc.setReadDeadline()
		n, e := dc.b.ReadDataFrom(dc.conn, dc.options.MaxMessageSize)
		if n == 0 {
			if e == nil || e == io.EOF {
				return 0, ErrPeerClosed
			}
			if isTimeout(e) {
				return 0, ErrTickTimeout
			}
			return 0, e
		}
		if e != nil && e != io.EOF {
			if isTimeout(e) {
				return 0, ErrTickTimeout
			}
			return 0, e
		}
	}
}

func (dc *Connection) decodePacket(packet []byte) (Message, error) {
	if len(packet) == 0 {
		return nil, ErrMalformedFrame
	}

	decodeOptions := etf.DecodeOptions{
		FlagBigPidRef: dc.options.Flags.IsSet(FlagV4NC),
	}

	var control, payload etf.Term
	var err error

	switch packet[0] {
	case protoPassThrough:
		packet = packet[1:]
		control, packet, err = etf.DecodeWithVersion(packet, nil, decodeOptions)
		if err != nil {
			return nil, err
		}
		if len(packet) > 0 {
			payload, packet, err = etf.DecodeWithVersion(packet, nil, decodeOptions)
			if err != nil {
				return nil, err
			}
		}

	case protoDist:
		if len(packet) < 2 {
			return nil, ErrMalformedFrame
		}
		switch packet[1] {
		case protoDistMessage:
			var cache []etf.Atom
			cache, packet, err = dc.decodeDistHeaderAtomCache(packet[2:])
			if err != nil {
				return nil, err
			}

			control, packet, err = etf.Decode(packet, cache, decodeOptions)
			if err != nil {
				return nil, err
			}
			if len(packet) > 0 {
				payload, packet, err = etf.Decode(packet, cache, decodeOptions)
				if err != nil {
					return nil, err
				}
			}

		case protoDistCompressed, protoDistFragment1, protoDistFragmentN:
			return nil, fmt.Errorf("%w: unsupported distribution header %d", ErrMalformedFrame, packet[1])
		default:
			return nil, fmt.Errorf("%w: unknown distribution header %d", ErrMalformedFrame, packet[1])
		}

	default:
		return nil, fmt.Errorf("%w: unknown frame type %d", ErrMalformedFrame, packet[0])
	}

	if len(packet) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, len(packet))
	}

	controlTuple, ok := control.(etf.Tuple)
	if !ok {
		return nil, fmt.Errorf("%w: control message is not a tuple", ErrMalformedControl)
	}
	return parseMessage(controlTuple, payload)
}

// decodeDistHeaderAtomCache reads the cache-update section of a
// distribution header, installs new atoms into the connection table and
// returns the per-message cache referenced by ATOM_CACHE_REF terms.
// https://erlang.org/doc/apps/erts/erl_ext_dist.html#normal-distribution-header
func (dc *Connection) decodeDistHeaderAtomCache(packet []byte) ([]etf.Atom, []byte, error) {
	if len(packet) == 0 {
		return nil, nil, ErrMalformedFrame
	}

	references := int(packet[0])
	if references == 0 {
		return nil, packet[1:], nil
	}

	cache := make([]etf.Atom, references)
	flagsLen := references/2 + 1
	if len(packet) < 1+flagsLen {
		return nil, nil, ErrMalformedFrame
	}
	flags := packet[1 : flagsLen+1]

	// the least significant bit of the trailing half byte is the
	// LongAtoms flag. when set, atom lengths take 2 bytes
	headerAtomLength := 1
	lastByte := flags[len(flags)-1]
	shift := uint((references & 0x01) * 4)
	headerAtomLength += int((lastByte >> shift) & 0x01)

	packet = packet[1+flagsLen:]

	for i := 0; i < references; i++ {
		if len(packet) < 1+headerAtomLength {
			return nil, nil, ErrMalformedFrame
		}
		shift = uint((i & 0x01) * 4)
		flag := (flags[i/2] >> shift) & 0x0F
		isNewReference := flag&0x08 == 0x08
		idxReference := uint16(flag & 0x07)
		idxInternal := uint16(packet[0])
		idx := (idxReference << 8) | idxInternal

		if isNewReference {
			atomLen := uint16(packet[1])
			if headerAtomLength == 2 {
				atomLen = binary.BigEndian.Uint16(packet[1:3])
			}
			packet = packet[1+headerAtomLength:]
			if len(packet) < int(atomLen) {
				return nil, nil, ErrMalformedFrame
			}
			atom := etf.Atom(packet[:atomLen])
			cache[i] = atom

			dc.cacheInMutex.Lock()
			dc.cacheIn[idx] = &atom
			dc.cacheInMutex.Unlock()

			packet = packet[atomLen:]
			continue
		}

		dc.cacheInMutex.Lock()
		c := dc.cacheIn[idx]
		dc.cacheInMutex.Unlock()
		if c == nil {
			return nil, nil, fmt.Errorf("%w: slot %d", etf.ErrAtomCacheMiss, idx)
		}
		cache[i] = *c
		packet = packet[1:]
	}

	return cache, packet, nil
}

// encodeDistHeaderAtomCache writes the cache-update section for the
// references collected by the current encoding pass.
func (dc *Connection) encodeDistHeaderAtomCache(b *lib.Buffer) {
	n := dc.encodingAtomCache.Len()
	if n == 0 {
		b.AppendByte(0)
		return
	}

	b.AppendByte(byte(n)) // NumberOfAtomCacheRefs

	lenFlags := n/2 + 1
	b.Extend(lenFlags)
	// flag nibbles are indexed through b.B directly: Extend calls
	// below may reallocate the underlying array
	b.B[lenFlags] = 0 // clear the trailing LongAtoms half byte

	for i := 0; i < n; i++ {
		ref := dc.encodingAtomCache.L[i]
		shift := uint((i & 0x01) * 4)
		idxReference := byte(ref.ID >> 8) // SegmentIndex
		idxInternal := byte(ref.ID & 255) // InternalSegmentIndex

		cachedItem := dc.writerAtomCache[ref.Name]
		if !cachedItem.Encoded {
			idxReference |= 8 // NewCacheEntryFlag
		}

		if shift == 0 {
			b.B[1+i/2] = 0
		}
		b.B[1+i/2] |= idxReference << shift

		if cachedItem.Encoded {
			b.AppendByte(idxInternal)
			continue
		}

		if dc.encodingAtomCache.HasLongAtom {
			// 1 (InternalSegmentIndex) + 2 (length) + name
			buf := b.Extend(3 + len(ref.Name))
			buf[0] = idxInternal
			binary.BigEndian.PutUint16(buf[1:3], uint16(len(ref.Name)))
			copy(buf[3:], ref.Name)
		} else {
			// 1 (InternalSegmentIndex) + 1 (length) + name
			buf := b.Extend(2 + len(ref.Name))
			buf[0] = idxInternal
			buf[1] = byte(len(ref.Name))
			copy(buf[2:], ref.Name)
		}

		cachedItem.Encoded = true
		dc.writerAtomCache[ref.Name] = cachedItem
	}

	if dc.encodingAtomCache.HasLongAtom {
		shift := uint((n & 0x01) * 4)
		b.B[lenFlags] |= 1 << shift // LongAtoms = 1
	}
}

func (dc *Connection) setReadDeadline() {
	nr, ok := dc.conn.(NetReader)
	if !ok || dc.options.TickInterval == 0 {
		return
	}
	timeout := dc.options.TickInterval + dc.options.TickInterval/4
	nr.SetReadDeadline(time.Now().Add(timeout))
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
