package epmd

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sile/erl-dist/lib"
	"github.com/sile/erl-dist/node"
)

// ServerOptions
type ServerOptions struct {
	// Host to listen on, default "0.0.0.0"
	Host string

	// Port to listen on, default DefaultPort
	Port uint16
}

type registration struct {
	entry    NodeEntry
	creation uint32
}

// Server is an embedded EPMD server. It implements enough of the
// protocol to serve this library and real Erlang nodes: registration
// with creation assignment, port lookup, names, dump and kill.
type Server struct {
	listener net.Listener
	port     uint16

	nodesMutex sync.Mutex
	nodes      map[string]registration
}

// StartServer listens on the given host/port and serves in the
// background until Stop (or a KILL_REQ).
func StartServer(options ServerOptions) (*Server, error) {
	if options.Host == "" {
		options.Host = "0.0.0.0"
	}
	if options.Port == 0 {
		options.Port = DefaultPort
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(options.Host, strconv.Itoa(int(options.Port))))
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener: listener,
		port:     uint16(listener.Addr().(*net.TCPAddr).Port),
		nodes:    make(map[string]registration),
	}
	go s.serve()

	lib.Log("epmd server: listening on port %d", s.port)
	return s, nil
}

// Port the server listens on.
func (s *Server) Port() uint16 {
	return s.port
}

// Stop closes the listener. Connections already accepted are not closed:
// a registered node stays in the table until its registration
// connection is closed by the peer.
func (s *Server) Stop() error {
	return s.listener.Close()
}

func (s *Server) serve() {
	for {
		c, err := s.listener.Accept()
		if err != nil {
			lib.Log("epmd server: stopped: %s", err)
			return
		}
		lib.Log("epmd server: accepted connection from %s", c.RemoteAddr())
		go s.handle(c)
	}
}

func (s *Server) handle(c net.Conn) {
	defer c.Close()

	buf := lib.TakeBuffer()
	defer lib.ReleaseBuffer(buf)

	registered := ""
	defer func() {
		if registered == "" {
			return
		}
		lib.Log("epmd server: unregistering %q", registered)
		s.nodesMutex.Lock()
		delete(s.nodes, registered)
		s.nodesMutex.Unlock()
	}()

	for {
		if _, err := buf.ReadDataFrom(c, 65538); err != nil {
			return
		}
		total, done := buf.Frame(2)
		if !done {
			continue
		}
		if total == 2 {
			// empty request
			return
		}
		req := buf.B[2:total]

		switch req[0] {
		case epmdAliveReq:
			name, reg, err := readAliveReq(req[1:])
			if err != nil {
				s.sendAliveResp(c, 1, 0)
				return
			}

			s.nodesMutex.Lock()
			_, exist := s.nodes[name]
			if !exist {
				s.nodes[name] = reg
			}
			s.nodesMutex.Unlock()

			if exist {
				s.sendAliveResp(c, 1, 0)
				return
			}
			if err := s.sendAliveResp(c, 0, reg.creation); err != nil {
				return
			}
			registered = name
			lib.Log("epmd server: registered %q at port %d", name, reg.entry.Port)

			if tcp, ok := c.(*net.TCPConn); ok {
				tcp.SetKeepAlive(true)
				tcp.SetKeepAlivePeriod(15 * time.Second)
				tcp.SetNoDelay(true)
			}

			// wait for more requests (or the close that unregisters)
			buf.Advance(total)
			continue

		case epmdPortPleaseReq:
			requested := string(req[1:])
			s.nodesMutex.Lock()
			reg, exist := s.nodes[requested]
			s.nodesMutex.Unlock()

			if !exist {
				lib.Log("epmd server: %q not found", requested)
				c.Write([]byte{epmdPortResp, 1})
				return
			}
			s.sendPortPleaseResp(c, reg)
			return

		case epmdNamesReq:
			s.sendNamesResp(c)
			return

		case epmdDumpReq:
			s.sendDumpResp(c)
			return

		case epmdKillReq:
			c.Write([]byte("OK"))
			s.listener.Close()
			return

		default:
			lib.Log("epmd server: unknown request %d", req[0])
			return
		}
	}
}

func readAliveReq(req []byte) (string, registration, error) {
	if len(req) < 12 {
		return "", registration{}, ErrMalformedResponse
	}
	l := int(binary.BigEndian.Uint16(req[8:10]))
	if len(req) < 10+l+2 {
		return "", registration{}, ErrMalformedResponse
	}
	name := string(req[10 : 10+l])
	extraLen := int(binary.BigEndian.Uint16(req[10+l : 12+l]))
	if len(req) < 12+l+extraLen {
		return "", registration{}, ErrMalformedResponse
	}

	entry := NodeEntry{
		Name:           name,
		Port:           binary.BigEndian.Uint16(req[0:2]),
		Type:           node.Type(req[2]),
		Protocol:       req[3],
		HighestVersion: binary.BigEndian.Uint16(req[4:6]),
		LowestVersion:  binary.BigEndian.Uint16(req[6:8]),
		Extra:          append([]byte(nil), req[12+l:12+l+extraLen]...),
	}
	return name, registration{entry: entry, creation: uint32(node.NewCreation())}, nil
}

func (s *Server) sendAliveResp(c net.Conn, code byte, creation uint32) error {
	// ALIVE2_X_RESP carries the full 32-bit creation
	buf := make([]byte, 6)
	buf[0] = epmdAliveXResp
	buf[1] = code
	binary.BigEndian.PutUint32(buf[2:6], creation)
	_, err := c.Write(buf)
	return err
}

func (s *Server) sendPortPleaseResp(c net.Conn, reg registration) {
	entry := reg.entry
	buf := make([]byte, 10+2+len(entry.Name)+2+len(entry.Extra))
	buf[0] = epmdPortResp
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], entry.Port)
	buf[4] = uint8(entry.Type)
	buf[5] = entry.Protocol
	binary.BigEndian.PutUint16(buf[6:8], entry.HighestVersion)
	binary.BigEndian.PutUint16(buf[8:10], entry.LowestVersion)
	binary.BigEndian.PutUint16(buf[10:12], uint16(len(entry.Name)))
	offset := 12 + len(entry.Name)
	copy(buf[12:offset], entry.Name)
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(entry.Extra)))
	copy(buf[offset+2:], entry.Extra)
	c.Write(buf)
}

func (s *Server) sendNamesResp(c net.Conn) {
	var str strings.Builder
	var port [4]byte

	binary.BigEndian.PutUint32(port[:], uint32(s.port))
	str.Write(port[:])

	s.nodesMutex.Lock()
	for name, reg := range s.nodes {
		// io:format("name ~ts at port ~p~n", [NodeName, Port])
		fmt.Fprintf(&str, "name %s at port %d\n", name, reg.entry.Port)
	}
	s.nodesMutex.Unlock()

	c.Write([]byte(str.String()))
}

func (s *Server) sendDumpResp(c net.Conn) {
	var str strings.Builder
	var port [4]byte

	binary.BigEndian.PutUint32(port[:], uint32(s.port))
	str.Write(port[:])

	s.nodesMutex.Lock()
	fd := 4
	for name, reg := range s.nodes {
		fmt.Fprintf(&str, "active name\t<%s> at port %d, fd = %d\n", name, reg.entry.Port, fd)
		fd++
	}
	s.nodesMutex.Unlock()

	c.Write([]byte(str.String()))
}
