// Package epmd implements the EPMD protocol: a client for talking to the
// Erlang Port Mapper Daemon and a small embedded server that can stand in
// for it.
//
// http://erlang.org/doc/apps/erts/erl_dist_protocol.html#epmd-protocol
package epmd

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/sile/erl-dist/lib"
	"github.com/sile/erl-dist/node"
)

// DefaultPort is the EPMD listening port.
const DefaultPort = 4369

const (
	epmdDumpReq       = 100
	epmdKillReq       = 107
	epmdNamesReq      = 110
	epmdAliveXResp    = 118
	epmdPortResp      = 119
	epmdAliveReq      = 120
	epmdAliveResp     = 121
	epmdPortPleaseReq = 122
)

var (
	ErrUnexpectedResponse = fmt.Errorf("epmd: unexpected response tag")
	ErrRegisterFailed     = fmt.Errorf("epmd: registration failed")
	ErrNotFound           = fmt.Errorf("epmd: node not found")
	ErrMalformedResponse  = fmt.Errorf("epmd: malformed response")
	ErrRequestTooLong     = fmt.Errorf("epmd: request exceeds the 2-byte length prefix")
)

// NodeEntry is a node record as registered in EPMD.
type NodeEntry struct {
	Name           string
	Port           uint16
	Type           node.Type
	Protocol       uint8
	HighestVersion uint16
	LowestVersion  uint16
	Extra          []byte
}

// NewNodeEntry returns an entry for a normal node speaking
// distribution protocol versions 5..6 over TCP/IPv4.
func NewNodeEntry(name string, port uint16) NodeEntry {
	return NodeEntry{
		Name:           name,
		Port:           port,
		Type:           node.TypeNormal,
		Protocol:       0, // tcp/ipv4
		HighestVersion: 6,
		LowestVersion:  5,
	}
}

// NewHiddenNodeEntry is NewNodeEntry for a hidden (C-) node.
func NewHiddenNodeEntry(name string, port uint16) NodeEntry {
	e := NewNodeEntry(name, port)
	e.Type = node.TypeHidden
	return e
}

// NameEntry is one line of a NAMES_REQ response.
type NameEntry struct {
	Name string
	Port uint16
}

// Client performs EPMD requests over a caller-supplied connection. Every
// operation is a single request/response on a fresh connection, except
// Register: its connection must stay open for the node's lifetime, and
// closing it unregisters the node.
type Client struct {
	conn io.ReadWriter
}

// NewClient
func NewClient(conn io.ReadWriter) *Client {
	return &Client{conn: conn}
}

// Dial connects to the EPMD daemon at host. port 0 means DefaultPort.
func Dial(host string, port uint16) (*Client, error) {
	if port == 0 {
		port = DefaultPort
	}
	conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection when it is closable. A node
// registered through this client becomes unregistered.
func (c *Client) Close() error {
	if closer, ok := c.conn.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Register sends ALIVE2_REQ and returns the creation assigned by EPMD.
// The client's connection must be kept open as long as the node lives.
func (c *Client) Register(entry NodeEntry) (uint32, error) {
	lib.Log("epmd: registering %q port %d", entry.Name, entry.Port)

	body := make([]byte, 13+len(entry.Name)+len(entry.Extra))
	body[0] = epmdAliveReq
	binary.BigEndian.PutUint16(body[1:3], entry.Port)
	body[3] = uint8(entry.Type)
	body[4] = entry.Protocol
	binary.BigEndian.PutUint16(body[5:7], entry.HighestVersion)
	binary.BigEndian.PutUint16(body[7:9], entry.LowestVersion)
	binary.BigEndian.PutUint16(body[9:11], uint16(len(entry.Name)))
	offset := 11 + len(entry.Name)
	copy(body[11:offset], entry.Name)
	binary.BigEndian.PutUint16(body[offset:offset+2], uint16(len(entry.Extra)))
	copy(body[offset+2:], entry.Extra)

	if err := c.sendRequest(body); err != nil {
		return 0, err
	}

	var head [2]byte
	if _, err := io.ReadFull(c.conn, head[:]); err != nil {
		return 0, err
	}

	switch head[0] {
	case epmdAliveResp:
		if head[1] != 0 {
			return 0, fmt.Errorf("%w: code %d", ErrRegisterFailed, head[1])
		}
		var creation [2]byte
		if _, err := io.ReadFull(c.conn, creation[:]); err != nil {
			return 0, err
		}
		return uint32(binary.BigEndian.Uint16(creation[:])), nil

	case epmdAliveXResp:
		if head[1] != 0 {
			return 0, fmt.Errorf("%w: code %d", ErrRegisterFailed, head[1])
		}
		var creation [4]byte
		if _, err := io.ReadFull(c.conn, creation[:]); err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint32(creation[:]), nil
	}

	return 0, fmt.Errorf("%w: ALIVE2_REQ got %d", ErrUnexpectedResponse, head[0])
}

// Resolve sends PORT_PLEASE2_REQ for the short node name and returns the
// registered entry. ErrNotFound is returned for unknown names.
func (c *Client) Resolve(name string) (NodeEntry, error) {
	var entry NodeEntry

	body := make([]byte, 1+len(name))
	body[0] = epmdPortPleaseReq
	copy(body[1:], name)
	if err := c.sendRequest(body); err != nil {
		return entry, err
	}

	var head [2]byte
	if _, err := io.ReadFull(c.conn, head[:]); err != nil {
		return entry, err
	}
	if head[0] != epmdPortResp {
		return entry, fmt.Errorf("%w: PORT_PLEASE2_REQ got %d", ErrUnexpectedResponse, head[0])
	}
	if head[1] != 0 {
		return entry, fmt.Errorf("%w: %q (code %d)", ErrNotFound, name, head[1])
	}

	var fixed [8]byte
	if _, err := io.ReadFull(c.conn, fixed[:]); err != nil {
		return entry, err
	}
	entry.Port = binary.BigEndian.Uint16(fixed[0:2])
	entry.Type = node.Type(fixed[2])
	entry.Protocol = fixed[3]
	entry.HighestVersion = binary.BigEndian.Uint16(fixed[4:6])
	entry.LowestVersion = binary.BigEndian.Uint16(fixed[6:8])

	nodeName, err := c.readUint16Bytes()
	if err != nil {
		return entry, err
	}
	entry.Name = string(nodeName)

	// the extra field may be absent in responses of old daemons
	extra, err := c.readUint16Bytes()
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return entry, err
	}
	entry.Extra = extra

	lib.Log("epmd: resolved %q to port %d", entry.Name, entry.Port)
	return entry, nil
}

// Names sends NAMES_REQ and parses the response lines.
func (c *Client) Names() ([]NameEntry, error) {
	if err := c.sendRequest([]byte{epmdNamesReq}); err != nil {
		return nil, err
	}

	text, err := c.readTextResponse()
	if err != nil {
		return nil, err
	}

	var names []NameEntry
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}
		entry, err := parseNameLine(line)
		if err != nil {
			return nil, err
		}
		names = append(names, entry)
	}
	return names, nil
}

// Dump sends DUMP_REQ and returns the raw dump text. This request is a
// debug feature of the daemon.
func (c *Client) Dump() (string, error) {
	if err := c.sendRequest([]byte{epmdDumpReq}); err != nil {
		return "", err
	}
	return c.readTextResponse()
}

// Kill asks the daemon to terminate. The response is "OK" or "NO".
func (c *Client) Kill() (string, error) {
	if err := c.sendRequest([]byte{epmdKillReq}); err != nil {
		return "", err
	}
	result, err := io.ReadAll(c.conn)
	if err != nil {
		return "", err
	}
	return string(result), nil
}

func (c *Client) sendRequest(body []byte) error {
	if len(body) > 0xffff {
		return fmt.Errorf("%w: %d bytes", ErrRequestTooLong, len(body))
	}
	buf := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(body)))
	copy(buf[2:], body)
	_, err := c.conn.Write(buf)
	return err
}

func (c *Client) readUint16Bytes() ([]byte, error) {
	var l [2]byte
	if _, err := io.ReadFull(c.conn, l[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(l[:])
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(c.conn, b); err != nil {
		return nil, err
	}
	return b, nil
}

// readTextResponse reads the 4-byte EPMD port followed by free text
// running until the daemon closes the connection.
func (c *Client) readTextResponse() (string, error) {
	var port [4]byte
	if _, err := io.ReadFull(c.conn, port[:]); err != nil {
		return "", err
	}
	text, err := io.ReadAll(c.conn)
	if err != nil {
		return "", err
	}
	return string(text), nil
}

func parseNameLine(line string) (NameEntry, error) {
	// io:format("name ~ts at port ~p~n", [NodeName, Port])
	rest, ok := strings.CutPrefix(line, "name ")
	if !ok {
		return NameEntry{}, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
	}
	pos := strings.LastIndex(rest, " at port ")
	if pos < 0 {
		return NameEntry{}, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
	}
	port, err := strconv.ParseUint(rest[pos+len(" at port "):], 10, 16)
	if err != nil {
		return NameEntry{}, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
	}
	return NameEntry{Name: rest[:pos], Port: uint16(port)}, nil
}
