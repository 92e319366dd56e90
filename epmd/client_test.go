package epmd

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// scripted connection: requests are captured, responses replayed
type scriptedConn struct {
	request  bytes.Buffer
	response *bytes.Reader
}

func newScriptedConn(response []byte) *scriptedConn {
	return &scriptedConn{response: bytes.NewReader(response)}
}

func (c *scriptedConn) Read(p []byte) (int, error)  { return c.response.Read(p) }
func (c *scriptedConn) Write(p []byte) (int, error) { return c.request.Write(p) }

func TestClientResolve(t *testing.T) {
	response := []byte{
		epmdPortResp, 0,
		0xa1, 0x55, // port 41301
		77,   // normal node
		0,    // tcp/ipv4
		0, 6, // highest version
		0, 5, // lowest version
		0, 1, 'x', // name
		0, 0, // extra
	}
	conn := newScriptedConn(response)
	client := NewClient(conn)

	entry, err := client.Resolve("x")
	require.NoError(t, err)
	require.Equal(t, uint16(41301), entry.Port)
	require.Equal(t, uint16(6), entry.HighestVersion)
	require.Equal(t, uint16(5), entry.LowestVersion)
	require.Equal(t, "x", entry.Name)

	// request: 2 bytes length, tag, name
	require.Equal(t, []byte{0, 2, epmdPortPleaseReq, 'x'}, conn.request.Bytes())
}

func TestClientResolveNotFound(t *testing.T) {
	conn := newScriptedConn([]byte{epmdPortResp, 1})
	_, err := NewClient(conn).Resolve("ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClientResolveUnexpectedTag(t *testing.T) {
	conn := newScriptedConn([]byte{42, 0})
	_, err := NewClient(conn).Resolve("x")
	require.ErrorIs(t, err, ErrUnexpectedResponse)
}

func TestClientRegister(t *testing.T) {
	// modern 32-bit creation response
	conn := newScriptedConn([]byte{epmdAliveXResp, 0, 0, 0, 0, 7})
	client := NewClient(conn)

	creation, err := client.Register(NewNodeEntry("demo", 12345))
	require.NoError(t, err)
	require.Equal(t, uint32(7), creation)

	request := conn.request.Bytes()
	require.Equal(t, byte(epmdAliveReq), request[2])
	// port
	require.Equal(t, []byte{0x30, 0x39}, request[3:5])
	// normal node, tcp, versions 6/5
	require.Equal(t, []byte{77, 0, 0, 6, 0, 5}, request[5:11])
	// name length + name
	require.Equal(t, []byte{0, 4, 'd', 'e', 'm', 'o'}, request[11:17])

	// legacy 16-bit creation response
	conn = newScriptedConn([]byte{epmdAliveResp, 0, 0, 3})
	creation, err = NewClient(conn).Register(NewNodeEntry("demo", 12345))
	require.NoError(t, err)
	require.Equal(t, uint32(3), creation)
}

func TestClientRegisterFailed(t *testing.T) {
	conn := newScriptedConn([]byte{epmdAliveXResp, 1, 0, 0, 0, 0})
	_, err := NewClient(conn).Register(NewNodeEntry("demo", 12345))
	require.ErrorIs(t, err, ErrRegisterFailed)
}

func TestClientNames(t *testing.T) {
	response := []byte{0, 0, 0x11, 0x11}
	response = append(response, []byte("name foo at port 4000\nname bar at port 5000\n")...)
	conn := newScriptedConn(response)

	names, err := NewClient(conn).Names()
	require.NoError(t, err)
	require.Equal(t, []NameEntry{
		{Name: "foo", Port: 4000},
		{Name: "bar", Port: 5000},
	}, names)
}

func TestClientNamesMalformed(t *testing.T) {
	response := []byte{0, 0, 0x11, 0x11}
	response = append(response, []byte("nonsense line\n")...)
	_, err := NewClient(newScriptedConn(response)).Names()
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestClientKill(t *testing.T) {
	conn := newScriptedConn([]byte("OK"))
	result, err := NewClient(conn).Kill()
	require.NoError(t, err)
	require.Equal(t, "OK", result)
	require.Equal(t, []byte{0, 1, epmdKillReq}, conn.request.Bytes())
}

func TestClientClosedMidResponse(t *testing.T) {
	conn := newScriptedConn([]byte{epmdPortResp})
	_, err := NewClient(conn).Resolve("x")
	if !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		t.Fatal(err)
	}
}
