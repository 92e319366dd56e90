package epmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := StartServer(ServerOptions{Host: "127.0.0.1", Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop() })
	return s
}

func dialTestServer(t *testing.T, s *Server) *Client {
	t.Helper()
	c, err := Dial("127.0.0.1", s.Port())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServerRegisterAndResolve(t *testing.T) {
	s := startTestServer(t)

	reg := dialTestServer(t, s)
	creation, err := reg.Register(NewHiddenNodeEntry("demo", 31337))
	require.NoError(t, err)
	require.NotZero(t, creation)

	entry, err := dialTestServer(t, s).Resolve("demo")
	require.NoError(t, err)
	require.Equal(t, uint16(31337), entry.Port)
	require.Equal(t, "demo", entry.Name)
	require.Equal(t, uint16(6), entry.HighestVersion)

	names, err := dialTestServer(t, s).Names()
	require.NoError(t, err)
	require.Equal(t, []NameEntry{{Name: "demo", Port: 31337}}, names)

	dump, err := dialTestServer(t, s).Dump()
	require.NoError(t, err)
	require.Contains(t, dump, "demo")
}

func TestServerDuplicateName(t *testing.T) {
	s := startTestServer(t)

	_, err := dialTestServer(t, s).Register(NewNodeEntry("dup", 1000))
	require.NoError(t, err)

	_, err = dialTestServer(t, s).Register(NewNodeEntry("dup", 2000))
	require.ErrorIs(t, err, ErrRegisterFailed)
}

func TestServerUnregisterOnClose(t *testing.T) {
	s := startTestServer(t)

	reg := dialTestServer(t, s)
	_, err := reg.Register(NewNodeEntry("gone", 1000))
	require.NoError(t, err)
	require.NoError(t, reg.Close())

	// the server notices the close asynchronously
	require.Eventually(t, func() bool {
		_, err := dialTestServer(t, s).Resolve("gone")
		return err != nil
	}, time.Second, 10*time.Millisecond)
}

func TestServerResolveUnknown(t *testing.T) {
	s := startTestServer(t)
	_, err := dialTestServer(t, s).Resolve("ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestServerKill(t *testing.T) {
	s := startTestServer(t)
	result, err := dialTestServer(t, s).Kill()
	require.NoError(t, err)
	require.Equal(t, "OK", result)
}
