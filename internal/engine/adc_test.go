package engine

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdamConn struct {
	writes  [][]byte
	failing bool
}

func (f *fakeAdamConn) Write(b []byte) (int, error) {
	if f.failing {
		return 0, errors.New("write failed")
	}
	f.writes = append(f.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (f *fakeAdamConn) Close() error { return nil }

func newTestAdamClient(conn *fakeAdamConn) *AdamClient {
	return NewAdamClient("adam:502", func(string) (AdamConn, error) {
		return conn, nil
	})
}

func TestAdamClientReconnectAndTick(t *testing.T) {
	conn := &fakeAdamConn{}
	c := newTestAdamClient(conn)
	assert.Equal(t, AdamNotConnected, c.State())

	c.Reconnect()
	require.Equal(t, AdamOK, c.State())

	c.Tick()
	assert.Equal(t, AdamWaiting, c.State())
	assert.Len(t, conn.writes, 1)

	c.Tick()
	assert.Equal(t, AdamMissed, c.State(), "a second tick with no response demotes to MISSED without resending")
	assert.Len(t, conn.writes, 1, "no second request is sent while WAITING/MISSED")
}

func TestAdamClientHandleResponseWrongLength(t *testing.T) {
	conn := &fakeAdamConn{}
	c := newTestAdamClient(conn)
	c.Reconnect()
	c.Tick()

	_, ok := c.HandleResponse(make([]byte, 24))
	assert.False(t, ok, "a response that is not exactly 25 bytes is ignored")
	assert.Equal(t, AdamWaiting, c.State(), "state machine does not advance on a malformed response")
}

func TestAdamClientHandleResponseRecoversFromMissed(t *testing.T) {
	conn := &fakeAdamConn{}
	c := newTestAdamClient(conn)
	c.Reconnect()
	c.Tick()
	c.Tick() // -> MISSED

	data := make([]byte, adamResponseLen)
	for i := 0; i < NumADCChannels; i++ {
		binary.BigEndian.PutUint16(data[adamResponseHeaderLen+i*2:], uint16(100+i))
	}
	sample, ok := c.HandleResponse(data)
	require.True(t, ok)
	assert.Equal(t, AdamOK, c.State())
	for i := 0; i < NumADCChannels; i++ {
		assert.Equal(t, uint16(100+i), sample[i])
	}
}

func TestAdamClientSocketError(t *testing.T) {
	conn := &fakeAdamConn{}
	c := newTestAdamClient(conn)
	c.Reconnect()
	c.HandleSocketError(errors.New("reset by peer"))
	assert.Equal(t, AdamBad, c.State())
	assert.False(t, c.Connected())
}
