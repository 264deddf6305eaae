package connection

import (
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/timerlink/frame"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- conn
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	server := <-accepted
	require.NotNil(t, server)

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	return client, server
}

func TestConnection_RoundTrip(t *testing.T) {
	a, b := tcpPair(t)
	sender := New(a)
	receiver := New(b)

	messages := []string{
		"12:15",
		"",
		"!DISCONNECT",
		"pause ☕ — café",
		"日本語のテキスト",
		strings.Repeat("x", 70000),
	}

	for _, msg := range messages {
		require.NoError(t, sender.Send(msg))
		got, err := receiver.Receive()
		require.NoError(t, err)
		assert.Equal(t, msg, got)
	}
}

func TestConnection_FramesStayOrdered(t *testing.T) {
	a, b := tcpPair(t)
	sender := New(a)
	receiver := New(b)

	go func() {
		for _, msg := range []string{"one", "two", "three"} {
			_ = sender.Send(msg)
		}
	}()

	for _, want := range []string{"one", "two", "three"} {
		got, err := receiver.Receive()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestConnection_ConcurrentSendsDoNotInterleave(t *testing.T) {
	a, b := tcpPair(t)
	sender := New(a)
	receiver := New(b)

	const senders = 8
	const perSender = 50
	payloads := make([]string, senders)
	for i := range payloads {
		payloads[i] = strings.Repeat(string(rune('a'+i)), 1000+i)
	}

	var wg sync.WaitGroup
	wg.Add(senders)
	for i := 0; i < senders; i++ {
		go func(p string) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				assert.NoError(t, sender.Send(p))
			}
		}(payloads[i])
	}

	valid := make(map[string]bool, senders)
	for _, p := range payloads {
		valid[p] = true
	}

	for i := 0; i < senders*perSender; i++ {
		got, err := receiver.Receive()
		require.NoError(t, err)
		assert.True(t, valid[got], "frame %d was corrupted", i)
	}

	wg.Wait()
}

func TestConnection_Receive(t *testing.T) {
	t.Run("peer close before header is end of stream", func(t *testing.T) {
		a, b := tcpPair(t)
		receiver := New(b)
		require.NoError(t, a.Close())

		_, err := receiver.Receive()
		assert.ErrorIs(t, err, ErrEndOfStream)
	})

	t.Run("truncated header is an IO error", func(t *testing.T) {
		a, b := tcpPair(t)
		receiver := New(b)
		_, err := a.Write([]byte("5   "))
		require.NoError(t, err)
		require.NoError(t, a.Close())

		_, err = receiver.Receive()
		var ioErr *IOError
		require.ErrorAs(t, err, &ioErr)
		assert.Equal(t, "read header", ioErr.Op)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("truncated payload is an IO error", func(t *testing.T) {
		a, b := tcpPair(t)
		receiver := New(b)
		header, err := frame.NewCodec(0).EncodeHeader(10)
		require.NoError(t, err)
		_, err = a.Write(append(header, []byte("abc")...))
		require.NoError(t, err)
		require.NoError(t, a.Close())

		_, err = receiver.Receive()
		var ioErr *IOError
		require.ErrorAs(t, err, &ioErr)
		assert.Equal(t, "read payload", ioErr.Op)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("malformed header", func(t *testing.T) {
		a, b := tcpPair(t)
		receiver := New(b)
		_, err := a.Write([]byte(strings.Repeat("z", frame.DefaultHeaderWidth)))
		require.NoError(t, err)

		_, err = receiver.Receive()
		assert.ErrorIs(t, err, frame.ErrMalformedHeader)
	})

	t.Run("announced payload above limit", func(t *testing.T) {
		a, b := tcpPair(t)
		receiver := New(b, WithMaxPayloadSize(4))
		header, err := frame.NewCodec(0).EncodeHeader(5)
		require.NoError(t, err)
		_, err = a.Write(header)
		require.NoError(t, err)

		_, err = receiver.Receive()
		assert.ErrorIs(t, err, frame.ErrFrameTooLarge)
	})

	t.Run("invalid utf-8 payload", func(t *testing.T) {
		a, b := tcpPair(t)
		receiver := New(b)
		data, err := frame.NewCodec(0).Encode([]byte{0xff, 0xfe})
		require.NoError(t, err)
		_, err = a.Write(data)
		require.NoError(t, err)

		_, err = receiver.Receive()
		assert.ErrorIs(t, err, frame.ErrInvalidEncoding)
	})

	t.Run("read timeout on stalled peer", func(t *testing.T) {
		a, b := tcpPair(t)
		receiver := New(b, WithReadTimeout(50*time.Millisecond))
		_, err := a.Write([]byte("12"))
		require.NoError(t, err)

		_, err = receiver.Receive()
		var ioErr *IOError
		require.ErrorAs(t, err, &ioErr)
		var netErr net.Error
		require.ErrorAs(t, err, &netErr)
		assert.True(t, netErr.Timeout())
	})

	t.Run("custom header width", func(t *testing.T) {
		a, b := tcpPair(t)
		codec := frame.NewCodec(8)
		sender := New(a, WithCodec(codec))
		receiver := New(b, WithCodec(codec))

		require.NoError(t, sender.Send("narrow"))
		got, err := receiver.Receive()
		require.NoError(t, err)
		assert.Equal(t, "narrow", got)
	})
}

func TestConnection_Send(t *testing.T) {
	t.Run("rejects invalid utf-8", func(t *testing.T) {
		a, _ := tcpPair(t)
		err := New(a).Send(string([]byte{0xc3}))
		assert.ErrorIs(t, err, frame.ErrInvalidEncoding)
	})

	t.Run("rejects payload above limit", func(t *testing.T) {
		a, _ := tcpPair(t)
		err := New(a, WithMaxPayloadSize(3)).Send("four")
		assert.ErrorIs(t, err, frame.ErrFrameTooLarge)
	})

	t.Run("rejects payload the header cannot hold", func(t *testing.T) {
		a, _ := tcpPair(t)
		err := New(a, WithCodec(frame.NewCodec(1))).Send(strings.Repeat("y", 10))
		assert.ErrorIs(t, err, frame.ErrFrameTooLarge)
	})

	t.Run("write deadline is cleared after send", func(t *testing.T) {
		a, b := tcpPair(t)
		sender := New(a, WithWriteTimeout(20*time.Millisecond))
		receiver := New(b)

		require.NoError(t, sender.Send("first"))
		time.Sleep(40 * time.Millisecond)
		require.NoError(t, sender.Send("second"))

		for _, want := range []string{"first", "second"} {
			got, err := receiver.Receive()
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})
}

func TestConnection_Close(t *testing.T) {
	t.Run("send and receive fail after close", func(t *testing.T) {
		a, _ := tcpPair(t)
		conn := New(a)
		require.NoError(t, conn.Close())
		assert.True(t, conn.Closed())

		assert.ErrorIs(t, conn.Send("x"), ErrConnectionClosed)
		_, err := conn.Receive()
		assert.ErrorIs(t, err, ErrConnectionClosed)
	})

	t.Run("close is idempotent", func(t *testing.T) {
		a, _ := tcpPair(t)
		conn := New(a)
		require.NoError(t, conn.Close())
		assert.NoError(t, conn.Close())
		assert.NoError(t, conn.Close())
	})

	t.Run("close unblocks a pending receive", func(t *testing.T) {
		_, b := tcpPair(t)
		conn := New(b)

		errCh := make(chan error, 1)
		go func() {
			_, err := conn.Receive()
			errCh <- err
		}()

		time.Sleep(20 * time.Millisecond)
		require.NoError(t, conn.Close())

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrConnectionClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("receive did not return after close")
		}
	})

	t.Run("remote address is reported", func(t *testing.T) {
		a, _ := tcpPair(t)
		assert.Contains(t, New(a).RemoteAddr(), "127.0.0.1:")
	})
}
