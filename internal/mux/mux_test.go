package mux

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func newPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	a, b := net.Pipe()
	server, err := Server(a, Config{KeepAliveInterval: -1})
	if err != nil {
		t.Fatalf("Server() error = %v", err)
	}
	client, err := Client(b, Config{KeepAliveInterval: -1})
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

func TestOpenAccept(t *testing.T) {
	server, client := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		conn, err := client.Accept(ctx)
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	conn, err := server.Open(ctx)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("echo = %q, want hello", buf)
	}
	if n := server.NumChannels(); n != 1 {
		t.Errorf("NumChannels() = %d, want 1", n)
	}
}

func TestServeRunsHandlerPerChannel(t *testing.T) {
	server, client := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	served := make(chan struct{}, 3)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- client.Serve(ctx, func(c net.Conn) {
			defer c.Close()
			c.Write([]byte{1})
			served <- struct{}{}
		})
	}()

	for i := 0; i < 3; i++ {
		conn, err := server.Open(ctx)
		if err != nil {
			t.Fatalf("Open() #%d error = %v", i, err)
		}
		b := make([]byte, 1)
		io.ReadFull(conn, b)
		conn.Close()
	}
	for i := 0; i < 3; i++ {
		<-served
	}

	// Ending the peer ends Serve with a nil error.
	server.Close()
	select {
	case err := <-serveErr:
		if err != nil {
			t.Errorf("Serve() error = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after peer closed")
	}
	select {
	case <-client.Done():
	default:
		t.Error("Done() not closed after Serve returned")
	}
}

func TestServeContextCancel(t *testing.T) {
	_, client := newPair(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Serve(ctx, func(net.Conn) {})
	}()
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve ignored cancellation")
	}
	if !client.IsClosed() {
		t.Error("session still open after Serve returned")
	}
}

func TestOpenAfterClose(t *testing.T) {
	server, _ := newPair(t)
	server.Close()
	server.Close()

	_, err := server.Open(context.Background())
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Open() error = %v, want ErrClosed", err)
	}
}

func TestOpenCancelledContext(t *testing.T) {
	server, _ := newPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := server.Open(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Open() error = %v, want context.Canceled", err)
	}
}
