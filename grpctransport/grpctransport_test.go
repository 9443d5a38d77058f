package grpctransport_test

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	comlink "github.com/smnsjas/go-comlink"
	"github.com/smnsjas/go-comlink/grpctransport"
	"github.com/smnsjas/go-comlink/outofproc"
)

type greeter struct {
	Greeting string `json:"greeting"`
}

func (g *greeter) Greet(name string) string {
	return g.Greeting + ", " + name
}

type profile struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

func (g *greeter) Profile(name string) profile {
	return profile{Name: name, Tags: []string{"remote", "grpc"}}
}

func startServer(t *testing.T, h grpctransport.Handler) *grpc.ClientConn {
	t.Helper()
	srv := grpc.NewServer()
	grpctransport.Register(srv, h)
	lis := bufconn.Listen(1024 * 1024)
	go func() { _ = srv.Serve(lis) }()

	cc, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = cc.Close()
		srv.Stop()
		_ = lis.Close()
	})
	return cc
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPacketsRoundTrip(t *testing.T) {
	ctx := testContext(t)
	echoed := make(chan *outofproc.Packet, 1)
	cc := startServer(t, func(_ context.Context, conn *grpctransport.Conn) error {
		p, err := conn.ReceivePacket()
		if err != nil {
			return err
		}
		echoed <- p
		return conn.Send(p)
	})

	conn, err := grpctransport.Dial(ctx, cc)
	require.NoError(t, err)

	sent := &outofproc.Packet{Type: outofproc.PacketTypeData, Channel: uuid.New(), Data: []byte{0, 1, 2, 0xff}}
	require.NoError(t, conn.Send(sent))

	got, err := conn.ReceivePacket()
	require.NoError(t, err)
	if diff := cmp.Diff(sent, got); diff != "" {
		t.Errorf("echoed packet mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(sent, <-echoed); diff != "" {
		t.Errorf("server packet mismatch (-want +got):\n%s", diff)
	}

	_, err = conn.ReceivePacket()
	assert.ErrorIs(t, err, io.EOF, "stream ends when the handler returns")

	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Send(sent), io.ErrClosedPipe)
}

func TestComlinkOverGRPC(t *testing.T) {
	ctx := testContext(t)
	var served atomic.Int32
	cc := startServer(t, func(_ context.Context, conn *grpctransport.Conn) error {
		served.Add(1)
		session := outofproc.NewSession(conn)
		if _, err := comlink.Expose(&greeter{Greeting: "hello"}, session.Root()); err != nil {
			return err
		}
		<-session.Done()
		return nil
	})

	conn, err := grpctransport.Dial(ctx, cc)
	require.NoError(t, err)
	session := outofproc.NewSession(conn)
	t.Cleanup(func() { _ = session.Close() })

	ref, err := comlink.Wrap(session.Root())
	require.NoError(t, err)

	msg, err := comlink.Await[string](ctx, ref.Get("Greet").Call("gopher"))
	require.NoError(t, err)
	assert.Equal(t, "hello, gopher", msg)

	_, err = ref.Get("greeting").Set("hi").Await(ctx)
	require.NoError(t, err)

	msg, err = comlink.Await[string](ctx, ref.Get("Greet").Call("again"))
	require.NoError(t, err)
	assert.Equal(t, "hi, again", msg)

	var p profile
	require.NoError(t, ref.Get("Profile").Call("ada").AwaitInto(ctx, &p))
	if diff := cmp.Diff(profile{Name: "ada", Tags: []string{"remote", "grpc"}}, p); diff != "" {
		t.Errorf("profile mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, ref.Release(ctx))
	select {
	case <-session.Done():
	case <-ctx.Done():
		t.Fatal("session did not end after release")
	}
	assert.Equal(t, int32(1), served.Load())
}

func TestDialCancelledContext(t *testing.T) {
	cc := startServer(t, func(ctx context.Context, _ *grpctransport.Conn) error {
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := grpctransport.Dial(ctx, cc)
	require.NoError(t, err)
	cancel()

	_, err = conn.ReceivePacket()
	assert.ErrorIs(t, err, io.EOF)
}
