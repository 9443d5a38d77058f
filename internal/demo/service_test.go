package demo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	comlink "github.com/smnsjas/go-comlink"
	"github.com/smnsjas/go-comlink/channel"
)

func wrap(t *testing.T, svc *Service) *comlink.Ref {
	t.Helper()
	a, b := channel.NewMessageChannel()
	_, err := comlink.Expose(svc, a)
	require.NoError(t, err)
	ref, err := comlink.Wrap(b)
	require.NoError(t, err)
	return ref
}

func TestServiceOverChannel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	released := make(chan struct{})
	ref := wrap(t, NewService("demo", func() { close(released) }))

	name, err := comlink.Await[string](ctx, ref.Get("name").Resolve())
	require.NoError(t, err)
	assert.Equal(t, "demo", name)

	sum, err := comlink.Await[float64](ctx, ref.Get("Add").Call(1.5, 2))
	require.NoError(t, err)
	assert.Equal(t, 3.5, sum)

	_, err = ref.Get("store").Get("greeting").Set("hello").Await(ctx)
	require.NoError(t, err)
	v, err := ref.Get("store").Get("greeting").Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	keys, err := comlink.Await[[]string](ctx, ref.Get("store").Get("keys").Call())
	require.NoError(t, err)
	assert.Equal(t, []string{"greeting"}, keys)

	counter, err := comlink.Await[*comlink.Ref](ctx, ref.Get("counter").New(10))
	require.NoError(t, err)
	n, err := comlink.Await[int](ctx, counter.Get("Increment").Call(5))
	require.NoError(t, err)
	assert.Equal(t, 15, n)

	doubled, err := comlink.Await[[]float64](ctx, ref.Get("Map").Call([]float64{1, 2}, comlink.Proxy(
		func(v float64) float64 { return v * 2 },
	)))
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 4}, doubled)

	_, err = ref.Get("Fail").Call("nope").Await(ctx)
	var remote *comlink.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "nope", remote.Message)

	require.NoError(t, ref.Release(ctx))
	select {
	case <-released:
	case <-ctx.Done():
		t.Fatal("service was not finalized")
	}
}

func TestMapPropagatesCallbackError(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewService("x", nil).Map(context.Background(), []float64{1}, func(context.Context, float64) (float64, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewService("x", nil).Sleep(ctx, 10_000), context.Canceled)
}

func TestStore(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.SetProperty("b", 2))
	require.NoError(t, s.SetProperty("a", 1))
	assert.Equal(t, []string{"a", "b"}, s.Keys())

	v, ok := s.GetProperty("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	assert.True(t, s.Delete("a"))
	assert.False(t, s.Delete("a"))
	_, ok = s.GetProperty("a")
	assert.False(t, ok)
}
