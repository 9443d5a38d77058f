package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	comlink "github.com/smnsjas/go-comlink"
)

// driver runs the demo scenario against a wrapped demo service and
// releases it at the end.
type driver struct {
	ref     *comlink.Ref
	timeout time.Duration
	logger  zerolog.Logger
}

func (d *driver) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

func (d *driver) run(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"name", d.name},
		{"add", d.add},
		{"store", d.store},
		{"counter", d.counter},
		{"map", d.mapValues},
		{"fail", d.fail},
		{"parallel", d.parallel},
	}
	for _, step := range steps {
		cctx, cancel := d.call(ctx)
		err := step.fn(cctx)
		cancel()
		if err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}

	cctx, cancel := d.call(ctx)
	defer cancel()
	if err := d.ref.Release(cctx); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	d.logger.Info().Msg("released service")
	return nil
}

func (d *driver) name(ctx context.Context) error {
	name, err := comlink.Await[string](ctx, d.ref.Get("name").Resolve())
	if err != nil {
		return err
	}
	d.logger.Info().Str("name", name).Msg("connected")
	return nil
}

func (d *driver) add(ctx context.Context) error {
	sum, err := comlink.Await[float64](ctx, d.ref.Get("Add").Call(40, 2))
	if err != nil {
		return err
	}
	d.logger.Info().Float64("sum", sum).Msg("Add(40, 2)")
	return nil
}

func (d *driver) store(ctx context.Context) error {
	store := d.ref.Get("store")
	if _, err := store.Get("greeting").Set("hello").Await(ctx); err != nil {
		return err
	}
	greeting, err := comlink.Await[string](ctx, store.Get("greeting").Resolve())
	if err != nil {
		return err
	}
	keys, err := comlink.Await[[]string](ctx, store.Get("keys").Call())
	if err != nil {
		return err
	}
	d.logger.Info().Str("greeting", greeting).Strs("keys", keys).Msg("store")
	return nil
}

func (d *driver) counter(ctx context.Context) error {
	counter, err := comlink.Await[*comlink.Ref](ctx, d.ref.Get("counter").New(1))
	if err != nil {
		return err
	}
	defer func() {
		if err := counter.Release(ctx); err != nil {
			d.logger.Warn().Err(err).Msg("release counter")
		}
	}()

	n, err := comlink.Await[int](ctx, counter.Get("Increment").Call(41))
	if err != nil {
		return err
	}
	d.logger.Info().Int("value", n).Msg("counter")
	return nil
}

func (d *driver) mapValues(ctx context.Context) error {
	square := comlink.Proxy(func(v float64) float64 { return v * v })
	squares, err := comlink.Await[[]float64](ctx, d.ref.Get("Map").Call([]float64{1, 2, 3}, square))
	if err != nil {
		return err
	}
	d.logger.Info().Floats64("squares", squares).Msg("Map with callback")
	return nil
}

// fail expects the remote error and reports anything else.
func (d *driver) fail(ctx context.Context) error {
	_, err := d.ref.Get("Fail").Call("expected failure").Await(ctx)
	var remote *comlink.RemoteError
	if !errors.As(err, &remote) {
		return fmt.Errorf("want remote error, got %v", err)
	}
	d.logger.Info().Str("message", remote.Message).Bool("stack", remote.Stack != "").Msg("remote error")
	return nil
}

func (d *driver) parallel(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	results := make([]float64, 8)
	for i := range results {
		g.Go(func() error {
			if _, err := d.ref.Get("Sleep").Call(10).Await(gctx); err != nil {
				return err
			}
			v, err := comlink.Await[float64](gctx, d.ref.Get("Add").Call(i, i))
			results[i] = v
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	d.logger.Info().Floats64("results", results).Msg("parallel calls")
	return nil
}
