package comlink

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/smnsjas/go-comlink/serialization"
)

// Logger is an optional interface for debug logging.
// If not set, no logging is performed.
type Logger interface {
	// Printf formats and logs a debug message.
	Printf(format string, v ...any)
}

// Option configures Wrap and Expose.
type Option func(*options)

type options struct {
	logger     Logger
	slogLogger *slog.Logger
	ids        IDGenerator
	registry   *serialization.Registry
}

func newOptions(opts []Option) *options {
	o := &options{
		ids:      UUIDGenerator{},
		registry: DefaultRegistry,
	}
	for _, opt := range opts {
		opt(o)
	}
	if h, ok := o.registry.Lookup(ProxyHandlerName); ok {
		if ph, ok := h.(*proxyHandler); ok && len(opts) > 0 {
			o.registry = o.registry.Derive(ProxyHandlerName, &proxyHandler{
				registry: ph.registry,
				opts:     slices.Clone(opts),
			})
		}
	}
	return o
}

// WithLogger sets a printf-style logger.
func WithLogger(l Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithSlogLogger sets a structured logger. Debug traffic is logged at
// debug level and failures at warn level.
func WithSlogLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.slogLogger = l
	}
}

// WithIDGenerator sets the source of correlation ids. The default is
// UUIDGenerator.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *options) {
		if g != nil {
			o.ids = g
		}
	}
}

// WithRegistry selects the transfer handler registry. The default is
// DefaultRegistry. Registries not built with NewRegistry lack the proxy and
// throw handlers.
func WithRegistry(r *serialization.Registry) Option {
	return func(o *options) {
		if r != nil {
			o.registry = r
		}
	}
}

func (o *options) logf(format string, v ...any) {
	o.log(slog.LevelDebug, format, v...)
}

func (o *options) warnf(format string, v ...any) {
	o.log(slog.LevelWarn, format, v...)
}

func (o *options) log(level slog.Level, format string, v ...any) {
	if o.slogLogger != nil {
		o.slogLogger.Log(context.Background(), level, fmt.Sprintf(format, v...))
	}
	if o.logger != nil {
		o.logger.Printf(format, v...)
	}
}
