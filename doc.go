// Package comlink makes a Go value usable from the other side of a message
// channel as if it were local.
//
// One side exposes a root value on an endpoint. The other side wraps the
// endpoint into a *Ref, a virtual reference that records property accesses
// and turns a terminal operation into a single request message. Requests are
// matched to responses by correlation id; the result arrives as a *Future.
//
// The core does no I/O of its own. An endpoint is anything satisfying
// channel.Endpoint: an in-process channel.Port pair, or a port bridged over a
// byte stream by the outofproc package (child process stdio, TCP) or over a
// gRPC stream by the grpctransport package.
//
// # Architecture
//
// The library is organized into layers:
//
//   - comlink: Wrap/Expose, Ref, Future, the correlator and the dispatcher
//   - messages: request, response and wire value definitions and encoding
//   - serialization: transfer handler registry and transfer discovery
//   - objects: reflection object model used to serve requests
//   - channel: the Endpoint capability and in-process ports
//   - fragments, outofproc, grpctransport: cross-process transports
//
// # Basic Usage
//
//	a, b := channel.NewMessageChannel()
//
//	// Serving side
//	exp, err := comlink.Expose(&Counter{}, a)
//	if err != nil {
//	    return err
//	}
//	defer exp.Release()
//
//	// Consuming side
//	ref, err := comlink.Wrap(b)
//	if err != nil {
//	    return err
//	}
//	defer ref.Release(ctx)
//
//	n, err := comlink.Await[int](ctx, ref.Get("add").Call(2))
//
// # Remote References
//
// Values are copied across the channel unless marked with Proxy, in which
// case they stay where they are and the receiver gets a *Ref to them.
// Constructed instances are always proxied. Ports listed with Transfer move
// to the receiver instead of being copied.
//
// # Errors
//
// Errors returned by exposed functions arrive as *RemoteError with the
// message, name and stack of the original. Exposed code can raise an
// arbitrary value with Throw; it arrives as *ThrownValue.
package comlink

// Version is the library version.
const Version = "0.1.0-dev"
