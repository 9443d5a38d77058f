// Package channel defines the Endpoint capability consumed by the comlink
// protocol and provides an in-process entangled port pair.
//
// An Endpoint is a bidirectional message channel: values are posted with an
// optional transfer list and delivered asynchronously to registered listeners.
// The protocol core never moves bytes itself; it only posts messages and
// reacts to message events.
//
// # Endpoint Capability
//
//	PostMessage(data, transfer) error   - post a message, handing over transfer
//	AddListener(l) / RemoveListener(l)  - subscribe to message events
//	Start()                             - optional, idempotent activation
//	Close() error                       - optional, releases the endpoint
//
// # Ports
//
// NewMessageChannel returns two entangled ports. A message posted on one port
// is delivered to the listeners of the other. Delivery begins once Start is
// called; messages posted earlier are queued. Ports are Transferable, which is
// how remote references get a private sub-endpoint for their lifetime.
//
//	a, b := channel.NewMessageChannel()
//	b.AddListener(channel.OnMessage(func(ev channel.MessageEvent) {
//	    fmt.Println(ev.Data)
//	}))
//	b.Start()
//	_ = a.PostMessage("hello", nil)
//
// Transports that cross a process boundary (see package outofproc) bridge a
// local port onto their own channel identifiers; ports carry a wire identity
// for that purpose (BindWireID, MarshalJSON).
package channel
