// Package outofproc carries comlink endpoints across a byte stream, such as
// the stdin/stdout of a child process, a pipe or a TCP connection.
//
// # Protocol Overview
//
// Each packet is a single line of XML terminated by a newline. Message
// payloads are comlink messages encoded with messages.Encode, split by
// package fragments and base64-encoded, one fragment per Data packet.
// Every packet names the channel it belongs to.
//
// # Packet Types
//
//	<Data Channel='guid'>base64</Data>     - one message fragment
//	<Close Channel='guid' />               - the sender closed its half of a channel
//	<CloseAck Channel='guid' />            - acknowledges a session Close
//
// The all-zero channel id (RootChannel) carries the session's root endpoint.
// Closing it ends the session.
//
// # Sessions
//
// A Session turns a PacketConn into in-process ports. Its root port is an
// ordinary channel.Endpoint, so the usual comlink calls apply on both ends:
//
//	cmd := exec.Command("comlinkd", "-mode", "stdio")
//	stdin, _ := cmd.StdinPipe()
//	stdout, _ := cmd.StdoutPipe()
//	_ = cmd.Start()
//
//	session := outofproc.NewSession(outofproc.NewTransport(stdout, stdin))
//	ref, _ := comlink.Wrap(session.Root())
//	sum, err := ref.Get("Add").Call(1, 2).Await(ctx)
//
// and in the child process:
//
//	session := outofproc.NewSession(outofproc.NewTransport(os.Stdin, os.Stdout))
//	_, _ = comlink.Expose(service, session.Root())
//	<-session.Done()
//
// Ports in a message's transfer list are bridged to fresh channel ids and
// travel as {"$port": "guid"} placeholders, which the receiving session
// replaces with new local ports. Proxied values, callbacks and ENDPOINT
// sub-endpoints therefore work across the process boundary.
//
// A message that cannot be encoded still reaches the peer as an undecodable
// message carrying its correlation id, so the request it belongs to fails
// instead of waiting forever.
package outofproc
