package inspector

import "context"

// Transport is the minimal full-duplex interface the orchestrator depends
// on; it owns framing and dialing, the core owns everything above it. A
// concrete implementation over a WebSocket relay lives in
// transport/wstransport; simulator and USB-mux transports are external
// collaborators per the module's scope.
type Transport interface {
	// Send writes one already-framed wire record. Implementations must
	// deliver it to the peer as a single atomic write.
	Send(ctx context.Context, frame []byte) error

	// SetReceiver installs the callback invoked with every inbound chunk
	// of bytes (not necessarily one record: the orchestrator feeds these
	// through plist.Codec itself). Orchestrator.Connect calls it once,
	// before sending the handshake.
	SetReceiver(func(frame []byte))

	// Close tears down the underlying connection. Idempotent.
	Close() error
}
