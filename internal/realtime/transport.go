package realtime

import "context"

// Transport opens duplex streaming connections. A successful Dial is the
// open signal.
type Transport interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// Conn is one open stream. Frames are not delivered until Serve is called,
// which lets the caller send its first frame before reading any.
type Conn interface {
	Send(data []byte) error
	// Serve starts delivering inbound frames in order. OnError may fire before
	// OnClose; OnClose fires exactly once, after the last OnMessage.
	Serve(handlers ConnHandlers)
	Close() error
}

type ConnHandlers struct {
	OnMessage func(data []byte)
	OnError   func(err error)
	OnClose   func(err error)
}
