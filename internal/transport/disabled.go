package transport

// Disabled is a Transport that never connects and drops everything sent to
// it. It backs modes without any event channel.
type Disabled struct{}

// Subscribe implements Transport.
func (Disabled) Subscribe(Event, Listener) func() { return func() {} }

// Connect implements Transport.
func (Disabled) Connect() error { return nil }

// Send implements Transport.
func (Disabled) Send([]byte) error { return nil }

// Close implements Transport.
func (Disabled) Close() error { return nil }

// Reconnect implements Transport.
func (Disabled) Reconnect(int, string) {}

// ReadyState implements Transport.
func (Disabled) ReadyState() ReadyState { return StateClosed }

// OnReconnect implements Transport.
func (Disabled) OnReconnect(func()) {}

var (
	_ Transport = Disabled{}
	_ Transport = (*Static)(nil)
	_ Transport = (*WebSocket)(nil)
)
