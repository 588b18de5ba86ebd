package netwatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

// NetworkManager D-Bus names.
const (
	nmBusName   = "org.freedesktop.NetworkManager"
	nmPath      = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmInterface = "org.freedesktop.NetworkManager"
)

// NMState is the NetworkManager global state.
type NMState uint32

// States from NetworkManager's NMState enum.
const (
	NMStateUnknown         NMState = 0
	NMStateAsleep          NMState = 10
	NMStateDisconnected    NMState = 20
	NMStateDisconnecting   NMState = 30
	NMStateConnecting      NMState = 40
	NMStateConnectedLocal  NMState = 50
	NMStateConnectedSite   NMState = 60
	NMStateConnectedGlobal NMState = 70
)

// Up reports whether the state means a usable route to the collector.
func (s NMState) Up() bool { return s >= NMStateConnectedGlobal }

// NetworkManager follows the NetworkManager state over the system bus.
type NetworkManager struct {
	conn    *dbus.Conn
	signals chan *dbus.Signal
	logger  *slog.Logger
	b       broadcaster
	done    chan struct{}
}

// DialNetworkManager connects to the system bus and reads the initial state.
func DialNetworkManager(logger *slog.Logger) (*NetworkManager, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	nm, err := newNetworkManager(conn, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return nm, nil
}

func newNetworkManager(conn *dbus.Conn, logger *slog.Logger) (*NetworkManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nm := &NetworkManager{
		conn:    conn,
		signals: make(chan *dbus.Signal, 8),
		logger:  logger.With("component", "netwatch"),
		done:    make(chan struct{}),
	}

	state, err := nm.queryState()
	if err != nil {
		return nil, err
	}
	nm.b.connected = state.Up()

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(nmPath),
		dbus.WithMatchInterface(nmInterface),
		dbus.WithMatchMember("StateChanged"),
	); err != nil {
		return nil, fmt.Errorf("subscribe StateChanged: %w", err)
	}
	conn.Signal(nm.signals)

	nm.logger.Info("network state", "state", uint32(state), "connected", state.Up())
	return nm, nil
}

func (nm *NetworkManager) queryState() (NMState, error) {
	v, err := nm.conn.Object(nmBusName, nmPath).GetProperty(nmInterface + ".State")
	if err != nil {
		return NMStateUnknown, fmt.Errorf("read NetworkManager state: %w", err)
	}
	raw, ok := v.Value().(uint32)
	if !ok {
		return NMStateUnknown, fmt.Errorf("unexpected NetworkManager state type %T", v.Value())
	}
	return NMState(raw), nil
}

// Run consumes StateChanged signals until ctx is done.
func (nm *NetworkManager) Run(ctx context.Context) error {
	defer close(nm.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-nm.signals:
			if !ok {
				return fmt.Errorf("system bus connection closed")
			}
			nm.handleSignal(sig)
		}
	}
}

func (nm *NetworkManager) handleSignal(sig *dbus.Signal) {
	if sig == nil || sig.Name != nmInterface+".StateChanged" || len(sig.Body) == 0 {
		return
	}
	raw, ok := sig.Body[0].(uint32)
	if !ok {
		return
	}
	state := NMState(raw)
	if nm.b.set(state.Up()) {
		nm.logger.Info("network state changed", "state", raw, "connected", state.Up())
	}
}

// Connected implements Monitor.
func (nm *NetworkManager) Connected() bool { return nm.b.level() }

// Changes implements Monitor.
func (nm *NetworkManager) Changes() <-chan bool { return nm.b.subscribe() }

// Close unsubscribes and closes the bus connection.
func (nm *NetworkManager) Close() error {
	nm.conn.RemoveSignal(nm.signals)
	nm.b.close()
	return nm.conn.Close()
}
