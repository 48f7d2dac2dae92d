// Package transport carries advisory decisions between processes
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/bryanchriswhite/ScreenGuard/internal/advisory"
	"github.com/bryanchriswhite/ScreenGuard/internal/logger"
	"github.com/godbus/dbus/v5"
)

const (
	DecisionInterface = "io.screenguard.Advisory"
	DecisionMember    = "Decision"
	DecisionSignal    = DecisionInterface + "." + DecisionMember
	DecisionPath      = dbus.ObjectPath("/io/screenguard/Advisory")
)

// DBusEmitter broadcasts decisions as session bus signals. It is the
// Publisher of an advisory host running outside the daemon.
type DBusEmitter struct {
	conn *dbus.Conn
}

// NewDBusEmitter connects to the session bus
func NewDBusEmitter() (*DBusEmitter, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	return &DBusEmitter{conn: conn}, nil
}

// Publish emits d. Delivery is fire-and-forget, failures are logged.
func (e *DBusEmitter) Publish(d advisory.Decision) {
	err := e.conn.Emit(DecisionPath, DecisionSignal, d.Kind.String(), d.SubjectName, d.SessionID)
	log := logger.WithComponent("dbus")
	if err != nil {
		log.Error().Err(err).Str("session", d.SessionID).Msg("Failed to emit decision")
		return
	}
	log.Debug().Str("session", d.SessionID).Str("decision", d.Kind.String()).Msg("Decision emitted")
}

// Close closes the bus connection
func (e *DBusEmitter) Close() error {
	return e.conn.Close()
}

// DBusReceiver forwards decision signals from the session bus into a publisher,
// normally the daemon's relay
type DBusReceiver struct {
	conn *dbus.Conn
	sink advisory.Publisher
}

// NewDBusReceiver connects to the session bus and subscribes to decisions
func NewDBusReceiver(sink advisory.Publisher) (*DBusReceiver, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	err = conn.AddMatchSignal(
		dbus.WithMatchObjectPath(DecisionPath),
		dbus.WithMatchInterface(DecisionInterface),
		dbus.WithMatchMember(DecisionMember),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to add signal match: %w", err)
	}
	return &DBusReceiver{conn: conn, sink: sink}, nil
}

// Run forwards signals until ctx is done, then closes the connection
func (r *DBusReceiver) Run(ctx context.Context) error {
	log := logger.WithComponent("dbus")
	signals := make(chan *dbus.Signal, 16)
	r.conn.Signal(signals)
	defer func() {
		r.conn.RemoveSignal(signals)
		r.conn.Close()
	}()

	log.Info().Str("signal", DecisionSignal).Msg("Listening for advisory decisions")
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return fmt.Errorf("session bus connection closed")
			}
			if sig.Name != DecisionSignal {
				continue
			}
			d, err := DecodeDecision(sig)
			if err != nil {
				log.Warn().Err(err).Str("sender", sig.Sender).Msg("Malformed decision signal")
				continue
			}
			log.Debug().Str("session", d.SessionID).Str("decision", d.Kind.String()).Msg("Decision received")
			r.sink.Publish(d)
		}
	}
}

// DecodeDecision parses the (kind, subject, session) signal body
func DecodeDecision(sig *dbus.Signal) (advisory.Decision, error) {
	if len(sig.Body) != 3 {
		return advisory.Decision{}, fmt.Errorf("expected 3 arguments, got %d", len(sig.Body))
	}
	var fields [3]string
	for i, v := range sig.Body {
		s, ok := v.(string)
		if !ok {
			return advisory.Decision{}, fmt.Errorf("argument %d is %T, want string", i, v)
		}
		fields[i] = s
	}
	kind, err := advisory.ParseDecisionKind(fields[0])
	if err != nil {
		return advisory.Decision{}, err
	}
	return advisory.Decision{
		Kind:        kind,
		SubjectName: fields[1],
		SessionID:   fields[2],
		DecidedAt:   time.Now(),
	}, nil
}
