package link

import (
	"fmt"

	mb "github.com/goburrow/modbus"
)

// handlerWithConn embeds mb.ClientHandler and exposes Connect/Close used for lifecycle.
type handlerWithConn interface {
	mb.ClientHandler
	Connect() error
	Close() error
}

// RegisterLink speaks the register protocol: input-register reads (0x04) and
// multiple-register writes (0x10).
type RegisterLink struct {
	endpoint  Endpoint
	timeouts  Timeouts
	handler   handlerWithConn
	tcp       *mb.TCPClientHandler // set for MBAP framing
	client    mb.Client
	connected bool
}

// NewRegisterLink builds the link without dialing.
func NewRegisterLink(e Endpoint, t Timeouts) (*RegisterLink, error) {
	framing, err := NormalizeFraming(e.Framing)
	if err != nil {
		return nil, err
	}
	e.Framing = framing
	if e.UnitID == 0 {
		e.UnitID = 1
	}
	t = t.withDefaults()

	l := &RegisterLink{endpoint: e, timeouts: t}
	switch framing {
	case FramingTCP:
		h := mb.NewTCPClientHandler(e.Address())
		h.Timeout = t.Connect
		h.SlaveId = e.UnitID
		l.tcp = h
		l.handler = h
	default:
		l.handler = &rtuOverTCPHandler{
			Address:     e.Address(),
			SlaveID:     e.UnitID,
			DialTimeout: t.Connect,
			Timeout:     t.IO,
		}
	}
	l.client = mb.NewClient(l.handler)
	return l, nil
}

// OpenRegister builds and connects a register link.
func OpenRegister(e Endpoint, t Timeouts) (*RegisterLink, error) {
	l, err := NewRegisterLink(e, t)
	if err != nil {
		return nil, err
	}
	if err := l.Connect(); err != nil {
		return nil, err
	}
	return l, nil
}

// Connect dials the device within the connect timeout.
func (l *RegisterLink) Connect() error {
	if l.tcp != nil {
		l.tcp.Timeout = l.timeouts.Connect
	}
	if err := l.handler.Connect(); err != nil {
		l.connected = false
		return fmt.Errorf("%w: connect %s: %v", ErrConnection, l.endpoint.Address(), err)
	}
	if l.tcp != nil {
		l.tcp.Timeout = l.timeouts.IO
	}
	l.connected = true
	return nil
}

// Connected reports whether the last connect or exchange left the link usable.
func (l *RegisterLink) Connected() bool { return l.connected }

func (l *RegisterLink) Endpoint() Endpoint { return l.endpoint }

func (l *RegisterLink) Close() error {
	l.connected = false
	return l.handler.Close()
}

// ReadBlock reads count input registers starting at address.
func (l *RegisterLink) ReadBlock(address, count uint16) ([]uint16, error) {
	data, err := l.client.ReadInputRegisters(address, count)
	if err != nil {
		return nil, l.fail(fmt.Errorf("read input registers %d+%d: %w", address, count, err))
	}
	words, err := BytesToWords(data)
	if err != nil {
		return nil, err
	}
	if len(words) != int(count) {
		return nil, fmt.Errorf("%w: expected %d registers, got %d", ErrProtocol, count, len(words))
	}
	return words, nil
}

// WriteBlock writes words to consecutive holding registers starting at address.
func (l *RegisterLink) WriteBlock(address uint16, words []uint16) error {
	if len(words) == 0 {
		return fmt.Errorf("%w: empty register write", ErrProtocol)
	}
	if _, err := l.client.WriteMultipleRegisters(address, uint16(len(words)), WordsToBytes(words)); err != nil {
		return l.fail(fmt.Errorf("write registers %d+%d: %w", address, len(words), err))
	}
	return nil
}

// fail classifies err and drops the connection on transport failures.
func (l *RegisterLink) fail(err error) error {
	err = classify(err)
	if isConnErr(err) {
		_ = l.Close()
	}
	return err
}
