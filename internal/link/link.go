// Package link owns the TCP connections to field devices and the wire codecs
// of the two supported protocols. Links are not safe for concurrent use; the
// owning sensor serializes access.
package link

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	mb "github.com/goburrow/modbus"
)

var (
	// ErrConnection reports that the device could not be reached or the
	// transport failed mid-exchange.
	ErrConnection = errors.New("connection error")
	// ErrProtocol reports a malformed or unparseable response.
	ErrProtocol = errors.New("protocol error")
)

const (
	DefaultConnectTimeout = 2 * time.Second
	DefaultIOTimeout      = time.Second
)

// Register framings.
const (
	FramingRTUOverTCP = "rtu-over-tcp"
	FramingTCP        = "tcp"
)

// Endpoint describes where a device lives on the network.
type Endpoint struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	UnitID  uint8  `json:"unit_id,omitempty"` // register protocol only
	Framing string `json:"framing,omitempty"` // register protocol only: rtu-over-tcp | tcp
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, fmt.Sprintf("%d", e.Port))
}

// Timeouts bounds link operations.
type Timeouts struct {
	Connect time.Duration
	IO      time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Connect <= 0 {
		t.Connect = DefaultConnectTimeout
	}
	if t.IO <= 0 {
		t.IO = DefaultIOTimeout
	}
	return t
}

// NormalizeFraming maps user spellings onto the framing constants.
func NormalizeFraming(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rtu-over-tcp", "rtuovertcp", "rtu":
		return FramingRTUOverTCP, nil
	case "tcp", "modbus-tcp", "mbap":
		return FramingTCP, nil
	default:
		return "", fmt.Errorf("framing %s not implemented", s)
	}
}

// Probe reports whether a TCP connection to the endpoint can be opened within
// timeout.
func Probe(e Endpoint, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	c, err := net.DialTimeout("tcp", e.Address(), timeout)
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}

// isTransportErr reports errors that mean the connection is unusable.
func isTransportErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// classify tags err with ErrConnection or ErrProtocol.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var mbErr *mb.ModbusError
	switch {
	case errors.Is(err, ErrConnection), errors.Is(err, ErrProtocol):
		return err
	case errors.As(err, &mbErr):
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	case isTransportErr(err):
		return fmt.Errorf("%w: %v", ErrConnection, err)
	default:
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
}

func isConnErr(err error) bool { return errors.Is(err, ErrConnection) }
