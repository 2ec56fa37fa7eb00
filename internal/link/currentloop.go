package link

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"
)

// LoopQuery is the literal request frame of the current-loop transmitter
// ("#010" followed by CR).
var LoopQuery = []byte{0x23, 0x30, 0x31, 0x30, 0x0D}

const (
	loopFrameChars = "> \r\n"
	loopMaxFrame   = 1024
)

// CurrentLoopLink queries an analog 4-20 mA transmitter over a persistent
// socket. The device answers each query with an ASCII numeral such as
// ">12.34\r".
type CurrentLoopLink struct {
	endpoint Endpoint
	timeouts Timeouts
	conn     net.Conn
}

// NewCurrentLoopLink builds the link without dialing.
func NewCurrentLoopLink(e Endpoint, t Timeouts) *CurrentLoopLink {
	return &CurrentLoopLink{endpoint: e, timeouts: t.withDefaults()}
}

// OpenCurrentLoop builds and connects a current-loop link.
func OpenCurrentLoop(e Endpoint, t Timeouts) (*CurrentLoopLink, error) {
	l := NewCurrentLoopLink(e, t)
	if err := l.Connect(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *CurrentLoopLink) Connect() error {
	if l.conn != nil {
		return nil
	}
	c, err := net.DialTimeout("tcp", l.endpoint.Address(), l.timeouts.Connect)
	if err != nil {
		return fmt.Errorf("%w: connect %s: %v", ErrConnection, l.endpoint.Address(), err)
	}
	l.conn = c
	return nil
}

func (l *CurrentLoopLink) Connected() bool { return l.conn != nil }

func (l *CurrentLoopLink) Endpoint() Endpoint { return l.endpoint }

func (l *CurrentLoopLink) Close() error {
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}

// Query sends the fixed request and returns the raw response frame. Reading
// stops at the first CR or LF; a frame cut short by the deadline is returned
// as received.
func (l *CurrentLoopLink) Query() ([]byte, error) {
	if l.conn == nil {
		return nil, fmt.Errorf("%w: not connected", ErrConnection)
	}
	_ = l.conn.SetDeadline(time.Now().Add(l.timeouts.IO))
	if _, err := l.conn.Write(LoopQuery); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("%w: write query: %v", ErrConnection, err)
	}

	frame := make([]byte, 0, 32)
	buf := make([]byte, 64)
	for len(frame) < loopMaxFrame {
		n, err := l.conn.Read(buf)
		frame = append(frame, buf[:n]...)
		if terminated(frame) {
			return frame, nil
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && len(frame) > 0 {
				return frame, nil
			}
			_ = l.Close()
			return nil, fmt.Errorf("%w: read response: %v", ErrConnection, err)
		}
	}
	return frame, nil
}

// terminated reports whether the frame holds content followed by CR or LF.
// Line endings left over from a previous response are skipped.
func terminated(frame []byte) bool {
	return bytes.ContainsAny(bytes.TrimLeft(frame, loopFrameChars), "\r\n")
}

// ParseLoopFrame strips the frame characters and parses the milliamp value.
func ParseLoopFrame(frame []byte) (float64, error) {
	s := strings.Trim(string(frame), loopFrameChars)
	if s == "" {
		return 0, fmt.Errorf("%w: empty current-loop response", ErrProtocol)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: current-loop response %q: %v", ErrProtocol, string(frame), err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: current-loop response %q is not a finite number", ErrProtocol, string(frame))
	}
	return v, nil
}
