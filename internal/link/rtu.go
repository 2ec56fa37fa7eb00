package link

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	mb "github.com/goburrow/modbus"
)

const (
	rtuMinSize = 4
	rtuMaxSize = 256
)

// rtuOverTCPHandler carries Modbus RTU frames (unit id, PDU, CRC-16) over a
// plain TCP stream, the way serial-to-Ethernet gateways expose RTU devices.
// It satisfies mb.ClientHandler so goburrow's client does the PDU work.
type rtuOverTCPHandler struct {
	Address     string
	SlaveID     byte
	DialTimeout time.Duration
	Timeout     time.Duration

	conn net.Conn
}

func (h *rtuOverTCPHandler) Connect() error {
	if h.conn != nil {
		return nil
	}
	c, err := net.DialTimeout("tcp", h.Address, h.DialTimeout)
	if err != nil {
		return err
	}
	h.conn = c
	return nil
}

func (h *rtuOverTCPHandler) Close() error {
	if h.conn == nil {
		return nil
	}
	err := h.conn.Close()
	h.conn = nil
	return err
}

// Encode builds the RTU ADU: unit id, function code, data, CRC (low byte first).
func (h *rtuOverTCPHandler) Encode(pdu *mb.ProtocolDataUnit) ([]byte, error) {
	length := len(pdu.Data) + 4
	if length > rtuMaxSize {
		return nil, fmt.Errorf("%w: rtu frame length %d exceeds %d", ErrProtocol, length, rtuMaxSize)
	}
	adu := make([]byte, 0, length)
	adu = append(adu, h.SlaveID, pdu.FunctionCode)
	adu = append(adu, pdu.Data...)
	crc := crc16Modbus(adu)
	return append(adu, byte(crc), byte(crc>>8)), nil
}

func (h *rtuOverTCPHandler) Verify(aduRequest, aduResponse []byte) error {
	if len(aduResponse) < rtuMinSize {
		return fmt.Errorf("%w: rtu response length %d below minimum %d", ErrProtocol, len(aduResponse), rtuMinSize)
	}
	if aduResponse[0] != aduRequest[0] {
		return fmt.Errorf("%w: response unit id %d does not match request %d", ErrProtocol, aduResponse[0], aduRequest[0])
	}
	return nil
}

func (h *rtuOverTCPHandler) Decode(adu []byte) (*mb.ProtocolDataUnit, error) {
	n := len(adu)
	if n < rtuMinSize {
		return nil, fmt.Errorf("%w: rtu frame too short", ErrProtocol)
	}
	want := crc16Modbus(adu[:n-2])
	got := binary.LittleEndian.Uint16(adu[n-2:])
	if want != got {
		return nil, fmt.Errorf("%w: crc %#04x does not match expected %#04x", ErrProtocol, got, want)
	}
	return &mb.ProtocolDataUnit{FunctionCode: adu[1], Data: adu[2 : n-2]}, nil
}

// Send writes one request and reads back exactly one response frame. Any
// transport failure drops the connection so the next call redials.
func (h *rtuOverTCPHandler) Send(aduRequest []byte) ([]byte, error) {
	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if h.Timeout > 0 {
		_ = h.conn.SetDeadline(time.Now().Add(h.Timeout))
	}
	if _, err := h.conn.Write(aduRequest); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("%w: write: %v", ErrConnection, err)
	}
	resp, err := readRTUFrame(h.conn)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	return resp, nil
}

// readRTUFrame reads a response frame whose length is implied by the function
// code.
func readRTUFrame(r io.Reader) ([]byte, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrConnection, err)
	}
	fn := head[1]
	var rest []byte
	switch {
	case fn&0x80 != 0:
		rest = make([]byte, 1+2) // exception code + crc
	case fn >= 0x01 && fn <= 0x04:
		bc := make([]byte, 1)
		if _, err := io.ReadFull(r, bc); err != nil {
			return nil, fmt.Errorf("%w: read byte count: %v", ErrConnection, err)
		}
		head = append(head, bc[0])
		rest = make([]byte, int(bc[0])+2)
	case fn == 0x05 || fn == 0x06 || fn == 0x0F || fn == 0x10:
		rest = make([]byte, 4+2)
	default:
		return nil, fmt.Errorf("%w: unexpected function code %#02x", ErrProtocol, fn)
	}
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrConnection, err)
	}
	return append(head, rest...), nil
}

// crc16Modbus computes Modbus RTU CRC16 over the given bytes.
func crc16Modbus(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
