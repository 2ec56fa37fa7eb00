package simulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"chlorine-monitor/internal/link"
)

// Register map of the simulated sensor.
const (
	CalibratedAddr = 0  // input, float32
	RawAddr        = 12 // input, float32
	SlopeAddr      = 25 // holding, float64
	InterceptAddr  = 30 // holding, float64
	registerCount  = 65536
)

const (
	functionReadHoldingRegs   = 0x03
	functionReadInputRegs     = 0x04
	functionWriteSingleReg    = 0x06
	functionWriteMultipleRegs = 0x10

	exceptionIllegalFunction = 0x01
	exceptionIllegalDataAddr = 0x02
	exceptionIllegalDataVal  = 0x03
)

var (
	errOutOfRange    = errors.New("out of range")
	errInvalidQty    = errors.New("invalid quantity")
	errInvalidPDULen = errors.New("invalid pdu length")
)

// RegisterDevice simulates a register-protocol chlorine sensor. The raw signal
// sits at input registers 12-13 and the device-calibrated value a*raw+b at
// input registers 0-1, where a and b are the float64 coefficients held at
// holding registers 25 and 30.
type RegisterDevice struct {
	server
	framing string
	unitID  uint8

	mu               sync.RWMutex
	HoldingRegisters []uint16
	InputRegisters   []uint16
	raw              float32
	writes           int
}

// NewRegisterDevice constructs a device with identity coefficients (a=1, b=0).
func NewRegisterDevice(framing string, unitID uint8) (*RegisterDevice, error) {
	f, err := link.NormalizeFraming(framing)
	if err != nil {
		return nil, err
	}
	if unitID == 0 {
		unitID = 1
	}
	d := &RegisterDevice{
		framing:          f,
		unitID:           unitID,
		HoldingRegisters: make([]uint16, registerCount),
		InputRegisters:   make([]uint16, registerCount),
	}
	copy(d.HoldingRegisters[SlopeAddr:], link.Float64ToWords(1))
	copy(d.HoldingRegisters[InterceptAddr:], link.Float64ToWords(0))
	d.recompute()
	d.server.init(d.handleConnection)
	return d, nil
}

// Framing returns the normalized framing the device speaks.
func (d *RegisterDevice) Framing() string { return d.framing }

// UnitID returns the unit id the device answers to.
func (d *RegisterDevice) UnitID() uint8 { return d.unitID }

// SetRaw updates the raw signal and the derived calibrated value.
func (d *RegisterDevice) SetRaw(v float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.raw = v
	d.recompute()
}

// Raw returns the current raw signal.
func (d *RegisterDevice) Raw() float32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.raw
}

// Calibrated returns the value currently exposed at input registers 0-1.
func (d *RegisterDevice) Calibrated() float32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, _ := link.WordsToFloat32(d.InputRegisters[CalibratedAddr:])
	return v
}

// Coefficients returns the slope and intercept held in device memory.
func (d *RegisterDevice) Coefficients() (a, b float64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.coefficients()
}

// Writes counts the register write requests served.
func (d *RegisterDevice) Writes() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.writes
}

// SetHoldingRegister updates a holding register value.
func (d *RegisterDevice) SetHoldingRegister(address uint16, value uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.HoldingRegisters[address] = value
	d.recompute()
}

// SetInputRegister updates an input register value.
func (d *RegisterDevice) SetInputRegister(address uint16, value uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.InputRegisters[address] = value
}

// HoldingRegister returns the current holding register value at address.
func (d *RegisterDevice) HoldingRegister(address uint16) uint16 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.HoldingRegisters[address]
}

// InputRegister returns the current input register value at address.
func (d *RegisterDevice) InputRegister(address uint16) uint16 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.InputRegisters[address]
}

func (d *RegisterDevice) coefficients() (a, b float64) {
	a, _ = link.WordsToFloat64(d.HoldingRegisters[SlopeAddr:])
	b, _ = link.WordsToFloat64(d.HoldingRegisters[InterceptAddr:])
	return a, b
}

// recompute refreshes the input registers from raw and the coefficients.
// Callers hold mu.
func (d *RegisterDevice) recompute() {
	a, b := d.coefficients()
	cal := float32(a*float64(d.raw) + b)
	copy(d.InputRegisters[CalibratedAddr:], link.Float32ToWords(cal))
	copy(d.InputRegisters[RawAddr:], link.Float32ToWords(d.raw))
}

func (d *RegisterDevice) handleConnection(conn net.Conn) {
	if d.framing == link.FramingTCP {
		d.serveMBAP(conn)
		return
	}
	d.serveRTU(conn)
}

// serveMBAP answers Modbus TCP requests; the transaction id is echoed.
func (d *RegisterDevice) serveMBAP(conn net.Conn) {
	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}

		length := binary.BigEndian.Uint16(header[4:6])
		pduLength := int(length) - 1
		if pduLength <= 0 {
			continue
		}

		unitID := header[6]
		pdu := make([]byte, pduLength)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		response := d.handlePDU(pdu)
		if len(response) == 0 {
			continue
		}

		binary.BigEndian.PutUint16(header[2:4], 0)
		binary.BigEndian.PutUint16(header[4:6], uint16(len(response)+1))
		header[6] = unitID

		if _, err := conn.Write(append(header, response...)); err != nil {
			return
		}
	}
}

// serveRTU answers RTU frames carried on the TCP stream. Frames with a bad CRC
// or a foreign unit id are dropped without a reply, as on a shared bus.
func (d *RegisterDevice) serveRTU(conn net.Conn) {
	for {
		head := make([]byte, 2)
		if _, err := io.ReadFull(conn, head); err != nil {
			return
		}
		var body []byte
		switch head[1] {
		case functionReadHoldingRegs, functionReadInputRegs, functionWriteSingleReg:
			body = make([]byte, 4)
			if _, err := io.ReadFull(conn, body); err != nil {
				return
			}
		case functionWriteMultipleRegs:
			hdr := make([]byte, 5)
			if _, err := io.ReadFull(conn, hdr); err != nil {
				return
			}
			payload := make([]byte, int(hdr[4]))
			if _, err := io.ReadFull(conn, payload); err != nil {
				return
			}
			body = append(hdr, payload...)
		default:
			// Unknown request length; the stream cannot be resynchronized.
			return
		}
		crcBytes := make([]byte, 2)
		if _, err := io.ReadFull(conn, crcBytes); err != nil {
			return
		}

		req := append(head, body...)
		if crc16(req) != binary.LittleEndian.Uint16(crcBytes) {
			continue
		}
		if req[0] != d.unitID {
			continue
		}

		respPDU := d.handlePDU(req[1:])
		resp := append([]byte{d.unitID}, respPDU...)
		crc := crc16(resp)
		resp = append(resp, byte(crc), byte(crc>>8))
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func (d *RegisterDevice) handlePDU(pdu []byte) []byte {
	if len(pdu) == 0 {
		return exceptionResponse(0, exceptionIllegalFunction)
	}

	function := pdu[0]
	switch function {
	case functionReadHoldingRegs:
		data, err := d.readRegisters(d.HoldingRegisters, pdu)
		if err != nil {
			return exceptionResponse(function, errToCode(err))
		}
		return append([]byte{function, byte(len(data))}, data...)
	case functionReadInputRegs:
		data, err := d.readRegisters(d.InputRegisters, pdu)
		if err != nil {
			return exceptionResponse(function, errToCode(err))
		}
		return append([]byte{function, byte(len(data))}, data...)
	case functionWriteSingleReg:
		if len(pdu) < 5 {
			return exceptionResponse(function, exceptionIllegalDataVal)
		}
		addr := binary.BigEndian.Uint16(pdu[1:3])
		d.mu.Lock()
		d.HoldingRegisters[addr] = binary.BigEndian.Uint16(pdu[3:5])
		d.writes++
		d.recompute()
		d.mu.Unlock()
		return append([]byte{function}, pdu[1:5]...)
	case functionWriteMultipleRegs:
		start, qty, err := d.writeRegisters(pdu)
		if err != nil {
			return exceptionResponse(function, errToCode(err))
		}
		resp := make([]byte, 5)
		resp[0] = function
		binary.BigEndian.PutUint16(resp[1:3], start)
		binary.BigEndian.PutUint16(resp[3:5], qty)
		return resp
	default:
		return exceptionResponse(function, exceptionIllegalFunction)
	}
}

func (d *RegisterDevice) readRegisters(source []uint16, pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return nil, errInvalidPDULen
	}
	start := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	if quantity == 0 || quantity > 125 {
		return nil, errInvalidQty
	}
	end := int(start) + int(quantity)
	if end > len(source) {
		return nil, errOutOfRange
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]byte, quantity*2)
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(result[i*2:(i+1)*2], source[int(start)+i])
	}
	return result, nil
}

func (d *RegisterDevice) writeRegisters(pdu []byte) (uint16, uint16, error) {
	if len(pdu) < 6 {
		return 0, 0, errInvalidPDULen
	}
	start := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	byteCount := int(pdu[5])
	if quantity == 0 || quantity > 123 {
		return 0, 0, errInvalidQty
	}
	if byteCount != int(quantity)*2 || len(pdu) != 6+byteCount {
		return 0, 0, errInvalidPDULen
	}
	if int(start)+int(quantity) > registerCount {
		return 0, 0, errOutOfRange
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < int(quantity); i++ {
		d.HoldingRegisters[int(start)+i] = binary.BigEndian.Uint16(pdu[6+i*2:])
	}
	d.writes++
	d.recompute()
	return start, quantity, nil
}

func exceptionResponse(function byte, code byte) []byte {
	return []byte{function | 0x80, code}
}

func errToCode(err error) byte {
	switch {
	case errors.Is(err, errOutOfRange):
		return exceptionIllegalDataAddr
	case errors.Is(err, errInvalidQty), errors.Is(err, errInvalidPDULen):
		return exceptionIllegalDataVal
	default:
		return exceptionIllegalFunction
	}
}

// crc16 computes the Modbus RTU CRC16 over the given bytes.
func crc16(data []byte) uint16 {
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

func (d *RegisterDevice) String() string {
	return fmt.Sprintf("register device %s unit=%d framing=%s", d.Addr(), d.unitID, d.framing)
}
