package simulator

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chlorine-monitor/internal/config"
	"chlorine-monitor/internal/link"
)

func rtuFrame(unit byte, pdu ...byte) []byte {
	f := append([]byte{unit}, pdu...)
	crc := crc16(f)
	return append(f, byte(crc), byte(crc>>8))
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.SetDeadline(time.Now().Add(2*time.Second)))
	return c
}

func TestRegisterDeviceRecomputesCalibrated(t *testing.T) {
	d, err := NewRegisterDevice("tcp", 1)
	require.NoError(t, err)
	d.SetRaw(200)
	require.Equal(t, float32(200), d.Calibrated())

	words := append(link.Float64ToWords(0.005), make([]uint16, InterceptAddr-SlopeAddr-4)...)
	words = append(words, link.Float64ToWords(0.1)...)
	pdu := []byte{functionWriteMultipleRegs, 0, SlopeAddr, 0, byte(len(words)), byte(2 * len(words))}
	for _, w := range words {
		pdu = binary.BigEndian.AppendUint16(pdu, w)
	}
	resp := d.handlePDU(pdu)
	require.Equal(t, byte(functionWriteMultipleRegs), resp[0])

	a, b := d.Coefficients()
	require.Equal(t, 0.005, a)
	require.Equal(t, 0.1, b)
	require.InDelta(t, 1.1, d.Calibrated(), 1e-6)
	require.Equal(t, 1, d.Writes())
}

func TestRegisterDeviceExceptions(t *testing.T) {
	d, err := NewRegisterDevice("rtu-over-tcp", 1)
	require.NoError(t, err)

	require.Equal(t, []byte{0x83, exceptionIllegalDataVal}, d.handlePDU([]byte{functionReadHoldingRegs, 0, 0, 0, 0}))
	require.Equal(t, []byte{0x84, exceptionIllegalDataAddr}, d.handlePDU([]byte{functionReadInputRegs, 0xFF, 0xFF, 0, 2}))
	require.Equal(t, []byte{0x81, exceptionIllegalFunction}, d.handlePDU([]byte{0x01, 0, 0, 0, 1}))
}

func TestRTUDropsForeignAndCorruptFrames(t *testing.T) {
	d, err := NewRegisterDevice("rtu-over-tcp", 5)
	require.NoError(t, err)
	require.NoError(t, d.Listen("127.0.0.1:0"))
	t.Cleanup(d.Close)
	d.SetRaw(7)

	c := dial(t, d.Addr())
	read := rtuFrame(5, functionReadInputRegs, 0, RawAddr, 0, 2)

	corrupt := append([]byte(nil), read...)
	corrupt[len(corrupt)-1] ^= 0xFF
	_, err = c.Write(corrupt)
	require.NoError(t, err)
	_, err = c.Write(rtuFrame(9, functionReadInputRegs, 0, RawAddr, 0, 2))
	require.NoError(t, err)
	_, err = c.Write(read)
	require.NoError(t, err)

	// Only the last request is answered: unit, fc, count, 4 data bytes, crc.
	resp := make([]byte, 9)
	_, err = io.ReadFull(c, resp)
	require.NoError(t, err)
	require.Equal(t, byte(5), resp[0])
	require.Equal(t, byte(4), resp[2])
	require.Equal(t, crc16(resp[:7]), binary.LittleEndian.Uint16(resp[7:]))
	v, err := link.WordsToFloat32([]uint16{binary.BigEndian.Uint16(resp[3:5]), binary.BigEndian.Uint16(resp[5:7])})
	require.NoError(t, err)
	require.Equal(t, float32(7), v)
}

func TestCurrentLoopDevice(t *testing.T) {
	d := NewCurrentLoopDevice()
	require.NoError(t, d.Listen("127.0.0.1:0"))
	t.Cleanup(d.Close)
	d.SetMilliamps(12.5)

	c := dial(t, d.Addr())
	_, err := c.Write([]byte("#999\r#010\r"))
	require.NoError(t, err)
	reply, err := bufio.NewReader(c).ReadString('\r')
	require.NoError(t, err)
	require.Equal(t, ">12.50\r", reply)
	require.Equal(t, 1, d.Queries())
}

func TestCloseDropsConnections(t *testing.T) {
	d := NewCurrentLoopDevice()
	require.NoError(t, d.Listen("127.0.0.1:0"))
	c := dial(t, d.Addr())

	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on an open connection")
	}
	_, err := c.Read(make([]byte, 1))
	require.Error(t, err)
}

func TestManagerRunsEnabledDevices(t *testing.T) {
	off := false
	cfg := config.Simulator{Devices: []config.DeviceConfig{
		{Name: "reg", Variant: "register", ListenAddress: "127.0.0.1:0", Framing: "tcp", UnitID: 1, Value: 300, UpdateInterval: 10 * time.Millisecond},
		{Name: "loop", Variant: "current-loop", ListenAddress: "127.0.0.1:0", Value: 12, UpdateInterval: 10 * time.Millisecond},
		{Name: "off", Variant: "register", ListenAddress: "127.0.0.1:0", UnitID: 1, UpdateInterval: time.Second, Enabled: &off},
	}}
	m := NewManager(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, reg := m.Device("reg")
		_, loop := m.Device("loop")
		return reg && loop
	}, 2*time.Second, 10*time.Millisecond)
	_, ok := m.Device("off")
	require.False(t, ok)

	dev, _ := m.Device("reg")
	require.Eventually(t, func() bool { return dev.(*RegisterDevice).Raw() == 300 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}
	_, ok = m.Device("reg")
	require.False(t, ok)
}
