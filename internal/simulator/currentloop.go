package simulator

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
)

const loopCommand = "#010"

// CurrentLoopDevice simulates an analog 4-20 mA transmitter behind an
// Ethernet adapter. It answers every "#010\r" query with the current reply,
// ">4.00\r" until changed.
type CurrentLoopDevice struct {
	server

	mu      sync.Mutex
	reply   string
	queries int
}

func NewCurrentLoopDevice() *CurrentLoopDevice {
	d := &CurrentLoopDevice{}
	d.SetMilliamps(4)
	d.server.init(d.handleConnection)
	return d
}

// SetMilliamps sets the loop current reported in the next replies.
func (d *CurrentLoopDevice) SetMilliamps(mA float64) {
	d.SetReply(fmt.Sprintf(">%.2f\r", mA))
}

// SetReply replaces the raw reply frame, e.g. to inject garbage.
func (d *CurrentLoopDevice) SetReply(frame string) {
	d.mu.Lock()
	d.reply = frame
	d.mu.Unlock()
}

// Queries counts the well-formed queries answered.
func (d *CurrentLoopDevice) Queries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queries
}

func (d *CurrentLoopDevice) handleConnection(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\r')
		if err != nil {
			return
		}
		if strings.TrimSpace(line) != loopCommand {
			continue
		}
		d.mu.Lock()
		reply := d.reply
		d.queries++
		d.mu.Unlock()
		if _, err := conn.Write([]byte(reply)); err != nil {
			return
		}
	}
}

func (d *CurrentLoopDevice) String() string {
	return fmt.Sprintf("current-loop device %s", d.Addr())
}
