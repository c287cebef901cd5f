// Package udpfpga talks to the register bus of an FPGA board over UDP.
//
// Requests go to the device port of the board, replies arrive on the host
// port. Only one request is in flight at a time: stale datagrams are
// dropped before every request.
package udpfpga

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	ErrorNoResponse = errors.New("udpfpga: no response")
	ErrorNoTarget   = errors.New("udpfpga: no target, connect first")
)

// AddressMismatchError is returned when a reply is for another register
// address than the request.
type AddressMismatchError struct {
	Command   string
	Requested uint16
	Replied   uint16
}

func (e *AddressMismatchError) Error() string {
	return fmt.Sprintf("udpfpga: %s reply for address %04x, requested %04x", e.Command, e.Replied, e.Requested)
}

// Device is a board that answered an ID or SI request.
type Device struct {
	IP  net.IP
	DNA uint64
}

func (d Device) String() string {
	return fmt.Sprintf("%016x@%v", d.DNA, d.IP)
}

// AnyDevice makes Connect accept the first board that answers.
const AnyDevice uint64 = 0

type Config struct {
	ListenAddr    string
	BroadcastAddr string
	DevicePort    int
	Timeout       time.Duration
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:    fmt.Sprintf("0.0.0.0:%d", HostPort),
		BroadcastAddr: "255.255.255.255",
		DevicePort:    DevicePort,
		Timeout:       2 * time.Second,
	}
}

type Conn struct {
	LogFunc func(format string, params ...any)

	config Config
	conn   *net.UDPConn
	target *net.UDPAddr
	device Device
}

func (c *Conn) log(format string, params ...any) {
	if c.LogFunc != nil {
		c.LogFunc(format, params...)
	}
}

/* The host port is shared with other tools, and discovery is broadcast */
func control(network, address string, rc syscall.RawConn) error {
	var sockErr error
	err := rc.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if sockErr == nil {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

// Open binds the host socket. Call Connect or AssignIP before register access.
func Open(config Config) (*Conn, error) {
	def := DefaultConfig()
	if config.ListenAddr == "" {
		config.ListenAddr = def.ListenAddr
	}
	if config.BroadcastAddr == "" {
		config.BroadcastAddr = def.BroadcastAddr
	}
	if config.DevicePort == 0 {
		config.DevicePort = def.DevicePort
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}

	lc := net.ListenConfig{Control: control}
	pc, err := lc.ListenPacket(context.Background(), "udp4", config.ListenAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "udpfpga: listen on %s", config.ListenAddr)
	}

	return &Conn{
		config: config,
		conn:   pc.(*net.UDPConn),
	}, nil
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// Target is the board register accesses go to.
func (c *Conn) Target() (Device, bool) {
	return c.device, c.target != nil
}

func (c *Conn) setTarget(d Device) {
	c.device = d
	c.target = &net.UDPAddr{IP: d.IP, Port: c.config.DevicePort}
}

func (c *Conn) broadcast() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(c.config.BroadcastAddr), Port: c.config.DevicePort}
}

/* Reads without blocking until the socket is empty */
func (c *Conn) drain() {
	rc, err := c.conn.SyscallConn()
	if err != nil {
		return
	}

	buf := make([]byte, maxPacket)
	dropped := 0
	rc.Read(func(fd uintptr) bool {
		for {
			if _, _, err := unix.Recvfrom(int(fd), buf, unix.MSG_DONTWAIT); err != nil {
				return true
			}
			dropped++
		}
	})

	if dropped > 0 {
		c.log("Dropped %d stale datagrams", dropped)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

/* Sends request and feeds successful replies to accept until it reports
 * done, fails or the timeout expires. A nil accept sends without waiting. */
func (c *Conn) exchange(request []byte, to *net.UDPAddr, accept func(command string, payload []byte) (bool, error)) error {
	c.drain()

	if _, err := c.conn.WriteToUDP(request, to); err != nil {
		return errors.Wrapf(err, "udpfpga: send to %v", to)
	}
	if accept == nil {
		return nil
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(c.config.Timeout)); err != nil {
		return errors.Wrap(err, "udpfpga: set deadline")
	}

	buf := make([]byte, maxPacket)
	for {
		n, from, err := c.conn.ReadFromUDP(buf)
		if isTimeout(err) {
			return ErrorNoResponse
		}
		if err != nil {
			return errors.Wrap(err, "udpfpga: receive")
		}

		command, payload, ok := decodeHeader(buf[:n])
		if !ok {
			c.log("Ignoring %d byte datagram from %v", n, from)
			continue
		}

		done, err := accept(command, payload)
		if err != nil || done {
			return err
		}
	}
}

// Discover broadcasts an ID request and returns every board that answers
// within the timeout.
func (c *Conn) Discover() ([]Device, error) {
	var found []Device
	err := c.exchange(encodeID(), c.broadcast(), func(command string, payload []byte) (bool, error) {
		if command != commandID {
			return false, nil
		}
		d, err := decodeID(payload)
		if err != nil {
			c.log("Bad ID reply: %v", err)
			return false, nil
		}
		found = append(found, d)
		return false, nil
	})
	if errors.Is(err, ErrorNoResponse) {
		err = nil
	}
	return found, err
}

// Connect broadcasts an ID request and targets the board with the given DNA,
// or the first board that answers if dna is AnyDevice.
func (c *Conn) Connect(dna uint64) (Device, error) {
	err := c.exchange(encodeID(), c.broadcast(), func(command string, payload []byte) (bool, error) {
		if command != commandID {
			return false, nil
		}
		d, err := decodeID(payload)
		if err != nil {
			return false, err
		}
		if dna != AnyDevice && d.DNA != dna {
			c.log("Ignoring device %v", d)
			return false, nil
		}
		c.setTarget(d)
		return true, nil
	})
	if err != nil {
		return Device{}, errors.Wrap(err, "udpfpga: connect")
	}

	c.log("Connected to device %v", c.device)
	return c.device, nil
}

// AssignIP broadcasts a static IP assignment for the board with the given DNA
// and targets it once it acknowledges.
func (c *Conn) AssignIP(dna uint64, ip net.IP) (Device, error) {
	request, err := encodeSetIP(dna, ip)
	if err != nil {
		return Device{}, err
	}

	err = c.exchange(request, c.broadcast(), func(command string, payload []byte) (bool, error) {
		if command != commandSetIP {
			c.log("No acknowledgement of IP address assignment, check IP address")
			return false, nil
		}
		replied, err := decodeSetIP(payload)
		if err != nil {
			return false, err
		}
		if replied != dna {
			return false, errors.Errorf("udpfpga: IP assignment acknowledged by unaddressed device %016x", replied)
		}
		c.setTarget(Device{IP: ip.To4(), DNA: dna})
		return true, nil
	})
	if err != nil {
		return Device{}, errors.Wrapf(err, "udpfpga: assign %v to %016x", ip, dna)
	}

	return c.device, nil
}

func registerAddress(addr uint32) (uint16, error) {
	if addr > 0xffff {
		return 0, errors.Wrapf(ErrorAddress, "%08x", addr)
	}
	return uint16(addr), nil
}

// ReadMultiple reads count consecutive registers, at most MaxReadCount.
func (c *Conn) ReadMultiple(addr uint32, count int) ([]uint32, error) {
	if c.target == nil {
		return nil, ErrorNoTarget
	}
	if count == 0 {
		return nil, nil
	}

	reg, err := registerAddress(addr)
	if err != nil {
		return nil, err
	}
	request, err := encodeRead(reg, count)
	if err != nil {
		return nil, err
	}

	var values []uint32
	err = c.exchange(request, c.target, func(command string, payload []byte) (bool, error) {
		if command != commandRead {
			return false, nil
		}
		replied, v, err := decodeRead(payload, count)
		if err != nil {
			return false, err
		}
		if replied != reg {
			return false, &AddressMismatchError{Command: commandRead, Requested: reg, Replied: replied}
		}
		values = v
		return true, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "udpfpga: read %04x", reg)
	}
	return values, nil
}

func (c *Conn) Read(addr uint32) (uint32, error) {
	values, err := c.ReadMultiple(addr, 1)
	if err != nil {
		return 0, err
	}
	return values[0], nil
}

func (c *Conn) write(addr uint32, values []uint32, ack bool) error {
	if c.target == nil {
		return ErrorNoTarget
	}

	reg, err := registerAddress(addr)
	if err != nil {
		return err
	}
	request, err := encodeWrite(reg, values)
	if err != nil {
		return err
	}

	var accept func(string, []byte) (bool, error)
	if ack {
		accept = func(command string, payload []byte) (bool, error) {
			if command != commandWrite {
				return false, nil
			}
			replied, count, err := decodeWrite(payload)
			if err != nil {
				return false, err
			}
			if replied != reg {
				return false, &AddressMismatchError{Command: commandWrite, Requested: reg, Replied: replied}
			}
			if count != len(values)&0xff {
				c.log("Write to %04x acknowledged %d of %d registers", reg, count, len(values))
			}
			return true, nil
		}
	}

	if err := c.exchange(request, c.target, accept); err != nil {
		return errors.Wrapf(err, "udpfpga: write %04x", reg)
	}
	return nil
}

// Write stores values in consecutive registers and waits for the
// acknowledgement.
func (c *Conn) Write(addr uint32, values ...uint32) error {
	return c.write(addr, values, true)
}

// WriteNoAck sends a write without waiting for a reply, for writes that
// reset the device.
func (c *Conn) WriteNoAck(addr uint32, values ...uint32) error {
	return c.write(addr, values, false)
}
