// Package serial drives the UWB transceiver over its USB serial link.
//
// Requests are single ASCII lines: "R,<reg>,<n>" reads n bytes, "W,<reg>,<hex>"
// writes, and "F,<fn>,<hex params>,<n>" calls a firmware function. Every
// answer is a line "D,<hex>".
package serial

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	goserial "go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/sweeney/uwb-tdma/internal/protocol"
	"github.com/sweeney/uwb-tdma/internal/radio"
)

// Port is the part of a serial port the device needs.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Options tune request timing.
type Options struct {
	// Timeout bounds one request/response exchange.
	Timeout time.Duration
	// OperationTimeout bounds waiting for ranging, positioning or discovery.
	OperationTimeout time.Duration
	// PollInterval is the pause between interrupt status polls.
	PollInterval time.Duration
}

// DefaultOptions returns timings that fit inside one task slot.
func DefaultOptions() Options {
	return Options{
		Timeout:          20 * time.Millisecond,
		OperationTimeout: 60 * time.Millisecond,
		PollInterval:     time.Millisecond,
	}
}

// Device is a transceiver on a serial port. It is not safe for concurrent
// use; wrap it in radio.Locked.
type Device struct {
	port    Port
	opts    Options
	now     func() time.Time
	sleep   func(time.Duration)
	pending []byte
	// rxPending remembers an RX flag seen while polling for something else.
	rxPending bool
}

// Open opens path at baud. An empty path selects the first port that looks
// like the transceiver.
func Open(path string, baud int, opts Options) (*Device, error) {
	if path == "" {
		p, err := FindPort()
		if err != nil {
			return nil, err
		}
		path = p
	}

	mode := &goserial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   goserial.NoParity,
		StopBits: goserial.OneStopBit,
	}
	port, err := goserial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	if err := port.SetReadTimeout(opts.PollInterval); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return New(port, opts), nil
}

// New wraps an already open port.
func New(port Port, opts Options) *Device {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = def.OperationTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	return &Device{port: port, opts: opts, now: time.Now, sleep: time.Sleep}
}

// FindPort returns the first USB serial port with the transceiver's
// identifiers, or the first port at all when none matches.
func FindPort() (string, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		for _, d := range details {
			if d.IsUSB && strings.EqualFold(d.VID, usbVID) && strings.EqualFold(d.PID, usbPID) {
				return d.Name, nil
			}
		}
	}

	ports, err := goserial.GetPortsList()
	if err != nil {
		return "", fmt.Errorf("list serial ports: %w", err)
	}
	if len(ports) == 0 {
		return "", fmt.Errorf("no serial ports: %w", radio.ErrNoDevice)
	}
	return ports[0], nil
}

// exchange sends one request line and returns the decoded data of the answer.
func (d *Device) exchange(req string) ([]byte, error) {
	d.pending = d.pending[:0]
	if err := d.port.ResetInputBuffer(); err != nil {
		return nil, fmt.Errorf("reset input: %w", err)
	}
	if _, err := d.port.Write([]byte(req)); err != nil {
		return nil, fmt.Errorf("write %q: %w", strings.TrimSpace(req), err)
	}

	line, err := d.readLine()
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(line, "D,") {
		return nil, fmt.Errorf("answer %q: %w", line, radio.ErrMalformed)
	}
	data, err := hex.DecodeString(strings.TrimSpace(line[2:]))
	if err != nil {
		return nil, fmt.Errorf("answer %q: %w", line, radio.ErrMalformed)
	}
	return data, nil
}

func (d *Device) readLine() (string, error) {
	deadline := d.now().Add(d.opts.Timeout)
	buf := make([]byte, 64)
	for {
		if i := bytes.IndexByte(d.pending, '\n'); i >= 0 {
			line := string(d.pending[:i])
			d.pending = d.pending[i+1:]
			return strings.TrimRight(line, "\r"), nil
		}
		if !d.now().Before(deadline) {
			return "", radio.ErrTimeout
		}
		n, err := d.port.Read(buf)
		if err != nil {
			return "", fmt.Errorf("read: %w", err)
		}
		d.pending = append(d.pending, buf[:n]...)
	}
}

func (d *Device) readReg(reg byte, n int) ([]byte, error) {
	data, err := d.exchange(fmt.Sprintf("R,%02x,%d\r", reg, n))
	if err != nil {
		return nil, err
	}
	if len(data) < n {
		return nil, fmt.Errorf("register %#02x: %d of %d bytes: %w", reg, len(data), n, radio.ErrMalformed)
	}
	return data[:n], nil
}

// call runs a firmware function and returns n bytes of result.
func (d *Device) call(op string, fn byte, params []byte, n int) ([]byte, error) {
	data, err := d.exchange(fmt.Sprintf("F,%02x,%s,%d\r", fn, hex.EncodeToString(params), n+1))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(data) < 1 {
		return nil, fmt.Errorf("%s: empty answer: %w", op, radio.ErrMalformed)
	}
	if data[0] != statusSuccess {
		return nil, d.hardwareError(op)
	}
	if len(data)-1 < n {
		return nil, fmt.Errorf("%s: %d of %d bytes: %w", op, len(data)-1, n, radio.ErrMalformed)
	}
	return data[1 : n+1], nil
}

func (d *Device) hardwareError(op string) error {
	code, err := d.readReg(regErrorCode, 1)
	if err != nil {
		return fmt.Errorf("%s failed, error register unreadable: %w", op, err)
	}
	return &radio.HardwareError{Op: op, Code: code[0]}
}

// waitFor polls the interrupt status until one of mask's bits is set.
func (d *Device) waitFor(op string, mask byte) error {
	deadline := d.now().Add(d.opts.OperationTimeout)
	for {
		st, err := d.readReg(regIntStatus, 1)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if st[0]&intRxData != 0 {
			d.rxPending = true
		}
		if st[0]&intError != 0 {
			return d.hardwareError(op)
		}
		if st[0]&mask != 0 {
			return nil
		}
		if !d.now().Before(deadline) {
			return fmt.Errorf("%s: %w", op, radio.ErrTimeout)
		}
		d.sleep(d.opts.PollInterval)
	}
}

func idBytes(id protocol.DeviceID) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, uint16(id))
	return b
}

func (d *Device) SendBroadcast(frame []byte) error {
	return d.SendTo(radio.Broadcast, frame)
}

// SendTo loads frame into the TX buffer and sends it to id.
func (d *Device) SendTo(id protocol.DeviceID, frame []byte) error {
	if _, err := d.call("tx_data", fnTxData, append([]byte{0x00}, frame...), 0); err != nil {
		return err
	}
	params := append(idBytes(id), txOptionData)
	if _, err := d.call("tx_send", fnTxSend, params, 0); err != nil {
		return err
	}
	return nil
}

// TryReceive returns a frame when the RX flag is raised, without waiting.
func (d *Device) TryReceive() (protocol.DeviceID, []byte, bool, error) {
	if !d.rxPending {
		st, err := d.readReg(regIntStatus, 1)
		if err != nil {
			return 0, nil, false, err
		}
		if st[0]&intRxData == 0 {
			return 0, nil, false, nil
		}
	}
	d.rxPending = false

	info, err := d.readReg(regRxNetworkID, 3)
	if err != nil {
		return 0, nil, false, err
	}
	sender := protocol.DeviceID(binary.LittleEndian.Uint16(info[:2]))
	n := int(info[2])
	if n == 0 {
		return 0, nil, false, nil
	}
	data, err := d.call("rx_data", fnRxData, []byte{0x00}, n)
	if err != nil {
		return 0, nil, false, err
	}
	return sender, data, true, nil
}

// Discover runs a discovery window and returns the devices found.
func (d *Device) Discover(filter radio.Filter) ([]protocol.DeviceID, error) {
	if _, err := d.call("discover", fnDevicesDiscover, []byte{byte(filter), discoverySlots, discoverySlotMs}, 0); err != nil {
		return nil, err
	}
	if err := d.waitFor("discover", intFunc); err != nil {
		return nil, err
	}
	size, err := d.readReg(regDeviceListSize, 1)
	if err != nil {
		return nil, err
	}
	n := int(size[0])
	if n == 0 {
		return nil, nil
	}
	raw, err := d.call("get_ids", fnDevicesGetIDs, []byte{0x00, byte(n)}, 2*n)
	if err != nil {
		return nil, err
	}
	ids := make([]protocol.DeviceID, n)
	for i := range ids {
		ids[i] = protocol.DeviceID(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	return ids, nil
}

func (d *Device) ClearDevices() error {
	_, err := d.call("clear_devices", fnDevicesClear, nil, 0)
	return err
}

// Range runs two-way ranging against target.
func (d *Device) Range(target protocol.DeviceID) (radio.Range, error) {
	if _, err := d.call("range", fnDoRanging, idBytes(target), 0); err != nil {
		return radio.Range{}, err
	}
	if err := d.waitFor("range", intFunc); err != nil {
		return radio.Range{}, err
	}
	raw, err := d.call("range_info", fnDeviceGetRangeInfo, idBytes(target), 10)
	if err != nil {
		return radio.Range{}, err
	}
	r := radio.Range{
		Target:    target,
		Timestamp: binary.LittleEndian.Uint32(raw[0:4]),
		Distance:  int32(binary.LittleEndian.Uint32(raw[4:8])),
		RSSI:      int16(binary.LittleEndian.Uint16(raw[8:10])),
	}
	if r.Timestamp == 0 && r.Distance == 0 {
		return radio.Range{}, fmt.Errorf("range %s: %w", target, radio.ErrNoDevice)
	}
	return r, nil
}

// Position loads anchors into the device list and trilaterates.
func (d *Device) Position(anchors []protocol.Anchor) (protocol.Coordinates, error) {
	if len(anchors) < 3 {
		return protocol.Coordinates{}, fmt.Errorf("position with %d anchors: %w", len(anchors), radio.ErrNoDevice)
	}
	if err := d.ClearDevices(); err != nil {
		return protocol.Coordinates{}, err
	}
	for _, a := range anchors {
		p := make([]byte, 15)
		binary.LittleEndian.PutUint16(p[0:], uint16(a.ID))
		p[2] = deviceFlagAnchor
		binary.LittleEndian.PutUint32(p[3:], uint32(a.Position.X))
		binary.LittleEndian.PutUint32(p[7:], uint32(a.Position.Y))
		binary.LittleEndian.PutUint32(p[11:], uint32(a.Position.Z))
		if _, err := d.call("device_add", fnDeviceAdd, p, 0); err != nil {
			return protocol.Coordinates{}, err
		}
	}
	if _, err := d.call("position", fnDoPositioning, nil, 0); err != nil {
		return protocol.Coordinates{}, err
	}
	if err := d.waitFor("position", intPos); err != nil {
		return protocol.Coordinates{}, err
	}
	raw, err := d.readReg(regPosX, 12)
	if err != nil {
		return protocol.Coordinates{}, err
	}
	return protocol.Coordinates{
		X: int32(binary.LittleEndian.Uint32(raw[0:])),
		Y: int32(binary.LittleEndian.Uint32(raw[4:])),
		Z: int32(binary.LittleEndian.Uint32(raw[8:])),
	}, nil
}

// Heading reads the fused compass heading.
func (d *Device) Heading() (float64, error) {
	raw, err := d.readReg(regEulHeading, 2)
	if err != nil {
		return 0, err
	}
	return float64(int16(binary.LittleEndian.Uint16(raw))) / 16, nil
}

// Info reads the identification registers.
func (d *Device) Info() (radio.Info, error) {
	who, err := d.readReg(regWhoAmI, 1)
	if err != nil {
		return radio.Info{}, err
	}
	if who[0] != whoAmI {
		return radio.Info{}, fmt.Errorf("who am i %#02x: %w", who[0], radio.ErrNoDevice)
	}
	fw, err := d.readReg(regFirmwareVer, 1)
	if err != nil {
		return radio.Info{}, err
	}
	id, err := d.readReg(regNetworkID, 2)
	if err != nil {
		return radio.Info{}, err
	}
	return radio.Info{
		WhoAmI:    who[0],
		Firmware:  fmt.Sprintf("%d.%d", fw[0]>>4, fw[0]&0x0F),
		NetworkID: protocol.DeviceID(binary.LittleEndian.Uint16(id)),
	}, nil
}

// Reset restarts the firmware. The device does not answer a reset request,
// so only the write is checked.
func (d *Device) Reset() error {
	d.pending = d.pending[:0]
	d.rxPending = false
	if _, err := d.port.Write([]byte(fmt.Sprintf("F,%02x,,1\r", fnResetSys))); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

func (d *Device) Close() error {
	if d.port == nil {
		return errors.New("serial: not open")
	}
	return d.port.Close()
}
