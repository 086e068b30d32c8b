// Package visa turns VISA resource strings into comm.CreationFuncs so a
// driver can be pointed at "USB0::0xF4EC::0xEE38::515E21166::INSTR" the same
// way a pyvisa or NI-VISA user would, without a VISA runtime installed.
//
// Supported forms:
//
//	USB[board]::<vid>::<pid>::<serial>[::<iface>]::INSTR   USBTMC bulk transfers
//	TCPIP[board]::<host>::<port>::SOCKET                   raw socket
//	TCPIP[board]::<host>::INSTR                            raw socket on 5025
//	ASRL<device>::INSTR                                    serial port
//	<host>:<port>                                          raw socket
//	/dev/<tty>                                             serial port
//
// TCPIP INSTR resources are served over a raw SCPI socket rather than VXI-11.
package visa

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nasa-jpl/bkarb/comm"
	"github.com/nasa-jpl/bkarb/usbtmc"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
	bugst "go.bug.st/serial"
)

const (
	// DefaultSocketPort is the port LXI instruments serve raw SCPI on
	DefaultSocketPort = 5025

	// DefaultBaud is used for ASRL resources unless overriden
	DefaultBaud = 115200
)

// ErrUnsupportedResource is returned by Parse for strings it does not understand
var ErrUnsupportedResource = errors.New("visa: unsupported resource string")

// Kind is the interface family of a resource
type Kind int

const (
	// TCPIP is a raw TCP socket
	TCPIP Kind = iota
	// USB is a USBTMC device
	USB
	// ASRL is a serial port
	ASRL
)

func (k Kind) String() string {
	switch k {
	case TCPIP:
		return "TCPIP"
	case USB:
		return "USB"
	case ASRL:
		return "ASRL"
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Resource is a parsed VISA resource string
type Resource struct {
	Kind Kind

	// Addr is host:port for TCPIP resources
	Addr string

	// Device is the serial port path or name for ASRL resources
	Device string

	// Baud is the serial baud rate for ASRL resources
	Baud int

	// VendorID, ProductID, and Serial identify USB resources
	VendorID  uint16
	ProductID uint16
	Serial    string
}

// Parse decodes a VISA resource string
func Parse(s string) (Resource, error) {
	var r Resource
	s = strings.TrimSpace(s)
	if s == "" {
		return r, ErrUnsupportedResource
	}
	if !strings.Contains(s, "::") {
		if strings.HasPrefix(s, "/dev/") || strings.HasPrefix(strings.ToUpper(s), "COM") {
			return Resource{Kind: ASRL, Device: s, Baud: DefaultBaud}, nil
		}
		if _, _, err := net.SplitHostPort(s); err == nil {
			return Resource{Kind: TCPIP, Addr: s}, nil
		}
		return r, errors.Wrapf(ErrUnsupportedResource, "%q", s)
	}

	pieces := strings.Split(s, "::")
	head := strings.ToUpper(pieces[0])
	tail := strings.ToUpper(pieces[len(pieces)-1])
	switch {
	case strings.HasPrefix(head, "USB"):
		if tail != "INSTR" || len(pieces) < 5 {
			return r, errors.Wrapf(ErrUnsupportedResource, "%q", s)
		}
		vid, err := parseID(pieces[1])
		if err != nil {
			return r, err
		}
		pid, err := parseID(pieces[2])
		if err != nil {
			return r, err
		}
		return Resource{Kind: USB, VendorID: vid, ProductID: pid, Serial: pieces[3]}, nil

	case strings.HasPrefix(head, "TCPIP"):
		switch {
		case tail == "SOCKET" && len(pieces) == 4:
			port, err := strconv.Atoi(pieces[2])
			if err != nil {
				return r, errors.Wrapf(err, "visa: bad socket port %q", pieces[2])
			}
			return Resource{Kind: TCPIP, Addr: net.JoinHostPort(pieces[1], strconv.Itoa(port))}, nil
		case tail == "INSTR" && len(pieces) >= 3:
			return Resource{Kind: TCPIP, Addr: net.JoinHostPort(pieces[1], strconv.Itoa(DefaultSocketPort))}, nil
		}

	case strings.HasPrefix(head, "ASRL"):
		if tail != "INSTR" {
			break
		}
		dev := pieces[0][len("ASRL"):]
		if dev == "" {
			break
		}
		if n, err := strconv.Atoi(dev); err == nil {
			dev = "COM" + strconv.Itoa(n)
		}
		return Resource{Kind: ASRL, Device: dev, Baud: DefaultBaud}, nil
	}
	return r, errors.Wrapf(ErrUnsupportedResource, "%q", s)
}

func parseID(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, errors.Wrapf(err, "visa: bad USB id %q", s)
	}
	return uint16(v), nil
}

// String formats the resource back into VISA syntax
func (r Resource) String() string {
	switch r.Kind {
	case USB:
		return fmt.Sprintf("USB0::0x%04X::0x%04X::%s::INSTR", r.VendorID, r.ProductID, r.Serial)
	case ASRL:
		return "ASRL" + r.Device + "::INSTR"
	}
	host, port, err := net.SplitHostPort(r.Addr)
	if err != nil {
		return r.Addr
	}
	return "TCPIP0::" + host + "::" + port + "::SOCKET"
}

// Maker returns a comm.CreationFunc that opens a link to the resource.
// timeout bounds connection and, for serial ports, each read.
func (r Resource) Maker(timeout time.Duration) comm.CreationFunc {
	switch r.Kind {
	case USB:
		return func() (io.ReadWriteCloser, error) {
			dev, err := usbtmc.NewUSBDevice(r.VendorID, r.ProductID, r.Serial)
			if err != nil {
				return nil, err
			}
			return dev, nil
		}
	case ASRL:
		baud := r.Baud
		if baud == 0 {
			baud = DefaultBaud
		}
		return comm.SerialConnMaker(&serial.Config{
			Name:        r.Device,
			Baud:        baud,
			Size:        8,
			Parity:      serial.ParityNone,
			StopBits:    serial.Stop1,
			ReadTimeout: timeout})
	}
	return comm.BackingOffTCPConnMaker(r.Addr, timeout)
}

// SerialPorts lists the serial ports present on this machine
func SerialPorts() ([]string, error) {
	return bugst.GetPortsList()
}
