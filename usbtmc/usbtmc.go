/*Package usbtmc implements datagram encoding and decoding for USB Test and
Measurement Class devices, and exposes such a device as an io.ReadWriteCloser
so it can sit in a comm.Pool like any TCP or serial link.

This is a 'minimum viable product' for the bulk transfer mode.  It does not
implement the class-specific control requests (INITIATE_CLEAR, abort) or
chatter / ping-pong for the case when data does not fit in the remote buffer.

To send a message:
1.  Allocate a send buffer
2.  Write the header to it
3.  Write your data to it
4.  Ensure that the total transmission size is a multiple of 4 bytes before flushing

To receive a message:
1.  Create a read header and send it on the Out endpoint
2.  Read from the In endpoint
3.  Strip the 12 byte header and trim to the transfer size it declares
*/
package usbtmc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/gousb"
)

const (
	// reserved is the byte to insert in reserved header fields
	reserved = 0x00

	headerSize = 12

	msgDevDepOut      = 0x01
	msgRequestDevDep  = 0x02
	maxTransferBuffer = 1024 * 64
)

// ErrShortHeader is returned when the device replies with fewer bytes than a header
var ErrShortHeader = errors.New("usbtmc: response shorter than the 12 byte header")

// BTagger can generate atomic bTags
type BTagger interface {
	nextbTag() byte
}

// bTagGen is a concurrent-safe bTag generator
type bTagGen struct {
	// embedded mutex for concurrent safety
	sync.Mutex

	value byte
}

func newBTagGen() *bTagGen {
	return &bTagGen{}
}

// nextbTag yields 1..255, never 0
func (b *bTagGen) nextbTag() byte {
	b.Lock()
	defer b.Unlock()
	b.value++
	if b.value == 0 {
		b.value = 1
	}
	return b.value
}

// invbTag computes the bitwise inversion of a btag, per USBTMC standard table 1 offset 2
func invbTag(b byte) byte {
	return b ^ 0xff
}

// encBulkOutHeader creates the header defined in USBTMC standard, Table 3
func encBulkOutHeader(btag BTagger, datalen int) [headerSize]byte {
	out := [headerSize]byte{}
	/* data map by offset:
	0 MsgID, DEV_DEP_MSG_OUT
	1 bTag, unique and incrementing with each message
	2 bTagInverse
	3 Reserved
	4-7 transferSize, LSB first, exclusive of header and alignment
	8 bit 0 EOM; we always send whole messages
	9-11 reserved
	*/
	tag := btag.nextbTag()
	out[0] = msgDevDepOut
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(datalen))
	out[8] = 0x01
	out[9] = reserved
	out[10] = reserved
	out[11] = reserved
	return out
}

// encBulkInHeader creates the header defined in USBTMC standard, Table 4.
// if terminator is nil, puts 0x00 in the header and sets the bit to use it to false
func encBulkInHeader(btag BTagger, bufsize int, terminator *byte) [headerSize]byte {
	out := [headerSize]byte{}
	tag := btag.nextbTag()
	out[0] = msgRequestDevDep
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(bufsize))
	if terminator != nil {
		out[8] = 0x02
		out[9] = *terminator
	}
	return out
}

// decBulkInResponse strips the header off a DEV_DEP_MSG_IN transfer and trims
// the payload to the size the header declares
func decBulkInResponse(buf []byte) ([]byte, error) {
	if len(buf) < headerSize {
		return nil, ErrShortHeader
	}
	if buf[0] != msgRequestDevDep {
		return nil, fmt.Errorf("usbtmc: unexpected MsgID %d in response", buf[0])
	}
	if buf[2] != invbTag(buf[1]) {
		return nil, fmt.Errorf("usbtmc: bTag %d does not match its inverse %d", buf[1], buf[2])
	}
	size := int(binary.LittleEndian.Uint32(buf[4:8]))
	data := buf[headerSize:]
	if size < len(data) {
		data = data[:size]
	}
	return data, nil
}

// pad4 pads b with zeros to a multiple of four bytes
func pad4(b []byte) []byte {
	const alignment = 4
	if residual := len(b) % alignment; residual > 0 {
		b = append(b, make([]byte, alignment-residual)...)
	}
	return b
}

// USBDevice is a struct hiding the details of USB and exposing an io.ReadWriteCloser interface
type USBDevice struct {
	tagger  BTagger
	ctx     *gousb.Context
	device  *gousb.Device
	iface   *gousb.Interface
	in      *gousb.InEndpoint
	out     *gousb.OutEndpoint
	closer  func()
	pending []byte
}

// NewUSBDevice opens the device with the given vendor and product ID.  If
// serial is not empty, only a device reporting that serial number matches.
func NewUSBDevice(vid, pid uint16, serial string) (*USBDevice, error) {
	ctx := gousb.NewContext()
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(vid) && desc.Product == gousb.ID(pid)
	})
	var dev *gousb.Device
	for _, d := range devs {
		if dev != nil {
			d.Close()
			continue
		}
		if serial == "" {
			dev = d
			continue
		}
		sn, serr := d.SerialNumber()
		if serr == nil && strings.EqualFold(sn, serial) {
			dev = d
			continue
		}
		d.Close()
	}
	if dev == nil {
		ctx.Close()
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("usbtmc: no device %04x:%04x with serial %q", vid, pid, serial)
	}

	d := &USBDevice{tagger: newBTagGen(), ctx: ctx, device: dev}
	if err = dev.SetAutoDetach(true); err != nil {
		d.Close()
		return nil, err
	}
	d.iface, d.closer, err = dev.DefaultInterface()
	if err != nil {
		d.Close()
		return nil, err
	}
	inNum, outNum, err := bulkEndpoints(d.iface.Setting)
	if err != nil {
		d.Close()
		return nil, err
	}
	if d.in, err = d.iface.InEndpoint(inNum); err != nil {
		d.Close()
		return nil, err
	}
	if d.out, err = d.iface.OutEndpoint(outNum); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// bulkEndpoints finds the bulk in and out endpoint numbers of an interface setting
func bulkEndpoints(setting gousb.InterfaceSetting) (in, out int, err error) {
	in, out = -1, -1
	for _, ep := range setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionIn:
			if in < 0 {
				in = ep.Number
			}
		case gousb.EndpointDirectionOut:
			if out < 0 {
				out = ep.Number
			}
		}
	}
	if in < 0 || out < 0 {
		return in, out, errors.New("usbtmc: interface has no bulk in/out endpoint pair")
	}
	return in, out, nil
}

// Write sends b as a single DEV_DEP_MSG_OUT transfer
func (d *USBDevice) Write(b []byte) (int, error) {
	hdr := encBulkOutHeader(d.tagger, len(b))
	msg := make([]byte, 0, headerSize+len(b)+3)
	msg = append(msg, hdr[:]...)
	msg = append(msg, b...)
	msg = pad4(msg)
	if _, err := d.out.Write(msg); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Read requests a DEV_DEP_MSG_IN transfer and copies its payload into p.
// Bytes that do not fit are held for the next call.
func (d *USBDevice) Read(p []byte) (int, error) {
	if len(d.pending) > 0 {
		n := copy(p, d.pending)
		d.pending = d.pending[n:]
		return n, nil
	}
	term := byte('\n')
	hdr := encBulkInHeader(d.tagger, maxTransferBuffer, &term)
	if _, err := d.out.Write(hdr[:]); err != nil {
		return 0, err
	}
	buf := make([]byte, maxTransferBuffer+headerSize)
	n, err := d.in.Read(buf)
	if err != nil {
		return 0, err
	}
	data, err := decBulkInResponse(buf[:n])
	if err != nil {
		return 0, err
	}
	c := copy(p, data)
	d.pending = append(d.pending[:0], data[c:]...)
	return c, nil
}

// Close releases the interface, the device, and the libusb context
func (d *USBDevice) Close() error {
	if d.closer != nil {
		d.closer()
	}
	var err error
	if d.device != nil {
		err = d.device.Close()
	}
	if d.ctx != nil {
		if cerr := d.ctx.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
