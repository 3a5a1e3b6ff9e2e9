/*Package usbtmc implements datagram encoding and decoding for USB Test and
Measurement Class devices.  This is a 'minimum viable product' for the bulk
transfer mode on the Keithley 2450 / 2460 source-measure units, which speak the
same SCPI dialect as the 2400 over USB.

It does not, for example, include features to support multi-packet
messaging, and thus assumes your data fits in the remote's buffer.

To send a message:
1.  Write the header
2.  Write your data
3.  Pad the total transmission to a multiple of 4 bytes

To receive a message:
1.  Send a REQUEST_DEV_DEP_MSG_IN header on the Out endpoint
2.  Read from the In endpoint and strip the 12 byte header

These are implemented as Write() and Read() on USBDevice, which satisfies
io.ReadWriteCloser so it may be placed in a comm.Pool.
*/
package usbtmc

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/gousb"
)

const (
	// reserved is the byte to insert in reserved header fields
	reserved = 0x00

	headerSize = 12

	// bufSize is the largest response accepted from the device
	bufSize = 1500

	msgDevDepOut    = 0x01
	msgRequestDepIn = 0x02
)

// BTagger can generate atomic bTags
type BTagger interface {
	nextbTag() byte
}

// bTagGen is a concurrent-safe bTag generator
type bTagGen struct {
	// embedded mutex for concurrent safety
	sync.Mutex

	value byte
	min   byte
}

func newBTagGen() *bTagGen {
	return &bTagGen{value: 0, min: 1}
}

func (b *bTagGen) nextbTag() byte {
	b.Lock()
	defer b.Unlock()
	b.value++
	if b.value < b.min {
		b.value = b.min
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
	1 bTag, a single byte 1 <= x <= 255, unique and incrementing with each message
	2 bTagInverse
	3 Reserved (0x00)
	4-7 transferSize, LSB first, exclusive of header and alignment
	8 bitmap, bit 0 EOM
	9-11 reserved
	*/
	tag := btag.nextbTag()
	out[0] = msgDevDepOut
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(datalen))
	out[8] = 0x01 // hardcode end of message
	return out
}

// encBulkInHeader creates the header defined in USBTMC standard, Table 4.
// if terminator is nil, puts 0x00 in the header and sets the bit to use it to false
func encBulkInHeader(btag BTagger, bufsize int, terminator *byte) [headerSize]byte {
	out := [headerSize]byte{}
	tag := btag.nextbTag()
	out[0] = msgRequestDepIn
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(bufsize))
	if terminator != nil {
		out[8] = 0x02 // TermCharEnabled
		out[9] = *terminator
	}
	return out
}

// decBulkInHeader validates a DEV_DEP_MSG_IN response header and returns the
// number of payload bytes that follow it
func decBulkInHeader(hdr []byte) (int, error) {
	if len(hdr) < headerSize {
		return 0, fmt.Errorf("only received %d bytes, need at least %d to form header", len(hdr), headerSize)
	}
	if hdr[0] != msgRequestDepIn {
		return 0, fmt.Errorf("unexpected MsgID %#x in bulk-in header", hdr[0])
	}
	if hdr[2] != invbTag(hdr[1]) {
		return 0, fmt.Errorf("corrupt bTag %#x / %#x in bulk-in header", hdr[1], hdr[2])
	}
	return int(binary.LittleEndian.Uint32(hdr[4:8])), nil
}

// pad4 pads b with zeros to a multiple of 4 bytes
func pad4(b []byte) []byte {
	const alignment = 4
	if residual := len(b) % alignment; residual > 0 {
		b = append(b, make([]byte, alignment-residual)...)
	}
	return b
}

// USBDevice hides the details of USB and exposes an io.ReadWriteCloser
type USBDevice struct {
	tagger BTagger
	ctx    *gousb.Context
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	device *gousb.Device
	closer func()
}

// NewUSBDevice opens a USB device from its vendor and product ID
func NewUSBDevice(vid, pid uint16) (*USBDevice, error) {
	out := &USBDevice{tagger: newBTagGen(), ctx: gousb.NewContext()}
	var err error
	out.device, err = out.ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		out.ctx.Close()
		return nil, err
	}
	if out.device == nil {
		out.ctx.Close()
		return nil, fmt.Errorf("no usb device %04x:%04x", vid, pid)
	}
	if err = out.device.SetAutoDetach(true); err != nil {
		out.Close()
		return nil, err
	}
	iface, closer, err := out.device.DefaultInterface()
	if err != nil {
		out.Close()
		return nil, err
	}
	out.closer = closer
	out.in, err = iface.InEndpoint(2)
	if err != nil {
		out.Close()
		return nil, err
	}
	out.out, err = iface.OutEndpoint(2)
	if err != nil {
		out.Close()
		return nil, err
	}
	return out, nil
}

// Write sends b as a single DEV_DEP_MSG_OUT transfer
func (d *USBDevice) Write(b []byte) (int, error) {
	hdr := encBulkOutHeader(d.tagger, len(b))
	msg := pad4(append(hdr[:], b...))
	if _, err := d.out.Write(msg); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Read requests a response terminated by '\n' and copies its payload into b
func (d *USBDevice) Read(b []byte) (int, error) {
	term := byte('\n')
	hdr := encBulkInHeader(d.tagger, bufSize, &term)
	n, err := d.out.Write(hdr[:])
	if err != nil {
		return 0, err
	}
	if n != headerSize {
		return 0, fmt.Errorf("wrote %d bytes, not full %d required to transmit read request", n, headerSize)
	}
	buf := make([]byte, bufSize+headerSize)
	n, err = d.in.Read(buf)
	if err != nil {
		return 0, err
	}
	size, err := decBulkInHeader(buf[:n])
	if err != nil {
		return 0, err
	}
	payload := buf[headerSize:n]
	if size < len(payload) {
		payload = payload[:size]
	}
	return copy(b, payload), nil
}

// Close closes the device
func (d *USBDevice) Close() error {
	var err error
	if d.closer != nil {
		d.closer()
	}
	if d.device != nil {
		err = d.device.Close()
	}
	if d.ctx != nil {
		d.ctx.Close()
	}
	return err
}
