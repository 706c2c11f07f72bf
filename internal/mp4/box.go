package mp4

import (
	"bytes"

	"github.com/icza/bitio"
)

// BoxType is a four-character box type.
type BoxType [4]byte

func (t BoxType) String() string {
	return string(t[:])
}

// Box is a box whose payload size is known before it is marshaled.
type Box interface {
	// Type returns the BoxType.
	Type() BoxType

	// Size returns the payload size in bytes, excluding the 8-byte
	// header. It must be known up front since the header carries the
	// total size.
	Size() int

	// Marshal writes the payload.
	Marshal(w *bitio.Writer) error
}

// Boxes is a box and its children, marshaled together.
type Boxes struct {
	Box      Box
	Children []Boxes
}

// Size returns the total size of the box including header and children.
func (b Boxes) Size() int {
	total := 8 + b.Box.Size()
	for _, child := range b.Children {
		total += child.Size()
	}
	return total
}

// Marshal writes the box, then its children.
func (b Boxes) Marshal(w *bitio.Writer) error {
	typ := b.Box.Type()
	w.TryWriteBits(uint64(b.Size()), 32)
	w.TryWrite(typ[:])
	if w.TryError != nil {
		return w.TryError
	}
	if err := b.Box.Marshal(w); err != nil {
		return err
	}
	for _, child := range b.Children {
		if err := child.Marshal(w); err != nil {
			return err
		}
	}
	return nil
}

// Encode marshals boxes back to back into a new buffer.
func Encode(boxes ...Boxes) []byte {
	size := 0
	for _, b := range boxes {
		size += b.Size()
	}
	var buf bytes.Buffer
	buf.Grow(size)
	w := bitio.NewWriter(&buf)
	for _, b := range boxes {
		// Writes into a bytes.Buffer only fail on allocation.
		_ = b.Marshal(w)
	}
	_ = w.Close()
	return buf.Bytes()
}

// Container is a box with no payload of its own, only children.
type Container BoxType

// Type returns the BoxType.
func (c Container) Type() BoxType { return BoxType(c) }

// Size returns the marshaled size in bytes.
func (Container) Size() int { return 0 }

// Marshal writes nothing.
func (Container) Marshal(*bitio.Writer) error { return nil }

func container(typ string, children ...Boxes) Boxes {
	return Boxes{Box: Container(boxType(typ)), Children: children}
}

// Raw is a box with a fixed payload.
type Raw struct {
	BoxType BoxType
	Payload []byte
}

// Type returns the BoxType.
func (r *Raw) Type() BoxType { return r.BoxType }

// Size returns the marshaled size in bytes.
func (r *Raw) Size() int { return len(r.Payload) }

// Marshal writes the payload unchanged.
func (r *Raw) Marshal(w *bitio.Writer) error {
	w.TryWrite(r.Payload)
	return w.TryError
}

func raw(typ string, payload []byte) Boxes {
	return Boxes{Box: &Raw{BoxType: boxType(typ), Payload: payload}}
}

func boxType(s string) BoxType {
	var t BoxType
	copy(t[:], s)
	return t
}

// FullBox is the version and flags header shared by full boxes.
type FullBox struct {
	Version uint8
	Flags   uint32
}

func (f FullBox) marshalField(w *bitio.Writer) {
	w.TryWriteBits(uint64(f.Version), 8)
	w.TryWriteBits(uint64(f.Flags&0xFFFFFF), 24)
}

func put8(w *bitio.Writer, v uint8)   { w.TryWriteBits(uint64(v), 8) }
func put16(w *bitio.Writer, v uint16) { w.TryWriteBits(uint64(v), 16) }
func put32(w *bitio.Writer, v uint32) { w.TryWriteBits(uint64(v), 32) }
func put64(w *bitio.Writer, v uint64) { w.TryWriteBits(v, 64) }

// unityMatrix is the identity transformation matrix of mvhd and tkhd.
var unityMatrix = [9]uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}

func putMatrix(w *bitio.Writer) {
	for _, v := range unityMatrix {
		put32(w, v)
	}
}
