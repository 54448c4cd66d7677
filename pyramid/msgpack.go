package pyramid

import (
	"github.com/tinylib/msgp/msgp"
)

// MarshalMsg implements msgp.Marshaler
func (d *Descriptor) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.Require(b, d.Msgsize())
	o = msgp.AppendMapHeader(o, 9)
	o = msgp.AppendString(o, "series")
	o = msgp.AppendString(o, d.SeriesID)
	o = msgp.AppendString(o, "w")
	o = msgp.AppendInt(o, d.Width)
	o = msgp.AppendString(o, "h")
	o = msgp.AppendInt(o, d.Height)
	o = msgp.AppendString(o, "tw")
	o = msgp.AppendInt(o, d.TileWidth)
	o = msgp.AppendString(o, "th")
	o = msgp.AppendInt(o, d.TileHeight)
	o = msgp.AppendString(o, "topo")
	o = msgp.AppendUint8(o, uint8(d.Topology))
	o = msgp.AppendString(o, "native")
	o = msgp.AppendUint8(o, uint8(d.Native))
	o = msgp.AppendString(o, "built")
	o = msgp.AppendTime(o, d.Built)
	o = msgp.AppendString(o, "levels")
	o = msgp.AppendArrayHeader(o, uint32(len(d.Levels)))
	for i := range d.Levels {
		o = d.Levels[i].appendMsg(o)
	}
	return
}

// UnmarshalMsg implements msgp.Unmarshaler.  Derived level fields are recomputed
// and the result is validated.
func (d *Descriptor) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var sz uint32
	sz, bts, err = msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return
	}
	for ; sz > 0; sz-- {
		var field []byte
		field, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			return
		}
		switch msgp.UnsafeString(field) {
		case "series":
			d.SeriesID, bts, err = msgp.ReadStringBytes(bts)
		case "w":
			d.Width, bts, err = msgp.ReadIntBytes(bts)
		case "h":
			d.Height, bts, err = msgp.ReadIntBytes(bts)
		case "tw":
			d.TileWidth, bts, err = msgp.ReadIntBytes(bts)
		case "th":
			d.TileHeight, bts, err = msgp.ReadIntBytes(bts)
		case "topo":
			var t uint8
			t, bts, err = msgp.ReadUint8Bytes(bts)
			d.Topology = Topology(t)
		case "native":
			var t uint8
			t, bts, err = msgp.ReadUint8Bytes(bts)
			d.Native = Topology(t)
		case "built":
			d.Built, bts, err = msgp.ReadTimeBytes(bts)
		case "levels":
			var n uint32
			n, bts, err = msgp.ReadArrayHeaderBytes(bts)
			if err != nil {
				return
			}
			d.Levels = make([]Level, n)
			for i := range d.Levels {
				bts, err = d.Levels[i].readMsg(bts)
				if err != nil {
					return
				}
			}
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return
		}
	}
	for i := range d.Levels {
		l := &d.Levels[i]
		l.Index = i
		if d.TileWidth > 0 && d.TileHeight > 0 {
			l.TilesPerRow = (l.Width + d.TileWidth - 1) / d.TileWidth
			l.TilesPerColumn = (l.Height + d.TileHeight - 1) / d.TileHeight
		}
	}
	assignFrameOffsets(d.Levels)
	o = bts
	err = d.Validate()
	return
}

// Msgsize returns an upper bound estimate of the number of bytes occupied by the serialized message
func (d *Descriptor) Msgsize() (s int) {
	s = msgp.MapHeaderSize + 9*10 + msgp.StringPrefixSize + len(d.SeriesID) +
		4*msgp.IntSize + 2*msgp.Uint8Size + msgp.TimeSize + msgp.ArrayHeaderSize
	for i := range d.Levels {
		s += d.Levels[i].msgsize()
	}
	return
}

func (l *Level) appendMsg(o []byte) []byte {
	o = msgp.AppendArrayHeader(o, 5)
	o = msgp.AppendInt(o, l.Width)
	o = msgp.AppendInt(o, l.Height)
	o = msgp.AppendFloat64(o, l.Downsample)
	o = msgp.AppendString(o, l.Source)
	o = msgp.AppendBool(o, l.Synthesized)
	return o
}

func (l *Level) readMsg(bts []byte) (o []byte, err error) {
	var n uint32
	n, bts, err = msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return
	}
	if n != 5 {
		err = msgp.ArrayError{Wanted: 5, Got: n}
		return
	}
	if l.Width, bts, err = msgp.ReadIntBytes(bts); err != nil {
		return
	}
	if l.Height, bts, err = msgp.ReadIntBytes(bts); err != nil {
		return
	}
	if l.Downsample, bts, err = msgp.ReadFloat64Bytes(bts); err != nil {
		return
	}
	if l.Source, bts, err = msgp.ReadStringBytes(bts); err != nil {
		return
	}
	l.Synthesized, o, err = msgp.ReadBoolBytes(bts)
	return
}

func (l *Level) msgsize() int {
	return msgp.ArrayHeaderSize + 2*msgp.IntSize + msgp.Float64Size + msgp.StringPrefixSize + len(l.Source) + msgp.BoolSize
}
