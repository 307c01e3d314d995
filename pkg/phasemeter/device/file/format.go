package file

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/norasector/phasemeter/pkg/types"
)

const version = 1

var (
	magic = [4]byte{'P', 'M', 'B', 'K'}

	ErrBadMagic = errors.New("not a block recording")
)

// header starts every recording. It is followed by one uint16 channel id per
// channel, then blocks of BlockSize int16 samples per channel, channel-major
// in header order. Everything is little endian.
type header struct {
	Magic          [4]byte
	Version        uint16
	Channels       uint16
	BlockSize      uint32
	Pretrigger     uint32
	MaxADC         int16
	SampleInterval float64
}

type recording struct {
	header
	ids []types.ChannelID
}

func (r *recording) blockBytes() int64 {
	return int64(r.Channels) * int64(r.BlockSize) * 2
}

func (r *recording) dataOffset() int64 {
	return int64(binary.Size(r.header)) + int64(r.Channels)*2
}

func writeHeader(w io.Writer, r *recording) error {
	r.Magic = magic
	r.Version = version
	r.Channels = uint16(len(r.ids))
	if err := binary.Write(w, binary.LittleEndian, r.header); err != nil {
		return err
	}
	ids := make([]uint16, len(r.ids))
	for i, id := range r.ids {
		ids[i] = uint16(id)
	}
	return binary.Write(w, binary.LittleEndian, ids)
}

func readHeader(rd io.Reader) (*recording, error) {
	r := &recording{}
	if err := binary.Read(rd, binary.LittleEndian, &r.header); err != nil {
		return nil, err
	}
	if r.Magic != magic {
		return nil, ErrBadMagic
	}
	if r.Version != version {
		return nil, fmt.Errorf("unsupported recording version %d", r.Version)
	}
	if r.Channels == 0 || r.BlockSize == 0 || !(r.SampleInterval > 0) || r.Pretrigger >= r.BlockSize {
		return nil, fmt.Errorf("corrupt recording header %+v", r.header)
	}
	ids := make([]uint16, r.Channels)
	if err := binary.Read(rd, binary.LittleEndian, ids); err != nil {
		return nil, err
	}
	for _, id := range ids {
		r.ids = append(r.ids, types.ChannelID(id))
	}
	return r, nil
}

func writeBlock(w io.Writer, ids []types.ChannelID, data map[types.ChannelID][]int16, size int) error {
	for _, id := range ids {
		samples, ok := data[id]
		if !ok || len(samples) < size {
			return fmt.Errorf("%s: %d samples for a %d sample block", id, len(samples), size)
		}
		if err := binary.Write(w, binary.LittleEndian, samples[:size]); err != nil {
			return err
		}
	}
	return nil
}

func readBlock(rd io.Reader, ids []types.ChannelID, size int) (map[types.ChannelID][]int16, error) {
	ret := make(map[types.ChannelID][]int16, len(ids))
	for i, id := range ids {
		samples := make([]int16, size)
		if err := binary.Read(rd, binary.LittleEndian, samples); err != nil {
			if i > 0 && errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		ret[id] = samples
	}
	return ret, nil
}
