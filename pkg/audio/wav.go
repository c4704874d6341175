package audio

import (
	"encoding/binary"
	"errors"
)

const (
	wavHeaderSize = 44
	bitsPerSample = 16
)

// EncodeWAV wraps raw 16-bit little-endian PCM in a canonical 44-byte
// RIFF/WAVE header.
func EncodeWAV(pcm []byte, f Format) []byte {
	blockAlign := f.Channels * bitsPerSample / 8
	byteRate := f.SampleRate * blockAlign
	dataSize := len(pcm)

	buf := make([]byte, wavHeaderSize+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[wavHeaderSize:], pcm)
	return buf
}

// ParseWAV walks a RIFF/WAVE container and returns its PCM payload and format.
// Chunks other than "fmt " and "data" are skipped.
func ParseWAV(wav []byte) ([]byte, Format, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, Format{}, errors.New("audio: not a RIFF/WAVE container")
	}

	var (
		f        Format
		foundFmt bool
	)
	offset := 12
	for offset+8 <= len(wav) {
		id := string(wav[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))
		body := offset + 8
		if body+size > len(wav) {
			size = len(wav) - body
		}

		switch id {
		case "fmt ":
			if size >= 16 {
				f.Channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
				f.SampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
				foundFmt = true
			}
		case "data":
			if !foundFmt {
				return nil, Format{}, errors.New("audio: WAV data chunk before fmt chunk")
			}
			return wav[body : body+size], f, nil
		}
		// Chunks are word aligned.
		offset = body + size + size%2
	}
	return nil, Format{}, errors.New("audio: WAV data chunk not found")
}
