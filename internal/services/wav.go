package services

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strconv"
	"strings"
)

type wavInfo struct {
	sampleRate    int
	channels      int
	bitsPerSample int
	dataLen       int
}

func (w wavInfo) durationMs() int {
	bytesPerSec := w.sampleRate * w.channels * w.bitsPerSample / 8
	if bytesPerSec == 0 {
		return 0
	}
	return int(int64(w.dataLen) * 1000 / int64(bytesPerSec))
}

// pcmToWAV prepends a canonical 44-byte RIFF header to little-endian PCM samples.
func pcmToWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// parseWAV walks the RIFF chunks far enough to find the format and data size.
func parseWAV(data []byte) (wavInfo, error) {
	var info wavInfo
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return info, errors.New("not a RIFF/WAVE file")
	}

	foundFmt := false
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return info, errors.New("truncated fmt chunk")
			}
			info.channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			info.sampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			info.bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14:]))
			foundFmt = true
		case "data":
			if !foundFmt {
				return info, errors.New("data chunk before fmt chunk")
			}
			// Streaming encoders write 0 or 0xFFFFFFFF when the length is unknown.
			if size == 0 || body+size > len(data) {
				size = len(data) - body
			}
			info.dataLen = size
			return info, nil
		}

		off = body + size + size%2
	}
	return info, errors.New("no data chunk")
}

// pcmRateFromMIME reads the rate parameter of e.g. "audio/L16;codec=pcm;rate=24000".
func pcmRateFromMIME(mime string, fallback int) int {
	for _, part := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(k, "rate") {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return fallback
}
