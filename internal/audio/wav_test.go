package audio

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/go-audio/wav"
)

func TestEncodeWAVRoundTrip(t *testing.T) {
	t.Parallel()
	// Two s16le samples: 0x0102 and 0xFFFE (-258).
	pcm := []byte{0x02, 0x01, 0xfe, 0xff}

	out, err := EncodeWAV(pcm, 16000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}

	dec := wav.NewDecoder(bytes.NewReader(out))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode produced invalid WAV: %v", err)
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Fatalf("header = rate %d chans %d depth %d", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	if len(buf.Data) != 2 {
		t.Fatalf("sample count = %d, want 2", len(buf.Data))
	}
	if buf.Data[0] != 0x0102 {
		t.Fatalf("sample 0 = %d, want %d", buf.Data[0], 0x0102)
	}
	if buf.Data[1] != -258 {
		t.Fatalf("sample 1 = %d, want -258", buf.Data[1])
	}
}

func TestEncodeWAVHeader(t *testing.T) {
	t.Parallel()
	pcm := make([]byte, 3200)
	out, err := EncodeWAV(pcm, 16000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if string(out[:4]) != "RIFF" || string(out[8:12]) != "WAVE" {
		t.Fatal("missing RIFF/WAVE markers")
	}
	// The encoder must have seeked back and patched the chunk length.
	riffSize := binary.LittleEndian.Uint32(out[4:8])
	if int(riffSize) != len(out)-8 {
		t.Fatalf("riff size = %d, file size = %d", riffSize, len(out))
	}
}

func TestSeekBuffer(t *testing.T) {
	t.Parallel()
	var sb seekBuffer
	if _, err := sb.Write([]byte("abcdef")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := sb.Seek(1, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if _, err := sb.Write([]byte("XY")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if _, err := sb.Seek(0, io.SeekEnd); err != nil {
		t.Fatalf("seek end: %v", err)
	}
	if _, err := sb.Write([]byte("Z")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := string(sb.Bytes()); got != "aXYdefZ" {
		t.Fatalf("buffer = %q, want aXYdefZ", got)
	}
}
