package recording

import (
	"encoding/binary"
	"math"
	"time"
)

// AudioFrame is raw device output.
type AudioFrame struct {
	Data      []byte
	Timestamp time.Time
}

// Chunk is one PCM16LE chunk handed to the consumer. The pipeline never
// touches Data after emitting it.
type Chunk struct {
	Data      []byte
	RMS       float64 // 0..1
	Timestamp time.Time
	Silent    bool // synthetic silence
}

// RMS returns the normalized root mean square of little-endian PCM16 samples.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		sum += s * s
	}
	return math.Sqrt(sum/float64(n)) / 32768
}
