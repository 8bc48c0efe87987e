package chime

import (
	"encoding/binary"
	"testing"
	"time"
)

func toneSamples(buf []byte) []int16 {
	samples := make([]int16, len(buf)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	return samples
}

func TestSynthesizeToneLengthMatchesDuration(t *testing.T) {
	t.Parallel()

	buf := synthesizeTone(880, 150*time.Millisecond)
	want := int(float64(sampleRate)*0.150) * 2
	if len(buf) != want {
		t.Fatalf("unexpected buffer length: got %d want %d", len(buf), want)
	}
}

func TestSynthesizeToneFadesAtBothEnds(t *testing.T) {
	t.Parallel()

	samples := toneSamples(synthesizeTone(880, 150*time.Millisecond))
	if samples[0] != 0 {
		t.Fatalf("expected silent first sample, got %d", samples[0])
	}
	if last := samples[len(samples)-1]; last != 0 {
		t.Fatalf("expected silent last sample, got %d", last)
	}

	var peak int16
	for _, s := range samples {
		if s > peak {
			peak = s
		}
	}
	if peak < 12000 || peak > 13200 {
		t.Fatalf("unexpected peak amplitude: %d", peak)
	}
}

func TestSynthesizeToneDefaultsBadInputs(t *testing.T) {
	t.Parallel()

	buf := synthesizeTone(0, 0)
	want := int(float64(sampleRate)*0.150) * 2
	if len(buf) != want {
		t.Fatalf("unexpected default buffer length: got %d want %d", len(buf), want)
	}
}

func TestNoopPlay(t *testing.T) {
	t.Parallel()

	Noop{}.Play()
}
