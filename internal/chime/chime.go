package chime

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/rs/zerolog/log"
)

const (
	sampleRate = 44100
	// amplitude keeps the tone well under full scale; it plays over whatever
	// the operator is listening to.
	amplitude = 0.4
	// fadeTime ramps the envelope at both ends so the tone has no clicks.
	fadeTime = 5 * time.Millisecond
)

// Chime plays a short synthesized confirmation tone after a command is
// dispatched. Playback failures never propagate; an inaudible chime must not
// break the voice pipeline.
type Chime struct {
	frequency float64
	duration  time.Duration

	initOnce sync.Once
	otoCtx   *oto.Context
	initErr  error
	pcm      []byte
}

func New(frequency float64, duration time.Duration) *Chime {
	return &Chime{frequency: frequency, duration: duration}
}

// Play starts the tone and returns immediately.
func (c *Chime) Play() {
	go c.play()
}

func (c *Chime) play() {
	c.initOnce.Do(func() {
		// oto allows one context per process, so it is created on first use
		// and kept for the lifetime of the app.
		otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			c.initErr = fmt.Errorf("failed to initialize audio output: %w", err)
			log.Warn().Err(c.initErr).Msg("chime disabled")
			return
		}
		<-ready
		c.otoCtx = otoCtx
		c.pcm = synthesizeTone(c.frequency, c.duration)
	})
	if c.initErr != nil || c.otoCtx == nil {
		return
	}

	player := c.otoCtx.NewPlayer(bytes.NewReader(c.pcm))
	player.Play()
	for player.IsPlaying() {
		time.Sleep(5 * time.Millisecond)
	}
	if err := player.Close(); err != nil {
		log.Debug().Err(err).Msg("failed to close chime player")
	}
}

// synthesizeTone renders a mono s16le sine burst with a linear fade-in and
// fade-out envelope.
func synthesizeTone(frequency float64, duration time.Duration) []byte {
	if frequency <= 0 {
		frequency = 880
	}
	if duration <= 0 {
		duration = 150 * time.Millisecond
	}

	samples := int(float64(sampleRate) * duration.Seconds())
	if samples < 1 {
		samples = 1
	}
	fadeSamples := int(float64(sampleRate) * fadeTime.Seconds())
	if fadeSamples > samples/2 {
		fadeSamples = samples / 2
	}

	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		value := math.Sin(2 * math.Pi * frequency * float64(i) / sampleRate)

		envelope := 1.0
		if fadeSamples > 0 {
			if i < fadeSamples {
				envelope = float64(i) / float64(fadeSamples)
			}
			if remain := samples - 1 - i; remain < fadeSamples {
				if out := float64(remain) / float64(fadeSamples); out < envelope {
					envelope = out
				}
			}
		}

		sample := int16(value * envelope * amplitude * math.MaxInt16)
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(sample))
	}
	return buf
}
