package live

import "sync"

// VADEvent is the outcome of processing one microphone frame.
type VADEvent int

const (
	// VADNone means no state change this frame.
	VADNone VADEvent = iota
	// VADSpeechStart means the user started talking.
	VADSpeechStart
	// VADSpeechEnd means the user stopped talking.
	VADSpeechEnd
)

// String returns a human-readable event name.
func (e VADEvent) String() string {
	switch e {
	case VADNone:
		return "NONE"
	case VADSpeechStart:
		return "SPEECH_START"
	case VADSpeechEnd:
		return "SPEECH_END"
	default:
		return "UNKNOWN"
	}
}

// EnergyVAD detects user speech from microphone energy. Per-frame RMS is
// exponentially smoothed, compared against a threshold, and a run of
// consecutive speech or silence frames flips the speaking state. The
// frame runs debounce single noisy frames in either direction.
type EnergyVAD struct {
	config VADConfig

	mu             sync.Mutex
	smoothedVolume float64
	speechFrames   int
	silenceFrames  int
	speaking       bool
}

// NewEnergyVAD creates a detector with the given configuration.
// Zero-valued fields fall back to the defaults.
func NewEnergyVAD(config VADConfig) *EnergyVAD {
	def := DefaultVADConfig()
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.MinSpeechFrames <= 0 {
		config.MinSpeechFrames = def.MinSpeechFrames
	}
	if config.MinSilenceFrames <= 0 {
		config.MinSilenceFrames = def.MinSilenceFrames
	}
	if config.SmoothingFactor <= 0 || config.SmoothingFactor >= 1 {
		config.SmoothingFactor = def.SmoothingFactor
	}
	return &EnergyVAD{config: config}
}

// ProcessFrame ingests one frame of 16-bit little-endian PCM and reports
// whether the speaking state changed.
func (v *EnergyVAD) ProcessFrame(pcm []byte) VADEvent {
	rms := CalculateRMSEnergy(pcm)

	v.mu.Lock()
	defer v.mu.Unlock()

	v.smoothedVolume = v.config.SmoothingFactor*v.smoothedVolume + (1-v.config.SmoothingFactor)*rms

	if v.smoothedVolume > v.config.Threshold {
		v.speechFrames++
		v.silenceFrames = 0
		if !v.speaking && v.speechFrames >= v.config.MinSpeechFrames {
			v.speaking = true
			return VADSpeechStart
		}
		return VADNone
	}

	v.silenceFrames++
	v.speechFrames = 0
	if v.speaking && v.silenceFrames >= v.config.MinSilenceFrames {
		v.speaking = false
		return VADSpeechEnd
	}
	return VADNone
}

// IsSpeaking reports whether the user is currently talking.
func (v *EnergyVAD) IsSpeaking() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.speaking
}

// Volume returns the current smoothed volume, for level meters.
func (v *EnergyVAD) Volume() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.smoothedVolume
}

// Reset clears the detector state for a new call.
func (v *EnergyVAD) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.smoothedVolume = 0
	v.speechFrames = 0
	v.silenceFrames = 0
	v.speaking = false
}
