package live

// VADConfig configures energy-based voice activity detection.
type VADConfig struct {
	// Threshold is the smoothed RMS level above which a frame counts
	// as speech. Range 0.0 to 1.0. Default: 0.05.
	Threshold float64 `json:"threshold"`

	// MinSpeechFrames is how many consecutive speech frames confirm
	// that the user started talking. Default: 3.
	MinSpeechFrames int `json:"min_speech_frames"`

	// MinSilenceFrames is how many consecutive silent frames confirm
	// that the user stopped talking. Default: 5.
	MinSilenceFrames int `json:"min_silence_frames"`

	// SmoothingFactor is the exponential smoothing applied to the raw
	// per-frame RMS before comparing against Threshold. Default: 0.9.
	SmoothingFactor float64 `json:"smoothing_factor"`
}

// DefaultVADConfig returns the detection parameters tuned for barge-in
// against a consumer microphone.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		Threshold:        0.05,
		MinSpeechFrames:  3,
		MinSilenceFrames: 5,
		SmoothingFactor:  0.9,
	}
}

// AudioConfig specifies the PCM format of captured microphone audio.
type AudioConfig struct {
	// SampleRate in Hz. Default: 44100.
	SampleRate int `json:"sample_rate"`

	// Channels: 1 for mono, 2 for stereo.
	Channels int `json:"channels"`

	// BitsPerSample: typically 16 for PCM.
	BitsPerSample int `json:"bits_per_sample"`
}

// DefaultAudioConfig returns the standard capture format.
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		SampleRate:    44100,
		Channels:      1,
		BitsPerSample: 16,
	}
}

// BytesPerSecond returns the audio byte rate.
func (c AudioConfig) BytesPerSecond() int {
	return c.SampleRate * c.Channels * (c.BitsPerSample / 8)
}

// DurationMs returns the duration in milliseconds for the given byte count.
func (c AudioConfig) DurationMs(bytes int) int {
	if c.BytesPerSecond() == 0 {
		return 0
	}
	return (bytes * 1000) / c.BytesPerSecond()
}

// BytesForDurationMs returns the byte count for the given duration in milliseconds.
func (c AudioConfig) BytesForDurationMs(ms int) int {
	return (c.BytesPerSecond() * ms) / 1000
}

// AvatarConfig configures the lip-sync driver.
type AvatarConfig struct {
	// MinMouthScale is the mouth scale during silence.
	MinMouthScale float64 `json:"min_mouth_scale"`

	// MaxMouthScale is the mouth scale at full amplitude.
	MaxMouthScale float64 `json:"max_mouth_scale"`

	// AmplificationFactor boosts the measured energy before mapping
	// it to a mouth scale. Default: 1.8.
	AmplificationFactor float64 `json:"amplification_factor"`

	// SmoothingFactor smooths the energy signal so the mouth does not
	// flicker frame to frame. Default: 0.85.
	SmoothingFactor float64 `json:"smoothing_factor"`
}

// DefaultAvatarConfig returns the animation parameters used by the
// Sandra web client.
func DefaultAvatarConfig() AvatarConfig {
	return AvatarConfig{
		MinMouthScale:       0.08,
		MaxMouthScale:       1.0,
		AmplificationFactor: 1.8,
		SmoothingFactor:     0.85,
	}
}

// CoordinatorConfig holds all configuration for the client coordinator.
type CoordinatorConfig struct {
	// VAD configures local voice activity detection.
	VAD VADConfig `json:"vad"`

	// Audio is the capture PCM format.
	Audio AudioConfig `json:"audio"`

	// Avatar configures the lip-sync driver.
	Avatar AvatarConfig `json:"avatar"`

	// ChunkBytes is the capture chunk size sent upstream. Default: 4096.
	ChunkBytes int `json:"chunk_bytes"`
}

// DefaultCoordinatorConfig returns a CoordinatorConfig with sensible defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		VAD:        DefaultVADConfig(),
		Audio:      DefaultAudioConfig(),
		Avatar:     DefaultAvatarConfig(),
		ChunkBytes: 4096,
	}
}
