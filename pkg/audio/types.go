// Package audio defines the contracts between the session engine and the
// audio-graph collaborators: playback pipeline hooks, media track handles,
// and the negotiated format profiles. The engine never encodes or decodes
// audio itself — frames and tracks pass through opaque.
package audio

import "time"

// Format identifies a negotiated audio profile.
type Format struct {
	// Codec is the sample format or codec name: "pcm16" or "opus".
	Codec string

	// SampleRate in Hz.
	SampleRate int

	// Channels is the channel count. Capture is always mono.
	Channels int
}

// Negotiated profiles, primary first.
var (
	// PCM16Mono24k is the primary profile.
	PCM16Mono24k = Format{Codec: "pcm16", SampleRate: 24000, Channels: 1}

	// PCM16Mono16k is the reduced-bandwidth fallback.
	PCM16Mono16k = Format{Codec: "pcm16", SampleRate: 16000, Channels: 1}

	// Opus48k is the high-rate transport fallback.
	Opus48k = Format{Codec: "opus", SampleRate: 48000, Channels: 1}
)

// Frame timing constraints for the negotiated profiles.
const (
	// FrameDuration is the fixed frame length produced by the audio graph.
	FrameDuration = 20 * time.Millisecond

	// MaxPacketTime bounds packet aggregation (maxptime).
	MaxPacketTime = 40 * time.Millisecond

	// MaxJitterBuffer bounds the playout jitter buffer.
	MaxJitterBuffer = 120 * time.Millisecond
)

// Chunk is one opaque unit of assistant audio handed to the playback
// pipeline together with its ordering metadata.
type Chunk struct {
	Data []byte
	Meta ChunkMeta
}

// ChunkMeta orders and attributes a playback chunk.
type ChunkMeta struct {
	ResponseID string
	Sequence   int
	Format     Format
}

// Playback is the pipeline the TTS collaborator exposes to the engine. The
// engine drives cancellation through it during barge-in; everything else is
// pass-through.
type Playback interface {
	// Prime prepares the output path before the first chunk of a response.
	Prime() error

	// Enqueue appends one chunk to the playout buffer.
	Enqueue(chunk Chunk) error

	// FadeOut ramps the current output down over d and stops playback.
	// Used by barge-in so cancellation is not an audible click.
	FadeOut(d time.Duration) error

	// Flush drops all buffered audio immediately.
	Flush() error

	// BufferedDuration reports how much audio is queued but not yet played.
	BufferedDuration() time.Duration
}

// Track is an opaque handle to a local media track owned by the transport.
type Track interface {
	// ID returns the track identifier.
	ID() string

	// Kind returns the track kind; always "audio" in this engine.
	Kind() string

	// StreamID returns the owning stream's identifier.
	StreamID() string

	// Stop releases the underlying capture resources.
	Stop() error
}

// TrackOptions carries registration metadata for an added track.
type TrackOptions struct {
	// ProcessedStreamID identifies the worklet-processed stream, when the
	// audio graph applied processing before hand-off.
	ProcessedStreamID string

	// SourceStreamID identifies the raw capture stream.
	SourceStreamID string

	// AudioContextRef is the collaborator's audio-context reference, kept
	// for diagnostics only.
	AudioContextRef string

	// Metadata holds logging-only annotations.
	Metadata map[string]string
}
