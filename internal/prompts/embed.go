// Package prompts provides the default system audio prompts embedded in
// the binary. These are G.711 u-law WAV files (8kHz, mono, 8-bit) that
// the media player can stream without transcoding.
//
// The embedded prompts are extracted to the data directory on first boot
// and registered in the audio_prompts table so flows can reference them
// by id out of the box. Campaign audio uploaded later lives in the
// uploads/ subdirectory.
package prompts

import "embed"

// SystemFS holds the default system audio prompts embedded in the binary.
// Files are under system/ (e.g. system/invalid_option.wav).
//
//go:embed system/*.wav
var SystemFS embed.FS

// SystemPrompts lists the filenames of all default system prompts.
// These are extracted to $DATA_DIR/prompts/system/ on first boot.
var SystemPrompts = []string{
	"voicemail_message.wav",
	"invalid_option.wav",
	"input_timeout.wav",
	"opt_out_confirmed.wav",
}
