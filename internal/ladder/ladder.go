// Package ladder describes the HLS rendition set produced for every upload.
package ladder

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Variant is one output quality rung. Its stream index is its position in
// the Ladder.
type Variant struct {
	Name            string `yaml:"name" json:"name"`
	Width           int    `yaml:"width" json:"width"`
	Height          int    `yaml:"height" json:"height"`
	VideoBitrate    int    `yaml:"video_bitrate_kbps" json:"videoBitrateKbps"`
	AudioSampleRate int    `yaml:"audio_sample_rate" json:"audioSampleRate"`
	AudioBitrate    int    `yaml:"audio_bitrate_kbps" json:"audioBitrateKbps"`
}

// Resolution renders the variant size as WIDTHxHEIGHT.
func (v Variant) Resolution() string {
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}

// Bandwidth returns the combined peak bitrate in bits per second.
func (v Variant) Bandwidth() int {
	return (v.VideoBitrate + v.AudioBitrate) * 1000
}

// Ladder is the ordered rendition set.
type Ladder []Variant

// Packaging holds the HLS muxer parameters shared by every variant.
type Packaging struct {
	SegmentDuration time.Duration `yaml:"segment_duration"`
	PlaylistType    string        `yaml:"playlist_type"`
	MasterPlaylist  string        `yaml:"master_playlist"`
	VariantPrefix   string        `yaml:"variant_prefix"`
	VariantPlaylist string        `yaml:"variant_playlist"`
	SegmentPattern  string        `yaml:"segment_pattern"`
}

const (
	DefaultSegmentDuration = 6 * time.Second
	DefaultPlaylistType    = "vod"
	DefaultMasterPlaylist  = "master.m3u8"
	DefaultVariantPrefix   = "hls_"
	DefaultVariantPlaylist = "index.m3u8"
	DefaultSegmentPattern  = "segment_%03d.ts"
	DefaultAudioSampleRate = 48000
)

var (
	ErrEmptyLadder   = errors.New("ladder has no variants")
	ErrInvalidRung   = errors.New("invalid variant")
	ErrDuplicateName = errors.New("duplicate variant name")
)

// Default returns the four-rung ladder used when no configuration is given.
func Default() Ladder {
	return Ladder{
		{Name: "240p", Width: 426, Height: 240, VideoBitrate: 400, AudioSampleRate: DefaultAudioSampleRate, AudioBitrate: 64},
		{Name: "480p", Width: 854, Height: 480, VideoBitrate: 800, AudioSampleRate: DefaultAudioSampleRate, AudioBitrate: 96},
		{Name: "720p", Width: 1280, Height: 720, VideoBitrate: 2800, AudioSampleRate: DefaultAudioSampleRate, AudioBitrate: 128},
		{Name: "1080p", Width: 1920, Height: 1080, VideoBitrate: 5000, AudioSampleRate: DefaultAudioSampleRate, AudioBitrate: 192},
	}
}

// DefaultPackaging returns six second VOD segments with a master.m3u8 entry point.
func DefaultPackaging() Packaging {
	return Packaging{}.WithDefaults()
}

// WithDefaults fills zero fields with the package defaults.
func (p Packaging) WithDefaults() Packaging {
	if p.SegmentDuration <= 0 {
		p.SegmentDuration = DefaultSegmentDuration
	}
	if strings.TrimSpace(p.PlaylistType) == "" {
		p.PlaylistType = DefaultPlaylistType
	}
	if strings.TrimSpace(p.MasterPlaylist) == "" {
		p.MasterPlaylist = DefaultMasterPlaylist
	}
	if strings.TrimSpace(p.VariantPrefix) == "" {
		p.VariantPrefix = DefaultVariantPrefix
	}
	if strings.TrimSpace(p.VariantPlaylist) == "" {
		p.VariantPlaylist = DefaultVariantPlaylist
	}
	if strings.TrimSpace(p.SegmentPattern) == "" {
		p.SegmentPattern = DefaultSegmentPattern
	}
	return p
}

// VariantDir is the directory, relative to the output root, holding variant i.
func (p Packaging) VariantDir(i int) string {
	return fmt.Sprintf("%s%d", p.VariantPrefix, i)
}

// VariantPlaylistPath is the slash path of variant i's media playlist.
func (p Packaging) VariantPlaylistPath(i int) string {
	return p.VariantDir(i) + "/" + p.VariantPlaylist
}

// SegmentSeconds is the segment duration rounded to whole seconds, never below one.
func (p Packaging) SegmentSeconds() int {
	seconds := int(p.SegmentDuration.Round(time.Second) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}

// Validate checks every rung and the ladder as a whole.
func (l Ladder) Validate() error {
	if len(l) == 0 {
		return ErrEmptyLadder
	}
	seen := make(map[string]int, len(l))
	for i, v := range l {
		if v.Width <= 0 || v.Height <= 0 {
			return fmt.Errorf("%w %d: resolution %s must be positive", ErrInvalidRung, i, v.Resolution())
		}
		if v.Width%2 != 0 || v.Height%2 != 0 {
			return fmt.Errorf("%w %d: resolution %s must have even dimensions", ErrInvalidRung, i, v.Resolution())
		}
		if v.VideoBitrate <= 0 {
			return fmt.Errorf("%w %d: video bitrate must be positive", ErrInvalidRung, i)
		}
		if v.AudioBitrate <= 0 {
			return fmt.Errorf("%w %d: audio bitrate must be positive", ErrInvalidRung, i)
		}
		if v.AudioSampleRate < 0 {
			return fmt.Errorf("%w %d: audio sample rate must not be negative", ErrInvalidRung, i)
		}
		name := strings.ToLower(strings.TrimSpace(v.Name))
		if name == "" {
			continue
		}
		if prev, ok := seen[name]; ok {
			return fmt.Errorf("%w %q at %d and %d", ErrDuplicateName, v.Name, prev, i)
		}
		seen[name] = i
	}
	return nil
}

// Normalize returns a copy with names and sample rates filled in.
func (l Ladder) Normalize() Ladder {
	out := l.Clone()
	for i := range out {
		if strings.TrimSpace(out[i].Name) == "" {
			out[i].Name = fmt.Sprintf("%dp", out[i].Height)
		}
		if out[i].AudioSampleRate == 0 {
			out[i].AudioSampleRate = DefaultAudioSampleRate
		}
	}
	return out
}

// Clone returns an independent copy of the ladder.
func (l Ladder) Clone() Ladder {
	if l == nil {
		return nil
	}
	out := make(Ladder, len(l))
	copy(out, l)
	return out
}
