package transcode

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"bitriver-vod/internal/ladder"
)

// Options tunes the encoder settings shared by all variants.
type Options struct {
	VideoCodec string
	AudioCodec string
	Preset     string
	// GOPSeconds aligns keyframes to segment boundaries; zero uses the segment duration.
	GOPSeconds int
	FrameRate  int
	ExtraArgs  []string
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.VideoCodec) == "" {
		o.VideoCodec = "libx264"
	}
	if strings.TrimSpace(o.AudioCodec) == "" {
		o.AudioCodec = "aac"
	}
	if strings.TrimSpace(o.Preset) == "" {
		o.Preset = "veryfast"
	}
	if o.FrameRate <= 0 {
		o.FrameRate = 30
	}
	return o
}

// Plan is a fully resolved ffmpeg invocation for one job.
type Plan struct {
	Args      []string
	Source    string
	OutputDir string
	// Master is the absolute path of the master playlist ffmpeg will write.
	Master string
	// Playlists holds the slash path, relative to OutputDir, of each variant playlist in ladder order.
	Playlists []string
	// StreamMap is the -var_stream_map value, one entry per variant.
	StreamMap []string
}

// BuildPlan translates the ladder into a single multi-variant HLS invocation.
func BuildPlan(source, outputDir string, l ladder.Ladder, packaging ladder.Packaging, opts Options) (*Plan, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("input source is required")
	}
	if strings.TrimSpace(outputDir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	absDir, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, err
	}
	rungs := l.Normalize()
	packaging = packaging.WithDefaults()
	opts = opts.withDefaults()

	gop := opts.GOPSeconds
	if gop <= 0 {
		gop = packaging.SegmentSeconds()
	}

	args := []string{"-hide_banner", "-nostdin", "-y", "-i", source}
	for range rungs {
		args = append(args, "-map", "0:v:0", "-map", "0:a:0")
	}

	streamMap := make([]string, 0, len(rungs))
	playlists := make([]string, 0, len(rungs))
	for i, v := range rungs {
		idx := strconv.Itoa(i)
		args = append(args,
			"-filter:v:"+idx, fmt.Sprintf("scale=w=%d:h=%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", v.Width, v.Height, v.Width, v.Height),
			"-c:v:"+idx, opts.VideoCodec,
			"-b:v:"+idx, kbps(v.VideoBitrate),
			"-maxrate:v:"+idx, kbps(v.VideoBitrate*107/100),
			"-bufsize:v:"+idx, kbps(v.VideoBitrate*3/2),
			"-c:a:"+idx, opts.AudioCodec,
			"-b:a:"+idx, kbps(v.AudioBitrate),
			"-ar:a:"+idx, strconv.Itoa(v.AudioSampleRate),
		)
		streamMap = append(streamMap, fmt.Sprintf("v:%d,a:%d", i, i))
		playlists = append(playlists, packaging.VariantPlaylistPath(i))
	}

	args = append(args,
		"-preset", opts.Preset,
		"-g", strconv.Itoa(gop*opts.FrameRate),
		"-keyint_min", strconv.Itoa(gop*opts.FrameRate),
		"-sc_threshold", "0",
	)
	args = append(args, opts.ExtraArgs...)

	variantDir := filepath.Join(absDir, packaging.VariantPrefix+"%v")
	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(packaging.SegmentSeconds()),
		"-hls_playlist_type", packaging.PlaylistType,
		"-hls_list_size", "0",
		"-hls_flags", "independent_segments",
		"-hls_segment_filename", filepath.ToSlash(filepath.Join(variantDir, packaging.SegmentPattern)),
		"-master_pl_name", packaging.MasterPlaylist,
		"-var_stream_map", strings.Join(streamMap, " "),
		filepath.ToSlash(filepath.Join(variantDir, packaging.VariantPlaylist)),
	)

	return &Plan{
		Args:      args,
		Source:    source,
		OutputDir: absDir,
		Master:    filepath.Join(absDir, packaging.MasterPlaylist),
		Playlists: playlists,
		StreamMap: streamMap,
	}, nil
}

func kbps(v int) string {
	return strconv.Itoa(v) + "k"
}
