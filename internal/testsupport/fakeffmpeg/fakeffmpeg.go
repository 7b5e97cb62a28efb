// Package fakeffmpeg installs shell scripts that stand in for ffmpeg in
// tests. The scripts understand just enough of the HLS invocation to write a
// plausible output tree.
package fakeffmpeg

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// Behaviour selects what the fake binary does when invoked.
type Behaviour string

const (
	// Succeed writes master.m3u8 plus a playlist and SegmentsPerVariant
	// segments into every pre-created variant directory. Empty sources fail
	// the way ffmpeg does on unreadable input.
	Succeed Behaviour = "succeed"
	// Fail prints a diagnostic and exits with status 1.
	Fail Behaviour = "fail"
	// Hang blocks until terminated.
	Hang Behaviour = "hang"
	// Silent exits successfully without writing anything.
	Silent Behaviour = "silent"
)

// SegmentsPerVariant is the number of segments Succeed writes per variant.
const SegmentsPerVariant = 2

const header = `#!/bin/sh
src=""
prev=""
last=""
for arg in "$@"; do
  if [ "$prev" = "-i" ]; then src="$arg"; fi
  prev="$arg"
  last="$arg"
done
root=$(dirname "$(dirname "$last")")
`

var scripts = map[Behaviour]string{
	Succeed: header + `
if [ ! -s "$src" ]; then
  echo "$src: Invalid data found when processing input" >&2
  exit 1
fi
echo "Input #0, mov,mp4,m4a,3gp,3g2,mj2, from '$src':" >&2
for dir in "$root"/hls_*; do
  [ -d "$dir" ] || continue
  printf '#EXTM3U\n#EXT-X-PLAYLIST-TYPE:VOD\n' > "$dir/index.m3u8"
  n=0
  while [ $n -lt 2 ]; do
    printf 'segment' > "$dir/segment_00$n.ts"
    printf '#EXTINF:6.0,\nsegment_00%d.ts\n' "$n" >> "$dir/index.m3u8"
    n=$((n+1))
  done
  printf '#EXT-X-ENDLIST\n' >> "$dir/index.m3u8"
done
printf '#EXTM3U\n' > "$root/master.m3u8"
exit 0
`,
	Fail: header + `
echo "Error while decoding stream #0:0: Invalid data found when processing input" >&2
exit 1
`,
	Hang: header + `
echo "frame=    1 fps=0.0 q=0.0 size=       0kB" >&2
exec sleep 60
`,
	Silent: header + `
exit 0
`,
}

// Install writes the fake binary into a temporary directory and returns its
// path. Tests are skipped on platforms without a POSIX shell.
func Install(t testing.TB, behaviour Behaviour) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake ffmpeg requires a POSIX shell")
	}
	script, ok := scripts[behaviour]
	if !ok {
		t.Fatalf("unknown fake ffmpeg behaviour %q", behaviour)
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake ffmpeg: %v", err)
	}
	return path
}
