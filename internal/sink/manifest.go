package sink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// ManifestHeader opens a clip's frame-index sidecar. Downstream tooling uses
// the index to locate frames by offset without parsing the clip itself.
type ManifestHeader struct {
	SessionID  string    `msgpack:"session_id"`
	Device     string    `msgpack:"device"`
	CreatedAt  time.Time `msgpack:"created_at"`
	Container  bool      `msgpack:"container"`
	SampleSize int       `msgpack:"sample_size"`
	Format     string    `msgpack:"format"`
}

// IndexEntry records one frame's position inside the clip.
type IndexEntry struct {
	Seq    uint64 `msgpack:"seq"`
	PTS    int64  `msgpack:"pts"`
	Offset int64  `msgpack:"offset"`
	Size   int32  `msgpack:"size"`
}

// manifestWriter streams msgpack index records to the sidecar file: one
// header followed by one entry per frame.
type manifestWriter struct {
	f   *os.File
	enc *msgpack.Encoder
}

func newManifestWriter(path string, header ManifestHeader) (*manifestWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create manifest: %w", err)
	}
	enc := msgpack.NewEncoder(f)
	if err := enc.Encode(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write manifest header: %w", err)
	}
	return &manifestWriter{f: f, enc: enc}, nil
}

func (m *manifestWriter) add(e IndexEntry) error {
	if err := m.enc.Encode(e); err != nil {
		return fmt.Errorf("write index entry: %w", err)
	}
	return nil
}

func (m *manifestWriter) close() error {
	return m.f.Close()
}

// ReadManifest decodes a clip's sidecar into its header and frame index.
func ReadManifest(path string) (ManifestHeader, []IndexEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return ManifestHeader{}, nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	dec := msgpack.NewDecoder(f)

	var header ManifestHeader
	if err := dec.Decode(&header); err != nil {
		return ManifestHeader{}, nil, fmt.Errorf("decode manifest header: %w", err)
	}

	var entries []IndexEntry
	for {
		var e IndexEntry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return header, entries, fmt.Errorf("decode index entry: %w", err)
		}
		entries = append(entries, e)
	}
	return header, entries, nil
}
