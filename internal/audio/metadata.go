package audio

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"
)

type Metadata struct {
	Filename string
	Title    string
	Artist   string
	Album    string
	Format   string
}

// ReadMetadata reads embedded tags (ID3, MP4, FLAC, OGG). Files without
// tags, WAV included, yield a Metadata with only Filename set and no error.
func ReadMetadata(path string) (*Metadata, error) {
	meta := &Metadata{Filename: filepath.Base(path)}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		// tag.ErrNoTagsFound or an unsupported container: labels are optional.
		return meta, nil
	}

	meta.Title = strings.TrimSpace(m.Title())
	meta.Artist = strings.TrimSpace(m.Artist())
	meta.Album = strings.TrimSpace(m.Album())
	meta.Format = string(m.Format())
	return meta, nil
}
