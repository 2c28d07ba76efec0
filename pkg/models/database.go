package models

// Metadata keys every entry carries.
const (
	MetaSong          = "song"
	MetaOffsetSeconds = "offset_seconds"
	MetaTitle         = "title"
	MetaArtist        = "artist"
)

// Entry is a stored (id, vector, metadata) record of the vector index.
type Entry struct {
	ID            string
	SongID        string
	OffsetSeconds float64
	Vector        Fingerprint
	Metadata      map[string]any
}

// NewEntry builds the index entry for a fingerprinted segment.
func NewEntry(seg Segment, vec Fingerprint) Entry {
	return Entry{
		ID:            seg.EntryID(),
		SongID:        seg.SongID,
		OffsetSeconds: seg.OffsetSeconds(),
		Vector:        vec,
		Metadata: map[string]any{
			MetaSong:          seg.SongID,
			MetaOffsetSeconds: seg.OffsetSeconds(),
		},
	}
}

// Filter selects entries by metadata equality. Empty fields match anything.
type Filter struct {
	Song string
}

// Hit is a raw nearest-neighbour result from the index.
type Hit struct {
	ID       string
	Metadata map[string]any
	Distance float64
}
