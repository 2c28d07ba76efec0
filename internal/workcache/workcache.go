// Package workcache records which working artifacts (segment WAVs and
// transcription files) exist for a song under a given set of parameters.
//
// Records are keyed by song id plus a digest of the parameters, so a change
// of window, hop or sample rate never matches a stale record. Nothing is
// reused unless a record exists and every file it lists is still on disk.
package workcache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	xxhash "github.com/OneOfOne/xxhash"
	"go.etcd.io/bbolt"

	"github.com/himanishpuri/HarmonicDNA/pkg/models"
	"github.com/himanishpuri/HarmonicDNA/pkg/utils"
)

var (
	bucketSegments       = []byte("segments")
	bucketTranscriptions = []byte("transcriptions")
)

var ErrClosed = errors.New("workcache: closed")

// SegmentSet is the materialised window set of one song.
type SegmentSet struct {
	Key       string           `json:"key"`
	SongID    string           `json:"song_id"`
	Dir       string           `json:"dir"`
	WindowMs  int64            `json:"window_ms"`
	HopMs     int64            `json:"hop_ms"`
	Segments  []models.Segment `json:"segments"`
	CreatedAt time.Time        `json:"created_at"`
}

// Paths lists the segment files of the set.
func (s *SegmentSet) Paths() []string {
	paths := make([]string, len(s.Segments))
	for i, seg := range s.Segments {
		paths[i] = seg.Path
	}
	return paths
}

// Transcription marks an artifact as produced from a segment by an engine.
type Transcription struct {
	Artifact  string    `json:"artifact"`
	Segment   string    `json:"segment"`
	Engine    string    `json:"engine"`
	CreatedAt time.Time `json:"created_at"`
}

type Cache struct {
	db *bbolt.DB
}

// Key derives the cache key of a song under params. The key is also safe to
// use as a directory name.
func Key(songID string, params ...any) string {
	var b strings.Builder
	b.WriteString(songID)
	for _, p := range params {
		fmt.Fprintf(&b, "|%v", p)
	}
	return fmt.Sprintf("%s-%016x", utils.SafeName(songID), xxhash.ChecksumString64(b.String()))
}

func Open(path string) (*Cache, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening work cache %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketSegments, bucketTranscriptions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// SegmentSet returns the record for key, or nil when there is none.
func (c *Cache) SegmentSet(key string) (*SegmentSet, error) {
	if c == nil || c.db == nil {
		return nil, ErrClosed
	}

	var set *SegmentSet
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSegments).Get([]byte(key))
		if data == nil {
			return nil
		}
		set = &SegmentSet{}
		return json.Unmarshal(data, set)
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

func (c *Cache) PutSegmentSet(set SegmentSet) error {
	if c == nil || c.db == nil {
		return ErrClosed
	}
	if set.CreatedAt.IsZero() {
		set.CreatedAt = time.Now()
	}

	data, err := json.Marshal(set)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSegments).Put([]byte(set.Key), data)
	})
}

// Transcribed reports whether artifact was recorded for engine.
func (c *Cache) Transcribed(artifact, engine string) bool {
	if c == nil || c.db == nil {
		return false
	}

	var rec Transcription
	found := false
	_ = c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTranscriptions).Get([]byte(artifact))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		found = rec.Engine == engine
		return nil
	})
	return found
}

// MarkTranscribed records a batch of produced artifacts in one transaction.
func (c *Cache) MarkTranscribed(recs []Transcription) error {
	if c == nil || c.db == nil {
		return ErrClosed
	}

	now := time.Now()
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTranscriptions)
		for _, rec := range recs {
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = now
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(rec.Artifact), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Drop forgets the segment set stored under key and every transcription
// record whose artifact lives under one of dirs. An empty key drops only
// the transcriptions.
func (c *Cache) Drop(key string, dirs ...string) error {
	if c == nil || c.db == nil {
		return ErrClosed
	}

	return c.db.Update(func(tx *bbolt.Tx) error {
		if key != "" {
			if err := tx.Bucket(bucketSegments).Delete([]byte(key)); err != nil {
				return err
			}
		}

		b := tx.Bucket(bucketTranscriptions)
		for _, dir := range dirs {
			prefix := []byte(filepath.Clean(dir) + string(filepath.Separator))
			var stale [][]byte
			cur := b.Cursor()
			for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
				stale = append(stale, append([]byte(nil), k...))
			}
			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Stats counts the records in each bucket.
func (c *Cache) Stats() (segmentSets, transcriptions int, err error) {
	if c == nil || c.db == nil {
		return 0, 0, ErrClosed
	}
	err = c.db.View(func(tx *bbolt.Tx) error {
		segmentSets = tx.Bucket(bucketSegments).Stats().KeyN
		transcriptions = tx.Bucket(bucketTranscriptions).Stats().KeyN
		return nil
	})
	return segmentSets, transcriptions, err
}
