package harmonicdna

import (
	"context"
	"path/filepath"
	"sync"
)

// AudioExtensions are the file types IngestDir picks up.
var AudioExtensions = []string{".wav", ".mp3", ".flac", ".m4a", ".ogg"}

type job struct {
	idx  int
	path string
}

// ingestAll fans files out to the configured number of workers and returns
// the reports in file order.
func (s *harmonicService) ingestAll(ctx context.Context, files []string, onSong func(*SongReport)) []*SongReport {
	workers := s.config.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(files) {
		workers = len(files)
	}

	reports := make([]*SongReport, len(files))
	jobs := make(chan job)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				var rep *SongReport
				if err := ctx.Err(); err != nil {
					rep = &SongReport{SongID: filepath.Base(j.path), Path: j.path, Err: err}
				} else {
					rep, _ = s.Ingest(ctx, j.path)
				}
				reports[j.idx] = rep
				if onSong != nil {
					onSong(rep)
				}
			}
		}()
	}

	for i, f := range files {
		jobs <- job{idx: i, path: f}
	}
	close(jobs)
	wg.Wait()

	return reports
}
