package transfer

import (
	"bufio"
	"io"
	"os"
	"sync"

	"github.com/isadenghien/soma-workflow/pkg/somaerr"
)

// StreamReader serves incremental read_line calls over a job's stdout and
// stderr files. It keeps a bounded cache of read offsets keyed by job id
// and stream name, re-opening the file on every call (the writer is the
// external DRM, which keeps appending) and re-reading from the start
// whenever the recorded path changes. Evicting an entry only loses the
// offset: the next read on that key starts from the beginning again.
type StreamReader struct {
	mu      sync.Mutex
	max     int
	entries map[string]*streamPos
	order   []string // insertion order, oldest first, for eviction
}

type streamPos struct {
	path   string
	offset int64
}

// NewStreamReader creates a reader holding at most maxEntries offsets.
func NewStreamReader(maxEntries int) *StreamReader {
	if maxEntries <= 0 {
		maxEntries = 64
	}
	return &StreamReader{
		max:     maxEntries,
		entries: make(map[string]*streamPos),
	}
}

// ReadLine returns the next unread line of the file at path, including its
// trailing newline, or an empty string when no complete new line has been
// written yet. key identifies the logical stream (e.g. "<job_id>/stdout")
// whose position is tracked across calls.
func (r *StreamReader) ReadLine(key, path string) (string, error) {
	if path == "" {
		return "", somaerr.New(somaerr.NotFound, "no stream file recorded for %s", key)
	}

	r.mu.Lock()
	pos, ok := r.entries[key]
	if !ok || pos.path != path {
		pos = &streamPos{path: path}
		r.insert(key, pos)
	}
	r.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return "", somaerr.Wrap(somaerr.NotFound, err, "open stream file %s", path)
	}
	defer f.Close()

	if _, err := f.Seek(pos.offset, io.SeekStart); err != nil {
		return "", somaerr.Wrap(somaerr.Internal, err, "seek stream file %s", path)
	}

	line, err := bufio.NewReader(f).ReadString('\n')
	if err == io.EOF {
		// An unterminated tail is left for a later call, once its newline
		// has been written.
		return "", nil
	}
	if err != nil {
		return "", somaerr.Wrap(somaerr.Internal, err, "read stream file %s", path)
	}

	r.mu.Lock()
	pos.offset += int64(len(line))
	r.mu.Unlock()
	return line, nil
}

// Forget drops every tracked stream of jobID, called when the job is
// disposed.
func (r *StreamReader) Forget(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, stream := range []string{"/stdout", "/stderr"} {
		key := jobID + stream
		if _, ok := r.entries[key]; !ok {
			continue
		}
		delete(r.entries, key)
		for i, k := range r.order {
			if k == key {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
}

// insert records key, evicting the oldest entry once the cache is full.
// Caller holds r.mu.
func (r *StreamReader) insert(key string, pos *streamPos) {
	if _, ok := r.entries[key]; !ok && len(r.entries) >= r.max {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.entries, oldest)
	}
	if _, ok := r.entries[key]; !ok {
		r.order = append(r.order, key)
	}
	r.entries[key] = pos
}
