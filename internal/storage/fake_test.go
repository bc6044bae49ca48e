package storage

import (
	"crypto/sha256"
	"hash"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

// fakeSupabase emulates the Supabase Storage object and tus endpoints.
type fakeSupabase struct {
	mu sync.Mutex

	// tus session state
	length   int64
	received int64
	digest   hash.Hash
	offsets  []int64
	sizes    []int
	patches  int
	metadata string
	headers  http.Header

	// object endpoint state
	objects map[string][]byte
	objHdrs map[string]http.Header

	failChunk  int  // 1-based PATCH to answer with 500
	badAck     bool // acknowledge one byte short
	blockChunk int  // 1-based PATCH to hold until the client gives up
	blocked    chan struct{}
	deleteCode int

	srv *httptest.Server
}

func newFakeSupabase(t *testing.T) *fakeSupabase {
	t.Helper()
	f := &fakeSupabase{
		digest:  sha256.New(),
		objects: map[string][]byte{},
		objHdrs: map[string]http.Header{},
		blocked: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /storage/v1/upload/resumable", f.create)
	mux.HandleFunc("PATCH /storage/v1/upload/resumable/{id}", f.patch)
	mux.HandleFunc("POST /storage/v1/object/{bucket}/{path...}", f.putObject)
	mux.HandleFunc("GET /storage/v1/object/{bucket}/{path...}", f.getObject)
	mux.HandleFunc("DELETE /storage/v1/object/{bucket}/{path...}", f.deleteObject)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSupabase) create(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Header.Get("Tus-Resumable") != tusVersion {
		http.Error(w, "missing Tus-Resumable", http.StatusPreconditionFailed)
		return
	}
	n, err := strconv.ParseInt(r.Header.Get("Upload-Length"), 10, 64)
	if err != nil {
		http.Error(w, "bad Upload-Length", http.StatusBadRequest)
		return
	}
	f.length = n
	f.metadata = r.Header.Get("Upload-Metadata")
	f.headers = r.Header.Clone()

	w.Header().Set("Location", "/storage/v1/upload/resumable/session-1")
	w.WriteHeader(http.StatusCreated)
}

func (f *fakeSupabase) patch(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.patches++
	n := f.patches
	f.mu.Unlock()

	if n == f.blockChunk {
		close(f.blocked)
		<-r.Context().Done()
		return
	}
	if n == f.failChunk {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Header.Get("Content-Type") != "application/offset+octet-stream" {
		http.Error(w, "bad content type", http.StatusUnsupportedMediaType)
		return
	}
	off, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil || off != f.received {
		http.Error(w, "offset mismatch", http.StatusConflict)
		return
	}
	written, err := io.Copy(f.digest, r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.offsets = append(f.offsets, off)
	f.sizes = append(f.sizes, int(written))
	f.received += written

	ack := f.received
	if f.badAck {
		ack--
	}
	w.Header().Set("Tus-Resumable", tusVersion)
	w.Header().Set("Upload-Offset", strconv.FormatInt(ack, 10))
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeSupabase) putObject(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key := r.PathValue("bucket") + "/" + r.PathValue("path")

	f.mu.Lock()
	f.objects[key] = data
	f.objHdrs[key] = r.Header.Clone()
	f.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"Key":"` + key + `"}`))
}

func (f *fakeSupabase) getObject(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	data, ok := f.objects[r.PathValue("bucket")+"/"+r.PathValue("path")]
	f.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
		return
	}
	_, _ = w.Write(data)
}

func (f *fakeSupabase) deleteObject(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("bucket") + "/" + r.PathValue("path")

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteCode != 0 {
		http.Error(w, "nope", f.deleteCode)
		return
	}
	if _, ok := f.objects[key]; !ok {
		http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
		return
	}
	delete(f.objects, key)
	w.WriteHeader(http.StatusOK)
}

func (f *fakeSupabase) resumable(chunkSize int64) *ResumableClient {
	return NewResumableClient(f.srv.URL+"/storage/v1/upload/resumable", "service-key", chunkSize, f.srv.Client())
}

// patternReader is an io.ReaderAt over size synthetic bytes.
type patternReader struct{ size int64 }

func (p patternReader) ReadAt(b []byte, off int64) (int, error) {
	if off >= p.size {
		return 0, io.EOF
	}
	n := len(b)
	if rem := p.size - off; int64(n) > rem {
		n = int(rem)
	}
	for i := 0; i < n; i++ {
		b[i] = byte((off + int64(i)) % 251)
	}
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func patternDigest(size int64) []byte {
	h := sha256.New()
	_, _ = io.Copy(h, io.NewSectionReader(patternReader{size}, 0, size))
	return h.Sum(nil)
}

type fakeStats struct {
	patches  int
	offsets  []int64
	sizes    []int
	length   int64
	received int64
	metadata string
	headers  http.Header
	digest   []byte
}

func (f *fakeSupabase) stats() fakeStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeStats{
		patches:  f.patches,
		offsets:  append([]int64(nil), f.offsets...),
		sizes:    append([]int(nil), f.sizes...),
		length:   f.length,
		received: f.received,
		metadata: f.metadata,
		headers:  f.headers,
		digest:   f.digest.Sum(nil),
	}
}
