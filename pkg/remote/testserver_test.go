package remote

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzip"
)

// testServer is a minimal in-memory implementation of the protocol in
// spec §6, used only by this package's own tests to give the client
// something real to talk to. It is not the production remote server,
// which is out of scope (spec §1).
type testServer struct {
	mu       sync.Mutex
	blobs    map[BlobKind]map[string][]byte
	registry Registry
}

func newTestServer() *testServer {
	return &testServer{
		blobs: map[BlobKind]map[string][]byte{
			Object:   {},
			Layer:    {},
			Metadata: {},
		},
		registry: Registry{},
	}
}

func (s *testServer) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/blobs/{kind}/{key}", s.headBlob).Methods(http.MethodHead)
	r.HandleFunc("/blobs/{kind}/{key}", s.getBlob).Methods(http.MethodGet)
	r.HandleFunc("/blobs/{kind}/{key}", s.putBlob).Methods(http.MethodPut)
	r.HandleFunc("/blobs/{kind}", s.listBlobs).Methods(http.MethodGet)
	r.HandleFunc("/registry", s.getRegistry).Methods(http.MethodGet)
	r.HandleFunc("/registry", s.putRegistry).Methods(http.MethodPut)
	return r
}

func (s *testServer) headBlob(w http.ResponseWriter, r *http.Request) {
	kind, key := BlobKind(mux.Vars(r)["kind"]), mux.Vars(r)["key"]
	s.mu.Lock()
	_, ok := s.blobs[kind][key]
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *testServer) getBlob(w http.ResponseWriter, r *http.Request) {
	kind, key := BlobKind(mux.Vars(r)["kind"]), mux.Vars(r)["key"]
	s.mu.Lock()
	data, ok := s.blobs[kind][key]
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Header.Get("Accept-Encoding") == "gzip" {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(http.StatusOK)
		gz := gzip.NewWriter(w)
		gz.Write(data)
		gz.Close()
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *testServer) putBlob(w http.ResponseWriter, r *http.Request) {
	kind, key := BlobKind(mux.Vars(r)["kind"]), mux.Vars(r)["key"]
	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		defer gz.Close()
		body = gz
	}
	data, err := io.ReadAll(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.mu.Lock()
	s.blobs[kind][key] = data
	s.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
}

func (s *testServer) listBlobs(w http.ResponseWriter, r *http.Request) {
	kind := BlobKind(mux.Vars(r)["kind"])
	s.mu.Lock()
	keys := make([]string, 0, len(s.blobs[kind]))
	for k := range s.blobs[kind] {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	json.NewEncoder(w).Encode(keys)
}

func (s *testServer) getRegistry(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.registry) == 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(s.registry)
}

func (s *testServer) putRegistry(w http.ResponseWriter, r *http.Request) {
	var reg Registry
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.mu.Lock()
	s.registry = reg
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}
