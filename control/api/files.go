package api

import (
	"errors"
	"io/fs"
	"log"
	"net/http"
	"path"
	"slices"
	"strings"

	"github.com/spf13/afero"
)

// CredentialsFile is never served, even when it is in the web root.
const CredentialsFile = "creds.txt"

// ServeFiles makes unmatched GET requests read from root.  Files named in hidden, and
// CredentialsFile, are refused.
func (s *Server) ServeFiles(root afero.Fs, hidden ...string) {
	s.files = afero.NewHttpFs(root).Dir("/")
	s.hidden = append([]string{CredentialsFile}, hidden...)
}

func (s *Server) open(name string) (http.File, fs.FileInfo, error) {
	f, err := s.files.Open(name)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, fs.ErrNotExist
	}
	return f, info, nil
}

// ServeFile serves the web UI.  "/" is index.html, or the status page when there is no
// index.html.  A gzipped copy, name.gz, is preferred over name.
func (s *Server) ServeFile(w http.ResponseWriter, r *http.Request) {
	name := path.Clean("/" + r.URL.Path)
	if name == "/" {
		name = "/index.html"
	}
	if s.files == nil {
		if name == "/index.html" {
			s.ServeStatus(w, r)
			return
		}
		requestsCounter.WithLabelValues("file", "404").Inc()
		http.NotFound(w, r)
		return
	}
	if slices.Contains(s.hidden, strings.TrimSuffix(path.Base(name), ".gz")) {
		requestsCounter.WithLabelValues("file", "404").Inc()
		http.NotFound(w, r)
		return
	}

	f, info, err := s.open(name + ".gz")
	if err == nil {
		w.Header().Set("content-encoding", "gzip")
		w.Header().Add("vary", "accept-encoding")
	} else {
		f, info, err = s.open(name)
	}
	if err != nil {
		if name == "/index.html" && errors.Is(err, fs.ErrNotExist) {
			s.ServeStatus(w, r)
			return
		}
		if !errors.Is(err, fs.ErrNotExist) {
			log.Printf("open %s: %v", name, err)
		}
		requestsCounter.WithLabelValues("file", "404").Inc()
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	requestsCounter.WithLabelValues("file", "200").Inc()
	// ServeContent picks the content type from name, which has no .gz suffix.
	http.ServeContent(w, r, name, info.ModTime(), f)
}
