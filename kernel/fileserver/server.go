// Package fileserver serves the testbed package directory over HTTP on the management network,
// so instances can fetch package files without a copy step.
package fileserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Server struct {
	Root string
	srv  *http.Server
	ln   net.Listener
	done chan struct{}
	log  *logrus.Entry
}

// Start serves root read-only at addr until Stop.
func Start(root, addr string, log *logrus.Entry) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to listen on [%s]", addr)
	}
	s := &Server{Root: root, ln: ln, done: make(chan struct{}), log: log.WithField("addr", ln.Addr().String())}
	s.srv = &http.Server{
		Handler:           s.logged(http.FileServer(http.Dir(root))),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("file server failed")
		}
	}()
	s.log.Infof("serving [%s]", root)
	return s, nil
}

// URL is the base URL the server answers on.
func (s *Server) URL() string {
	return "http://" + s.ln.Addr().String() + "/"
}

func (s *Server) Stop(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	<-s.done
	if err != nil {
		return errors.Wrap(err, "file server did not shut down cleanly")
	}
	s.log.Info("stopped")
	return nil
}

func (s *Server) logged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		entry := s.log.WithFields(logrus.Fields{"remote": r.RemoteAddr, "path": r.URL.Path, "status": rec.status})
		if rec.status >= http.StatusBadRequest {
			entry.Warn("request failed")
			return
		}
		entry.Debug("served")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
