// Package results stores what Applications measure and packages a testbed's results directory.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openziti/vmlab/kernel/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// DataFile is the JSONL file a testbed's points are appended to inside its results directory.
const DataFile = "data.jsonl"

// Point is one measurement reported by an Application.
type Point struct {
	Tag         string            `json:"tag"`
	Instance    string            `json:"instance"`
	App         string            `json:"app"`
	Measurement string            `json:"measurement"`
	Fields      map[string]any    `json:"fields"`
	Tags        map[string]string `json:"tags,omitempty"`
	Time        time.Time         `json:"time"`
}

// AllTags merges the point's identity into its own tags.
func (p *Point) AllTags() map[string]string {
	tags := map[string]string{"tag": p.Tag, "instance": p.Instance, "app": p.App}
	for k, v := range p.Tags {
		tags[k] = v
	}
	return tags
}

// StringTags renders agent supplied tag values.
func StringTags(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = fmt.Sprint(v)
	}
	return out
}

type Sink interface {
	Write(ctx context.Context, p *Point) error
	Close() error
}

// Open builds the sinks configured for a testbed. The JSONL file sink is always included when
// a results directory is configured.
func Open(cfg *model.Config, tag string, log *logrus.Entry) (Sink, error) {
	var sinks Multi
	if cfg.ResultsDir != "" {
		fs, err := NewFileSink(filepath.Join(cfg.TestbedResultsDir(tag), DataFile))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
	}
	for _, sc := range cfg.Sinks {
		var sink Sink
		var err error
		switch sc.Type {
		case "file":
			continue
		case "influxdb1":
			sink, err = NewInfluxDB1Sink(sc)
		case "influxdb2":
			sink = NewInfluxDB2Sink(sc)
		default:
			err = errors.Errorf("unknown sink type [%s]", sc.Type)
		}
		if err != nil {
			_ = sinks.Close()
			return nil, model.Resource("results", err)
		}
		log.Infof("writing results to %s sink [%s]", sc.Type, sc.URL)
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

// Multi writes every point to each of its sinks.
type Multi []Sink

func (m Multi) Write(ctx context.Context, p *Point) error {
	var errs error
	for _, s := range m {
		if err := s.Write(ctx, p); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (m Multi) Close() error {
	var errs error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// FileSink appends points to a JSONL file.
type FileSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
	enc  *json.Encoder
}

func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, model.Resource("results", errors.Wrapf(err, "unable to create [%s]", filepath.Dir(path)))
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, model.Resource("results", errors.Wrapf(err, "unable to open [%s]", path))
	}
	return &FileSink{path: path, f: f, enc: json.NewEncoder(f)}, nil
}

func (s *FileSink) Write(_ context.Context, p *Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.Errorf("sink [%s] is closed", s.path)
	}
	return errors.Wrapf(s.enc.Encode(p), "unable to append to [%s]", s.path)
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
