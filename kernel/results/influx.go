package results

import (
	"context"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	influxdb1 "github.com/influxdata/influxdb1-client/v2"
	"github.com/openziti/vmlab/kernel/model"
	"github.com/pkg/errors"
)

// InfluxDB1Sink batches points and writes them to an InfluxDB 1.x database.
type InfluxDB1Sink struct {
	client    influxdb1.Client
	database  string
	BatchSize int

	mu      sync.Mutex
	pending []*influxdb1.Point
}

func NewInfluxDB1Sink(cfg model.SinkConfig) (*InfluxDB1Sink, error) {
	if cfg.Database == "" {
		return nil, errors.New("influxdb1 sink needs a database")
	}
	c, err := influxdb1.NewHTTPClient(influxdb1.HTTPConfig{
		Addr:     cfg.URL,
		Username: cfg.Username,
		Password: cfg.Password,
		Timeout:  10 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to create influxdb1 client for [%s]", cfg.URL)
	}
	return &InfluxDB1Sink{client: c, database: cfg.Database, BatchSize: 100}, nil
}

func (s *InfluxDB1Sink) Write(_ context.Context, p *Point) error {
	pt, err := influxdb1.NewPoint(p.Measurement, p.AllTags(), p.Fields, p.Time)
	if err != nil {
		return errors.Wrapf(err, "invalid point from [%s/%s]", p.Instance, p.App)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, pt)
	if len(s.pending) < s.BatchSize {
		return nil
	}
	return s.flush()
}

// flush must be called with s.mu held.
func (s *InfluxDB1Sink) flush() error {
	if len(s.pending) == 0 {
		return nil
	}
	bp, err := influxdb1.NewBatchPoints(influxdb1.BatchPointsConfig{Database: s.database, Precision: "ns"})
	if err != nil {
		return err
	}
	for _, pt := range s.pending {
		bp.AddPoint(pt)
	}
	if err := s.client.Write(bp); err != nil {
		return errors.Wrapf(err, "unable to write %d point(s) to influxdb1 [%s]", len(s.pending), s.database)
	}
	s.pending = nil
	return nil
}

func (s *InfluxDB1Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.flush()
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// InfluxDB2Sink writes each point to an InfluxDB 2.x bucket.
type InfluxDB2Sink struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	bucket string
}

func NewInfluxDB2Sink(cfg model.SinkConfig) *InfluxDB2Sink {
	c := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxDB2Sink{client: c, write: c.WriteAPIBlocking(cfg.Org, cfg.Bucket), bucket: cfg.Bucket}
}

func (s *InfluxDB2Sink) Write(ctx context.Context, p *Point) error {
	pt := influxdb2.NewPoint(p.Measurement, p.AllTags(), p.Fields, p.Time)
	if err := s.write.WritePoint(ctx, pt); err != nil {
		return errors.Wrapf(err, "unable to write to influxdb2 bucket [%s]", s.bucket)
	}
	return nil
}

func (s *InfluxDB2Sink) Close() error {
	s.client.Close()
	return nil
}
