package results

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/openziti/vmlab/kernel/model"
	"github.com/openziti/vmlab/kernel/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Archive writes the results directory of tag to w as a gzipped tar, rooted at <tag>/.
func Archive(cfg *model.Config, tag string, w io.Writer) error {
	root := cfg.TestbedResultsDir(tag)
	if _, err := os.Stat(root); err != nil {
		return errors.Wrapf(err, "no results for [%s]", tag)
	}
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(cfg.ResultsDir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "unable to archive results of [%s]", tag)
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// Export writes <dir>/<tag>.tar.gz and returns its path.
func Export(cfg *model.Config, tag, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "unable to create [%s]", dir)
	}
	path := filepath.Join(dir, tag+".tar.gz")
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrapf(err, "unable to create [%s]", path)
	}
	if err := Archive(cfg, tag, f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	return path, f.Close()
}

// S3Target names where an exported archive is uploaded. Endpoint is only needed for
// S3-compatible stores other than AWS.
type S3Target struct {
	Bucket   string
	Key      string
	Region   string
	Endpoint string
	// AccessKey and SecretKey override the default credential chain when set.
	AccessKey string
	SecretKey string
}

// Upload copies the file at path to the S3 target and returns its location.
func Upload(ctx context.Context, path string, target S3Target, log *logrus.Entry) (string, error) {
	awsCfg := &aws.Config{Region: aws.String(target.Region)}
	if target.Endpoint != "" {
		awsCfg.Endpoint = aws.String(target.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if target.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(target.AccessKey, target.SecretKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return "", errors.Wrap(err, "unable to create AWS session")
	}
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "unable to open [%s]", path)
	}
	defer func() { _ = f.Close() }()

	key := target.Key
	if key == "" {
		key = filepath.Base(path)
	}
	out, err := s3manager.NewUploader(sess).UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(target.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return "", errors.Wrapf(err, "unable to upload [%s] to s3://%s/%s", path, target.Bucket, key)
	}
	log.Infof("uploaded [%s] to %s", path, out.Location)
	return out.Location, nil
}

// Clean removes the results directories of tags that have no State Store record, and returns
// the removed tags.
func Clean(cfg *model.Config, s store.StateStore, log *logrus.Entry) ([]string, error) {
	entries, err := os.ReadDir(cfg.ResultsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "unable to read [%s]", cfg.ResultsDir)
	}
	active, err := s.ListTestbeds()
	if err != nil {
		return nil, err
	}
	live := map[string]bool{}
	for _, tag := range active {
		live[tag] = true
	}
	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() || live[entry.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(cfg.ResultsDir, entry.Name())); err != nil {
			return removed, errors.Wrapf(err, "unable to remove results of [%s]", entry.Name())
		}
		log.Infof("removed results of [%s]", entry.Name())
		removed = append(removed, entry.Name())
	}
	sort.Strings(removed)
	return removed, nil
}
