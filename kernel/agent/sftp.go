package agent

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/openziti/vmlab/kernel/model"
	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPCopier copies files over ssh on the management network. It is independent of the
// control channel and of the console holder.
type SFTPCopier struct {
	Address string
	User    string
	Port    int
	signer  ssh.Signer
}

func NewSFTPCopier(address string, cfg *model.SSHConfig) (*SFTPCopier, error) {
	if cfg == nil || cfg.KeyFile == "" {
		return nil, errors.New("ssh is not configured")
	}
	key, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read private key")
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse private key")
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	user := cfg.User
	if user == "" {
		user = "root"
	}
	return &SFTPCopier{Address: address, User: user, Port: port, signer: signer}, nil
}

func (s *SFTPCopier) dial(ctx context.Context) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User:            s.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(s.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	addr := net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to connect to %s", addr)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "ssh handshake with %s", addr)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (s *SFTPCopier) CopyFile(ctx context.Context, dir Direction, remote, local string) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	client, err := sftp.NewClient(conn)
	if err != nil {
		return errors.Wrap(err, "unable to start sftp session")
	}
	defer func() { _ = client.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	switch dir {
	case CopyFromInstance:
		src, err := client.Open(remote)
		if err != nil {
			return errors.Wrapf(err, "unable to open remote [%s]", remote)
		}
		defer func() { _ = src.Close() }()
		if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
			return err
		}
		dst, err := os.Create(local)
		if err != nil {
			return err
		}
		defer func() { _ = dst.Close() }()
		_, err = io.Copy(dst, src)
		return errors.Wrapf(err, "copying [%s]", remote)

	case CopyToInstance:
		src, err := os.Open(local)
		if err != nil {
			return err
		}
		defer func() { _ = src.Close() }()
		if err := client.MkdirAll(filepath.Dir(remote)); err != nil {
			return errors.Wrapf(err, "unable to create remote dir for [%s]", remote)
		}
		dst, err := client.Create(remote)
		if err != nil {
			return errors.Wrapf(err, "unable to create remote [%s]", remote)
		}
		defer func() { _ = dst.Close() }()
		_, err = io.Copy(dst, src)
		return errors.Wrapf(err, "copying [%s]", local)
	}
	return errors.Errorf("unknown copy direction %d", dir)
}
