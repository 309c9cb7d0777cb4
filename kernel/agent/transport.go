package agent

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
	"github.com/pkg/errors"
)

// Endpoint names a control channel: "unix:<path>" for a virtio-serial chardev socket, or
// "vsock:<cid>:<port>".
type Endpoint string

func UnixEndpoint(path string) Endpoint {
	return Endpoint("unix:" + path)
}

func VsockEndpoint(cid, port uint32) Endpoint {
	return Endpoint("vsock:" + strconv.FormatUint(uint64(cid), 10) + ":" + strconv.FormatUint(uint64(port), 10))
}

// Dialer opens a control channel transport.
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint) (net.Conn, error)
}

type DefaultDialer struct{}

func (DefaultDialer) Dial(ctx context.Context, endpoint Endpoint) (net.Conn, error) {
	scheme, rest, found := strings.Cut(string(endpoint), ":")
	if !found {
		return nil, errors.Errorf("malformed agent endpoint [%s]", endpoint)
	}
	switch scheme {
	case "unix":
		var d net.Dialer
		return d.DialContext(ctx, "unix", rest)

	case "vsock":
		cidText, portText, found := strings.Cut(rest, ":")
		if !found {
			return nil, errors.Errorf("malformed vsock endpoint [%s]", endpoint)
		}
		cid, err := strconv.ParseUint(cidText, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "vsock cid in [%s]", endpoint)
		}
		port, err := strconv.ParseUint(portText, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "vsock port in [%s]", endpoint)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := vsock.Dial(uint32(cid), uint32(port), nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return nil, errors.Errorf("unknown agent transport [%s]", scheme)
}
