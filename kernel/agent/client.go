package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrClosed       = errors.New("agent connection closed")
	ErrClockSkew    = errors.New("clock offset exceeds tolerance")
	ErrSetupFailed  = errors.New("setup script failed")
	ErrAgentRefused = errors.New("agent refused request")
)

// maxLine bounds one protocol line; file transfers are base64 inside JSON.
const maxLine = 64 << 20

// Direction of a file copy relative to the instance.
type Direction int

const (
	CopyFromInstance Direction = iota
	CopyToInstance
)

// Copier moves files between the host and an instance.
type Copier interface {
	CopyFile(ctx context.Context, dir Direction, remote, local string) error
}

// Client is the controller side of one instance's control channel. Requests are matched to
// replies by ID; everything else the agent sends is queued in arrival order on Events.
type Client struct {
	instance string
	conn     io.ReadWriteCloser
	log      *logrus.Entry

	writeMu sync.Mutex
	enc     *json.Encoder

	pending cmap.ConcurrentMap[string, chan *Message]

	queueMu sync.Mutex
	queue   []Event
	wake    chan struct{}
	events  chan Event

	closeOnce sync.Once
	closed    chan struct{}
	err       error

	// offset (ns) is subtracted from agent timestamps to express them on the controller clock.
	offset atomic.Int64
}

// NewClient wraps an established transport and starts reading from it.
func NewClient(instance string, conn io.ReadWriteCloser, log *logrus.Entry) *Client {
	c := &Client{
		instance: instance,
		conn:     conn,
		log:      log.WithField("instance", instance),
		enc:      json.NewEncoder(conn),
		pending:  cmap.New[chan *Message](),
		wake:     make(chan struct{}, 1),
		events:   make(chan Event),
		closed:   make(chan struct{}),
	}
	go c.read()
	go c.pump()
	return c
}

func (c *Client) Instance() string { return c.instance }

// Events delivers unsolicited agent reports for this instance in FIFO order. The channel is
// closed after the connection drops and the backlog has been delivered.
func (c *Client) Events() <-chan Event { return c.events }

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.closed }

func (c *Client) Err() error {
	select {
	case <-c.closed:
		return c.err
	default:
		return nil
	}
}

func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		_ = c.conn.Close()
		close(c.closed)
		for _, id := range c.pending.Keys() {
			if ch, found := c.pending.Pop(id); found {
				close(ch)
			}
		}
		c.signal()
	})
}

func (c *Client) read() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		msg := &Message{}
		if err := json.Unmarshal(scanner.Bytes(), msg); err != nil {
			c.log.WithError(err).Warn("discarding malformed agent message")
			continue
		}
		c.dispatch(msg)
	}
	err := scanner.Err()
	if err == nil {
		err = ErrClosed
	}
	c.shutdown(errors.Wrap(err, "agent channel"))
}

func (c *Client) dispatch(msg *Message) {
	if msg.Ref != "" {
		if ch, found := c.pending.Pop(msg.Ref); found {
			ch <- msg
			return
		}
		c.log.Debugf("dropping reply [%s] to unknown request [%s]", msg.Type, msg.Ref)
		return
	}

	ev := Event{Instance: c.instance, Received: time.Now()}
	switch msg.Type {
	case MsgEvent:
		p := &EventPayload{}
		if err := msg.decode(p); err != nil {
			c.log.WithError(err).Warn("malformed event")
			return
		}
		ev.Type, ev.App, ev.Kind, ev.ExitCode = EventApp, p.App, p.Kind, p.ExitCode
		ev.Timestamp = c.toController(p.Timestamp)
	case MsgLog:
		p := &LogPayload{}
		if err := msg.decode(p); err != nil {
			c.log.WithError(err).Warn("malformed log")
			return
		}
		ev.Type, ev.App, ev.Stream, ev.Line = EventLog, p.App, p.Stream, p.Line
	case MsgData:
		p := &DataPayload{}
		if err := msg.decode(p); err != nil {
			c.log.WithError(err).Warn("malformed data")
			return
		}
		ev.Type, ev.App, ev.Measurement, ev.Fields, ev.Tags = EventData, p.App, p.Measurement, p.Fields, p.Tags
		ev.Timestamp = c.toController(p.Timestamp)
	case MsgPreserve:
		p := &PreservePayload{}
		if err := msg.decode(p); err != nil {
			c.log.WithError(err).Warn("malformed preserve request")
			return
		}
		ev.Type, ev.App, ev.Path = EventPreserve, p.App, p.Path
	default:
		c.log.Debugf("ignoring unsolicited [%s]", msg.Type)
		return
	}

	c.queueMu.Lock()
	c.queue = append(c.queue, ev)
	c.queueMu.Unlock()
	c.signal()
}

func (c *Client) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// pump moves queued events to the consumer so a slow consumer never stalls replies.
func (c *Client) pump() {
	defer close(c.events)
	for {
		c.queueMu.Lock()
		if len(c.queue) == 0 {
			c.queueMu.Unlock()
			select {
			case <-c.wake:
				continue
			case <-c.closed:
				c.queueMu.Lock()
				drained := len(c.queue) == 0
				c.queueMu.Unlock()
				if drained {
					return
				}
				continue
			}
		}
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.queueMu.Unlock()
		c.events <- next
	}
}

func (c *Client) toController(agentNs int64) time.Time {
	ts := fromUnixNano(agentNs)
	if ts.IsZero() {
		return ts
	}
	return ts.Add(-time.Duration(c.offset.Load()))
}

func (c *Client) send(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return c.err
	default:
	}
	if err := c.enc.Encode(msg); err != nil {
		return errors.Wrapf(err, "unable to send [%s] to [%s]", msg.Type, c.instance)
	}
	return nil
}

// request sends a message and waits for the reply carrying its ID.
func (c *Client) request(ctx context.Context, t MessageType, payload any) (*Message, error) {
	msg, err := newMessage(t, uuid.NewString(), payload)
	if err != nil {
		return nil, err
	}
	ch := make(chan *Message, 1)
	c.pending.Set(msg.ID, ch)
	defer c.pending.Remove(msg.ID)

	if err := c.send(msg); err != nil {
		return nil, err
	}
	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, errors.Wrapf(c.err, "[%s] to [%s]", t, c.instance)
		}
		if reply.Type == MsgError {
			return reply, errors.Wrapf(ErrAgentRefused, "[%s] on [%s]: %s", t, c.instance, reply.Error)
		}
		return reply, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "[%s] to [%s]", t, c.instance)
	case <-c.closed:
		return nil, errors.Wrapf(c.err, "[%s] to [%s]", t, c.instance)
	}
}

// Hello performs the handshake; a reply means the agent is up.
func (c *Client) Hello(ctx context.Context) (*ReadyPayload, error) {
	reply, err := c.request(ctx, MsgHello, &HelloPayload{Instance: c.instance})
	if err != nil {
		return nil, err
	}
	if reply.Type != MsgReady {
		return nil, errors.Errorf("unexpected handshake reply [%s] from [%s]", reply.Type, c.instance)
	}
	ready := &ReadyPayload{}
	if err := reply.decode(ready); err != nil {
		return nil, errors.Wrap(err, "malformed ready payload")
	}
	return ready, nil
}

// RunSetupScript runs a one-shot script with /bin/sh; a non-zero exit is an error.
func (c *Client) RunSetupScript(ctx context.Context, script string, env map[string]string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	reply, err := c.request(ctx, MsgExec, &ExecPayload{
		Command: []string{"/bin/sh", "-c", script},
		Env:     env,
		Timeout: timeout.Milliseconds(),
	})
	if err != nil {
		return err
	}
	if reply.ExitCode != 0 {
		return errors.Wrapf(ErrSetupFailed, "[%s] exited with %d", c.instance, reply.ExitCode)
	}
	return nil
}

func (c *Client) StartApplication(ctx context.Context, spec *AppStartPayload) error {
	_, err := c.request(ctx, MsgAppStart, spec)
	return err
}

func (c *Client) StopApplication(ctx context.Context, app string) error {
	_, err := c.request(ctx, MsgAppStop, &AppStopPayload{App: app})
	return err
}

// ToAgent converts a controller time into the agent's clock, for start timestamps.
func (c *Client) ToAgent(t time.Time) int64 {
	return t.Add(time.Duration(c.offset.Load())).UnixNano()
}

// SyncClock measures the agent's offset from the controller clock over rounds exchanges,
// keeps the lowest-latency sample, asks the agent to step its clock by that amount and then
// verifies the residual is within tolerance. The measured offset stays applied to timestamps
// from this instance either way.
func (c *Client) SyncClock(ctx context.Context, rounds int, tolerance time.Duration) (time.Duration, error) {
	offset, rtt, err := c.measure(ctx, rounds)
	if err != nil {
		return 0, err
	}
	if _, err := c.request(ctx, MsgClockAdjust, &ClockAdjustPayload{Offset: -int64(offset)}); err != nil {
		c.offset.Store(int64(offset))
		return offset, err
	}
	residual, rtt, err := c.measure(ctx, rounds)
	if err != nil {
		return 0, err
	}
	c.offset.Store(int64(residual))
	bound := abs(residual) + rtt/2
	if tolerance > 0 && bound > tolerance {
		return residual, errors.Wrapf(ErrClockSkew, "[%s] offset %s, tolerance %s", c.instance, bound, tolerance)
	}
	c.log.Debugf("clock offset %s (initial %s, rtt %s)", residual, offset, rtt)
	return residual, nil
}

func (c *Client) measure(ctx context.Context, rounds int) (offset, rtt time.Duration, err error) {
	if rounds < 1 {
		rounds = 1
	}
	rtt = -1
	for i := 0; i < rounds; i++ {
		t0 := time.Now()
		reply, err := c.request(ctx, MsgClock, &ClockPayload{Now: t0.UnixNano()})
		if err != nil {
			return 0, 0, err
		}
		t1 := time.Now()
		p := &ClockPayload{}
		if err := reply.decode(p); err != nil {
			return 0, 0, errors.Wrap(err, "malformed clock reply")
		}
		sample := t1.Sub(t0)
		if rtt < 0 || sample < rtt {
			rtt = sample
			mid := t0.Add(sample / 2)
			offset = fromUnixNano(p.Now).Sub(mid)
		}
	}
	return offset, rtt, nil
}

// CopyFile transfers one file over the control channel.
func (c *Client) CopyFile(ctx context.Context, dir Direction, remote, local string) error {
	switch dir {
	case CopyFromInstance:
		reply, err := c.request(ctx, MsgFileGet, &FilePayload{Path: remote})
		if err != nil {
			return err
		}
		p := &FilePayload{}
		if err := reply.decode(p); err != nil {
			return errors.Wrap(err, "malformed file reply")
		}
		if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
			return err
		}
		mode := os.FileMode(0644)
		if p.Mode != 0 {
			mode = os.FileMode(p.Mode).Perm()
		}
		return errors.Wrapf(os.WriteFile(local, p.Data, mode), "unable to write [%s]", local)

	case CopyToInstance:
		data, err := os.ReadFile(local)
		if err != nil {
			return errors.Wrapf(err, "unable to read [%s]", local)
		}
		var mode uint32
		if fi, err := os.Stat(local); err == nil {
			mode = uint32(fi.Mode().Perm())
		}
		_, err = c.request(ctx, MsgFilePut, &FilePayload{Path: remote, Data: data, Mode: mode})
		return err
	}
	return errors.Errorf("unknown copy direction %d", dir)
}

// Shutdown asks the guest to power off. The connection dropping counts as success.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.request(ctx, MsgShutdown, nil)
	if err != nil {
		select {
		case <-c.closed:
			return nil
		default:
		}
	}
	return err
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
