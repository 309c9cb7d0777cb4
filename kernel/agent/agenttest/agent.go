// Package agenttest provides an in-process agent speaking the control channel protocol,
// for tests of the components that drive instances.
package agenttest

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/openziti/vmlab/kernel/agent"
	"github.com/openziti/vmlab/kernel/model"
)

// Agent is a scriptable fake. Configure fields before Serve.
type Agent struct {
	Instance string
	// Skew is how far this agent's clock runs ahead of the host clock.
	Skew time.Duration
	// Mute drops hello requests, so the instance never becomes ready.
	Mute       bool
	SetupExit  int
	SetupDelay time.Duration
	Refuse     map[agent.MessageType]string
	Files      map[string][]byte

	mu       sync.Mutex
	enc      *json.Encoder
	adjust   time.Duration
	starts   map[string]time.Time
	requests map[string]*agent.AppStartPayload
	stops    []string
	running  map[string]chan struct{}
	shutdown bool
	done     chan struct{}
}

func New(instance string) *Agent {
	return &Agent{
		Instance: instance,
		Refuse:   map[agent.MessageType]string{},
		Files:    map[string][]byte{},
		starts:   map[string]time.Time{},
		requests: map[string]*agent.AppStartPayload{},
		running:  map[string]chan struct{}{},
		done:     make(chan struct{}),
	}
}

// Pipe serves one end of an in-memory connection and returns the other.
func (a *Agent) Pipe() net.Conn {
	host, guest := net.Pipe()
	go a.Serve(guest)
	return host
}

// Serve handles requests until conn closes. A later connection replaces an earlier one.
func (a *Agent) Serve(conn net.Conn) {
	enc := json.NewEncoder(conn)
	connDone := make(chan struct{})
	a.mu.Lock()
	a.enc = enc
	a.mu.Unlock()
	defer func() {
		_ = conn.Close()
		close(connDone)
		a.mu.Lock()
		if a.enc == enc {
			a.enc = nil
		}
		a.mu.Unlock()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 64<<20)
	for scanner.Scan() {
		msg := &agent.Message{}
		if err := json.Unmarshal(scanner.Bytes(), msg); err != nil {
			continue
		}
		if reason, refused := a.Refuse[msg.Type]; refused {
			a.reply(msg, &agent.Message{Type: agent.MsgError, Error: reason})
			continue
		}
		if !a.handle(msg, connDone) {
			a.mu.Lock()
			select {
			case <-a.done:
			default:
				close(a.done)
			}
			a.mu.Unlock()
			return
		}
	}
}

func (a *Agent) handle(msg *agent.Message, connDone chan struct{}) bool {
	switch msg.Type {
	case agent.MsgHello:
		if !a.Mute {
			a.reply(msg, payload(agent.MsgReady, &agent.ReadyPayload{Version: "test", Hostname: a.Instance}))
		}

	case agent.MsgExec:
		go func() {
			select {
			case <-time.After(a.SetupDelay):
			case <-connDone:
				return
			}
			a.reply(msg, &agent.Message{Type: agent.MsgExit, ExitCode: a.SetupExit})
		}()

	case agent.MsgClock:
		a.reply(msg, payload(agent.MsgClock, &agent.ClockPayload{Now: a.Now().UnixNano()}))

	case agent.MsgClockAdjust:
		p := &agent.ClockAdjustPayload{}
		_ = json.Unmarshal(msg.Payload, p)
		a.mu.Lock()
		a.adjust += time.Duration(p.Offset)
		a.mu.Unlock()
		a.reply(msg, &agent.Message{Type: agent.MsgAck})

	case agent.MsgAppStart:
		p := &agent.AppStartPayload{}
		_ = json.Unmarshal(msg.Payload, p)
		stop := make(chan struct{})
		a.mu.Lock()
		a.running[p.App] = stop
		a.requests[p.App] = p
		a.mu.Unlock()
		a.reply(msg, &agent.Message{Type: agent.MsgAck})
		go a.run(p, stop, connDone)

	case agent.MsgAppStop:
		p := &agent.AppStopPayload{}
		_ = json.Unmarshal(msg.Payload, p)
		a.mu.Lock()
		a.stops = append(a.stops, p.App)
		if stop, found := a.running[p.App]; found {
			close(stop)
			delete(a.running, p.App)
		}
		a.mu.Unlock()
		a.reply(msg, &agent.Message{Type: agent.MsgAck})

	case agent.MsgFileGet:
		p := &agent.FilePayload{}
		_ = json.Unmarshal(msg.Payload, p)
		a.mu.Lock()
		data, found := a.Files[p.Path]
		a.mu.Unlock()
		if !found {
			a.reply(msg, &agent.Message{Type: agent.MsgError, Error: "no such file"})
		} else {
			a.reply(msg, payload(agent.MsgFileData, &agent.FilePayload{Path: p.Path, Data: data, Mode: 0600}))
		}

	case agent.MsgFilePut:
		p := &agent.FilePayload{}
		_ = json.Unmarshal(msg.Payload, p)
		a.mu.Lock()
		a.Files[p.Path] = p.Data
		a.mu.Unlock()
		a.reply(msg, &agent.Message{Type: agent.MsgAck})

	case agent.MsgShutdown:
		a.mu.Lock()
		a.shutdown = true
		a.mu.Unlock()
		a.reply(msg, &agent.Message{Type: agent.MsgAck})
		return false
	}
	return true
}

func (a *Agent) run(p *agent.AppStartPayload, stop, connDone chan struct{}) {
	wait := time.Until(time.Unix(0, p.StartAt).Add(-a.clockOffset()))
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-stop:
			return
		case <-connDone:
			return
		}
	}
	started := a.Now()
	a.mu.Lock()
	a.starts[p.App] = started
	a.mu.Unlock()
	a.Emit(agent.MsgEvent, &agent.EventPayload{App: p.App, Kind: model.EventStarted, Timestamp: started.UnixNano()})

	if p.Runtime == 0 {
		return
	}
	select {
	case <-time.After(time.Duration(p.Runtime)):
	case <-stop:
	case <-connDone:
		return
	}
	a.mu.Lock()
	delete(a.running, p.App)
	a.mu.Unlock()
	a.Emit(agent.MsgEvent, &agent.EventPayload{App: p.App, Kind: model.EventFinished, Timestamp: a.Now().UnixNano()})
}

func (a *Agent) clockOffset() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Skew + a.adjust
}

// Now is the agent's clock.
func (a *Agent) Now() time.Time {
	return time.Now().Add(a.clockOffset())
}

// Emit sends an unsolicited message.
func (a *Agent) Emit(t agent.MessageType, p any) {
	a.send(payload(t, p))
}

func (a *Agent) reply(req, msg *agent.Message) {
	msg.Ref = req.ID
	a.send(msg)
}

func (a *Agent) send(msg *agent.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enc != nil {
		_ = a.enc.Encode(msg)
	}
}

// Starts returns the agent-clock time each Application started, converted back to the
// host clock.
func (a *Agent) Starts() map[string]time.Time {
	offset := a.clockOffset()
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]time.Time, len(a.starts))
	for k, v := range a.starts {
		out[k] = v.Add(-offset)
	}
	return out
}

// Request returns the last start request received for app.
func (a *Agent) Request(app string) *agent.AppStartPayload {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[app]
}

func (a *Agent) Stops() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.stops...)
}

func (a *Agent) ShutdownRequested() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shutdown
}

// Done is closed once the agent has processed a shutdown request.
func (a *Agent) Done() <-chan struct{} { return a.done }

func payload(t agent.MessageType, p any) *agent.Message {
	raw, _ := json.Marshal(p)
	return &agent.Message{Type: t, Payload: raw}
}
