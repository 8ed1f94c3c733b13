package qemu

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

type qmpBanner struct {
	QMP struct {
		Version struct {
			QEMU struct {
				Major int
				Minor int
				Micro int
			}
		}
	}
}

type qmpCommand struct {
	Execute   string      `json:"execute"`
	Arguments interface{} `json:"arguments,omitempty"`
}

type hmpCommand struct {
	Command string `json:"command-line"`
	CPU     int    `json:"cpu-index"`
}

type qmpError struct {
	Class string
	Desc  string
}

type qmpResponse struct {
	Event  string          `json:"event"`
	Error  *qmpError       `json:"error"`
	Return json.RawMessage `json:"return"`
}

// monitor is a QMP client. Commands are issued one at a time. After an I/O error
// the connection is dropped and the next command opens a new session, so a reply
// that arrives after its deadline is never read as the answer to a later command.
type monitor struct {
	path string
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder

	// asynchronous events received while waiting for replies
	events []string
}

// dialMonitor connects to the QMP socket, retrying until QEMU created it or ctx is
// done, and negotiates capabilities.
func dialMonitor(ctx context.Context, path string) (*monitor, error) {
	m := &monitor{path: path}
	if err := m.connect(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *monitor) connect(ctx context.Context) error {
	var conn net.Conn
	var err error
	dialer := net.Dialer{}
	for {
		conn, err = dialer.DialContext(ctx, "unix", m.path)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("qmp dial %v: %w", m.path, err)
		case <-time.After(50 * time.Millisecond):
		}
	}

	m.conn = conn
	m.enc = json.NewEncoder(conn)
	m.dec = json.NewDecoder(conn)
	m.setDeadline(ctx)
	var banner qmpBanner
	if err := m.dec.Decode(&banner); err != nil {
		m.drop()
		return fmt.Errorf("qmp banner: %w", err)
	}
	resp, err := m.roundTrip(ctx, "qmp_capabilities", nil)
	if err != nil {
		m.drop()
		return err
	}
	if resp.Error != nil {
		m.drop()
		return fmt.Errorf("qmp qmp_capabilities: %v: %v", resp.Error.Class, resp.Error.Desc)
	}
	return nil
}

// drop closes a connection whose encoder or decoder saw an error.
func (m *monitor) drop() {
	if m.conn != nil {
		m.conn.Close()
	}
	m.conn, m.enc, m.dec = nil, nil, nil
}

func (m *monitor) setDeadline(ctx context.Context) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	m.conn.SetDeadline(deadline)
}

func (m *monitor) recv() (*qmpResponse, error) {
	for {
		resp := new(qmpResponse)
		if err := m.dec.Decode(resp); err != nil {
			return nil, err
		}
		if resp.Event != "" {
			m.events = append(m.events, resp.Event)
			continue
		}
		return resp, nil
	}
}

func (m *monitor) execute(ctx context.Context, cmd string, args interface{}) (json.RawMessage, error) {
	if m.conn == nil {
		if err := m.connect(ctx); err != nil {
			return nil, fmt.Errorf("qmp %v: reconnect: %w", cmd, err)
		}
	}
	resp, err := m.roundTrip(ctx, cmd, args)
	if err != nil {
		m.drop()
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("qmp %v: %v: %v", cmd, resp.Error.Class, resp.Error.Desc)
	}
	if resp.Return == nil {
		return nil, fmt.Errorf(`qmp %v: no "return" nor "error" in reply`, cmd)
	}
	return resp.Return, nil
}

// roundTrip sends one command and reads its reply. Errors are I/O errors.
func (m *monitor) roundTrip(ctx context.Context, cmd string, args interface{}) (*qmpResponse, error) {
	m.setDeadline(ctx)
	if err := m.enc.Encode(&qmpCommand{Execute: cmd, Arguments: args}); err != nil {
		return nil, fmt.Errorf("qmp %v: %w", cmd, err)
	}
	resp, err := m.recv()
	if err != nil {
		return nil, fmt.Errorf("qmp %v: %w", cmd, err)
	}
	return resp, nil
}

// hmp runs a human monitor command and returns its textual output.
func (m *monitor) hmp(ctx context.Context, cmd string) (string, error) {
	ret, err := m.execute(ctx, "human-monitor-command", &hmpCommand{Command: cmd})
	if err != nil {
		return "", err
	}
	var out string
	if err := json.Unmarshal(ret, &out); err != nil {
		return "", fmt.Errorf("hmp %q: unexpected reply %s", cmd, ret)
	}
	return out, nil
}

// takeEvents returns and clears the events seen so far.
func (m *monitor) takeEvents() []string {
	ev := m.events
	m.events = nil
	return ev
}

func (m *monitor) close() error {
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn, m.enc, m.dec = nil, nil, nil
	return err
}
