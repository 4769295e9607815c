package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	cmdNewSession         = "WebDriver:NewSession"
	cmdDeleteSession      = "WebDriver:DeleteSession"
	cmdSetContext         = "Marionette:SetContext"
	cmdExecuteAsyncScript = "WebDriver:ExecuteAsyncScript"

	maxFrameSize = 64 << 20
)

const getSettingScript = `
var name = arguments[0];
var req = window.navigator.mozSettings.createLock().get(name);
req.onsuccess = function() { marionetteScriptFinished(req.result[name]); };
req.onerror = function() { marionetteScriptFinished(null); };
`

const setSettingScript = `
var setting = {};
setting[arguments[0]] = arguments[1];
var req = window.navigator.mozSettings.createLock().set(setting);
req.onsuccess = function() { marionetteScriptFinished(true); };
req.onerror = function() { marionetteScriptFinished(false); };
`

// ProtocolError is an error reported by the remote end.
type ProtocolError struct {
	Code       string `json:"error"`
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("marionette %s: %s", e.Code, e.Message)
}

// Marionette speaks the length-prefixed JSON Marionette protocol.
type Marionette struct {
	Serial string
	Host   string
	Port   int

	DialTimeout   time.Duration
	PollInterval  time.Duration
	ScriptTimeout time.Duration

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	nextID    int
	sessionID string
}

// NewMarionette builds an unconnected client.
func NewMarionette(serial, host string, port int) *Marionette {
	if host == "" {
		host = "localhost"
	}
	return &Marionette{
		Serial:        serial,
		Host:          host,
		Port:          port,
		DialTimeout:   5 * time.Second,
		PollInterval:  time.Second,
		ScriptTimeout: 30 * time.Second,
	}
}

func (m *Marionette) address() string {
	return net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
}

// SessionID returns the id of the running session, empty when none.
func (m *Marionette) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// WaitForPort dials until the handshake succeeds or timeout elapses. The probe
// connection is closed again.
func (m *Marionette) WaitForPort(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, _, err := m.dial(ctx)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(err, "marionette port %s not ready after %s", m.address(), timeout)
		}
		log.Debug().Err(err).Str("addr", m.address()).Msg("waiting for marionette port")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.PollInterval):
		}
	}
}

// Start connects and opens a chrome-context session.
func (m *Marionette) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		conn, reader, err := m.dial(ctx)
		if err != nil {
			return err
		}
		m.conn, m.reader = conn, reader
	}
	var result struct {
		SessionID string `json:"sessionId"`
	}
	if err := m.call(ctx, cmdNewSession, map[string]any{}, &result); err != nil {
		return errors.Wrap(err, "start marionette session")
	}
	m.sessionID = result.SessionID
	if err := m.call(ctx, cmdSetContext, map[string]any{"value": "chrome"}, nil); err != nil {
		return errors.Wrap(err, "switch to chrome context")
	}
	log.Info().Str("serial", m.Serial).Str("session", m.sessionID).Msg("marionette session started")
	return nil
}

// Cleanup deletes the session and closes the connection.
func (m *Marionette) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	var err error
	if m.sessionID != "" {
		err = m.call(ctx, cmdDeleteSession, map[string]any{}, nil)
	}
	if closeErr := m.conn.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	m.conn, m.reader, m.sessionID = nil, nil, ""
	if err != nil {
		return errors.Wrap(err, "cleanup marionette session")
	}
	return nil
}

// GetSetting reads a device setting through navigator.mozSettings.
func (m *Marionette) GetSetting(ctx context.Context, name string) (any, error) {
	var value any
	if err := m.executeAsync(ctx, getSettingScript, []any{name}, &value); err != nil {
		return nil, errors.Wrapf(err, "get setting %s", name)
	}
	return value, nil
}

// SetSetting writes a device setting through navigator.mozSettings.
func (m *Marionette) SetSetting(ctx context.Context, name string, value any) error {
	var ok bool
	if err := m.executeAsync(ctx, setSettingScript, []any{name, value}, &ok); err != nil {
		return errors.Wrapf(err, "set setting %s", name)
	}
	if !ok {
		return errors.Errorf("set setting %s: rejected by device", name)
	}
	return nil
}

func (m *Marionette) executeAsync(ctx context.Context, script string, args []any, out any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return errors.New("marionette session not started")
	}
	params := map[string]any{
		"script":        script,
		"args":          args,
		"scriptTimeout": m.ScriptTimeout.Milliseconds(),
	}
	var result struct {
		Value json.RawMessage `json:"value"`
	}
	if err := m.call(ctx, cmdExecuteAsyncScript, params, &result); err != nil {
		return err
	}
	if out == nil || len(result.Value) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(result.Value, out), "decode script result")
}

func (m *Marionette) dial(ctx context.Context) (net.Conn, *bufio.Reader, error) {
	dialer := net.Dialer{Timeout: m.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", m.address())
	if err != nil {
		return nil, nil, errors.Wrapf(err, "dial %s", m.address())
	}
	reader := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(m.DialTimeout))
	raw, err := readFrame(reader)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		_ = conn.Close()
		return nil, nil, errors.Wrap(err, "read marionette handshake")
	}
	var hello struct {
		ApplicationType string `json:"applicationType"`
		Protocol        int    `json:"marionetteProtocol"`
	}
	if err := json.Unmarshal(raw, &hello); err != nil {
		_ = conn.Close()
		return nil, nil, errors.Wrap(err, "decode marionette handshake")
	}
	log.Debug().Str("application", hello.ApplicationType).Int("protocol", hello.Protocol).Msg("marionette handshake")
	return conn, reader, nil
}

// call sends one command and decodes its result. m.mu must be held.
func (m *Marionette) call(ctx context.Context, name string, params any, out any) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = m.conn.SetDeadline(deadline)
		defer m.conn.SetDeadline(time.Time{})
	}
	m.nextID++
	id := m.nextID
	payload, err := json.Marshal([]any{0, id, name, params})
	if err != nil {
		return errors.Wrapf(err, "encode %s", name)
	}
	if err := writeFrame(m.conn, payload); err != nil {
		return errors.Wrapf(err, "send %s", name)
	}
	for {
		raw, err := readFrame(m.reader)
		if err != nil {
			return errors.Wrapf(err, "receive %s", name)
		}
		var msg []json.RawMessage
		if err := json.Unmarshal(raw, &msg); err != nil || len(msg) != 4 {
			return errors.Errorf("malformed response to %s: %s", name, raw)
		}
		var kind, respID int
		if err := json.Unmarshal(msg[0], &kind); err != nil || kind != 1 {
			continue
		}
		if err := json.Unmarshal(msg[1], &respID); err != nil || respID != id {
			log.Warn().Int("want", id).RawJSON("id", msg[1]).Msg("drop out of order marionette response")
			continue
		}
		if string(msg[2]) != "null" {
			perr := &ProtocolError{}
			if err := json.Unmarshal(msg[2], perr); err != nil {
				return errors.Errorf("%s failed: %s", name, msg[2])
			}
			return perr
		}
		if out == nil {
			return nil
		}
		return errors.Wrapf(json.Unmarshal(msg[3], out), "decode %s result", name)
	}
}

func writeFrame(w io.Writer, payload []byte) error {
	if _, err := io.WriteString(w, strconv.Itoa(len(payload))+":"); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	head, err := r.ReadString(':')
	if err != nil {
		return nil, err
	}
	size, err := strconv.Atoi(head[:len(head)-1])
	if err != nil || size < 0 || size > maxFrameSize {
		return nil, errors.Errorf("invalid frame length %q", head)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
