// ABOUTME: In-memory transport and scripted server used by the session tests.
// ABOUTME: fakeTransport records writes; autoServer answers auth, run and list requests.

package assist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/2389/coven-assist/internal/conversation"
)

var errTransportClosed = errors.New("transport closed")

type fakeTransport struct {
	in     chan []byte
	sent   chan []byte
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	failWrite func(data []byte) bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		sent:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, errTransportClosed
	}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	select {
	case <-f.closed:
		return errTransportClosed
	default:
	}
	f.mu.Lock()
	fail := f.failWrite != nil && f.failWrite(data)
	f.mu.Unlock()
	if fail {
		return errors.New("broken pipe")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.sent <- buf
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// feed delivers a server message to the session.
func (f *fakeTransport) feed(t *testing.T, v any) {
	t.Helper()
	var data []byte
	switch m := v.(type) {
	case string:
		data = []byte(m)
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	f.in <- data
}

// expectSent waits for the next message written by the session.
func (f *fakeTransport) expectSent(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-f.sent:
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("session sent invalid JSON %q: %v", data, err)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for session to send a message")
		return nil
	}
}

// fakeDialer hands out a fresh fakeTransport per dial.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	dials      chan *fakeTransport
	err        error
	onDial     func(ft *fakeTransport, n int)
	urls       []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dials: make(chan *fakeTransport, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Transport, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	if d.err != nil {
		err := d.err
		d.mu.Unlock()
		return nil, err
	}
	ft := newFakeTransport()
	d.transports = append(d.transports, ft)
	n := len(d.transports)
	onDial := d.onDial
	d.mu.Unlock()

	if onDial != nil {
		onDial(ft, n)
	}
	d.dials <- ft
	return ft, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) expectDial(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case ft := <-d.dials:
		return ft
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for dial")
		return nil
	}
}

// autoServer plays the assistant server on every dialed transport.
type autoServer struct {
	token string

	mu        sync.Mutex
	runs      []map[string]any
	lists     int
	convSeq   int
	silent    bool
	delay     time.Duration
	inFlight  int
	overlaps  int
	pipelines []Agent
}

func newAutoServer(token string) *autoServer {
	return &autoServer{
		token: token,
		pipelines: []Agent{
			{ID: "01HOME", Name: "Home Assistant", Language: "en"},
			{ID: "01LLM", Name: "LLM Agent", Language: "en"},
		},
	}
}

// attach makes the server answer on every transport the dialer creates.
func (a *autoServer) attach(t *testing.T, d *fakeDialer) {
	d.onDial = func(ft *fakeTransport, _ int) {
		go a.serve(t, ft)
	}
}

func (a *autoServer) serve(t *testing.T, ft *fakeTransport) {
	ft.in <- []byte(`{"type":"auth_required","ha_version":"2026.10.0"}`)
	for {
		select {
		case <-ft.closed:
			return
		case data := <-ft.sent:
			var m map[string]any
			if err := json.Unmarshal(data, &m); err != nil {
				t.Errorf("server got invalid JSON: %v", err)
				return
			}
			a.handle(ft, m)
		}
	}
}

func (a *autoServer) handle(ft *fakeTransport, m map[string]any) {
	switch m["type"] {
	case "auth":
		if m["access_token"] == a.token {
			ft.in <- []byte(`{"type":"auth_ok","ha_version":"2026.10.0"}`)
		} else {
			ft.in <- []byte(`{"type":"auth_invalid","message":"Invalid access token or password"}`)
		}

	case "assist_pipeline/run":
		a.mu.Lock()
		a.runs = append(a.runs, m)
		silent := a.silent
		delay := a.delay
		a.inFlight++
		if a.inFlight > 1 {
			a.overlaps++
		}
		conv, _ := m["conversation_id"].(string)
		if conv == "" {
			a.convSeq++
			conv = fmt.Sprintf("conv-%d", a.convSeq)
		}
		a.mu.Unlock()

		if silent {
			return
		}
		id := int64(m["id"].(float64))
		input, _ := m["input"].(map[string]any)
		text, _ := input["text"].(string)

		go func() {
			if delay > 0 {
				time.Sleep(delay)
			}
			a.mu.Lock()
			a.inFlight--
			a.mu.Unlock()
			ft.in <- mustJSON(map[string]any{"id": id, "type": "result", "success": true, "result": nil})
			ft.in <- mustJSON(pipelineEventMsg(id, "run-start", map[string]any{"pipeline": "01HOME"}))
			ft.in <- mustJSON(intentEndMsg(id, "echo: "+text, conv))
			ft.in <- mustJSON(pipelineEventMsg(id, "run-end", nil))
		}()

	case "assist_pipeline/pipeline/list":
		a.mu.Lock()
		a.lists++
		pipelines := a.pipelines
		silent := a.silent
		a.mu.Unlock()
		if silent {
			return
		}
		ft.in <- mustJSON(map[string]any{
			"id":      m["id"],
			"type":    "result",
			"success": true,
			"result": map[string]any{
				"pipelines":          pipelines,
				"preferred_pipeline": pipelines[0].ID,
			},
		})
	}
}

func (a *autoServer) recordedRuns() []map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]map[string]any, len(a.runs))
	copy(out, a.runs)
	return out
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func pipelineEventMsg(id int64, eventType string, data any) map[string]any {
	return map[string]any{
		"id":   id,
		"type": "event",
		"event": map[string]any{
			"type": eventType,
			"data": data,
		},
	}
}

func intentEndMsg(id int64, speech, conversationID string) map[string]any {
	return pipelineEventMsg(id, "intent-end", map[string]any{
		"intent_output": map[string]any{
			"conversation_id": conversationID,
			"response": map[string]any{
				"response_type": "action_done",
				"speech": map[string]any{
					"plain": map[string]any{"speech": speech, "extra_data": nil},
				},
			},
		},
	})
}

// memStore is an in-memory conversation.Store with optional failures.
type memStore struct {
	mu      sync.Mutex
	records map[string]string
	loadErr error
	saveErr error
	loads   int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]string)}
}

func (m *memStore) Load(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.loadErr != nil {
		return "", m.loadErr
	}
	id, ok := m.records[key]
	if !ok {
		return "", conversation.ErrNotFound
	}
	return id, nil
}

func (m *memStore) Save(_ context.Context, key, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.records[key] = id
	return nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

func (m *memStore) get(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[key]
}

func isRunMessage(data []byte) bool {
	return strings.Contains(string(data), `"assist_pipeline/run"`)
}
