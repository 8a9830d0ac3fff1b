// ABOUTME: Tests for the assist-admin cobra commands using a fake client

package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-assist/internal/assist"
	"github.com/2389/coven-assist/internal/config"
)

type fakeClient struct {
	requests  []assist.RunRequest
	forgot    []string
	reply     assist.Reply
	agents    assist.AgentList
	forgetErr error
	cleanups  int
}

func (f *fakeClient) Run(_ context.Context, req assist.RunRequest) (assist.Reply, error) {
	f.requests = append(f.requests, req)
	return f.reply, nil
}

func (f *fakeClient) ListAgents(context.Context) (assist.AgentList, error) {
	return f.agents, nil
}

func (f *fakeClient) Forget(_ context.Context, key string) error {
	f.forgot = append(f.forgot, key)
	return f.forgetErr
}

func execute(t *testing.T, fc *fakeClient, args ...string) (string, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assist.yaml")
	require.NoError(t, os.WriteFile(path, []byte("assist:\n  host: ha:8123\n  token: tok\n"), 0644))

	opened := 0
	open := func(cfg *config.Config, _ *slog.Logger) (client, func(), error) {
		opened++
		return fc, func() { fc.cleanups++ }, nil
	}

	var out bytes.Buffer
	root := newRootCmd(open, &out)
	root.SetArgs(append([]string{"--config", path}, args...))
	err := root.Execute()
	assert.Equal(t, opened, fc.cleanups, "every opened client is released")
	return out.String(), err
}

func TestAsk(t *testing.T) {
	fc := &fakeClient{reply: assist.Reply{Text: "It is 3 PM.", ConversationID: "c9"}}

	out, err := execute(t, fc, "ask", "--key", "ops", "--new", "--agent", "01LLM", "what", "time", "is", "it")
	require.NoError(t, err)

	require.Len(t, fc.requests, 1)
	assert.Equal(t, assist.RunRequest{
		Text:            "what time is it",
		Agent:           "01LLM",
		ConversationKey: "ops",
		ForceNew:        true,
	}, fc.requests[0])
	assert.Contains(t, out, "It is 3 PM.")
	assert.Contains(t, out, "conversation: c9")
}

func TestAsk_Failures(t *testing.T) {
	_, err := execute(t, &fakeClient{reply: assist.Reply{TimedOut: true}}, "ask", "hello")
	assert.ErrorContains(t, err, "no response")

	_, err = execute(t, &fakeClient{reply: assist.Reply{Err: "intent-failed"}}, "ask", "hello")
	assert.ErrorContains(t, err, "intent-failed")

	_, err = execute(t, &fakeClient{}, "ask")
	assert.Error(t, err, "ask requires a question")
}

func TestFailingCommandsReleaseClient(t *testing.T) {
	fc := &fakeClient{reply: assist.Reply{TimedOut: true}}
	_, err := execute(t, fc, "ask", "hello")
	require.Error(t, err)
	assert.Equal(t, 1, fc.cleanups)

	fc = &fakeClient{forgetErr: errors.New("store unavailable")}
	_, err = execute(t, fc, "forget", "ops")
	assert.ErrorContains(t, err, "store unavailable")
	assert.Equal(t, 1, fc.cleanups)
}

func TestAgents(t *testing.T) {
	fc := &fakeClient{agents: assist.AgentList{
		Agents: []assist.Agent{
			{ID: "01HOME", Name: "Home Assistant", Language: "en", ConversationEngine: "conversation.home_assistant"},
			{ID: "01LLM", Name: "LLM", Language: "en"},
		},
		Preferred: "01HOME",
	}}

	out, err := execute(t, fc, "agents")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "01HOME")
	assert.Contains(t, out, "conversation.home_assistant")
	assert.Contains(t, out, "LLM")

	out, err = execute(t, &fakeClient{}, "agents")
	require.NoError(t, err)
	assert.Contains(t, out, "No agents found.")
}

func TestForget(t *testing.T) {
	fc := &fakeClient{}
	out, err := execute(t, fc, "forget", "@alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, []string{"@alice:example.org"}, fc.forgot)
	assert.Contains(t, out, "Forgot conversation for @alice:example.org")
}

func TestBadConfig(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd(func(*config.Config, *slog.Logger) (client, func(), error) {
		t.Fatal("open must not be called")
		return nil, nil, nil
	}, &out)
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "agents"})
	assert.ErrorContains(t, root.Execute(), "loading config")
}
