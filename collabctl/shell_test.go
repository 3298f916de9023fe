package main

import (
	"bytes"
	"context"
	"log"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/docopt/docopt-go"
	"github.com/go-playground/assert/v2"

	"github.com/bringyour/collab/collab"
	"github.com/bringyour/collab/collab/server"
)

func captureOut(t *testing.T) *bytes.Buffer {
	out := &bytes.Buffer{}
	previousOut := Out
	previousErr := Err
	Out = log.New(out, "", 0)
	Err = log.New(out, "", 0)
	t.Cleanup(func() {
		Out = previousOut
		Err = previousErr
	})
	return out
}

func newTestShellState(t *testing.T, docId string) (*server.Server, *shellState) {
	ctx, cancel := context.WithCancel(context.Background())
	collabServer := server.NewWithDefaults(ctx)
	httpServer := httptest.NewServer(collabServer)

	opts := docopt.Opts{
		"<doc_id>":    docId,
		"--origin":    httpServer.URL,
		"--state_dir": "none",
	}
	session, closeSession := newSession(ctx, opts)
	t.Cleanup(func() {
		closeSession()
		cancel()
		httpServer.Close()
	})

	state := &shellState{
		ctx:     ctx,
		session: session,
		docMap:  collab.NewDocMap(),
	}
	return collabServer, state
}

func testShellParser() *docopt.Parser {
	return &docopt.Parser{
		HelpHandler: func(err error, usage string) {
			if err == nil {
				Out.Printf("%s", usage)
			} else {
				Err.Printf("invalid")
			}
		},
	}
}

func TestShellAppendAndExport(t *testing.T) {
	out := captureOut(t)
	collabServer, state := newTestShellState(t, "doc-a")
	state.attach()

	input := strings.Join([]string{
		`append "hello world" second`,
		`wait --timeout=5s`,
		`export`,
		`status`,
		`quit`,
		`export`,
	}, "\n")
	runShell(strings.NewReader(input), testShellParser(), state)

	assert.Equal(t, state.doc.Len(), 2)
	assert.Equal(t, collabServer.UpdateCount("doc-a"), 2)

	output := out.String()
	assert.Equal(t, strings.Contains(output, "\thello world\n"), true)
	assert.Equal(t, strings.Contains(output, "\tsecond\n"), true)
	assert.Equal(t, strings.Contains(output, "synced in"), true)
	assert.Equal(t, strings.Contains(output, "status=connected"), true)
	// nothing runs after quit
	assert.Equal(t, strings.Count(output, "checksum "), 1)
}

func TestShellDetachAttach(t *testing.T) {
	out := captureOut(t)
	_, state := newTestShellState(t, "doc-a")
	state.attach()

	input := strings.Join([]string{
		`append one`,
		`detach`,
		`status`,
		`attach`,
		`wait`,
	}, "\n")
	runShell(strings.NewReader(input), testShellParser(), state)

	// the replica survives detach
	assert.Equal(t, state.doc.Len(), 1)
	assert.Equal(t, state.session.Snapshot().DocEpoch, 2)

	output := out.String()
	assert.Equal(t, strings.Contains(output, "detached"), true)
	assert.Equal(t, strings.Contains(output, "status=disconnected"), true)
	assert.Equal(t, strings.Contains(output, "attached epoch=2"), true)
}

func TestShellInvalidInput(t *testing.T) {
	out := captureOut(t)
	_, state := newTestShellState(t, "doc-a")

	input := strings.Join([]string{
		`append "unterminated`,
		`unknown`,
		`export`,
		`help`,
	}, "\n")
	runShell(strings.NewReader(input), testShellParser(), state)

	output := out.String()
	assert.Equal(t, strings.Contains(output, "invalid"), true)
	// export before attach
	assert.Equal(t, strings.Contains(output, "Not attached."), true)
	assert.Equal(t, strings.Contains(output, "Collab shell."), true)
}
