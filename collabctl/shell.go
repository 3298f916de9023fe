package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/mattn/go-shellwords"

	"github.com/bringyour/collab/collab"
)

const shellUsage = `Collab shell.

Usage:
    collab append <text>...
    collab export
    collab status
    collab wait [--timeout=<timeout>]
    collab detach
    collab attach
    collab quit

Options:
    --timeout=<timeout>    Sync timeout [default: 10s].`

// one session kept across shell commands
type shellState struct {
	ctx     context.Context
	session *collab.Session
	docMap  *collab.DocMap
	doc     *collab.Doc
}

func (self *shellState) attach() {
	result, err := self.session.Attach(self.ctx, self.docMap)
	if err != nil {
		Err.Printf("Could not attach (%s).", err)
		return
	}
	self.doc = result.Doc
	Out.Printf("attached epoch=%d", self.session.Snapshot().DocEpoch)
}

func (self *shellState) detach() {
	self.session.Detach()
	Out.Printf("detached")
}

func (self *shellState) requireDoc() bool {
	if self.doc == nil {
		Err.Printf("Not attached.")
		return false
	}
	return true
}

func (self *shellState) appendText(texts []string) {
	if !self.requireDoc() {
		return
	}
	for _, text := range texts {
		update := self.doc.Insert([]byte(text))
		Out.Printf("%s", update.Id)
	}
}

func (self *shellState) export() {
	if !self.requireDoc() {
		return
	}
	for _, update := range self.doc.Updates() {
		Out.Printf("%s\t%s", update.Id, update.Data)
	}
	Out.Printf("checksum %s", self.doc.Checksum())
}

func (self *shellState) status() {
	snapshot := self.session.Snapshot()
	updateCount := 0
	if self.doc != nil {
		updateCount = self.doc.Len()
	}
	Out.Printf(
		"%s epoch=%d status=%s hydrated=%t synced=%t cache=%t updates=%d",
		snapshot.DocId,
		snapshot.DocEpoch,
		snapshot.ConnectionStatus,
		snapshot.Hydrated,
		snapshot.Synced,
		snapshot.LocalCacheHydrated,
		updateCount,
	)
}

func (self *shellState) wait(syncTimeout time.Duration) {
	start := time.Now()
	if err := awaitSynced(self.session, syncTimeout); err != nil {
		Err.Printf("Not synced (%s).", err)
		return
	}
	Out.Printf("synced in %s", time.Since(start).Round(time.Millisecond))
}

// run commands against one doc session until quit or end of input
func shell(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, closeSession := newSession(ctx, opts)
	defer closeSession()

	// the doc map outlives detach so a later attach resumes the same replica
	state := &shellState{
		ctx:     ctx,
		session: session,
		docMap:  collab.NewDocMap(),
	}
	state.attach()

	parser := &docopt.Parser{
		HelpHandler: func(err error, usage string) {
			if err == nil {
				Out.Printf("%s", usage)
			} else {
				Err.Printf("Invalid command or arguments. Use 'help' for usage.")
			}
		},
	}

	runShell(os.Stdin, parser, state)
}

func runShell(in io.Reader, parser *docopt.Parser, state *shellState) {
	reader := bufio.NewReader(in)
	for {
		fmt.Print("> ")

		line, readErr := reader.ReadString('\n')
		line = strings.TrimSpace(line)

		if line == "help" {
			parser.HelpHandler(nil, shellUsage)
		} else if line != "" {
			// quotes group words into one argument
			args, err := shellwords.Parse(line)
			if err != nil {
				parser.HelpHandler(err, shellUsage)
			} else if cmdOpts, err := parser.ParseArgs(shellUsage, args, ""); err != nil {
				glog.V(2).Infof("[shell]parse error = %s\n", err)
			} else if !runShellCommand(cmdOpts, state) {
				return
			}
		}

		if readErr != nil {
			fmt.Println()
			return
		}
	}
}

// false when the shell should exit
func runShellCommand(cmdOpts docopt.Opts, state *shellState) bool {
	if append_, _ := cmdOpts.Bool("append"); append_ {
		texts, _ := cmdOpts["<text>"].([]string)
		state.appendText(texts)
	} else if export_, _ := cmdOpts.Bool("export"); export_ {
		state.export()
	} else if status_, _ := cmdOpts.Bool("status"); status_ {
		state.status()
	} else if wait_, _ := cmdOpts.Bool("wait"); wait_ {
		timeoutStr, _ := cmdOpts.String("--timeout")
		syncTimeout, err := time.ParseDuration(timeoutStr)
		if err != nil {
			Err.Printf("Invalid timeout (%s).", err)
		} else {
			state.wait(syncTimeout)
		}
	} else if detach_, _ := cmdOpts.Bool("detach"); detach_ {
		state.detach()
	} else if attach_, _ := cmdOpts.Bool("attach"); attach_ {
		state.attach()
	} else if quit_, _ := cmdOpts.Bool("quit"); quit_ {
		return false
	}
	return true
}
