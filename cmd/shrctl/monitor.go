package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/shrmem/shrmem/pkg/shrq"
)

// monitorREPL is an interactive prompt over a subscribed queue: events are
// polled and printed on a short tick while the operator issues ad hoc
// commands, mirroring the role cmd/sloty's REPL plays over a slotcache.
type monitorREPL struct {
	q    *shrq.Queue
	name string
	line *liner.State
	done chan struct{}
}

func newMonitorREPL(q *shrq.Queue, name string) *monitorREPL {
	return &monitorREPL{q: q, name: name, done: make(chan struct{})}
}

func (r *monitorREPL) run() error {
	r.line = liner.NewLiner()
	defer r.line.Close()
	r.line.SetCtrlCAborts(true)
	r.line.SetCompleter(r.completer)

	go r.pollEvents()
	defer close(r.done)

	fmt.Printf("shrctl monitor %s - subscribed to NONEMPTY/EMPTY/LIMIT\n", r.name)
	fmt.Println("commands: count, prod, unsubscribe <event>, help, exit")

	for {
		line, err := r.line.Prompt("monitor> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println()
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.line.AppendHistory(line)

		parts := strings.Fields(line)
		switch parts[0] {
		case "exit", "quit", "q":
			return nil
		case "help", "?":
			r.printHelp()
		case "count":
			r.cmdCount()
		case "prod":
			r.q.Prod()
			fmt.Println("OK: prodded")
		case "unsubscribe":
			r.cmdUnsubscribe(parts[1:])
		default:
			fmt.Printf("unknown command: %s\n", parts[0])
		}
	}
}

func (r *monitorREPL) printHelp() {
	fmt.Println("  count                 show live item count")
	fmt.Println("  prod                  wake one blocked reader without enqueuing")
	fmt.Println("  unsubscribe <event>   disarm nonempty|empty|limit")
	fmt.Println("  exit                  leave the monitor")
}

func (r *monitorREPL) cmdCount() {
	n, err := r.q.Count()
	if err != nil {
		fmt.Fprintf(os.Stderr, "count: %v\n", err)
		return
	}
	fmt.Printf("count: %d\n", n)
}

func (r *monitorREPL) cmdUnsubscribe(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: unsubscribe <event>")
		return
	}
	ev, ok := parseEventName(args[0])
	if !ok {
		fmt.Printf("unknown event %q\n", args[0])
		return
	}
	r.q.Unsubscribe(ev)
	fmt.Printf("OK: unsubscribed %s\n", ev)
}

func parseEventName(s string) (shrq.Event, bool) {
	switch strings.ToLower(s) {
	case "nonempty":
		return shrq.EventNonEmpty, true
	case "empty":
		return shrq.EventEmpty, true
	case "limit":
		return shrq.EventLimit, true
	case "level":
		return shrq.EventLevel, true
	case "time":
		return shrq.EventTime, true
	case "init":
		return shrq.EventInit, true
	default:
		return 0, false
	}
}

// pollEvents drains the queue's event record list on a short tick and
// prints each one; Event() itself never blocks.
func (r *monitorREPL) pollEvents() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			for {
				e := r.q.Event()
				if e == shrq.EventNone {
					break
				}
				fmt.Printf("\nevent: %s\n%s", e, "monitor> ")
			}
		}
	}
}

func (r *monitorREPL) completer(line string) []string {
	commands := []string{"count", "prod", "unsubscribe", "help", "exit", "quit"}
	var out []string
	for _, c := range commands {
		if strings.HasPrefix(c, line) {
			out = append(out, c)
		}
	}
	return out
}
