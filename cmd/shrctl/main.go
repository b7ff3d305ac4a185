// shrctl is a thin CLI front end over the shrq queue and shmap map
// libraries. It is peripheral to both: every subcommand is a handful of
// library calls plus formatting, matching the role cmd/tk and cmd/sloty
// play for their own packages.
//
// Usage:
//
//	shrctl create queue|map <name> [flags]
//	shrctl destroy queue|map <name>
//	shrctl list
//	shrctl add <name> <value>
//	shrctl remove <name>
//	shrctl drain <name>
//	shrctl watch <name>
//	shrctl monitor <name>
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/shrmem/shrmem/pkg/shmap"
	"github.com/shrmem/shrmem/pkg/shrarena"
	"github.com/shrmem/shrmem/pkg/shrq"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "shrctl: %v (%s)\n", err, shrarena.Explain(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return errors.New("missing command")
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "create":
		return runCreate(rest)
	case "destroy":
		return runDestroy(rest)
	case "list":
		return runList(rest)
	case "add":
		return runAdd(rest)
	case "remove":
		return runRemove(rest)
	case "drain":
		return runDrain(rest)
	case "watch":
		return runWatch(rest)
	case "monitor":
		return runMonitor(rest)
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  shrctl create queue|map <name> [flags]")
	fmt.Fprintln(os.Stderr, "  shrctl destroy queue|map <name>")
	fmt.Fprintln(os.Stderr, "  shrctl list [<name>...]")
	fmt.Fprintln(os.Stderr, "  shrctl add <queue-name> <value>")
	fmt.Fprintln(os.Stderr, "  shrctl remove <queue-name>")
	fmt.Fprintln(os.Stderr, "  shrctl drain <queue-name>")
	fmt.Fprintln(os.Stderr, "  shrctl watch <queue-name>")
	fmt.Fprintln(os.Stderr, "  shrctl monitor <queue-name>")
}

func runCreate(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: shrctl create queue|map <name> [flags]")
	}
	kind, name, rest := args[0], args[1], args[2:]

	fs := pflag.NewFlagSet("create", pflag.ContinueOnError)
	maxDepth := fs.Uint64("max-depth", 0, "queue: cap on live items, 0 = unbounded")
	maxBytes := fs.Uint64("max-bytes", 0, "map: cap on total byte allocation, 0 = unbounded")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	switch kind {
	case "queue":
		q, err := shrq.Create(shrq.Options{Name: name, MaxDepth: *maxDepth})
		if err != nil {
			return fmt.Errorf("creating queue %s: %w", name, err)
		}
		defer q.Close()
		fmt.Printf("created queue %s (max_depth=%d)\n", name, *maxDepth)
	case "map":
		m, err := shmap.Create(shmap.Options{Name: name, MaxByteSize: *maxBytes})
		if err != nil {
			return fmt.Errorf("creating map %s: %w", name, err)
		}
		defer m.Close()
		fmt.Printf("created map %s (max_bytes=%d)\n", name, *maxBytes)
	default:
		return fmt.Errorf("unknown kind %q, want queue or map", kind)
	}
	return nil
}

func runDestroy(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: shrctl destroy queue|map <name>")
	}
	kind, name := args[0], args[1]
	switch kind {
	case "queue":
		if err := shrq.Destroy(name); err != nil {
			return fmt.Errorf("destroying queue %s: %w", name, err)
		}
	case "map":
		if err := shmap.Destroy(name); err != nil {
			return fmt.Errorf("destroying map %s: %w", name, err)
		}
	default:
		return fmt.Errorf("unknown kind %q, want queue or map", kind)
	}
	fmt.Printf("destroyed %s %s\n", kind, name)
	return nil
}

// runList reports the kind of each named shared object by reading its
// sidecar .meta descriptor (written by shrarena.Create), which identifies
// an object's tag/version without mapping it. If no names are given, every
// *.meta file under /dev/shm is listed.
func runList(args []string) error {
	if len(args) == 0 {
		entries, err := os.ReadDir("/dev/shm")
		if err != nil {
			return fmt.Errorf("reading /dev/shm: %w", err)
		}
		for _, e := range entries {
			if name, ok := strings.CutSuffix(e.Name(), ".meta"); ok {
				args = append(args, "/"+name)
			}
		}
	}
	for _, name := range args {
		tag, version, err := shrarena.DescribeMeta(name)
		if err != nil {
			fmt.Printf("%s\t(not a recognized shrmem object)\n", filepath.Clean(name))
			continue
		}
		fmt.Printf("%s\t%s\tv%d\n", name, kindForTag(tag), version)
	}
	return nil
}

func kindForTag(tag [4]byte) string {
	switch string(tag[:]) {
	case "shrq":
		return "queue"
	case "shmp":
		return "map"
	default:
		return fmt.Sprintf("unknown(%q)", string(tag[:]))
	}
}

func openQueue(name string, mode shrq.Mode) (*shrq.Queue, error) {
	return shrq.Open(name, mode)
}

func runAdd(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: shrctl add <queue-name> <value>")
	}
	name, value := args[0], strings.Join(args[1:], " ")

	q, err := openQueue(name, shrq.WriteOnly)
	if err != nil {
		return fmt.Errorf("opening queue %s: %w", name, err)
	}
	defer q.Close()

	if err := q.Add([]byte(value)); err != nil {
		return fmt.Errorf("add: %w", err)
	}
	fmt.Printf("added %d bytes to %s\n", len(value), name)
	return nil
}

func runRemove(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: shrctl remove <queue-name>")
	}
	name := args[0]

	q, err := openQueue(name, shrq.ReadOnly)
	if err != nil {
		return fmt.Errorf("opening queue %s: %w", name, err)
	}
	defer q.Close()

	item, err := q.Remove()
	if err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	fmt.Printf("%s (added %s)\n", string(item.Value), item.Timestamp.Format(time.RFC3339Nano))
	return nil
}

// runDrain removes and prints every item currently in the queue, stopping
// at the first ErrEmpty rather than blocking for more.
func runDrain(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: shrctl drain <queue-name>")
	}
	name := args[0]

	q, err := openQueue(name, shrq.ReadOnly)
	if err != nil {
		return fmt.Errorf("opening queue %s: %w", name, err)
	}
	defer q.Close()

	n := 0
	for {
		item, err := q.Remove()
		if err != nil {
			break
		}
		fmt.Printf("%4d. %s\n", n+1, string(item.Value))
		n++
	}
	fmt.Printf("drained %d item(s)\n", n)
	return nil
}

// runWatch blocks on RemoveWait in a loop, printing each item as it
// arrives until interrupted.
func runWatch(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: shrctl watch <queue-name>")
	}
	name := args[0]

	q, err := openQueue(name, shrq.ReadOnly)
	if err != nil {
		return fmt.Errorf("opening queue %s: %w", name, err)
	}
	defer q.Close()

	fmt.Printf("watching %s, press Ctrl-C to stop\n", name)
	for {
		item, err := q.RemoveWait()
		if err != nil {
			return fmt.Errorf("remove_wait: %w", err)
		}
		fmt.Printf("[%s] %s\n", item.Timestamp.Format(time.RFC3339Nano), string(item.Value))
	}
}

// runMonitor opens an interactive prompt over a queue: subscribes to its
// events and lets the operator issue ad hoc count/prod/unsubscribe
// commands while events print as they arrive, the same role liner plays
// in cmd/sloty's REPL.
func runMonitor(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: shrctl monitor <queue-name>")
	}
	name := args[0]

	q, err := openQueue(name, shrq.ReadWrite)
	if err != nil {
		return fmt.Errorf("opening queue %s: %w", name, err)
	}
	defer q.Close()

	// Events are recorded only while a monitor pid is registered; this
	// process registers itself and ignores the notify signal, since it
	// polls Event() instead.
	signal.Ignore(syscall.SIGUSR2)
	q.Monitor(os.Getpid(), int(syscall.SIGUSR2))
	q.Subscribe(shrq.EventNonEmpty)
	q.Subscribe(shrq.EventEmpty)
	q.Subscribe(shrq.EventLimit)

	repl := newMonitorREPL(q, name)
	return repl.run()
}
