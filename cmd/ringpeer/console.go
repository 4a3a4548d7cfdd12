package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/zde37/ringpeer/internal/chord"
	"github.com/zde37/ringpeer/pkg"
)

// errQuit ends the process after a graceful departure.
var errQuit = errors.New("quit")

type commandKind int

const (
	cmdNone commandKind = iota
	cmdRequest
	cmdQuit
)

type command struct {
	kind commandKind
	key  int
}

// parseCommand parses one operator line: "request <key>" or "quit".
func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{kind: cmdNone}, nil
	}

	switch strings.ToLower(fields[0]) {
	case "request":
		if len(fields) != 2 {
			return command{}, fmt.Errorf("usage: request <key>")
		}
		key, err := strconv.Atoi(fields[1])
		if err != nil {
			return command{}, fmt.Errorf("%w: %q", pkg.ErrInvalidKey, fields[1])
		}
		return command{kind: cmdRequest, key: key}, nil
	case "quit":
		if len(fields) != 1 {
			return command{}, fmt.Errorf("usage: quit")
		}
		return command{kind: cmdQuit}, nil
	}
	return command{}, fmt.Errorf("unknown command %q (want \"request <key>\" or \"quit\")", fields[0])
}

// consolePeer is what the operator console drives.
type consolePeer interface {
	Lookup(ctx context.Context, key int) error
	Leave(ctx context.Context) error
}

// console reads operator commands and prints ring events. It implements
// chord.RingUpdateBroadcaster.
type console struct {
	peer   consolePeer
	in     io.Reader
	logger *pkg.Logger

	mu  sync.Mutex
	out io.Writer
}

func newConsole(peer consolePeer, in io.Reader, out io.Writer, logger *pkg.Logger) *console {
	return &console{
		peer:   peer,
		in:     in,
		out:    out,
		logger: logger.WithFields(pkg.Fields{"component": "console"}),
	}
}

// BroadcastRingUpdate prints the event's message on its own line.
func (c *console) BroadcastRingUpdate(update any) error {
	ev, ok := update.(chord.RingUpdateEvent)
	if !ok || ev.Message == "" {
		return nil
	}
	c.println(ev.Message)
	return nil
}

func (c *console) println(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, line)
}

// Run executes commands until ctx ends or the operator quits, in which case it
// returns errQuit once the departure notice is out. End of input leaves the
// peer running until ctx ends.
func (c *console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			c.logger.Warn().Err(err).Msg("Reading operator input failed")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				c.logger.Debug().Msg("Operator input closed")
				<-ctx.Done()
				return nil
			}
			if err := c.execute(ctx, line); err != nil {
				return err
			}
		}
	}
}

func (c *console) execute(ctx context.Context, line string) error {
	cmd, err := parseCommand(line)
	if err != nil {
		c.println(err.Error())
		return nil
	}

	switch cmd.kind {
	case cmdRequest:
		if err := c.peer.Lookup(ctx, cmd.key); err != nil {
			// the failure is also reported as a ring event
			c.logger.Debug().Err(err).Int("key", cmd.key).Msg("Lookup failed")
			if errors.Is(err, pkg.ErrInvalidKey) {
				c.println(err.Error())
			}
		}
	case cmdQuit:
		if err := c.peer.Leave(ctx); err != nil {
			c.logger.Error().Err(err).Msg("Departure failed")
		}
		return errQuit
	}
	return nil
}
