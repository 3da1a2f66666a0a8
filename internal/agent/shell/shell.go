// Package shell implements the interactive REPL for poking a live
// agent over the bus. Lines of the form "<module> <json>" publish a
// request to the module's input subject; replies and module errors are
// printed as they arrive.
package shell

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aiori-io/aiori/internal/common/logger"
	"github.com/aiori-io/aiori/internal/events"
	"github.com/aiori-io/aiori/internal/events/bus"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Shell is a line-oriented client for one agent.
type Shell struct {
	bus     bus.Bus
	logger  *logger.Logger
	agentID string
	in      io.Reader
	out     io.Writer

	printMu sync.Mutex

	mu      sync.Mutex
	watched map[string]bus.Subscription
}

// New creates a shell targeting the given agent.
func New(b bus.Bus, agentID string, in io.Reader, out io.Writer, log *logger.Logger) *Shell {
	return &Shell{
		bus:     b,
		logger:  log.WithFields(zap.String("component", "shell")),
		agentID: agentID,
		in:      in,
		out:     out,
		watched: make(map[string]bus.Subscription),
	}
}

// Run reads commands until "exit" or EOF. Replies arrive on bus
// goroutines and interleave with the prompt.
func (s *Shell) Run(ctx context.Context) error {
	outSub, err := s.bus.Subscribe(events.AgentOutputSubject(s.agentID), s.printer("OUTPUT"))
	if err != nil {
		return fmt.Errorf("subscribe agent output: %w", err)
	}
	defer func() {
		_ = outSub.Unsubscribe()
		s.mu.Lock()
		for _, sub := range s.watched {
			_ = sub.Unsubscribe()
		}
		s.watched = make(map[string]bus.Subscription)
		s.mu.Unlock()
	}()

	s.printf("targeting agent %s\n", s.agentID)
	s.printf("usage: <module> <json>   (\"exit\" quits)\n")

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		if ctx.Err() != nil {
			return nil
		}
		s.printf("%s> ", s.agentID)
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "exit" || line == "quit":
			return nil
		case line == "help":
			s.printf("send a request:    <module> <json-object>\n")
			s.printf("quit the shell:    exit\n")
			continue
		}

		if err := s.send(ctx, line); err != nil {
			s.printf("error: %v\n", err)
		}
	}
}

// send parses one request line and publishes it with a workflow id.
// A caller-supplied workflow_id is kept, which makes duplicate
// delivery easy to exercise by hand.
func (s *Shell) send(ctx context.Context, line string) error {
	module, rawPayload := splitLine(line)
	if module == "" {
		return fmt.Errorf("empty module name")
	}

	payload := map[string]interface{}{}
	if rawPayload != "" {
		if err := json.Unmarshal([]byte(rawPayload), &payload); err != nil {
			return fmt.Errorf("payload must be a JSON object: %w", err)
		}
	}
	wfID, _ := payload["workflow_id"].(string)
	if wfID == "" {
		wfID = uuid.NewString()
		payload["workflow_id"] = wfID
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	if err := s.watchErrors(module); err != nil {
		return err
	}

	subject := events.ModuleInputSubject(s.agentID, module)
	if err := s.bus.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	s.printf("sent %s workflow_id=%s\n", subject, wfID)
	return nil
}

// watchErrors lazily subscribes to a module's error subject the first
// time the module is targeted.
func (s *Shell) watchErrors(module string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.watched[module]; ok {
		return nil
	}
	sub, err := s.bus.Subscribe(events.ModuleErrorSubject(s.agentID, module), s.printer("ERROR"))
	if err != nil {
		return fmt.Errorf("subscribe module errors: %w", err)
	}
	s.watched[module] = sub
	return nil
}

func (s *Shell) printer(label string) bus.Handler {
	return func(ctx context.Context, msg *bus.Message) error {
		s.printf("[%s] %s: %s\n", label, msg.Subject, msg.Data)
		return nil
	}
}

func (s *Shell) printf(format string, args ...interface{}) {
	s.printMu.Lock()
	defer s.printMu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

// splitLine separates the module name from the JSON payload.
func splitLine(line string) (module, payload string) {
	parts := strings.SplitN(line, " ", 2)
	module = strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		payload = strings.TrimSpace(parts[1])
	}
	return module, payload
}
