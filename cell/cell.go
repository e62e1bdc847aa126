package cell

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"pkt.systems/nbkernel/core"
	"pkt.systems/nbkernel/schema"
)

// Cell is one code cell. Code is set by the caller before Execute.
type Cell struct {
	Code string
	// AllowStdin lets the kernel ask for input; answer through the future.
	AllowStdin bool
	// Silent and NoHistory override the notebook defaults for scripted runs.
	Silent    bool
	NoHistory bool

	mu      sync.Mutex
	running bool
	count   int
	skipped bool
	outputs []schema.Output
	reply   *schema.ExecuteReply
}

// New returns a cell holding code.
func New(code string) *Cell {
	return &Cell{Code: code}
}

// Execute clears previous outputs and submits the cell. Empty code is a
// no-op: the prompt is cleared and (nil, nil) is returned.
func (c *Cell) Execute(ctx context.Context, kernel core.Submitter, stopOnError bool) (*core.Future, error) {
	c.mu.Lock()
	c.outputs = nil
	c.reply = nil
	c.skipped = false
	if strings.TrimSpace(c.Code) == "" {
		c.running = false
		c.count = 0
		c.skipped = true
		c.mu.Unlock()
		return nil, nil
	}
	c.running = true
	code := c.Code
	c.mu.Unlock()

	if kernel == nil {
		c.finish(0)
		return nil, schema.ErrKernelUnavailable
	}
	req := schema.ExecuteRequest{
		Code:         code,
		Silent:       c.Silent,
		StoreHistory: !c.NoHistory,
		StopOnError:  stopOnError,
		AllowStdin:   c.AllowStdin,
	}
	future, err := kernel.Submit(ctx, req, core.Handlers{
		OnOutput: c.appendOutput,
		OnReply:  c.setReply,
	})
	if err != nil {
		c.finish(0)
		return nil, fmt.Errorf("execute cell: %w", err)
	}
	return future, nil
}

// Skipped reports whether the last Execute was a no-op on empty code.
func (c *Cell) Skipped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.skipped
}

// Running reports whether a submitted execution has not replied yet.
func (c *Cell) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// ExecutionCount is the count of the last reply, zero when there is none.
func (c *Cell) ExecutionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Prompt renders the input prompt: "In [ ]:", "In [*]:" or "In [5]:".
func (c *Cell) Prompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return "In [*]:"
	}
	return NumberedPrompt(c.count)
}

// PromptLines is Prompt followed by one continuation marker per extra line
// of code.
func (c *Cell) PromptLines() []string {
	return Continuation(c.Prompt(), strings.Count(c.Code, "\n")+1)
}

// NumberedPrompt renders the prompt of a finished execution. Counts below 1
// render the blank prompt.
func NumberedPrompt(count int) string {
	if count > 0 {
		return "In [" + strconv.Itoa(count) + "]:"
	}
	return "In [ ]:"
}

// Continuation returns prompt and a "...:" marker for each of the remaining
// lines of a lines-long input.
func Continuation(prompt string, lines int) []string {
	out := []string{prompt}
	for i := 1; i < lines; i++ {
		out = append(out, "...:")
	}
	return out
}

// Outputs returns a copy of the outputs collected so far.
func (c *Cell) Outputs() []schema.Output {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]schema.Output, len(c.outputs))
	copy(out, c.outputs)
	return out
}

// Reply returns the terminal reply, if one arrived.
func (c *Cell) Reply() (schema.ExecuteReply, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reply == nil {
		return schema.ExecuteReply{}, false
	}
	return *c.reply, true
}

// Text concatenates the plain-text rendering of every output.
func (c *Cell) Text() string {
	var b strings.Builder
	for _, out := range c.Outputs() {
		b.WriteString(out.PlainText())
	}
	return b.String()
}

func (c *Cell) appendOutput(out schema.Output) {
	c.mu.Lock()
	c.outputs = append(c.outputs, out)
	c.mu.Unlock()
}

func (c *Cell) setReply(reply schema.ExecuteReply) {
	c.mu.Lock()
	c.reply = &reply
	c.mu.Unlock()
	c.finish(reply.ExecutionCount)
}

func (c *Cell) finish(count int) {
	c.mu.Lock()
	c.running = false
	if count < 0 {
		count = 0
	}
	c.count = count
	c.mu.Unlock()
}
