package main

import (
	"fmt"
	"io"
	"sync"

	"guardlink/internal/models"
)

// console prints each message once, then again whenever its delivery state
// changes. Confirmed messages are matched to their optimistic line by the
// client key.
type console struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[string]models.DeliveryState
}

func newConsole(out io.Writer) *console {
	return &console{out: out, printed: make(map[string]models.DeliveryState)}
}

func (c *console) render(msgs []models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, m := range msgs {
		key := m.ID
		if m.ClientKey != "" {
			key = m.ClientKey
		}
		state, seen := c.printed[key]
		if seen && state == m.DeliveryState {
			continue
		}
		c.printed[key] = m.DeliveryState
		fmt.Fprintln(c.out, formatMessage(m, seen))
	}
}

func (c *console) connection(state models.ConnectionState) {
	c.printf("-- connection %s --\n", state)
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func formatMessage(m models.Message, update bool) string {
	stamp := m.CreatedAt.Local().Format("15:04:05")
	if m.IsSystemMessage {
		return fmt.Sprintf("%s  * %s", stamp, m.Body)
	}
	line := fmt.Sprintf("%s  %s/%s: %s", stamp, m.SenderRole, m.SenderID, m.Body)
	if m.DeliveryState != models.DeliveryStateSent || update {
		line += fmt.Sprintf("  [%s]", m.DeliveryState)
	}
	return line
}
