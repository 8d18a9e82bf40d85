package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/tOgg1/elastic/internal/models"
	"github.com/tOgg1/elastic/internal/power"
)

// Publisher is what PowerClient needs from a connection.
type Publisher interface {
	Publish(subj string, data []byte) error
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// PowerClient controls VM power over NATS. Power-on is a request that waits
// for the accepted set; power-off is published without waiting.
type PowerClient struct {
	conn    Publisher
	subject string
	timeout time.Duration
}

// NewPowerClient creates a power client.
func NewPowerClient(conn Publisher, subject string, timeout time.Duration) *PowerClient {
	if timeout <= 0 {
		timeout = DefaultConfig().RequestTimeout
	}
	return &PowerClient{conn: conn, subject: subject, timeout: timeout}
}

// SetPowerState implements power.Controller.
func (c *PowerClient) SetPowerState(ctx context.Context, vmIDs []string, on bool) ([]string, error) {
	accepted, err := c.setPowerState(ctx, vmIDs, on)
	power.RecordOutcome(ctx, vmIDs, accepted, on, err)
	return accepted, err
}

func (c *PowerClient) setPowerState(ctx context.Context, vmIDs []string, on bool) ([]string, error) {
	if c == nil || c.conn == nil {
		return nil, ErrNotConnected
	}
	requested := models.SortedSet(vmIDs)
	if requested == nil {
		requested = []string{}
	}
	payload, err := json.Marshal(PowerRequest{VMIDs: requested, On: on})
	if err != nil {
		return nil, fmt.Errorf("encode power request: %w", err)
	}

	if !on {
		if err := c.conn.Publish(c.subject, payload); err != nil {
			return nil, fmt.Errorf("publish power-off: %w", err)
		}
		return requested, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.conn.RequestWithContext(ctx, c.subject, payload)
	if err != nil {
		return nil, fmt.Errorf("power-on request: %w", err)
	}
	var reply PowerReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode power reply: %w", err)
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	// Ignore VMs the controller reports but were never asked for.
	return models.Intersect(reply.Accepted, requested), nil
}

var _ power.Controller = (*PowerClient)(nil)
