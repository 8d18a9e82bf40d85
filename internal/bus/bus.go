// Package bus connects elastic to NATS: scaling directives and inventory
// updates come in over subscriptions, power changes go out as requests.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/tOgg1/elastic/internal/models"
)

var ErrNotConnected = errors.New("nats not connected")

// Config holds connection and subject settings.
type Config struct {
	URL              string
	Name             string
	ReconnectWait    time.Duration
	ScaleSubject     string
	QueueGroup       string
	InventorySubject string
	PowerSubject     string
	RequestTimeout   time.Duration
	MaxConcurrent    int
}

// DefaultConfig returns the default bus settings.
func DefaultConfig() Config {
	return Config{
		URL:              nats.DefaultURL,
		Name:             "elastic",
		ReconnectWait:    2 * time.Second,
		ScaleSubject:     "elastic.scale",
		QueueGroup:       "elastic",
		InventorySubject: "elastic.inventory",
		PowerSubject:     "elastic.power",
		RequestTimeout:   30 * time.Second,
		MaxConcurrent:    4,
	}
}

// Conn is the part of *nats.Conn the bus uses.
type Conn interface {
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subj string, data []byte) error
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

var _ Conn = (*nats.Conn)(nil)

// Connect dials the NATS server with unlimited reconnects.
func Connect(cfg Config, logger zerolog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Debug().Msg("nats connection closed")
		}),
	}
	return nats.Connect(cfg.URL, opts...)
}

// Close drains nc and closes it.
func Close(nc *nats.Conn) {
	if nc == nil {
		return
	}
	_ = nc.Drain()
	nc.Close()
}

// ScaleRequest is the payload of a scaling directive. RequestID, when set,
// becomes the operation id.
type ScaleRequest struct {
	models.ScalingRequest
	RequestID string `json:"request_id,omitempty"`
}

// ScaleReply answers a ScaleRequest. VMIDs is null when the operation did not
// complete.
type ScaleReply struct {
	OperationID string   `json:"operation_id,omitempty"`
	VMIDs       []string `json:"vm_ids"`
	Completed   bool     `json:"completed"`
	Error       string   `json:"error,omitempty"`
}

// PowerRequest asks the virtualization layer to change VM power state.
type PowerRequest struct {
	VMIDs []string `json:"vm_ids"`
	On    bool     `json:"on"`
}

// PowerReply lists the VMs that accepted a power-on.
type PowerReply struct {
	Accepted []string `json:"accepted"`
	Error    string   `json:"error,omitempty"`
}
