// Package distributed broadcasts a /stop request across every broker
// instance sharing a NATS deployment, so the instance actually holding
// the CLI session and tree queue handles the cancel even if the HTTP
// request landed on a different instance. Grounded on the teacher's
// internal/streaming/distributed.go DistributedCancelService: a
// fire-and-forget NATS publish on a well-known subject, a subscriber on
// every instance that performs the local stop and logs the outcome.
// Simplified from the teacher's request/reply RPC shape (which returns
// per-stream chunk counts over a reply subject) down to a plain
// broadcast, since /stop here has no meaningful per-instance result to
// collect: every instance just stops whatever it locally owns.
package distributed

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/agentbroker/broker/internal/logger"
)

const stopSubject = "broker.stop"

// StopRequest is the payload broadcast on a /stop call.
type StopRequest struct {
	InstanceID string `json:"instance_id"`
	Reason     string `json:"reason"`
}

// StopBroadcaster publishes StopRequests and, on every instance
// including its own, invokes a local stop callback on receipt.
type StopBroadcaster struct {
	nc         *nats.Conn
	log        *logger.Logger
	instanceID string
	onStop     func(StopRequest)
}

// New wires a StopBroadcaster over an already-connected NATS client. If
// nc is nil, Publish and Start are both no-ops: distributed stop is an
// optional enrichment over single-instance /stop, not a requirement.
func New(nc *nats.Conn, log *logger.Logger, instanceID string, onStop func(StopRequest)) *StopBroadcaster {
	return &StopBroadcaster{nc: nc, log: log.WithComponent("distributed-stop"), instanceID: instanceID, onStop: onStop}
}

// Start subscribes to the stop subject. Call once at startup.
func (b *StopBroadcaster) Start() error {
	if b.nc == nil {
		return nil
	}
	_, err := b.nc.Subscribe(stopSubject, func(msg *nats.Msg) {
		var req StopRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			b.log.Warn("distributed: malformed stop request", "error", err.Error())
			return
		}
		b.onStop(req)
	})
	if err != nil {
		return fmt.Errorf("distributed: subscribe %s: %w", stopSubject, err)
	}
	return nil
}

// Publish broadcasts a stop request to every instance. The publishing
// instance's own subscriber receives it too (the NATS connection is opened
// with echo left on), so the onStop callback runs locally as well, in
// addition to the stop the HTTP handler performs directly.
func (b *StopBroadcaster) Publish(reason string) error {
	if b.nc == nil {
		return nil
	}
	payload, err := json.Marshal(StopRequest{InstanceID: b.instanceID, Reason: reason})
	if err != nil {
		return err
	}
	return b.nc.Publish(stopSubject, payload)
}
