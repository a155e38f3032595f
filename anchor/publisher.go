package anchor

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// DefaultPublishPrefix is the topic root for anchor and status output
const DefaultPublishPrefix = "vpsanchor"

// AnchorMessage is published retained to <prefix>/anchor
type AnchorMessage struct {
	SessionID string       `json:"sessionId"`
	Rig       RigTransform `json:"rig"`
	Euler     WirePose     `json:"euler"`
	Timestamp int64        `json:"timestamp"`
}

// StatusMessage is published retained to <prefix>/status
type StatusMessage struct {
	SessionID  string `json:"sessionId"`
	Status     Status `json:"status"`
	Outcome    string `json:"outcome"`
	Fallback   bool   `json:"fallback"`
	Iterations uint64 `json:"iterations"`
	Error      string `json:"error,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// Publisher writes the rig and status indicator to MQTT after each iteration
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	logger        golog.Logger

	mu         sync.RWMutex
	lastStatus *StatusMessage
}

// NewPublisher creates a publisher. An empty prefix falls back to
// MQTT_PUBLISH_PREFIX and then to DefaultPublishPrefix.
func NewPublisher(client mqtt.Client, prefix string, logger golog.Logger) *Publisher {
	if prefix == "" {
		prefix = os.Getenv("MQTT_PUBLISH_PREFIX")
	}
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}
	if logger == nil {
		logger = golog.Global()
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true,
		logger:        logger,
	}
}

// PublishReport publishes the outcome of one iteration. The anchor topic is
// only written when the rig changed. Suitable for Localizer.OnIteration.
func (p *Publisher) PublishReport(report IterationReport) {
	if err := p.Publish(report); err != nil {
		p.logger.Debugf("publish skipped: %v", err)
	}
}

// Publish writes status (always) and anchor (when the rig changed)
func (p *Publisher) Publish(report IterationReport) error {
	if p.client == nil || !p.client.IsConnected() {
		return errors.New("MQTT client not connected")
	}
	now := time.Now().Unix()

	if report.RigUpdated {
		msg := AnchorMessage{
			SessionID: report.SessionID,
			Rig:       report.Snapshot.Rig,
			Euler:     WirePoseFrom(report.Snapshot.Rig.Pose()),
			Timestamp: now,
		}
		if err := p.publishJSON("anchor", msg); err != nil {
			return err
		}
	}

	status := StatusMessage{
		SessionID:  report.SessionID,
		Status:     report.Status,
		Outcome:    report.Outcome.String(),
		Fallback:   report.Fallback,
		Iterations: report.Snapshot.Iterations,
		Timestamp:  now,
	}
	if report.Err != nil {
		status.Error = report.Err.Error()
	}
	if err := p.publishJSON("status", status); err != nil {
		return err
	}

	p.mu.Lock()
	p.lastStatus = &status
	p.mu.Unlock()
	return nil
}

func (p *Publisher) publishJSON(suffix string, v interface{}) error {
	topic := fmt.Sprintf("%s/%s", p.publishPrefix, suffix)
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshaling %s message", suffix)
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return errors.Wrapf(token.Error(), "publishing to %s", topic)
	}
	return nil
}

// LastStatus returns a copy of the last status message published
func (p *Publisher) LastStatus() (StatusMessage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.lastStatus == nil {
		return StatusMessage{}, false
	}
	return *p.lastStatus, true
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
