package anchor

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// Sensor bridge topic suffixes under MQTTConfig.TopicPrefix
const (
	TopicTrackingPose = "tracking_pose"
	TopicIntrinsics   = "intrinsics"
	TopicEmbedding    = "embedding"

	DefaultTopicPrefix = "vpsanchor/device"
	defaultClientID    = "vpsanchor"
)

// MQTTBridge feeds device readings published over MQTT into a BridgeCache
type MQTTBridge struct {
	client      mqtt.Client
	cache       *BridgeCache
	prefix      string
	logger      golog.Logger
	done        chan struct{}
	closeOnce   sync.Once
	mu          sync.RWMutex
	isConnected bool
	received    map[string]uint64
	rejected    map[string]uint64
}

// InitMQTTBridge connects to the configured broker and subscribes to the
// device topics. It returns nil, nil when no broker is configured.
func InitMQTTBridge(config *Config, cache *BridgeCache, logger golog.Logger) (*MQTTBridge, error) {
	if logger == nil {
		logger = golog.Global()
	}
	if config == nil || config.MQTT.Broker == "" {
		logger.Info("MQTT disabled: no broker configured")
		return nil, nil
	}
	if cache == nil {
		return nil, errors.New("MQTT bridge needs a bridge cache")
	}

	b := newBridge(nil, cache, config.MQTT.TopicPrefix, logger)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.MQTT.Broker)

	clientID := config.MQTT.ClientID
	if clientID == "" {
		clientID = defaultClientID
	}
	opts.SetClientID(clientID)
	if config.MQTT.Username != "" {
		opts.SetUsername(config.MQTT.Username)
		opts.SetPassword(config.MQTT.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(b.onConnectionLost)
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		b.logger.Debug("MQTT reconnecting")
	})

	b.client = mqtt.NewClient(opts)
	go b.connectWithRetry()
	return b, nil
}

func newBridge(client mqtt.Client, cache *BridgeCache, prefix string, logger golog.Logger) *MQTTBridge {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	if logger == nil {
		logger = golog.Global()
	}
	return &MQTTBridge{
		client:   client,
		cache:    cache,
		prefix:   prefix,
		logger:   logger,
		done:     make(chan struct{}),
		received: make(map[string]uint64),
		rejected: make(map[string]uint64),
	}
}

// connectWithRetry keeps trying the initial connection with exponential backoff
func (b *MQTTBridge) connectWithRetry() {
	retryDelay := time.Second
	const maxRetryDelay = 60 * time.Second

	for {
		token := b.client.Connect()
		if token.WaitTimeout(10*time.Second) && token.Error() == nil {
			b.logger.Info("connected to MQTT broker")
			b.setConnected(true)
			return
		}
		b.logger.Warnf("MQTT connection failed (%v), retrying in %v", token.Error(), retryDelay)

		select {
		case <-b.done:
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// Topic returns the full topic for a bridge suffix
func (b *MQTTBridge) Topic(suffix string) string {
	return fmt.Sprintf("%s/%s", b.prefix, suffix)
}

// onConnect subscribes to the three device topics
func (b *MQTTBridge) onConnect(client mqtt.Client) {
	b.setConnected(true)

	writers := map[string]func([]byte) error{
		TopicTrackingPose: b.cache.WriteTrackingPose,
		TopicIntrinsics:   b.cache.WriteIntrinsics,
		TopicEmbedding:    b.cache.WriteEmbedding,
	}
	for suffix, write := range writers {
		topic := b.Topic(suffix)
		token := client.Subscribe(topic, 0, b.handler(suffix, write))
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			b.logger.Errorw("MQTT subscribe failed", "topic", topic, "error", token.Error())
			continue
		}
		b.logger.Debugf("subscribed to %s", topic)
	}
}

func (b *MQTTBridge) onConnectionLost(_ mqtt.Client, err error) {
	b.logger.Warnf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	b.setConnected(false)
}

func (b *MQTTBridge) handler(suffix string, write func([]byte) error) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if err := write(msg.Payload()); err != nil {
			b.mu.Lock()
			b.rejected[suffix]++
			b.mu.Unlock()
			b.logger.Warnf("rejected %s message on %s: %v", suffix, msg.Topic(), err)
			return
		}
		b.mu.Lock()
		b.received[suffix]++
		b.mu.Unlock()
	}
}

// Counts returns how many messages per topic suffix were accepted and rejected
func (b *MQTTBridge) Counts() (received, rejected map[string]uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	received = make(map[string]uint64, len(b.received))
	for k, v := range b.received {
		received[k] = v
	}
	rejected = make(map[string]uint64, len(b.rejected))
	for k, v := range b.rejected {
		rejected[k] = v
	}
	return received, rejected
}

// BridgeStatus summarizes the bridge for status endpoints
type BridgeStatus struct {
	Connected   bool              `json:"connected"`
	Received    map[string]uint64 `json:"received"`
	Rejected    map[string]uint64 `json:"rejected"`
	LastReading time.Time         `json:"lastReading,omitempty"`
}

// Status reports the connection, per-topic counts and when the cache last accepted a reading
func (b *MQTTBridge) Status() BridgeStatus {
	received, rejected := b.Counts()
	return BridgeStatus{
		Connected:   b.IsConnected(),
		Received:    received,
		Rejected:    rejected,
		LastReading: b.cache.UpdatedAt(),
	}
}

// IsConnected returns true if the MQTT client is connected
func (b *MQTTBridge) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.isConnected
}

func (b *MQTTBridge) setConnected(connected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isConnected = connected
}

// Disconnect stops connection retries and closes the connection
func (b *MQTTBridge) Disconnect() {
	b.closeOnce.Do(func() { close(b.done) })
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
	b.setConnected(false)
}

// GetClient returns the underlying MQTT client for publishing
func (b *MQTTBridge) GetClient() mqtt.Client {
	return b.client
}
