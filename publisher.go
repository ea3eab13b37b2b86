package main

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Publisher 點位值發布介面
// 推送型協議與儀表板靠它把值變化送出去；實作不得阻塞呼叫端
type Publisher interface {
	PublishValue(deviceID string, p Point, real float64)
	Close()
}

const (
	// DefaultPublishTopicPrefix 發布主題前綴: <prefix>/<device>/<code>
	DefaultPublishTopicPrefix = "scadasim"
	// DefaultPublishQueueSize 發布佇列長度，滿了就丟並記日誌
	DefaultPublishQueueSize = 256

	defaultPublishTimeout = 2 * time.Second
	defaultConnectTimeout = 5 * time.Second
)

// pointValueMessage 發布的 JSON 載荷
type pointValueMessage struct {
	Device    string  `json:"device"`
	Code      string  `json:"code"`
	Name      string  `json:"name"`
	FrameType string  `json:"frame_type"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"ts"`
}

type publishJob struct {
	topic   string
	payload []byte
}

// MQTTPublisher 透過 MQTT 發布點位值變化
// 發布走單一背景工作者，佇列滿時丟棄而非阻塞模擬迴圈
type MQTTPublisher struct {
	client      pahomqtt.Client
	topicPrefix string
	qos         byte
	timeout     time.Duration
	logger      *zap.Logger

	queue   chan publishJob
	done    chan struct{}
	wg      sync.WaitGroup
	dropped uint64
	mu      sync.Mutex
}

// MQTTPublisherOption 發布器選項
type MQTTPublisherOption func(*MQTTPublisher)

// WithPublisherLogger 設定發布器日誌
func WithPublisherLogger(logger *zap.Logger) MQTTPublisherOption {
	return func(p *MQTTPublisher) {
		p.logger = logger
	}
}

// WithPublisherQoS 設定發布 QoS (預設 0)
func WithPublisherQoS(qos byte) MQTTPublisherOption {
	return func(p *MQTTPublisher) {
		p.qos = qos
	}
}

// WithPublisherTopicPrefix 設定主題前綴
func WithPublisherTopicPrefix(prefix string) MQTTPublisherOption {
	return func(p *MQTTPublisher) {
		if prefix != "" {
			p.topicPrefix = prefix
		}
	}
}

// NewMQTTPublisher 連線 MQTT broker 並啟動發布工作者
func NewMQTTPublisher(broker, clientID string, opts ...MQTTPublisherOption) (*MQTTPublisher, error) {
	p := &MQTTPublisher{
		topicPrefix: DefaultPublishTopicPrefix,
		qos:         0,
		timeout:     defaultPublishTimeout,
		logger:      zap.NewNop(),
		queue:       make(chan publishJob, DefaultPublishQueueSize),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	o := pahomqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(defaultConnectTimeout).
		SetAutoReconnect(true)
	o.OnConnectionLost = func(_ pahomqtt.Client, err error) {
		p.logger.Warn("MQTT 連線中斷", zap.Error(err))
	}

	client := pahomqtt.NewClient(o)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, transportError(fmt.Errorf("連線 MQTT broker %s 逾時", broker))
	}
	if err := token.Error(); err != nil {
		return nil, transportError(fmt.Errorf("連線 MQTT broker %s 失敗: %w", broker, err))
	}
	p.client = client

	p.wg.Add(1)
	go p.publishLoop()

	p.logger.Info("MQTT 發布器已連線",
		zap.String("broker", broker),
		zap.String("client_id", clientID))
	return p, nil
}

// PublishValue 發布一筆點位值；佇列滿時丟棄，不阻塞
func (p *MQTTPublisher) PublishValue(deviceID string, pt Point, real float64) {
	payload, err := json.Marshal(pointValueMessage{
		Device:    deviceID,
		Code:      pt.Code,
		Name:      pt.Name,
		FrameType: pt.Frame.String(),
		Value:     real,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		p.logger.Warn("點位值序列化失敗", zap.String("code", pt.Code), zap.Error(err))
		return
	}

	job := publishJob{
		topic:   fmt.Sprintf("%s/%s/%s", p.topicPrefix, deviceID, pt.Code),
		payload: payload,
	}
	select {
	case p.queue <- job:
	default:
		p.mu.Lock()
		p.dropped++
		n := p.dropped
		p.mu.Unlock()
		if n%100 == 1 {
			p.logger.Warn("發布佇列已滿，丟棄點位值", zap.Uint64("dropped", n))
		}
	}
}

// Dropped 因佇列滿而丟棄的筆數
func (p *MQTTPublisher) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Close 停止工作者並中斷連線
func (p *MQTTPublisher) Close() {
	close(p.done)
	p.wg.Wait()
	p.client.Disconnect(250)
}

func (p *MQTTPublisher) publishLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case job := <-p.queue:
			token := p.client.Publish(job.topic, p.qos, false, job.payload)
			if token.WaitTimeout(p.timeout) {
				if err := token.Error(); err != nil {
					p.logger.Warn("MQTT 發布失敗", zap.String("topic", job.topic), zap.Error(err))
				}
			}
		}
	}
}

var _ Publisher = (*MQTTPublisher)(nil)
