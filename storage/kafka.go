package storage

import (
	"encoding/json"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/donaloshea1971/dicom-wsi-server-sub002/wsi"

	"github.com/Shopify/sarama"
)

// KafkaMaxMessageSize is the max message size in bytes for a Kafka message.
const KafkaMaxMessageSize = 980 * wsi.Kilo

// KafkaConfig describes kafka servers that receive series activity.
type KafkaConfig struct {
	TopicActivity string // if supplied, will be override topic for activity log
	Servers       []string
	BufferSize    int // producer channel buffer size
}

// KafkaActivity publishes series lifecycle events as JSON messages.
type KafkaActivity struct {
	producer sarama.AsyncProducer
	topic    string
	wg       sync.WaitGroup
}

var topicCleaner = regexp.MustCompile(`[^a-zA-Z0-9\._\-]+`)

// NewKafkaActivity connects to the configured servers.  It returns nil without
// error if no servers are configured.
func NewKafkaActivity(kc KafkaConfig, hostID string) (*KafkaActivity, error) {
	if len(kc.Servers) == 0 {
		return nil, nil
	}
	config := sarama.NewConfig()
	config.Producer.MaxMessageBytes = KafkaMaxMessageSize
	if kc.BufferSize > 0 {
		config.ChannelBufferSize = kc.BufferSize
	}
	producer, err := sarama.NewAsyncProducer(kc.Servers, config)
	if err != nil {
		return nil, err
	}
	topic := kc.TopicActivity
	if topic == "" {
		topic = "wsiactivity-" + hostID
	}
	return NewKafkaActivityWithProducer(producer, topic), nil
}

// NewKafkaActivityWithProducer uses an existing producer.
func NewKafkaActivityWithProducer(producer sarama.AsyncProducer, topic string) *KafkaActivity {
	k := &KafkaActivity{
		producer: producer,
		topic:    topicCleaner.ReplaceAllString(topic, "-"),
	}
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		for err := range producer.Errors() {
			wsi.Errorf("error on kafka send: %v\n", err)
		}
	}()
	wsi.Infof("Kafka topic for series activity: %s\n", k.topic)
	return k
}

// Topic returns the activity topic name.
func (k *KafkaActivity) Topic() string {
	return k.topic
}

// LogActivity publishes an event.  The "event" and "time" fields are added.
func (k *KafkaActivity) LogActivity(event string, fields map[string]interface{}) {
	activity := make(map[string]interface{}, len(fields)+2)
	for key, v := range fields {
		activity[key] = v
	}
	activity["event"] = event
	activity["time"] = time.Now().Unix()
	jsonmsg, err := json.Marshal(activity)
	if err != nil {
		wsi.Errorf("unable to marshal activity for kafka logging: %v\n", err)
		return
	}
	timeKey := sarama.StringEncoder(strconv.FormatInt(time.Now().UnixNano(), 10))
	k.producer.Input() <- &sarama.ProducerMessage{Topic: k.topic, Value: sarama.ByteEncoder(jsonmsg), Key: timeKey}
}

// Close flushes the producer queue before stopping.
func (k *KafkaActivity) Close() error {
	err := k.producer.Close()
	k.wg.Wait()
	if err != nil {
		wsi.Errorf("Kafka producer had error on close: %v\n", err)
		return err
	}
	wsi.Infof("Successfully shut down kafka producer.\n")
	return nil
}
