package output

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/Shopify/sarama"
	"github.com/click-stream/tracker/common"
	"github.com/devopsext/utils"
	"github.com/prometheus/client_golang/prometheus"
)

var log = utils.GetLog()

var kafkaOutputCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "tracker_kafka_output_count",
	Help: "Count of all events produced to kafka",
}, []string{"tracker_kafka_output_brokers", "tracker_kafka_output_topic"})

type KafkaDispatcherOptions struct {
	Brokers            string
	ClientID           string
	Topic              string
	FlushFrequency     int
	FlushMaxMessages   int
	NetMaxOpenRequests int
	NetDialTimeout     int
	NetReadTimeout     int
	NetWriteTimeout    int
}

type KafkaDispatcher struct {
	options  KafkaDispatcherOptions
	producer sarama.SyncProducer
}

func (k *KafkaDispatcher) Send(events []*common.Event) error {

	messages := make([]*sarama.ProducerMessage, 0, len(events))

	for _, event := range events {

		if event == nil {
			continue
		}

		bytes, err := json.Marshal(event)
		if err != nil {
			log.Error(err)
			return err
		}

		log.Debug("Event to Kafka (topic: %s) => %s", k.options.Topic, string(bytes))

		messages = append(messages, &sarama.ProducerMessage{
			Topic: k.options.Topic,
			Key:   sarama.StringEncoder(event.Visitor.ID),
			Value: sarama.ByteEncoder(bytes),
		})
	}

	if err := k.producer.SendMessages(messages); err != nil {
		return err
	}

	kafkaOutputCount.WithLabelValues(k.options.Brokers, k.options.Topic).Add(float64(len(messages)))

	return nil
}

func (k *KafkaDispatcher) Close() error {
	return k.producer.Close()
}

func NewKafkaDispatcher(options KafkaDispatcherOptions) *KafkaDispatcher {

	brokers := strings.Split(options.Brokers, ",")
	if len(brokers) == 0 || utils.IsEmpty(options.Brokers) {

		log.Debug("Kafka brokers are not defined. Skipped.")
		return nil
	}

	if utils.IsEmpty(options.Topic) {

		log.Debug("Kafka topic is not defined. Skipped.")
		return nil
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V1_1_1_0

	if !utils.IsEmpty(options.ClientID) {
		cfg.ClientID = options.ClientID
	}

	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	cfg.Producer.Flush.Frequency = time.Second * time.Duration(options.FlushFrequency)
	cfg.Producer.Flush.MaxMessages = options.FlushMaxMessages

	cfg.Net.MaxOpenRequests = options.NetMaxOpenRequests
	cfg.Net.DialTimeout = time.Second * time.Duration(options.NetDialTimeout)
	cfg.Net.ReadTimeout = time.Second * time.Duration(options.NetReadTimeout)
	cfg.Net.WriteTimeout = time.Second * time.Duration(options.NetWriteTimeout)

	log.Info("Start %s...", cfg.ClientID)

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		log.Error(err)
		return nil
	}

	return &KafkaDispatcher{
		options:  options,
		producer: producer,
	}
}

func init() {
	prometheus.Register(kafkaOutputCount)
}
