package mq

import (
	"log"

	"cashsettle/internal/config"

	"github.com/IBM/sarama"
)

// Producer 同步 Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
}

func NewProducer(p sarama.SyncProducer) *Producer {
	return &Producer{producer: p}
}

// InitKafka 初始化 Kafka 生产者
func InitKafka(cfg *config.KafkaConfig) *Producer {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		log.Fatalf("创建 Kafka 生产者失败: %v", err)
	}

	log.Println("Kafka 生产者创建成功")
	return NewProducer(producer)
}

// SendMessage 发送消息，key 用结算单号保证同一笔结算的消息有序
func (p *Producer) SendMessage(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}

	_, _, err := p.producer.SendMessage(msg)
	return err
}

func (p *Producer) Close() {
	if p.producer != nil {
		if err := p.producer.Close(); err != nil {
			log.Printf("关闭 Kafka 生产者失败: %v", err)
		}
	}
}
