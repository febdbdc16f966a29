package kafka

import (
	"github.com/IBM/sarama"
	"github.com/madcok-co/eventbus/core/pkg/envelope"
)

// partitioner applies the bus-wide placement rule (MD5 of the UTF-8 key,
// big-endian, modulo partition count) so Kafka agrees with the memory and
// Redis adapters on where a key lands.
type partitioner struct{}

func newPartitioner(topic string) sarama.Partitioner {
	return partitioner{}
}

func (partitioner) Partition(message *sarama.ProducerMessage, numPartitions int32) (int32, error) {
	if message.Key == nil {
		return 0, nil
	}
	key, err := message.Key.Encode()
	if err != nil {
		return 0, err
	}
	return int32(envelope.Partition(string(key), int(numPartitions))), nil
}

func (partitioner) RequiresConsistency() bool { return true }
