package kafka

import (
	"context"
	"errors"
	"sort"

	"github.com/IBM/sarama"
	"github.com/madcok-co/eventbus/core/pkg/contracts"
)

func (d *Driver) clusterAdmin() (sarama.ClusterAdmin, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.connected || d.admin == nil {
		return nil, &contracts.TransportError{Broker: "kafka", Err: errors.New("not connected")}
	}
	return d.admin, nil
}

func isKError(err error, k sarama.KError) bool {
	if errors.Is(err, k) {
		return true
	}
	var te *sarama.TopicError
	if errors.As(err, &te) && te.Err == k {
		return true
	}
	return false
}

// CreateTopic creates a topic through the cluster admin.
func (d *Driver) CreateTopic(ctx context.Context, name string, cfg contracts.TopicConfig) error {
	admin, err := d.clusterAdmin()
	if err != nil {
		return err
	}

	partitions := int32(cfg.Partitions)
	if partitions <= 0 {
		partitions = d.config.DefaultPartitions
	}
	replication := int16(cfg.Replication)
	if replication <= 0 {
		replication = d.config.DefaultReplication
	}
	detail := &sarama.TopicDetail{
		NumPartitions:     partitions,
		ReplicationFactor: replication,
	}
	if len(cfg.Config) > 0 {
		detail.ConfigEntries = make(map[string]*string, len(cfg.Config))
		for k, v := range cfg.Config {
			v := v
			detail.ConfigEntries[k] = &v
		}
	}

	if err := admin.CreateTopic(name, detail, false); err != nil {
		if isKError(err, sarama.ErrTopicAlreadyExists) {
			return &contracts.ConflictError{Resource: "topic " + name}
		}
		return &contracts.TransportError{Broker: "kafka", Err: err}
	}
	return nil
}

// DeleteTopic deletes a topic.
func (d *Driver) DeleteTopic(ctx context.Context, name string) error {
	admin, err := d.clusterAdmin()
	if err != nil {
		return err
	}
	if err := admin.DeleteTopic(name); err != nil {
		if isKError(err, sarama.ErrUnknownTopicOrPartition) {
			return &contracts.NotFoundError{Resource: "topic " + name}
		}
		return &contracts.TransportError{Broker: "kafka", Err: err}
	}
	return nil
}

// ListTopics returns topic names sorted.
func (d *Driver) ListTopics(ctx context.Context) ([]string, error) {
	admin, err := d.clusterAdmin()
	if err != nil {
		return nil, err
	}
	topics, err := admin.ListTopics()
	if err != nil {
		return nil, &contracts.TransportError{Broker: "kafka", Err: err}
	}
	names := make([]string, 0, len(topics))
	for name := range topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// GetTopicInfo returns per-partition offset ranges from the live cluster.
func (d *Driver) GetTopicInfo(ctx context.Context, name string) (*contracts.TopicInfo, error) {
	d.mu.RLock()
	client := d.client
	d.mu.RUnlock()
	if client == nil {
		return nil, &contracts.TransportError{Broker: "kafka", Err: errors.New("not connected")}
	}

	partitions, err := client.Partitions(name)
	if err != nil {
		if isKError(err, sarama.ErrUnknownTopicOrPartition) {
			return nil, &contracts.NotFoundError{Resource: "topic " + name}
		}
		return nil, &contracts.TransportError{Broker: "kafka", Err: err}
	}

	info := &contracts.TopicInfo{Name: name}
	for _, p := range partitions {
		earliest, err := client.GetOffset(name, p, sarama.OffsetOldest)
		if err != nil {
			return nil, &contracts.TransportError{Broker: "kafka", Err: err}
		}
		next, err := client.GetOffset(name, p, sarama.OffsetNewest)
		if err != nil {
			return nil, &contracts.TransportError{Broker: "kafka", Err: err}
		}
		info.Partitions = append(info.Partitions, contracts.PartitionInfo{
			ID:             int(p),
			EarliestOffset: earliest,
			LatestOffset:   next - 1,
			MessageCount:   next - earliest,
		})
	}
	return info, nil
}

// ListConsumerGroups lists group IDs known to the cluster.
func (d *Driver) ListConsumerGroups(ctx context.Context) ([]string, error) {
	admin, err := d.clusterAdmin()
	if err != nil {
		return nil, err
	}
	groups, err := admin.ListConsumerGroups()
	if err != nil {
		return nil, &contracts.TransportError{Broker: "kafka", Err: err}
	}
	names := make([]string, 0, len(groups))
	for g := range groups {
		names = append(names, g)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteConsumerGroup deletes a group's offsets.
func (d *Driver) DeleteConsumerGroup(ctx context.Context, group string) error {
	admin, err := d.clusterAdmin()
	if err != nil {
		return err
	}
	if err := admin.DeleteConsumerGroup(group); err != nil {
		if isKError(err, sarama.ErrGroupIDNotFound) {
			return &contracts.NotFoundError{Resource: "group " + group}
		}
		return &contracts.TransportError{Broker: "kafka", Err: err}
	}
	return nil
}

// GetConsumerGroupInfo describes a group: members and committed offsets.
func (d *Driver) GetConsumerGroupInfo(ctx context.Context, group string) (*contracts.ConsumerGroupInfo, error) {
	admin, err := d.clusterAdmin()
	if err != nil {
		return nil, err
	}

	descs, err := admin.DescribeConsumerGroups([]string{group})
	if err != nil {
		return nil, &contracts.TransportError{Broker: "kafka", Err: err}
	}
	if len(descs) == 0 || descs[0].State == "Dead" {
		return nil, &contracts.NotFoundError{Resource: "group " + group}
	}

	info := &contracts.ConsumerGroupInfo{Group: group, Offsets: make(map[string]map[int]int64)}
	for _, m := range descs[0].Members {
		info.Members = append(info.Members, m.ClientId)
	}
	sort.Strings(info.Members)

	fetched, err := admin.ListConsumerGroupOffsets(group, nil)
	if err != nil {
		return nil, &contracts.TransportError{Broker: "kafka", Err: err}
	}
	for topic, blocks := range fetched.Blocks {
		byPart := make(map[int]int64, len(blocks))
		for p, block := range blocks {
			if block.Offset < 0 {
				continue // no commit yet
			}
			byPart[int(p)] = block.Offset
		}
		if len(byPart) > 0 {
			info.Offsets[topic] = byPart
		}
	}
	return info, nil
}
