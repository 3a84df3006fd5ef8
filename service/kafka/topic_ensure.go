package kafka

import (
	"github.com/Shopify/sarama"

	"PulseIM/logger"
	errs "PulseIM/tools/errs"
)

func strPtr(s string) *string { return &s }

func ensureArchiveTopic(cli sarama.Client, c Config) error {
	admin, err := sarama.NewClusterAdminFromClient(cli)
	if err != nil {
		return errs.WrapMsg(err, "cluster admin")
	}
	// admin 与 client 共用连接，不能 Close admin

	topic := c.ArchiveTopic
	desc, err := admin.DescribeTopics([]string{topic})
	if err == nil && len(desc) == 1 && desc[0].Err == sarama.ErrNoError {
		logger.Infof("[kafka] topic exists: %s (partitions=%d)", topic, len(desc[0].Partitions))
		return nil
	}

	td := &sarama.TopicDetail{
		NumPartitions:     c.Partitions,
		ReplicationFactor: c.ReplicationFactor,
		ConfigEntries: map[string]*string{
			"cleanup.policy":                 strPtr("delete"),
			"min.insync.replicas":            strPtr("1"),
			"unclean.leader.election.enable": strPtr("false"),
			"compression.type":               strPtr("producer"),
		},
	}
	if err := admin.CreateTopic(topic, td, false); err != nil {
		if err == sarama.ErrTopicAlreadyExists {
			logger.Infof("[kafka] topic exists (race): %s", topic)
			return nil
		}
		return errs.WrapMsg(err, "create topic", "topic", topic)
	}
	logger.Infof("[kafka] topic created: %s (partitions=%d, rf=%d)", topic, c.Partitions, c.ReplicationFactor)
	return nil
}
