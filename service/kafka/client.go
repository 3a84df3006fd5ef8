package kafka

import (
	"github.com/Shopify/sarama"

	"PulseIM/logger"
	errs "PulseIM/tools/errs"
	"PulseIM/tools/safe"
)

var (
	client    sarama.Client
	asyncProd sarama.AsyncProducer
	cfg       Config
)

// Init 建立客户端与异步生产者；失败整体回滚
func Init(c Config) error {
	c.norm()
	base := buildBaseConfig(c)

	cli, err := sarama.NewClient(c.Brokers, base)
	if err != nil {
		return errs.WrapMsg(err, "kafka client")
	}

	if c.EnsureTopicOnStart {
		if err := ensureArchiveTopic(cli, c); err != nil {
			_ = cli.Close()
			return err
		}
	}

	prod, err := sarama.NewAsyncProducerFromClient(cli)
	if err != nil {
		_ = cli.Close()
		return errs.WrapMsg(err, "kafka producer")
	}

	client = cli
	asyncProd = prod
	cfg = c

	safe.SafeGo(func() {
		for {
			select {
			case msg, ok := <-asyncProd.Successes():
				if !ok {
					return
				}
				logger.Debugf("[kafka] archived topic=%s partition=%d offset=%d", msg.Topic, msg.Partition, msg.Offset)
			case err, ok := <-asyncProd.Errors():
				if !ok {
					return
				}
				logger.Errorf("[kafka] archive failed: %v", err)
			}
		}
	})
	return nil
}

func Initialized() bool { return asyncProd != nil }

func Close() error {
	if asyncProd != nil {
		asyncProd.AsyncClose()
		asyncProd = nil
	}
	if client != nil {
		err := client.Close()
		client = nil
		return err
	}
	return nil
}
