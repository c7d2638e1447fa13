package rabbitmq

// QueueConfig описывает очередь и её ключ маршрутизации в обменнике ExchangeName.
type QueueConfig struct {
	QueueName  string
	RoutingKey string
}

// MagicLinkQueues возвращает очереди доставки ссылок для входа.
func MagicLinkQueues(queueName string) []QueueConfig {
	if queueName == "" {
		queueName = "magic_link"
	}
	return []QueueConfig{
		{QueueName: queueName, RoutingKey: queueName},
	}
}
