package job

import (
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
)

// AddWakeupHandlers subscribes the dispatcher to every queue's wakeup topic
// on router.
func (d *Dispatcher) AddWakeupHandlers(router *message.Router, subscriber message.Subscriber) {
	for _, q := range Queues {
		queue := q
		router.AddNoPublisherHandler(
			"wakeup_"+string(queue),
			Topic(queue),
			subscriber,
			func(msg *message.Message) error {
				return d.ProcessJobMessage(queue, msg)
			},
		)
	}
}

// ProcessJobMessage wakes the workers of queue. Malformed messages are
// acked and dropped; the poll loop still finds the job.
func (d *Dispatcher) ProcessJobMessage(queue QueueName, msg *message.Message) error {
	var jobMsg JobMessage
	if err := json.Unmarshal(msg.Payload, &jobMsg); err != nil {
		d.logger.Error(fmt.Errorf("failed to unmarshal job message: %w", err), "dropping wakeup", "message_uuid", msg.UUID)
		return nil
	}
	if jobMsg.Queue != "" && jobMsg.Queue != queue {
		queue = jobMsg.Queue
	}
	d.Notify(queue)
	return nil
}
