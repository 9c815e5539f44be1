package broker

import (
	"fmt"
	"time"
)

const (
	inboundSuffix  = "externalorder.inserting"
	outboundSuffix = "externalorder.inserted"
)

type Queues struct {
	Inbound  string
	Outbound string
	Dead     string
	Retry    string
}

// NewQueues derives every queue name from the configured prefix.
func NewQueues(prefix string) Queues {
	inbound := prefix + inboundSuffix
	return Queues{
		Inbound:  inbound,
		Outbound: prefix + outboundSuffix,
		Dead:     inbound + ".dead",
		Retry:    inbound + ".retry",
	}
}

// RetryQueue names the retry queue that holds messages for delay. Every delay
// gets its own queue so a queue-level TTL expires its messages in order.
func (q Queues) RetryQueue(delay time.Duration) string {
	return fmt.Sprintf("%s.%dms", q.Retry, delay.Milliseconds())
}
