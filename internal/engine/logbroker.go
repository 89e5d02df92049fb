package engine

import "sync"

// subscriberBufferSize is the channel buffer for each log subscriber.
// Notifications are dropped if a subscriber falls this far behind; readers
// catch up from the store by entry id.
const subscriberBufferSize = 64

// LogBroker fans out "entry N was appended" notifications per task within
// one process. It is safe for concurrent use. Entries themselves are always
// read from the store; the broker only shortens the wait.
//
// Closed topics are retained as markers so that late subscribers receive a
// closed channel instead of blocking forever.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*logTopic
}

type logTopic struct {
	subs   map[int]chan int64
	nextID int
	closed bool
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*logTopic),
	}
}

// Subscribe returns a channel that receives appended entry ids for taskID
// and an unsubscribe function. If the task's topic was closed, the returned
// channel is already closed.
func (b *LogBroker) Subscribe(taskID string) (<-chan int64, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		t = &logTopic{subs: make(map[int]chan int64)}
		b.topics[taskID] = t
	}

	ch := make(chan int64, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
	}
}

// Publish notifies subscribers of taskID that entry id was appended.
func (b *LogBroker) Publish(taskID string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- id:
		default:
		}
	}
}

// Close signals that taskID reached a terminal status. All subscriber
// channels are closed and future Subscribe calls return a closed channel.
func (b *LogBroker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		b.topics[taskID] = &logTopic{subs: make(map[int]chan int64), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
