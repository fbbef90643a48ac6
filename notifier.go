package sourced

import (
	"context"
	"strings"
	"sync"
)

// Notification channel names, per spec.md §6.2.
const (
	ChannelMessagesAppended = "messages_appended"
	ChannelReactorResumed   = "reactor_resumed"
)

// Notifier is the pub/sub abstraction the Dispatcher listens on to wake
// up without waiting for the catch-up poller, per spec.md §4.1 "Pub/sub
// channel" and §6.2.
type Notifier interface {
	// Notify publishes payload on channel. Implementations may drop
	// notifications under backpressure; correctness must never depend
	// solely on a notification arriving (the catch-up poller is the
	// backstop).
	Notify(ctx context.Context, channel, payload string) error

	// Listen returns a channel of payloads published on channel after
	// Listen is called. The returned channel is closed when ctx is
	// cancelled.
	Listen(ctx context.Context, channel string) (<-chan string, error)
}

// DedupeTypes joins distinct message types into the comma-separated
// payload format spec.md §4.1 specifies for "messages_appended", with
// the notifier (not the store) responsible for deduplication.
func DedupeTypes(types []string) string {
	seen := make(map[string]struct{}, len(types))
	var ordered []string
	for _, t := range types {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		ordered = append(ordered, t)
	}
	return strings.Join(ordered, ",")
}

// SplitTypes is the inverse of DedupeTypes, used by subscribers to map a
// "messages_appended" payload back to a list of message types.
func SplitTypes(payload string) []string {
	if payload == "" {
		return nil
	}
	return strings.Split(payload, ",")
}

// InlineNotifier is an in-process Notifier that invokes subscribers
// synchronously from Notify, per spec.md §6.2 "For stores without native
// pub/sub, an in-process InlineNotifier invokes callbacks synchronously."
// It is the default Notifier when storemem.Store is used, and in tests.
type InlineNotifier struct {
	mu   sync.Mutex
	subs map[string][]chan string
}

// NewInlineNotifier builds an empty InlineNotifier.
func NewInlineNotifier() *InlineNotifier {
	return &InlineNotifier{subs: map[string][]chan string{}}
}

func (n *InlineNotifier) Notify(_ context.Context, channel, payload string) error {
	n.mu.Lock()
	subs := append([]chan string(nil), n.subs[channel]...)
	n.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- payload:
		default:
			// Slow subscriber: drop rather than block the appender,
			// matching spec.md's "correctness must never depend solely
			// on a notification arriving."
		}
	}
	return nil
}

func (n *InlineNotifier) Listen(ctx context.Context, channel string) (<-chan string, error) {
	ch := make(chan string, 64)

	n.mu.Lock()
	n.subs[channel] = append(n.subs[channel], ch)
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		defer n.mu.Unlock()
		subs := n.subs[channel]
		for i, c := range subs {
			if c == ch {
				n.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}
