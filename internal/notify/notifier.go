// Package notify fans auction events out to operator chat channels. Each
// Notifier forwards only the event kinds it was configured with.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/dutchauction/internal/domain"
)

// Field is one labelled value in a notification.
type Field struct {
	Name  string
	Value string
}

// Message is a channel-neutral notification.
type Message struct {
	Title  string
	Body   string
	Fields []Field
}

// Sender delivers a Message to one channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Notifier dispatches to every sender. An empty kinds list allows all
// event kinds.
type Notifier struct {
	senders []Sender
	kinds   map[domain.EventKind]bool
	logger  *slog.Logger
}

func NewNotifier(senders []Sender, kinds []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventKind]bool, len(kinds))
	for _, k := range kinds {
		if k = strings.TrimSpace(k); k != "" {
			allowed[domain.EventKind(k)] = true
		}
	}
	return &Notifier{
		senders: senders,
		kinds:   allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return n != nil && len(n.senders) > 0 }

// NotifyEvent formats ev and sends it if its kind is allowed.
func (n *Notifier) NotifyEvent(ctx context.Context, ev domain.Event) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.kinds) > 0 && !n.kinds[ev.Kind] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("kind", string(ev.Kind)))
		return nil
	}
	return n.dispatch(ctx, FormatEvent(ev))
}

// NotifyAll bypasses the kind filter.
func (n *Notifier) NotifyAll(ctx context.Context, msg Message) error {
	if !n.Enabled() {
		return nil
	}
	return n.dispatch(ctx, msg)
}

// dispatch tries every sender; one failure does not stop the others.
func (n *Notifier) dispatch(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", msg.Title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// FormatEvent renders an auction event for humans.
func FormatEvent(ev domain.Event) Message {
	msg := Message{Fields: []Field{{Name: "Auction", Value: ev.AuctionID}}}
	add := func(name, value string) {
		msg.Fields = append(msg.Fields, Field{Name: name, Value: value})
	}

	switch ev.Kind {
	case domain.EventAuctionSetup:
		msg.Title = "Auction set up"
		msg.Body = fmt.Sprintf("%d units on offer", ev.Quantity)
	case domain.EventAuctionStarted:
		msg.Title = "Auction started"
		msg.Body = "Bidding is open at " + ev.Price.String()
	case domain.EventBidAccepted:
		msg.Title = "Bid accepted"
		msg.Body = fmt.Sprintf("%s bought %d units", ev.Participant, ev.Quantity)
		add("Amount", ev.Amount.String())
	case domain.EventBidPartiallyRefunded:
		msg.Title = "Bid partially refunded"
		msg.Body = ev.Participant + " was refunded the unfilled remainder"
		add("Refund", ev.Amount.String())
	case domain.EventAuctionEnded:
		msg.Title = "Auction ended"
		msg.Body = "Ended: " + ev.Reason.String()
		add("Units sold", fmt.Sprintf("%d", ev.Quantity))
	case domain.EventTokensClaimed:
		msg.Title = "Tokens claimed"
		msg.Body = fmt.Sprintf("%s claimed %d units", ev.Participant, ev.Quantity)
	case domain.EventTokensDistributed:
		msg.Title = "Tokens distributed"
		msg.Body = fmt.Sprintf("%d units delivered", ev.Quantity)
	default:
		msg.Title = string(ev.Kind)
	}
	if !ev.Price.IsZero() {
		add("Price", ev.Price.String())
	}
	add("Seq", fmt.Sprintf("%d", ev.Seq))
	return msg
}
