// Package gap answers "what did I miss": the messages posted in a channel
// between a user's previous message and a reference message.
package gap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/aigis/internal/storage"
)

// DefaultCap bounds a gap when the caller passes cap <= 0.
const DefaultCap = 50

// Outcome tells why a gap did or did not produce messages.
type Outcome int

const (
	// Found means both boundaries resolved; Messages may still be empty
	// when nothing was posted in between.
	Found Outcome = iota
	// ReferenceNotFound means no message has the reference external id.
	ReferenceNotFound
	// NoPriorMessage means the user has no earlier message in the channel.
	NoPriorMessage
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case ReferenceNotFound:
		return "reference_not_found"
	case NoPriorMessage:
		return "no_prior_message"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// MarshalText renders the outcome by name.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Outcome) UnmarshalText(b []byte) error {
	for _, c := range []Outcome{Found, ReferenceNotFound, NoPriorMessage} {
		if c.String() == string(b) {
			*o = c
			return nil
		}
	}
	return fmt.Errorf("unknown gap outcome %q", b)
}

// Request identifies the gap to compute.
type Request struct {
	UserID              string
	ChannelID           string
	ReferenceExternalID string
	Cap                 int
}

// Result is the computed gap. Previous and Reference are set only when the
// outcome is Found.
type Result struct {
	Outcome   Outcome
	Previous  *storage.Message
	Reference *storage.Message
	Messages  []storage.Message
	Truncated bool
}

// Empty reports whether there is nothing to show, for whatever reason.
func (r Result) Empty() bool { return len(r.Messages) == 0 }

// Ledger is the storage surface the detector reads.
type Ledger interface {
	GetByExternalID(ctx context.Context, externalID string) (storage.Message, error)
	PriorMessageByAuthor(ctx context.Context, channelID, authorID string, ref storage.Message) (storage.Message, error)
	MessagesBetween(ctx context.Context, channelID string, after, before storage.Message, limit int) ([]storage.Message, error)
}

// Detector computes gaps.
type Detector struct {
	ledger Ledger
	logger *slog.Logger
}

// New creates a Detector.
func New(ledger Ledger, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{ledger: ledger, logger: logger}
}

// Gap returns the messages in req.ChannelID strictly between the user's
// previous message and the reference, ascending, at most req.Cap of them.
// Storage failures are returned as errors, never folded into an empty gap.
func (d *Detector) Gap(ctx context.Context, req Request) (Result, error) {
	limit := req.Cap
	if limit <= 0 {
		limit = DefaultCap
	}

	ref, err := d.ledger.GetByExternalID(ctx, req.ReferenceExternalID)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{Outcome: ReferenceNotFound}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("loading reference message %s: %w", req.ReferenceExternalID, err)
	}
	if ref.ChannelID != req.ChannelID {
		d.logger.Debug("gap reference is in another channel", "external_id", ref.ExternalID, "channel_id", req.ChannelID)
	}

	prev, err := d.ledger.PriorMessageByAuthor(ctx, req.ChannelID, req.UserID, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{Outcome: NoPriorMessage}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("loading prior message of %s: %w", req.UserID, err)
	}

	// One extra row tells whether the cap cut anything off.
	msgs, err := d.ledger.MessagesBetween(ctx, req.ChannelID, prev, ref, limit+1)
	if err != nil {
		return Result{}, fmt.Errorf("loading gap messages: %w", err)
	}
	truncated := len(msgs) > limit
	if truncated {
		msgs = msgs[:limit]
	}

	return Result{
		Outcome:   Found,
		Previous:  &prev,
		Reference: &ref,
		Messages:  msgs,
		Truncated: truncated,
	}, nil
}
