// Package events fans registry notifications out to in-process
// subscribers. External transport (webhooks, queues) is a collaborator
// concern; indexers inside the process subscribe here.
package events

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// Type enumerates the notification kinds the registry emits.
type Type string

const (
	TypeBasketInitialized Type = "basket_initialized"
	TypeStakeDeposited    Type = "stake_deposited"
	TypeStakeWithdrawn    Type = "stake_withdrawn"
	TypeProposalOpened    Type = "proposal_opened"
	TypeVoteCast          Type = "vote_cast"
	TypeProposalFinalized Type = "proposal_finalized"
	TypeRebalanceExecuted Type = "rebalance_executed"
)

// Event is one notification. Data carries the type-specific payload and is
// JSON-serializable for the SSE feed.
type Event struct {
	ID     string           `json:"id"`
	Type   Type             `json:"type"`
	Basket solana.PublicKey `json:"basket"`
	At     time.Time        `json:"at"`
	Data   any              `json:"data,omitempty"`
}

// Bus is a non-blocking fan-out: slow subscribers drop events rather than
// stall the instruction that published them.
type Bus struct {
	mu      sync.Mutex
	subs    map[chan Event]struct{}
	buffer  int
	counter uint64
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[chan Event]struct{}),
		buffer: buffer,
	}
}

// Subscribe returns a channel receiving all subsequent events.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes the channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish assigns the event an ID and delivers it to all subscribers.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counter++
	evt.ID = eventID(evt, b.counter)
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// eventID is a short content-derived identifier, base58 like every other
// identifier in the registry.
func eventID(evt Event, seq uint64) string {
	h := sha256.New()
	h.Write([]byte(evt.Type))
	h.Write(evt.Basket.Bytes())
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(evt.At.UnixNano()))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], seq)
	h.Write(buf[:])
	return base58.Encode(h.Sum(nil)[:12])
}
