// Package ws is the client side of the room signaling relay: one websocket
// carrying negotiation envelopes and presence updates.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/roster"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

type Options struct {
	URL        string
	Room       domain.RoomName
	Self       domain.ParticipantID
	Name       string
	ReadLimit  int64
	PingPeriod time.Duration
	Limiter    *OfferLimiter
}

// Transport owns the websocket and its pumps. Envelopes not addressed to
// the local participant are dropped here, before the call layer sees them.
type Transport struct {
	self    domain.ParticipantID
	conn    *websocket.Conn
	send    chan core.Frame
	table   *roster.Table
	limiter *OfferLimiter
	cancel  context.CancelFunc

	mu     sync.RWMutex
	closed bool
	subs   []chan *domain.SignalEnvelope
}

// Dial connects and joins the room, then starts the read/write pumps.
// Presence messages feed table; negotiation envelopes go to subscribers.
func Dial(ctx context.Context, opts Options, table *roster.Table) (*Transport, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("room", string(opts.Room))
	q.Set("id", string(opts.Self))
	q.Set("name", opts.Name)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.Join(domain.ErrSignalingUnavailable, err)
	}
	if opts.ReadLimit > 0 {
		conn.SetReadLimit(opts.ReadLimit)
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &Transport{
		self:    opts.Self,
		conn:    conn,
		send:    make(chan core.Frame, 32),
		table:   table,
		limiter: opts.Limiter,
		cancel:  cancel,
	}

	pingPeriod := opts.PingPeriod
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}

	go t.writePump(ctx, pingPeriod)
	go t.readPump(ctx)

	log.Info().Str("module", "ws").Str("url", u.Redacted()).Str("room", string(opts.Room)).Msg("signaling connected")
	return t, nil
}

func (t *Transport) Publish(env *domain.SignalEnvelope) error {
	if env.From == "" {
		env.From = t.self
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return t.trySend(b)
}

func (t *Transport) trySend(f core.Frame) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return domain.ErrSignalingUnavailable
	}
	select {
	case t.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

// Subscribe returns a buffered envelope channel. Slow subscribers drop
// messages rather than stalling the read pump.
func (t *Transport) Subscribe() (<-chan *domain.SignalEnvelope, func()) {
	ch := make(chan *domain.SignalEnvelope, 32)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, sub := range t.subs {
			if sub == ch {
				close(sub)
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}

func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.send)
	for _, sub := range t.subs {
		close(sub)
	}
	t.subs = nil
	t.mu.Unlock()

	t.cancel()
	_ = t.conn.Close()
	log.Info().Str("module", "ws").Msg("signaling closed")
}

func (t *Transport) writePump(ctx context.Context, pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "ws").Msg("writePump ctx done")
			return
		case <-ticker.C:
			_ = t.trySend(core.Frame(`{"type":"ping"}`))
		case data, ok := <-t.send:
			if !ok {
				return
			}
			if err := t.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump set deadline")
				return
			}
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump write error")
				return
			}
		}
	}
}

func (t *Transport) readPump(ctx context.Context) {
	defer func() {
		log.Info().Str("module", "ws").Msg("readPump closing")
		t.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := t.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("readPump read error")
				return
			}
			t.handleMessage(data)
		}
	}
}

type wireMember struct {
	ID       domain.ParticipantID `json:"id"`
	Username string               `json:"username"`
}

func (m wireMember) participant() domain.Participant {
	return domain.Participant{ID: m.ID, Name: m.Username, Online: true}
}

func (t *Transport) handleMessage(data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("bad json")
		return
	}

	switch domain.SignalKind(head.Type) {
	case domain.KindOffer, domain.KindAnswer, domain.KindCandidate, domain.KindHangup:
		t.handleEnvelope(data)
		return
	}

	switch head.Type {
	case "room_state":
		t.handleRoomState(data)
	case "member_joined":
		t.handleMember(data, true)
	case "member_left":
		t.handleMember(data, false)
	case "pong":
	case "error":
		var p struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &p)
		log.Warn().Str("module", "ws").Str("error", p.Error).Msg("server error")
	default:
		log.Warn().Str("module", "ws").Str("type", head.Type).Msg("unknown message")
	}
}

func (t *Transport) handleEnvelope(data []byte) {
	var env domain.SignalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("bad envelope")
		return
	}
	if !env.AddressedTo(t.self) {
		return
	}
	if env.Kind == domain.KindOffer && t.limiter != nil && !t.limiter.Allow(env.From) {
		log.Warn().Str("module", "ws").Str("from", string(env.From)).Msg("offer rate limited")
		return
	}

	t.mu.RLock()
	subs := make([]chan *domain.SignalEnvelope, len(t.subs))
	copy(subs, t.subs)
	t.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub <- &env:
		default:
			log.Warn().Str("module", "ws").Str("kind", string(env.Kind)).Msg("subscriber full, dropping")
		}
	}
}

func (t *Transport) handleRoomState(data []byte) {
	var p struct {
		Members []wireMember `json:"members"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("bad room_state payload")
		return
	}
	parts := make([]domain.Participant, 0, len(p.Members))
	for _, m := range p.Members {
		parts = append(parts, m.participant())
	}
	t.table.ApplySnapshot(parts)
}

func (t *Transport) handleMember(data []byte, joined bool) {
	var p struct {
		User wireMember `json:"user"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("bad member payload")
		return
	}
	if joined {
		t.table.Join(p.User.participant())
	} else {
		t.table.Leave(p.User.ID)
	}
}
