// Package chat implements the message synchronization engine: an ordered,
// deduplicated log of messages per conversation scope, optimistic local
// writes reconciled against backend confirmations, and idempotent
// reaction/edit/pin patches.
package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mentorhub-realtime/internal/dispatch"
	"mentorhub-realtime/internal/domain"
	"mentorhub-realtime/internal/wire"
	apperrors "mentorhub-realtime/pkg/errors"
	"mentorhub-realtime/pkg/metrics"
	"mentorhub-realtime/pkg/sanitize"
)

// CommandSender emits commands on the transport; the connection manager
// satisfies it
type CommandSender interface {
	Send(env *wire.Envelope) error
}

// MentionResolver maps message content to mentioned user ids; the presence
// tracker satisfies it
type MentionResolver interface {
	ResolveMentions(content string) []uuid.UUID
}

// Change describes what happened to a message in an update
type Change string

const (
	ChangeCreated   Change = "created"
	ChangeConfirmed Change = "confirmed"
	ChangeFailed    Change = "failed"
	ChangeDiscarded Change = "discarded"
	ChangeEdited    Change = "edited"
	ChangePinned    Change = "pinned"
	ChangeReaction  Change = "reaction"
)

// Update is handed to scope subscribers on every visible change
type Update struct {
	Scope   domain.Scope
	Change  Change
	Message *domain.Message
}

// pendingSend tracks a provisional message awaiting confirmation.
// The provisional id doubles as the correlation token on the wire.
type pendingSend struct {
	scope domain.Scope
	timer *time.Timer
}

// Engine is the message synchronization engine
type Engine struct {
	sender      CommandSender
	dispatcher  *dispatch.Dispatcher
	mentions    MentionResolver
	sendTimeout time.Duration
	log         *zap.Logger

	mu       sync.Mutex
	identity domain.Identity
	scopes   map[domain.Scope]*scopeLog
	pending  map[uuid.UUID]*pendingSend
	threads  map[uuid.UUID]*domain.Thread
	// pendingThreads maps correlation tokens to provisional thread ids
	pendingThreads map[uuid.UUID]uuid.UUID
}

// NewEngine creates a message synchronization engine
func NewEngine(sender CommandSender, dispatcher *dispatch.Dispatcher, mentions MentionResolver, sendTimeout time.Duration, log *zap.Logger) *Engine {
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		sender:         sender,
		dispatcher:     dispatcher,
		mentions:       mentions,
		sendTimeout:    sendTimeout,
		log:            log,
		scopes:         make(map[domain.Scope]*scopeLog),
		pending:        make(map[uuid.UUID]*pendingSend),
		threads:        make(map[uuid.UUID]*domain.Thread),
		pendingThreads: make(map[uuid.UUID]uuid.UUID),
	}
}

// SetIdentity records the local member used to author optimistic writes
func (e *Engine) SetIdentity(identity domain.Identity) {
	e.mu.Lock()
	e.identity = identity
	e.mu.Unlock()
}

func messageKind(scope domain.Scope) dispatch.EventKind {
	return dispatch.EventKind(string(dispatch.KindMessage) + ":" + scope.String())
}

// Subscribe registers a callback for all message changes in a scope
func (e *Engine) Subscribe(scope domain.Scope, cb func(Update)) func() {
	return e.dispatcher.Subscribe(messageKind(scope), func(payload any) {
		if update, ok := payload.(Update); ok {
			cb(update)
		}
	})
}

// SubscribeThreads registers a callback for thread changes
func (e *Engine) SubscribeThreads(cb func(*domain.Thread)) func() {
	return e.dispatcher.Subscribe(dispatch.KindThread, func(payload any) {
		if thread, ok := payload.(*domain.Thread); ok {
			cb(thread)
		}
	})
}

// Messages returns the current ordered log for a scope
func (e *Engine) Messages(scope domain.Scope) []*domain.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.scopes[scope]
	if !ok {
		return nil
	}
	return l.list()
}

// Threads returns all known threads
func (e *Engine) Threads() []*domain.Thread {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*domain.Thread, 0, len(e.threads))
	for _, t := range e.threads {
		out = append(out, t.Clone())
	}
	return out
}

// Send appends a provisional message to the scope log for optimistic UI and
// emits the send command. The returned provisional id identifies the entry
// until the backend confirms it and doubles as the correlation token.
func (e *Engine) Send(scope domain.Scope, content string, msgType domain.MessageType) (uuid.UUID, error) {
	content = sanitize.Content(content)
	if content == "" {
		return uuid.Nil, apperrors.InvalidInputError("message content is empty")
	}
	if msgType == "" {
		msgType = domain.MessageTypeText
	}

	provID := uuid.New()
	var mentions []uuid.UUID
	if e.mentions != nil {
		mentions = e.mentions.ResolveMentions(content)
	}

	e.mu.Lock()
	msg := &domain.Message{
		ProvisionalID: provID,
		AuthorID:      e.identity.UserID,
		AuthorName:    e.identity.DisplayName,
		Content:       content,
		Type:          msgType,
		Scope:         scope,
		CreatedAt:     time.Now(),
		Delivery:      domain.DeliveryPending,
		Mentions:      mentions,
	}
	e.scopeLocked(scope).insert(msg)
	e.pending[provID] = &pendingSend{
		scope: scope,
		timer: time.AfterFunc(e.sendTimeout, func() { e.markFailed(provID) }),
	}
	update := Update{Scope: scope, Change: ChangeCreated, Message: msg.Clone()}
	e.mu.Unlock()

	metrics.MessagesSentTotal.WithLabelValues(string(msgType)).Inc()
	e.dispatcher.Publish(messageKind(scope), update, "")

	e.emitSend(scope, content, msgType, provID, mentions)
	return provID, nil
}

// emitSend puts the send command on the wire; a transport refusal marks the
// provisional entry failed right away instead of waiting out the timeout
func (e *Engine) emitSend(scope domain.Scope, content string, msgType domain.MessageType, token uuid.UUID, mentions []uuid.UUID) {
	env, err := wire.NewEnvelope(wire.TypeMessageSend, wire.MessageSend{
		Scope:            scope,
		Content:          content,
		Type:             msgType,
		CorrelationToken: token,
		Mentions:         mentions,
	})
	if err == nil {
		err = e.sender.Send(env)
	}
	if err != nil {
		e.log.Warn("send command rejected", zap.String("token", token.String()), zap.Error(err))
		e.markFailed(token)
	}
}

// Retry re-emits a failed provisional message under its original
// correlation token
func (e *Engine) Retry(provisionalID uuid.UUID) error {
	e.mu.Lock()
	var msg *domain.Message
	var scope domain.Scope
	for s, l := range e.scopes {
		if found := l.byProvisionalID(provisionalID); found != nil {
			msg, scope = found, s
			break
		}
	}
	if msg == nil {
		e.mu.Unlock()
		return apperrors.NotFoundError("message")
	}
	if msg.Delivery != domain.DeliveryFailed {
		e.mu.Unlock()
		return apperrors.ConflictError("message is not in a failed state")
	}
	msg.Delivery = domain.DeliveryPending
	e.pending[provisionalID] = &pendingSend{
		scope: scope,
		timer: time.AfterFunc(e.sendTimeout, func() { e.markFailed(provisionalID) }),
	}
	content, msgType, mentions := msg.Content, msg.Type, msg.Mentions
	update := Update{Scope: scope, Change: ChangeCreated, Message: msg.Clone()}
	e.mu.Unlock()

	e.dispatcher.Publish(messageKind(scope), update, "")
	e.emitSend(scope, content, msgType, provisionalID, mentions)
	return nil
}

// Discard removes a failed provisional message from the log
func (e *Engine) Discard(provisionalID uuid.UUID) error {
	e.mu.Lock()
	for scope, l := range e.scopes {
		msg := l.byProvisionalID(provisionalID)
		if msg == nil {
			continue
		}
		if msg.Delivery == domain.DeliveryConfirmed {
			e.mu.Unlock()
			return apperrors.ConflictError("message is already confirmed")
		}
		if p, ok := e.pending[provisionalID]; ok {
			p.timer.Stop()
			delete(e.pending, provisionalID)
		}
		l.remove(provisionalID)
		update := Update{Scope: scope, Change: ChangeDiscarded, Message: msg.Clone()}
		e.mu.Unlock()
		e.dispatcher.Publish(messageKind(scope), update, "")
		return nil
	}
	e.mu.Unlock()
	return apperrors.NotFoundError("message")
}

// markFailed flips a still-pending provisional entry to failed
func (e *Engine) markFailed(provisionalID uuid.UUID) {
	e.mu.Lock()
	p, ok := e.pending[provisionalID]
	if !ok {
		e.mu.Unlock()
		return
	}
	p.timer.Stop()
	delete(e.pending, provisionalID)
	msg := e.scopeLocked(p.scope).byProvisionalID(provisionalID)
	if msg == nil || msg.Delivery != domain.DeliveryPending {
		e.mu.Unlock()
		return
	}
	msg.Delivery = domain.DeliveryFailed
	update := Update{Scope: p.scope, Change: ChangeFailed, Message: msg.Clone()}
	e.mu.Unlock()

	metrics.MessagesFailedTotal.Inc()
	e.log.Warn("message send timed out", zap.String("token", provisionalID.String()))
	e.dispatcher.Publish(messageKind(p.scope), update, "")
}

// React optimistically adds the local member's reaction and emits the
// command. Unknown message ids return NotFound without mutating state.
func (e *Engine) React(messageID uuid.UUID, emoji string) error {
	return e.applyLocalReaction(messageID, emoji, true)
}

// Unreact optimistically removes the local member's reaction
func (e *Engine) Unreact(messageID uuid.UUID, emoji string) error {
	return e.applyLocalReaction(messageID, emoji, false)
}

func (e *Engine) applyLocalReaction(messageID uuid.UUID, emoji string, add bool) error {
	if emoji == "" {
		return apperrors.InvalidInputError("emoji is required")
	}

	e.mu.Lock()
	scope, msg := e.findByServerIDLocked(messageID)
	if msg == nil {
		e.mu.Unlock()
		return apperrors.NotFoundError("message")
	}
	userID := e.identity.UserID
	var changed bool
	if add {
		changed = msg.AddReaction(emoji, userID)
	} else {
		changed = msg.RemoveReaction(emoji, userID)
	}
	var update Update
	if changed {
		update = Update{Scope: scope, Change: ChangeReaction, Message: msg.Clone()}
	}
	e.mu.Unlock()

	if changed {
		e.dispatcher.Publish(messageKind(scope), update, "")
	}

	eventType := wire.TypeReactionAdd
	op := "add"
	if !add {
		eventType = wire.TypeReactionRemove
		op = "remove"
	}
	env, err := wire.NewEnvelope(eventType, wire.Reaction{
		MessageID: messageID,
		Emoji:     emoji,
		UserID:    userID,
	})
	if err == nil {
		err = e.sender.Send(env)
	}
	if err != nil {
		e.log.Warn("reaction command rejected", zap.Error(err))
	}
	metrics.ReactionsAppliedTotal.WithLabelValues(op).Inc()
	return nil
}

// Pin optimistically sets a message's pinned flag and emits the command
func (e *Engine) Pin(messageID uuid.UUID, pinned bool) error {
	e.mu.Lock()
	scope, msg := e.findByServerIDLocked(messageID)
	if msg == nil {
		e.mu.Unlock()
		return apperrors.NotFoundError("message")
	}
	changed := msg.IsPinned != pinned
	msg.IsPinned = pinned
	var update Update
	if changed {
		update = Update{Scope: scope, Change: ChangePinned, Message: msg.Clone()}
	}
	e.mu.Unlock()

	if changed {
		e.dispatcher.Publish(messageKind(scope), update, "")
	}

	env, err := wire.NewEnvelope(wire.TypeMessagePinned, wire.MessagePinned{
		ID:     messageID,
		Pinned: pinned,
	})
	if err == nil {
		err = e.sender.Send(env)
	}
	if err != nil {
		e.log.Warn("pin command rejected", zap.Error(err))
	}
	return nil
}

// CreateThread creates a thread optimistically and emits the command.
// The returned id is provisional until the backend confirms.
func (e *Engine) CreateThread(title, topic string, tags []string) (uuid.UUID, error) {
	title = sanitize.Title(title)
	if title == "" {
		return uuid.Nil, apperrors.InvalidInputError("thread title is empty")
	}

	token := uuid.New()
	e.mu.Lock()
	thread := &domain.Thread{
		ID:        token,
		Title:     title,
		Topic:     topic,
		Tags:      tags,
		CreatedBy: e.identity.UserID,
		CreatedAt: time.Now(),
	}
	e.threads[token] = thread
	e.pendingThreads[token] = token
	published := thread.Clone()
	e.mu.Unlock()

	e.dispatcher.Publish(dispatch.KindThread, published, "")

	env, err := wire.NewEnvelope(wire.TypeThreadCreate, wire.ThreadCreate{
		Title:            title,
		Topic:            topic,
		Tags:             tags,
		CorrelationToken: token,
	})
	if err == nil {
		err = e.sender.Send(env)
	}
	if err != nil {
		e.log.Warn("thread create command rejected", zap.Error(err))
	}
	return token, nil
}

// HandleCreated applies an authoritative message.created event: a
// confirmation of one of our provisional sends, or a message from another
// member. Duplicate deliveries of the same id are no-ops.
func (e *Engine) HandleCreated(ev *wire.MessageCreated, eventID string) {
	e.mu.Lock()
	l := e.scopeLocked(ev.Scope)

	// Confirmation path: match our provisional entry by correlation token,
	// replace it in place, and keep a duplicate confirmation from creating
	// a second visible message
	if ev.CorrelationToken != uuid.Nil {
		if msg := l.byProvisionalID(ev.CorrelationToken); msg != nil {
			if msg.Delivery == domain.DeliveryConfirmed {
				// already resolved; duplicate confirmation
				e.mu.Unlock()
				metrics.MessagesDuplicateTotal.Inc()
				return
			}
			if p, ok := e.pending[ev.CorrelationToken]; ok {
				p.timer.Stop()
				delete(e.pending, ev.CorrelationToken)
			}
			msg.ID = ev.ID
			msg.Content = ev.Content
			msg.CreatedAt = ev.CreatedAt
			msg.Delivery = domain.DeliveryConfirmed
			l.resort()
			e.touchThreadLocked(ev.Scope, ev.CreatedAt)
			update := Update{Scope: ev.Scope, Change: ChangeConfirmed, Message: msg.Clone()}
			e.mu.Unlock()

			metrics.MessagesConfirmedTotal.Inc()
			e.dispatcher.Publish(messageKind(ev.Scope), update, eventID)
			return
		}
	}

	// Insert path, idempotent on the backend id
	msg := &domain.Message{
		ID:         ev.ID,
		AuthorID:   ev.AuthorID,
		AuthorName: ev.AuthorName,
		Content:    ev.Content,
		Type:       ev.Type,
		Scope:      ev.Scope,
		CreatedAt:  ev.CreatedAt,
		Delivery:   domain.DeliveryConfirmed,
		Mentions:   ev.Mentions,
	}
	if !l.insert(msg) {
		e.mu.Unlock()
		metrics.MessagesDuplicateTotal.Inc()
		e.log.Debug("duplicate message delivery discarded", zap.String("id", ev.ID.String()))
		return
	}
	e.touchThreadLocked(ev.Scope, ev.CreatedAt)
	update := Update{Scope: ev.Scope, Change: ChangeCreated, Message: msg.Clone()}
	e.mu.Unlock()

	e.dispatcher.Publish(messageKind(ev.Scope), update, eventID)
}

// HandleEdited applies an authoritative content patch
func (e *Engine) HandleEdited(ev *wire.MessageEdited, eventID string) {
	e.mu.Lock()
	scope, msg := e.findByServerIDLocked(ev.ID)
	if msg == nil {
		e.mu.Unlock()
		e.log.Debug("edit for unknown message", zap.String("id", ev.ID.String()))
		return
	}
	msg.Content = ev.Content
	edited := ev.EditedAt
	msg.EditedAt = &edited
	update := Update{Scope: scope, Change: ChangeEdited, Message: msg.Clone()}
	e.mu.Unlock()

	e.dispatcher.Publish(messageKind(scope), update, eventID)
}

// HandlePinned applies an authoritative pin patch
func (e *Engine) HandlePinned(ev *wire.MessagePinned, eventID string) {
	e.mu.Lock()
	scope, msg := e.findByServerIDLocked(ev.ID)
	if msg == nil {
		e.mu.Unlock()
		return
	}
	msg.IsPinned = ev.Pinned
	update := Update{Scope: scope, Change: ChangePinned, Message: msg.Clone()}
	e.mu.Unlock()

	e.dispatcher.Publish(messageKind(scope), update, eventID)
}

// HandleReaction applies an authoritative reaction patch. The backend's
// view wins over a stale optimistic guess; membership changes that already
// happened locally resolve silently as no-ops.
func (e *Engine) HandleReaction(add bool, ev *wire.Reaction, eventID string) {
	e.mu.Lock()
	scope, msg := e.findByServerIDLocked(ev.MessageID)
	if msg == nil {
		e.mu.Unlock()
		e.log.Debug("reaction for unknown message", zap.String("id", ev.MessageID.String()))
		return
	}
	var changed bool
	if add {
		changed = msg.AddReaction(ev.Emoji, ev.UserID)
	} else {
		changed = msg.RemoveReaction(ev.Emoji, ev.UserID)
	}
	var update Update
	if changed {
		update = Update{Scope: scope, Change: ChangeReaction, Message: msg.Clone()}
	}
	e.mu.Unlock()

	if changed {
		e.dispatcher.Publish(messageKind(scope), update, eventID)
	}
}

// HandleThreadCreated resolves a thread confirmation or records a thread
// created by another member
func (e *Engine) HandleThreadCreated(ev *wire.ThreadCreated, eventID string) {
	e.mu.Lock()
	if provID, ok := e.pendingThreads[ev.CorrelationToken]; ok {
		delete(e.pendingThreads, ev.CorrelationToken)
		thread := e.threads[provID]
		delete(e.threads, provID)
		if thread == nil {
			thread = &domain.Thread{}
		}
		thread.ID = ev.ID
		thread.Title = ev.Title
		thread.Topic = ev.Topic
		thread.Tags = ev.Tags
		thread.CreatedBy = ev.CreatedBy
		thread.CreatedAt = ev.CreatedAt
		e.threads[ev.ID] = thread
		published := thread.Clone()
		e.mu.Unlock()
		e.dispatcher.Publish(dispatch.KindThread, published, eventID)
		return
	}
	if _, exists := e.threads[ev.ID]; exists {
		e.mu.Unlock()
		return
	}
	thread := &domain.Thread{
		ID:        ev.ID,
		Title:     ev.Title,
		Topic:     ev.Topic,
		Tags:      ev.Tags,
		CreatedBy: ev.CreatedBy,
		CreatedAt: ev.CreatedAt,
	}
	e.threads[ev.ID] = thread
	published := thread.Clone()
	e.mu.Unlock()
	e.dispatcher.Publish(dispatch.KindThread, published, eventID)
}

// scopeLocked returns the log for a scope, creating it on first use
func (e *Engine) scopeLocked(scope domain.Scope) *scopeLog {
	l, ok := e.scopes[scope]
	if !ok {
		l = &scopeLog{}
		e.scopes[scope] = l
	}
	return l
}

// findByServerIDLocked locates a confirmed message across all scopes
func (e *Engine) findByServerIDLocked(id uuid.UUID) (domain.Scope, *domain.Message) {
	for scope, l := range e.scopes {
		if msg := l.byServerID(id); msg != nil {
			return scope, msg
		}
	}
	return domain.Scope{}, nil
}

// touchThreadLocked updates the derived thread counters for a confirmed
// message in a thread scope
func (e *Engine) touchThreadLocked(scope domain.Scope, at time.Time) {
	if scope.IsGlobal() {
		return
	}
	thread, ok := e.threads[scope.ThreadID]
	if !ok {
		// Message for a thread we have not seen the creation of yet
		thread = &domain.Thread{ID: scope.ThreadID}
		e.threads[scope.ThreadID] = thread
	}
	thread.Touch(at)
}

// PendingCount reports the number of sends awaiting confirmation
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Stop cancels all outstanding confirmation timers
func (e *Engine) Stop() {
	e.mu.Lock()
	for id, p := range e.pending {
		p.timer.Stop()
		delete(e.pending, id)
	}
	e.mu.Unlock()
}
