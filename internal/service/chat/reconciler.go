package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/zhouzirui/chat-canvas/backend/internal/model/chat"
	"github.com/zhouzirui/chat-canvas/backend/internal/service/generation"
	"github.com/zhouzirui/chat-canvas/backend/internal/store"
)

var (
	ErrNoIdentity      = errors.New("no signed-in identity")
	ErrBusy            = errors.New("assistant is already responding")
	ErrNotLoaded       = errors.New("sessions are not loaded yet")
	ErrEmptyMessage    = errors.New("message content is required")
	ErrLoadSuperseded  = errors.New("load superseded by identity change")
	ErrSessionNotFound = store.ErrSessionNotFound
)

// RootPath is the address of the session list.
const RootPath = "/chat"

const fallbackAnswer = "I'm sorry, I couldn't generate a response."

// SessionPath is the address that displays a single session.
func SessionPath(sessionID string) string {
	return RootPath + "/" + sessionID
}

// Navigator changes the address displayed to the identity's views.
type Navigator interface {
	Navigate(path string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(path string)

func (f NavigatorFunc) Navigate(path string) { f(path) }

type noopNavigator struct{}

func (noopNavigator) Navigate(string) {}

// State is a point-in-time copy of everything the reconciler owns.
type State struct {
	Identity      string            `json:"identity"`
	Sessions      []chat.Session    `json:"sessions"`
	Current       *chat.Session     `json:"current,omitempty"`
	Sending       bool              `json:"sending"`
	Loading       bool              `json:"loading"`
	Loaded        bool              `json:"loaded"`
	Conversations map[string]string `json:"conversations"`
}

// Exchange is the pair of messages produced by Send.
type Exchange struct {
	User      chat.Message `json:"user"`
	Assistant chat.Message `json:"assistant"`
}

// Reconciler keeps the in-memory session list of one identity consistent
// with the persistent store and with the generation service's conversation
// handles. The list and the current session share *chat.Session values, so
// an update through one is visible through the other.
type Reconciler struct {
	store  store.Store
	gen    generation.Client
	nav    Navigator
	logger *zap.Logger

	flights singleflight.Group
	queue   keyedQueue

	mu            sync.Mutex
	identity      string
	sessions      []*chat.Session
	current       *chat.Session
	sending       bool
	loading       bool
	loaded        bool
	autoCreated   bool
	loadSeq       uint64
	createdInLoad []*chat.Session
	deletedInLoad map[string]bool
	conversations map[string]string
}

// NewReconciler wires a reconciler to its collaborators. A missing store or
// generation client is a wiring defect and panics.
func NewReconciler(st store.Store, gen generation.Client, nav Navigator, logger *zap.Logger) *Reconciler {
	if st == nil {
		panic("chat: reconciler requires a store")
	}
	if gen == nil {
		panic("chat: reconciler requires a generation client")
	}
	if nav == nil {
		nav = noopNavigator{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:         st,
		gen:           gen,
		nav:           nav,
		logger:        logger.Named("reconciler"),
		conversations: make(map[string]string),
	}
}

// Identity returns the identity the reconciler currently serves.
func (r *Reconciler) Identity() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity
}

// Loaded reports whether a load for the current identity has completed.
func (r *Reconciler) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// Load replaces the session list with the sessions persisted for identity.
// An empty identity clears all state.
func (r *Reconciler) Load(ctx context.Context, identity string) error {
	r.mu.Lock()
	r.loadSeq++
	seq := r.loadSeq
	if identity == "" || identity != r.identity {
		r.resetLocked(identity)
	}
	if identity == "" {
		r.mu.Unlock()
		return nil
	}
	r.loading = true
	r.mu.Unlock()

	fetchCtx := context.WithoutCancel(ctx)
	v, err, _ := r.flights.Do("load:"+identity, func() (any, error) {
		return r.store.ListSessions(fetchCtx, identity)
	})

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.identity != identity {
		return ErrLoadSuperseded
	}
	if r.loadSeq != seq {
		// A later load for the same identity commits the result.
		return nil
	}
	r.loading = false

	if err != nil {
		r.createdInLoad = nil
		r.deletedInLoad = nil
		r.sessions = nil
		r.current = nil
		r.loaded = false
		r.conversations = make(map[string]string)
		r.logger.Error("failed to load sessions", zap.String("identity", identity), zap.Error(err))
		return fmt.Errorf("load sessions: %w", err)
	}

	fetched := v.([]chat.Session)
	sessions := make([]*chat.Session, 0, len(fetched)+len(r.createdInLoad))
	seen := make(map[string]bool, len(fetched))
	for i := range fetched {
		if r.deletedInLoad[fetched[i].ID] {
			continue
		}
		s := fetched[i].Clone()
		sessions = append(sessions, &s)
		seen[s.ID] = true
	}
	// Sessions created while the fetch was in flight may be missing from it.
	for i := len(r.createdInLoad) - 1; i >= 0; i-- {
		if s := r.createdInLoad[i]; !seen[s.ID] {
			sessions = append([]*chat.Session{s}, sessions...)
		}
	}
	r.createdInLoad = nil
	r.deletedInLoad = nil

	var currentID string
	if r.current != nil {
		currentID = r.current.ID
	}
	r.sessions = sessions
	r.current = r.findLocked(currentID)

	r.conversations = make(map[string]string, len(sessions))
	for _, s := range sessions {
		if s.ConversationID != "" {
			r.conversations[s.ID] = s.ConversationID
		}
	}

	r.loaded = true
	r.autoCreated = false
	r.logger.Debug("sessions loaded", zap.String("identity", identity), zap.Int("count", len(sessions)))
	return nil
}

// Close tears the reconciler down, e.g. after sign-out.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadSeq++
	r.resetLocked("")
}

// Create persists a new untitled session, makes it current and navigates
// to it. Concurrent calls collapse into a single creation.
func (r *Reconciler) Create(ctx context.Context) (chat.Session, error) {
	identity := r.Identity()
	if identity == "" {
		return chat.Session{}, ErrNoIdentity
	}

	createCtx := context.WithoutCancel(ctx)
	v, err, _ := r.flights.Do("create:"+identity, func() (any, error) {
		created, err := r.store.CreateSession(createCtx, identity)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if r.identity != identity {
			r.mu.Unlock()
			return created, nil
		}
		s := created.Clone()
		r.sessions = append([]*chat.Session{&s}, r.sessions...)
		r.current = &s
		if r.loading {
			r.createdInLoad = append(r.createdInLoad, &s)
		}
		r.mu.Unlock()

		r.nav.Navigate(SessionPath(created.ID))
		return created, nil
	})
	if err != nil {
		r.logger.Error("failed to create session", zap.String("identity", identity), zap.Error(err))
		return chat.Session{}, fmt.Errorf("create session: %w", err)
	}

	return v.(chat.Session), nil
}

// Append persists a message and then adds it to the in-memory session.
// Appends to the same session are applied in call order.
func (r *Reconciler) Append(ctx context.Context, sessionID string, role chat.Role, content string) (chat.Message, error) {
	identity := r.Identity()
	if identity == "" {
		return chat.Message{}, ErrNoIdentity
	}
	return r.appendAs(ctx, identity, sessionID, role, content)
}

func (r *Reconciler) appendAs(ctx context.Context, identity, sessionID string, role chat.Role, content string) (chat.Message, error) {
	if _, err := chat.ParseRole(string(role)); err != nil {
		return chat.Message{}, err
	}
	if strings.TrimSpace(content) == "" {
		return chat.Message{}, ErrEmptyMessage
	}

	var stored chat.Message
	err := r.queue.Do(sessionID, func() error {
		title := ""
		if role == chat.RoleUser && r.needsTitle(identity, sessionID) {
			title = chat.DeriveTitle(content)
		}

		msg, newTitle, err := r.store.InsertMessage(ctx, identity, chat.Message{
			SessionID: sessionID,
			Role:      role,
			Content:   content,
		}, title)
		if err != nil {
			return err
		}

		r.mu.Lock()
		if r.identity == identity {
			if s := r.findLocked(sessionID); s != nil {
				s.Messages = append(s.Messages, msg)
				s.Title = newTitle
			}
		}
		r.mu.Unlock()

		stored = msg
		return nil
	})
	if err != nil {
		r.logger.Error("failed to append message",
			zap.String("identity", identity),
			zap.String("session_id", sessionID),
			zap.String("role", string(role)),
			zap.Error(err))
		return chat.Message{}, fmt.Errorf("append message: %w", err)
	}
	return stored, nil
}

// needsTitle reports whether no user message has been recorded yet for a
// session still holding the sentinel title. Sessions not held in memory
// defer to the store's own sentinel check.
func (r *Reconciler) needsTitle(identity, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.identity != identity {
		return true
	}
	s := r.findLocked(sessionID)
	if s == nil {
		return true
	}
	if !s.Untitled() {
		return false
	}
	for _, m := range s.Messages {
		if m.Role == chat.RoleUser {
			return false
		}
	}
	return true
}

// Generate asks the generation service to answer text within the session's
// conversation and appends the reply, or an apology when it fails.
func (r *Reconciler) Generate(ctx context.Context, sessionID, text string) (chat.Message, error) {
	identity := r.Identity()
	if identity == "" {
		return chat.Message{}, ErrNoIdentity
	}
	if !r.beginSending() {
		return chat.Message{}, ErrBusy
	}
	defer r.endSending()

	ctx = context.WithoutCancel(ctx)
	// The prompt only leaves the process for a session the identity owns.
	if _, err := r.store.GetSession(ctx, identity, sessionID); err != nil {
		return chat.Message{}, fmt.Errorf("generate: %w", err)
	}
	return r.generate(ctx, identity, sessionID, text)
}

// Send appends the user's message and generates the assistant's reply.
func (r *Reconciler) Send(ctx context.Context, sessionID, text string) (Exchange, error) {
	identity := r.Identity()
	if identity == "" {
		return Exchange{}, ErrNoIdentity
	}
	if strings.TrimSpace(text) == "" {
		return Exchange{}, ErrEmptyMessage
	}
	if !r.beginSending() {
		return Exchange{}, ErrBusy
	}
	defer r.endSending()

	// The reply is committed even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	userMsg, err := r.appendAs(ctx, identity, sessionID, chat.RoleUser, text)
	if err != nil {
		return Exchange{}, err
	}

	reply, err := r.generate(ctx, identity, sessionID, text)
	if err != nil {
		return Exchange{User: userMsg}, err
	}
	return Exchange{User: userMsg, Assistant: reply}, nil
}

func (r *Reconciler) generate(ctx context.Context, identity, sessionID, text string) (chat.Message, error) {
	log := r.logger.With(zap.String("identity", identity), zap.String("session_id", sessionID))

	handle := r.conversationFor(sessionID)
	req := generation.Request{
		Query:          text,
		ConversationID: handle,
		User:           identity,
		Mode:           generation.ModeBlocking,
	}

	resp, err := r.gen.Generate(ctx, req)
	if err != nil && handle != "" && errors.Is(err, generation.ErrConversationNotFound) {
		log.Info("conversation not found, starting a new one", zap.String("conversation_id", handle))
		r.setConversation(ctx, identity, sessionID, "")
		handle = ""
		resp, err = r.gen.Generate(ctx, generation.WithoutConversation(req))
	}
	if err != nil {
		log.Warn("generation failed", zap.Error(err))
		return r.appendAs(ctx, identity, sessionID, chat.RoleAssistant, apology(err))
	}

	if resp.ConversationID != "" && resp.ConversationID != handle {
		r.setConversation(ctx, identity, sessionID, resp.ConversationID)
	}

	answer := resp.Answer
	if strings.TrimSpace(answer) == "" {
		answer = fallbackAnswer
	}
	return r.appendAs(ctx, identity, sessionID, chat.RoleAssistant, answer)
}

// apology is the assistant message recorded in place of a failed reply.
func apology(err error) string {
	var apiErr *generation.APIError
	switch {
	case errors.As(err, &apiErr):
		return fmt.Sprintf("Sorry, I ran into a problem while answering (the assistant service responded with %d %s). Please try again.",
			apiErr.Status, http.StatusText(apiErr.Status))
	case errors.Is(err, context.DeadlineExceeded):
		return "Sorry, the assistant took too long to respond. Please try again."
	default:
		return "Sorry, I couldn't reach the assistant service. Please try again in a moment."
	}
}

func (r *Reconciler) beginSending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sending {
		return false
	}
	r.sending = true
	return true
}

func (r *Reconciler) endSending() {
	r.mu.Lock()
	r.sending = false
	r.mu.Unlock()
}

func (r *Reconciler) conversationFor(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conversations[sessionID]
}

// setConversation persists a handle change and mirrors it in memory. A
// blank handle removes the mapping. Failures are logged; the reply itself
// still gets recorded.
func (r *Reconciler) setConversation(ctx context.Context, identity, sessionID, handle string) {
	if err := r.store.SetConversation(ctx, identity, sessionID, handle); err != nil {
		r.logger.Warn("failed to persist conversation handle",
			zap.String("session_id", sessionID), zap.Error(err))
		if errors.Is(err, store.ErrSessionNotFound) {
			return
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.identity != identity {
		return
	}
	s := r.findLocked(sessionID)
	if s == nil {
		return
	}
	s.ConversationID = handle
	if handle == "" {
		delete(r.conversations, sessionID)
	} else {
		r.conversations[sessionID] = handle
	}
}

// Delete removes a session and everything hanging off it. When the session
// was current, the new list head becomes current. When no session is left,
// a fresh one is created and becomes current.
func (r *Reconciler) Delete(ctx context.Context, sessionID string) error {
	identity := r.Identity()
	if identity == "" {
		return ErrNoIdentity
	}

	var (
		wasCurrent bool
		emptied    bool
		next       string
	)
	err := r.queue.Do(sessionID, func() error {
		if err := r.store.DeleteSession(ctx, identity, sessionID); err != nil {
			return err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.identity != identity {
			return nil
		}
		wasCurrent = r.current != nil && r.current.ID == sessionID
		r.removeLocked(sessionID)
		delete(r.conversations, sessionID)
		if wasCurrent {
			r.current = nil
			if len(r.sessions) > 0 {
				r.current = r.sessions[0]
				next = r.current.ID
			}
		}
		emptied = len(r.sessions) == 0 && (wasCurrent || (r.loaded && !r.loading))
		return nil
	})
	if err != nil {
		r.logger.Error("failed to delete session",
			zap.String("identity", identity), zap.String("session_id", sessionID), zap.Error(err))
		return fmt.Errorf("delete session: %w", err)
	}

	if emptied {
		_, err = r.Create(ctx)
		return err
	}
	if next != "" {
		r.nav.Navigate(SessionPath(next))
	}
	return nil
}

// Select resolves a session address against the loaded list and makes the
// session current. Unknown ids navigate back to the list root.
func (r *Reconciler) Select(_ context.Context, sessionID string) (chat.Session, error) {
	r.mu.Lock()
	if r.identity == "" {
		r.mu.Unlock()
		return chat.Session{}, ErrNoIdentity
	}
	if r.loading || !r.loaded {
		r.mu.Unlock()
		return chat.Session{}, ErrNotLoaded
	}
	if s := r.findLocked(sessionID); s != nil {
		r.current = s
		out := s.Clone()
		r.mu.Unlock()
		return out, nil
	}
	r.mu.Unlock()

	r.nav.Navigate(RootPath)
	return chat.Session{}, ErrSessionNotFound
}

// ViewRoot handles the list root being displayed. With no sessions it
// creates one, once per load cycle; otherwise it sends the view to the
// current session or to the head of the list. It returns the session the
// view ends up on, if any.
func (r *Reconciler) ViewRoot(ctx context.Context) (*chat.Session, error) {
	r.mu.Lock()
	if r.identity == "" {
		r.mu.Unlock()
		return nil, ErrNoIdentity
	}
	if r.loading || !r.loaded {
		r.mu.Unlock()
		return nil, ErrNotLoaded
	}

	if len(r.sessions) == 0 {
		if r.autoCreated {
			r.mu.Unlock()
			return nil, nil
		}
		r.autoCreated = true
		r.mu.Unlock()

		created, err := r.Create(ctx)
		if err != nil {
			r.mu.Lock()
			r.autoCreated = false
			r.mu.Unlock()
			return nil, err
		}
		return &created, nil
	}

	target := r.current
	if target == nil {
		target = r.sessions[0]
	}
	out := target.Clone()
	r.mu.Unlock()

	r.nav.Navigate(SessionPath(out.ID))
	return &out, nil
}

// Snapshot returns a deep copy of the reconciler's state.
func (r *Reconciler) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := State{
		Identity:      r.identity,
		Sessions:      make([]chat.Session, 0, len(r.sessions)),
		Sending:       r.sending,
		Loading:       r.loading,
		Loaded:        r.loaded,
		Conversations: make(map[string]string, len(r.conversations)),
	}
	for _, s := range r.sessions {
		state.Sessions = append(state.Sessions, s.Clone())
	}
	if r.current != nil {
		current := r.current.Clone()
		state.Current = &current
	}
	for k, v := range r.conversations {
		state.Conversations[k] = v
	}
	return state
}

func (r *Reconciler) resetLocked(identity string) {
	r.identity = identity
	r.sessions = nil
	r.current = nil
	r.loading = false
	r.loaded = false
	r.autoCreated = false
	r.createdInLoad = nil
	r.deletedInLoad = nil
	r.conversations = make(map[string]string)
}

func (r *Reconciler) findLocked(sessionID string) *chat.Session {
	if sessionID == "" {
		return nil
	}
	for _, s := range r.sessions {
		if s.ID == sessionID {
			return s
		}
	}
	return nil
}

func (r *Reconciler) removeLocked(sessionID string) {
	for i, s := range r.sessions {
		if s.ID == sessionID {
			r.sessions = append(r.sessions[:i:i], r.sessions[i+1:]...)
			break
		}
	}
	for i, s := range r.createdInLoad {
		if s.ID == sessionID {
			r.createdInLoad = append(r.createdInLoad[:i:i], r.createdInLoad[i+1:]...)
			break
		}
	}
	if r.loading {
		// The in-flight fetch may still return the session.
		if r.deletedInLoad == nil {
			r.deletedInLoad = make(map[string]bool)
		}
		r.deletedInLoad[sessionID] = true
	}
}
