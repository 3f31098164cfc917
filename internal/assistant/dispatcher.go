package assistant

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/chatrelay/internal/repository"
)

const (
	// DefaultConcurrency is the cap on simultaneous model-server calls.
	DefaultConcurrency = 5

	// historyWindow is how many prior exchange turns are replayed to the
	// model. The window is fetched before the inbound turn is persisted,
	// so it never contains the prompt being answered.
	historyWindow = 10

	RoleUser      = "user"
	RoleAssistant = "assistant"

	apologyUnreachable = "Sorry, I can't reach the assistant backend right now. " +
		"Make sure the model server is running, then ask me again."
	apologyGeneric = "Sorry, something went wrong while I was thinking about that. " +
		"Please try again."
)

// Logic errors: the only errors Ask ever returns. Backend trouble is
// absorbed into an apology reply instead.
var (
	ErrMissingUser = errors.New("assistant: missing user id")
	ErrEmptyPrompt = errors.New("assistant: empty prompt")
)

// Dispatcher is the admission controller in front of the model server:
// at most `limit` calls are in flight at once, and everything beyond
// that waits in an unbounded FIFO queue. There is no queue timeout and
// no cancellation of queued work — a submission always eventually runs.
// This is the one backpressure point in the system: unbounded request
// volume becomes queue memory, never backend overload.
type Dispatcher struct {
	repo    repository.AssistantRepository
	backend ChatBackend
	limit   int
	logger  *zap.Logger

	mu       sync.Mutex
	inFlight int
	queue    []chan struct{}
}

func NewDispatcher(repo repository.AssistantRepository, backend ChatBackend, limit int, logger *zap.Logger) *Dispatcher {
	if limit < 1 {
		limit = DefaultConcurrency
	}
	return &Dispatcher{
		repo:    repo,
		backend: backend,
		limit:   limit,
		logger:  logger,
	}
}

// Ask runs one assistant exchange for a user and blocks the caller until
// the reply is ready — including any time spent queued behind other
// requests. The returned error is only ever a logic error (missing user,
// empty prompt); backend failures come back as apology text.
func (d *Dispatcher) Ask(ctx context.Context, userID uuid.UUID, prompt string) (string, error) {
	if userID == uuid.Nil {
		return "", ErrMissingUser
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	d.acquire()
	defer d.release()

	return d.execute(ctx, userID, prompt), nil
}

// Status probes the model server.
func (d *Dispatcher) Status(ctx context.Context) (*Status, error) {
	return d.backend.Probe(ctx)
}

// InFlight and QueueDepth expose the admission state for the health
// endpoint.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight
}

func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// acquire takes an execution slot, waiting in FIFO order when all slots
// are busy. Waiting deliberately ignores context cancellation: queued
// submissions always eventually start.
func (d *Dispatcher) acquire() {
	d.mu.Lock()
	if d.inFlight < d.limit {
		d.inFlight++
		d.mu.Unlock()
		return
	}
	slot := make(chan struct{})
	d.queue = append(d.queue, slot)
	d.mu.Unlock()

	<-slot
}

// release hands the slot to the longest-waiting queued request, if any.
// The slot transfers directly — inFlight does not dip — so the next
// request starts the moment the previous one finishes and the cap is
// never overshot.
func (d *Dispatcher) release() {
	d.mu.Lock()
	if len(d.queue) > 0 {
		next := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		close(next)
		return
	}
	d.inFlight--
	d.mu.Unlock()
}

// execute is one full exchange: decide on context augmentation, gather
// the history window, persist the inbound turn, call the model, persist
// the reply. Collaborator hiccups degrade (log and continue); only the
// backend call itself decides between a real reply and an apology.
func (d *Dispatcher) execute(ctx context.Context, userID uuid.UUID, prompt string) string {
	usedContext := false
	system := systemPrompt

	if wantsUserContext(prompt) {
		snap, err := d.repo.Snapshot(ctx, userID)
		switch {
		case err != nil:
			d.logger.Warn("fetch workspace snapshot", zap.String("user_id", userID.String()), zap.Error(err))
		case snap != nil:
			system = system + "\n\n" + formatSnapshot(snap)
			usedContext = true
		}
	}

	history, err := d.repo.History(ctx, userID, historyWindow)
	if err != nil {
		d.logger.Warn("fetch assistant history", zap.String("user_id", userID.String()), zap.Error(err))
		history = nil
	}

	if _, err := d.repo.Save(ctx, userID, RoleUser, prompt, "", false); err != nil {
		d.logger.Warn("save user turn", zap.String("user_id", userID.String()), zap.Error(err))
	}

	turns := make([]ChatTurn, 0, len(history)+2)
	turns = append(turns, ChatTurn{Role: "system", Content: system})
	for _, h := range history {
		turns = append(turns, ChatTurn{Role: h.Role, Content: h.Content})
	}
	turns = append(turns, ChatTurn{Role: RoleUser, Content: prompt})

	reply, err := d.backend.Chat(ctx, turns)
	if err != nil {
		if errors.Is(err, ErrBackendDown) {
			d.logger.Warn("assistant backend unreachable", zap.Error(err))
			return apologyUnreachable
		}
		d.logger.Error("assistant backend call failed", zap.Error(err))
		return apologyGeneric
	}

	if _, err := d.repo.Save(ctx, userID, RoleAssistant, reply, d.backend.Model(), usedContext); err != nil {
		d.logger.Warn("save assistant turn", zap.String("user_id", userID.String()), zap.Error(err))
	}

	return reply
}
