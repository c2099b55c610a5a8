package stratum

import (
	"context"
	"errors"

	"github.com/bardlex/gomp/internal/coordinator"
	"github.com/bardlex/gomp/internal/poolstore"
	"github.com/bardlex/gomp/internal/workgen"
	"github.com/bardlex/gomp/pkg/log"
)

// extraNonce2Size is fixed pool-wide; miners get it in the subscribe
// response.
const extraNonce2Size = 4

// Dispatcher is the slice of the pool coordinator the protocol handler
// needs. *coordinator.Coordinator satisfies it; tests substitute a fake.
type Dispatcher interface {
	OnSubscribe(sessionID int64) (extraNonce1 string, extraNonce2Size int, current *workgen.Job, err error)
	OnAuthorize(sessionID int64, username, ip string) (minerID, workerID, difficulty int64, err error)
	OnSubmit(ctx context.Context, sessionID int64, jobID, extraNonce2, ntime, nonce string) (coordinator.SubmitOutcome, error)
	CurrentJob() *workgen.Job
}

// Handler routes inbound Stratum requests through the session state
// machine and into the coordinator. One Handler serves every session.
type Handler struct {
	dispatcher Dispatcher
	logger     *log.Logger
}

// NewHandler constructs the shared message handler.
func NewHandler(dispatcher Dispatcher, logger *log.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		logger:     logger.WithComponent("stratum"),
	}
}

// HandleMessage dispatches one inbound request. Protocol-ordering
// violations answer with a coded error and leave the session in its
// current state; only bans and admission failures close it.
func (h *Handler) HandleMessage(ctx context.Context, session *Session, msg *Message) error {
	switch msg.Method {
	case "mining.subscribe":
		return h.handleSubscribe(session, msg)
	case "mining.authorize":
		return h.handleAuthorize(session, msg)
	case "mining.submit":
		return h.handleSubmit(ctx, session, msg)
	default:
		return session.SendMessage(NewErrorResponse(msg.ID, ErrorUnknown))
	}
}

// handleSubscribe answers mining.subscribe. Permitted in StateConnected;
// a repeat subscribe is answered idempotently with the same subscription
// data rather than treated as an offense.
func (h *Handler) handleSubscribe(session *Session, msg *Message) error {
	req, _ := ParseSubscribeRequest(msg.Params)

	extraNonce1, en2size, _, err := h.dispatcher.OnSubscribe(session.ID())
	if err != nil {
		h.logger.WithError(err).Warn("subscribe refused", "session_id", session.ID())
		return session.SendMessage(NewErrorResponse(msg.ID, ErrorUnknown))
	}
	if en2size == 0 {
		en2size = extraNonce2Size
	}

	if err := session.SendMessage(NewSubscribeResponse(msg.ID, extraNonce1, extraNonce1, en2size)); err != nil {
		return err
	}
	session.MarkSubscribed()

	if req.UserAgent != "" {
		h.logger.Debug("miner subscribed",
			"session_id", session.ID(),
			"user_agent", req.UserAgent,
		)
	}
	return nil
}

// handleAuthorize answers mining.authorize. Permitted once the session is
// subscribed; re-authorizing an authorized session just answers true.
func (h *Handler) handleAuthorize(session *Session, msg *Message) error {
	if session.State() == StateConnected {
		return session.SendMessage(NewErrorResponse(msg.ID, ErrorNotSubscribed))
	}
	if session.State() == StateAuthorized || session.State() == StateActive {
		return session.SendMessage(NewResponse(msg.ID, true))
	}

	req, err := ParseAuthorizeRequest(msg.Params)
	if err != nil {
		return session.SendMessage(NewErrorResponse(msg.ID, ErrorUnknown))
	}

	minerID, workerID, difficulty, err := h.dispatcher.OnAuthorize(session.ID(), req.Username, session.RemoteIP())
	if err != nil {
		if errors.Is(err, coordinator.ErrBanned) {
			h.logger.Warn("banned miner refused", "session_id", session.ID(), "username", req.Username)
			if sendErr := session.SendMessage(NewErrorResponse(msg.ID, ErrorUnauthorized)); sendErr != nil {
				h.logger.WithError(sendErr).Debug("could not deliver ban refusal")
			}
			session.Close()
			return nil
		}
		if errors.Is(err, poolstore.ErrAtCapacity) || errors.Is(err, poolstore.ErrPerMinerCap) {
			h.logger.Warn("authorize refused at capacity", "session_id", session.ID(), "username", req.Username)
			if sendErr := session.SendMessage(NewErrorResponse(msg.ID, ErrorUnknown)); sendErr != nil {
				h.logger.WithError(sendErr).Debug("could not deliver capacity refusal")
			}
			session.Close()
			return nil
		}
		h.logger.WithError(err).Error("authorize failed", "session_id", session.ID())
		return session.SendMessage(NewErrorResponse(msg.ID, ErrorUnknown))
	}

	minerName, workerName := splitUsername(req.Username)
	session.MarkAuthorized(minerName, workerName, minerID, workerID, difficulty)

	if err := session.SendMessage(NewResponse(msg.ID, true)); err != nil {
		return err
	}

	// Difficulty first, then work: miners apply set_difficulty to the
	// next job they receive.
	if err := session.SendMessage(NewSetDifficulty(difficulty)); err != nil {
		return err
	}
	if job := h.dispatcher.CurrentJob(); job != nil {
		if err := session.SendMessage(NewNotify(jobNotifyParams(job, true))); err != nil {
			return err
		}
	}
	return nil
}

// handleSubmit answers mining.submit: boolean true on accept, the coded
// error triple on reject.
func (h *Handler) handleSubmit(ctx context.Context, session *Session, msg *Message) error {
	if !session.CanSubmit() {
		return session.SendMessage(NewErrorResponse(msg.ID, ErrorNotSubscribed))
	}

	req, err := ParseSubmitRequest(msg.Params)
	if err != nil {
		return session.SendMessage(NewErrorResponse(msg.ID, ErrorUnknown))
	}

	outcome, err := h.dispatcher.OnSubmit(ctx, session.ID(), req.JobID, req.ExtraNonce2, req.NTime, req.Nonce)
	if err != nil {
		h.logger.WithError(err).Error("submit pipeline failed", "session_id", session.ID())
		return session.SendMessage(NewErrorResponse(msg.ID, ErrorUnknown))
	}

	if !outcome.Accepted {
		return session.SendMessage(NewErrorResponse(msg.ID, RejectCode(outcome.Reject)))
	}

	session.MarkActive()
	return session.SendMessage(NewResponse(msg.ID, true))
}

// splitUsername breaks "miner[.worker]" at the first dot.
func splitUsername(username string) (miner, worker string) {
	for i := 0; i < len(username); i++ {
		if username[i] == '.' {
			return username[:i], username[i+1:]
		}
	}
	return username, ""
}

// jobNotifyParams projects a workgen.Job onto the mining.notify parameter
// list. cleanJobs overrides the job's own flag for targeted sends: a
// session's first notify is always clean.
func jobNotifyParams(job *workgen.Job, cleanJobs bool) NotifyParams {
	return NotifyParams{
		JobID:        job.ID,
		PrevHash:     job.PrevHash,
		Coinb1:       job.CoinbasePrefixHex,
		Coinb2:       job.CoinbaseSuffixHex,
		MerkleBranch: job.MerkleBranch,
		Version:      job.Version,
		NBits:        job.NBits,
		NTime:        job.NTime,
		CleanJobs:    cleanJobs,
	}
}
