package pool

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"math"
	"time"

	"github.com/nockpool/nockpool/internal/messaging"
	"github.com/nockpool/nockpool/internal/nock"
	"github.com/nockpool/nockpool/internal/shareproc"
	"github.com/nockpool/nockpool/internal/stratum"
	"github.com/nockpool/nockpool/internal/vardiff"
)

// HandleMessage dispatches one protocol message from a session.
func (p *Pool) HandleMessage(ctx context.Context, session *stratum.Session, msg *stratum.Message) error {
	switch msg.Method {
	case stratum.MethodSubscribe:
		return p.handleSubscribe(session, msg)
	case stratum.MethodAuthorize:
		return p.handleAuthorize(ctx, session, msg)
	case stratum.MethodSubmit:
		return p.handleSubmit(ctx, session, msg)
	default:
		return session.SendError(msg.ID, stratum.ErrorMethodNotFound, "unknown method: "+msg.Method)
	}
}

func (p *Pool) handleSubscribe(session *stratum.Session, msg *stratum.Message) error {
	if _, err := stratum.ParseSubscribeRequest(msg.Params); err != nil {
		return session.SendError(msg.ID, stratum.ErrorInvalidParams, err.Error())
	}

	session.SetExtraNonce(newExtraNonce())
	session.SetSubscribed(true)
	if session.Difficulty() == 0 {
		session.SetDifficulty(p.startDifficulty)
	}

	resp := &stratum.SubscribeResponse{
		ExtraNonce: session.ExtraNonce(),
		Difficulty: session.Difficulty(),
	}
	if tmpl := p.templates.Current(); tmpl != nil {
		resp.Template = &stratum.NotifyParams{
			JobID:      tmpl.JobID,
			PrevHash:   tmpl.PrevHashHex(),
			MerkleRoot: hex.EncodeToString(tmpl.MerkleRoot[:]),
			Version:    tmpl.Version,
			NBits:      tmpl.NetworkDifficulty,
			NTime:      uint64(tmpl.IssuedAt.Unix()),
			CleanJobs:  true,
		}
	}
	return session.SendResponse(msg.ID, resp)
}

func (p *Pool) handleAuthorize(ctx context.Context, session *stratum.Session, msg *stratum.Message) error {
	req, err := stratum.ParseAuthorizeRequest(msg.Params)
	if err != nil {
		return session.SendError(msg.ID, stratum.ErrorInvalidParams, err.Error())
	}

	if p.processor.IsBanned(req.MinerID) {
		p.logger.Warn("banned miner rejected", "miner_id", req.MinerID, "remote_addr", session.RemoteAddr())
		return session.SendError(msg.ID, stratum.ErrorUnauthorized, "miner is banned")
	}
	if p.bans != nil {
		if banned, reason, err := p.bans.IsBanned(ctx, req.MinerID); err == nil && banned {
			p.logger.Warn("banned miner rejected",
				"miner_id", req.MinerID, "remote_addr", session.RemoteAddr(), "reason", reason)
			return session.SendError(msg.ID, stratum.ErrorUnauthorized, "miner is banned")
		}
	}

	session.SetMinerID(req.MinerID)
	session.SetWorkerName(req.Worker)
	session.SetAuthorized(true)

	difficulty := p.tracker.Difficulty(req.MinerID)
	session.SetDifficulty(difficulty)

	p.registerMiner(req.MinerID, session)
	p.logger.WithMiner(req.MinerID, req.Worker).Info("miner authorized", "session_id", session.ID())

	if err := session.SendResponse(msg.ID, true); err != nil {
		return err
	}
	return session.SendNotification(stratum.MethodSetDifficulty, []any{difficulty})
}

func (p *Pool) handleSubmit(ctx context.Context, session *stratum.Session, msg *stratum.Message) error {
	if !session.IsSubscribed() {
		return session.SendError(msg.ID, stratum.ErrorNotSubscribed, "subscribe first")
	}
	if !session.IsAuthorized() {
		return session.SendError(msg.ID, stratum.ErrorUnauthorized, "authorize first")
	}

	req, err := stratum.ParseSubmitRequest(msg.Params)
	if err != nil {
		return session.SendError(msg.ID, stratum.ErrorInvalidParams, err.Error())
	}

	tmpl := p.templates.Current()
	if tmpl != nil && req.JobID != tmpl.JobID {
		return session.SendResponse(msg.ID, &stratum.SubmitResult{
			Status: shareproc.StatusStale.String(),
			Reason: "job expired",
		})
	}

	share := &shareproc.Share{
		MinerID:           session.MinerID(),
		WorkerName:        session.WorkerName(),
		JobID:             req.JobID,
		NTime:             req.NTime,
		NonceHex:          req.NonceHex,
		ClaimedDifficulty: session.Difficulty(),
		RemoteAddr:        session.RemoteAddr(),
		SubmittedAt:       time.Now(),
	}
	if tmpl != nil {
		share.PrevHash = tmpl.PrevHash
		share.MerkleRoot = tmpl.MerkleRoot
	}

	res := p.processor.Process(ctx, share)
	session.RecordShare()

	if res.Status == shareproc.StatusValid {
		p.retargetMiner(session)
	}

	return session.SendResponse(msg.ID, &stratum.SubmitResult{
		Status: res.Status.String(),
		Reason: res.Reason,
	})
}

// retargetMiner folds the share arrival into the miner's vardiff state and
// pushes a set_difficulty when it moves. No-op when vardiff is disabled.
func (p *Pool) retargetMiner(session *stratum.Session) {
	if !p.cfg.VardiffEnabled {
		return
	}
	minerID := session.MinerID()
	difficulty, changed := p.tracker.RecordShare(minerID, time.Now())
	if !changed {
		return
	}
	session.SetDifficulty(difficulty)
	p.logger.WithMiner(minerID, session.WorkerName()).Info("miner difficulty retargeted", "difficulty", difficulty)
	if err := session.SendNotification(stratum.MethodSetDifficulty, []any{difficulty}); err != nil {
		p.logger.WithError(err).Warn("failed to push difficulty update", "miner_id", minerID)
	}
}

// registerMiner records the miner's active session. A reconnect closes the
// previous session so one miner never holds two.
func (p *Pool) registerMiner(minerID string, session *stratum.Session) {
	p.minersMu.Lock()
	old := p.miners[minerID]
	p.miners[minerID] = session
	p.minersMu.Unlock()

	if old != nil && old != session && !old.Closed() {
		p.logger.Info("replacing existing miner session", "miner_id", minerID, "old_session", old.ID())
		old.Close()
	}
}

func (p *Pool) minerSession(minerID string) *stratum.Session {
	p.minersMu.Lock()
	defer p.minersMu.Unlock()
	return p.miners[minerID]
}

// Processor hooks. These run on the goroutine that processed the share.

func (p *Pool) onValidShare(ctx context.Context, share *shareproc.Share, res *shareproc.Result, tmpl *nock.Template) {
	credited, err := p.ledger.OnValidShare(ctx, share.MinerID, share.ClaimedDifficulty, tmpl.NetworkDifficulty, tmpl.Height)
	if err != nil {
		p.logger.WithError(err).Error("failed to credit share", "miner_id", share.MinerID)
	} else if credited.Sign() > 0 {
		p.logger.WithMiner(share.MinerID, share.WorkerName).
			Debug("share credited", "amount", credited.String())
	}

	if p.publisher != nil {
		msg := &messaging.ShareMessage{
			MinerID:            share.MinerID,
			WorkerName:         share.WorkerName,
			JobID:              share.JobID,
			NonceHex:           share.NonceHex,
			NTime:              share.NTime,
			ClaimedDifficulty:  share.ClaimedDifficulty,
			AchievedDifficulty: res.AchievedDifficulty,
			BlockHeight:        tmpl.Height,
			RemoteAddr:         share.RemoteAddr,
			SubmittedAt:        share.SubmittedAt,
		}
		if err := p.publisher.PublishJSON(ctx, messaging.TopicShares, share.MinerID, msg); err != nil {
			p.logger.WithError(err).Warn("failed to publish share")
		}
	}
}

func (p *Pool) onBlockFound(ctx context.Context, share *shareproc.Share, res *shareproc.Result, tmpl *nock.Template) {
	nonce, err := hex.DecodeString(share.NonceHex)
	if err != nil {
		// Unreachable past format validation.
		p.logger.WithError(err).Error("block solution carried invalid nonce")
		return
	}

	header := &nock.Header{
		Version:    tmpl.Version,
		PrevHash:   share.PrevHash,
		MerkleRoot: share.MerkleRoot,
		NTime:      share.NTime,
		Difficulty: headerDifficulty(share.ClaimedDifficulty),
		Nonce:      nonce,
	}

	blockHash, err := p.node.SubmitBlock(ctx, header.Encode())
	if err != nil {
		p.logger.WithError(err).Error("block submission failed",
			"height", tmpl.Height, "miner_id", share.MinerID)
		return
	}
	if blockHash == "" {
		blockHash = hex.EncodeToString(res.Hash[:])
	}

	now := time.Now()
	p.counters.recordBlock()
	p.logger.LogBlockFound(blockHash, tmpl.Height, share.MinerID, share.WorkerName, res.AchievedDifficulty)

	if _, err := p.ledger.OnBlockFound(ctx, share.MinerID, tmpl.Height); err != nil {
		p.logger.WithError(err).Error("failed to distribute block reward", "height", tmpl.Height)
	}

	if adj := p.retargeter.AddBlock(vardiffBlock(tmpl, now)); adj != nil {
		p.logger.Info("pool difficulty retargeted",
			"old", adj.OldDifficulty, "new", adj.NewDifficulty, "reason", adj.Reason)
	}

	if p.publisher != nil {
		msg := &messaging.BlockFoundMessage{
			BlockHash:          blockHash,
			BlockHeight:        tmpl.Height,
			MinerID:            share.MinerID,
			WorkerName:         share.WorkerName,
			AchievedDifficulty: res.AchievedDifficulty,
			NetworkDifficulty:  tmpl.NetworkDifficulty,
			FoundAt:            now,
		}
		if err := p.publisher.PublishJSON(ctx, messaging.TopicBlocks, blockHash, msg); err != nil {
			p.logger.WithError(err).Warn("failed to publish block")
		}
	}
}

func (p *Pool) onShareResult(ctx context.Context, share *shareproc.Share, res *shareproc.Result) {
	p.counters.recordShare(share.ClaimedDifficulty, res.Status == shareproc.StatusValid)
	p.logger.LogShareResult(share.MinerID, share.WorkerName, share.ClaimedDifficulty, res.Status.String())

	if p.publisher != nil {
		msg := &messaging.ShareResultMessage{
			MinerID:          share.MinerID,
			WorkerName:       share.WorkerName,
			JobID:            share.JobID,
			Status:           res.Status.String(),
			Reason:           res.Reason,
			IsBlockSolution:  res.IsBlockSolution,
			ProcessedAt:      time.Now(),
			ProcessingTimeMs: float64(res.ProcessingTime.Nanoseconds()) / 1e6,
		}
		if err := p.publisher.PublishJSON(ctx, messaging.TopicShareResults, share.MinerID, msg); err != nil {
			p.logger.WithError(err).Warn("failed to publish share result")
		}
	}
}

func (p *Pool) onBanned(ctx context.Context, minerID, remoteAddr string) {
	p.logger.Warn("miner banned, dropping session", "miner_id", minerID, "remote_addr", remoteAddr)
	if session := p.minerSession(minerID); session != nil {
		session.Close()
	}
	p.tracker.Forget(minerID)

	if p.bans != nil {
		if err := p.bans.SetBan(ctx, minerID, "ban threshold exceeded", p.cfg.BanDuration); err != nil {
			p.logger.WithError(err).Warn("failed to mirror ban", "miner_id", minerID)
		}
	}
}

// headerDifficulty narrows a 64-bit share difficulty into the header's 32-bit
// field, saturating instead of wrapping.
func headerDifficulty(d uint64) uint32 {
	if d > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(d)
}

func vardiffBlock(tmpl *nock.Template, now time.Time) vardiff.Block {
	return vardiff.Block{
		Height:    tmpl.Height,
		Timestamp: now,
		SolveTime: now.Sub(tmpl.IssuedAt),
	}
}

// newExtraNonce assigns each session a random 4-byte search space prefix.
func newExtraNonce() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte{0, 0, 0, 1})
	}
	return hex.EncodeToString(buf)
}
