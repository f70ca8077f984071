// driver.go implements ElectionDriver (§4.6): starting a (pre-)election,
// dispatching VoteRequest to every voter in the active config, tallying
// with whichever VoteCounter the active commit rule calls for, and
// delivering the decision to state.Replica exactly once. Adapted from the
// teacher's core.startElection/handleVoteResp (raft/core/core_internal.go),
// generalized from a flat majority tally to dispatch over
// conf.RuleKind == SingleRegionDynamic (flexible) vs everything else
// (classic).
package election

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/google/uuid"

	"github.com/flexraft/consensus/raft/core/conf"
	"github.com/flexraft/consensus/raft/core/state"
	"github.com/flexraft/consensus/raft/errs"
	"github.com/flexraft/consensus/raft/proto"
	"github.com/flexraft/consensus/raft/transport"
)

// PessimisticWait bounds how long RunElection waits for votes before
// reporting Undecided, for classic and flexible-quorum elections alike
// (§4.6 step 5).
const PessimisticWait = 1500 * time.Millisecond

// LastReceivedFn returns the candidate's own last-received OpId, used to
// populate VoteRequest and to answer incoming requests' up-to-dateness
// check.
type LastReceivedFn func() raftpd.OpId

// Driver runs elections for one replica. It holds no state across
// elections beyond what Replica itself tracks; RunElection is safe to
// call repeatedly (e.g. once per failure-detector expiry).
type Driver struct {
	replica      *state.Replica
	xport        transport.PeerTransport
	lastReceived LastReceivedFn
	tabletID     string
}

func NewDriver(replica *state.Replica, xport transport.PeerTransport, lastReceived LastReceivedFn, tabletID string) *Driver {
	return &Driver{replica: replica, xport: xport, lastReceived: lastReceived, tabletID: tabletID}
}

// Outcome is RunElection's result.
type Outcome struct {
	Decision Decision
	Term     uint64
}

// RunElection implements §4.6's "starting an election": in pre-election
// mode it polls the electorate without mutating term or vote; in real
// mode it first calls BecomeCandidate (advancing term and self-voting),
// then dispatches VoteRequest to every other voter in the active config
// and blocks until a decision, ctx is done, or PessimisticWait elapses
// (then the outcome is Undecided).
func (d *Driver) RunElection(ctx context.Context, preElection bool) (Outcome, error) {
	cfg := d.replica.ActiveConfig()
	voters := cfg.Voters()

	if preElection {
		d.replica.BecomePreCandidate()
	} else {
		if err := d.replica.BecomeCandidate(); err != nil {
			return Outcome{}, err
		}
	}
	term := d.replica.CurrentTerm()
	selfUUID := d.replica.SelfUUID()
	selfRegion := d.replica.Region()

	flexible := cfg.Rule.Kind == conf.SingleRegionDynamic
	var classic *Counter
	var flex *FlexibleCounter
	majority := len(voters)/2 + 1
	if flexible {
		flex = NewFlexibleCounter(term, selfRegion, selfUUID, cfg.VoterDistribution, PessimisticWait, time.Now())
	} else {
		classic = NewCounter(majority, len(voters))
	}

	var mu sync.Mutex
	decision := Undecided
	registerSelf := func() {
		if flexible {
			decision = flex.RegisterVote(selfUUID, true, selfRegion, VoteExtra{})
		} else {
			decision, _ = classic.RegisterVote(selfUUID, true)
		}
	}
	mu.Lock()
	registerSelf()
	mu.Unlock()

	results := make(chan *raftpd.VoteResponse, len(voters))
	var wg sync.WaitGroup
	for _, p := range voters {
		if p.UUID == selfUUID {
			continue
		}
		wg.Add(1)
		go func(peer uuid.UUID) {
			defer wg.Done()
			req := &raftpd.VoteRequest{
				TabletID:        d.tabletID,
				CandidateUUID:   selfUUID,
				CandidateTerm:   term,
				LastReceived:    d.lastReceived(),
				IsPreElection:   preElection,
				CandidateRegion: selfRegion,
			}
			resp, err := d.xport.SendVoteRequest(ctx, peer, req)
			if err != nil {
				log.Debugf("%s vote request to %s failed: %v", selfUUID, peer, err)
				return
			}
			select {
			case results <- resp:
			case <-ctx.Done():
			}
		}(p.UUID)
	}
	go func() { wg.Wait(); close(results) }()

	deadline := time.Now().Add(PessimisticWait)
	for {
		mu.Lock()
		cur := decision
		mu.Unlock()
		if cur != Undecided {
			break
		}
		timeout := time.Until(deadline)
		if timeout < 0 {
			timeout = 0
		}
		select {
		case resp, ok := <-results:
			if !ok {
				if flexible {
					mu.Lock()
					decision = flex.Poll(time.Now())
					mu.Unlock()
				}
				goto done
			}
			if resp.Term > term {
				// §4.6 failure handling: any higher responder term cancels
				// the election outright, decision Denied carrying that term.
				if err := d.replica.AdvanceTerm(resp.Term, state.Flush); err != nil {
					log.Errorf("%s advance term on higher vote response failed: %v", selfUUID, err)
				}
				return Outcome{Decision: Denied, Term: resp.Term}, nil
			}
			mu.Lock()
			if flexible {
				hist := make(map[uint64]HistoryEntry, len(resp.VoteHistory))
				for t, e := range resp.VoteHistory {
					hist[t] = HistoryEntry{Candidate: e.Candidate, GrantedToTerm: e.GrantedToTerm}
				}
				decision = flex.RegisterVote(resp.VoterUUID, resp.Granted, resp.VoterRegion, VoteExtra{
					VoterRegion:         resp.VoterRegion,
					ResponderTerm:       resp.Term,
					LastKnownLeaderTerm: resp.LastKnownLeader.Term,
					LastKnownLeaderUUID: resp.LastKnownLeader.UUID,
					VoteHistory:         hist,
					LastPrunedTerm:      resp.LastPrunedTerm,
				})
				d.replica.MergeLastKnownLeader(resp.LastKnownLeader)
			} else {
				var err error
				decision, err = classic.RegisterVote(resp.VoterUUID, resp.Granted)
				if err != nil {
					log.Warnf("%s %v", selfUUID, err)
				}
			}
			mu.Unlock()
		case <-time.After(timeout):
			if flexible {
				mu.Lock()
				decision = flex.Poll(time.Now())
				mu.Unlock()
			}
			if timeout == 0 {
				goto done
			}
		case <-ctx.Done():
			goto done
		}
	}
done:
	mu.Lock()
	final := decision
	mu.Unlock()
	return Outcome{Decision: final, Term: term}, nil
}

// Handle implements a follower's (or pre-candidate's) response to an
// incoming VoteRequest -- §4.6's vote-granting rule -- and is registered
// with the transport as the VoteHandler.
func Handle(replica *state.Replica, lastReceived LastReceivedFn, req *raftpd.VoteRequest) *raftpd.VoteResponse {
	resp := &raftpd.VoteResponse{
		VoterUUID:       replica.SelfUUID(),
		VoterRegion:     replica.Region(),
		LastKnownLeader: replica.LastKnownLeader(),
	}
	hist, pruned := replica.VoteHistory()
	wire := make(map[uint64]raftpd.VoteHistoryEntry, len(hist))
	for t, e := range hist {
		wire[t] = e
	}
	resp.VoteHistory = wire
	resp.LastPrunedTerm = pruned

	cfg := replica.ActiveConfig()
	if _, ok := cfg.FindPeer(req.CandidateUUID); !ok {
		resp.Term = replica.CurrentTerm()
		resp.Granted = false
		resp.ErrorCode = string(errs.CandidateNotInConfig)
		return resp
	}

	currentTerm := replica.CurrentTerm()
	if req.CandidateTerm < currentTerm {
		resp.Term = currentTerm
		resp.Granted = false
		resp.ErrorCode = string(errs.InvalidTerm)
		return resp
	}

	// A replica that still believes a leader is alive withholds its vote
	// from anyone else, for both pre-elections and real ones (§8 scenario
	// S5): a candidate only reaches this point after its own failure
	// detector fired and cleared its own LeaderUUID (Node.onTimerExpired),
	// so a voter that still has one set has, by construction, heard from
	// it more recently than the candidate has.
	if leader := replica.LeaderUUID(); leader != nil && *leader != req.CandidateUUID {
		resp.Term = currentTerm
		resp.Granted = false
		resp.ErrorCode = string(errs.LeaderIsAlive)
		return resp
	}

	mine := lastReceived()
	if req.LastReceived.Less(mine) {
		resp.Term = currentTerm
		resp.Granted = false
		resp.ErrorCode = string(errs.LastOpIdTooOld)
		return resp
	}

	if req.IsPreElection {
		resp.Term = currentTerm
		resp.Granted = req.CandidateTerm > currentTerm || (req.CandidateTerm == currentTerm && replica.VotedFor() == nil)
		return resp
	}

	if req.CandidateTerm > currentTerm {
		if err := replica.AdvanceTerm(req.CandidateTerm, state.SkipFlush); err != nil {
			resp.Term = replica.CurrentTerm()
			resp.Granted = false
			resp.ErrorCode = string(errs.IllegalTerm)
			return resp
		}
	}

	if err := replica.RecordVote(req.CandidateUUID); err != nil {
		resp.Term = replica.CurrentTerm()
		resp.Granted = false
		resp.ErrorCode = string(errs.AlreadyVoted)
		return resp
	}
	replica.BecomeFollower(replica.CurrentTerm(), nil)
	resp.Term = replica.CurrentTerm()
	resp.Granted = true
	return resp
}
