package engine

import "time"

// armTimer schedules fn to run after the session's clock reaches deadline,
// tagged with a generation counter so a stale timer from a phase that has
// since moved on is a silent no-op instead of acting on abandoned state.
// The delay is measured against the session clock, but the timer itself is
// always a real time.AfterFunc.
func (s *Session) armTimer(deadline time.Time, fn func(gen uint64)) uint64 {
	s.timerGen++
	gen := s.timerGen
	delay := deadline.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() { fn(gen) })
	return gen
}

func (s *Session) onDiscussionTimer(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.timerGen || s.phase != PhaseDiscussion || s.meeting == nil {
		return
	}
	s.phase = PhaseVoting
	s.meeting.phase = PhaseVoting
	deadline := s.now().Add(s.votingDur)
	s.meeting.deadline = deadline
	s.armTimer(deadline, s.onVotingTimer)
	s.emit([]Event{{
		SessionID: s.id, Sequence: s.nextSeq(), Kind: KindVotingResolved, Visibility: VisibilityPublic,
		Payload: newPayload(map[string]interface{}{"phase": "voting_opened"}),
	}})
}

func (s *Session) onVotingTimer(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.timerGen || s.phase != PhaseVoting || s.meeting == nil {
		return
	}
	events := s.resolveVotingLocked()
	s.emit(events)
}

// resolveVotingLocked tallies votes (plurality; a tie between players, or
// skip holding at least as many votes as the leading player, resolves to no
// ejection), returns to Playing, and evaluates win conditions.
func (s *Session) resolveVotingLocked() []Event {
	tally := make(map[string]int)
	for _, target := range s.meeting.votes {
		tally[target]++
	}
	ejected := ""
	topVotes := 0
	tie := false
	for target, count := range tally {
		if target == "skip" {
			continue
		}
		switch {
		case count > topVotes:
			topVotes = count
			ejected = target
			tie = false
		case count == topVotes && topVotes > 0:
			tie = true
		}
	}
	if tie || (topVotes > 0 && tally["skip"] >= topVotes) {
		ejected = ""
	}
	var ejectedRole Role
	if ejected != "" {
		if p, ok := s.players[ejected]; ok {
			ejectedRole = p.Role
			p.Alive = false
		}
	}

	s.phase = PhasePlaying
	s.meeting = nil
	s.round++

	payload := map[string]interface{}{"ejected_player_id": ejected, "tie": tie}
	if ejected != "" {
		payload["role"] = string(ejectedRole)
	}
	evt := Event{
		SessionID: s.id, Sequence: s.nextSeq(), Kind: KindVotingResolved, Visibility: VisibilityPublic,
		Payload: newPayload(payload),
	}
	events := []Event{evt}
	if end, ok := s.evaluateWinLocked(); ok {
		events = append(events, end)
	}
	return events
}

// evaluateWinLocked applies the tie-break order: task-completion win ->
// imposter-parity win -> crewmate-elimination win. It must be called once
// per mutating operation, after the state change it guards has already been
// durably applied.
func (s *Session) evaluateWinLocked() (Event, bool) {
	if s.phase == PhaseEnded {
		return Event{}, false
	}

	aliveCrew, aliveImposters := 0, 0
	assigned := make(map[string]bool)
	done := make(map[string]bool)
	for _, p := range s.players {
		if p.Role == RoleCrewmate {
			for _, t := range p.Tasks {
				assigned[t.TaskID] = true
				if t.Completed {
					done[t.TaskID] = true
				}
			}
			if p.Alive {
				aliveCrew++
			}
		} else if p.Alive {
			aliveImposters++
		}
	}

	winner := ""
	switch {
	case len(assigned) > 0 && len(done) >= len(assigned):
		winner = "crewmates"
	case aliveImposters > 0 && aliveImposters >= aliveCrew:
		winner = "imposters"
	case aliveImposters == 0:
		winner = "crewmates"
	}
	if winner == "" {
		return Event{}, false
	}

	s.phase = PhaseEnded
	s.winner = winner
	evt := Event{
		SessionID: s.id, Sequence: s.nextSeq(), Kind: KindGameEnded, Visibility: VisibilityPublic,
		Payload: newPayload(map[string]interface{}{"winner": winner}),
	}
	return evt, true
}
