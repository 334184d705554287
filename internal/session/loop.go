package session

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/stackduel/stackduel/internal/engine"
	"github.com/stackduel/stackduel/internal/netplay"
	"github.com/stackduel/stackduel/internal/planner"
)

type msg interface{ isSessionMsg() }

type inputMsg struct{ act engine.Action }

func (inputMsg) isSessionMsg() {}

type joinedMsg struct {
	j   *netplay.Joined
	err error
}

func (joinedMsg) isSessionMsg() {}

type roomMsg struct{ view *netplay.RoomView }

func (roomMsg) isSessionMsg() {}

type oppMsg struct{ s *netplay.OpponentState }

func (oppMsg) isSessionMsg() {}

type eventMsg struct{ ev netplay.Event }

func (eventMsg) isSessionMsg() {}

type startMsg struct{}

func (startMsg) isSessionMsg() {}

// roomDeleteDelay gives the result write time to reach the peer before
// the room's paths disappear under it.
const roomDeleteDelay = 1500 * time.Millisecond

// Run plays one match to completion. It blocks until the match ends or
// ctx is cancelled; matchmaking failure is not an error, it degrades to
// a local match against the planner.
func (s *Session) Run(ctx context.Context) Outcome {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.teardown()

	matchDeadline := time.Now().Add(s.cfg.MatchTimeout)
	if s.st == nil {
		s.startLocal()
	} else {
		s.phase.Store(int32(PhaseMatching))
		s.overlay.Show("Matching", "looking for an opponent")
		go s.joinAsync(ctx)
	}

	tick := time.NewTicker(s.cfg.PublishInterval / 4)
	defer tick.Stop()
	bot := time.NewTicker(s.cfg.BotInterval)
	defer bot.Stop()
	publish := time.NewTicker(s.cfg.PublishInterval)
	defer publish.Stop()
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	second := time.NewTicker(time.Second)
	defer second.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			if !s.done {
				s.finish(ctx, Outcome{
					Mode:   s.Mode(),
					Won:    false,
					Reason: "aborted",
				})
			}
			return s.outcome

		case m := <-s.inbox:
			s.handle(ctx, m)

		case now := <-tick.C:
			dt := now.Sub(last).Milliseconds()
			last = now
			s.onTick(ctx, dt)

		case <-bot.C:
			s.onBot()

		case <-publish.C:
			s.onPublish(ctx)

		case <-heartbeat.C:
			s.onHeartbeat(ctx)

		case <-sweep.C:
			s.onSweep(ctx)

		case <-second.C:
			if s.Phase() == PhaseMatching {
				left := int(time.Until(matchDeadline).Seconds())
				if left > 0 {
					s.overlay.Countdown(left)
				}
			}
		}

		if s.done {
			return s.outcome
		}
	}
}

// joinAsync runs matchmaking off the loop: sweep first so dead slots do
// not eat the attempt, then join under the countdown deadline.
func (s *Session) joinAsync(ctx context.Context) {
	jctx, cancel := context.WithTimeout(ctx, s.cfg.MatchTimeout)
	defer cancel()

	lobbyID := netplay.StableLobbyID(s.cfg.Namespace)
	s.coord.SweepLobbySlots(jctx, lobbyID)
	j, err := s.coord.JoinLobby(jctx, lobbyID)

	select {
	case s.inbox <- joinedMsg{j: j, err: err}:
	case <-ctx.Done():
	}
}

func (s *Session) handle(ctx context.Context, m msg) {
	switch m := m.(type) {
	case inputMsg:
		if s.Phase() == PhasePlaying && s.game != nil {
			s.game.Apply(m.act)
		}

	case joinedMsg:
		if s.Phase() != PhaseMatching {
			return
		}
		if m.err != nil {
			switch {
			case errors.Is(m.err, netplay.ErrLobbyFull):
				s.log.Info("lobby full, playing local")
			case errors.Is(m.err, context.DeadlineExceeded):
				s.log.Info("matchmaking timed out, playing local")
			default:
				s.log.Warn("matchmaking failed, playing local", zap.Error(m.err))
			}
			s.startLocal()
			return
		}
		s.enterRoom(ctx, m.j)

	case roomMsg:
		s.onRoom(ctx, m.view)

	case oppMsg:
		s.onOpponent(ctx, m.s)

	case eventMsg:
		s.onEvent(ctx, m.ev)

	case startMsg:
		if s.Phase() == PhaseWaiting && s.game != nil {
			s.phase.Store(int32(PhasePlaying))
			s.overlay.Hide()
			s.audio.Sfx("start")
		}
	}
}

// startLocal spins up the planner-driven opponent: two engines on one
// seed so both players draw the same pieces, just like a remote pair.
func (s *Session) startLocal() {
	seed := rand.Uint32()
	if seed == 0 {
		seed = 1
	}
	s.mode.Store(int32(ModeLocal))
	s.game = engine.New(engine.Config{Seed: seed, Cols: s.cfg.Cols, Rows: s.cfg.Rows})
	s.opp = engine.New(engine.Config{Seed: seed, Cols: s.cfg.Cols, Rows: s.cfg.Rows})
	s.bot = planner.New(seed ^ 0x9E3779B9)
	if s.auto {
		s.pilot = planner.New(seed ^ 0x85EBCA6B)
	}
	s.phase.Store(int32(PhasePlaying))
	s.overlay.Hide()
	s.audio.Sfx("start")
	s.log.Info("local match started", zap.Uint32("seed", seed))
}

// enterRoom wires the room up: watcher, opponent-state and event
// subscriptions, and the engine seeded by the room meta.
func (s *Session) enterRoom(ctx context.Context, j *netplay.Joined) {
	s.mode.Store(int32(ModeOnline))
	s.joined = j
	s.game = engine.New(engine.Config{Seed: j.Seed, Cols: s.cfg.Cols, Rows: j.Rows})
	if s.auto {
		s.pilot = planner.New(j.Seed ^ 0x85EBCA6B)
	}

	post := func(m msg) {
		select {
		case s.inbox <- m:
		case <-ctx.Done():
		}
	}

	unsubRoom, err := s.coord.WatchRoom(j.RoomID, func(v *netplay.RoomView) {
		post(roomMsg{view: v})
	})
	if err != nil {
		s.log.Warn("watch room failed, playing local", zap.Error(err))
		s.exitRoomAsync(ctx)
		s.startLocal()
		return
	}
	unsubOpp, err := s.coord.SubscribeOpponent(j.RoomID, j.PlayerID, func(o *netplay.OpponentState) {
		post(oppMsg{s: o})
	})
	if err != nil {
		unsubRoom()
		s.log.Warn("opponent subscription failed, playing local", zap.Error(err))
		s.exitRoomAsync(ctx)
		s.startLocal()
		return
	}
	unsubEvents, err := s.coord.SubscribeEvents(ctx, j.RoomID, j.PlayerID, j.JoinedAt, func(ev netplay.Event) {
		post(eventMsg{ev: ev})
	})
	if err != nil {
		unsubRoom()
		unsubOpp()
		s.log.Warn("event subscription failed, playing local", zap.Error(err))
		s.exitRoomAsync(ctx)
		s.startLocal()
		return
	}
	s.unsubs = append(s.unsubs, unsubRoom, unsubOpp, unsubEvents)

	s.phase.Store(int32(PhaseWaiting))
	s.overlay.Show("Matched", "waiting for the opponent")
	s.log.Info("entered room",
		zap.String("room", j.RoomID),
		zap.String("pid", j.PlayerID),
		zap.Uint32("seed", j.Seed))
}

func (s *Session) onRoom(ctx context.Context, v *netplay.RoomView) {
	if s.Mode() != ModeOnline || s.done {
		return
	}

	// meta gone: the room was torn down under us
	if v == nil {
		switch s.Phase() {
		case PhasePlaying, PhaseWaiting:
			s.finish(ctx, Outcome{
				Mode:   ModeOnline,
				Won:    true,
				Reason: "opponent left",
				Score:  s.score(),
				Lines:  s.lines(),
			})
		}
		return
	}

	for pid := range v.Meta.Joined {
		if pid != s.joined.PlayerID {
			s.oppPID = pid
		}
	}

	if v.Meta.State == netplay.RoomEnded && v.Meta.Result != nil {
		s.finish(ctx, Outcome{
			Mode:   ModeOnline,
			Won:    v.Meta.Result.Winner == s.joined.PlayerID,
			Reason: "result recorded",
			Score:  s.score(),
			Lines:  s.lines(),
		})
		return
	}

	if s.Phase() != PhaseWaiting {
		return
	}
	switch {
	case v.Meta.State == netplay.RoomOpen && len(v.Meta.Joined) >= 2:
		roomID := s.joined.RoomID
		go func() {
			if err := s.coord.MarkPlaying(ctx, roomID); err != nil {
				s.log.Debug("mark playing", zap.Error(err))
			}
		}()
	case v.Meta.State == netplay.RoomPlaying && !s.startArmed:
		// both clients observe playing and arm inside the same short
		// window, so the tick loops start near-simultaneously
		s.startArmed = true
		s.overlay.Show("Ready", "starting")
		time.AfterFunc(s.cfg.StartWindow, func() {
			select {
			case s.inbox <- startMsg{}:
			case <-ctx.Done():
			}
		})
	}
}

func (s *Session) onOpponent(ctx context.Context, o *netplay.OpponentState) {
	if s.Mode() != ModeOnline || s.done {
		return
	}
	if o == nil {
		s.oppNS = nil
		return
	}
	s.oppPID = o.PlayerID
	ns := o.State
	s.oppNS = &ns
	if o.Terminal && s.Phase() == PhasePlaying {
		s.winOnline(ctx, "opponent topped out")
	}
}

func (s *Session) onEvent(ctx context.Context, ev netplay.Event) {
	if s.done {
		return
	}
	switch ev.Kind {
	case netplay.EventGarbage:
		s.takeGarbage(ev.Payload.N)
	case netplay.EventRocks:
		s.takeGarbage(comboToRows(ev.Payload.N))
	case netplay.EventOver:
		if s.Phase() == PhasePlaying {
			s.winOnline(ctx, "opponent topped out")
		}
	}
}

func (s *Session) takeGarbage(rows int) {
	if s.Phase() != PhasePlaying || s.game == nil || rows <= 0 {
		return
	}
	if rows > maxInboundGarbage {
		rows = maxInboundGarbage
	}
	s.game.AddGarbage(rows)
	s.audio.Sfx("garbage")
}

func (s *Session) onTick(ctx context.Context, dt int64) {
	if s.Phase() != PhasePlaying || s.game == nil {
		return
	}

	s.game.Step(dt)
	if cleared := s.game.TakeCleared(); cleared > 0 {
		s.audio.Sfx("clear")
		s.sendAttack(ctx, cleared)
	}

	if s.opp != nil {
		s.opp.Step(dt)
		if cleared := s.opp.TakeCleared(); cleared > 0 {
			if rows := attackRows(cleared); rows > 0 {
				s.takeGarbage(rows)
			}
		}
	}

	switch {
	case s.game.Over():
		s.loseMatch(ctx, "topped out")
	case s.opp != nil && s.opp.Over():
		s.finish(ctx, Outcome{
			Mode:   ModeLocal,
			Won:    true,
			Reason: "opponent topped out",
			Score:  s.score(),
			Lines:  s.lines(),
		})
	default:
		s.render.Render(View{
			Board:    s.game.Snapshot(),
			Score:    s.game.Score(),
			Level:    s.game.Level(),
			Lines:    s.game.Lines(),
			Next:     s.game.Next(),
			Opponent: s.opponentView(),
		})
	}
}

// opponentView narrates the other side: the published snapshot online,
// or the CPU engine's own state locally.
func (s *Session) opponentView() *engine.NetState {
	if s.opp != nil {
		ns := s.opp.NetState()
		return &ns
	}
	return s.oppNS
}

func attackRows(cleared int) int {
	if cleared >= len(clearsToRows) {
		cleared = len(clearsToRows) - 1
	}
	return clearsToRows[cleared]
}

func (s *Session) sendAttack(ctx context.Context, cleared int) {
	rows := attackRows(cleared)
	if rows == 0 {
		return
	}
	switch s.Mode() {
	case ModeLocal:
		if s.opp != nil {
			s.opp.AddGarbage(rows)
		}
	case ModeOnline:
		roomID, pid := s.joined.RoomID, s.joined.PlayerID
		go func() {
			if err := s.coord.PushEvent(ctx, roomID, pid, netplay.EventGarbage, netplay.EventPayload{N: rows}); err != nil {
				s.log.Debug("push attack", zap.Error(err))
			}
		}()
	}
}

func (s *Session) onBot() {
	if s.Phase() != PhasePlaying {
		return
	}
	if s.Mode() == ModeLocal && s.opp != nil && !s.opp.Over() {
		if act, ok := s.bot.Act(s.opp); ok {
			s.opp.Apply(act)
		}
	}
	if s.pilot != nil && s.game != nil && !s.game.Over() {
		if act, ok := s.pilot.Act(s.game); ok {
			s.game.Apply(act)
		}
	}
}

func (s *Session) onPublish(ctx context.Context) {
	if s.Mode() != ModeOnline || s.joined == nil || s.game == nil {
		return
	}
	if p := s.Phase(); p != PhasePlaying && p != PhaseWaiting {
		return
	}
	ns := s.game.NetState()
	roomID, pid := s.joined.RoomID, s.joined.PlayerID
	go func() {
		if err := s.coord.PublishState(ctx, roomID, pid, ns); err != nil {
			s.log.Debug("publish state", zap.Error(err))
		}
	}()
}

func (s *Session) onHeartbeat(ctx context.Context) {
	if s.Mode() != ModeOnline || s.joined == nil || s.done {
		return
	}
	roomID, pid := s.joined.RoomID, s.joined.PlayerID
	go s.coord.Heartbeat(ctx, roomID, pid)
}

func (s *Session) onSweep(ctx context.Context) {
	if s.Mode() != ModeOnline || s.joined == nil || s.done {
		return
	}
	lobbyID := s.joined.LobbyID
	go s.coord.SweepLobbySlots(ctx, lobbyID)
}

// winOnline records the local player as winner and finishes.
func (s *Session) winOnline(ctx context.Context, reason string) {
	winner := s.joined.PlayerID
	s.writeResult(winner)
	s.finish(ctx, Outcome{
		Mode:   ModeOnline,
		Won:    true,
		Reason: reason,
		Score:  s.score(),
		Lines:  s.lines(),
	})
}

func (s *Session) loseMatch(ctx context.Context, reason string) {
	out := Outcome{
		Mode:   s.Mode(),
		Won:    false,
		Reason: reason,
		Score:  s.score(),
		Lines:  s.lines(),
	}
	if s.Mode() == ModeOnline {
		// tell the peer both ways: terminal snapshot and explicit event
		ns := s.game.NetState()
		roomID, pid := s.joined.RoomID, s.joined.PlayerID
		score := s.score()
		go func() {
			bctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.coord.PublishState(bctx, roomID, pid, ns); err != nil {
				s.log.Debug("publish terminal state", zap.Error(err))
			}
			if err := s.coord.PushEvent(bctx, roomID, pid, netplay.EventOver, netplay.EventPayload{Score: score}); err != nil {
				s.log.Debug("push over event", zap.Error(err))
			}
		}()
		if s.oppPID != "" {
			s.writeResult(s.oppPID)
		}
	}
	s.finish(ctx, out)
}

// writeResult runs the guarded result transaction and, after a delay
// long enough for the peer's watcher to observe it, tears the room down.
func (s *Session) writeResult(winner string) {
	roomID := s.joined.RoomID
	go func() {
		bctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.coord.FinishRoom(bctx, roomID, winner); err != nil {
			s.log.Debug("finish room", zap.Error(err))
		}
		time.Sleep(roomDeleteDelay)
		s.coord.HardDeleteRoom(bctx, roomID)
	}()
}

func (s *Session) finish(ctx context.Context, out Outcome) {
	if s.done {
		return
	}
	s.done = true
	s.outcome = out
	s.phase.Store(int32(PhaseEnded))

	verdict := "Defeat"
	if out.Won {
		verdict = "Victory"
	}
	s.overlay.Show(verdict, out.Reason)
	s.audio.Sfx("over")
	s.log.Info("match over",
		zap.Bool("won", out.Won),
		zap.String("reason", out.Reason),
		zap.Int("score", out.Score))
}

func (s *Session) score() int {
	if s.game == nil {
		return 0
	}
	return s.game.Score()
}

func (s *Session) lines() int {
	if s.game == nil {
		return 0
	}
	return s.game.Lines()
}

// exitRoomAsync releases the joined footprint when the session bails out
// of a room it entered.
func (s *Session) exitRoomAsync(ctx context.Context) {
	if s.joined == nil {
		return
	}
	tok := netplay.CleanupToken{
		LobbyID:  s.joined.LobbyID,
		Slot:     s.joined.Slot,
		RoomID:   s.joined.RoomID,
		PlayerID: s.joined.PlayerID,
	}
	s.joined = nil
	go func() {
		bctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.coord.ExitCleanup(bctx, tok)
	}()
}

// teardown cancels subscriptions and releases the room footprint. Runs
// once when Run returns, whatever path got it there.
func (s *Session) teardown() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil

	if s.joined != nil {
		tok := netplay.CleanupToken{
			LobbyID:  s.joined.LobbyID,
			Slot:     s.joined.Slot,
			RoomID:   s.joined.RoomID,
			PlayerID: s.joined.PlayerID,
		}
		bctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.coord.ExitCleanup(bctx, tok)
		cancel()
	}
}
