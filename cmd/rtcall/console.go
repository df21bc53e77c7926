package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"callcore/native/internal/call"
	"callcore/native/internal/domain"
	"callcore/native/internal/webrtc"

	"github.com/rs/zerolog"
)

type command struct {
	name string
	peer string
	kind domain.MediaKind
}

var errUsage = errors.New("usage: call <peer> [audio|video] | accept | reject | hangup | mute | video | state | help | quit")

func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, nil
	}
	cmd := command{name: strings.ToLower(fields[0])}
	switch cmd.name {
	case "call":
		if len(fields) < 2 || len(fields) > 3 {
			return command{}, errUsage
		}
		cmd.peer = fields[1]
		cmd.kind = domain.KindAudio
		if len(fields) == 3 {
			cmd.kind = domain.MediaKind(strings.ToLower(fields[2]))
			if !cmd.kind.Valid() {
				return command{}, fmt.Errorf("%w: %q", domain.ErrInvalidKind, fields[2])
			}
		}
	case "accept", "reject", "hangup", "mute", "video", "state", "help", "quit":
		if len(fields) != 1 {
			return command{}, errUsage
		}
	default:
		return command{}, errUsage
	}
	return cmd, nil
}

// console prints call snapshots and turns stdin lines into manager calls. It
// also gives up on calls that ring for longer than ringTimeout and records
// remote tracks when recordDir is set.
type console struct {
	mgr         *call.Manager
	out         io.Writer
	ringTimeout time.Duration
	recordDir   string
	log         zerolog.Logger

	mu       sync.Mutex
	watchdog *time.Timer
	watched  string
	recorded map[string]bool
}

func newConsole(mgr *call.Manager, out io.Writer, ringTimeout time.Duration, recordDir string, logger zerolog.Logger) *console {
	return &console{
		mgr:         mgr,
		out:         out,
		ringTimeout: ringTimeout,
		recordDir:   recordDir,
		log:         logger.With().Str("module", "console").Logger(),
		recorded:    make(map[string]bool),
	}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *console) onState(s domain.Snapshot) {
	c.printf("%s", describe(s))

	switch s.Status {
	case domain.StatusCalling, domain.StatusRinging:
		c.arm(s.SessionID)
	default:
		c.disarm()
	}

	switch s.Status {
	case domain.StatusRinging:
		c.printf("incoming %s call from %s: type accept or reject", s.Kind, s.RemotePeer)
	case domain.StatusConnected:
		c.record(s.RemoteMedia)
	case domain.StatusEnded:
		if s.Err != nil {
			c.printf("%s", domain.UserMessage(s.Err))
		}
	}
}

func describe(s domain.Snapshot) string {
	if s.Status == domain.StatusIdle {
		return "[idle]"
	}
	line := fmt.Sprintf("[%s] %s %s call with %s (session %s) audio=%t video=%t",
		s.Status, s.Role, s.Kind, s.RemotePeer, s.SessionID, s.AudioEnabled, s.VideoEnabled)
	if len(s.RemoteMedia) > 0 {
		line += fmt.Sprintf(" remote_tracks=%d", len(s.RemoteMedia))
	}
	if s.EndReason != domain.EndNone {
		line += " reason=" + string(s.EndReason)
	}
	return line
}

// arm starts the ring watchdog for sessionID unless it already runs.
func (c *console) arm(sessionID string) {
	if c.ringTimeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watched == sessionID {
		return
	}
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	c.watched = sessionID
	c.watchdog = time.AfterFunc(c.ringTimeout, func() {
		if c.mgr.CancelPending(sessionID) {
			c.log.Info().Str("session", sessionID).Dur("after", c.ringTimeout).Msg("no answer")
		}
	})
}

func (c *console) disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
	c.watched = ""
}

func (c *console) record(remote []domain.RemoteMedia) {
	if c.recordDir == "" {
		return
	}
	for _, r := range remote {
		track, ok := r.(*webrtc.RemoteTrack)
		if !ok {
			continue
		}
		c.mu.Lock()
		seen := c.recorded[track.ID()]
		c.recorded[track.ID()] = true
		c.mu.Unlock()
		if seen {
			continue
		}
		path, err := track.Record(c.recordDir)
		if err != nil {
			c.log.Warn().Err(err).Str("track", track.ID()).Msg("cannot record track")
			continue
		}
		c.printf("recording %s track to %s", track.Kind(), path)
	}
}

// run reads commands from in until EOF, quit or ctx ends.
func (c *console) run(ctx context.Context, in io.Reader, quit func()) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		cmd, err := parseCommand(scanner.Text())
		if err != nil {
			c.printf("%v", err)
			continue
		}
		if cmd.name == "quit" {
			quit()
			return
		}
		c.exec(ctx, cmd)
	}
	quit()
}

func (c *console) exec(ctx context.Context, cmd command) {
	switch cmd.name {
	case "":
	case "call":
		go func() {
			if err := c.mgr.InitiateCall(ctx, cmd.peer, cmd.kind); err != nil {
				c.printf("call failed: %s", domain.UserMessage(err))
				c.log.Debug().Err(err).Msg("initiate call")
			}
		}()
	case "accept":
		go func() {
			if err := c.mgr.AcceptCall(ctx, ""); err != nil {
				c.printf("accept failed: %s", domain.UserMessage(err))
				c.log.Debug().Err(err).Msg("accept call")
			}
		}()
	case "reject":
		if err := c.mgr.RejectCall(""); err != nil {
			c.printf("nothing to reject")
		}
	case "hangup":
		c.mgr.EndCall()
	case "mute":
		enabled, err := c.mgr.ToggleAudio()
		if err != nil {
			c.printf("no active call")
			return
		}
		c.printf("microphone %s", onOff(enabled))
	case "video":
		enabled, err := c.mgr.ToggleVideo()
		if err != nil {
			c.printf("no video in this call")
			return
		}
		c.printf("camera %s", onOff(enabled))
	case "state":
		c.printf("%s", describe(c.mgr.GetCallState()))
	case "help":
		c.printf("%v", errUsage)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
