// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package codec

import (
	"fmt"
	"unicode/utf8"
)

const (
	maxNonceBytes        = 32
	maxActivityNameRunes = 128
	maxMemberUserIDs     = 100
)

// Command is one outbound instruction. Application commands are built with the
// New* constructors, which validate eagerly.
type Command struct {
	Op   Opcode
	Data any
}

// ValidationError reports an invalid command field before any network attempt.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// HeartbeatCommand builds a heartbeat carrying the last seen sequence (nil before any dispatch).
func HeartbeatCommand(seq *uint64) Command {
	return Command{Op: OpHeartbeat, Data: seq}
}

// IdentifyCommand builds an identify command.
func IdentifyCommand(p Identify) Command {
	return Command{Op: OpIdentify, Data: p}
}

// ResumeCommand builds a resume command.
func ResumeCommand(p Resume) Command {
	return Command{Op: OpResume, Data: p}
}

// NewPresenceUpdate validates p and returns a presence update command.
func NewPresenceUpdate(p Presence) (Command, error) {
	if err := ValidatePresence(p); err != nil {
		return Command{}, err
	}
	if p.Activities == nil {
		p.Activities = []Activity{}
	}
	return Command{Op: OpPresenceUpdate, Data: p}, nil
}

// ValidatePresence checks the status and activities of a presence.
func ValidatePresence(p Presence) error {
	switch p.Status {
	case StatusOnline, StatusDND, StatusIdle, StatusInvisible, StatusOffline:
	case "":
		return &ValidationError{Field: "status", Reason: "must be set"}
	default:
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", p.Status)}
	}
	for i, a := range p.Activities {
		field := fmt.Sprintf("activities[%d].name", i)
		if a.Name == "" {
			return &ValidationError{Field: field, Reason: "must not be empty"}
		}
		if utf8.RuneCountInString(a.Name) > maxActivityNameRunes {
			return &ValidationError{Field: field, Reason: fmt.Sprintf("exceeds %d characters", maxActivityNameRunes)}
		}
		if a.Type < ActivityPlaying || a.Type > ActivityCompeting {
			return &ValidationError{Field: fmt.Sprintf("activities[%d].type", i), Reason: "unknown activity type"}
		}
		if a.URL != "" && a.Type != ActivityStreaming {
			return &ValidationError{Field: fmt.Sprintf("activities[%d].url", i), Reason: "only valid for streaming activities"}
		}
	}
	return nil
}

// NewVoiceStateUpdate validates the ids and returns a voice state update command.
// A nil channel disconnects from voice.
func NewVoiceStateUpdate(guildID Snowflake, channelID *Snowflake, selfMute, selfDeaf bool) (Command, error) {
	if guildID == 0 {
		return Command{}, &ValidationError{Field: "guild_id", Reason: "must be non-zero"}
	}
	if channelID != nil && *channelID == 0 {
		return Command{}, &ValidationError{Field: "channel_id", Reason: "must be non-zero when set"}
	}
	return Command{Op: OpVoiceStateUpdate, Data: VoiceStateUpdate{
		GuildID:   guildID,
		ChannelID: channelID,
		SelfMute:  selfMute,
		SelfDeaf:  selfDeaf,
	}}, nil
}

// MemberRequest selects members either by username prefix or by explicit ids.
type MemberRequest struct {
	GuildID   Snowflake
	Query     *string
	UserIDs   []Snowflake
	Limit     int
	Presences bool
	Nonce     string
}

// NewRequestGuildMembers validates r and returns a request guild members command.
func NewRequestGuildMembers(r MemberRequest) (Command, error) {
	if r.GuildID == 0 {
		return Command{}, &ValidationError{Field: "guild_id", Reason: "must be non-zero"}
	}
	if r.Query != nil && len(r.UserIDs) > 0 {
		return Command{}, &ValidationError{Field: "query", Reason: "mutually exclusive with user_ids"}
	}
	if r.Query == nil && len(r.UserIDs) == 0 {
		return Command{}, &ValidationError{Field: "query", Reason: "either query or user_ids is required"}
	}
	if len(r.UserIDs) > maxMemberUserIDs {
		return Command{}, &ValidationError{Field: "user_ids", Reason: fmt.Sprintf("at most %d ids", maxMemberUserIDs)}
	}
	if r.Limit < 0 {
		return Command{}, &ValidationError{Field: "limit", Reason: "must not be negative"}
	}
	if len(r.UserIDs) > 0 && r.Limit > maxMemberUserIDs {
		return Command{}, &ValidationError{Field: "limit", Reason: fmt.Sprintf("at most %d when user_ids is set", maxMemberUserIDs)}
	}
	if len(r.Nonce) > maxNonceBytes {
		return Command{}, &ValidationError{Field: "nonce", Reason: fmt.Sprintf("exceeds %d bytes", maxNonceBytes)}
	}
	return Command{Op: OpRequestGuildMembers, Data: RequestGuildMembers{
		GuildID:   r.GuildID,
		Query:     r.Query,
		Limit:     r.Limit,
		Presences: r.Presences,
		UserIDs:   r.UserIDs,
		Nonce:     r.Nonce,
	}}, nil
}
