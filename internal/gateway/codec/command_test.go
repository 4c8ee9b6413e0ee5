// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package codec

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireValidation(t *testing.T, err error, field string) {
	t.Helper()
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
	assert.Equal(t, field, ve.Field)
}

func TestNewPresenceUpdate(t *testing.T) {
	cmd, err := NewPresenceUpdate(Presence{Status: StatusIdle})
	require.NoError(t, err)
	assert.Equal(t, OpPresenceUpdate, cmd.Op)

	b, err := Encode(cmd)
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":3,"d":{"since":null,"activities":[],"status":"idle","afk":false}}`, string(b))

	_, err = NewPresenceUpdate(Presence{})
	requireValidation(t, err, "status")

	_, err = NewPresenceUpdate(Presence{Status: "busy"})
	requireValidation(t, err, "status")

	_, err = NewPresenceUpdate(Presence{Status: StatusOnline, Activities: []Activity{{Name: strings.Repeat("x", 129)}}})
	requireValidation(t, err, "activities[0].name")

	_, err = NewPresenceUpdate(Presence{Status: StatusOnline, Activities: []Activity{{Name: "tv", URL: "https://example.invalid"}}})
	requireValidation(t, err, "activities[0].url")
}

func TestNewVoiceStateUpdate(t *testing.T) {
	ch := Snowflake(20)
	cmd, err := NewVoiceStateUpdate(10, &ch, true, false)
	require.NoError(t, err)
	b, err := Encode(cmd)
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":4,"d":{"guild_id":"10","channel_id":"20","self_mute":true,"self_deaf":false}}`, string(b))

	cmd, err = NewVoiceStateUpdate(10, nil, false, false)
	require.NoError(t, err)
	b, err = Encode(cmd)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"channel_id":null`)

	_, err = NewVoiceStateUpdate(0, nil, false, false)
	requireValidation(t, err, "guild_id")

	zero := Snowflake(0)
	_, err = NewVoiceStateUpdate(10, &zero, false, false)
	requireValidation(t, err, "channel_id")
}

func TestNewRequestGuildMembers(t *testing.T) {
	q := ""
	_, err := NewRequestGuildMembers(MemberRequest{GuildID: 1, Query: &q})
	require.NoError(t, err)

	_, err = NewRequestGuildMembers(MemberRequest{GuildID: 1})
	requireValidation(t, err, "query")

	_, err = NewRequestGuildMembers(MemberRequest{GuildID: 1, Query: &q, UserIDs: []Snowflake{2}})
	requireValidation(t, err, "query")

	_, err = NewRequestGuildMembers(MemberRequest{GuildID: 1, UserIDs: []Snowflake{2}, Limit: 101})
	requireValidation(t, err, "limit")

	_, err = NewRequestGuildMembers(MemberRequest{GuildID: 1, Query: &q, Nonce: strings.Repeat("n", 33)})
	requireValidation(t, err, "nonce")

	_, err = NewRequestGuildMembers(MemberRequest{Query: &q})
	requireValidation(t, err, "guild_id")
}

func TestSnowflakeJSON(t *testing.T) {
	var v struct {
		A Snowflake `json:"a"`
		B Snowflake `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"175928847299117063","b":12}`), &v))
	assert.Equal(t, Snowflake(175928847299117063), v.A)
	assert.Equal(t, Snowflake(12), v.B)

	var bad Snowflake
	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &bad))
}

func TestParseIntents(t *testing.T) {
	in, err := ParseIntents([]string{"guilds", " GUILD_MESSAGES ", ""})
	require.NoError(t, err)
	assert.Equal(t, IntentGuilds|IntentGuildMessages, in)
	assert.Equal(t, []string{"guild_messages", "guilds"}, in.Names())

	_, err = ParseIntents([]string{"everything"})
	assert.Error(t, err)
}

func TestOpcode(t *testing.T) {
	assert.Equal(t, "HeartbeatAck", OpHeartbeatAck.String())
	assert.Equal(t, "Opcode(5)", Opcode(5).String())
	assert.False(t, Opcode(5).Valid())
	assert.True(t, OpRequestGuildMembers.IsCommand())
	assert.False(t, OpIdentify.IsCommand())
	assert.Equal(t, OpPresenceUpdate, OpStatusUpdate)
}
