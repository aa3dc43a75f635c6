package controlplane

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWireShape(t *testing.T) {
	b, err := Encode("r1", UpdateProfile{BotName: "Foo"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"process:msg","data":{"action":"updateProfile","requestId":"r1","botName":"Foo"}}`, string(b))

	b, err = Encode("r2", QueryMetrics{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"process:msg","data":{"action":"queryMetrics","requestId":"r2"}}`, string(b))
}

func TestDecodeRequestFromOriginalWorkerFrames(t *testing.T) {
	frame := []byte(`{"type":"process:msg","topic":"bot-control","data":{"action":"updatePresence","status":"idle","activity":"music","activityType":"LISTENING","requestId":"abc"}}`)
	id, req, err := DecodeRequest(frame)
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
	assert.Equal(t, UpdatePresence{Status: "idle", Activity: "music", ActivityType: "LISTENING"}, req)

	_, _, err = DecodeRequest([]byte(`{"type":"process:msg","data":{"action":"reboot","requestId":"x"}}`))
	require.ErrorIs(t, err, ErrUnknownAction)

	_, _, err = DecodeRequest([]byte(`{"type":"other","data":{"action":"queryProfile"}}`))
	require.Error(t, err)
	_, _, err = DecodeRequest([]byte(`not json`))
	require.Error(t, err)
}

func TestDecodeReply(t *testing.T) {
	frame := []byte(`{"type":"process:msg","data":{"action":"metricsData","requestId":"m1","memory":{"rss":1024,"heapUsed":512},"cpu":{"user":10,"system":5},"uptime":12.5}}`)
	id, rep, err := DecodeReply(frame)
	require.NoError(t, err)
	assert.Equal(t, "m1", id)
	m, ok := rep.(MetricsData)
	require.True(t, ok)
	assert.Equal(t, uint64(1024), m.Memory.RSS)
	assert.Equal(t, int64(5), m.CPU.System)
	assert.InDelta(t, 12.5, m.Uptime, 0.001)

	_, _, err = DecodeReply([]byte(`{"type":"process:msg","data":{"action":"updateProfile","requestId":"m1"}}`))
	require.ErrorIs(t, err, ErrUnknownAction)
}

func TestExpects(t *testing.T) {
	assert.True(t, expects(ActionUpdateProfile, ActionProfileData))
	assert.True(t, expects(ActionQueryProfile, ActionProfileData))
	assert.True(t, expects(ActionUpdatePresence, ActionPresenceData))
	assert.True(t, expects(ActionQueryMetrics, ActionMetricsData))
	assert.True(t, expects(ActionQueryMetrics, ActionRejected))
	assert.False(t, expects(ActionQueryMetrics, ActionProfileData))
	assert.False(t, expects(ActionUpdatePresence, ActionProfileData))
}

func TestResultJSONKeepsReplyKind(t *testing.T) {
	in := Result{Outcome: OutcomeReplied, RequestID: "r", Reply: ProfileData{BotName: "Foo", Applied: true}}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"outcome":"replied","requestId":"r","reply":{"action":"profileData","botName":"Foo","applied":true}}`, string(b))

	var out Result
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)

	b, err = json.Marshal(Result{Outcome: OutcomePending, RequestID: "p"})
	require.NoError(t, err)
	var pending Result
	require.NoError(t, json.Unmarshal(b, &pending))
	assert.Nil(t, pending.Reply)
	assert.Equal(t, OutcomePending, pending.Outcome)
}

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest(ActionUpdateProfile, json.RawMessage(`{"botName":"Foo","avatarUrl":"https://x/a.png"}`))
	require.NoError(t, err)
	assert.Equal(t, UpdateProfile{BotName: "Foo", AvatarURL: "https://x/a.png"}, req)

	req, err = ParseRequest(ActionQueryProfile, nil)
	require.NoError(t, err)
	assert.Equal(t, QueryProfile{}, req)

	_, err = ParseRequest("selfDestruct", nil)
	require.ErrorIs(t, err, ErrUnknownAction)

	_, err = ParseRequest(ActionUpdatePresence, json.RawMessage(`[1]`))
	require.Error(t, err)
}
