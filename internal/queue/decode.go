package queue

import (
	"fmt"

	"github.com/opd-ai/relay/internal/envelope"
)

func decodeEnvelopeList(res any) ([]*envelope.Envelope, error) {
	raw, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("queue: unexpected list result %#v", res)
	}
	out := make([]*envelope.Envelope, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("queue: unexpected list element %#v", item)
		}
		env, err := envelope.Unmarshal([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// decodeEnvelopesWithScores decodes a ZRANGE ... WITHSCORES result (a flat
// alternating [member, score, member, score, ...] list) into envelopes plus
// the highest score seen, used by PeekPage.
func decodeEnvelopesWithScores(res any) ([]*envelope.Envelope, int64, error) {
	raw, ok := res.([]any)
	if !ok {
		return nil, 0, fmt.Errorf("queue: unexpected page result %#v", res)
	}
	if len(raw)%2 != 0 {
		return nil, 0, fmt.Errorf("queue: malformed WITHSCORES result (odd length %d)", len(raw))
	}
	envs := make([]*envelope.Envelope, 0, len(raw)/2)
	var lastQid int64
	for i := 0; i < len(raw); i += 2 {
		member, ok := raw[i].(string)
		if !ok {
			return nil, 0, fmt.Errorf("queue: unexpected page member %#v", raw[i])
		}
		env, err := envelope.Unmarshal([]byte(member))
		if err != nil {
			return nil, 0, err
		}
		envs = append(envs, env)
		lastQid = toInt64(raw[i+1])
	}
	return envs, lastQid, nil
}

func decodeOptionalEnvelope(v any) *envelope.Envelope {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	env, err := envelope.Unmarshal([]byte(s))
	if err != nil {
		return nil
	}
	return env
}
