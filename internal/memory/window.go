package memory

// Window returns the messages belonging to the last maxTurns
// conversational turns. A turn starts at a human message and runs to
// the next human message (exclusive), so the count is based solely on
// human messages regardless of interleaved assistant or tool output.
//
// The stored history is never mutated; this bounds only the view that
// is sent to the model.
//
// Edge cases:
//   - maxTurns <= 0 returns nil.
//   - no human messages returns the input unchanged (fail-safe).
//   - count <= maxTurns returns the input unchanged (same slice).
//   - if the message immediately before the cut point is the one-shot
//     profile message, it is kept so identity context survives trimming.
func Window(msgs []Message, maxTurns int) []Message {
	if maxTurns <= 0 {
		return nil
	}
	if len(msgs) == 0 {
		return msgs
	}

	var humanIdx []int
	for i, m := range msgs {
		if m.Role == RoleHuman {
			humanIdx = append(humanIdx, i)
		}
	}
	if len(humanIdx) == 0 || len(humanIdx) <= maxTurns {
		return msgs
	}

	start := humanIdx[len(humanIdx)-maxTurns]
	if start > 0 && msgs[start-1].Role == RoleProfile {
		start--
	}
	return msgs[start:]
}
