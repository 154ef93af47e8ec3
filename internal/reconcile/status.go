package reconcile

import (
	"github.com/tetherapp/tether/internal/model"
)

// StopReasonToolUse is the assistant stop condition indicating it is
// waiting on a tool.
const StopReasonToolUse = "tool_use"

// inputTools are the tool kinds whose invocation means the agent is
// waiting on the user rather than executing.
var inputTools = map[string]bool{
	"AskUserQuestion": true,
	"ExitPlanMode":    true,
}

// toolRequiresInput reports whether a tool invocation blocks on the user.
func toolRequiresInput(toolName string) bool {
	return inputTools[toolName]
}

// DeriveStatus computes the user-facing status label from the last known
// assistant and user messages of a session. It is a pure function; the
// scenario table in status_test.go is the authoritative contract.
//
// Closed sessions are terminal. Otherwise the later of the two messages
// decides: an assistant turn stopped on a tool that needs user input is
// "waiting for input"; stopped on any other tool it is "working"; an
// assistant turn with no pending tool is "idle"; a user turn with no
// assistant reply yet is "working".
func DeriveStatus(lastAssistant, lastUser *model.Message, open bool) (model.SessionStatus, string) {
	if !open {
		return model.StatusClosed, ""
	}

	later := lastAssistant
	if later == nil || (lastUser != nil && lastUser.Timestamp >= later.Timestamp) {
		later = lastUser
	}
	if later == nil {
		return model.StatusIdle, ""
	}

	if later.Type == model.MessageAssistant {
		if later.StopReason == StopReasonToolUse {
			if tu := later.LastToolUse(); tu != nil {
				if toolRequiresInput(tu.ToolName) {
					return model.StatusWaitingForInput, tu.ToolName
				}
				return model.StatusWorking, tu.ToolName
			}
			// Stop condition claims a tool but none is present; the safest
			// reading is that the agent is still going.
			return model.StatusWorking, ""
		}
		return model.StatusIdle, ""
	}

	// A user message with no assistant reply yet: the agent is working on
	// a response.
	return model.StatusWorking, ""
}
