package client

import "github.com/ashureev/buildrelay/internal/domain"

// State is the interaction state that decides what the user is asked next.
type State string

const (
	StateInitial             State = "initial"
	StateBuilding            State = "building"
	StateIterationReady      State = "iteration_ready"
	StateRefinementRequested State = "refinement_requested"
	StateCompleted           State = "completed"
	StateError               State = "error"
)

// PromptConfig is the copy shown for a state.
type PromptConfig struct {
	Question       string
	Placeholder    string
	SuccessMessage string
	LoadingText    string
}

// DefaultInitialQuestion opens a session without prior history.
const DefaultInitialQuestion = "What would you like to build?"

var promptConfigs = map[State]PromptConfig{
	StateInitial: {
		Question:       DefaultInitialQuestion,
		Placeholder:    "e.g., Describe the app you want to build",
		SuccessMessage: "Message sent to Agent...",
		LoadingText:    "Waiting for Agent response...",
	},
	StateBuilding: {
		Question:    "Building your application...",
		LoadingText: "Processing...",
	},
	StateIterationReady: {
		Question:       "How would you like to modify in your application?",
		Placeholder:    "e.g., Add a new feature, modify behavior, fix an issue...",
		SuccessMessage: "The requested changes are being applied...",
		LoadingText:    "Applying changes...",
	},
	StateRefinementRequested: {
		Question:       "Provide feedback to the assistant...",
		Placeholder:    "Describe what you'd like to change or improve",
		SuccessMessage: "Refinement request sent to Agent...",
		LoadingText:    "Waiting for Agent response...",
	},
	StateCompleted: {
		Question:       "Your application is ready!",
		Placeholder:    "Type a new request...",
		SuccessMessage: "Processing new request...",
		LoadingText:    "Starting...",
	},
	StateError: {
		Question:       "An error occurred. Would you like to try again?",
		Placeholder:    "Modify your request...",
		SuccessMessage: "Retrying...",
		LoadingText:    "Processing...",
	},
}

// Prompt returns the copy for s.
func (s State) Prompt() PromptConfig {
	return promptConfigs[s]
}

// StateInput is what the state derivation looks at.
type StateInput struct {
	// Started is false until the first message of the session is sent.
	Started bool
	// InFlight is true while an exchange is streaming.
	InFlight bool
	// HadApplicationID is true when the last exchange continued an existing
	// application rather than creating one.
	HadApplicationID bool
	// Last is the thread's last event, if any.
	Last *domain.AgentEvent
}

// DeriveState maps the last thread event onto an interaction state.
func DeriveState(in StateInput) State {
	if !in.Started && in.Last == nil {
		return StateInitial
	}
	if in.InFlight || in.Last == nil {
		return StateBuilding
	}

	switch in.Last.Message.Kind {
	case domain.KindRefinementRequest:
		return StateRefinementRequested
	case domain.KindPlatformMessage:
		if in.Last.IsDeploymentComplete() && !in.HadApplicationID {
			return StateCompleted
		}
		return StateIterationReady
	case domain.KindRuntimeError:
		return StateError
	default:
		return StateIterationReady
	}
}
