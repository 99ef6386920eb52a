// Package provider defines the Provider contract the core drives: create,
// observe, prompt, approve, fork, and control a session, and emit chunks.
// Concrete providers are out of scope for the core's logic but the
// contract itself, plus the data types a provider exchanges with the
// core, live here. Shaped after the teacher's LLMProvider interface and
// CompletionChunk type (internal/agent/provider_types.go) generalized from
// a single-shot completion call to a long-lived session.
package provider

import "time"

// Autonomy governs how tool calls are gated for a session.
type Autonomy string

const (
	AutonomyFull       Autonomy = "full"
	AutonomySupervised Autonomy = "supervised"
	AutonomyRestricted Autonomy = "restricted"
	AutonomyReadOnly   Autonomy = "read_only"
)

// ToolDescriptor names a tool a session may call.
type ToolDescriptor struct {
	Name       string
	Descriptor map[string]any
}

// AnnotatedRequest is a Request after PolicyEngine admission: immutable
// thereafter, retained by the SessionManager to support fork.
type AnnotatedRequest struct {
	Model             string
	System            string
	InitialPrompt     string
	Tools             []ToolDescriptor
	MaxContextTokens   int
	TunnelEndpointID   string
	CeilingCostMicro   int64
	IdempotencyKey     string
	ResumeSessionID    string
	Autonomy           Autonomy
	AllowedTools       []string
	BlockedTools       []string
	ApprovalRequired   []string
}

// StateKind is the tag of the SessionState union.
type StateKind string

const (
	StateCreating        StateKind = "creating"
	StateReady           StateKind = "ready"
	StateWorking         StateKind = "working"
	StateIdle            StateKind = "idle"
	StatePendingApproval StateKind = "pending_approval"
	StateComplete        StateKind = "complete"
	StateFailed          StateKind = "failed"
)

// IsTerminal reports whether the state is a terminal one (Complete/Failed).
func (k StateKind) IsTerminal() bool {
	return k == StateComplete || k == StateFailed
}

// Usage is cumulative token usage reported on Idle/Complete states.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// State is the SessionState tagged union. Only the fields relevant to Kind
// are meaningful.
type State struct {
	Kind StateKind

	CurrentTool string // Working

	LastResponse string // Idle
	Usage        Usage  // Idle, Complete
	CostMicro    int64  // Idle, Complete

	PendingTool   string    // PendingApproval
	PendingParams any       // PendingApproval
	PendingSince  time.Time // PendingApproval

	Response string // Complete

	FailError string    // Failed
	FailedAt  time.Time // Failed
}

// ChunkKind is the tag of a streamed Chunk.
type ChunkKind string

const (
	ChunkText       ChunkKind = "text"
	ChunkToolStart  ChunkKind = "tool_start"
	ChunkToolOutput ChunkKind = "tool_output"
	ChunkToolDone   ChunkKind = "tool_done"
	ChunkDone       ChunkKind = "done"
	ChunkError      ChunkKind = "error"
)

// ToolEnvelope carries the optional tool payload on tool-kind chunks.
type ToolEnvelope struct {
	Name   string
	Params any
	Result any
	Error  string
}

// Chunk is one step of a streamed session output.
type Chunk struct {
	SessionID string
	Kind      ChunkKind
	TextDelta string
	Tool      *ToolEnvelope
	Usage     *Usage
}

// ToolLogEntry is one append-only record of a tool use.
type ToolLogEntry struct {
	ToolUseID string
	ToolName  string
	Input     any
	Approved  *bool
	Error     string
	At        time.Time
}

// PendingToolInfo describes the (at most one) head-of-queue tool awaiting
// approval for a session.
type PendingToolInfo struct {
	ToolUseID string
	ToolName  string
	Input     any
	Since     time.Time
}

// Info describes a provider for the /providers listing.
type Info struct {
	ID   string
	Name string
}

// Health is the /providers/{id}/health status.
type Health struct {
	Status string // "available" | "degraded" | "unavailable"
	Reason string
}

// Model describes one model a provider supports.
type Model struct {
	ID          string
	Name        string
	ContextSize int
}

// Provider is the capability trait every concrete backend implements.
// Every method returns promptly; PollOutput never blocks.
type Provider interface {
	ID() string
	Info() Info
	Models() []Model
	SupportsModel(model string) bool
	IsAvailable() Health

	CreateSession(req *AnnotatedRequest) (sessionID string, err error)
	GetSession(id string) (*State, bool)
	SendPrompt(id string, text string) error
	PollOutput(id string) (*Chunk, bool)
	ApproveTool(id string, approved bool) error
	ForkSession(id string) (newID string, err error)
	Stop(id string) error
	Pause(id string) error
	Resume(id string) error
	ToolLog(id string) []ToolLogEntry
	PendingTool(id string) (*PendingToolInfo, bool)
}
