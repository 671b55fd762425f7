package thread

import (
	"testing"
	"time"

	"github.com/contextlens/contextlens/internal/capture"
)

func userContext(system string, prompts ...string) *capture.ContextInfo {
	ci := &capture.ContextInfo{}
	if system != "" {
		ci.SystemPrompts = []string{system}
	}
	for _, p := range prompts {
		ci.Messages = append(ci.Messages, capture.ParsedMessage{Role: capture.RoleUser, Content: p})
	}
	return ci
}

func TestExtractSessionID(t *testing.T) {
	body := `{"metadata":{"user_id":"user_abc_session_9f1c2d3e-4a5b-6c7d-8e9f-0a1b2c3d4e5f"}}`
	if got := ExtractSessionID(body); got != "session_9f1c2d3e-4a5b-6c7d-8e9f-0a1b2c3d4e5f" {
		t.Errorf("ExtractSessionID = %q", got)
	}

	nested := `{"request":{"session_id":"0c5e4b31-aaaa-bbbb-cccc-123456789012"}}`
	if got := ExtractSessionID(nested); got != "0c5e4b31-aaaa-bbbb-cccc-123456789012" {
		t.Errorf("nested session id = %q", got)
	}

	if got := ExtractSessionID(`{"messages":[]}`); got != "" {
		t.Errorf("no session id expected, got %q", got)
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	tr := New(5 * time.Minute)
	ci := userContext("You are a bot.", "hello world")

	a := tr.Fingerprint(`{"messages":[]}`, ci)
	b := tr.Fingerprint(`{"messages":[]}`, ci)

	if a.Kind != KindContent || a.Value == "" {
		t.Fatalf("fingerprint = %+v", a)
	}
	if a.Value != b.Value {
		t.Error("same input must produce the same fingerprint")
	}

	other := tr.Fingerprint(`{"messages":[]}`, userContext("You are a bot.", "different prompt"))
	if other.Value == a.Value {
		t.Error("different first user prompt must change the fingerprint")
	}
}

func TestFingerprint_SessionIDWins(t *testing.T) {
	tr := New(5 * time.Minute)
	body := `{"metadata":{"user_id":"user_x_session_11111111-2222-3333-4444-555555555555"}}`

	fp := tr.Fingerprint(body, userContext("sys", "prompt"))
	if fp.Kind != KindSession {
		t.Fatalf("kind = %v, want KindSession", fp.Kind)
	}
}

func TestFingerprint_ChainBypassesHashing(t *testing.T) {
	tr := New(5 * time.Minute)
	tr.RecordResponse("resp_42", "conv_known")

	fp := tr.Fingerprint(`{"previous_response_id":"resp_42"}`, userContext("sys", "p"))
	if fp.Kind != KindChain || fp.Value != "conv_known" {
		t.Fatalf("fingerprint = %+v", fp)
	}

	// unknown response id falls through to content hashing
	fp = tr.Fingerprint(`{"previous_response_id":"resp_unknown"}`, userContext("sys", "p"))
	if fp.Kind != KindContent {
		t.Fatalf("kind = %v, want KindContent", fp.Kind)
	}
}

func TestFingerprint_SkipsPreambleTurns(t *testing.T) {
	tr := New(5 * time.Minute)
	ci := userContext("sys",
		"<user_instructions>always be nice</user_instructions>",
		"<environment_context>cwd=/tmp</environment_context>",
		"the real question")

	withBoilerplate := tr.Fingerprint("{}", ci)
	direct := tr.Fingerprint("{}", userContext("sys", "the real question"))

	if withBoilerplate.Value != direct.Value {
		t.Error("boilerplate user turns must not affect the fingerprint")
	}
}

func TestFingerprint_EmptyContext(t *testing.T) {
	tr := New(5 * time.Minute)
	fp := tr.Fingerprint("{}", &capture.ContextInfo{})
	if fp.Kind != KindNone {
		t.Fatalf("empty system+prompt should produce no fingerprint, got %+v", fp)
	}
}

func TestAssign_ExplicitSessionTakesPrecedence(t *testing.T) {
	tr := New(5 * time.Minute)
	fp := Fingerprint{Kind: KindContent, Value: "contenthash"}

	a := tr.Assign("claude-code", fp, "my-session", time.Now())
	b := tr.Assign("claude-code", Fingerprint{Kind: KindNone}, "my-session", time.Now())

	if a == "" || a != b {
		t.Errorf("explicit session id must thread identically regardless of content: %q vs %q", a, b)
	}
	if a == "contenthash" {
		t.Error("explicit session id must override the fingerprint")
	}
}

func TestAssign_IdleTimeoutSplitsSessions(t *testing.T) {
	tr := New(5 * time.Minute)
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	fp := Fingerprint{Kind: KindContent, Value: "v1", PromptKey: "p1"}

	first := tr.Assign("gemini-cli", fp, "", base)
	within := tr.Assign("gemini-cli", fp, "", base.Add(4*time.Minute))
	if first != within {
		t.Error("exchanges within the window must share a conversation")
	}

	// refreshed at +4m, so +8m is still within the window of the last one
	refreshed := tr.Assign("gemini-cli", fp, "", base.Add(8*time.Minute))
	if refreshed != first {
		t.Error("timestamp refresh must extend the window")
	}

	after := tr.Assign("gemini-cli", fp, "", base.Add(20*time.Minute))
	if after == first {
		t.Error("exchanges beyond the window must start a new conversation")
	}
}

func TestAssign_ChatFamilyKeysByRawFingerprint(t *testing.T) {
	tr := New(5 * time.Minute)
	at := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	a := tr.Assign("aider", Fingerprint{Kind: KindContent, Value: "v1", PromptKey: "p1"}, "", at)
	// different full fingerprint, same prompt: separate conversations
	b := tr.Assign("aider", Fingerprint{Kind: KindContent, Value: "v2", PromptKey: "p1"}, "", at)
	if a == b {
		t.Error("aider family keys by raw fingerprint, not prompt")
	}
}

func TestAssign_GeminiFamilyKeysByPrompt(t *testing.T) {
	tr := New(5 * time.Minute)
	at := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	// Gemini rewrites earlier turns, so the raw fingerprint drifts while
	// the first prompt stays stable.
	a := tr.Assign("gemini-cli", Fingerprint{Kind: KindContent, Value: "v1", PromptKey: "p1"}, "", at)
	b := tr.Assign("gemini-cli", Fingerprint{Kind: KindContent, Value: "v2", PromptKey: "p1"}, "", at.Add(time.Minute))
	if a != b {
		t.Error("gemini family must thread by prompt key")
	}
}

func TestAssign_StableToolUsesFingerprintDirectly(t *testing.T) {
	tr := New(5 * time.Minute)
	fp := Fingerprint{Kind: KindSession, Value: "sessionhash"}

	if got := tr.Assign("claude-code", fp, "", time.Now()); got != "sessionhash" {
		t.Errorf("Assign = %q, want fingerprint value", got)
	}
}

func TestAssign_NoFingerprintStandsAlone(t *testing.T) {
	tr := New(5 * time.Minute)
	if got := tr.Assign("claude-code", Fingerprint{Kind: KindNone}, "", time.Now()); got != "" {
		t.Errorf("Assign = %q, want empty", got)
	}
}

func TestForgetConversation(t *testing.T) {
	tr := New(5 * time.Minute)
	tr.RecordResponse("resp_1", "conv_a")
	tr.RecordResponse("resp_2", "conv_a")
	tr.RecordResponse("resp_3", "conv_b")

	tr.ForgetConversation("conv_a")

	if _, ok := tr.chain["resp_1"]; ok {
		t.Error("chain entries for the forgotten conversation must be gone")
	}
	if _, ok := tr.chain["resp_3"]; !ok {
		t.Error("other conversations' chain entries must survive")
	}
}
